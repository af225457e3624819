// Package state keeps the registry of live tunnel sessions that the
// operational API reports, either in process memory or shared through Redis
// so several gateway instances show up in one view.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/matst80/wsgate/internal/obs"
)

var ErrDuplicate = errors.New("state: session already registered")

// Record is the published view of one session.
type Record struct {
	ID        string    `json:"id"`
	Instance  string    `json:"instance,omitempty"`
	Remote    string    `json:"remote"`
	Target    string    `json:"target,omitempty"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Started   time.Time `json:"started"`
	BytesUp   int64     `json:"bytes_up"`
	BytesDown int64     `json:"bytes_down"`
}

// Stats is the summary served at /api/state.
type Stats struct {
	Instance      string `json:"instance,omitempty"`
	Sessions      int    `json:"sessions"`
	TotalSessions int64  `json:"total_sessions"`
	Rejected      int64  `json:"rejected"`
	Ready         bool   `json:"ready"`
	Closing       bool   `json:"closing"`
	Now           string `json:"now"`
}

// Store abstracts session bookkeeping to allow horizontal scaling.
type Store interface {
	Register(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
	IncrementRejected()
	SetClosing(closing bool)
	SetReady(ready bool)
	IsClosing() bool
	IsReady() bool
	Stats() Stats
}

// Options configures New.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Instance      string
}

// New creates either an in-memory or Redis-backed store.
func New(opts Options) (Store, error) {
	if opts.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr})
	return NewRedis(opts)
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }
