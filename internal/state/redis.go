package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matst80/wsgate/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "wsgate:session:"
	keyTotal    = "wsgate:sessions_total"
	keyRejected = "wsgate:rejected_total"
)

// Redis publishes session records under keyPrefix with a TTL that a
// heartbeat keeps extending for sessions owned by this instance. Records of
// instances that died expire on their own.
type Redis struct {
	client     *redis.Client
	instanceID string

	mu      sync.Mutex
	local   map[string]Record
	closing bool
	ready   bool

	heartbeatInterval time.Duration
	keyTTL            time.Duration
	opTimeout         time.Duration
}

var _ Store = (*Redis)(nil)

func NewRedis(opts Options) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword, DB: opts.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	id := opts.Instance
	if id == "" {
		id = fmt.Sprintf("wsgate-%d", time.Now().UnixNano())
	}
	return &Redis{
		client:            rdb,
		instanceID:        id,
		local:             make(map[string]Record),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
		opTimeout:         2 * time.Second,
	}, nil
}

func (r *Redis) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *Redis) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *Redis) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *Redis) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *Redis) Register(ctx context.Context, rec Record) error {
	rec.Instance = r.instanceID
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, keyPrefix+rec.ID, data, r.keyTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	if err := r.client.Incr(ctx, keyTotal).Err(); err != nil {
		obs.Error("redis.incr_total", obs.Fields{"err": err.Error()})
	}
	r.mu.Lock()
	r.local[rec.ID] = rec
	r.mu.Unlock()
	return nil
}

func (r *Redis) Update(ctx context.Context, rec Record) error {
	r.mu.Lock()
	if _, ok := r.local[rec.ID]; !ok {
		r.mu.Unlock()
		return nil
	}
	rec.Instance = r.instanceID
	r.local[rec.ID] = rec
	r.mu.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+rec.ID, data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()
	if err := r.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// List returns the sessions of every instance sharing the Redis database.
func (r *Redis) List(ctx context.Context) ([]Record, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	if len(keys) == 0 {
		return []Record{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	out := make([]Record, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error(), "key": strings.TrimPrefix(keys[i], keyPrefix)})
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (r *Redis) IncrementRejected() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.Incr(ctx, keyRejected).Err(); err != nil {
		obs.Error("redis.incr_rejected", obs.Fields{"err": err.Error()})
	}
}

// Stats reports the local session count and the shared counters.
func (r *Redis) Stats() Stats {
	r.mu.Lock()
	st := Stats{
		Instance: r.instanceID,
		Sessions: len(r.local),
		Ready:    r.ready,
		Closing:  r.closing,
		Now:      now(),
	}
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	vals, err := r.client.MGet(ctx, keyTotal, keyRejected).Result()
	if err != nil {
		obs.Error("redis.stats", obs.Fields{"err": err.Error()})
		return st
	}
	st.TotalSessions = parseCounter(vals[0])
	st.Rejected = parseCounter(vals[1])
	return st
}

func parseCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscan(s, &n)
	return n
}

// StartMaintenance refreshes the TTL of locally owned records until ctx ends.
func (r *Redis) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *Redis) heartbeat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, keyPrefix+id, r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(ids)})
	}
}

func (r *Redis) Close() error { return r.client.Close() }
