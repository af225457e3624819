package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Memory struct {
	mu       sync.Mutex
	sessions map[string]Record
	closing  bool
	ready    bool
	total    int64
	rejected int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]Record)}
}

func (m *Memory) Register(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	m.sessions[rec.ID] = rec
	m.total++
	return nil
}

// Update replaces a registered record; unknown ids are ignored.
func (m *Memory) Update(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; ok {
		m.sessions[rec.ID] = rec
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// List returns the live sessions, oldest first.
func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r)
	}
	m.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (m *Memory) IncrementRejected() {
	m.mu.Lock()
	m.rejected++
	m.mu.Unlock()
}

func (m *Memory) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *Memory) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *Memory) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *Memory) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Sessions:      len(m.sessions),
		TotalSessions: m.total,
		Rejected:      m.rejected,
		Ready:         m.ready,
		Closing:       m.closing,
		Now:           now(),
	}
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Started.Equal(rs[j].Started) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Started.Before(rs[j].Started)
	})
}
