// Package events keeps the most recent events in memory for the dashboard.
package events

import (
	"sync"
	"time"

	"printwatch/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.Event
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

// List returns up to limit events for deviceID, newest first. An empty
// deviceID matches every device.
func (s *Store) List(deviceID string, limit int) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Event, 0, limit)
	for i := len(s.buf) - 1; i >= 0 && len(out) < limit; i-- {
		if deviceID == "" || s.buf[i].DeviceID == deviceID {
			out = append(out, s.buf[i])
		}
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, 0)
	for _, ev := range s.buf {
		if !ev.At.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}
