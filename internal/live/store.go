// Package live holds the latest snapshot and connection flag per printer.
package live

import (
	"sort"
	"sync"
	"time"

	"printwatch/internal/model"
)

type Entry struct {
	Snapshot  *model.Snapshot
	Connected bool
	UpdatedAt time.Time
}

type Store struct {
	mu       sync.RWMutex
	byDevice map[string]Entry
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{byDevice: make(map[string]Entry), limit: limit}
}

// Update records a fresh snapshot. A device that reports is connected.
func (s *Store) Update(deviceID string, snap model.Snapshot, at time.Time) Entry {
	if deviceID == "" {
		return Entry{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{Snapshot: &snap, Connected: true, UpdatedAt: at}
	s.byDevice[deviceID] = e
	if len(s.byDevice) > s.limit {
		s.evictOldest()
	}
	return e
}

// SetConnected flips the connection flag and keeps the last snapshot.
func (s *Store) SetConnected(deviceID string, connected bool, at time.Time) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.byDevice[deviceID]
	e.Connected = connected
	e.UpdatedAt = at
	s.byDevice[deviceID] = e
	return e
}

func (s *Store) Get(deviceID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byDevice[deviceID]
	return e, ok
}

func (s *Store) GetAll() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.byDevice))
	for id, e := range s.byDevice {
		out[id] = e
	}
	return out
}

func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byDevice))
	for id := range s.byDevice {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) evictOldest() {
	var oldestDevice string
	var oldest time.Time
	for id, e := range s.byDevice {
		if oldestDevice == "" || e.UpdatedAt.Before(oldest) {
			oldestDevice = id
			oldest = e.UpdatedAt
		}
	}
	if oldestDevice != "" {
		delete(s.byDevice, oldestDevice)
	}
}

// StateMessage renders the entry as the dashboard's state message.
func StateMessage(deviceID string, e Entry) model.Message {
	snap := e.Snapshot
	if snap == nil {
		snap = &model.Snapshot{}
	}
	return model.Message{
		Type: model.MessageState,
		Data: model.StatePayload{DeviceID: deviceID, State: snap, Connected: e.Connected},
	}
}
