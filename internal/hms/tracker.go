package hms

import (
	"printwatch/internal/devstate"
	"printwatch/internal/model"
)

type codeSet map[string]struct{}

// Tracker remembers the codes each device reported last and yields only
// codes that were not active on the previous message.
type Tracker struct {
	active *devstate.Map[codeSet]
}

func NewTracker() *Tracker {
	return &Tracker{active: devstate.New(func() *codeSet {
		s := codeSet{}
		return &s
	})}
}

// Appeared replaces the device's active set with entries and returns the
// newly appeared ones. A code that clears and comes back is reported again.
func (t *Tracker) Appeared(deviceID string, entries []model.HMSEntry) []Error {
	prev := t.active.Get(deviceID)
	next := make(codeSet, len(entries))
	var fresh []Error
	for _, e := range Parse(entries) {
		if _, dup := next[e.Key]; dup {
			continue
		}
		next[e.Key] = struct{}{}
		if _, ok := (*prev)[e.Key]; !ok {
			fresh = append(fresh, e)
		}
	}
	*prev = next
	return fresh
}

// Forget drops the device's remembered codes, used when its session restarts.
func (t *Tracker) Forget(deviceID string) {
	t.active.Delete(deviceID)
}
