// Package broadcast fans dashboard messages out to subscribers.
package broadcast

import "printwatch/internal/model"

// Broadcaster accepts messages without blocking. Delivery is best effort.
type Broadcaster interface {
	Broadcast(msg model.Message)
}

// Multi sends every message to each of its members.
type Multi []Broadcaster

func (m Multi) Broadcast(msg model.Message) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(msg)
		}
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Broadcast(model.Message) {}
