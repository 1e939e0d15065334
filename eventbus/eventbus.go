// Package eventbus provides an in-memory fan-out bus for per-drone hub
// events. Slow subscribers have events dropped rather than blocking
// publishers.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the hub.
const (
	TypePhase   = "phase"
	TypePrompt  = "prompt"
	TypeRepo    = "repo"
	TypeError   = "error"
	TypeDeleted = "deleted"
)

// Event is a single hub event for one drone.
type Event struct {
	DroneID string    `json:"droneId"`
	Type    string    `json:"type"`
	Data    string    `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

type subscriber struct {
	id int
	ch chan Event
}

// Bus fans events out to subscribers keyed by drone id.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscriber
	next int
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

// Publish sends an event to all subscribers of its drone. Full buffers drop.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[evt.DroneID] {
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel receiving future events for one drone and a
// cancel function. Callers must invoke cancel to release the subscription.
func (b *Bus) Subscribe(droneID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[droneID] = append(b.subs[droneID], subscriber{id: id, ch: ch})
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[droneID]
		for i, s := range subs {
			if s.id == id {
				b.subs[droneID] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(b.subs[droneID]) == 0 {
			delete(b.subs, droneID)
		}
	}
	return ch, cancel
}

// DropDrone closes and removes every subscription for a deleted drone.
func (b *Bus) DropDrone(droneID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[droneID] {
		close(s.ch)
	}
	delete(b.subs, droneID)
}
