package api

import (
	"context"
	"sync"
)

// Event is a live notification about location activity, streamed to SSE and
// websocket consumers.
type Event struct {
	LocationID int64  `json:"locationId"`
	Kind       string `json:"kind"`
	Payload    any    `json:"payload,omitempty"`
}

// EventBroker fans location events out to live subscribers.
type EventBroker interface {
	Publish(ctx context.Context, ev Event)
	// Subscribe returns a channel of events for one location (0 for all) and
	// a cancel func that must be called when the consumer goes away.
	Subscribe(locationID int64) (<-chan Event, func())
}

// Broker is the in-process broker used by default and in tests.
type Broker struct {
	mu   sync.Mutex
	next int
	subs map[int]brokerSub
}

type brokerSub struct {
	locationID int64
	ch         chan Event
}

func NewBroker() *Broker {
	return &Broker{subs: map[int]brokerSub{}}
}

func (b *Broker) Publish(_ context.Context, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.locationID != 0 && s.locationID != ev.LocationID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// slow consumer drops events rather than blocking publishers
		}
	}
}

func (b *Broker) Subscribe(locationID int64) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 16)
	b.subs[id] = brokerSub{locationID: locationID, ch: ch}
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}
