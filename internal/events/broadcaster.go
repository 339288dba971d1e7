// Package events fans out task lifecycle notifications to live subscribers.
// Delivery is fire-and-forget: a slow subscriber drops events rather than
// blocking the publisher.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTaskCreated      EventType = "task_created"
	EventTaskTransitioned EventType = "task_transitioned"
	EventTaskRepaired     EventType = "task_repaired"
	EventTaskCommented    EventType = "task_commented"
	EventPlanningUpdated  EventType = "planning_updated"
)

type Event struct {
	Type    EventType `json:"type"`
	TaskID  string    `json:"task_id,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Actor   string    `json:"actor,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel func. The channel
// is closed on cancel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
}

// Broadcast delivers to every subscriber without waiting. Full buffers drop.
func (b *Broadcaster) Broadcast(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
