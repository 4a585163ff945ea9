package status

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// Hub broadcasts delivered events to subscribers keyed by task ID.
// Publish never blocks: a subscriber that is not keeping up misses events,
// which is safe because streams re-read the store on every tick anyway.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan domain.Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan domain.Event]struct{})}
}

// Subscribe returns a channel of events for taskID and a cancel func that
// must be called to release it.
func (h *Hub) Subscribe(taskID string) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 8)

	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[chan domain.Event]struct{})
	}
	h.subs[taskID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[taskID], ch)
			if len(h.subs[taskID]) == 0 {
				delete(h.subs, taskID)
			}
			h.mu.Unlock()
		})
	}
}

// Publish fans ev out to every subscriber of ev.TaskID.
func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of subscribers for taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[taskID])
}

// Fanout publishes to several publishers and joins their errors.
type Fanout []domain.EventPublisher

// Publish sends ev to every publisher, continuing past failures.
func (f Fanout) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			log.Printf("[events] publish task=%s type=%s: %v", ev.TaskID, ev.Type, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
