// Package status serves task state to clients: single snapshots and live
// streams that re-read the task store on a fixed interval until the task
// finishes or the client goes away.
package status

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/chain-sleuth/sleuth/internal/domain"
	"github.com/chain-sleuth/sleuth/internal/infra/metrics"
)

// DefaultInterval is the stream re-poll interval.
const DefaultInterval = 5 * time.Second

// Gateway reads task state for API clients.
type Gateway struct {
	tasks    domain.TaskStore
	hub      *Hub // optional push layer
	interval time.Duration
}

// NewGateway creates a gateway. hub may be nil.
func NewGateway(tasks domain.TaskStore, hub *Hub, interval time.Duration) *Gateway {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Gateway{tasks: tasks, hub: hub, interval: interval}
}

// Snapshot returns the current task state.
func (g *Gateway) Snapshot(ctx context.Context, taskID string) (*domain.Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, domain.Validation("status", domain.ErrTaskIDRequired)
	}
	t, err := g.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return nil, domain.NotFound("status", err)
		}
		return nil, err
	}
	return t, nil
}

// Stream emits the current snapshot immediately, then one snapshot per
// interval (and on pushed events) until the task is terminal or ctx ends.
// The channel is closed exactly once, right after a terminal snapshot or on
// cancellation. An unknown task is reported before the stream opens.
func (g *Gateway) Stream(ctx context.Context, taskID string) (<-chan domain.Task, error) {
	first, err := g.Snapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Task, 1)
	go g.run(ctx, taskID, first, out)
	return out, nil
}

func (g *Gateway) run(ctx context.Context, taskID string, first *domain.Task, out chan<- domain.Task) {
	defer close(out)
	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	if !g.emit(ctx, out, *first) || first.IsTerminal() {
		return
	}

	var pushed <-chan domain.Event
	if g.hub != nil {
		ch, cancel := g.hub.Subscribe(taskID)
		defer cancel()
		pushed = ch
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-pushed:
		}

		t, err := g.tasks.GetTask(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrTaskNotFound) {
				log.Printf("[status] stream task=%s vanished", taskID)
				return
			}
			log.Printf("[status] stream task=%s read: %v", taskID, err)
			continue
		}
		if !g.emit(ctx, out, *t) || t.IsTerminal() {
			return
		}
	}
}

func (g *Gateway) emit(ctx context.Context, out chan<- domain.Task, t domain.Task) bool {
	select {
	case out <- t:
		return true
	case <-ctx.Done():
		return false
	}
}
