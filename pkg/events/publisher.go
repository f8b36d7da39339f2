package events

import (
	"context"
	"errors"
	"sync"
)

// EventPublisher is the interface for publishing surface lifecycle events.
type EventPublisher interface {
	PublishSurfaceEvent(ctx context.Context, event *SurfaceEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishSurfaceEvent is a no-op.
func (p *NoOpPublisher) PublishSurfaceEvent(_ context.Context, _ *SurfaceEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *SurfaceEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *SurfaceEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishSurfaceEvent calls the callback.
func (p *CallbackPublisher) PublishSurfaceEvent(ctx context.Context, event *SurfaceEvent) error {
	return p.callback(ctx, event)
}

// MultiPublisher fans an event out to every publisher. All publishers are called even when
// one fails; the errors are joined.
type MultiPublisher []EventPublisher

// PublishSurfaceEvent publishes to each publisher in order.
func (m MultiPublisher) PublishSurfaceEvent(ctx context.Context, event *SurfaceEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishSurfaceEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecentPublisher keeps the last events in memory for status pages.
type RecentPublisher struct {
	mu     sync.Mutex
	events []SurfaceEvent
	next   int
	full   bool
}

// NewRecentPublisher keeps up to size events (minimum 1).
func NewRecentPublisher(size int) *RecentPublisher {
	if size < 1 {
		size = 1
	}
	return &RecentPublisher{events: make([]SurfaceEvent, size)}
}

// PublishSurfaceEvent stores a copy of event, evicting the oldest when full.
func (r *RecentPublisher) PublishSurfaceEvent(_ context.Context, event *SurfaceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = *event
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns the stored events, newest first.
func (r *RecentPublisher) Recent() []SurfaceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.events)
	}
	out := make([]SurfaceEvent, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.events[(r.next-i+len(r.events))%len(r.events)])
	}
	return out
}
