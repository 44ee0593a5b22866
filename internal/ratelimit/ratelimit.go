// Package ratelimit implements sliding-window attempt accounting keyed by an
// arbitrary string, typically the caller's network address.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most a fixed number of events per key within a
// sliding window. Denied events are not recorded.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, error)
}

var _ Limiter = (*Window)(nil)

// Window is an in-process sliding window log.
type Window struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

func NewWindow(limit int, window time.Duration) *Window {
	return &Window{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

func (w *Window) Allow(ctx context.Context, key string, now time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	events := prune(w.events[key], now.Add(-w.window))
	if len(events) >= w.limit {
		w.events[key] = events
		return false, nil
	}

	w.events[key] = append(events, now)
	return true, nil
}

// Run drops idle keys every interval until ctx is done.
func (w *Window) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.cleanup(now)
		}
	}
}

func (w *Window) cleanup(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	for key, events := range w.events {
		if events = prune(events, cutoff); len(events) == 0 {
			delete(w.events, key)
		} else {
			w.events[key] = events
		}
	}
}

// prune drops events at or before cutoff. events is in arrival order.
func prune(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}
