// Package guard combines per-source throttling with per-share lockout.
package guard

import (
	"context"
	"fmt"
	"time"

	"key.share/internal/models"
	"key.share/internal/ratelimit"
	"key.share/internal/store"
)

// Decision is the outcome of an attempt check.
type Decision int

const (
	Allowed Decision = iota
	Locked
	Throttled
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Locked:
		return "locked"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

type Guard struct {
	store   store.Store
	limiter ratelimit.Limiter
	now     func() time.Time
}

// New returns a Guard. A nil limiter disables source throttling.
func New(st store.Store, limiter ratelimit.Limiter, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{store: st, limiter: limiter, now: now}
}

// CheckAndRecord decides whether source may attempt to open share. A locked
// share is reported before the source window is consulted, so repeated
// attempts against it do not eat into the caller's budget.
func (g *Guard) CheckAndRecord(ctx context.Context, share *models.Share, source string) (Decision, error) {
	if share.Status == models.StatusLocked {
		return Locked, nil
	}
	return g.CheckSource(ctx, source)
}

// CheckSource consumes one attempt from the source's window. Used on its own
// for lookups that matched no share.
func (g *Guard) CheckSource(ctx context.Context, source string) (Decision, error) {
	if g.limiter == nil {
		return Allowed, nil
	}

	ok, err := g.limiter.Allow(ctx, source, g.now())
	if err != nil {
		return Throttled, err
	}
	if !ok {
		return Throttled, nil
	}
	return Allowed, nil
}

// RecordFailure counts a failed decryption against share. It returns Locked
// when this failure reached the share's threshold.
func (g *Guard) RecordFailure(ctx context.Context, share *models.Share) (Decision, *models.Share, error) {
	updated, err := g.store.CompareAndTransition(ctx, share.CodeHash, store.Transition{
		From:         models.StatusActive,
		To:           models.StatusLocked,
		CountFailure: true,
	})
	if err != nil {
		return Allowed, nil, fmt.Errorf("recording failed attempt: %w", err)
	}

	if updated.Status == models.StatusLocked {
		return Locked, updated, nil
	}
	return Allowed, updated, nil
}
