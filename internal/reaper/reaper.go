// Package reaper expires overdue shares and purges terminal records in the
// background.
package reaper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"key.share/internal/audit"
	"key.share/internal/models"
	"key.share/internal/store"
)

// Source identifies the reaper in audit records.
const Source = "reaper"

// Result summarizes one sweep.
type Result struct {
	Expired int
	Purged  int
	Errors  int
}

// Config controls sweep cadence. Retention is how long terminal records
// outlive their expiry before they are purged.
type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	Retention time.Duration
}

type Reaper struct {
	store     store.Store
	audit     *audit.Logger
	log       *zap.Logger
	interval  time.Duration
	timeout   time.Duration
	retention time.Duration
	now       func() time.Time
}

func New(st store.Store, auditLog *audit.Logger, log *zap.Logger, cfg Config, now func() time.Time) *Reaper {
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		store:     st,
		audit:     auditLog,
		log:       log,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		retention: cfg.Retention,
		now:       now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := r.Sweep(ctx, r.now())
			if res.Expired > 0 || res.Purged > 0 {
				r.log.Info("expired shares swept",
					zap.Int("expired", res.Expired),
					zap.Int("purged", res.Purged),
				)
			}
		}
	}
}

// Sweep expires every active share whose TTL elapsed at now, then purges
// terminal records whose expiry is older than the retention period. Store
// failures are logged and the sweep moves on to the next record.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) Result {
	var res Result

	for codeHash, err := range r.store.ScanExpired(ctx, now) {
		if err != nil {
			r.log.Error("failed to scan expired shares", zap.Error(err))
			res.Errors++
			break
		}

		expired, err := r.expire(ctx, codeHash)
		if err != nil {
			r.log.Error("failed to expire share",
				zap.String("code_hash_prefix", audit.Prefix(codeHash)),
				zap.Error(err),
			)
			res.Errors++
			continue
		}
		if expired {
			res.Expired++
		}
	}

	purgeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	purged, err := r.store.PurgeTerminal(purgeCtx, now.Add(-r.retention))
	if err != nil {
		r.log.Error("failed to purge terminal shares", zap.Error(err))
		res.Errors++
	}
	res.Purged = purged

	return res
}

// expire moves one share to expired. Losing the race to a concurrent
// retrieve or revoke is not an error; the share is simply no longer ours.
func (r *Reaper) expire(ctx context.Context, codeHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.store.CompareAndTransition(ctx, codeHash, store.Transition{
		From: models.StatusActive,
		To:   models.StatusExpired,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	r.audit.Record(ctx, codeHash, Source, audit.OutcomeExpired)
	return true, r.store.Delete(ctx, codeHash)
}
