package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"key.share/internal/models"
)

var (
	ErrNotFound          = errors.New("share not found")
	ErrLocked            = errors.New("share is locked")
	ErrDuplicateCode     = errors.New("share code already in use")
	ErrConflict          = errors.New("share status changed concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Transition describes a conditional status change. It applies only while
// the stored status equals From. With CountFailure the failure counter is
// incremented and the status moves to To only once the counter reaches the
// share's MaxAttempts.
type Transition struct {
	From         models.Status
	To           models.Status
	CountFailure bool
}

// Validate rejects transitions that would leave a terminal state or
// re-enter the active one.
func (t Transition) Validate() error {
	if t.From != models.StatusActive || !t.To.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	return nil
}

// Apply mutates s in place. The caller has already checked s.Status == t.From.
func (t Transition) Apply(s *models.Share) {
	if t.CountFailure {
		s.FailedAttempts++
		if s.FailedAttempts < s.MaxAttempts {
			return
		}
	}
	s.Status = t.To
	s.Wipe()
}

// Store persists shares keyed by code hash. Every status change goes
// through CompareAndTransition, which each backend implements as a single
// atomic operation.
type Store interface {
	// Put inserts a new share. A terminal record under the same hash is
	// replaced; a live one yields ErrDuplicateCode.
	Put(ctx context.Context, share *models.Share) error
	// Exists reports whether any record, terminal or not, uses codeHash.
	Exists(ctx context.Context, codeHash string) (bool, error)
	// GetActive returns an active share. Locked shares that have not yet
	// expired at now yield ErrLocked; everything else yields ErrNotFound.
	// Expiry of active shares is left to the caller.
	GetActive(ctx context.Context, codeHash string, now time.Time) (*models.Share, error)
	CompareAndTransition(ctx context.Context, codeHash string, t Transition) (*models.Share, error)
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, codeHash string) error
	// ScanExpired yields hashes of active shares with ExpiresAt <= now.
	// Ranging over the sequence again restarts the scan.
	ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error]
	// PurgeTerminal removes terminal records with ExpiresAt <= before.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// classify applies the GetActive visibility rules to a loaded record.
func classify(share *models.Share, now time.Time) (*models.Share, error) {
	switch share.Status {
	case models.StatusActive:
		return share, nil
	case models.StatusLocked:
		if share.Expired(now) {
			return nil, ErrNotFound
		}
		return nil, ErrLocked
	default:
		return nil, ErrNotFound
	}
}
