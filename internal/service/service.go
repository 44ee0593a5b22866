// Package service implements the share lifecycle: create, retrieve and
// revoke. It is the only caller of the store that changes share state on
// behalf of users.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"key.share/internal/audit"
	"key.share/internal/codegen"
	"key.share/internal/crypto"
	"key.share/internal/guard"
	"key.share/internal/models"
	"key.share/internal/store"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrEmptySecret    = fmt.Errorf("%w: secret is required", ErrInvalidInput)
	ErrSecretTooLarge = fmt.Errorf("%w: secret is too large", ErrInvalidInput)
	ErrInvalidTTL     = fmt.Errorf("%w: ttl out of range", ErrInvalidInput)

	ErrNotFound    = errors.New("share not found")
	ErrLocked      = errors.New("share is locked")
	ErrThrottled   = errors.New("too many attempts")
	ErrUnavailable = errors.New("share store unavailable")

	ErrExhaustedRetries = codegen.ErrExhaustedRetries
)

type Config struct {
	DefaultTTL     time.Duration
	MinTTL         time.Duration
	MaxTTL         time.Duration
	MaxAttempts    int
	MaxSecretBytes int
	OpTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:     10 * time.Minute,
		MinTTL:         time.Minute,
		MaxTTL:         24 * time.Hour,
		MaxAttempts:    5,
		MaxSecretBytes: 64 * 1024,
		OpTimeout:      3 * time.Second,
	}
}

type Service struct {
	store  store.Store
	engine *crypto.Engine
	codes  *codegen.Generator
	guard  *guard.Guard
	audit  *audit.Logger
	log    *zap.Logger
	cfg    Config
	now    func() time.Time
}

func New(st store.Store, engine *crypto.Engine, g *guard.Guard, auditLog *audit.Logger, log *zap.Logger, cfg Config, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	s := &Service{
		store:  st,
		engine: engine,
		guard:  g,
		audit:  auditLog,
		log:    log,
		cfg:    cfg,
		now:    now,
	}
	s.codes = codegen.New(engine, s.exists)
	return s
}

// Create encrypts secret under a fresh code. A zero ttl means the
// configured default.
func (s *Service) Create(ctx context.Context, secret []byte, ttl time.Duration, source string) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, ErrEmptySecret
	}
	if len(secret) > s.cfg.MaxSecretBytes {
		return "", time.Time{}, ErrSecretTooLarge
	}
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < s.cfg.MinTTL || ttl > s.cfg.MaxTTL {
		return "", time.Time{}, ErrInvalidTTL
	}

	for attempt := 0; ; attempt++ {
		code, codeHash, err := s.codes.Generate(ctx)
		if errors.Is(err, codegen.ErrExhaustedRetries) {
			s.log.Error("code space exhausted", zap.Int("retries", codegen.MaxRetries))
			return "", time.Time{}, err
		}
		if err != nil {
			return "", time.Time{}, s.unavailable("generate code", err)
		}

		sealed, err := s.engine.Encrypt(secret, []byte(codeHash))
		if err != nil {
			return "", time.Time{}, fmt.Errorf("encrypting secret: %w", err)
		}

		now := s.now()
		share := &models.Share{
			CodeHash:    codeHash,
			Ciphertext:  sealed.Ciphertext,
			Nonce:       sealed.Nonce,
			AuthTag:     sealed.Tag,
			Status:      models.StatusActive,
			MaxAttempts: s.cfg.MaxAttempts,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}

		err = s.put(ctx, share)
		// Another create claimed the code between the check and the insert.
		if errors.Is(err, store.ErrDuplicateCode) && attempt < codegen.MaxRetries {
			continue
		}
		if errors.Is(err, store.ErrDuplicateCode) {
			return "", time.Time{}, ErrExhaustedRetries
		}
		if err != nil {
			return "", time.Time{}, s.unavailable("save share", err)
		}

		s.audit.Record(ctx, codeHash, source, audit.OutcomeCreated)
		s.log.Info("share created",
			zap.String("code_hash_prefix", audit.Prefix(codeHash)),
			zap.Time("expires_at", share.ExpiresAt),
		)
		return code, share.ExpiresAt, nil
	}
}

// Retrieve returns the secret behind code exactly once. Decryption and the
// consume transition are separate steps: only the caller whose transition
// wins gets the plaintext.
func (s *Service) Retrieve(ctx context.Context, code, source string) ([]byte, error) {
	codeHash := s.engine.HashCode(codegen.Normalize(code))
	now := s.now()

	share, err := s.getActive(ctx, codeHash, now)
	switch {
	case errors.Is(err, store.ErrLocked):
		s.audit.Record(ctx, codeHash, source, audit.OutcomeLocked)
		return nil, ErrLocked
	case errors.Is(err, store.ErrNotFound):
		return nil, s.miss(ctx, codeHash, source)
	case err != nil:
		return nil, s.unavailable("load share", err)
	}

	if share.Expired(now) {
		return nil, s.expireOnAccess(ctx, codeHash, source)
	}

	decision, err := s.check(ctx, share, source)
	if err != nil {
		return nil, s.unavailable("check attempt", err)
	}
	switch decision {
	case guard.Throttled:
		s.audit.Record(ctx, codeHash, source, audit.OutcomeThrottled)
		return nil, ErrThrottled
	case guard.Locked:
		s.audit.Record(ctx, codeHash, source, audit.OutcomeLocked)
		return nil, ErrLocked
	case guard.Allowed:
	}

	plaintext, err := s.engine.Decrypt(crypto.Sealed{
		Ciphertext: share.Ciphertext,
		Nonce:      share.Nonce,
		Tag:        share.AuthTag,
	}, []byte(codeHash))
	if err != nil {
		return nil, s.failedAttempt(ctx, share, source)
	}

	_, err = s.transition(ctx, codeHash, store.Transition{
		From: models.StatusActive,
		To:   models.StatusConsumed,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		s.audit.Record(ctx, codeHash, source, audit.OutcomeNotFound)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.unavailable("consume share", err)
	}

	s.remove(ctx, codeHash)
	s.audit.Record(ctx, codeHash, source, audit.OutcomeSuccess)
	return plaintext, nil
}

// Revoke destroys an active share. Any other state reports ErrNotFound.
func (s *Service) Revoke(ctx context.Context, code, source string) error {
	codeHash := s.engine.HashCode(codegen.Normalize(code))
	now := s.now()

	share, err := s.getActive(ctx, codeHash, now)
	if errors.Is(err, store.ErrLocked) || errors.Is(err, store.ErrNotFound) {
		s.audit.Record(ctx, codeHash, source, audit.OutcomeNotFound)
		return ErrNotFound
	}
	if err != nil {
		return s.unavailable("load share", err)
	}
	if share.Expired(now) {
		return s.expireOnAccess(ctx, codeHash, source)
	}

	_, err = s.transition(ctx, codeHash, store.Transition{
		From: models.StatusActive,
		To:   models.StatusRevoked,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		s.audit.Record(ctx, codeHash, source, audit.OutcomeNotFound)
		return ErrNotFound
	}
	if err != nil {
		return s.unavailable("revoke share", err)
	}

	s.remove(ctx, codeHash)
	s.audit.Record(ctx, codeHash, source, audit.OutcomeRevoked)
	return nil
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// miss handles a lookup that matched nothing retrievable. Unknown codes
// still spend the source's budget so guessing is throttled.
func (s *Service) miss(ctx context.Context, codeHash, source string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	decision, err := s.guard.CheckSource(ctx, source)
	if err != nil {
		return s.unavailable("check source", err)
	}
	if decision == guard.Throttled {
		s.audit.Record(ctx, codeHash, source, audit.OutcomeThrottled)
		return ErrThrottled
	}

	s.audit.Record(ctx, codeHash, source, audit.OutcomeNotFound)
	return ErrNotFound
}

// expireOnAccess moves an overdue share to expired. Losing the race to a
// concurrent transition still reports ErrNotFound.
func (s *Service) expireOnAccess(ctx context.Context, codeHash, source string) error {
	_, err := s.transition(ctx, codeHash, store.Transition{
		From: models.StatusActive,
		To:   models.StatusExpired,
	})
	switch {
	case err == nil:
		s.remove(ctx, codeHash)
		s.audit.Record(ctx, codeHash, source, audit.OutcomeExpiredOnAccess)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		s.audit.Record(ctx, codeHash, source, audit.OutcomeNotFound)
	default:
		return s.unavailable("expire share", err)
	}
	return ErrNotFound
}

func (s *Service) failedAttempt(ctx context.Context, share *models.Share, source string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	decision, updated, err := s.guard.RecordFailure(ctx, share)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		s.audit.Record(ctx, share.CodeHash, source, audit.OutcomeNotFound)
		return ErrNotFound
	}
	if err != nil {
		return s.unavailable("record failed attempt", err)
	}

	if decision == guard.Locked {
		s.audit.Record(ctx, share.CodeHash, source, audit.OutcomeLocked)
		s.log.Warn("share locked after repeated failures",
			zap.String("code_hash_prefix", audit.Prefix(share.CodeHash)),
			zap.Int("failed_attempts", updated.FailedAttempts),
		)
		return ErrLocked
	}

	s.audit.Record(ctx, share.CodeHash, source, audit.OutcomeFailure)
	return ErrNotFound
}

// remove deletes a record that has already reached a terminal state. The
// transition is what matters; a failed delete leaves a wiped record for the
// reaper.
func (s *Service) remove(ctx context.Context, codeHash string) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.store.Delete(ctx, codeHash); err != nil {
		s.log.Warn("failed to delete terminal share",
			zap.String("code_hash_prefix", audit.Prefix(codeHash)),
			zap.Error(err),
		)
	}
}

func (s *Service) unavailable(op string, err error) error {
	s.log.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Store calls, each bounded by the operation timeout.

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OpTimeout)
}

func (s *Service) exists(ctx context.Context, codeHash string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.store.Exists(ctx, codeHash)
}

func (s *Service) put(ctx context.Context, share *models.Share) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.store.Put(ctx, share)
}

func (s *Service) getActive(ctx context.Context, codeHash string, now time.Time) (*models.Share, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.store.GetActive(ctx, codeHash, now)
}

func (s *Service) transition(ctx context.Context, codeHash string, t store.Transition) (*models.Share, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.store.CompareAndTransition(ctx, codeHash, t)
}

func (s *Service) check(ctx context.Context, share *models.Share, source string) (guard.Decision, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.guard.CheckAndRecord(ctx, share, source)
}
