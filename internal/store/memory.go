package store

import (
	"context"
	"iter"
	"sync"
	"time"

	"key.share/internal/models"
)

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	shares map[string]*models.Share
	mu     sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shares: make(map[string]*models.Share),
	}
}

func (s *MemoryStore) Put(ctx context.Context, share *models.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.shares[share.CodeHash]; ok && !existing.Status.Terminal() {
		return ErrDuplicateCode
	}

	s.shares[share.CodeHash] = share.Clone()
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, codeHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.shares[codeHash]
	return ok, nil
}

func (s *MemoryStore) GetActive(ctx context.Context, codeHash string, now time.Time) (*models.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	share, ok := s.shares[codeHash]
	if !ok {
		return nil, ErrNotFound
	}

	return classify(share.Clone(), now)
}

func (s *MemoryStore) CompareAndTransition(ctx context.Context, codeHash string, t Transition) (*models.Share, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	share, ok := s.shares[codeHash]
	if !ok {
		return nil, ErrNotFound
	}

	if share.Status != t.From {
		return nil, ErrConflict
	}

	t.Apply(share)
	return share.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.shares, codeHash)
	return nil
}

func (s *MemoryStore) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.RLock()
		var expired []string
		for hash, share := range s.shares {
			if share.Status == models.StatusActive && share.Expired(now) {
				expired = append(expired, hash)
			}
		}
		s.mu.RUnlock()

		for _, hash := range expired {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(hash, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for hash, share := range s.shares {
		if share.Status.Terminal() && share.Expired(before) {
			delete(s.shares, hash)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shares = make(map[string]*models.Share)
	return nil
}
