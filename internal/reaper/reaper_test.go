package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"key.share/internal/audit"
	"key.share/internal/models"
	"key.share/internal/store"
)

var t0 = time.Date(2025, 10, 4, 9, 0, 0, 0, time.UTC)

func newShare(hash string, ttl time.Duration) *models.Share {
	return &models.Share{
		CodeHash:    hash,
		Ciphertext:  []byte("ct"),
		Nonce:       []byte("nonce"),
		AuthTag:     []byte("tag"),
		Status:      models.StatusActive,
		MaxAttempts: 5,
		CreatedAt:   t0,
		ExpiresAt:   t0.Add(ttl),
	}
}

func newReaper(st store.Store) (*Reaper, *audit.MemorySink) {
	sink := &audit.MemorySink{}
	clock := func() time.Time { return t0 }
	auditLog := audit.NewLogger(sink, zap.NewNop(), clock)
	cfg := Config{Interval: time.Second, Timeout: time.Second, Retention: time.Hour}
	return New(st, auditLog, zap.NewNop(), cfg, clock), sink
}

// flakyStore fails transitions for one hash.
type flakyStore struct {
	store.Store
	failHash string
}

func (s *flakyStore) CompareAndTransition(ctx context.Context, codeHash string, t store.Transition) (*models.Share, error) {
	if codeHash == s.failHash {
		return nil, errors.New("connection reset")
	}
	return s.Store.CompareAndTransition(ctx, codeHash, t)
}

// racingStore lets a concurrent retrieve win between scan and transition.
type racingStore struct {
	store.Store
}

func (s *racingStore) CompareAndTransition(ctx context.Context, codeHash string, t store.Transition) (*models.Share, error) {
	if t.To == models.StatusExpired {
		_, err := s.Store.CompareAndTransition(ctx, codeHash, store.Transition{
			From: models.StatusActive,
			To:   models.StatusConsumed,
		})
		if err != nil {
			return nil, err
		}
	}
	return s.Store.CompareAndTransition(ctx, codeHash, t)
}

func TestSweep_ExpiresOverdueShares(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Put(ctx, newShare("old", time.Minute)))
	require.NoError(t, st.Put(ctx, newShare("fresh", time.Hour)))

	r, sink := newReaper(st)
	res := r.Sweep(ctx, t0.Add(10*time.Minute))

	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Errors)

	exists, err := st.Exists(ctx, "old")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = st.GetActive(ctx, "fresh", t0.Add(10*time.Minute))
	assert.NoError(t, err)

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.OutcomeExpired, recs[0].Outcome)
	assert.Equal(t, Source, recs[0].Source)
	assert.Equal(t, "old", recs[0].CodeHashPrefix)
}

func TestSweep_LostRaceIsNotAnError(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.Put(ctx, newShare("h1", time.Minute)))

	r, sink := newReaper(&racingStore{Store: mem})
	res := r.Sweep(ctx, t0.Add(2*time.Minute))

	assert.Zero(t, res.Expired)
	assert.Zero(t, res.Errors)
	assert.Empty(t, sink.Records())
}

func TestSweep_PurgesLockedSharesPastExpiry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Put(ctx, newShare("locked", time.Minute)))
	_, err := st.CompareAndTransition(ctx, "locked", store.Transition{
		From: models.StatusActive,
		To:   models.StatusLocked,
	})
	require.NoError(t, err)

	r, _ := newReaper(st)

	res := r.Sweep(ctx, t0.Add(30*time.Minute))
	assert.Zero(t, res.Purged)

	res = r.Sweep(ctx, t0.Add(time.Minute+time.Hour))
	assert.Equal(t, 1, res.Purged)

	exists, err := st.Exists(ctx, "locked")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.Put(ctx, newShare("bad", time.Minute)))
	require.NoError(t, mem.Put(ctx, newShare("good", time.Minute)))

	r, _ := newReaper(&flakyStore{Store: mem, failHash: "bad"})
	res := r.Sweep(ctx, t0.Add(5*time.Minute))

	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Errors)

	// The failed share is still active and will be retried next sweep.
	_, err := mem.GetActive(ctx, "bad", t0.Add(5*time.Minute))
	assert.NoError(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r, _ := newReaper(store.NewMemoryStore())
	r.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
