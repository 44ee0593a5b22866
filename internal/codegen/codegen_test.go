package codegen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identityHasher struct{}

func (identityHasher) HashCode(code string) string { return "h:" + code }

func TestGenerate_Format(t *testing.T) {
	g := New(identityHasher{}, func(context.Context, string) (bool, error) { return false, nil })

	for i := 0; i < 200; i++ {
		code, hash, err := g.Generate(context.Background())
		require.NoError(t, err)
		assert.True(t, Valid(code), "invalid code %q", code)
		assert.Equal(t, "h:"+code, hash)
	}
}

func TestGenerate_RetriesOnCollision(t *testing.T) {
	calls := 0
	g := New(identityHasher{}, func(context.Context, string) (bool, error) {
		calls++
		return calls < 4, nil
	})

	_, _, err := g.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestGenerate_ExhaustedRetries(t *testing.T) {
	calls := 0
	g := New(identityHasher{}, func(context.Context, string) (bool, error) {
		calls++
		return true, nil
	})

	_, _, err := g.Generate(context.Background())
	assert.ErrorIs(t, err, ErrExhaustedRetries)
	assert.Equal(t, MaxRetries+1, calls)
}

func TestGenerate_StoreError(t *testing.T) {
	boom := errors.New("store down")
	g := New(identityHasher{}, func(context.Context, string) (bool, error) { return false, boom })

	_, _, err := g.Generate(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestGenerate_RandomFailure(t *testing.T) {
	g := New(identityHasher{}, func(context.Context, string) (bool, error) { return false, nil })
	g.random = func([]byte) (int, error) { return 0, errors.New("no entropy") }

	_, _, err := g.Generate(context.Background())
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"AB12XY9Q":     "AB12XY9Q",
		" ab12xy9q\n": "AB12XY9Q",
		"ab12-xy9q":    "AB12XY9Q",
		"AB12 XY9Q":    "AB12XY9Q",
		"":             "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("ABCD2345"))
	assert.False(t, Valid("ABCD234"))
	assert.False(t, Valid("ABCD234O"))
	assert.False(t, Valid("abcd2345"))
}
