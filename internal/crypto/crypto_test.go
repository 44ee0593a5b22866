package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func TestEngine_RoundTrip(t *testing.T) {
	e, err := NewEngine(Keys{Master: testKey(1)})
	require.NoError(t, err)

	sizes := []int{0, 1, 15, 16, 17, 1024, 64 * 1024}
	for _, size := range sizes {
		payload := make([]byte, size)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		sealed, err := e.Encrypt(payload, []byte("aad"))
		require.NoError(t, err)
		assert.Len(t, sealed.Nonce, nonceSize)
		assert.Len(t, sealed.Tag, tagSize)
		assert.Len(t, sealed.Ciphertext, size)

		got, err := e.Decrypt(sealed, []byte("aad"))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payload, got), "size %d", size)
	}
}

func TestEngine_UniqueNonces(t *testing.T) {
	e, err := NewEngine(Keys{Master: testKey(1)})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sealed, err := e.Encrypt([]byte("same"), nil)
		require.NoError(t, err)
		require.False(t, seen[string(sealed.Nonce)], "nonce reused")
		seen[string(sealed.Nonce)] = true
	}
}

func TestEngine_DecryptFailures(t *testing.T) {
	e, err := NewEngine(Keys{Master: testKey(1)})
	require.NoError(t, err)
	other, err := NewEngine(Keys{Master: testKey(2)})
	require.NoError(t, err)

	sealed, err := e.Encrypt([]byte("hello"), []byte("h1"))
	require.NoError(t, err)

	_, err = other.Decrypt(sealed, []byte("h1"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = e.Decrypt(sealed, []byte("h2"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	tampered := sealed
	tampered.Tag = append([]byte(nil), sealed.Tag...)
	tampered.Tag[0] ^= 0xff
	_, err = e.Decrypt(tampered, []byte("h1"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = e.Decrypt(Sealed{}, nil)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestEngine_HashCode(t *testing.T) {
	e, err := NewEngine(Keys{Master: testKey(1)})
	require.NoError(t, err)

	assert.Equal(t, e.HashCode("AB12XY9Q"), e.HashCode("AB12XY9Q"))
	assert.NotEqual(t, e.HashCode("AB12XY9Q"), e.HashCode("AB12XY9R"))
	assert.Len(t, e.HashCode("AB12XY9Q"), 64)

	// Derived hash key differs from the master key.
	derived, err := deriveKey(testKey(1), hkdfInfoCodeHash)
	require.NoError(t, err)
	assert.NotEqual(t, testKey(1), derived)
}

func TestEngine_SharedHashKey(t *testing.T) {
	hashKey := testKey(9)
	a, err := NewEngine(Keys{Master: testKey(1), Hash: hashKey})
	require.NoError(t, err)
	b, err := NewEngine(Keys{Master: testKey(2), Hash: hashKey})
	require.NoError(t, err)

	assert.Equal(t, a.HashCode("CODE"), b.HashCode("CODE"))
}

func TestNewEngine_InvalidKeys(t *testing.T) {
	_, err := NewEngine(Keys{Master: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewEngine(Keys{Master: testKey(1), Hash: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = ParseKey("not-hex")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
