// internal/crypto/crypto.go (AES-GCM + HMAC code hashing)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	nonceSize = 12 // GCM standard nonce size
	tagSize   = 16
)

// hkdfInfoCodeHash separates the code hashing key from the encryption key
// when only a master key is configured. Changing it orphans every stored share.
var hkdfInfoCodeHash = []byte("keyshare.code-hash.v1")

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidKey           = errors.New("invalid key")
)

// Keys is the process-wide key material, loaded once at startup.
// Hash may be empty, in which case it is derived from Master.
type Keys struct {
	Master []byte
	Hash   []byte
}

// Sealed is the output of one encryption.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

type Engine struct {
	aead    cipher.AEAD
	hashKey []byte
}

func NewEngine(keys Keys) (*Engine, error) {
	if len(keys.Master) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(keys.Master))
	}

	block, err := aes.NewCipher(keys.Master)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}

	hashKey := keys.Hash
	if len(hashKey) == 0 {
		hashKey, err = deriveKey(keys.Master, hkdfInfoCodeHash)
		if err != nil {
			return nil, err
		}
	} else if len(hashKey) < KeySize {
		return nil, fmt.Errorf("%w: hash key must be at least %d bytes", ErrInvalidKey, KeySize)
	}

	return &Engine{aead: gcm, hashKey: append([]byte(nil), hashKey...)}, nil
}

// Encrypt seals plaintext under a fresh random nonce. aad is bound to the
// ciphertext and must be presented again to Decrypt.
func (e *Engine) Encrypt(plaintext, aad []byte) (Sealed, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("nonce generation failed: %w", err)
	}

	out := e.aead.Seal(nil, nonce, plaintext, aad)
	split := len(out) - tagSize

	return Sealed{
		Ciphertext: out[:split],
		Nonce:      nonce,
		Tag:        out[split:],
	}, nil
}

func (e *Engine) Decrypt(s Sealed, aad []byte) ([]byte, error) {
	if len(s.Nonce) != nonceSize || len(s.Tag) != tagSize {
		return nil, ErrAuthenticationFailed
	}

	buf := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)

	plaintext, err := e.aead.Open(nil, s.Nonce, buf, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}

// HashCode returns the hex HMAC-SHA256 of a normalized share code.
func (e *Engine) HashCode(code string) string {
	mac := hmac.New(sha256.New, e.hashKey)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseKey decodes a hex-encoded key as printed by
// `openssl rand -hex 32`.
func ParseKey(v string) ([]byte, error) {
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

func deriveKey(secret, info []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}
