package codegen

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

const (
	// Alphabet has 32 symbols and leaves out I, O, 0 and 1.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	Length     = 8
	MaxRetries = 10
)

var ErrExhaustedRetries = errors.New("code generation exhausted collision retries")

// Hasher maps a code to its lookup key.
type Hasher interface {
	HashCode(code string) string
}

// ExistsFunc reports whether any record is stored under codeHash.
type ExistsFunc func(ctx context.Context, codeHash string) (bool, error)

type Generator struct {
	hasher  Hasher
	exists  ExistsFunc
	retries int
	random  func([]byte) (int, error)
}

func New(hasher Hasher, exists ExistsFunc) *Generator {
	return &Generator{
		hasher:  hasher,
		exists:  exists,
		retries: MaxRetries,
		random:  rand.Read,
	}
}

// Generate returns a fresh code together with its hash.
func (g *Generator) Generate(ctx context.Context) (code, codeHash string, err error) {
	for attempt := 0; attempt <= g.retries; attempt++ {
		code, err = g.candidate()
		if err != nil {
			return "", "", err
		}

		codeHash = g.hasher.HashCode(code)
		taken, err := g.exists(ctx, codeHash)
		if err != nil {
			return "", "", fmt.Errorf("checking code collision: %w", err)
		}
		if !taken {
			return code, codeHash, nil
		}
	}

	return "", "", ErrExhaustedRetries
}

func (g *Generator) candidate() (string, error) {
	buf := make([]byte, Length)
	if _, err := g.random(buf); err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}

	// 256 is a multiple of 32, so masking keeps the distribution uniform.
	for i, b := range buf {
		buf[i] = Alphabet[int(b)&(len(Alphabet)-1)]
	}
	return string(buf), nil
}

// Normalize canonicalizes a human-typed code: surrounding whitespace, inner
// spaces and dashes are dropped and letters upper-cased.
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	code = strings.NewReplacer(" ", "", "-", "").Replace(code)
	return strings.ToUpper(code)
}

// Valid reports whether a normalized code could have been produced by a
// Generator.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(Alphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
