package models

import "time"

// Status is the lifecycle state of a share. Every state except StatusActive
// is terminal.
type Status int

const (
	StatusActive Status = iota
	StatusConsumed
	StatusRevoked
	StatusExpired
	StatusLocked
)

var statusNames = [...]string{
	StatusActive:   "active",
	StatusConsumed: "consumed",
	StatusRevoked:  "revoked",
	StatusExpired:  "expired",
	StatusLocked:   "locked",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal reports whether no further transition is possible out of s.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(v string) (Status, bool) {
	for i, name := range statusNames {
		if name == v {
			return Status(i), true
		}
	}
	return 0, false
}

type Share struct {
	CodeHash       string    `json:"code_hash"`
	Ciphertext     []byte    `json:"-"`
	Nonce          []byte    `json:"-"`
	AuthTag        []byte    `json:"-"`
	Status         Status    `json:"status"`
	FailedAttempts int       `json:"failed_attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the share's TTL has elapsed at now.
func (s *Share) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Wipe drops the encrypted payload. Applied on every move into a terminal
// state.
func (s *Share) Wipe() {
	s.Ciphertext = nil
	s.Nonce = nil
	s.AuthTag = nil
}

// Clone returns a deep copy so callers never alias store-owned slices.
func (s *Share) Clone() *Share {
	c := *s
	c.Ciphertext = append([]byte(nil), s.Ciphertext...)
	c.Nonce = append([]byte(nil), s.Nonce...)
	c.AuthTag = append([]byte(nil), s.AuthTag...)
	return &c
}
