// Package audit records share lifecycle events. Records are append-only and
// carry only a prefix of the code hash, never the code itself.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeCreated         Outcome = "created"
	OutcomeSuccess         Outcome = "success"
	OutcomeFailure         Outcome = "failure"
	OutcomeLocked          Outcome = "locked"
	OutcomeRevoked         Outcome = "revoked"
	OutcomeExpiredOnAccess Outcome = "expired-on-access"
	OutcomeExpired         Outcome = "expired"
	OutcomeThrottled       Outcome = "throttled"
	OutcomeNotFound        Outcome = "not-found"
)

// HashPrefixLen is how much of the code hash a record keeps.
const HashPrefixLen = 12

// Record is a single audit entry.
type Record struct {
	ID             string    `json:"id"`
	CodeHashPrefix string    `json:"code_hash_prefix"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"ts"`
	Outcome        Outcome   `json:"outcome"`
}

// Sink persists records. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Logger stamps records and hands them to a Sink. Sink failures are logged
// and swallowed: an operation never fails because auditing did.
type Logger struct {
	sink Sink
	log  *zap.Logger
	now  func() time.Time
}

func NewLogger(sink Sink, log *zap.Logger, now func() time.Time) *Logger {
	if now == nil {
		now = time.Now
	}
	return &Logger{sink: sink, log: log, now: now}
}

func (l *Logger) Record(ctx context.Context, codeHash, source string, outcome Outcome) {
	rec := Record{
		ID:             uuid.NewString(),
		CodeHashPrefix: Prefix(codeHash),
		Source:         source,
		Timestamp:      l.now().UTC(),
		Outcome:        outcome,
	}

	if err := l.sink.Write(ctx, rec); err != nil {
		l.log.Warn("failed to write audit record",
			zap.String("outcome", string(outcome)),
			zap.String("code_hash_prefix", rec.CodeHashPrefix),
			zap.Error(err),
		)
	}
}

func Prefix(codeHash string) string {
	if len(codeHash) <= HashPrefixLen {
		return codeHash
	}
	return codeHash[:HashPrefixLen]
}
