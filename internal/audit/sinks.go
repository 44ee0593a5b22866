package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*FileSink)(nil)
	_ Sink = (*MemorySink)(nil)
)

// LogSink emits records through a dedicated zap logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	s.log.Info("share event",
		zap.String("id", rec.ID),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("code_hash_prefix", rec.CodeHashPrefix),
		zap.String("source", rec.Source),
		zap.Time("ts", rec.Timestamp),
	)
	return nil
}

// FileSink appends records as JSON lines.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	// #nosec G302 -- audit log is read by operators.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.f.Write(append(data, '\n'))
	return err
}

func (s *FileSink) Close() error {
	return s.f.Close()
}

// MemorySink keeps records in memory. Used by tests and local runs.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *MemorySink) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything written so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Record(nil), s.records...)
}

// Outcomes returns the outcome of each record in order.
func (s *MemorySink) Outcomes() []Outcome {
	recs := s.Records()
	out := make([]Outcome, len(recs))
	for i, r := range recs {
		out[i] = r.Outcome
	}
	return out
}
