package importer

// errors.go defines the pipeline's error taxonomy and the bounded error
// buffer behind live snapshots.
//
// FileFormatError is the only error Validate/Start return for bad input:
// the file cannot be parsed into rows and columns at all. Schema problems
// (unknown duplicate-key fields, missing required mappings) surface as
// SchemaError. Row defects never cross the orchestrator boundary as errors;
// they accumulate as RowError values.

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrJobNotFound is returned for lookups of unknown job IDs.
var ErrJobNotFound = errors.New("import job not found")

// FileFormatError means the input could not be parsed into rows/columns.
type FileFormatError struct {
	Reason string
}

func (e *FileFormatError) Error() string {
	return fmt.Sprintf("file format: %s", e.Reason)
}

// SchemaError reports invalid options or an unmappable schema, resolved
// eagerly before any row is processed.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema: field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("schema: %s", e.Reason)
}

// errorRing keeps the most recent cap RowErrors while counting every one.
// The live snapshot exposes the ring; the full list lives in the ErrorSink.
type errorRing struct {
	buf   []RowError
	next  int
	total int
}

func newErrorRing(capacity int) *errorRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &errorRing{buf: make([]RowError, 0, capacity)}
}

func (r *errorRing) Append(e RowError) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, e)
	} else {
		r.buf[r.next] = e
		r.next = (r.next + 1) % cap(r.buf)
	}
	r.total++
}

// Snapshot returns the retained errors oldest-first.
func (r *errorRing) Snapshot() []RowError {
	out := make([]RowError, 0, len(r.buf))
	if len(r.buf) < cap(r.buf) {
		out = append(out, r.buf...)
		return out
	}
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Total is the true error count, which may exceed len(Snapshot()).
func (r *errorRing) Total() int {
	return r.total
}

// ErrorSink is the unbounded store behind the full-error download endpoint,
// distinct from the capped list carried in live snapshots.
type ErrorSink interface {
	Append(ctx context.Context, jobID string, errs []RowError) error
	List(ctx context.Context, jobID string) ([]RowError, error)
	Drop(ctx context.Context, jobID string) error
}

// MemorySink is the in-process ErrorSink.
type MemorySink struct {
	mu   sync.RWMutex
	errs map[string][]RowError
}

func NewMemorySink() *MemorySink {
	return &MemorySink{errs: make(map[string][]RowError)}
}

func (s *MemorySink) Append(_ context.Context, jobID string, errs []RowError) error {
	if len(errs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[jobID] = append(s.errs[jobID], errs...)
	return nil
}

func (s *MemorySink) List(_ context.Context, jobID string) ([]RowError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RowError, len(s.errs[jobID]))
	copy(out, s.errs[jobID])
	return out, nil
}

func (s *MemorySink) Drop(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errs, jobID)
	return nil
}
