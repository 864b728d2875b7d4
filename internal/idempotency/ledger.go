package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRequestInFlight is returned when a duplicate arrives while the first
	// attempt is still running and the wait budget ran out.
	ErrRequestInFlight = errors.New("request already in flight")
	// ErrRequestConflict is returned when a request id is reused for a
	// different command type.
	ErrRequestConflict = errors.New("request id reused for a different command")
	// ErrRecordNotFound is returned by ledgers when no entry exists.
	ErrRecordNotFound = errors.New("request record not found")
	// ErrRequestIDRequired is returned for missing or malformed request ids.
	ErrRequestIDRequired = errors.New("valid request id required")
	// ErrRequestFailed is returned when a retransmitted request already failed
	// after it may have changed state.
	ErrRequestFailed = errors.New("request already failed")
	// ErrNotApplied marks handler errors raised before any side effect; the
	// gate releases the claim for those so the request can be retried.
	ErrNotApplied = errors.New("request not applied")
)

// Record is one processed-request ledger entry. A record with neither Result
// nor Failure is pending.
type Record struct {
	RequestID   string
	CommandType string
	CreatedAt   time.Time
	Result      []byte
	Failure     string
}

// Pending reports whether the original invocation has not finished yet.
func (r Record) Pending() bool {
	return r.Result == nil && r.Failure == ""
}

// Failed reports whether the original invocation ended with a memoized error.
func (r Record) Failed() bool {
	return r.Failure != ""
}

type notAppliedError struct {
	err error
}

func (e *notAppliedError) Error() string { return e.err.Error() }

func (e *notAppliedError) Unwrap() []error { return []error{ErrNotApplied, e.err} }

// NotApplied marks err as raised before the handler changed any state.
func NotApplied(err error) error {
	if err == nil || errors.Is(err, ErrNotApplied) {
		return err
	}
	return &notAppliedError{err: err}
}

// Ledger stores processed-request records. Claim is the exclusion point: for
// concurrent claims of one request id exactly one must report claimed=true.
type Ledger interface {
	// Claim inserts rec as pending unless an entry exists. It returns the
	// stored entry and whether this call inserted it.
	Claim(ctx context.Context, rec Record) (Record, bool, error)
	// Resolve stores the final result for a claimed request.
	Resolve(ctx context.Context, requestID string, result []byte) error
	// Fail stores the error message of a claimed request whose handler failed
	// after it may have changed state.
	Fail(ctx context.Context, requestID, reason string) error
	// Release drops a pending claim so the request may be attempted again.
	Release(ctx context.Context, requestID string) error
}

// ParseRequestID validates a caller supplied request id. Only non-nil UUIDs
// are accepted.
func ParseRequestID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrRequestIDRequired
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return "", ErrRequestIDRequired
	}
	return id.String(), nil
}

// MemoryLedger keeps records in process.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (l *MemoryLedger) Claim(ctx context.Context, rec Record) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.records[rec.RequestID]; ok {
		return existing, false, nil
	}
	rec.Result = nil
	rec.Failure = ""
	l.records[rec.RequestID] = rec
	return rec, true, nil
}

func (l *MemoryLedger) Resolve(ctx context.Context, requestID string, result []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[requestID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Result = append([]byte{}, result...)
	l.records[requestID] = rec
	return nil
}

func (l *MemoryLedger) Fail(ctx context.Context, requestID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[requestID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Failure = reason
	l.records[requestID] = rec
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, requestID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[requestID]; ok && rec.Pending() {
		delete(l.records, requestID)
	}
	return nil
}

// Lookup returns the stored record for inspection.
func (l *MemoryLedger) Lookup(requestID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[requestID]
	return rec, ok
}
