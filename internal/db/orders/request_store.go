package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orderflow/internal/idempotency"
)

// RequestStore is the processed-request ledger backed by Postgres.
type RequestStore struct {
	db *sql.DB
}

var _ idempotency.Ledger = (*RequestStore)(nil)

// NewRequestStore constructs a RequestStore.
func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db}
}

// NewRequestStoreWithSchema initializes the schema then returns the store.
func NewRequestStoreWithSchema(ctx context.Context, db *sql.DB) (*RequestStore, error) {
	store := NewRequestStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the processed_requests table if it does not exist.
func (s *RequestStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS processed_requests (
			request_id TEXT PRIMARY KEY,
			command_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			result BYTEA,
			failure TEXT
		)
	`)
	return err
}

// Claim inserts a pending row. The primary key makes concurrent claims for
// one request id resolve to a single winner.
func (s *RequestStore) Claim(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	if rec.RequestID == "" {
		return idempotency.Record{}, false, idempotency.ErrRequestIDRequired
	}

	for attempt := 0; attempt < 3; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO processed_requests (request_id, command_type, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (request_id) DO NOTHING`,
			rec.RequestID, rec.CommandType, rec.CreatedAt,
		)
		if err != nil {
			return idempotency.Record{}, false, err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return idempotency.Record{}, false, err
		}
		if affected == 1 {
			rec.Result = nil
			return rec, true, nil
		}

		existing := idempotency.Record{RequestID: rec.RequestID}
		var failure sql.NullString
		row := s.db.QueryRowContext(ctx, `
			SELECT command_type, created_at, result, failure
			FROM processed_requests
			WHERE request_id = $1`, rec.RequestID)
		switch scanErr := row.Scan(&existing.CommandType, &existing.CreatedAt, &existing.Result, &failure); {
		case scanErr == nil:
			existing.Failure = failure.String
			return existing, false, nil
		case errors.Is(scanErr, sql.ErrNoRows):
			// released between insert and select
			continue
		default:
			return idempotency.Record{}, false, scanErr
		}
	}

	return idempotency.Record{}, false, fmt.Errorf("claim %s: row kept disappearing", rec.RequestID)
}

// Resolve stores the result of a claimed request.
func (s *RequestStore) Resolve(ctx context.Context, requestID string, result []byte) error {
	return s.update(ctx, `UPDATE processed_requests SET result = $2 WHERE request_id = $1`, requestID, result)
}

// Fail stores the error of a claimed request that may have changed state.
func (s *RequestStore) Fail(ctx context.Context, requestID, reason string) error {
	return s.update(ctx, `UPDATE processed_requests SET failure = $2 WHERE request_id = $1`, requestID, reason)
}

func (s *RequestStore) update(ctx context.Context, query, requestID string, value any) error {
	res, err := s.db.ExecContext(ctx, query, requestID, value)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return idempotency.ErrRecordNotFound
	}
	return nil
}

// Release deletes a still pending claim.
func (s *RequestStore) Release(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processed_requests WHERE request_id = $1 AND result IS NULL AND failure IS NULL`, requestID)
	return err
}
