package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orderflow/internal/orders/saga"
)

// SagaStore persists order sagas and their step audit trail in Postgres.
type SagaStore struct {
	db *sql.DB
}

var _ saga.Store[saga.OrderSagaData] = (*SagaStore)(nil)
var _ saga.StepRecorder = (*SagaStore)(nil)

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_sagas (
			correlation_id INTEGER PRIMARY KEY,
			originator TEXT NOT NULL,
			is_payment_done BOOLEAN NOT NULL DEFAULT FALSE,
			is_stock_provided BOOLEAN NOT NULL DEFAULT FALSE,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (NOT (completed AND cancelled))
		)`,
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			correlation_id INTEGER NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (correlation_id) REFERENCES order_sagas(correlation_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

const selectSagaColumns = `SELECT correlation_id, originator, is_payment_done, is_stock_provided, completed, cancelled
		FROM order_sagas
		WHERE correlation_id = $1`

// Create inserts a saga row unless one already exists for the correlation id.
func (s *SagaStore) Create(ctx context.Context, state saga.OrderSagaData) (saga.OrderSagaData, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO order_sagas (correlation_id, originator, is_payment_done, is_stock_provided, completed, cancelled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (correlation_id) DO NOTHING`,
		state.CorrelationID, state.Originator, state.IsPaymentDone, state.IsStockProvided, state.Completed, state.Cancelled,
	)
	if err != nil {
		return saga.OrderSagaData{}, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return saga.OrderSagaData{}, false, err
	}

	stored, err := scanSaga(s.db.QueryRowContext(ctx, selectSagaColumns, state.CorrelationID))
	if err != nil {
		if errors.Is(err, saga.ErrUnknownSaga) {
			return saga.OrderSagaData{}, false, fmt.Errorf("saga %d not found after insert", state.CorrelationID)
		}
		return saga.OrderSagaData{}, false, err
	}

	return stored, affected == 1, nil
}

// Find loads a saga without locking it.
func (s *SagaStore) Find(ctx context.Context, correlationID int) (saga.OrderSagaData, error) {
	return scanSaga(s.db.QueryRowContext(ctx, selectSagaColumns, correlationID))
}

// Update locks the saga row with SELECT ... FOR UPDATE, applies mutate and
// writes the result in the same transaction.
func (s *SagaStore) Update(ctx context.Context, correlationID int, mutate saga.MutateFunc[saga.OrderSagaData]) (saga.OrderSagaData, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saga.OrderSagaData{}, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	state, err := scanSaga(tx.QueryRowContext(ctx, selectSagaColumns+` FOR UPDATE`, correlationID))
	if err != nil {
		return saga.OrderSagaData{}, err
	}

	changed, err := mutate(&state)
	if err != nil {
		return saga.OrderSagaData{}, err
	}

	if changed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE order_sagas
			SET is_payment_done = $2, is_stock_provided = $3, completed = $4, cancelled = $5, updated_at = NOW()
			WHERE correlation_id = $1`,
			state.CorrelationID, state.IsPaymentDone, state.IsStockProvided, state.Completed, state.Cancelled,
		); err != nil {
			return saga.OrderSagaData{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return saga.OrderSagaData{}, err
	}
	return state, nil
}

// AddStep appends a saga step row.
func (s *SagaStore) AddStep(ctx context.Context, correlationID int, step, status, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_saga_steps (correlation_id, step, status, detail)
		VALUES ($1, $2, $3, $4)`,
		correlationID, step, status, detail,
	)
	return err
}

func scanSaga(row *sql.Row) (saga.OrderSagaData, error) {
	var state saga.OrderSagaData
	err := row.Scan(
		&state.CorrelationID,
		&state.Originator,
		&state.IsPaymentDone,
		&state.IsStockProvided,
		&state.Completed,
		&state.Cancelled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.OrderSagaData{}, saga.ErrUnknownSaga
	}
	if err != nil {
		return saga.OrderSagaData{}, err
	}
	return state, nil
}
