package ordersdb

import (
	"context"
	"database/sql"
	"errors"

	"orderflow/internal/orders"
)

// OrderStore persists the order status labels in Postgres.
type OrderStore struct {
	db *sql.DB
}

var _ orders.OrderRepository = (*OrderStore)(nil)

// NewOrderStore constructs an OrderStore.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the order_statuses table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS order_statuses (
			order_number INTEGER PRIMARY KEY,
			status_id INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// SetStatus upserts the status label of an order.
func (s *OrderStore) SetStatus(ctx context.Context, orderNumber int, status orders.OrderStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_statuses (order_number, status_id)
		VALUES ($1, $2)
		ON CONFLICT (order_number) DO UPDATE SET status_id = EXCLUDED.status_id, updated_at = NOW()`,
		orderNumber, status.ID(),
	)
	return err
}

// Status returns the current status of an order.
func (s *OrderStore) Status(ctx context.Context, orderNumber int) (orders.OrderStatus, error) {
	var id int
	err := s.db.QueryRowContext(ctx, `SELECT status_id FROM order_statuses WHERE order_number = $1`, orderNumber).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, orders.ErrOrderNotFound
	}
	if err != nil {
		return 0, err
	}
	return orders.StatusFromID(id)
}
