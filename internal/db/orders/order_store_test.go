package ordersdb

import (
	"context"
	"errors"
	"testing"

	"orderflow/internal/orders"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestOrderStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_statuses").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewOrderStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("helper: %v", err)
	}
}

func TestOrderStore_SetStatusUpserts(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO order_statuses .* ON CONFLICT \\(order_number\\) DO UPDATE").
		WithArgs(7, orders.StatusShipped.ID()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewOrderStore(db)
	if err := store.SetStatus(context.Background(), 7, orders.StatusShipped); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
}

func TestOrderStore_Status(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT status_id FROM order_statuses").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"status_id"}).AddRow(orders.StatusShipped.ID()))
	mock.ExpectQuery("SELECT status_id FROM order_statuses").
		WithArgs(8).
		WillReturnRows(sqlmock.NewRows([]string{"status_id"}))
	mock.ExpectQuery("SELECT status_id FROM order_statuses").
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"status_id"}).AddRow(42))
	mock.ExpectClose()

	store := NewOrderStore(db)
	status, err := store.Status(context.Background(), 7)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != orders.StatusShipped {
		t.Fatalf("expected shipped, got %v", status)
	}
	if _, err := store.Status(context.Background(), 8); !errors.Is(err, orders.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := store.Status(context.Background(), 9); !errors.Is(err, orders.ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}
