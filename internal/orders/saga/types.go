package saga

import (
	"context"
	"errors"
)

// ErrUnknownSaga is returned when no saga exists for a correlation id.
var ErrUnknownSaga = errors.New("unknown saga")

// Entity is the capability every persisted saga state must expose.
type Entity interface {
	SagaCorrelationID() int
	IsCompleted() bool
	IsCancelled() bool
}

// MutateFunc changes a saga inside a store transaction. It reports whether
// anything changed; unchanged sagas are not written back.
type MutateFunc[T Entity] func(state *T) (bool, error)

// Store persists saga instances keyed by correlation id.
type Store[T Entity] interface {
	// Create inserts state unless a saga with the same correlation id exists.
	// It returns the stored saga and whether this call created it.
	Create(ctx context.Context, state T) (T, bool, error)
	// Find returns ErrUnknownSaga when the correlation id is absent.
	Find(ctx context.Context, correlationID int) (T, error)
	// Update runs mutate under an exclusive lock on the saga row and commits
	// the result atomically.
	Update(ctx context.Context, correlationID int, mutate MutateFunc[T]) (T, error)
}

// StepRecorder is implemented by stores that keep an audit trail of saga steps.
type StepRecorder interface {
	AddStep(ctx context.Context, correlationID int, step, status, detail string) error
}

// OrderSagaData tracks the order fulfillment saga for one order number.
type OrderSagaData struct {
	CorrelationID   int
	Originator      string
	IsPaymentDone   bool
	IsStockProvided bool
	Completed       bool
	Cancelled       bool
}

func (d OrderSagaData) SagaCorrelationID() int { return d.CorrelationID }
func (d OrderSagaData) IsCompleted() bool      { return d.Completed }
func (d OrderSagaData) IsCancelled() bool      { return d.Cancelled }

// Terminal reports whether the saga accepts no further flag changes.
func (d OrderSagaData) Terminal() bool {
	return d.Completed || d.Cancelled
}

// ReadyToComplete reports whether both asynchronous outcomes have arrived.
func (d OrderSagaData) ReadyToComplete() bool {
	return d.IsPaymentDone && d.IsStockProvided
}
