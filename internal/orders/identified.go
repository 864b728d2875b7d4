package orders

import (
	"context"
	"errors"
	"fmt"

	"orderflow/internal/idempotency"
)

// CommandHandlers runs order commands through the idempotent gate, keyed by
// the caller supplied request id.
type CommandHandlers struct {
	gate *idempotency.Gate
	saga *OrderProcessSaga
}

// NewCommandHandlers constructs CommandHandlers.
func NewCommandHandlers(gate *idempotency.Gate, saga *OrderProcessSaga) *CommandHandlers {
	return &CommandHandlers{gate: gate, saga: saga}
}

// Handle executes cmd at most once for requestID and returns the stored
// result on retransmission. Failures that left no outbound call accepted free
// the request id for another attempt; partial starts are remembered.
func (h *CommandHandlers) Handle(ctx context.Context, requestID string, cmd Command) (bool, error) {
	if err := ValidateCommand(cmd); err != nil {
		return false, err
	}
	return idempotency.Run(ctx, h.gate, requestID, cmd.CommandType(), func(ctx context.Context) (bool, error) {
		ok, err := h.dispatch(ctx, cmd)
		if err != nil && !errors.Is(err, ErrPartiallyApplied) {
			return ok, idempotency.NotApplied(err)
		}
		return ok, err
	})
}

func (h *CommandHandlers) dispatch(ctx context.Context, cmd Command) (bool, error) {
	switch c := cmd.(type) {
	case StartOrderProcess:
		return h.saga.Start(ctx, c)
	case CheckStockInventory:
		return h.saga.CheckStock(ctx, c)
	case RecordPayment:
		return h.saga.RecordPayment(ctx, c)
	case ShipOrder:
		return h.saga.Ship(ctx, c)
	case CancelOrder:
		return h.saga.Cancel(ctx, c)
	case RefundOrder:
		return h.saga.Refund(ctx, c)
	case CompleteOrderProcess:
		return h.saga.Complete(ctx, c)
	default:
		return false, fmt.Errorf("%w: unsupported command %T", ErrInvalidCommand, cmd)
	}
}
