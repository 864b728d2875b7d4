package orders

import (
	"context"
	"errors"
	"sync"
)

// ErrOrderNotFound is returned when an order has no recorded status.
var ErrOrderNotFound = errors.New("order not found")

// OrderRepository stores the externally visible status of each order.
type OrderRepository interface {
	SetStatus(ctx context.Context, orderNumber int, status OrderStatus) error
	Status(ctx context.Context, orderNumber int) (OrderStatus, error)
}

// MemoryOrderRepository keeps order statuses in memory.
type MemoryOrderRepository struct {
	mu       sync.Mutex
	statuses map[int]OrderStatus
}

// NewMemoryOrderRepository constructs an empty repository.
func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{statuses: make(map[int]OrderStatus)}
}

func (r *MemoryOrderRepository) SetStatus(ctx context.Context, orderNumber int, status OrderStatus) error {
	if _, err := StatusFromID(status.ID()); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[orderNumber] = status
	return nil
}

func (r *MemoryOrderRepository) Status(ctx context.Context, orderNumber int) (OrderStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[orderNumber]
	if !ok {
		return 0, ErrOrderNotFound
	}
	return status, nil
}
