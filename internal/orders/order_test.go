package orders

import (
	"context"
	"errors"
	"testing"
)

func TestOrderStatus_Lookup(t *testing.T) {
	for i, status := range Statuses() {
		if status.ID() != i+1 {
			t.Fatalf("expected id %d for %v, got %d", i+1, status, status.ID())
		}
		byID, err := StatusFromID(status.ID())
		if err != nil || byID != status {
			t.Fatalf("StatusFromID(%d) = %v, %v", status.ID(), byID, err)
		}
		byName, err := StatusFromName(status.String())
		if err != nil || byName != status {
			t.Fatalf("StatusFromName(%q) = %v, %v", status.String(), byName, err)
		}
	}

	if s, err := StatusFromName(" Shipped "); err != nil || s != StatusShipped {
		t.Fatalf("expected case-insensitive lookup, got %v %v", s, err)
	}
	if _, err := StatusFromID(10); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected unknown status for id 10, got %v", err)
	}
	if _, err := StatusFromName("lost"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected unknown status for name, got %v", err)
	}
}

func TestMemoryOrderRepository(t *testing.T) {
	repo := NewMemoryOrderRepository()
	ctx := context.Background()

	if _, err := repo.Status(ctx, 7); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := repo.SetStatus(ctx, 7, StatusPending); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := repo.SetStatus(ctx, 7, OrderStatus(42)); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected unknown status, got %v", err)
	}
	if status, err := repo.Status(ctx, 7); err != nil || status != StatusPending {
		t.Fatalf("expected pending, got %v %v", status, err)
	}
}

func TestValidateCommand(t *testing.T) {
	items := []OrderItem{{ProductID: 1, Units: 1}}
	cases := []struct {
		name  string
		cmd   Command
		valid bool
	}{
		{"start", StartOrderProcess{OrderNumber: 1, OrderItems: items}, true},
		{"start without items", StartOrderProcess{OrderNumber: 1}, false},
		{"start with zero units", StartOrderProcess{OrderNumber: 1, OrderItems: []OrderItem{{ProductID: 1}}}, false},
		{"check stock with bad product", CheckStockInventory{OrderNumber: 1, OrderItems: []OrderItem{{ProductID: -1, Units: 1}}}, false},
		{"payment", RecordPayment{OrderNumber: 3}, true},
		{"ship without order", ShipOrder{}, false},
		{"cancel", CancelOrder{OrderNumber: 2}, true},
		{"refund negative", RefundOrder{OrderNumber: -2}, false},
		{"complete", CompleteOrderProcess{OrderNumber: 9}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCommand(tc.cmd)
			if tc.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalidCommand) {
				t.Fatalf("expected invalid command, got %v", err)
			}
		})
	}
}
