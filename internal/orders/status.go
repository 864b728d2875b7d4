package orders

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStatus is returned when a status id or name has no match.
var ErrUnknownStatus = errors.New("unknown order status")

// OrderStatus is the externally visible lifecycle label of an order.
type OrderStatus int

const (
	// StatusPending: checkout started but not finished.
	StatusPending OrderStatus = iota + 1
	// StatusAwaitingPayment: checkout finished, payment not confirmed.
	StatusAwaitingPayment
	// StatusAwaitingRecordPayment: paid, payment not yet recorded.
	StatusAwaitingRecordPayment
	// StatusAwaitingCheckStock: payment recorded, stock not yet checked.
	StatusAwaitingCheckStock
	// StatusAwaitingShipment: stock checked, shipment not confirmed.
	StatusAwaitingShipment
	StatusCancelled
	StatusRefunded
	// StatusShipped: shipped, receipt not confirmed.
	StatusShipped
	// StatusCompleted: shipped and receipt confirmed.
	StatusCompleted
)

var statusNames = map[OrderStatus]string{
	StatusPending:               "pending",
	StatusAwaitingPayment:       "awaitingpayment",
	StatusAwaitingRecordPayment: "awaitingrecordpayment",
	StatusAwaitingCheckStock:    "awaitingcheckstock",
	StatusAwaitingShipment:      "awaitingshipment",
	StatusCancelled:             "cancelled",
	StatusRefunded:              "refunded",
	StatusShipped:               "shipped",
	StatusCompleted:             "completed",
}

// Statuses lists every status in id order.
func Statuses() []OrderStatus {
	return []OrderStatus{
		StatusPending,
		StatusAwaitingPayment,
		StatusAwaitingRecordPayment,
		StatusAwaitingCheckStock,
		StatusAwaitingShipment,
		StatusCancelled,
		StatusRefunded,
		StatusShipped,
		StatusCompleted,
	}
}

// StatusFromID resolves a status by its numeric id.
func StatusFromID(id int) (OrderStatus, error) {
	status := OrderStatus(id)
	if _, ok := statusNames[status]; !ok {
		return 0, unknownStatus(fmt.Sprintf("id %d", id))
	}
	return status, nil
}

// StatusFromName resolves a status by name, ignoring case.
func StatusFromName(name string) (OrderStatus, error) {
	for _, status := range Statuses() {
		if strings.EqualFold(statusNames[status], strings.TrimSpace(name)) {
			return status, nil
		}
	}
	return 0, unknownStatus(fmt.Sprintf("name %q", name))
}

// ID returns the numeric identity persisted for the status.
func (s OrderStatus) ID() int {
	return int(s)
}

func (s OrderStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OrderStatus(%d)", int(s))
}

func unknownStatus(what string) error {
	names := make([]string, 0, len(statusNames))
	for _, status := range Statuses() {
		names = append(names, statusNames[status])
	}
	return fmt.Errorf("%w: %s (possible values: %s)", ErrUnknownStatus, what, strings.Join(names, ","))
}
