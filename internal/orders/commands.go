package orders

import (
	"errors"
	"fmt"
)

// Command type names, also used as the saga originator and the idempotency
// ledger command type.
const (
	CommandStartOrderProcess    = "StartOrderProcess"
	CommandCheckStockInventory  = "CheckStockInventory"
	CommandRecordPayment        = "RecordPayment"
	CommandShipOrder            = "ShipOrder"
	CommandCancelOrder          = "CancelOrder"
	CommandRefundOrder          = "RefundOrder"
	CommandCompleteOrderProcess = "CompleteOrderProcess"
)

// ErrInvalidCommand is returned for commands missing required fields.
var ErrInvalidCommand = errors.New("invalid command")

// Command is implemented by every inbound order command.
type Command interface {
	CommandType() string
	Order() int
}

type OrderItem struct {
	ProductID int `json:"productId"`
	Units     int `json:"units"`
}

type StartOrderProcess struct {
	OrderNumber int         `json:"orderNumber"`
	OrderItems  []OrderItem `json:"orderItems"`
}

type CheckStockInventory struct {
	OrderNumber int         `json:"orderNumber"`
	OrderItems  []OrderItem `json:"orderItems"`
}

type RecordPayment struct {
	OrderNumber int `json:"orderNumber"`
}

type ShipOrder struct {
	OrderNumber int `json:"orderNumber"`
}

type CancelOrder struct {
	OrderNumber int `json:"orderNumber"`
}

type RefundOrder struct {
	OrderNumber int `json:"orderNumber"`
}

type CompleteOrderProcess struct {
	OrderNumber int `json:"orderNumber"`
}

func (c StartOrderProcess) CommandType() string    { return CommandStartOrderProcess }
func (c CheckStockInventory) CommandType() string  { return CommandCheckStockInventory }
func (c RecordPayment) CommandType() string        { return CommandRecordPayment }
func (c ShipOrder) CommandType() string            { return CommandShipOrder }
func (c CancelOrder) CommandType() string          { return CommandCancelOrder }
func (c RefundOrder) CommandType() string          { return CommandRefundOrder }
func (c CompleteOrderProcess) CommandType() string { return CommandCompleteOrderProcess }

func (c StartOrderProcess) Order() int    { return c.OrderNumber }
func (c CheckStockInventory) Order() int  { return c.OrderNumber }
func (c RecordPayment) Order() int        { return c.OrderNumber }
func (c ShipOrder) Order() int            { return c.OrderNumber }
func (c CancelOrder) Order() int          { return c.OrderNumber }
func (c RefundOrder) Order() int          { return c.OrderNumber }
func (c CompleteOrderProcess) Order() int { return c.OrderNumber }

// ValidateCommand checks the fields every command needs. Item lists are only
// checked for the commands that carry them.
func ValidateCommand(cmd Command) error {
	if cmd.Order() <= 0 {
		return fmt.Errorf("%w: %s needs a positive order number", ErrInvalidCommand, cmd.CommandType())
	}
	var items []OrderItem
	switch c := cmd.(type) {
	case StartOrderProcess:
		items = c.OrderItems
	case CheckStockInventory:
		items = c.OrderItems
	default:
		return nil
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: %s needs order items", ErrInvalidCommand, cmd.CommandType())
	}
	for _, item := range items {
		if item.ProductID <= 0 || item.Units <= 0 {
			return fmt.Errorf("%w: item %+v", ErrInvalidCommand, item)
		}
	}
	return nil
}
