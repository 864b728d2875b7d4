package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/orders/saga"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "orderflow/orders"

var (
	// ErrRemoteCallFailed marks an outbound accept call that could not be
	// delivered within the transport retry budget.
	ErrRemoteCallFailed = errors.New("remote call failed")
	// ErrSagaCompleted is returned when cancel or refund targets a completed saga.
	ErrSagaCompleted = errors.New("order process already completed")
	// ErrSagaNotCompleted is returned when ship or complete targets a saga
	// still waiting on stock or payment.
	ErrSagaNotCompleted = errors.New("order process not completed")
	// ErrOrderNotShipped is returned when completing an order not yet shipped.
	ErrOrderNotShipped = errors.New("order not shipped")
	// ErrPartiallyApplied marks a start whose outbound calls partly went
	// through; repeating it would send the accepted call twice.
	ErrPartiallyApplied = errors.New("order process partially started")
)

// RemoteCallError reports which collaborator failed.
type RemoteCallError struct {
	Service string
	Err     error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *RemoteCallError) Unwrap() []error {
	return []error{ErrRemoteCallFailed, e.Err}
}

// Saga lifecycle events reported to the SagaObserver.
const (
	SagaStarted         = "started"
	SagaStockChecked    = "stock_checked"
	SagaStockRejected   = "stock_rejected"
	SagaPaymentRecorded = "payment_recorded"
	SagaPaymentRejected = "payment_rejected"
	SagaCompleted       = "completed"
	SagaCancelled       = "cancelled"
	SagaRefunded        = "refunded"
	SagaIgnored         = "ignored"
	SagaUnknown         = "unknown_saga"
)

// Audit trail step names.
const (
	stepStart          = "start"
	stepStockRequest   = "stock_request"
	stepPaymentRequest = "payment_request"
	stepStockChecked   = "stock_checked"
	stepOrderPaid      = "order_paid"
	stepComplete       = "complete"
	stepCancel         = "cancel"
	stepRefund         = "refund"
)

// SagaObserver receives one call per saga lifecycle event.
type SagaObserver interface {
	SagaEvent(event string)
}

type noopObserver struct{}

func (noopObserver) SagaEvent(string) {}

// OrderProcessSaga coordinates stock removal and payment for an order. Flag
// updates and the completion decision happen inside one store transaction, so
// OrderCompleted is published once per saga however events race.
type OrderProcessSaga struct {
	store    saga.Store[saga.OrderSagaData]
	steps    saga.StepRecorder
	catalog  CatalogClient
	payment  PaymentClient
	events   OrderCompletedPublisher
	orders   OrderRepository
	newID    func() string
	now      func() time.Time
	observer SagaObserver
	logger   *zap.Logger
	tracer   trace.Tracer
}

// SagaOption configures an OrderProcessSaga.
type SagaOption func(*OrderProcessSaga)

func WithSagaLogger(logger *zap.Logger) SagaOption {
	return func(s *OrderProcessSaga) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSagaObserver(observer SagaObserver) SagaOption {
	return func(s *OrderProcessSaga) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithOrderRepository sets where order status labels are written.
func WithOrderRepository(repo OrderRepository) SagaOption {
	return func(s *OrderProcessSaga) {
		if repo != nil {
			s.orders = repo
		}
	}
}

// WithRequestIDs overrides the generator of outbound request ids.
func WithRequestIDs(newID func() string) SagaOption {
	return func(s *OrderProcessSaga) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewOrderProcessSaga constructs the orchestrator. Stores implementing
// saga.StepRecorder also get an audit trail of every transition.
func NewOrderProcessSaga(store saga.Store[saga.OrderSagaData], catalog CatalogClient, payment PaymentClient, events OrderCompletedPublisher, opts ...SagaOption) *OrderProcessSaga {
	s := &OrderProcessSaga{
		store:    store,
		catalog:  catalog,
		payment:  payment,
		events:   events,
		orders:   NewMemoryOrderRepository(),
		newID:    uuid.NewString,
		now:      time.Now,
		observer: noopObserver{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
	}
	if recorder, ok := store.(saga.StepRecorder); ok {
		s.steps = recorder
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates the saga if absent and asks catalog and payment to act.
// Steps already confirmed are not requested again, and terminal sagas are
// left untouched.
func (s *OrderProcessSaga) Start(ctx context.Context, cmd StartOrderProcess) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "OrderProcessSaga.Start", cmd.OrderNumber)
	defer func() { endSpan(span, err) }()

	state, created, err := s.store.Create(ctx, saga.OrderSagaData{
		CorrelationID: cmd.OrderNumber,
		Originator:    CommandStartOrderProcess,
	})
	if err != nil {
		return false, fmt.Errorf("create saga %d: %w", cmd.OrderNumber, err)
	}

	logger := s.logger.With(zap.Int("order_number", cmd.OrderNumber))
	if created {
		s.observer.SagaEvent(SagaStarted)
		s.record(ctx, cmd.OrderNumber, stepStart, "created", "")
		s.setStatus(ctx, cmd.OrderNumber, StatusPending)
		logger.Info("order process started", zap.Int("items", len(cmd.OrderItems)))
	}
	if state.Terminal() {
		logger.Info("order process already finished", zap.Bool("completed", state.Completed), zap.Bool("cancelled", state.Cancelled))
		return true, nil
	}

	var (
		g                    errgroup.Group
		stockErr, paymentErr error
		issued               int
	)
	if !state.IsStockProvided {
		issued++
		g.Go(func() error {
			stockErr = s.requestStock(ctx, cmd.OrderNumber, cmd.OrderItems)
			return nil
		})
	}
	if !state.IsPaymentDone {
		issued++
		g.Go(func() error {
			paymentErr = s.requestPayment(ctx, cmd.OrderNumber)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, callErr := range []error{stockErr, paymentErr} {
		if callErr != nil {
			failed++
		}
	}
	switch {
	case failed == 0:
		return true, nil
	case failed < issued:
		return false, fmt.Errorf("order %d: %w: %w", cmd.OrderNumber, ErrPartiallyApplied, errors.Join(stockErr, paymentErr))
	default:
		return false, errors.Join(stockErr, paymentErr)
	}
}

// CheckStock re-issues the catalog request for a saga still waiting on stock.
func (s *OrderProcessSaga) CheckStock(ctx context.Context, cmd CheckStockInventory) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "OrderProcessSaga.CheckStock", cmd.OrderNumber)
	defer func() { endSpan(span, err) }()

	state, err := s.find(ctx, cmd.OrderNumber)
	if err != nil {
		return false, err
	}
	if state.Terminal() || state.IsStockProvided {
		return true, nil
	}
	if err := s.requestStock(ctx, cmd.OrderNumber, cmd.OrderItems); err != nil {
		return false, err
	}
	return true, nil
}

// RecordPayment re-issues the payment request for a saga still waiting on it.
func (s *OrderProcessSaga) RecordPayment(ctx context.Context, cmd RecordPayment) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "OrderProcessSaga.RecordPayment", cmd.OrderNumber)
	defer func() { endSpan(span, err) }()

	state, err := s.find(ctx, cmd.OrderNumber)
	if err != nil {
		return false, err
	}
	if state.Terminal() || state.IsPaymentDone {
		return true, nil
	}
	if err := s.requestPayment(ctx, cmd.OrderNumber); err != nil {
		return false, err
	}
	return true, nil
}

// OnStockChecked applies a StockChecked outcome. Events never create sagas.
func (s *OrderProcessSaga) OnStockChecked(ctx context.Context, event StockCheckedIntegrationEvent) (err error) {
	ctx, span := s.startSpan(ctx, "OrderProcessSaga.OnStockChecked", event.OrderID)
	defer func() { endSpan(span, err) }()

	return s.applyOutcome(ctx, event.OrderID, event.IsSuccess, stepStockChecked, SagaStockChecked, SagaStockRejected, func(d *saga.OrderSagaData) bool {
		if d.IsStockProvided || !event.IsSuccess {
			return false
		}
		d.IsStockProvided = true
		return true
	})
}

// OnOrderPaid applies an OrderPaid outcome.
func (s *OrderProcessSaga) OnOrderPaid(ctx context.Context, event OrderPaidIntegrationEvent) (err error) {
	ctx, span := s.startSpan(ctx, "OrderProcessSaga.OnOrderPaid", event.OrderID)
	defer func() { endSpan(span, err) }()

	return s.applyOutcome(ctx, event.OrderID, event.IsSuccess, stepOrderPaid, SagaPaymentRecorded, SagaPaymentRejected, func(d *saga.OrderSagaData) bool {
		if d.IsPaymentDone || !event.IsSuccess {
			return false
		}
		d.IsPaymentDone = true
		return true
	})
}

func (s *OrderProcessSaga) applyOutcome(ctx context.Context, orderNumber int, success bool, step, accepted, rejected string, set func(*saga.OrderSagaData) bool) error {
	logger := s.logger.With(zap.Int("order_number", orderNumber), zap.String("step", step), zap.Bool("success", success))

	var ignored, completedNow bool
	_, err := s.store.Update(ctx, orderNumber, func(d *saga.OrderSagaData) (bool, error) {
		ignored, completedNow = false, false
		if d.Terminal() {
			ignored = true
			return false, nil
		}
		changed := set(d)
		if d.ReadyToComplete() {
			d.Completed = true
			completedNow = true
			changed = true
		}
		return changed, nil
	})
	if errors.Is(err, saga.ErrUnknownSaga) {
		s.observer.SagaEvent(SagaUnknown)
		logger.Warn("event for unknown saga")
		return fmt.Errorf("order %d: %w", orderNumber, err)
	}
	if err != nil {
		return fmt.Errorf("update saga %d: %w", orderNumber, err)
	}

	detail := fmt.Sprintf("success=%t", success)
	if ignored {
		s.observer.SagaEvent(SagaIgnored)
		s.record(ctx, orderNumber, step, "ignored", detail)
		logger.Debug("event after terminal state ignored")
		return nil
	}

	if success {
		s.observer.SagaEvent(accepted)
		s.record(ctx, orderNumber, step, "succeeded", detail)
	} else {
		s.observer.SagaEvent(rejected)
		s.record(ctx, orderNumber, step, "rejected", detail)
		logger.Warn("remote step rejected")
	}

	if completedNow {
		s.observer.SagaEvent(SagaCompleted)
		s.record(ctx, orderNumber, stepComplete, "completed", "")
		logger.Info("order process completed")
		s.publishCompleted(ctx, orderNumber)
	}
	return nil
}

// publishCompleted runs after the completing transaction committed. A failure
// here cannot be retried by redelivery, which would find a terminal saga, so
// it is logged rather than returned.
func (s *OrderProcessSaga) publishCompleted(ctx context.Context, orderNumber int) {
	if s.events == nil {
		return
	}
	event := OrderCompletedEvent{OrderID: orderNumber, CompletedAt: s.now().UTC()}
	if err := s.events.PublishOrderCompleted(ctx, event); err != nil {
		s.logger.Error("publish order completed", zap.Int("order_number", orderNumber), zap.Error(err))
	}
}

// Cancel marks the saga cancelled. Compensation is not implemented.
func (s *OrderProcessSaga) Cancel(ctx context.Context, cmd CancelOrder) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "OrderProcessSaga.Cancel", cmd.OrderNumber)
	defer func() { endSpan(span, err) }()

	changed, err := s.terminate(ctx, cmd.OrderNumber)
	if err != nil {
		return false, err
	}
	if changed {
		s.observer.SagaEvent(SagaCancelled)
		s.record(ctx, cmd.OrderNumber, stepCancel, "cancelled", "")
		s.setStatus(ctx, cmd.OrderNumber, StatusCancelled)
		s.logger.Warn("order cancelled, compensation not implemented", zap.Int("order_number", cmd.OrderNumber))
	}
	return true, nil
}

// Refund marks the saga cancelled and labels the order refunded.
func (s *OrderProcessSaga) Refund(ctx context.Context, cmd RefundOrder) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "OrderProcessSaga.Refund", cmd.OrderNumber)
	defer func() { endSpan(span, err) }()

	changed, err := s.terminate(ctx, cmd.OrderNumber)
	if err != nil {
		return false, err
	}
	if changed {
		s.observer.SagaEvent(SagaRefunded)
		s.record(ctx, cmd.OrderNumber, stepRefund, "refunded", "")
		s.logger.Warn("order refunded, compensation not implemented", zap.Int("order_number", cmd.OrderNumber))
	}
	s.setStatus(ctx, cmd.OrderNumber, StatusRefunded)
	return true, nil
}

func (s *OrderProcessSaga) terminate(ctx context.Context, orderNumber int) (bool, error) {
	var changed bool
	_, err := s.store.Update(ctx, orderNumber, func(d *saga.OrderSagaData) (bool, error) {
		changed = false
		if d.Completed {
			return false, ErrSagaCompleted
		}
		if d.Cancelled {
			return false, nil
		}
		d.Cancelled = true
		changed = true
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("order %d: %w", orderNumber, err)
	}
	return changed, nil
}

// Ship labels the order shipped once the saga completed.
func (s *OrderProcessSaga) Ship(ctx context.Context, cmd ShipOrder) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "OrderProcessSaga.Ship", cmd.OrderNumber)
	defer func() { endSpan(span, err) }()

	if _, err := s.requireCompleted(ctx, cmd.OrderNumber); err != nil {
		return false, err
	}
	if err := s.orders.SetStatus(ctx, cmd.OrderNumber, StatusShipped); err != nil {
		return false, fmt.Errorf("label order %d shipped: %w", cmd.OrderNumber, err)
	}
	return true, nil
}

// Complete labels a shipped order completed. Completing twice is a no-op.
func (s *OrderProcessSaga) Complete(ctx context.Context, cmd CompleteOrderProcess) (ok bool, err error) {
	ctx, span := s.startSpan(ctx, "OrderProcessSaga.Complete", cmd.OrderNumber)
	defer func() { endSpan(span, err) }()

	if _, err := s.requireCompleted(ctx, cmd.OrderNumber); err != nil {
		return false, err
	}
	status, err := s.orders.Status(ctx, cmd.OrderNumber)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return false, err
	}
	switch status {
	case StatusCompleted:
		return true, nil
	case StatusShipped:
	default:
		return false, fmt.Errorf("order %d is %v: %w", cmd.OrderNumber, status, ErrOrderNotShipped)
	}
	if err := s.orders.SetStatus(ctx, cmd.OrderNumber, StatusCompleted); err != nil {
		return false, fmt.Errorf("label order %d completed: %w", cmd.OrderNumber, err)
	}
	return true, nil
}

// Saga returns the stored saga state.
func (s *OrderProcessSaga) Saga(ctx context.Context, orderNumber int) (saga.OrderSagaData, error) {
	return s.find(ctx, orderNumber)
}

// OrderStatus returns the status label of an order.
func (s *OrderProcessSaga) OrderStatus(ctx context.Context, orderNumber int) (OrderStatus, error) {
	return s.orders.Status(ctx, orderNumber)
}

func (s *OrderProcessSaga) requireCompleted(ctx context.Context, orderNumber int) (saga.OrderSagaData, error) {
	state, err := s.find(ctx, orderNumber)
	if err != nil {
		return state, err
	}
	if !state.Completed {
		return state, fmt.Errorf("order %d: %w", orderNumber, ErrSagaNotCompleted)
	}
	return state, nil
}

func (s *OrderProcessSaga) find(ctx context.Context, orderNumber int) (saga.OrderSagaData, error) {
	state, err := s.store.Find(ctx, orderNumber)
	if err != nil {
		return state, fmt.Errorf("order %d: %w", orderNumber, err)
	}
	return state, nil
}

func (s *OrderProcessSaga) requestStock(ctx context.Context, orderNumber int, items []OrderItem) error {
	requestID := s.newID()
	if err := s.catalog.RemoveStock(ctx, requestID, orderNumber, items); err != nil {
		s.record(ctx, orderNumber, stepStockRequest, "failed", err.Error())
		s.logger.Error("stock request failed", zap.Int("order_number", orderNumber), zap.String("request_id", requestID), zap.Error(err))
		return &RemoteCallError{Service: "catalog", Err: err}
	}
	s.record(ctx, orderNumber, stepStockRequest, "accepted", requestID)
	return nil
}

func (s *OrderProcessSaga) requestPayment(ctx context.Context, orderNumber int) error {
	requestID := s.newID()
	if err := s.payment.CreatePayment(ctx, requestID, orderNumber); err != nil {
		s.record(ctx, orderNumber, stepPaymentRequest, "failed", err.Error())
		s.logger.Error("payment request failed", zap.Int("order_number", orderNumber), zap.String("request_id", requestID), zap.Error(err))
		return &RemoteCallError{Service: "payment", Err: err}
	}
	s.record(ctx, orderNumber, stepPaymentRequest, "accepted", requestID)
	return nil
}

func (s *OrderProcessSaga) record(ctx context.Context, orderNumber int, step, status, detail string) {
	if s.steps == nil {
		return
	}
	if err := s.steps.AddStep(ctx, orderNumber, step, status, detail); err != nil {
		s.logger.Warn("record saga step", zap.Int("order_number", orderNumber), zap.String("step", step), zap.Error(err))
	}
}

func (s *OrderProcessSaga) setStatus(ctx context.Context, orderNumber int, status OrderStatus) {
	if err := s.orders.SetStatus(ctx, orderNumber, status); err != nil {
		s.logger.Warn("label order status", zap.Int("order_number", orderNumber), zap.Stringer("status", status), zap.Error(err))
	}
}

func (s *OrderProcessSaga) startSpan(ctx context.Context, name string, orderNumber int) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.Int("order_number", orderNumber)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
