package grpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"orderflow/internal/idempotency"
	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// CommandHandler runs an order command at most once per request id.
type CommandHandler interface {
	Handle(ctx context.Context, requestID string, cmd orders.Command) (bool, error)
}

// OrderQueries reads saga and order state.
type OrderQueries interface {
	Saga(ctx context.Context, orderNumber int) (saga.OrderSagaData, error)
	OrderStatus(ctx context.Context, orderNumber int) (orders.OrderStatus, error)
}

// OrderServer adapts the order process to gRPC.
type OrderServer struct {
	commands CommandHandler
	queries  OrderQueries
}

var _ OrderServiceServer = (*OrderServer)(nil)

// NewOrderServer constructs an OrderServer.
func NewOrderServer(commands CommandHandler, queries OrderQueries) *OrderServer {
	return &OrderServer{commands: commands, queries: queries}
}

func (s *OrderServer) StartOrderProcess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return handleCommand[orders.StartOrderProcess](ctx, s.commands, req)
}

func (s *OrderServer) CheckStockInventory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return handleCommand[orders.CheckStockInventory](ctx, s.commands, req)
}

func (s *OrderServer) RecordPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return handleCommand[orders.RecordPayment](ctx, s.commands, req)
}

func (s *OrderServer) ShipOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return handleCommand[orders.ShipOrder](ctx, s.commands, req)
}

func (s *OrderServer) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return handleCommand[orders.CancelOrder](ctx, s.commands, req)
}

func (s *OrderServer) RefundOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return handleCommand[orders.RefundOrder](ctx, s.commands, req)
}

func (s *OrderServer) CompleteOrderProcess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return handleCommand[orders.CompleteOrderProcess](ctx, s.commands, req)
}

// GetOrderProcess returns the saga flags and the order status label. It is a
// read and needs no request id.
func (s *OrderServer) GetOrderProcess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var query struct {
		OrderNumber int `json:"orderNumber"`
	}
	if err := decodeStruct(req, &query); err != nil {
		return nil, err
	}
	if query.OrderNumber <= 0 {
		return nil, status.Error(codes.InvalidArgument, "orderNumber must be positive")
	}

	state, err := s.queries.Saga(ctx, query.OrderNumber)
	if err != nil {
		return nil, mapOrderError(err)
	}
	fields := map[string]any{
		"orderNumber":     state.CorrelationID,
		"originator":      state.Originator,
		"isPaymentDone":   state.IsPaymentDone,
		"isStockProvided": state.IsStockProvided,
		"completed":       state.Completed,
		"cancelled":       state.Cancelled,
	}
	orderStatus, err := s.queries.OrderStatus(ctx, query.OrderNumber)
	switch {
	case err == nil:
		fields["status"] = orderStatus.String()
	case !errors.Is(err, orders.ErrOrderNotFound):
		return nil, mapOrderError(err)
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func handleCommand[C orders.Command](ctx context.Context, commands CommandHandler, req *structpb.Struct) (*structpb.Struct, error) {
	requestID, err := requestIDFrom(ctx)
	if err != nil {
		return nil, err
	}
	var cmd C
	if err := decodeStruct(req, &cmd); err != nil {
		return nil, err
	}

	ok, err := commands.Handle(ctx, requestID, cmd)
	if err != nil {
		return nil, mapOrderError(err)
	}
	out, err := structpb.NewStruct(map[string]any{"success": ok})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func requestIDFrom(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(orders.RequestIDHeader)
	if len(values) == 0 {
		return "", status.Errorf(codes.InvalidArgument, "%s metadata is required", orders.RequestIDHeader)
	}
	id, err := idempotency.ParseRequestID(values[0])
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return id, nil
}

func decodeStruct(req *structpb.Struct, dst any) error {
	if req == nil {
		req = &structpb.Struct{}
	}
	data, err := protojson.Marshal(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func mapOrderError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, orders.ErrInvalidCommand),
		errors.Is(err, idempotency.ErrRequestIDRequired):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, saga.ErrUnknownSaga):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, idempotency.ErrRequestInFlight):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, idempotency.ErrRequestConflict),
		errors.Is(err, idempotency.ErrRequestFailed),
		errors.Is(err, orders.ErrSagaCompleted),
		errors.Is(err, orders.ErrSagaNotCompleted),
		errors.Is(err, orders.ErrOrderNotShipped):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, orders.ErrRemoteCallFailed),
		errors.Is(err, orders.ErrCircuitOpen):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
