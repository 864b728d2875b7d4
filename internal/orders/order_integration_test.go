package orders_test

import (
	"context"
	"net"
	"testing"
	"time"

	grpcadapter "orderflow/internal/adapters/grpc"
	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/idempotency"
	"orderflow/internal/orders"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const startRequestID = "5d1c7b7e-8a39-4a57-b1de-6f0b2a9c4e13"

func bufDialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
}

func TestOrderProcess_PostgresStoresOverGRPC(t *testing.T) {
	ctx := context.Background()

	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}()
	// Stock and payment requests run concurrently, so their audit rows land
	// in either order.
	mock.MatchExpectationsInOrder(false)

	sagaRow := func(stock bool) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"correlation_id", "originator", "is_payment_done", "is_stock_provided", "completed", "cancelled"}).
			AddRow(7, orders.CommandStartOrderProcess, false, stock, false, false)
	}

	// first delivery of StartOrderProcess
	mock.ExpectExec("INSERT INTO processed_requests").
		WithArgs(startRequestID, orders.CommandStartOrderProcess, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_sagas").
		WithArgs(7, orders.CommandStartOrderProcess, false, false, false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT correlation_id, originator").
		WithArgs(7).
		WillReturnRows(sagaRow(false))
	mock.ExpectExec("INSERT INTO order_saga_steps").
		WithArgs(7, "start", "created", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_statuses").
		WithArgs(7, orders.StatusPending.ID()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_saga_steps").
		WithArgs(7, "stock_request", "accepted", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_saga_steps").
		WithArgs(7, "payment_request", "accepted", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE processed_requests SET result").
		WithArgs(startRequestID, []byte("true")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// retransmission replays the stored result
	mock.ExpectExec("INSERT INTO processed_requests").
		WithArgs(startRequestID, orders.CommandStartOrderProcess, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT command_type, created_at, result, failure").
		WithArgs(startRequestID).
		WillReturnRows(sqlmock.NewRows([]string{"command_type", "created_at", "result", "failure"}).
			AddRow(orders.CommandStartOrderProcess, time.Now().UTC(), []byte("true"), nil))

	// StockChecked(true) flips one flag under a row lock
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT correlation_id, originator .* FOR UPDATE").
		WithArgs(7).
		WillReturnRows(sagaRow(false))
	mock.ExpectExec("UPDATE order_sagas").
		WithArgs(7, false, true, false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO order_saga_steps").
		WithArgs(7, "stock_checked", "succeeded", "success=true").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	catalog := orders.NewInMemoryCatalogClient()
	payment := orders.NewInMemoryPaymentClient()
	orch := orders.NewOrderProcessSaga(ordersdb.NewSagaStore(sqlDB), catalog, payment, nil,
		orders.WithOrderRepository(ordersdb.NewOrderStore(sqlDB)),
	)
	gate := idempotency.NewGate(ordersdb.NewRequestStore(sqlDB))
	handlers := orders.NewCommandHandlers(gate, orch)

	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	grpcadapter.RegisterOrderServiceServer(server, grpcadapter.NewOrderServer(handlers, orch))
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(bufDialer(lis)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := grpcadapter.NewOrderServiceClient(conn)

	req, err := structpb.NewStruct(map[string]any{
		"orderNumber": 7,
		"orderItems":  []any{map[string]any{"productId": 1, "units": 2}},
	})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	callCtx := metadata.AppendToOutgoingContext(ctx, orders.RequestIDHeader, startRequestID)

	for i := 0; i < 2; i++ {
		resp, err := client.Call(callCtx, grpcadapter.MethodStartOrderProcess, req)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if !resp.GetFields()["success"].GetBoolValue() {
			t.Fatalf("start %d: expected success, got %v", i, resp)
		}
	}
	if len(catalog.Requests()) != 1 || len(payment.Requests()) != 1 {
		t.Fatalf("expected one outbound request each, got %d stock %d payment", len(catalog.Requests()), len(payment.Requests()))
	}

	if err := orch.OnStockChecked(ctx, orders.StockCheckedIntegrationEvent{OrderID: 7, IsSuccess: true}); err != nil {
		t.Fatalf("stock checked: %v", err)
	}
}
