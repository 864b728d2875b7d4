package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "orderflow.v1.OrderProcessService"

// Method names served under ServiceName.
const (
	MethodStartOrderProcess    = "StartOrderProcess"
	MethodCheckStockInventory  = "CheckStockInventory"
	MethodRecordPayment        = "RecordPayment"
	MethodShipOrder            = "ShipOrder"
	MethodCancelOrder          = "CancelOrder"
	MethodRefundOrder          = "RefundOrder"
	MethodCompleteOrderProcess = "CompleteOrderProcess"
	MethodGetOrderProcess      = "GetOrderProcess"
)

// OrderServiceServer is the server API. Requests and responses are JSON-shaped
// google.protobuf.Struct messages.
type OrderServiceServer interface {
	StartOrderProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckStockInventory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ShipOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefundOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteOrderProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrderProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(OrderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// OrderServiceDesc describes the service for grpc.Server.RegisterService.
var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodStartOrderProcess, OrderServiceServer.StartOrderProcess),
		unaryMethod(MethodCheckStockInventory, OrderServiceServer.CheckStockInventory),
		unaryMethod(MethodRecordPayment, OrderServiceServer.RecordPayment),
		unaryMethod(MethodShipOrder, OrderServiceServer.ShipOrder),
		unaryMethod(MethodCancelOrder, OrderServiceServer.CancelOrder),
		unaryMethod(MethodRefundOrder, OrderServiceServer.RefundOrder),
		unaryMethod(MethodCompleteOrderProcess, OrderServiceServer.CompleteOrderProcess),
		unaryMethod(MethodGetOrderProcess, OrderServiceServer.GetOrderProcess),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orderflow/v1/order_process.proto",
}

// RegisterOrderServiceServer registers srv with s.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

// FullMethod returns the "/service/method" path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OrderServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// OrderServiceClient calls the service over a client connection.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewOrderServiceClient constructs an OrderServiceClient.
func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

// Call invokes method with req.
func (c *OrderServiceClient) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
