// Package grpcapi содержит gRPC-сервис приёма клиентских событий мониторинга сохранения.
// Сообщения передаются как google.protobuf.Struct, поэтому отдельная генерация кода не нужна.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName  = "quotes.v1.SaveMonitoring"
	MethodRecord = "/quotes.v1.SaveMonitoring/Record"
	MethodStats  = "/quotes.v1.SaveMonitoring/Stats"
)

// SaveMonitoringServer — серверная часть quotes.v1.SaveMonitoring.
type SaveMonitoringServer interface {
	Record(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// SaveMonitoringClient — клиент quotes.v1.SaveMonitoring.
type SaveMonitoringClient interface {
	Record(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type saveMonitoringClient struct {
	cc grpc.ClientConnInterface
}

// NewSaveMonitoringClient создаёт клиента поверх соединения.
func NewSaveMonitoringClient(cc grpc.ClientConnInterface) SaveMonitoringClient {
	return &saveMonitoringClient{cc: cc}
}

func (c *saveMonitoringClient) Record(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, MethodRecord, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *saveMonitoringClient) Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodStats, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterSaveMonitoringServer регистрирует сервис на gRPC-сервере.
func RegisterSaveMonitoringServer(s grpc.ServiceRegistrar, srv SaveMonitoringServer) {
	s.RegisterService(&SaveMonitoringServiceDesc, srv)
}

func recordHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SaveMonitoringServer).Record(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRecord}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SaveMonitoringServer).Record(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SaveMonitoringServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStats}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SaveMonitoringServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// SaveMonitoringServiceDesc описывает quotes.v1.SaveMonitoring.
var SaveMonitoringServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SaveMonitoringServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Record", Handler: recordHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quotes/v1/save_monitoring.proto",
}
