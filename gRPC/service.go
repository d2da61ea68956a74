package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service helmetdet.ViolationService, built on well-known types only:
//
//	rpc Detect(google.protobuf.BytesValue) returns (google.protobuf.Struct);
//	rpc Ping(google.protobuf.Empty) returns (google.protobuf.Empty);
//	rpc CheckEngine(google.protobuf.Empty) returns (google.protobuf.Struct);
//	rpc Shutdown(google.protobuf.Empty) returns (google.protobuf.Empty);
const (
	ServiceName = "helmetdet.ViolationService"

	detectMethod      = "/helmetdet.ViolationService/Detect"
	pingMethod        = "/helmetdet.ViolationService/Ping"
	checkEngineMethod = "/helmetdet.ViolationService/CheckEngine"
	shutdownMethod    = "/helmetdet.ViolationService/Shutdown"
)

type ViolationServiceServer interface {
	Detect(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	Ping(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	CheckEngine(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func RegisterViolationServiceServer(s grpc.ServiceRegistrar, srv ViolationServiceServer) {
	s.RegisterService(&ViolationServiceDesc, srv)
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ViolationServiceServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ViolationServiceServer).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// emptyHandler builds the handler of a method taking google.protobuf.Empty.
func emptyHandler[T any](method string, call func(ViolationServiceServer, context.Context, *emptypb.Empty) (T, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ViolationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ViolationServiceServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ViolationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ViolationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
		{MethodName: "Ping", Handler: emptyHandler(pingMethod, ViolationServiceServer.Ping)},
		{MethodName: "CheckEngine", Handler: emptyHandler(checkEngineMethod, ViolationServiceServer.CheckEngine)},
		{MethodName: "Shutdown", Handler: emptyHandler(shutdownMethod, ViolationServiceServer.Shutdown)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "helmetdet.proto",
}

// Client calls ViolationService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Detect(ctx context.Context, image []byte, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, detectMethod, wrapperspb.Bytes(image), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, pingMethod, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

func (c *Client) CheckEngine(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, checkEngineMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Shutdown(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, shutdownMethod, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}
