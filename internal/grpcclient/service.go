package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The forwarder service carries a device id and an opaque JSON payload in a
// google.protobuf.Struct and answers with {"success": bool}.
const (
	serviceName    = "forwarder.Forwarder"
	sendDataMethod = "/" + serviceName + "/SendData"
)

// ForwarderServer is the receiving side of SendData.
type ForwarderServer interface {
	SendData(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func sendDataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ForwarderServer).SendData(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendDataMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ForwarderServer).SendData(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var forwarderServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ForwarderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendData", Handler: sendDataHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forwarder.proto",
}

// RegisterForwarderServer attaches srv to s.
func RegisterForwarderServer(s grpc.ServiceRegistrar, srv ForwarderServer) {
	s.RegisterService(&forwarderServiceDesc, srv)
}
