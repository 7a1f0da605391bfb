// Package reply carries partition replies from partition executors back to
// the node running the top-level execution.
package reply

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The reply service has a single unary method. Payloads are JSON encoded
// domain.PartitionReplyMessage values carried in a BytesValue.
const (
	serviceName = "batchdispatch.reply.v1.PartitionReply"
	sendMethod  = "/" + serviceName + "/Send"
)

type partitionReplyServer interface {
	Send(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(partitionReplyServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(partitionReplyServer).Send(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*partitionReplyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "batchdispatch/reply/v1/reply.proto",
}
