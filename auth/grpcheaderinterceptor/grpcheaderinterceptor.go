package grpcheaderinterceptor

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/tweag/update-launcher/internal/logging"
)

type headerInterceptor struct {
	headers metadata.MD
}

// unaryAddHeaders injects headers into a unary gRPC call.
func (i *headerInterceptor) unaryAddHeaders(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	return invoker(i.withHeaders(ctx, method), method, req, reply, cc, opts...)
}

// streamAddHeaders injects headers into a stream gRPC call.
func (i *headerInterceptor) streamAddHeaders(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return streamer(i.withHeaders(ctx, method), desc, cc, method, opts...)
}

func (i *headerInterceptor) withHeaders(ctx context.Context, method string) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}
	for k, vs := range i.headers {
		md.Append(k, vs...)
	}
	logging.Debugf("gRPC %s: adding %d configured headers", method, len(i.headers))
	return metadata.NewOutgoingContext(ctx, md)
}

// DialOptions returns interceptors adding static headers (e.g. authorization) to every call.
// Header names are lowercased, as required by gRPC metadata.
func DialOptions(headers map[string]string) []grpc.DialOption {
	if len(headers) == 0 {
		return nil
	}
	md := metadata.New(nil)
	for k, v := range headers {
		md.Append(strings.ToLower(k), v)
	}
	interceptor := &headerInterceptor{headers: md}
	return []grpc.DialOption{
		grpc.WithUnaryInterceptor(interceptor.unaryAddHeaders),
		grpc.WithStreamInterceptor(interceptor.streamAddHeaders),
	}
}
