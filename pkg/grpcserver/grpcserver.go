// Package grpcserver exposes the compute provider over gRPC.
//
// Messages are the JSON types of pkg/protocol carried with the "json" codec,
// so the service is described by a hand-written ServiceDesc instead of
// generated stubs. Errors carry their protocol code in the CodeTrailer
// trailer next to a matching gRPC status code.
package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/opaque/secureknn/pkg/protocol"
)

// CodeTrailer is the trailer key holding the protocol error code.
const CodeTrailer = "secureknn-code"

// ComputeProviderServer is the server API of the secureknn.ComputeProvider service.
type ComputeProviderServer interface {
	Clear(context.Context, *protocol.Empty) (*protocol.Empty, error)
	Upload(context.Context, *protocol.DatapointsRequest) (*protocol.Empty, error)
	GetDatabase(context.Context, *protocol.Empty) (*protocol.DatapointsResponse, error)
	PushQuery(context.Context, *protocol.PushQueryRequest) (*protocol.Empty, error)
	GetTransformDef(context.Context, *protocol.TransformDefRequest) (*protocol.TransformDefResponse, error)
	ComputeKnn(context.Context, *protocol.ComputeKnnRequest) (*protocol.DatapointsResponse, error)
}

// Server implements ComputeProviderServer on top of a protocol.Provider.
type Server struct {
	provider protocol.Provider
}

var _ ComputeProviderServer = (*Server)(nil)

// New creates a new gRPC server backed by provider.
func New(provider protocol.Provider) *Server {
	return &Server{provider: provider}
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv ComputeProviderServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func (s *Server) Clear(ctx context.Context, _ *protocol.Empty) (*protocol.Empty, error) {
	if err := s.provider.Clear(ctx); err != nil {
		return nil, mapError(ctx, err)
	}
	return &protocol.Empty{}, nil
}

func (s *Server) Upload(ctx context.Context, req *protocol.DatapointsRequest) (*protocol.Empty, error) {
	if err := s.provider.Upload(ctx, req.Datapoints); err != nil {
		return nil, mapError(ctx, err)
	}
	return &protocol.Empty{}, nil
}

func (s *Server) GetDatabase(ctx context.Context, _ *protocol.Empty) (*protocol.DatapointsResponse, error) {
	rows, err := s.provider.Database(ctx)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return &protocol.DatapointsResponse{Datapoints: rows}, nil
}

func (s *Server) PushQuery(ctx context.Context, req *protocol.PushQueryRequest) (*protocol.Empty, error) {
	if req.QueryID == "" {
		return nil, status.Error(codes.InvalidArgument, "queryid is required")
	}
	if err := s.provider.PushQuery(ctx, req.QueryID, req.Mt); err != nil {
		return nil, mapError(ctx, err)
	}
	return &protocol.Empty{}, nil
}

func (s *Server) GetTransformDef(ctx context.Context, req *protocol.TransformDefRequest) (*protocol.TransformDefResponse, error) {
	mt, err := s.provider.TransformDef(ctx, req.QueryID)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return &protocol.TransformDefResponse{Mt: mt}, nil
}

func (s *Server) ComputeKnn(ctx context.Context, req *protocol.ComputeKnnRequest) (*protocol.DatapointsResponse, error) {
	rows, err := s.provider.ComputeKnn(ctx, req.QueryID, req.Query, req.K)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return &protocol.DatapointsResponse{Datapoints: rows}, nil
}

// mapError translates provider errors to gRPC status codes and records the
// protocol code in the trailer.
func mapError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	code := protocol.Code(err)
	_ = grpc.SetTrailer(ctx, metadata.Pairs(CodeTrailer, code))

	switch code {
	case protocol.CodeDimensionMismatch, protocol.CodeSingularMatrix:
		return status.Error(codes.InvalidArgument, err.Error())
	case protocol.CodeUnknownQueryID:
		return status.Error(codes.NotFound, err.Error())
	case protocol.CodeRange:
		return status.Error(codes.OutOfRange, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// unary builds the method descriptor of a unary RPC the way generated code
// does: decode the request, then run the handler through the interceptor.
func unary[Req any, Resp any](name string, call func(ComputeProviderServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + protocol.ProviderServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ComputeProviderServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ComputeProviderServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc is the grpc.ServiceDesc of secureknn.ComputeProvider.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: protocol.ProviderServiceName,
	HandlerType: (*ComputeProviderServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Clear", ComputeProviderServer.Clear),
		unary("Upload", ComputeProviderServer.Upload),
		unary("GetDatabase", ComputeProviderServer.GetDatabase),
		unary("PushQuery", ComputeProviderServer.PushQuery),
		unary("GetTransformDef", ComputeProviderServer.GetTransformDef),
		unary("ComputeKnn", ComputeProviderServer.ComputeKnn),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "secureknn.proto",
}
