package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/opaque/secureknn/pkg/grpcserver"
	"github.com/opaque/secureknn/pkg/protocol"
)

// ProviderGRPC is a protocol.Provider talking to the provider's gRPC service.
type ProviderGRPC struct {
	conn grpc.ClientConnInterface
}

var _ protocol.Provider = (*ProviderGRPC)(nil)

// NewProviderGRPC wraps an established connection. The caller owns conn.
func NewProviderGRPC(conn grpc.ClientConnInterface) *ProviderGRPC {
	return &ProviderGRPC{conn: conn}
}

// invoke calls method with the JSON codec and maps failures back to the
// protocol's sentinel errors.
func (p *ProviderGRPC) invoke(ctx context.Context, method string, in, out any) error {
	var trailer metadata.MD
	err := p.conn.Invoke(ctx, method, in, out,
		grpc.CallContentSubtype(protocol.CodecName),
		grpc.Trailer(&trailer))
	if err == nil {
		return nil
	}
	if codes := trailer.Get(grpcserver.CodeTrailer); len(codes) > 0 {
		return protocol.FromCode(codes[0], status.Convert(err).Message())
	}
	return err
}

func (p *ProviderGRPC) Clear(ctx context.Context) error {
	return p.invoke(ctx, protocol.MethodClear, &protocol.Empty{}, &protocol.Empty{})
}

func (p *ProviderGRPC) Upload(ctx context.Context, rows [][]float64) error {
	return p.invoke(ctx, protocol.MethodUpload, &protocol.DatapointsRequest{Datapoints: rows}, &protocol.Empty{})
}

func (p *ProviderGRPC) Database(ctx context.Context) ([][]float64, error) {
	var resp protocol.DatapointsResponse
	if err := p.invoke(ctx, protocol.MethodGetDatabase, &protocol.Empty{}, &resp); err != nil {
		return nil, err
	}
	if resp.Datapoints == nil {
		resp.Datapoints = [][]float64{}
	}
	return resp.Datapoints, nil
}

func (p *ProviderGRPC) PushQuery(ctx context.Context, queryID string, mt [][]float64) error {
	return p.invoke(ctx, protocol.MethodPushQuery, &protocol.PushQueryRequest{QueryID: queryID, Mt: mt}, &protocol.Empty{})
}

func (p *ProviderGRPC) TransformDef(ctx context.Context, queryID string) ([][]float64, error) {
	var resp protocol.TransformDefResponse
	if err := p.invoke(ctx, protocol.MethodGetTransformDef, &protocol.TransformDefRequest{QueryID: queryID}, &resp); err != nil {
		return nil, err
	}
	return resp.Mt, nil
}

func (p *ProviderGRPC) ComputeKnn(ctx context.Context, queryID string, query []float64, k int) ([][]float64, error) {
	var resp protocol.DatapointsResponse
	req := &protocol.ComputeKnnRequest{QueryID: queryID, Query: query, K: k}
	if err := p.invoke(ctx, protocol.MethodComputeKnn, req, &resp); err != nil {
		return nil, err
	}
	return resp.Datapoints, nil
}
