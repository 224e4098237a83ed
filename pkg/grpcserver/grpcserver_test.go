package grpcserver_test

import (
	"context"
	"net"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/opaque/secureknn/internal/service"
	"github.com/opaque/secureknn/pkg/client"
	"github.com/opaque/secureknn/pkg/grpcserver"
	"github.com/opaque/secureknn/pkg/protocol"
)

var testRows = [][]float64{{1, 0}, {0, 1}, {-1, 0}}

func identity(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

// startServer serves provider over an in-memory listener and returns a
// connection to it.
func startServer(t *testing.T, provider protocol.Provider) *grpc.ClientConn {
	t.Helper()
	logger, _ := logtest.NewNullLogger()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcserver.RecoveryUnaryInterceptor(logger),
		grpcserver.LoggingUnaryInterceptor(logger),
	))
	grpcserver.Register(srv, grpcserver.New(provider))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newProvider(t *testing.T) *service.Provider {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	p, err := service.NewProvider(service.DefaultConfig(), nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProviderOverGRPC(t *testing.T) {
	ctx := context.Background()
	remote := client.NewProviderGRPC(startServer(t, newProvider(t)))

	rows, err := remote.Database(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, remote.Upload(ctx, testRows))
	require.NoError(t, remote.PushQuery(ctx, "q", identity(2)))

	mt, err := remote.TransformDef(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, identity(2), mt)

	got, err := remote.ComputeKnn(ctx, "q", []float64{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{-1, 0}, {0, 1}}, got)

	rows, err = remote.Database(ctx)
	require.NoError(t, err)
	assert.Equal(t, testRows, rows)

	require.NoError(t, remote.Clear(ctx))
	rows, err = remote.Database(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()
	conn := startServer(t, newProvider(t))
	remote := client.NewProviderGRPC(conn)
	require.NoError(t, remote.Upload(ctx, testRows))
	require.NoError(t, remote.PushQuery(ctx, "q", identity(2)))

	tests := []struct {
		name   string
		call   func() error
		target error
		code   codes.Code
	}{
		{
			name:   "upload width mismatch",
			call:   func() error { return remote.Upload(ctx, [][]float64{{1, 2, 3}}) },
			target: protocol.ErrDimensionMismatch,
			code:   codes.InvalidArgument,
		},
		{
			name: "unknown query id",
			call: func() error {
				_, err := remote.ComputeKnn(ctx, "missing", []float64{1, 0}, 1)
				return err
			},
			target: protocol.ErrUnknownQueryID,
			code:   codes.NotFound,
		},
		{
			name: "k out of range",
			call: func() error {
				_, err := remote.ComputeKnn(ctx, "q", []float64{1, 0}, 4)
				return err
			},
			target: protocol.ErrRange,
			code:   codes.OutOfRange,
		},
		{
			name: "unknown transform",
			call: func() error {
				_, err := remote.TransformDef(ctx, "missing")
				return err
			},
			target: protocol.ErrUnknownQueryID,
			code:   codes.NotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.ErrorIs(t, err, tt.target)
			var remoteErr *protocol.RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, protocol.Code(tt.target), remoteErr.Code)
		})
	}

	// The status code itself is visible to plain gRPC clients.
	err := conn.Invoke(ctx, protocol.MethodComputeKnn,
		&protocol.ComputeKnnRequest{QueryID: "missing", Query: []float64{1, 0}, K: 1},
		&protocol.DatapointsResponse{},
		grpc.CallContentSubtype(protocol.CodecName))
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = conn.Invoke(ctx, protocol.MethodPushQuery,
		&protocol.PushQueryRequest{Mt: identity(2)}, &protocol.Empty{},
		grpc.CallContentSubtype(protocol.CodecName))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// panicProvider panics on every call.
type panicProvider struct{ protocol.Provider }

func (panicProvider) Clear(context.Context) error { panic("boom") }

func TestRecoveryInterceptor(t *testing.T) {
	remote := client.NewProviderGRPC(startServer(t, panicProvider{}))

	err := remote.Clear(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}
