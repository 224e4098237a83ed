package client

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/secureknn/internal/owner"
	"github.com/opaque/secureknn/internal/service"
	"github.com/opaque/secureknn/pkg/dataset"
	"github.com/opaque/secureknn/pkg/linalg"
	"github.com/opaque/secureknn/pkg/protocol"
	"github.com/opaque/secureknn/pkg/server"
	"github.com/opaque/secureknn/pkg/transform"
)

// deployment is an in-process owner and provider loaded with a dataset.
type deployment struct {
	rows     [][]int64
	provider *service.Provider
	owner    *owner.Service
}

func newDeployment(t *testing.T) *deployment {
	t.Helper()
	logger, _ := logtest.NewNullLogger()

	p, err := service.NewProvider(service.DefaultConfig(), nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	gen, err := transform.NewGenerator(transform.DefaultParams(), []byte("client-test"))
	require.NoError(t, err)
	o, err := owner.New(owner.Config{}, gen, p, logger)
	require.NoError(t, err)

	s, err := linalg.NewSampler([]byte("client-test"), "dataset")
	require.NoError(t, err)
	rows := dataset.Generate(s, 40, 4, 20)
	require.NoError(t, o.UploadRows(context.Background(), rows))

	return &deployment{rows: rows, provider: p, owner: o}
}

func TestBlindQuery(t *testing.T) {
	c, err := New(transform.DefaultParams(), nil, nil, []byte("blind"))
	require.NoError(t, err)

	query := []float64{3, -2, 0, 7}
	blinded, diag := c.BlindQuery(query)
	require.Len(t, diag, len(query))
	for i := range query {
		assert.GreaterOrEqual(t, diag[i], 1.0)
		assert.Less(t, diag[i], 10.0)
		assert.Equal(t, 10*query[i]*diag[i], blinded[i])
	}
}

func TestUnblindSecureQuery(t *testing.T) {
	secure := [][]float64{
		{2, 6, 1},
		{4, 3, 2},
		{8, 9, 3},
	}
	got, err := UnblindSecureQuery(secure, []float64{2, 3})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1 + 2 + 1, 2 + 1 + 2, 4 + 3 + 3}, got, 1e-12)

	_, err = UnblindSecureQuery([][]float64{{1, 2}}, nil)
	require.ErrorIs(t, err, protocol.ErrDimensionMismatch)

	_, err = UnblindSecureQuery(secure, []float64{1, 1, 1, 1})
	require.ErrorIs(t, err, protocol.ErrDimensionMismatch)

	_, err = UnblindSecureQuery(secure, []float64{0})
	require.ErrorIs(t, err, protocol.ErrSingularMatrix)
}

func TestKNNMatchesPlaintext(t *testing.T) {
	ctx := context.Background()
	d := newDeployment(t)
	c, err := New(transform.DefaultParams(), d.owner, d.provider, nil)
	require.NoError(t, err)

	queries := [][]int64{{0, 0, 0, 0}, {5, -3, 12, -19}, {-20, 19, 0, 4}}
	for qi, query := range queries {
		for k := 1; k <= 5; k++ {
			got, err := c.KNN(ctx, query, k, fmt.Sprintf("q%d-k%d", qi, k))
			require.NoError(t, err)
			want := dataset.KNN(d.rows, query, k)
			assert.True(t, dataset.SameNeighbours(query, got, want),
				"query %v k=%d: got %v want %v", query, k, got, want)
		}
	}
}

func TestKNNSurfacesErrors(t *testing.T) {
	ctx := context.Background()
	d := newDeployment(t)
	c, err := New(transform.DefaultParams(), d.owner, d.provider, nil)
	require.NoError(t, err)

	_, err = c.KNN(ctx, []int64{1, 2}, 1, "short")
	require.ErrorIs(t, err, protocol.ErrDimensionMismatch)

	_, err = c.KNN(ctx, []int64{1, 2, 3, 4}, len(d.rows)+1, "big")
	require.ErrorIs(t, err, protocol.ErrRange)

	failing := &failingOwner{Owner: d.owner, err: errors.New("owner down")}
	c, err = New(transform.DefaultParams(), failing, d.provider, nil)
	require.NoError(t, err)
	_, err = c.KNN(ctx, []int64{1, 2, 3, 4}, 1, "fail")
	require.ErrorIs(t, err, failing.err)
}

type failingOwner struct {
	protocol.Owner
	err error
}

func (f *failingOwner) Decrypt(ctx context.Context, rows [][]float64) ([][]int64, error) {
	return nil, f.err
}

func TestKNNOverHTTP(t *testing.T) {
	ctx := context.Background()
	d := newDeployment(t)
	logger, _ := logtest.NewNullLogger()

	providerSrv := httptest.NewServer(server.NewProvider(server.DefaultConfig(), d.provider, logger).Handler())
	defer providerSrv.Close()
	ownerSrv := httptest.NewServer(server.NewOwner(server.DefaultConfig(), d.owner, logger).Handler())
	defer ownerSrv.Close()

	remoteProvider := NewProviderHTTP(DefaultRemoteConfig(providerSrv.URL))
	remoteOwner := NewOwnerHTTP(DefaultRemoteConfig(ownerSrv.URL))

	c, err := New(transform.DefaultParams(), remoteOwner, remoteProvider, nil)
	require.NoError(t, err)

	query := []int64{7, 7, -7, 0}
	got, err := c.KNN(ctx, query, 3, "http")
	require.NoError(t, err)
	assert.True(t, dataset.SameNeighbours(query, got, dataset.KNN(d.rows, query, 3)))

	mt, err := remoteProvider.TransformDef(ctx, "http")
	require.NoError(t, err)
	assert.Len(t, mt, transform.DefaultParams().Width(4))

	_, err = remoteProvider.ComputeKnn(ctx, "missing", make([]float64, len(mt)), 1)
	require.ErrorIs(t, err, protocol.ErrUnknownQueryID)

	_, err = c.KNN(ctx, query, 0, "zero")
	require.ErrorIs(t, err, protocol.ErrRange)

	rows, err := remoteProvider.Database(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, len(d.rows))

	require.NoError(t, remoteProvider.Clear(ctx))
	_, err = remoteProvider.TransformDef(ctx, "http")
	require.ErrorIs(t, err, protocol.ErrUnknownQueryID)
}

func TestRemoteNonJSONError(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()

	_, err := NewProviderHTTP(DefaultRemoteConfig(srv.URL)).Database(context.Background())
	require.Error(t, err)
	var remoteErr *protocol.RemoteError
	assert.False(t, errors.As(err, &remoteErr))
}
