package secureknn

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/secureknn/internal/owner"
	"github.com/opaque/secureknn/internal/service"
	"github.com/opaque/secureknn/pkg/client"
	"github.com/opaque/secureknn/pkg/dataset"
	"github.com/opaque/secureknn/pkg/linalg"
	"github.com/opaque/secureknn/pkg/protocol"
	"github.com/opaque/secureknn/pkg/server"
	"github.com/opaque/secureknn/pkg/transform"
)

func testRows(t *testing.T, n, dim int) [][]int64 {
	t.Helper()
	s, err := linalg.NewSampler([]byte("secureknn-test"), "rows")
	require.NoError(t, err)
	return dataset.Generate(s, n, dim, 50)
}

func newLocal(t *testing.T) *Local {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	l, err := NewLocal(Config{Seed: []byte("secureknn-test"), Log: logger})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNewLocalDefaults(t *testing.T) {
	l, err := NewLocal(Config{})
	require.NoError(t, err)
	defer l.Close()
	assert.False(t, l.Owner.HasKeys())

	bad := transform.DefaultParams()
	bad.SampleSpace = 1
	_, err = NewLocal(Config{Scheme: bad})
	require.Error(t, err)
}

func TestSearchMatchesPlaintext(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	rows := testRows(t, 60, 5)
	require.NoError(t, l.Load(ctx, rows))

	for _, query := range [][]int64{{0, 0, 0, 0, 0}, {49, -50, 3, 17, -8}, rows[7]} {
		for k := 1; k <= 5; k++ {
			got, err := l.Search(ctx, query, k)
			require.NoError(t, err)
			require.Len(t, got, k)
			want := dataset.KNN(rows, query, k)
			assert.True(t, dataset.SameNeighbours(query, got, want),
				"query %v k=%d: got %v want %v", query, k, got, want)
		}
	}
}

func TestSearchExactMatchFirst(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	rows := testRows(t, 30, 3)
	require.NoError(t, l.Load(ctx, rows))

	got, err := l.Search(ctx, rows[12], 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dataset.SquaredDistance(rows[12], got[0]))
}

func TestReloadForgetsQueries(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	rows := testRows(t, 20, 3)
	require.NoError(t, l.Load(ctx, rows))

	query := []int64{1, 2, 3}
	_, err := l.Client.KNN(ctx, query, 2, "kept")
	require.NoError(t, err)
	_, err = l.Provider.TransformDef(ctx, "kept")
	require.NoError(t, err)

	require.NoError(t, l.Load(ctx, rows[:10]))
	_, err = l.Provider.ComputeKnn(ctx, "kept", make([]float64, transform.DefaultParams().Width(3)), 1)
	require.ErrorIs(t, err, protocol.ErrUnknownQueryID)

	got, err := l.Search(ctx, query, 2)
	require.NoError(t, err)
	assert.True(t, dataset.SameNeighbours(query, got, dataset.KNN(rows[:10], query, 2)))
}

func TestSearchErrors(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	_, err := l.Search(ctx, []int64{1, 2}, 1)
	require.ErrorIs(t, err, protocol.ErrNoKeyMaterial)

	require.NoError(t, l.Load(ctx, testRows(t, 5, 2)))
	_, err = l.Search(ctx, []int64{1, 2}, 6)
	require.ErrorIs(t, err, protocol.ErrRange)
	_, err = l.Search(ctx, []int64{1, 2, 3}, 1)
	require.ErrorIs(t, err, protocol.ErrDimensionMismatch)
}

func TestConcurrentSearches(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)
	rows := testRows(t, 40, 4)
	require.NoError(t, l.Load(ctx, rows))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			query := rows[i]
			got, err := l.Search(ctx, query, 3)
			if err != nil {
				errs <- err
				return
			}
			if !dataset.SameNeighbours(query, got, dataset.KNN(rows, query, 3)) {
				errs <- fmt.Errorf("query %d: wrong neighbours %v", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// TestThreeHopsOverHTTP runs each party behind its own REST server: the owner
// talks to the provider over HTTP, and the user talks to both.
func TestThreeHopsOverHTTP(t *testing.T) {
	ctx := context.Background()
	logger, _ := logtest.NewNullLogger()

	provider, err := service.NewProvider(service.DefaultConfig(), nil, logger)
	require.NoError(t, err)
	defer provider.Close()
	providerSrv := httptest.NewServer(server.NewProvider(server.DefaultConfig(), provider, logger).Handler())
	defer providerSrv.Close()

	rows := testRows(t, 25, 3)
	path := t.TempDir() + "/data.csv"
	require.NoError(t, dataset.SaveCSV(path, rows))

	gen, err := transform.NewGenerator(transform.DefaultParams(), nil)
	require.NoError(t, err)
	own, err := owner.New(owner.Config{DatasetPath: path}, gen,
		client.NewProviderHTTP(client.DefaultRemoteConfig(providerSrv.URL)), logger)
	require.NoError(t, err)
	ownerSrv := httptest.NewServer(server.NewOwner(server.DefaultConfig(), own, logger).Handler())
	defer ownerSrv.Close()

	remoteOwner := client.NewOwnerHTTP(client.DefaultRemoteConfig(ownerSrv.URL))
	require.NoError(t, remoteOwner.UploadDatabase(ctx))
	assert.Equal(t, len(rows), provider.Stats().Rows)

	user, err := client.New(transform.DefaultParams(), remoteOwner,
		client.NewProviderHTTP(client.DefaultRemoteConfig(providerSrv.URL)), nil)
	require.NoError(t, err)

	report, err := Compare(ctx, user, rows, []int64{10, -10, 5}, []int{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.True(t, report.OK(), "mismatches: %+v", report.Runs)
}

type fixedSearcher struct {
	answer [][]int64
	delay  time.Duration
}

func (f fixedSearcher) KNN(ctx context.Context, query []int64, k int, queryID string) ([][]int64, error) {
	time.Sleep(f.delay)
	return f.answer[:k], nil
}

func TestCompareReport(t *testing.T) {
	rows := [][]int64{{0, 0}, {1, 0}, {5, 5}}
	query := []int64{0, 0}

	report, err := Compare(context.Background(), fixedSearcher{answer: rows, delay: time.Millisecond}, rows, query, []int{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, report.OK())
	require.Len(t, report.Runs, 3)
	assert.GreaterOrEqual(t, report.Mean, time.Millisecond)
	assert.GreaterOrEqual(t, report.P95, report.Median)

	wrong := fixedSearcher{answer: [][]int64{{5, 5}, {1, 0}}}
	report, err = Compare(context.Background(), wrong, rows, query, []int{1, 2})
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, 2, report.Mismatches)

	report, err = Compare(context.Background(), wrong, rows, query, nil)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Mean)
}
