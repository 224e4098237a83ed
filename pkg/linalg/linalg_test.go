package linalg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/opaque/secureknn/pkg/protocol"
)

func TestSamplerDeterministic(t *testing.T) {
	a, err := NewSampler([]byte("seed"), "test")
	require.NoError(t, err)
	b, err := NewSampler([]byte("seed"), "test")
	require.NoError(t, err)
	other, err := NewSampler([]byte("seed"), "other")
	require.NoError(t, err)

	va := a.Vector(64, -1000, 1000)
	vb := b.Vector(64, -1000, 1000)
	vo := other.Vector(64, -1000, 1000)

	assert.Equal(t, va, vb, "same seed and purpose must give the same stream")
	assert.NotEqual(t, va, vo, "purpose must separate streams")
}

func TestSamplerRange(t *testing.T) {
	s, err := NewSampler(nil, "range")
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for i := 0; i < 2000; i++ {
		v := s.Int(-5, 5)
		require.GreaterOrEqual(t, v, int64(-5))
		require.Less(t, v, int64(5))
		seen[v] = true
	}
	assert.Len(t, seen, 10, "all values of a small range should appear")

	assert.Equal(t, int64(7), s.Int(7, 7), "empty interval returns low")
}

func TestSampleInvertible(t *testing.T) {
	s, err := NewSampler([]byte("invertible"), "base")
	require.NoError(t, err)

	for _, n := range []int{1, 2, 5, 19} {
		m, inv, err := SampleInvertible(s, n, -5, 5, 0)
		require.NoError(t, err, "n=%d", n)

		var prod mat.Dense
		prod.Mul(m, inv)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := 0.0
				if i == j {
					want = 1
				}
				assert.InDelta(t, want, prod.At(i, j), 1e-9, "n=%d (%d,%d)", n, i, j)
			}
		}
	}
}

func TestSampleInvertibleExhausted(t *testing.T) {
	s, err := NewSampler([]byte("zeros"), "base")
	require.NoError(t, err)

	// [0, 1) only yields the zero matrix.
	_, _, err = SampleInvertible(s, 4, 0, 1, 10)
	require.ErrorIs(t, err, protocol.ErrSingularMatrix)
}

func TestInvert(t *testing.T) {
	inv, err := Invert(mat.NewDense(2, 2, []float64{2, 0, 0, 4}))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.5, 0}, {0, 0.25}}, Rows(inv))

	_, err = Invert(mat.NewDense(2, 2, []float64{1, 2, 2, 4}))
	require.ErrorIs(t, err, protocol.ErrSingularMatrix)

	_, err = Invert(mat.NewDense(2, 3, nil))
	require.ErrorIs(t, err, protocol.ErrDimensionMismatch)
}

func TestMulRows(t *testing.T) {
	rows := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	m := mat.NewDense(2, 2, []float64{0, 1, 1, 0})

	out, err := MulRows(rows, m)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{2, 1}, {4, 3}, {6, 5}}, out)

	assert.Equal(t, []float64{2, 1}, RowMul([]float64{1, 2}, m))

	_, err = MulRows([][]float64{{1, 2, 3}}, m)
	require.ErrorIs(t, err, protocol.ErrDimensionMismatch)

	_, err = MulRows([][]float64{{1, 2}, {3}}, m)
	require.ErrorIs(t, err, protocol.ErrDimensionMismatch)
}

func TestConversions(t *testing.T) {
	assert.Equal(t, []float64{1, -2, 3}, Float([]int64{1, -2, 3}))
	assert.Equal(t, [][]float64{{1}, {2}}, FloatRows([][]int32{{1}, {2}}))

	orig := [][]float64{{1, 2}}
	clone := CloneRows(orig)
	clone[0][0] = 9
	assert.Equal(t, 1.0, orig[0][0])

	assert.Equal(t, 5.0, Norm([]float64{3, 4}))
	assert.Equal(t, 11.0, Dot([]float64{1, 2}, []float64{3, 4}))
}
