package linalg

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/opaque/secureknn/pkg/protocol"
)

// DefaultMaxAttempts bounds the resampling loop of SampleInvertible. Singular
// samples are common at small sizes but the loop converges within a handful of
// draws for any sane range; running out means the range itself is degenerate.
const DefaultMaxAttempts = 1000

// maxCondition rejects samples that are invertible on paper but lose the
// integer precision Decrypt relies on.
const maxCondition = 1e12

// SampleInvertible draws n×n integer matrices uniform in [low, high) until one
// has a nonzero determinant and a usable inverse. It returns the matrix and its
// inverse, or ErrSingularMatrix after attempts draws.
func SampleInvertible(s *Sampler, n int, low, high int64, attempts int) (*mat.Dense, *mat.Dense, error) {
	if n <= 0 {
		return nil, nil, fmt.Errorf("matrix size must be positive, got %d: %w", n, protocol.ErrSingularMatrix)
	}
	m, inv, err := ResampleInvertible(attempts, func() *mat.Dense {
		return s.Matrix(n, n, low, high)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("no invertible %dx%d matrix in [%d, %d): %w", n, n, low, high, err)
	}
	return m, inv, nil
}

// ResampleInvertible calls draw until it yields an invertible integer matrix,
// at most attempts times (DefaultMaxAttempts when attempts <= 0).
func ResampleInvertible(attempts int, draw func() *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	for i := 0; i < attempts; i++ {
		m := draw()
		if inv, ok := invertSample(m); ok {
			return m, inv, nil
		}
	}
	return nil, nil, fmt.Errorf("gave up after %d attempts: %w", attempts, protocol.ErrSingularMatrix)
}

// invertSample reports whether an integer matrix is invertible and returns the inverse.
func invertSample(m *mat.Dense) (*mat.Dense, bool) {
	// The determinant of an integer matrix is an integer.
	if math.Abs(mat.Det(m)) < 0.5 {
		return nil, false
	}
	if mat.Cond(m, 1) > maxCondition {
		return nil, false
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, false
	}
	return &inv, true
}

// Invert returns the inverse of a square matrix.
func Invert(m mat.Matrix) (*mat.Dense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("cannot invert %dx%d matrix: %w", r, c, protocol.ErrDimensionMismatch)
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%v: %w", err, protocol.ErrSingularMatrix)
	}
	return &inv, nil
}

// Dense copies a row matrix into a mat.Dense. Rows must be non-empty and of
// equal width.
func Dense(rows [][]float64) (*mat.Dense, error) {
	width, err := Width(rows)
	if err != nil {
		return nil, err
	}
	data := make([]float64, 0, len(rows)*width)
	for _, row := range rows {
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), width, data), nil
}

// Width returns the common width of rows.
func Width(rows [][]float64) (int, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, fmt.Errorf("empty matrix: %w", protocol.ErrDimensionMismatch)
	}
	width := len(rows[0])
	for i, row := range rows {
		if len(row) != width {
			return 0, fmt.Errorf("row %d has width %d, want %d: %w", i, len(row), width, protocol.ErrDimensionMismatch)
		}
	}
	return width, nil
}

// Rows copies m into a row matrix.
func Rows(m mat.Matrix) [][]float64 {
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}
	return rows
}

// MulRows right-multiplies every row by m, i.e. returns rows·m.
func MulRows(rows [][]float64, m mat.Matrix) ([][]float64, error) {
	a, err := Dense(rows)
	if err != nil {
		return nil, err
	}
	_, ac := a.Dims()
	mr, _ := m.Dims()
	if ac != mr {
		return nil, fmt.Errorf("cannot multiply rows of width %d by %d-row matrix: %w", ac, mr, protocol.ErrDimensionMismatch)
	}
	var out mat.Dense
	out.Mul(a, m)
	return Rows(&out), nil
}

// RowMul returns the row vector v·m.
func RowMul(v []float64, m mat.Matrix) []float64 {
	_, c := m.Dims()
	var out mat.VecDense
	out.MulVec(m.T(), mat.NewVecDense(len(v), v))
	res := make([]float64, c)
	for i := range res {
		res[i] = out.AtVec(i)
	}
	return res
}

// Dot returns a·b. The slices must have equal length.
func Dot(a, b []float64) float64 {
	return floats.Dot(a, b)
}

// Norm returns the Euclidean norm of v.
func Norm(v []float64) float64 {
	return floats.Norm(v, 2)
}

// Float converts a numeric vector to float64.
func Float[T constraints.Integer | constraints.Float](v []T) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// FloatRows converts a numeric row matrix to float64.
func FloatRows[T constraints.Integer | constraints.Float](rows [][]T) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = Float(row)
	}
	return out
}

// CloneRows returns a deep copy of rows.
func CloneRows(rows [][]float64) [][]float64 {
	if rows == nil {
		return nil
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
