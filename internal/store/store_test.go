package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opaque/secureknn/pkg/protocol"
)

func TestEncryptedStoreAppend(t *testing.T) {
	s := NewEncryptedStore()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.Width())
	assert.Equal(t, [][]float64{}, s.Rows())

	require.NoError(t, s.Append([][]float64{{1, 2}, {3, 4}}))
	gen := s.Generation()

	err := s.Append([][]float64{{1, 2, 3}})
	require.ErrorIs(t, err, protocol.ErrDimensionMismatch)
	assert.Equal(t, 2, s.Len(), "rejected upload must not change the database")
	assert.Equal(t, gen, s.Generation())

	err = s.Append([][]float64{{1, 2}, {3}})
	require.ErrorIs(t, err, protocol.ErrDimensionMismatch)

	require.NoError(t, s.Append([][]float64{{5, 6}}))
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}, {5, 6}}, s.Rows())
	assert.Greater(t, s.Generation(), gen)
}

func TestEncryptedStoreCopies(t *testing.T) {
	s := NewEncryptedStore()
	in := [][]float64{{1, 2}}
	require.NoError(t, s.Append(in))

	in[0][0] = 9
	out := s.Rows()
	out[0][1] = 9
	assert.Equal(t, [][]float64{{1, 2}}, s.Rows())
}

func TestEncryptedStoreClearAndReplace(t *testing.T) {
	s := NewEncryptedStore()
	require.NoError(t, s.Append([][]float64{{1, 2}}))
	gen := s.Generation()

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Greater(t, s.Generation(), gen)

	// After Clear any width is accepted again.
	require.NoError(t, s.Append([][]float64{{1, 2, 3}}))
	assert.Equal(t, 3, s.Width())

	require.NoError(t, s.Replace([][]float64{{7}, {8}}))
	assert.Equal(t, [][]float64{{7}, {8}}, s.Rows())

	require.ErrorIs(t, s.Replace([][]float64{{1}, {1, 2}}), protocol.ErrDimensionMismatch)
}

func TestEncryptedStoreView(t *testing.T) {
	s := NewEncryptedStore()
	require.NoError(t, s.Append([][]float64{{1}, {2}}))

	var seen int
	var seenGen uint64
	require.NoError(t, s.View(func(rows [][]float64, generation uint64) error {
		seen = len(rows)
		seenGen = generation
		return nil
	}))
	assert.Equal(t, 2, seen)
	assert.Equal(t, s.Generation(), seenGen)
}
