// Package linalg holds the dense linear algebra and the integer sampling the
// transform scheme is built from. Matrices are gonum mat.Dense values; rows
// cross package boundaries as [][]float64.
package linalg

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/tuneinsight/lattigo/v5/utils/sampling"
	"golang.org/x/crypto/hkdf"
	"gonum.org/v1/gonum/mat"
)

// Sampler draws uniform integers from a keyed PRNG. Two samplers built from
// the same seed and purpose produce the same stream. Safe for concurrent use,
// although the stream is then only deterministic per call order.
type Sampler struct {
	mu   sync.Mutex
	prng *sampling.KeyedPRNG
}

// NewSampler returns a sampler keyed from seed and purpose. An empty seed
// draws a fresh random one, making the stream unpredictable.
func NewSampler(seed []byte, purpose string) (*Sampler, error) {
	if len(seed) == 0 {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to read random seed: %w", err)
		}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive sampler key: %w", err)
	}

	prng, err := sampling.NewKeyedPRNG(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyed PRNG: %w", err)
	}
	return &Sampler{prng: prng}, nil
}

// Int returns a uniform integer in [low, high). It returns low when the
// interval is empty.
func (s *Sampler) Int(low, high int64) int64 {
	if high <= low {
		return low
	}
	span := uint64(high - low)
	// Reject the tail so every residue is equally likely.
	limit := math.MaxUint64 - math.MaxUint64%span

	s.mu.Lock()
	defer s.mu.Unlock()

	var buf [8]byte
	for {
		if _, err := s.prng.Read(buf[:]); err != nil {
			// The XOF has no output limit; a failure here is a broken PRNG.
			panic(fmt.Sprintf("linalg: keyed PRNG failed: %v", err))
		}
		v := binary.LittleEndian.Uint64(buf[:])
		if v < limit {
			return low + int64(v%span)
		}
	}
}

// Vector returns n integers uniform in [low, high) as floats.
func (s *Sampler) Vector(n int, low, high int64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(s.Int(low, high))
	}
	return v
}

// Matrix returns an r×c matrix of integers uniform in [low, high).
func (s *Sampler) Matrix(r, c int, low, high int64) *mat.Dense {
	return mat.NewDense(r, c, s.Vector(r*c, low, high))
}
