package transform

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/opaque/secureknn/pkg/linalg"
	"github.com/opaque/secureknn/pkg/protocol"
)

// Generator holds the owner's key material and produces every owner-side
// value of the protocol. Safe for concurrent use; EncryptDatabase replaces the
// key material atomically with respect to queries and decryption.
type Generator struct {
	params  Params
	sampler *linalg.Sampler

	mu   sync.RWMutex
	keys *KeyMaterial
}

// NewGenerator creates a generator without key material. A nil seed makes
// every draw unpredictable; a fixed seed makes a single-goroutine run
// reproducible.
func NewGenerator(params Params, seed []byte) (*Generator, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	sampler, err := linalg.NewSampler(seed, "owner")
	if err != nil {
		return nil, err
	}
	return &Generator{params: params, sampler: sampler}, nil
}

// Params returns the generator's public constants.
func (g *Generator) Params() Params {
	return g.params
}

// Keys returns the current key material, or nil before the first EncryptDatabase.
func (g *Generator) Keys() *KeyMaterial {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.keys
}

// SetKeys installs previously persisted key material.
func (g *Generator) SetKeys(keys *KeyMaterial) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = keys
}

// EncryptDatabase encrypts rows under fresh key material and installs it.
// Key material from earlier calls, and every provider-side transform derived
// from it, is stale afterwards.
func (g *Generator) EncryptDatabase(rows [][]int64) ([][]float64, *KeyMaterial, error) {
	plain := linalg.FloatRows(rows)
	dim, err := linalg.Width(plain)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid dataset: %w", err)
	}

	p := g.params
	eta := p.Width(dim)
	half := p.SampleSpace / 2

	base, inv, err := linalg.SampleInvertible(g.sampler, eta, -half, half, p.MaxAttempts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate base matrix: %w", err)
	}
	pad := g.sampler.Vector(p.Padding, -half, half)
	secret := g.sampler.Vector(dim+1, -half, half)

	var maxNorm float64
	augmented := make([][]float64, len(plain))
	for i, row := range plain {
		maxNorm = math.Max(maxNorm, linalg.Norm(row))

		pd := make([]float64, 0, eta)
		for j, x := range row {
			pd = append(pd, secret[j]-2*x)
		}
		pd = append(pd, secret[dim]+floats.Dot(row, row))
		pd = append(pd, pad...)
		pd = append(pd, g.sampler.Vector(p.Epsilon, -half, half)...)
		augmented[i] = pd
	}

	enc, err := linalg.MulRows(augmented, inv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt rows: %w", err)
	}

	keys := &KeyMaterial{
		Base:    base,
		Secret:  secret,
		Pad:     pad,
		MaxNorm: maxNorm,
		Dim:     dim,
	}
	g.SetKeys(keys)
	return enc, keys, nil
}

// EncryptQuery turns a blinded query into the secure query matrix for the
// query user and the per-query transform Mt for the compute provider.
func (g *Generator) EncryptQuery(blinded []float64) (secure [][]float64, mt [][]float64, err error) {
	keys := g.Keys()
	if keys == nil {
		return nil, nil, protocol.ErrNoKeyMaterial
	}
	if len(blinded) != keys.Dim {
		return nil, nil, fmt.Errorf("query has %d coordinates, database has %d: %w",
			len(blinded), keys.Dim, protocol.ErrDimensionMismatch)
	}

	p := g.params
	eta := keys.Width()
	low := int64(math.Floor(floats.Max(blinded))) + 1
	norm := int64(math.Ceil(keys.MaxNorm))

	augmented := make([]float64, 0, eta)
	augmented = append(augmented, blinded...)
	// The homogenizing coordinate is expressed in blinded units so the
	// |p|² term keeps the same scale as the blinded p·q term.
	augmented = append(augmented, p.BlindScale)
	augmented = append(augmented, g.sampler.Vector(p.Padding, 1, p.SampleSpace)...)
	augmented = append(augmented, make([]float64, p.Epsilon)...)

	transform, _, err := linalg.ResampleInvertible(p.MaxAttempts, func() *mat.Dense {
		m := g.sampler.Matrix(eta, eta, low, low+p.SampleSpace)
		for i := 0; i < eta; i++ {
			m.Set(i, i, float64(g.sampler.Int(low+norm, low+norm+p.SampleSpace)))
		}
		return m
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate query transform: %w", err)
	}

	var msec mat.Dense
	msec.Mul(transform, keys.Base)

	var q mat.Dense
	q.Mul(&msec, mat.NewDiagDense(eta, augmented))
	if p.QueryNoise {
		q.Add(&q, g.sampler.Matrix(eta, eta, low, low+p.SampleSpace))
	}
	q.Scale(p.QueryScale, &q)

	return linalg.Rows(&q), linalg.Rows(transform), nil
}

// Decrypt recovers the plaintext rows of ciphertext rows produced under the
// current key material. Rows produced under other key material decrypt to
// garbage; only their width is checked.
func (g *Generator) Decrypt(rows [][]float64) ([][]int64, error) {
	keys := g.Keys()
	if keys == nil {
		return nil, protocol.ErrNoKeyMaterial
	}
	if len(rows) == 0 {
		return [][]int64{}, nil
	}
	if width, err := linalg.Width(rows); err != nil {
		return nil, err
	} else if width != keys.Width() {
		return nil, fmt.Errorf("rows have width %d, keys expect %d: %w", width, keys.Width(), protocol.ErrDimensionMismatch)
	}

	products, err := linalg.MulRows(rows, keys.Base)
	if err != nil {
		return nil, err
	}

	out := make([][]int64, len(products))
	for i, prod := range products {
		plain := make([]int64, keys.Dim)
		for j := range plain {
			plain[j] = int64(math.Round((keys.Secret[j] - prod[j]) / 2))
		}
		out[i] = plain
	}
	return out, nil
}
