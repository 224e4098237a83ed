// Package transform implements the owner side of the secure k-NN scheme: it
// encrypts the database once, turns each blinded query into a secure query
// plus a per-query transform Mt, and decrypts the ciphertext rows a query
// user brings back.
//
// A database row p of dimension D becomes
//
//	pd = [s_0-2p_0, ..., s_{D-1}-2p_{D-1}, s_D+p·p, w, z]   (width η = D+1+C+ε)
//	enc = pd · Mbase⁻¹
//
// and a blinded query q becomes B2·(Mt·Mbase·diag(q, B1, x, 0)). After the
// user unblinds and collapses the secure query, and the provider re-bases the
// database with Mt⁻¹, the dot product of the two is an increasing affine
// function of the squared distance |p-q|², which is what the provider ranks by.
package transform

import (
	"fmt"

	"github.com/opaque/secureknn/pkg/linalg"
)

// Params are the public constants of the scheme. The owner and the query
// user must agree on them.
type Params struct {
	// Padding is C, the number of secret padding columns.
	Padding int `yaml:"padding"`

	// Epsilon is ε, the number of random noise columns appended to every row.
	Epsilon int `yaml:"epsilon"`

	// SampleSpace is S, the width of every uniform integer range.
	SampleSpace int64 `yaml:"sample_space"`

	// BlindScale is B1, the scale the query user applies while blinding.
	BlindScale float64 `yaml:"blind_scale"`

	// QueryScale is B2, the scale the owner applies to the secure query.
	QueryScale float64 `yaml:"query_scale"`

	// QueryNoise adds the positive noise matrix E to the secure query. The
	// reference scheme always adds E; it is off by default here so rankings
	// are exact. E shifts every score by a row-dependent term, so rankings
	// are no longer guaranteed to match plaintext k-NN when it is on.
	QueryNoise bool `yaml:"query_noise"`

	// MaxAttempts bounds invertible-matrix resampling.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultParams returns the constants of the reference deployment.
func DefaultParams() Params {
	return Params{
		Padding:     10,
		Epsilon:     5,
		SampleSpace: 10,
		BlindScale:  10,
		QueryScale:  2,
		MaxAttempts: linalg.DefaultMaxAttempts,
	}
}

// Width returns η for data of dimension dim.
func (p Params) Width(dim int) int {
	return dim + 1 + p.Padding + p.Epsilon
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.Padding < 0 {
		return fmt.Errorf("padding must be non-negative, got %d", p.Padding)
	}
	if p.Epsilon < 0 {
		return fmt.Errorf("epsilon must be non-negative, got %d", p.Epsilon)
	}
	if p.SampleSpace < 2 {
		return fmt.Errorf("sample space must be at least 2, got %d", p.SampleSpace)
	}
	if p.BlindScale <= 0 {
		return fmt.Errorf("blind scale must be positive, got %v", p.BlindScale)
	}
	if p.QueryScale <= 0 {
		return fmt.Errorf("query scale must be positive, got %v", p.QueryScale)
	}
	return nil
}
