package transform

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/opaque/secureknn/pkg/linalg"
)

// KeyMaterial is the owner's secret state for one encrypted database. It is
// never transmitted.
type KeyMaterial struct {
	// Base is the invertible η×η base matrix.
	Base *mat.Dense

	// Secret is the (D+1)-vector s blended into every row.
	Secret []float64

	// Pad is the C-vector w appended to every row.
	Pad []float64

	// MaxNorm bounds the Euclidean norm of every plaintext row.
	MaxNorm float64

	// Dim is D, the plaintext dimension.
	Dim int
}

// Width returns η.
func (k *KeyMaterial) Width() int {
	r, _ := k.Base.Dims()
	return r
}

// KeySnapshot is the persisted form of KeyMaterial.
type KeySnapshot struct {
	Base    [][]float64
	Secret  []float64
	Pad     []float64
	MaxNorm float64
	Dim     int
}

// Snapshot returns a copy of k suitable for persistence.
func (k *KeyMaterial) Snapshot() *KeySnapshot {
	return &KeySnapshot{
		Base:    linalg.Rows(k.Base),
		Secret:  append([]float64(nil), k.Secret...),
		Pad:     append([]float64(nil), k.Pad...),
		MaxNorm: k.MaxNorm,
		Dim:     k.Dim,
	}
}

// KeysFromSnapshot rebuilds key material from a snapshot.
func KeysFromSnapshot(s *KeySnapshot) (*KeyMaterial, error) {
	base, err := linalg.Dense(s.Base)
	if err != nil {
		return nil, fmt.Errorf("invalid base matrix: %w", err)
	}
	r, c := base.Dims()
	if r != c || len(s.Secret) != s.Dim+1 || s.Dim >= r {
		return nil, fmt.Errorf("inconsistent key snapshot: base %dx%d, secret %d, dim %d", r, c, len(s.Secret), s.Dim)
	}
	return &KeyMaterial{
		Base:    base,
		Secret:  append([]float64(nil), s.Secret...),
		Pad:     append([]float64(nil), s.Pad...),
		MaxNorm: s.MaxNorm,
		Dim:     s.Dim,
	}, nil
}
