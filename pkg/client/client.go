// Package client is the query user's side of the secure k-NN protocol.
package client

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/opaque/secureknn/pkg/linalg"
	"github.com/opaque/secureknn/pkg/protocol"
	"github.com/opaque/secureknn/pkg/transform"
)

// Client runs k-NN queries against an owner and a compute provider. Safe for
// concurrent use as long as concurrent queries use distinct query ids.
type Client struct {
	params   transform.Params
	owner    protocol.Owner
	provider protocol.Provider
	sampler  *linalg.Sampler
}

// New creates a client. params must match the owner's. A nil seed makes the
// blinding diagonal unpredictable.
func New(params transform.Params, owner protocol.Owner, provider protocol.Provider, seed []byte) (*Client, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	sampler, err := linalg.NewSampler(seed, "user")
	if err != nil {
		return nil, err
	}
	return &Client{params: params, owner: owner, provider: provider, sampler: sampler}, nil
}

// BlindQuery hides query from the owner: blinded_i = B1·query_i·diag_i with
// diag_i uniform in [1, S). Keep diag to unblind the secure query.
func (c *Client) BlindQuery(query []float64) (blinded, diag []float64) {
	diag = c.sampler.Vector(len(query), 1, c.params.SampleSpace)
	blinded = make([]float64, len(query))
	for i, q := range query {
		blinded[i] = c.params.BlindScale * q * diag[i]
	}
	return blinded, diag
}

// UnblindSecureQuery removes the blinding diagonal from the owner's secure
// query matrix and collapses it to the vector the provider scores rows with.
// diag is extended with ones to the matrix width.
func UnblindSecureQuery(secure [][]float64, diag []float64) ([]float64, error) {
	m, err := linalg.Dense(secure)
	if err != nil {
		return nil, fmt.Errorf("invalid secure query: %w", err)
	}
	r, c := m.Dims()
	if r != c || len(diag) > c {
		return nil, fmt.Errorf("secure query is %dx%d with %d blinded coordinates: %w", r, c, len(diag), protocol.ErrDimensionMismatch)
	}

	inv := make([]float64, c)
	for i := range inv {
		inv[i] = 1
		if i < len(diag) {
			if diag[i] == 0 {
				return nil, fmt.Errorf("blinding coordinate %d is zero: %w", i, protocol.ErrSingularMatrix)
			}
			inv[i] = 1 / diag[i]
		}
	}

	var unblinded mat.Dense
	unblinded.Mul(m, mat.NewDiagDense(c, inv))

	out := make([]float64, r)
	for i := range out {
		out[i] = floats.Sum(unblinded.RawRowView(i))
	}
	return out, nil
}

// KNN returns the k rows of the owner's dataset nearest to query. queryID
// names this protocol run at the owner and the provider.
func (c *Client) KNN(ctx context.Context, query []int64, k int, queryID string) ([][]int64, error) {
	blinded, diag := c.BlindQuery(linalg.Float(query))

	secure, err := c.owner.EncryptQuery(ctx, queryID, blinded)
	if err != nil {
		return nil, fmt.Errorf("encrypt query: %w", err)
	}

	collapsed, err := UnblindSecureQuery(secure, diag)
	if err != nil {
		return nil, err
	}

	rows, err := c.provider.ComputeKnn(ctx, queryID, collapsed, k)
	if err != nil {
		return nil, fmt.Errorf("compute knn: %w", err)
	}

	plain, err := c.owner.Decrypt(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
