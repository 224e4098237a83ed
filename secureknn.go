// Package secureknn answers k-nearest-neighbour queries over a database the
// storing party cannot read.
//
// Three parties take part. The data owner encrypts its integer rows once with
// a secret linear transform and uploads them to the compute provider. For each
// query the owner hands the query user a secure query and pushes a per-query
// transform Mt to the provider. The provider ranks the re-based ciphertext
// rows by their dot product with the user's collapsed query, an increasing
// function of the plaintext squared distance, and returns the k best rows for
// the owner to decrypt.
//
// # Quick Start
//
//	l, err := secureknn.NewLocal(secureknn.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Close()
//
//	if err := l.Load(ctx, rows); err != nil {
//	    log.Fatal(err)
//	}
//	neighbours, err := l.Search(ctx, query, 5)
//
// [Local] runs all three parties in one process. The binaries under cmd/ run
// the provider and the owner as separate REST and gRPC services.
package secureknn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opaque/secureknn/internal/owner"
	"github.com/opaque/secureknn/internal/service"
	"github.com/opaque/secureknn/pkg/client"
	"github.com/opaque/secureknn/pkg/transform"
)

// Config controls a [Local] deployment. The zero value is usable.
type Config struct {
	// Scheme holds the public constants shared by the owner and the user.
	// Default: [transform.DefaultParams].
	Scheme transform.Params

	// Provider configures the compute provider's cache and preparations.
	Provider service.Config

	// Seed makes key generation and query blinding reproducible. Empty draws
	// fresh randomness.
	Seed []byte

	// Log receives every party's logs. Default: logrus.New().
	Log logrus.FieldLogger
}

// Searcher runs one protocol round. [client.Client] implements it.
type Searcher interface {
	KNN(ctx context.Context, query []int64, k int, queryID string) ([][]int64, error)
}

// Local is an in-process deployment of the owner, the provider and a query
// user. Safe for concurrent use.
type Local struct {
	Provider *service.Provider
	Owner    *owner.Service
	Client   *client.Client
}

// NewLocal wires the three parties together.
func NewLocal(cfg Config) (*Local, error) {
	if cfg.Scheme == (transform.Params{}) {
		cfg.Scheme = transform.DefaultParams()
	}
	if err := cfg.Scheme.Validate(); err != nil {
		return nil, fmt.Errorf("secureknn: %w", err)
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}

	provider, err := service.NewProvider(cfg.Provider, nil, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("secureknn: %w", err)
	}

	gen, err := transform.NewGenerator(cfg.Scheme, cfg.Seed)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("secureknn: %w", err)
	}
	own, err := owner.New(owner.Config{}, gen, provider, cfg.Log)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("secureknn: %w", err)
	}

	user, err := client.New(cfg.Scheme, own, provider, cfg.Seed)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("secureknn: %w", err)
	}

	return &Local{Provider: provider, Owner: own, Client: user}, nil
}

// Load encrypts rows and replaces the provider's database with them. Every
// previously pushed query is forgotten.
func (l *Local) Load(ctx context.Context, rows [][]int64) error {
	return l.Owner.UploadRows(ctx, rows)
}

// Search returns the k rows nearest to query under a fresh query id.
func (l *Local) Search(ctx context.Context, query []int64, k int) ([][]int64, error) {
	id, err := NewQueryID()
	if err != nil {
		return nil, err
	}
	return l.Client.KNN(ctx, query, k, id)
}

// Close stops the provider.
func (l *Local) Close() error {
	return l.Provider.Close()
}

// NewQueryID returns a random query id.
func NewQueryID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("secureknn: failed to generate query id: %w", err)
	}
	return "q-" + hex.EncodeToString(b), nil
}
