// Package owner implements the data owner: it encrypts the dataset for the
// compute provider, re-encrypts blinded queries and decrypts results.
package owner

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opaque/secureknn/pkg/dataset"
	"github.com/opaque/secureknn/pkg/protocol"
	"github.com/opaque/secureknn/pkg/snapshot"
	"github.com/opaque/secureknn/pkg/transform"
)

// Config holds owner configuration.
type Config struct {
	// DatasetPath is the CSV file UploadDatabase reads.
	DatasetPath string

	// KeySnapshotPath is where key material is persisted. Empty disables
	// persistence.
	KeySnapshotPath string
}

// Service is the data owner. Safe for concurrent use.
type Service struct {
	config   Config
	gen      *transform.Generator
	provider protocol.Provider
	log      logrus.FieldLogger
}

var _ protocol.Owner = (*Service)(nil)

// New creates an owner that talks to provider. Key material found at
// cfg.KeySnapshotPath is installed in gen.
func New(cfg Config, gen *transform.Generator, provider protocol.Provider, log logrus.FieldLogger) (*Service, error) {
	if log == nil {
		log = logrus.New()
	}
	s := &Service{
		config:   cfg,
		gen:      gen,
		provider: provider,
		log:      log.WithField("component", "owner"),
	}

	if cfg.KeySnapshotPath != "" {
		var snap transform.KeySnapshot
		err := snapshot.Load(cfg.KeySnapshotPath, &snap)
		switch {
		case errors.Is(err, snapshot.ErrNoSnapshot):
		case err != nil:
			return nil, fmt.Errorf("failed to restore key material: %w", err)
		default:
			keys, err := transform.KeysFromSnapshot(&snap)
			if err != nil {
				return nil, fmt.Errorf("failed to restore key material: %w", err)
			}
			gen.SetKeys(keys)
			s.log.WithField("dim", keys.Dim).Info("Restored key material")
		}
	}
	return s, nil
}

// HasKeys reports whether a database has been encrypted.
func (s *Service) HasKeys() bool {
	return s.gen.Keys() != nil
}

// UploadDatabase encrypts the configured dataset and replaces the provider's
// database with it.
func (s *Service) UploadDatabase(ctx context.Context) error {
	rows, err := dataset.LoadCSV(s.config.DatasetPath)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	return s.UploadRows(ctx, rows)
}

// UploadRows encrypts rows under fresh key material, then clears the provider
// and uploads the ciphertext. Provider failures wrap ErrUpstream. If Clear
// fails the provider still holds the previous database, so the previous key
// material is reinstated. The key snapshot is written only once the upload
// succeeds.
func (s *Service) UploadRows(ctx context.Context, rows [][]int64) error {
	prev := s.gen.Keys()
	enc, keys, err := s.gen.EncryptDatabase(rows)
	if err != nil {
		return err
	}

	if err := s.provider.Clear(ctx); err != nil {
		s.gen.SetKeys(prev)
		return fmt.Errorf("%w: clear: %w", protocol.ErrUpstream, err)
	}
	if err := s.provider.Upload(ctx, enc); err != nil {
		return fmt.Errorf("%w: upload: %w", protocol.ErrUpstream, err)
	}

	if s.config.KeySnapshotPath != "" {
		if err := snapshot.Save(s.config.KeySnapshotPath, keys.Snapshot()); err != nil {
			s.log.WithError(err).Error("Failed to snapshot key material")
		}
	}

	s.log.WithFields(logrus.Fields{
		"rows":  len(enc),
		"dim":   keys.Dim,
		"width": keys.Width(),
	}).Info("Uploaded encrypted database")
	return nil
}

// EncryptQuery returns the secure query matrix for blinded and pushes the
// matching transform to the provider under queryID.
func (s *Service) EncryptQuery(ctx context.Context, queryID string, blinded []float64) ([][]float64, error) {
	secure, mt, err := s.gen.EncryptQuery(blinded)
	if err != nil {
		return nil, err
	}
	if err := s.provider.PushQuery(ctx, queryID, mt); err != nil {
		return nil, fmt.Errorf("%w: push query: %w", protocol.ErrUpstream, err)
	}
	s.log.WithField("query_id", queryID).Debug("Encrypted query")
	return secure, nil
}

// Decrypt recovers plaintext rows.
func (s *Service) Decrypt(ctx context.Context, rows [][]float64) ([][]int64, error) {
	return s.gen.Decrypt(rows)
}
