// Package service implements the compute provider: it stores the encrypted
// database, prepares per-query transformed views and answers k-NN queries
// over them.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opaque/secureknn/internal/store"
	"github.com/opaque/secureknn/pkg/cache"
	"github.com/opaque/secureknn/pkg/linalg"
	"github.com/opaque/secureknn/pkg/protocol"
	"github.com/opaque/secureknn/pkg/snapshot"
)

// ErrClosed is returned by operations on a closed provider.
var ErrClosed = errors.New("provider closed")

// maxReconstructions bounds how often GetTransform rebuilds an entry that
// keeps disappearing under it.
const maxReconstructions = 3

// Config holds provider configuration.
type Config struct {
	// CacheTTL is how long a prepared view stays cached.
	CacheTTL time.Duration

	// MaxConcurrentPreparations bounds background preparations.
	MaxConcurrentPreparations int

	// SnapshotPath is where the encrypted database is persisted. Empty
	// disables snapshots.
	SnapshotPath string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:                  cache.DefaultTTL,
		MaxConcurrentPreparations: 4,
	}
}

// databaseSnapshot is the persisted form of the encrypted database.
type databaseSnapshot struct {
	Rows [][]float64
}

// Stats is a point-in-time view of the provider for health reporting.
type Stats struct {
	Rows            int `json:"rows"`
	CachedQueries   int `json:"cached_queries"`
	RecordedQueries int `json:"recorded_queries"`
}

// Provider is the compute provider. Safe for concurrent use.
type Provider struct {
	config  Config
	log     logrus.FieldLogger
	store   *store.EncryptedStore
	queries store.QueryLog
	cache   *cache.TransformCache

	locks *keyedMutex
	sem   chan struct{}
	wg    sync.WaitGroup

	// epoch orders Upload and Clear (writers) against the record-and-begin
	// sections of PushQuery and reconstruction (readers), so a wipe of the
	// cache and the query log is never interleaved with a new record.
	epoch  sync.RWMutex
	closed bool
}

var _ protocol.Provider = (*Provider)(nil)

// NewProvider creates a provider backed by queries. A nil queries uses an
// in-memory log; a nil logger uses logrus defaults. A database snapshot at
// cfg.SnapshotPath is restored; records already in queries are kept so their
// views can be rebuilt on demand.
func NewProvider(cfg Config, queries store.QueryLog, log logrus.FieldLogger) (*Provider, error) {
	if cfg.MaxConcurrentPreparations <= 0 {
		cfg.MaxConcurrentPreparations = DefaultConfig().MaxConcurrentPreparations
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if queries == nil {
		queries = store.NewMemoryQueryLog()
	}
	if log == nil {
		log = logrus.New()
	}

	p := &Provider{
		config:  cfg,
		log:     log.WithField("component", "provider"),
		store:   store.NewEncryptedStore(),
		queries: queries,
		cache:   cache.NewTransformCache(cache.Config{TTL: cfg.CacheTTL}, log),
		locks:   newKeyedMutex(),
		sem:     make(chan struct{}, cfg.MaxConcurrentPreparations),
	}

	if cfg.SnapshotPath != "" {
		if err := p.restore(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Provider) restore() error {
	var snap databaseSnapshot
	err := snapshot.Load(p.config.SnapshotPath, &snap)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore database: %w", err)
	}
	if err := p.store.Replace(snap.Rows); err != nil {
		return fmt.Errorf("failed to restore database: %w", err)
	}
	p.log.WithField("rows", len(snap.Rows)).Info("Restored encrypted database")
	return nil
}

// persist writes the database snapshot. Callers hold epoch for writing, so
// snapshots land in the same order as the mutations they record.
func (p *Provider) persist() {
	if p.config.SnapshotPath == "" {
		return
	}
	snap := databaseSnapshot{Rows: p.store.Rows()}
	if err := snapshot.Save(p.config.SnapshotPath, snap); err != nil {
		p.log.WithError(err).Error("Failed to snapshot encrypted database")
	}
}

// Clear drops the database, every cached view and every recorded query.
func (p *Provider) Clear(ctx context.Context) error {
	p.epoch.Lock()
	if p.closed {
		p.epoch.Unlock()
		return ErrClosed
	}
	p.store.Clear()
	p.cache.Invalidate()
	err := p.queries.Reset()
	p.persist()
	p.epoch.Unlock()

	if err != nil {
		return fmt.Errorf("failed to reset query log: %w", err)
	}
	p.log.Info("Cleared database")
	return nil
}

// Upload appends rows. A width mismatch leaves every piece of state as it was.
func (p *Provider) Upload(ctx context.Context, rows [][]float64) error {
	if len(rows) == 0 {
		return nil
	}

	p.epoch.Lock()
	if p.closed {
		p.epoch.Unlock()
		return ErrClosed
	}
	if err := p.store.Append(rows); err != nil {
		p.epoch.Unlock()
		return err
	}
	p.cache.Invalidate()
	err := p.queries.Reset()
	p.persist()
	p.epoch.Unlock()

	if err != nil {
		return fmt.Errorf("failed to reset query log: %w", err)
	}
	p.log.WithFields(logrus.Fields{"rows": len(rows), "total": p.store.Len()}).Info("Uploaded rows")
	return nil
}

// Database returns a copy of the encrypted database.
func (p *Provider) Database(ctx context.Context) ([][]float64, error) {
	return p.store.Rows(), nil
}

// PushQuery records mt for queryID and starts preparing its view. Pushing the
// exact pair already recorded does nothing. Preparation completes after
// PushQuery returns; readers block on it through GetTransform.
func (p *Provider) PushQuery(ctx context.Context, queryID string, mt [][]float64) error {
	width, err := linalg.Width(mt)
	if err != nil {
		return fmt.Errorf("invalid transform: %w", err)
	}
	if width != len(mt) {
		return fmt.Errorf("transform is %dx%d, want square: %w", len(mt), width, protocol.ErrDimensionMismatch)
	}

	unlock := p.locks.Lock(queryID)
	defer unlock()

	p.epoch.RLock()
	defer p.epoch.RUnlock()
	if p.closed {
		return ErrClosed
	}

	if dbWidth := p.store.Width(); dbWidth != 0 && dbWidth != width {
		return fmt.Errorf("transform width %d, database width %d: %w", width, dbWidth, protocol.ErrDimensionMismatch)
	}

	rec := store.NewQueryRecord(mt)
	prev, err := p.queries.Get(queryID)
	switch {
	case err == nil && prev.Fingerprint == rec.Fingerprint:
		p.log.WithField("query_id", queryID).Debug("Transform already recorded")
		return nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to read query log: %w", err)
	}

	if err := p.queries.Put(queryID, rec); err != nil {
		return fmt.Errorf("failed to record transform: %w", err)
	}
	nonce := p.cache.Begin(queryID)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		if err := p.prepare(queryID, nonce, rec.Mt); err != nil {
			p.log.WithError(err).WithField("query_id", queryID).Warn("Preparation failed")
		}
	}()

	p.log.WithFields(logrus.Fields{"query_id": queryID, "nonce": nonce}).Debug("Accepted transform")
	return nil
}

// prepare computes rows·Mt⁻¹ and commits it under nonce. The store read lock
// is held from reading the rows until the commit, so Upload and Clear cannot
// slip in between.
func (p *Provider) prepare(queryID string, nonce uint64, mt [][]float64) error {
	m, err := linalg.Dense(mt)
	if err == nil {
		m, err = linalg.Invert(m)
	}
	if err != nil {
		p.cache.Abort(queryID, nonce)
		return err
	}

	start := time.Now()
	err = p.store.View(func(rows [][]float64, generation uint64) error {
		t := cache.Transform{Rows: [][]float64{}, Generation: generation}
		if len(rows) > 0 {
			transformed, err := linalg.MulRows(rows, m)
			if err != nil {
				return err
			}
			t.Rows = transformed
		}
		if !p.cache.Commit(queryID, nonce, t) {
			p.log.WithFields(logrus.Fields{"query_id": queryID, "nonce": nonce}).Debug("Stale preparation discarded")
		}
		return nil
	})
	if err != nil {
		p.cache.Abort(queryID, nonce)
		return err
	}

	p.log.WithFields(logrus.Fields{
		"query_id": queryID,
		"nonce":    nonce,
		"elapsed":  time.Since(start),
	}).Debug("Prepared transform")
	return nil
}

// GetTransform returns the prepared view for queryID, blocking while it is
// being prepared. An entry missing from the cache but present in the query
// log is rebuilt synchronously.
func (p *Provider) GetTransform(ctx context.Context, queryID string) (cache.Transform, error) {
	for i := 0; i < maxReconstructions; i++ {
		t, found, err := p.cache.Wait(ctx, queryID)
		if err != nil {
			return cache.Transform{}, err
		}
		if found {
			return t, nil
		}
		if err := p.reconstruct(queryID); err != nil {
			return cache.Transform{}, err
		}
	}
	return cache.Transform{}, fmt.Errorf("query %q: %w", queryID, protocol.ErrUnknownQueryID)
}

// reconstruct rebuilds queryID's view from the query log unless someone else
// already began one.
func (p *Provider) reconstruct(queryID string) error {
	unlock := p.locks.Lock(queryID)
	p.epoch.RLock()

	if p.closed {
		p.epoch.RUnlock()
		unlock()
		return ErrClosed
	}
	if p.cache.State(queryID) != cache.Absent {
		p.epoch.RUnlock()
		unlock()
		return nil
	}

	rec, err := p.queries.Get(queryID)
	if err != nil {
		p.epoch.RUnlock()
		unlock()
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("query %q: %w", queryID, protocol.ErrUnknownQueryID)
		}
		return fmt.Errorf("failed to read query log: %w", err)
	}
	nonce := p.cache.Begin(queryID)
	p.epoch.RUnlock()
	unlock()

	p.log.WithField("query_id", queryID).Info("Rebuilding transform from query log")
	return p.prepare(queryID, nonce, rec.Mt)
}

// TransformDef returns the Mt recorded for queryID.
func (p *Provider) TransformDef(ctx context.Context, queryID string) ([][]float64, error) {
	rec, err := p.queries.Get(queryID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("query %q: %w", queryID, protocol.ErrUnknownQueryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read query log: %w", err)
	}
	return rec.Mt, nil
}

// ComputeKnn returns the k original ciphertext rows whose transformed rows
// score lowest against query, ordered by (score, row index).
func (p *Provider) ComputeKnn(ctx context.Context, queryID string, query []float64, k int) ([][]float64, error) {
	if n := p.store.Len(); k <= 0 || k > n {
		return nil, fmt.Errorf("k=%d with %d rows: %w", k, n, protocol.ErrRange)
	}

	t, err := p.GetTransform(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if len(t.Rows) == 0 || len(t.Rows[0]) != len(query) {
		return nil, fmt.Errorf("query has %d coordinates, transformed rows have %d: %w",
			len(query), rowWidth(t.Rows), protocol.ErrDimensionMismatch)
	}

	var out [][]float64
	err = p.store.View(func(rows [][]float64, generation uint64) error {
		if generation != t.Generation {
			return fmt.Errorf("query %q was invalidated: %w", queryID, protocol.ErrUnknownQueryID)
		}
		if k > len(rows) {
			return fmt.Errorf("k=%d with %d rows: %w", k, len(rows), protocol.ErrRange)
		}
		idx := nearest(t.Rows, query, k)
		out = make([][]float64, len(idx))
		for i, j := range idx {
			out[i] = append([]float64(nil), rows[j]...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func rowWidth(rows [][]float64) int {
	if len(rows) == 0 {
		return 0
	}
	return len(rows[0])
}

// Stats reports current sizes.
func (p *Provider) Stats() Stats {
	recorded, err := p.queries.Len()
	if err != nil {
		p.log.WithError(err).Warn("Failed to count recorded queries")
	}
	return Stats{
		Rows:            p.store.Len(),
		CachedQueries:   p.cache.Len(),
		RecordedQueries: recorded,
	}
}

// Close stops accepting work, waits for running preparations and drops the
// cache. The query log is left to its owner.
func (p *Provider) Close() error {
	p.epoch.Lock()
	if p.closed {
		p.epoch.Unlock()
		return nil
	}
	p.closed = true
	p.epoch.Unlock()

	p.wg.Wait()
	p.cache.Close()
	return nil
}
