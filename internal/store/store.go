// Package store provides the compute provider's encrypted database and its
// durable table of accepted query transforms.
package store

import (
	"fmt"
	"sync"

	"github.com/opaque/secureknn/pkg/linalg"
	"github.com/opaque/secureknn/pkg/protocol"
)

// EncryptedStore holds the encrypted database. Every mutation bumps a
// generation counter so derived views can tell whether they are current.
//
// The lock is exported through View: preparations and k-NN evaluation read
// rows under it, Append and Clear take it exclusively.
type EncryptedStore struct {
	mu         sync.RWMutex
	rows       [][]float64
	generation uint64
}

// NewEncryptedStore creates an empty store.
func NewEncryptedStore() *EncryptedStore {
	return &EncryptedStore{}
}

// Append adds rows. The rows must share one width, equal to the width of the
// stored rows when any exist; otherwise nothing changes.
func (s *EncryptedStore) Append(rows [][]float64) error {
	if len(rows) == 0 {
		return nil
	}
	width, err := linalg.Width(rows)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rows) > 0 && len(s.rows[0]) != width {
		return fmt.Errorf("rows have width %d, database has %d: %w", width, len(s.rows[0]), protocol.ErrDimensionMismatch)
	}
	s.rows = append(s.rows, linalg.CloneRows(rows)...)
	s.generation++
	return nil
}

// Replace swaps the whole database for rows, e.g. when restoring a snapshot.
func (s *EncryptedStore) Replace(rows [][]float64) error {
	if len(rows) > 0 {
		if _, err := linalg.Width(rows); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = linalg.CloneRows(rows)
	s.generation++
	return nil
}

// Clear drops every row.
func (s *EncryptedStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	s.generation++
}

// Rows returns a copy of the database.
func (s *EncryptedStore) Rows() [][]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := linalg.CloneRows(s.rows)
	if out == nil {
		out = [][]float64{}
	}
	return out
}

// Len returns the number of rows.
func (s *EncryptedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Width returns the row width, or 0 for an empty database.
func (s *EncryptedStore) Width() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.rows) == 0 {
		return 0
	}
	return len(s.rows[0])
}

// Generation returns the current generation.
func (s *EncryptedStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// View runs fn with the rows and generation under the read lock. fn must not
// retain or modify rows, and must not block on anything a writer could be
// waiting for.
func (s *EncryptedStore) View(fn func(rows [][]float64, generation uint64) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.rows, s.generation)
}
