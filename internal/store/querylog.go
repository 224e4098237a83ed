package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/zeebo/blake3"

	"github.com/opaque/secureknn/pkg/linalg"
)

var ErrNotFound = errors.New("query id not found")

// Fingerprint identifies a transform matrix by content.
type Fingerprint [32]byte

// FingerprintOf hashes the shape and the exact float64 bits of mt.
func FingerprintOf(mt [][]float64) Fingerprint {
	h := blake3.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(mt)))
	h.Write(buf[:])
	for _, row := range mt {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(row)))
		h.Write(buf[:])
		for _, v := range row {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// QueryRecord is an accepted (query id, Mt) pair.
type QueryRecord struct {
	Mt          [][]float64
	Fingerprint Fingerprint
}

// NewQueryRecord builds a record for mt.
func NewQueryRecord(mt [][]float64) QueryRecord {
	return QueryRecord{Mt: linalg.CloneRows(mt), Fingerprint: FingerprintOf(mt)}
}

// QueryLog is the durable query id → Mt table. It outlives the transform
// cache so that evicted entries can be rebuilt.
type QueryLog interface {
	// Get returns the record for id, or ErrNotFound.
	Get(id string) (QueryRecord, error)

	// Put records rec for id, replacing any previous record.
	Put(id string, rec QueryRecord) error

	// Reset drops every record.
	Reset() error

	// Len returns the number of records.
	Len() (int, error)

	// Close releases the log.
	Close() error
}

// MemoryQueryLog is an in-memory QueryLog for tests and ephemeral providers.
type MemoryQueryLog struct {
	records map[string]QueryRecord
	mu      sync.RWMutex
}

// NewMemoryQueryLog creates an empty in-memory log.
func NewMemoryQueryLog() *MemoryQueryLog {
	return &MemoryQueryLog{records: make(map[string]QueryRecord)}
}

// Get returns the record for id.
func (l *MemoryQueryLog) Get(id string) (QueryRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return QueryRecord{}, ErrNotFound
	}
	return rec, nil
}

// Put records rec for id.
func (l *MemoryQueryLog) Put(id string, rec QueryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[id] = rec
	return nil
}

// Reset drops every record.
func (l *MemoryQueryLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]QueryRecord)
	return nil
}

// Len returns the number of records.
func (l *MemoryQueryLog) Len() (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records), nil
}

// Close is a no-op.
func (l *MemoryQueryLog) Close() error {
	return nil
}

// queryKeyPrefix namespaces query records inside the badger keyspace.
var queryKeyPrefix = []byte("query/")

// BadgerQueryLog is a QueryLog persisted in a badger database.
type BadgerQueryLog struct {
	db *badger.DB
}

// BadgerConfig configures OpenBadgerQueryLog.
type BadgerConfig struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps the database in memory only.
	InMemory bool

	// SyncWrites fsyncs every Put.
	SyncWrites bool
}

// OpenBadgerQueryLog opens (or creates) a badger-backed log.
func OpenBadgerQueryLog(cfg BadgerConfig) (*BadgerQueryLog, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open query log: %w", err)
	}
	return &BadgerQueryLog{db: db}, nil
}

func queryKey(id string) []byte {
	return append(append([]byte(nil), queryKeyPrefix...), id...)
}

// Get returns the record for id.
func (l *BadgerQueryLog) Get(id string) (QueryRecord, error) {
	var rec QueryRecord
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(queryKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
		})
	})
	if err != nil {
		return QueryRecord{}, err
	}
	return rec, nil
}

// Put records rec for id.
func (l *BadgerQueryLog) Put(id string, rec QueryRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("failed to encode query record: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queryKey(id), buf.Bytes())
	})
}

// Reset drops every record.
func (l *BadgerQueryLog) Reset() error {
	return l.db.DropPrefix(queryKeyPrefix)
}

// Len returns the number of records.
func (l *BadgerQueryLog) Len() (int, error) {
	n := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = queryKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the database.
func (l *BadgerQueryLog) Close() error {
	return l.db.Close()
}
