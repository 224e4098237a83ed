// Package cache holds the compute provider's per-query transformed views of
// the encrypted database.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTTL is how long a Ready entry stays servable after it is committed.
const DefaultTTL = 60 * time.Second

// State is the lifecycle state of a cache entry.
type State int

const (
	Absent State = iota
	Pending
	Ready
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return "absent"
	}
}

// Transform is a prepared view: every database row right-multiplied by Mt⁻¹.
type Transform struct {
	Rows [][]float64

	// Generation is the store generation Rows was computed from.
	Generation uint64
}

// Config contains configuration for the cache.
type Config struct {
	// TTL is the eviction delay of Ready entries.
	// Default: 60s
	TTL time.Duration
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL}
}

type entry struct {
	nonce uint64
	state State
	value Transform

	// ready is closed exactly once: on commit, abort, supersession or
	// invalidation.
	ready chan struct{}

	timer     *time.Timer
	expiresAt time.Time
}

// release wakes waiters of a Pending entry and stops the eviction timer of a
// Ready one.
func (e *entry) release() {
	if e.state == Pending {
		close(e.ready)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
}

// TransformCache maps query ids to transformed views. Every Begin issues a new
// nonce; only the preparation holding the entry's current nonce may commit.
// Safe for concurrent use.
type TransformCache struct {
	ttl time.Duration
	now func() time.Time
	log logrus.FieldLogger

	mu        sync.Mutex
	entries   map[string]*entry
	lastNonce uint64
	closed    bool
}

// NewTransformCache creates an empty cache. A nil logger discards output.
func NewTransformCache(cfg Config, log logrus.FieldLogger) *TransformCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &TransformCache{
		ttl:     cfg.TTL,
		now:     time.Now,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Begin replaces any entry for id with a fresh Pending one and returns its
// nonce. Waiters on the replaced entry wake up and wait on the new one.
// After Close it installs nothing and returns 0, a nonce no entry carries.
func (c *TransformCache) Begin(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}
	if old, ok := c.entries[id]; ok {
		old.release()
	}
	c.lastNonce++
	c.entries[id] = &entry{
		nonce: c.lastNonce,
		state: Pending,
		ready: make(chan struct{}),
	}
	return c.lastNonce
}

// Commit stores t for id if nonce is still the entry's current nonce and
// reports whether it did. A stale commit changes nothing.
func (c *TransformCache) Commit(id string, nonce uint64, t Transform) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if c.closed || !ok || e.nonce != nonce || e.state != Pending {
		c.log.WithFields(logrus.Fields{"query_id": id, "nonce": nonce}).Debug("Discarding stale preparation")
		return false
	}

	e.state = Ready
	e.value = t
	e.expiresAt = c.now().Add(c.ttl)
	e.timer = time.AfterFunc(c.ttl, func() { c.expire(id, nonce) })
	close(e.ready)
	return true
}

// Abort drops the Pending entry for id if nonce is current, waking its waiters
// with a miss.
func (c *TransformCache) Abort(id string, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok && e.nonce == nonce && e.state == Pending {
		e.release()
		delete(c.entries, id)
	}
}

// Wait returns the Ready transform for id, blocking while the entry is
// Pending. found is false when there is no live entry. Cancelling ctx abandons
// the wait only; the preparation keeps running.
func (c *TransformCache) Wait(ctx context.Context, id string) (t Transform, found bool, err error) {
	for {
		c.mu.Lock()
		e := c.live(id)
		if e == nil {
			c.mu.Unlock()
			return Transform{}, false, nil
		}
		if e.state == Ready {
			t = e.value
			c.mu.Unlock()
			return t, true, nil
		}
		ready := e.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return Transform{}, false, ctx.Err()
		}
	}
}

// State returns the state of id's entry.
func (c *TransformCache) State(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.live(id); e != nil {
		return e.state
	}
	return Absent
}

// Remove drops id's entry.
func (c *TransformCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.release()
		delete(c.entries, id)
	}
}

// Invalidate drops every entry. In-flight preparations fail their commit.
func (c *TransformCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

// Len returns the number of live entries.
func (c *TransformCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id := range c.entries {
		if c.live(id) != nil {
			n++
		}
	}
	return n
}

// Close drops every entry and stops all timers. Later commits are discarded.
func (c *TransformCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
	c.closed = true
}

func (c *TransformCache) invalidateLocked() {
	for _, e := range c.entries {
		e.release()
	}
	c.entries = make(map[string]*entry)
}

// live returns id's entry unless it has expired. Must hold c.mu.
func (c *TransformCache) live(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if e.state == Ready && !c.now().Before(e.expiresAt) {
		e.release()
		delete(c.entries, id)
		return nil
	}
	return e
}

func (c *TransformCache) expire(id string, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && e.nonce == nonce {
		delete(c.entries, id)
		c.log.WithField("query_id", id).Debug("Evicted transform")
	}
}
