// Package collisions tracks stream names whose hashes collide.
//
// A stream is addressed by its 64-bit hash until a second name with the same
// hash is observed. From then on both names, and every later name with that
// hash, are in the collision set and must be addressed by name. The set only
// grows.
package collisions

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/rzbill/scavenger/internal/hashing"
	"github.com/rzbill/scavenger/internal/metrics"
)

// Store persists the hash -> first-seen name map and the collision set.
// Writes are expected to join the caller's open transaction.
type Store interface {
	GetHashName(hash uint64) (string, bool, error)
	PutHashName(hash uint64, name string) error
	IsCollision(name string) (bool, error)
	AddCollision(name string) error
	Collisions() ([]string, error)
}

// Tracker detects collisions. It is not safe for concurrent use; the
// compaction pipeline is its only caller.
type Tracker struct {
	store   Store
	hasher  hashing.Hasher
	cache   *LRU
	metrics *metrics.Registry

	// hashes with more than one name, derived from the persisted collision set
	collidingHashes map[uint64]struct{}
	names           int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMetrics reports cache and collision counts to m.
func WithMetrics(m *metrics.Registry) Option { return func(t *Tracker) { t.metrics = m } }

// New builds a Tracker and loads the colliding hashes from store.
func New(store Store, hasher hashing.Hasher, cacheCapacity int, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		store:  store,
		hasher: hasher,
		cache:  NewLRU(cacheCapacity),
	}
	for _, o := range opts {
		o(t)
	}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload clears the cache and rebuilds the colliding hash set from the store.
// Called after a transaction rollback so no uncommitted name survives.
func (t *Tracker) Reload() error {
	t.cache.Clear()
	names, err := t.store.Collisions()
	if err != nil {
		return errors.Wrap(err, "load collisions")
	}
	t.collidingHashes = make(map[uint64]struct{}, len(names))
	for _, n := range names {
		t.collidingHashes[t.hasher.Hash(n)] = struct{}{}
	}
	t.names = len(names)
	t.metrics.SetCollidingNames(t.names)
	return nil
}

// Hash returns the stream hash of name.
func (t *Tracker) Hash(name string) uint64 { return t.hasher.Hash(name) }

// DetectCollisions records name and returns the names that became colliding
// because of it, sorted. Re-observing a known name returns nothing.
func (t *Tracker) DetectCollisions(name string) ([]string, error) {
	hash := t.hasher.Hash(name)

	if _, ok := t.collidingHashes[hash]; ok {
		known, err := t.store.IsCollision(name)
		if err != nil {
			return nil, errors.Wrapf(err, "check collision %q", name)
		}
		if known {
			return nil, nil
		}
		if err := t.store.AddCollision(name); err != nil {
			return nil, errors.Wrapf(err, "add collision %q", name)
		}
		t.bump(1)
		return []string{name}, nil
	}

	candidate, ok, err := t.lookup(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := t.store.PutHashName(hash, name); err != nil {
			return nil, errors.Wrapf(err, "record hash of %q", name)
		}
		t.cache.Put(hash, name)
		return nil, nil
	}
	if candidate == name {
		return nil, nil
	}

	for _, n := range []string{candidate, name} {
		if err := t.store.AddCollision(n); err != nil {
			return nil, errors.Wrapf(err, "add collision %q", n)
		}
	}
	t.collidingHashes[hash] = struct{}{}
	t.bump(2)
	out := []string{candidate, name}
	sort.Strings(out)
	return out, nil
}

// IsCollision reports whether name is in the collision set.
func (t *Tracker) IsCollision(name string) (bool, error) {
	if _, ok := t.collidingHashes[t.hasher.Hash(name)]; !ok {
		return false, nil
	}
	return t.store.IsCollision(name)
}

// IsCollisionHash reports whether more than one known name shares hash.
func (t *Tracker) IsCollisionHash(hash uint64) bool {
	_, ok := t.collidingHashes[hash]
	return ok
}

// CandidateName returns the first name recorded for hash, if any.
func (t *Tracker) CandidateName(hash uint64) (string, bool, error) {
	return t.lookup(hash)
}

// Collisions returns a snapshot of the collision set.
func (t *Tracker) Collisions() ([]string, error) {
	names, err := t.store.Collisions()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// CacheStats exposes hash cache hit/miss counts.
func (t *Tracker) CacheStats() (hits, misses int64) { return t.cache.Stats() }

func (t *Tracker) lookup(hash uint64) (string, bool, error) {
	if name, ok := t.cache.Get(hash); ok {
		t.metrics.RecordHashCacheLookup(true)
		return name, true, nil
	}
	t.metrics.RecordHashCacheLookup(false)
	name, ok, err := t.store.GetHashName(hash)
	if err != nil {
		return "", false, errors.Wrapf(err, "lookup hash %016x", hash)
	}
	if ok {
		t.cache.Put(hash, name)
	}
	return name, ok, nil
}

func (t *Tracker) bump(n int) {
	t.names += n
	t.metrics.SetCollidingNames(t.names)
}
