// Package cache persists assembled dumps in a Pebble database keyed by content hash.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/luxfi/ids"

	"github.com/luxfi/storagedump"
)

var keyPrefix = []byte("storagedump/v1/")

// ErrClosed is returned after Close
var ErrClosed = errors.New("cache closed")

// Pebble implements storagedump.Cache on a Pebble database
type Pebble struct {
	mu sync.RWMutex
	db *pebble.DB
}

// Open opens or creates a cache at path
func Open(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble cache: %w", err)
	}
	return &Pebble{db: db}, nil
}

// OpenInMemory opens a cache backed by an in-memory filesystem
func OpenInMemory() (*Pebble, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory cache: %w", err)
	}
	return &Pebble{db: db}, nil
}

func dbKey(key ids.ID) []byte {
	out := make([]byte, 0, len(keyPrefix)+len(key))
	out = append(out, keyPrefix...)
	return append(out, key[:]...)
}

// Get returns the value stored under key, or storagedump.ErrCacheMiss
func (p *Pebble) Get(key ids.ID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return nil, ErrClosed
	}

	val, closer, err := p.db.Get(dbKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, storagedump.ErrCacheMiss
		}
		return nil, err
	}
	defer closer.Close()

	// val is only valid until closer.Close()
	result := make([]byte, len(val))
	copy(result, val)
	return result, nil
}

// Put stores value under key
func (p *Pebble) Put(key ids.ID, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return ErrClosed
	}
	return p.db.Set(dbKey(key), value, pebble.Sync)
}

// Iterate calls fn for every cached entry in key order. value is only valid
// for the duration of the call.
func (p *Pebble) Iterate(fn func(key ids.ID, value []byte) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return ErrClosed
	}

	upper := append([]byte(nil), keyPrefix...)
	upper[len(upper)-1]++
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		raw := iter.Key()[len(keyPrefix):]
		if len(raw) != len(ids.ID{}) {
			continue
		}
		var key ids.ID
		copy(key[:], raw)
		if err := fn(key, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Delete removes key. Deleting a missing key is not an error.
func (p *Pebble) Delete(key ids.ID) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return ErrClosed
	}
	return p.db.Delete(dbKey(key), pebble.Sync)
}

// Close closes the database
func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

var _ storagedump.Cache = (*Pebble)(nil)
