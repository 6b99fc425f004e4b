package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by backends for missing keys.
var ErrNotFound = errors.New("state entry not found")

// Backend is the pluggable key-value persistence behind the Store. Values
// are UTF-8 JSON blobs; keys follow the upload_state_{fileId} /
// chunk_state_{fileId}_{index} layout.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Keys lists all stored keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// MemoryBackend is the simple synchronous session store. It lives and dies
// with the process; pair it with the bolt backend when restarts must survive.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryBackend ...
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string][]byte)}
}

// Get ...
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Set ...
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = append([]byte(nil), value...)
	return nil
}

// Remove ...
func (b *MemoryBackend) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// Keys ...
func (b *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close ...
func (b *MemoryBackend) Close() error {
	return nil
}

var stateBucket = []byte("upload_state")

// BoltBackend is the transactional local database adapter, backed by bbolt.
// Every Set is one write transaction, so readers never observe partial
// writes.
type BoltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (or creates) the database file at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create state bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Get ...
func (b *BoltBackend) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(stateBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set ...
func (b *BoltBackend) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(key), value)
	})
}

// Remove ...
func (b *BoltBackend) Remove(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete([]byte(key))
	})
}

// Keys ...
func (b *BoltBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(stateBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close ...
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
