// Package chunkcache keeps a bounded LRU of recently produced chunk payloads
// keyed by file identity and chunk index. The cache is a pure optimization:
// a miss, an expired entry or a corrupted entry just means the chunk is
// produced again.
package chunkcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/streamsend-io/uploadcore/compression"
)

// Key identifies one cached chunk.
type Key struct {
	FileKey string
	Index   int
}

// FileKey derives the cache namespace of a file from its name, size and
// last-modified time.
func FileKey(name string, size int64, lastModified time.Time) string {
	return fmt.Sprintf("%s-%d-%d", name, size, lastModified.UnixMilli())
}

type entry struct {
	key        Key
	data       []byte
	compressed bool
	checksum   string
	storedAt   time.Time
}

// Cache is a bounded LRU with TTL expiry and checksum revalidation on read.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	maxAge  time.Duration
	entries map[Key]*list.Element
	order   *list.List
	logger  log.Logger

	hits   int64
	misses int64
}

// New creates a cache holding up to maxSize chunks for at most maxAge each.
func New(maxSize int, maxAge time.Duration, logger log.Logger) *Cache {
	if maxSize <= 0 {
		maxSize = 64
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Cache{
		maxSize: maxSize,
		maxAge:  maxAge,
		entries: make(map[Key]*list.Element),
		order:   list.New(),
		logger:  logger,
	}
}

// Get returns the decompressed payload for the key. Expired entries and
// entries whose stored hash no longer matches are evicted and reported as a
// miss.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)

	if time.Since(e.storedAt) > c.maxAge {
		c.evict(el)
		c.misses++
		return nil, false
	}
	if checksum(e.data) != e.checksum {
		c.logger.Warnf("chunk cache entry %s/%d failed revalidation, evicting", key.FileKey, key.Index)
		c.evict(el)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++

	if !e.compressed {
		return e.data, true
	}
	payload, err := compression.Decompress(e.data)
	if err != nil {
		c.logger.Warnf("chunk cache entry %s/%d failed to decompress, evicting: %s", key.FileKey, key.Index, err)
		c.evict(el)
		return nil, false
	}
	return payload, true
}

// Set stores a payload, compressing it when it clears the compression gate.
// Expired entries are swept first; if the cache is still full, the oldest
// entry goes.
func (c *Cache) Set(key Key, payload []byte) error {
	stored := payload
	compressed := false
	if compression.ShouldCompress(len(payload)) {
		result, err := compression.Compress(payload)
		if err != nil {
			return fmt.Errorf("compress cache entry: %w", err)
		}
		stored = result.Data
		compressed = result.Compressed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepExpired()

	if el, ok := c.entries[key]; ok {
		c.evict(el)
	}
	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.evict(oldest)
	}

	e := &entry{
		key:        key,
		data:       stored,
		compressed: compressed,
		checksum:   checksum(stored),
		storedAt:   time.Now(),
	}
	c.entries[key] = c.order.PushFront(e)
	return nil
}

// InvalidateFile drops every entry of one file.
func (c *Cache) InvalidateFile(fileKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).key.FileKey == fileKey {
			c.evict(el)
		}
		el = next
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HitRate returns hits / (hits + misses), or zero before any lookup.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *Cache) sweepExpired() {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if time.Since(el.Value.(*entry).storedAt) > c.maxAge {
			c.evict(el)
		}
		el = prev
	}
}

func (c *Cache) evict(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.key)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
