package memimage

import (
	"sync"

	"github.com/zeebo/blake3"
)

type cacheKey [32]byte

// Cache shares sources between modules with identical memory contents. A source leaves the cache when
// its last reference is released.
type Cache struct {
	mux     sync.Mutex
	sources map[cacheKey]*Source
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{sources: map[cacheKey]*Source{}}
}

// Get returns a source of data with a new reference, which the caller releases.
func (c *Cache) Get(data []byte) (*Source, error) {
	key := cacheKey(blake3.Sum256(data))

	c.mux.Lock()
	defer c.mux.Unlock()

	if s, ok := c.sources[key]; ok && s.tryAcquire() {
		return s, nil
	}
	s, err := FromBytes(data)
	if err != nil {
		return nil, err
	}
	s.cache, s.key = c, key
	c.sources[key] = s
	return s, nil
}

// Len returns the count of sources in the cache.
func (c *Cache) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.sources)
}

func (c *Cache) remove(s *Source) {
	c.mux.Lock()
	defer c.mux.Unlock()
	// A source with the same content may have replaced s already.
	if c.sources[s.key] == s {
		delete(c.sources, s.key)
	}
}
