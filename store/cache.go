package store

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// A sizecache remembers the sizes of remote objects. A size of 0 means
// unknown and is never cached; sizeDeleted marks a known missing key.
// Misses expire sooner than hits.
type sizecache struct {
	clock clock.Clock

	m       sync.Mutex
	entries map[string]sizeEntry
	sweep   time.Time
}

type sizeEntry struct {
	size   int64
	expire time.Time
}

const (
	sizeDeleted int64 = -1

	missTTL = 5 * time.Minute
	hitTTL  = 24 * time.Hour
)

func newSizeCache() *sizecache {
	return &sizecache{
		clock:   clock.New(),
		entries: make(map[string]sizeEntry),
	}
}

// Get returns the size of key, calling fill when it is not known. It
// returns ErrNotExist for a key known to be missing.
func (c *sizecache) Get(key string, fill func(key string) (int64, error)) (int64, error) {
	now := c.clock.Now()
	c.m.Lock()
	if now.After(c.sweep) {
		for k, e := range c.entries {
			if now.After(e.expire) {
				delete(c.entries, k)
			}
		}
		c.sweep = now.Add(time.Hour)
	}
	e, ok := c.entries[key]
	c.m.Unlock()
	if ok && now.Before(e.expire) {
		if e.size < 0 {
			return 0, ErrNotExist
		}
		return e.size, nil
	}
	size, err := fill(key)
	c.Set(key, size)
	return size, err
}

// Set records the size of key. Zero forgets it.
func (c *sizecache) Set(key string, size int64) {
	c.m.Lock()
	defer c.m.Unlock()
	switch {
	case size == 0:
		delete(c.entries, key)
	case size < 0:
		c.entries[key] = sizeEntry{size: size, expire: c.clock.Now().Add(missTTL)}
	default:
		c.entries[key] = sizeEntry{size: size, expire: c.clock.Now().Add(hitTTL)}
	}
}
