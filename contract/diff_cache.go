package contract

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DiffCache memoizes diffs between immutable revisions.
type DiffCache struct {
	cache *lru.Cache
}

func NewDiffCache(size int) (*DiffCache, error) {
	if size <= 0 {
		size = 128
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("contract: new diff cache: %w", err)
	}
	return &DiffCache{cache: c}, nil
}

// Between returns the diff of two revisions, computing it at most once per
// pair. A nil cache computes every time.
func (c *DiffCache) Between(from, to Revision) Diff {
	if c == nil {
		return Compare(from.Body, to.Body)
	}
	key := from.ID + "->" + to.ID
	if v, ok := c.cache.Get(key); ok {
		return v.(Diff)
	}
	d := Compare(from.Body, to.Body)
	c.cache.Add(key, d)
	return d
}

// Len reports the number of cached diffs.
func (c *DiffCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
