package remote

import (
	"strings"
	"sync"
	"time"
)

type cachedLabels struct {
	names    []string
	cachedAt time.Time
}

// labelCache keeps each repository's label names for ttl. A zero ttl
// disables caching.
type labelCache struct {
	store sync.Map // map[lower(repo)]*cachedLabels
	ttl   time.Duration
	now   func() time.Time
}

func newLabelCache(ttl time.Duration) *labelCache {
	return &labelCache{ttl: ttl, now: time.Now}
}

func (c *labelCache) Get(repo string) ([]string, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	val, ok := c.store.Load(strings.ToLower(repo))
	if !ok {
		return nil, false
	}

	entry := val.(*cachedLabels)
	if c.now().Sub(entry.cachedAt) > c.ttl {
		c.store.Delete(strings.ToLower(repo))
		return nil, false
	}

	return append([]string(nil), entry.names...), true
}

func (c *labelCache) Set(repo string, names []string) {
	if c.ttl <= 0 {
		return
	}
	c.store.Store(strings.ToLower(repo), &cachedLabels{
		names:    append([]string(nil), names...),
		cachedAt: c.now(),
	})
}

// Add records a label created after the list was cached.
func (c *labelCache) Add(repo, name string) {
	names, ok := c.Get(repo)
	if !ok {
		return
	}
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return
		}
	}
	// the entry can expire or be dropped between Get and here
	val, ok := c.store.Load(strings.ToLower(repo))
	if !ok {
		return
	}
	entry, ok := val.(*cachedLabels)
	if !ok {
		return
	}
	c.store.Store(strings.ToLower(repo), &cachedLabels{names: append(names, name), cachedAt: entry.cachedAt})
}
