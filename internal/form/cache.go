package form

import (
	"fmt"

	"github.com/ci-outcome-console/internal/catalog"
	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheKey struct {
	version uint64
	locale  string
}

// Cache keeps recently rendered layouts so sessions on the same catalog
// version share one Layout.
type Cache struct {
	layouts *lru.Cache[cacheKey, Layout]
}

// NewCache creates a layout cache holding up to size layouts
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 64
	}
	layouts, err := lru.New[cacheKey, Layout](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create layout cache: %w", err)
	}
	return &Cache{layouts: layouts}, nil
}

// Layout returns the layout for snap, rendering it on a miss
func (c *Cache) Layout(snap catalog.Snapshot) Layout {
	key := cacheKey{version: snap.Version, locale: snap.Locale}
	if layout, ok := c.layouts.Get(key); ok {
		return layout
	}
	layout := Render(snap)
	c.layouts.Add(key, layout)
	return layout
}

// Len returns the number of cached layouts
func (c *Cache) Len() int {
	return c.layouts.Len()
}

// Purge drops every cached layout
func (c *Cache) Purge() {
	c.layouts.Purge()
}
