package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/versemarket/keeperd/pkg/types"
)

// PriceCache holds the most recent observed yes price per market. The
// underlying LRU evicts by size and by age, so an entry that was never
// refreshed silently ages out.
type PriceCache struct {
	lru *expirable.LRU[string, types.CachedPrice]
}

// NewPriceCache creates a price cache with the given capacity and max
// entry age.
func NewPriceCache(size int, age time.Duration) *PriceCache {
	return &PriceCache{
		lru: expirable.NewLRU[string, types.CachedPrice](size, nil, age),
	}
}

// Put records one observation.
func (c *PriceCache) Put(p types.CachedPrice) {
	c.lru.Add(p.MarketID, p)
}

// Get returns the cached price for a market.
func (c *PriceCache) Get(marketID string) (types.CachedPrice, bool) {
	return c.lru.Get(marketID)
}

// Hot returns up to limit entries observed within the window, most
// recent first.
func (c *PriceCache) Hot(window time.Duration, limit int) []types.CachedPrice {
	cutoff := time.Now().Add(-window)
	hot := make([]types.CachedPrice, 0)
	for _, p := range c.lru.Values() {
		if p.ObservedAt.After(cutoff) {
			hot = append(hot, p)
		}
	}
	sort.Slice(hot, func(i, j int) bool {
		return hot[i].ObservedAt.After(hot[j].ObservedAt)
	})
	if limit > 0 && len(hot) > limit {
		hot = hot[:limit]
	}
	return hot
}

// Len returns the number of cached entries.
func (c *PriceCache) Len() int {
	return c.lru.Len()
}

// MarketCache is the read-through view of the market universe,
// rebuilt by full syncs and patched by push events.
type MarketCache struct {
	mu      sync.RWMutex
	markets map[string]types.Market
}

// NewMarketCache creates an empty market cache.
func NewMarketCache() *MarketCache {
	return &MarketCache{markets: make(map[string]types.Market)}
}

// Upsert inserts or replaces one market record.
func (c *MarketCache) Upsert(m types.Market) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets[m.ID] = m
}

// Get returns one market by id.
func (c *MarketCache) Get(id string) (types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[id]
	return m, ok
}

// SetYesPrice patches the cached yes price after a push update.
func (c *MarketCache) SetYesPrice(id string, price float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[id]
	if !ok {
		return
	}
	m.YesPrice = price
	m.UpdatedAt = at
	c.markets[id] = m
}

// Resolve marks a market resolved after a push resolution.
func (c *MarketCache) Resolve(id, resolution string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[id]
	if !ok {
		return
	}
	m.Resolved = true
	m.Resolution = resolution
	c.markets[id] = m
}

// IDs returns every known market id in sorted order, so every keeper
// derives the same universe ordering from the same cache content.
func (c *MarketCache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.markets))
	for id := range c.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the full universe.
func (c *MarketCache) Snapshot() map[string]types.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.Market, len(c.markets))
	for id, m := range c.markets {
		out[id] = m
	}
	return out
}

// Len returns the number of cached markets.
func (c *MarketCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets)
}
