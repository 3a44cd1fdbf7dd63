// Package cache holds the latest price per symbol with TTL-bounded staleness.
package cache

import (
	"sort"
	"sync"
	"time"

	"tickwatch/internal/metrics"
	"tickwatch/internal/models"
)

// DefaultTTL is the staleness bound applied when none is configured.
const DefaultTTL = 5 * time.Minute

// PriceCache is an in-memory symbol -> CachedPrice table.
// Entries older than the TTL are never returned.
type PriceCache struct {
	ttl     time.Duration
	entries map[string]models.CachedPrice
	mu      sync.RWMutex
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a PriceCache.
type Option func(*PriceCache)

// WithClock overrides the clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(c *PriceCache) { c.now = now }
}

// WithMetrics reports the cache size to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *PriceCache) { c.metrics = m }
}

// New creates a cache with the given TTL.
func New(ttl time.Duration, opts ...Option) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &PriceCache{
		ttl:     ttl,
		entries: make(map[string]models.CachedPrice),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the staleness bound.
func (c *PriceCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached price for symbol, or false if it is missing or stale.
func (c *PriceCache) Get(symbol string) (models.CachedPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[symbol]
	if !ok || c.now().Sub(entry.LastUpdated) > c.ttl {
		return models.CachedPrice{}, false
	}
	return entry, true
}

// Update replaces the entry for symbol. PercentageChange is derived from the
// prior entry only when that entry is within the TTL of ts.
func (c *PriceCache) Update(symbol string, price float64, ts time.Time) models.CachedPrice {
	if ts.IsZero() {
		ts = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := models.CachedPrice{
		Symbol:      symbol,
		Price:       price,
		LastUpdated: ts,
	}
	if prior, ok := c.entries[symbol]; ok && prior.Price != 0 && ts.Sub(prior.LastUpdated) <= c.ttl {
		change := (price - prior.Price) / prior.Price * 100
		entry.PercentageChange = &change
	}
	c.entries[symbol] = entry

	c.metrics.SetCacheEntries(len(c.entries))
	return entry
}

// Sweep evicts entries older than the TTL relative to now and returns the number removed.
func (c *PriceCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for symbol, entry := range c.entries {
		if now.Sub(entry.LastUpdated) > c.ttl {
			delete(c.entries, symbol)
			removed++
		}
	}
	c.metrics.SetCacheEntries(len(c.entries))
	return removed
}

// Snapshot returns a copy of every fresh entry, sorted by symbol.
func (c *PriceCache) Snapshot() []models.CachedPrice {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make([]models.CachedPrice, 0, len(c.entries))
	for _, entry := range c.entries {
		if now.Sub(entry.LastUpdated) <= c.ttl {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of stored entries, fresh or not.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
