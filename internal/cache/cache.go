package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxAge is the staleness threshold used when a caller does not
// supply one.
const DefaultMaxAge = time.Hour

var (
	// ErrNotFound means the symbol was never cached.
	ErrNotFound = errors.New("cache: symbol not found")
	// ErrStale means the symbol is cached but older than the allowed age.
	// Callers distinguish this from ErrNotFound to decide between triggering
	// a refresh and surfacing a warning.
	ErrStale = errors.New("cache: entry is stale")
)

// Entry is the most recent known price for one symbol. FetchedAt is the
// business timestamp of the quote; CachedAt is when this process stored it.
// Staleness is judged on CachedAt so a source re-sending an old quote still
// counts as fresh data from the cache's point of view.
type Entry struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
	CachedAt  time.Time       `json:"cached_at"`
}

// Stats is a diagnostic snapshot of the cache.
type Stats struct {
	Size        int   `json:"size"`
	ApproxBytes int64 `json:"approx_bytes"`
}

// Cache is a process-wide in-memory price store, safe for any number of
// concurrent readers and writers. One instance is constructed at startup and
// handed to the refresh coordinator (sole writer) and to any readers.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	now func() time.Time // test hook
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Put stores a price fetched right now, overwriting any existing entry.
func (c *Cache) Put(symbol string, price decimal.Decimal) {
	now := c.now()
	c.PutQuote(symbol, price, now)
}

// PutQuote stores a price with an explicit business timestamp. CachedAt is
// always stamped with the current time.
func (c *Cache) PutQuote(symbol string, price decimal.Decimal, fetchedAt time.Time) {
	now := c.now()
	c.mu.Lock()
	c.entries[symbol] = Entry{
		Symbol:    symbol,
		Price:     price,
		FetchedAt: fetchedAt,
		CachedAt:  now,
	}
	c.mu.Unlock()
}

// Get returns the entry for symbol if it exists and was cached within maxAge.
// It returns ErrNotFound for unknown symbols and ErrStale for entries older
// than maxAge.
func (c *Cache) Get(symbol string, maxAge time.Duration) (Entry, error) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	if c.now().Sub(e.CachedAt) > maxAge {
		return Entry{}, ErrStale
	}
	return e, nil
}

// GetAll returns a snapshot of every entry, with no staleness filtering.
func (c *Cache) GetAll() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Delete removes one entry. Deleting an absent symbol is a no-op.
func (c *Cache) Delete(symbol string) {
	c.mu.Lock()
	delete(c.entries, symbol)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// EvictStale removes every entry whose cached age exceeds maxAge and returns
// the number removed. Used for periodic housekeeping independent of refresh
// cycles.
func (c *Cache) EvictStale(maxAge time.Duration) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for sym, e := range c.entries {
		if now.Sub(e.CachedAt) > maxAge {
			delete(c.entries, sym)
			removed++
		}
	}
	return removed
}

// Stats reports the entry count and a rough memory estimate.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var bytes int64
	for sym := range c.entries {
		// entry struct plus the two copies of the symbol string
		bytes += int64(len(sym))*2 + 96
	}
	return Stats{Size: len(c.entries), ApproxBytes: bytes}
}
