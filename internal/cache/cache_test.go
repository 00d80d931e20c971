package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newAt(t0 time.Time) (*Cache, *time.Time) {
	c := New()
	now := t0
	c.now = func() time.Time { return now }
	return c, &now
}

func TestGet_FreshEntry(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c, now := newAt(t0)

	c.Put("AAPL", decimal.RequireFromString("195.50"))
	*now = t0.Add(30 * time.Minute)

	e, err := c.Get("AAPL", time.Hour)
	require.NoError(t, err)
	require.Equal(t, "AAPL", e.Symbol)
	require.True(t, e.Price.Equal(decimal.RequireFromString("195.50")))
	require.Equal(t, t0, e.CachedAt)
}

func TestGet_UnknownSymbol(t *testing.T) {
	t.Parallel()
	c := New()
	_, err := c.Get("NOPE", time.Hour)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGet_StaleEntry(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c, now := newAt(t0)

	c.Put("AAPL", decimal.RequireFromString("195.50"))
	*now = t0.Add(2 * time.Hour)

	_, err := c.Get("AAPL", time.Hour)
	require.ErrorIs(t, err, ErrStale)

	// A wider threshold makes the same entry readable again.
	e, err := c.Get("AAPL", 3*time.Hour)
	require.NoError(t, err)
	require.Equal(t, t0, e.CachedAt)
}

func TestPutQuote_KeepsFetchedAtSeparateFromCachedAt(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newAt(t0)

	fetched := t0.Add(-10 * time.Minute)
	c.PutQuote("AAPL", decimal.RequireFromString("195.50"), fetched)

	e, err := c.Get("AAPL", time.Hour)
	require.NoError(t, err)
	require.Equal(t, fetched, e.FetchedAt)
	require.Equal(t, t0, e.CachedAt)
}

func TestPut_OverwritesExistingEntry(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c, now := newAt(t0)

	c.Put("AAPL", decimal.RequireFromString("190"))
	*now = t0.Add(time.Minute)
	c.Put("AAPL", decimal.RequireFromString("195.50"))

	e, err := c.Get("AAPL", time.Hour)
	require.NoError(t, err)
	require.True(t, e.Price.Equal(decimal.RequireFromString("195.50")))
	require.Equal(t, t0.Add(time.Minute), e.CachedAt)
	require.Equal(t, 1, c.Stats().Size)
}

func TestDelete_IsIdempotent(t *testing.T) {
	t.Parallel()
	c := New()
	c.Put("AAPL", decimal.RequireFromString("1"))
	c.Delete("AAPL")
	c.Delete("AAPL")
	_, err := c.Get("AAPL", time.Hour)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClear_RemovesEverything(t *testing.T) {
	t.Parallel()
	c := New()
	c.Put("AAPL", decimal.RequireFromString("1"))
	c.Put("MSFT", decimal.RequireFromString("2"))
	c.Clear()
	require.Equal(t, 0, c.Stats().Size)
	require.Empty(t, c.GetAll())
}

func TestEvictStale_RemovesOnlyOldEntries(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c, now := newAt(t0)

	c.Put("OLD", decimal.RequireFromString("1"))
	*now = t0.Add(2 * time.Hour)
	c.Put("NEW", decimal.RequireFromString("2"))

	removed := c.EvictStale(time.Hour)
	require.Equal(t, 1, removed)

	_, err := c.Get("OLD", 24*time.Hour)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get("NEW", time.Hour)
	require.NoError(t, err)
}

func TestStats_CountsEntries(t *testing.T) {
	t.Parallel()
	c := New()
	require.Equal(t, Stats{}, c.Stats())

	c.Put("AAPL", decimal.RequireFromString("1"))
	c.Put("MSFT", decimal.RequireFromString("2"))
	stats := c.Stats()
	require.Equal(t, 2, stats.Size)
	require.Greater(t, stats.ApproxBytes, int64(0))
}
