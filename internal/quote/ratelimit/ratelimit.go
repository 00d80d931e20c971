package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pricesync/internal/quote"
)

// MinIntervalSource wraps a source and enforces a minimum time between
// upstream calls. Concurrent calls wait until the interval has elapsed since
// the last call, or return early if the context is canceled.
type MinIntervalSource struct {
	S        quote.Source
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func (m *MinIntervalSource) Name() string { return m.S.Name() }

func (m *MinIntervalSource) gate(ctx context.Context) error {
	if m.Interval <= 0 {
		return nil
	}
	m.mu.Lock()
	wait := time.Until(m.last.Add(m.Interval))
	m.mu.Unlock()
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (m *MinIntervalSource) mark() {
	if m.Interval <= 0 {
		return
	}
	m.mu.Lock()
	m.last = time.Now()
	m.mu.Unlock()
}

func (m *MinIntervalSource) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := m.gate(ctx); err != nil {
		return decimal.Decimal{}, err
	}
	price, err := m.S.FetchPrice(ctx, symbol)
	m.mark()
	return price, err
}

func (m *MinIntervalSource) FetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if err := m.gate(ctx); err != nil {
		return nil, err
	}
	prices, err := m.S.FetchPrices(ctx, symbols)
	m.mark()
	return prices, err
}
