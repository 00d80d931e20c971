package quote

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Fallback tries each configured source in order and returns the first usable
// answer. A batch call accepts the first source that returns at least one
// price; symbols it missed are not retried against later sources (the refresh
// coordinator owns per-symbol degradation).
type Fallback struct {
	sources []Source
}

// NewFallback builds a tiered source. Order matters: put the preferred
// backend first.
func NewFallback(sources ...Source) *Fallback {
	return &Fallback{sources: sources}
}

func (f *Fallback) Name() string {
	names := make([]string, 0, len(f.sources))
	for _, s := range f.sources {
		names = append(names, s.Name())
	}
	return strings.Join(names, ">")
}

func (f *Fallback) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var lastErr error
	for _, s := range f.sources {
		price, err := s.FetchPrice(ctx, symbol)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("quote: no sources configured")
	}
	return decimal.Decimal{}, lastErr
}

func (f *Fallback) FetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	var lastErr error
	for _, s := range f.sources {
		prices, err := s.FetchPrices(ctx, symbols)
		if err == nil && len(prices) > 0 {
			return prices, nil
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("quote: no prices from any source")
	}
	return nil, lastErr
}
