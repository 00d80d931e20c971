package quote

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by FetchPrice when the source does not know the
// requested symbol. Batch fetches express the same condition by omitting the
// symbol from the returned map.
var ErrNotFound = errors.New("quote: symbol not found")

//go:generate mockgen -package=refresh_test -destination=../refresh/mock_source_test.go pricesync/internal/quote Source

// Source is the capability every market-data backend implements. Prices are
// arbitrary-precision decimals; sources must never round-trip through floats.
type Source interface {
	Name() string

	// FetchPrice returns the current price for a single symbol.
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// FetchPrices returns current prices for many symbols at once. Symbols
	// unknown to the source are simply absent from the result; an error
	// means the request failed wholesale.
	FetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}
