package coingecko_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pricesync/internal/httpx"
	"pricesync/internal/quote"
	"pricesync/internal/quote/coingecko"
)

var idMap = map[string]string{"BTC": "bitcoin", "ETH": "ethereum"}

func newSource(t *testing.T, handler http.HandlerFunc, ttlSec int) *coingecko.Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return coingecko.New(coingecko.Config{
		URL:               srv.URL,
		IDBySymbol:        idMap,
		PayloadTTLSeconds: ttlSec,
	}, httpx.New(5*time.Second))
}

func TestFetchPrices_MapsSymbolsToCoinIDs(t *testing.T) {
	t.Parallel()
	s := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		require.ElementsMatch(t, []string{"bitcoin", "ethereum"}, ids)
		require.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		fmt.Fprint(w, `{"bitcoin":{"usd":64123.55},"ethereum":{"usd":3421.08}}`)
	}, 60)

	prices, err := s.FetchPrices(context.Background(), []string{"BTC", "ETH"})
	require.NoError(t, err)
	require.True(t, prices["BTC"].Equal(decimal.RequireFromString("64123.55")))
	require.True(t, prices["ETH"].Equal(decimal.RequireFromString("3421.08")))
}

func TestFetchPrices_UnmappedSymbolOmitted(t *testing.T) {
	t.Parallel()
	s := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bitcoin":{"usd":64123.55}}`)
	}, 60)

	prices, err := s.FetchPrices(context.Background(), []string{"BTC", "AAPL"})
	require.NoError(t, err)
	require.Len(t, prices, 1)
	_, ok := prices["AAPL"]
	require.False(t, ok)
}

func TestFetchPrice_NotFoundForUnmappedSymbol(t *testing.T) {
	t.Parallel()
	s := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bitcoin":{"usd":64123.55}}`)
	}, 60)

	_, err := s.FetchPrice(context.Background(), "AAPL")
	require.ErrorIs(t, err, quote.ErrNotFound)
}

func TestFetchPrices_PayloadCachedWithinTTL(t *testing.T) {
	t.Parallel()
	var requests atomic.Int32
	s := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, `{"bitcoin":{"usd":64123.55},"ethereum":{"usd":3421.08}}`)
	}, 60)

	for i := 0; i < 5; i++ {
		_, err := s.FetchPrices(context.Background(), []string{"BTC"})
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), requests.Load())
}

func TestFetchPrices_UpstreamError(t *testing.T) {
	t.Parallel()
	s := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}, 60)

	_, err := s.FetchPrices(context.Background(), []string{"BTC"})
	require.Error(t, err)
}

func TestFetchPrices_NoMappingsConfigured(t *testing.T) {
	t.Parallel()
	s := coingecko.New(coingecko.Config{URL: "http://unused.invalid"}, httpx.New(time.Second))
	_, err := s.FetchPrices(context.Background(), []string{"BTC"})
	require.Error(t, err)
}
