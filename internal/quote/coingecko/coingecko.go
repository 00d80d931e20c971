package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"pricesync/internal/httpx"
	"pricesync/internal/quote"
)

// Config controls the CoinGecko source behavior.
type Config struct {
	Name     string
	URL      string            // simple-price endpoint
	Currency string            // vs currency, e.g. "usd"
	APIKey   string            // optional; sent as x-cg-demo-api-key
	Headers  map[string]string // optional extra headers
	// IDBySymbol maps ticker symbols to CoinGecko coin ids ("BTC" -> "bitcoin").
	// Symbols without a mapping are reported as not found.
	IDBySymbol map[string]string
	// PayloadTTLSeconds caches the full price payload for this long so
	// successive refreshes within the window do not hit the upstream API.
	PayloadTTLSeconds int
}

// Source fetches crypto prices from a CoinGecko-style simple-price API.
// It pulls prices for every configured coin id in one request and filters by
// the requested symbols.
type Source struct {
	cfg    Config
	client *httpx.Client

	mu      sync.RWMutex
	prices  map[string]decimal.Decimal // key: coin id
	expires time.Time

	// coalesce concurrent payload refreshes
	sf singleflight.Group
}

func New(cfg Config, hc *httpx.Client) *Source {
	if cfg.Name == "" {
		cfg.Name = "CoinGecko"
	}
	if cfg.URL == "" {
		cfg.URL = "https://api.coingecko.com/api/v3/simple/price"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Source{cfg: cfg, client: hc}
}

func (s *Source) Name() string { return s.cfg.Name }

func (s *Source) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := s.FetchPrices(ctx, []string{symbol})
	if err != nil {
		return decimal.Decimal{}, err
	}
	price, ok := prices[symbol]
	if !ok {
		return decimal.Decimal{}, quote.ErrNotFound
	}
	return price, nil
}

func (s *Source) FetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(s.cfg.IDBySymbol) == 0 {
		return nil, fmt.Errorf("coingecko: no symbol mappings configured")
	}

	byID, err := s.payload(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		id, ok := s.cfg.IDBySymbol[sym]
		if !ok {
			continue
		}
		if price, ok := byID[id]; ok {
			out[sym] = price
		}
	}
	return out, nil
}

// payload returns the cached full price map, refreshing it when expired.
// Concurrent refreshes are coalesced into one upstream call.
func (s *Source) payload(ctx context.Context) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	if s.prices != nil && time.Now().Before(s.expires) {
		p := s.prices
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.sf.Do("payload", func() (any, error) {
		fresh, err := s.fetchAll(ctx)
		if err != nil {
			return nil, err
		}
		ttl := time.Duration(s.cfg.PayloadTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 10 * time.Second
		}
		s.mu.Lock()
		s.prices = fresh
		s.expires = time.Now().Add(ttl)
		s.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]decimal.Decimal), nil
}

func (s *Source) fetchAll(ctx context.Context) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(s.cfg.IDBySymbol))
	for _, id := range s.cfg.IDBySymbol {
		ids = append(ids, id)
	}

	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", s.cfg.Currency)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.cfg.APIKey)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s -> %d", u.String(), resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	cur := strings.ToLower(s.cfg.Currency)
	out := make(map[string]decimal.Decimal, len(body))
	for id, quotes := range body {
		num, ok := quotes[cur]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(num.String())
		if err != nil {
			continue
		}
		out[id] = price
	}
	return out, nil
}
