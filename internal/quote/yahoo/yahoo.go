package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"pricesync/internal/httpx"
	"pricesync/internal/quote"
)

type Config struct {
	Name    string
	URL     string
	Headers map[string]string
	// MaxSymbolsPerRequest splits large symbol lists into smaller batch API
	// requests. 0 or negative means no limit (single request).
	MaxSymbolsPerRequest int
	// MaxConcurrency limits concurrent batch requests when splitting.
	// Defaults to 1 when <= 0.
	MaxConcurrency int
}

// Source fetches quotes from a Yahoo-Finance-style batch quote endpoint.
type Source struct {
	cfg    Config
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Source {
	if cfg.Name == "" {
		cfg.Name = "Yahoo"
	}
	if cfg.URL == "" {
		cfg.URL = "https://query1.finance.yahoo.com/v7/finance/quote"
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
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	var outMu sync.Mutex
	var firstErr error

	doBatch := func(ctx context.Context, batch []string) error {
		u, err := url.Parse(s.cfg.URL)
		if err != nil {
			return err
		}
		q := u.Query()
		q.Set("symbols", strings.Join(batch, ","))
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range s.cfg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := s.client.Do(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
			return fmt.Errorf("GET %s -> %d: %s", u.String(), resp.StatusCode, string(b))
		}
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		var api apiResponse
		if err := dec.Decode(&api); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if api.QuoteResponse.Error != nil {
			return fmt.Errorf("provider error: %s", api.QuoteResponse.Error.Description)
		}
		outMu.Lock()
		defer outMu.Unlock()
		for _, r := range api.QuoteResponse.Result {
			if r.Symbol == "" || r.RegularMarketPrice == "" {
				continue
			}
			price, err := decimal.NewFromString(r.RegularMarketPrice.String())
			if err != nil {
				continue
			}
			out[r.Symbol] = price
		}
		return nil
	}

	batchSize := s.cfg.MaxSymbolsPerRequest
	if batchSize <= 0 || len(symbols) <= batchSize {
		if err := doBatch(ctx, symbols); err != nil {
			firstErr = err
		}
	} else {
		batches := chunkStrings(symbols, batchSize)
		maxConc := s.cfg.MaxConcurrency
		if maxConc <= 0 {
			maxConc = 1
		}
		sem := make(chan struct{}, maxConc)
		var wg sync.WaitGroup
		var errMu sync.Mutex
		for _, b := range batches {
			b := b
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					return
				}
				if err := doBatch(ctx, b); err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
				}
			}()
		}
		wg.Wait()
	}

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

type apiResponse struct {
	QuoteResponse struct {
		Result []result  `json:"result"`
		Error  *apiError `json:"error"`
	} `json:"quoteResponse"`
}

type result struct {
	Symbol             string      `json:"symbol"`
	RegularMarketPrice json.Number `json:"regularMarketPrice"`
	RegularMarketTime  int64       `json:"regularMarketTime"`
	Currency           string      `json:"currency"`
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func chunkStrings(in []string, size int) [][]string {
	if size <= 0 || len(in) == 0 {
		return [][]string{in}
	}
	out := make([][]string, 0, (len(in)+size-1)/size)
	for i := 0; i < len(in); i += size {
		j := i + size
		if j > len(in) {
			j = len(in)
		}
		out = append(out, in[i:j])
	}
	return out
}
