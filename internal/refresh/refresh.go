// Package refresh orchestrates price refresh cycles: batch fetching with
// per-symbol fallback, partial-failure accounting, and fan-out of results to
// the cache, the persistent store and the event bus.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pricesync/internal/cache"
	"pricesync/internal/events"
	"pricesync/internal/quote"
)

// ErrAlreadyRefreshing is returned when a refresh is requested while another
// is in flight. Refreshes are expensive and rate-limited upstream, so
// concurrent requests are rejected rather than queued.
var ErrAlreadyRefreshing = errors.New("refresh: already refreshing")

// Status is the coordinator's current state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRefreshing Status = "refreshing"
)

// FailureReason classifies why a symbol was not refreshed.
type FailureReason string

const (
	// ReasonNotFound means the source answered but did not know the symbol.
	ReasonNotFound FailureReason = "not_found"
	// ReasonFetchError covers transport errors, timeouts and failed
	// persistence writes.
	ReasonFetchError FailureReason = "fetch_error"
)

type Success struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type Failure struct {
	Symbol string        `json:"symbol"`
	Reason FailureReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

// Result summarizes one refresh cycle. SuccessCount+FailureCount always
// equals the number of distinct symbols requested.
type Result struct {
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	Successes    []Success     `json:"successes"`
	Failures     []Failure     `json:"failures"`
	Duration     time.Duration `json:"duration"`
}

// Completed is the most recently finished cycle.
type Completed struct {
	CompletedAt time.Time `json:"completed_at"`
	Result      Result    `json:"result"`
}

// Store is the persistence collaborator: it knows which symbols are active
// (referenced by at least one transaction) and stores current prices.
type Store interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
	UpdateCurrentPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
}

// Publisher is the event-bus capability the coordinator needs.
type Publisher interface {
	Publish(topic string, data any)
}

// Options tune a coordinator. The zero value is usable; every field has a
// default applied in New.
type Options struct {
	// CallTimeout bounds each call to the quote source and each store
	// write. Default 10s.
	CallTimeout time.Duration
	// BatchSize chunks large symbol lists into multiple batch requests.
	// Default 50.
	BatchSize int
	// FallbackConcurrency limits parallel per-symbol fetches when a batch
	// call fails outright. Default 4.
	FallbackConcurrency int
	// MaxRetries is how many times a per-symbol fetch is retried after a
	// transient error during fallback. Not-found is never retried.
	// Default 0 (no retries).
	MaxRetries int
	// RetryDelay is the base backoff between retries, doubled per attempt.
	// Default 250ms.
	RetryDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FallbackConcurrency <= 0 {
		o.FallbackConcurrency = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
}

// Coordinator runs at most one refresh cycle at a time, process-wide. Status
// and last-refresh queries are answered off the serialized path so they can
// never deadlock against an in-flight refresh.
type Coordinator struct {
	source quote.Source
	cache  *cache.Cache
	store  Store
	bus    Publisher
	opts   Options
	log    zerolog.Logger

	refreshing atomic.Bool

	lastMu sync.RWMutex
	last   *Completed
}

func New(source quote.Source, c *cache.Cache, store Store, bus Publisher, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		source: source,
		cache:  c,
		store:  store,
		bus:    bus,
		opts:   opts,
		log:    zerolog.Nop(),
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(log zerolog.Logger) {
	c.log = log.With().Str("component", "refresh").Logger()
}

// Status reports whether a refresh is in flight. It is a lock-free read and
// is always answerable, including from inside refresh side effects.
func (c *Coordinator) Status() Status {
	if c.refreshing.Load() {
		return StatusRefreshing
	}
	return StatusIdle
}

// LastRefresh returns the most recently completed cycle, or nil if none has
// completed yet. An in-flight cycle is never visible here.
func (c *Coordinator) LastRefresh() *Completed {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	if c.last == nil {
		return nil
	}
	cp := *c.last
	return &cp
}

// RefreshPrices refreshes every active symbol. An empty active set completes
// immediately with a zero result and no network calls.
func (c *Coordinator) RefreshPrices(ctx context.Context) (Result, error) {
	return c.refresh(ctx, nil, true)
}

// RefreshSymbols refreshes the given symbols. Duplicates are collapsed before
// dispatch; the result counts distinct symbols.
func (c *Coordinator) RefreshSymbols(ctx context.Context, symbols []string) (Result, error) {
	return c.refresh(ctx, symbols, false)
}

func (c *Coordinator) refresh(ctx context.Context, symbols []string, useActive bool) (res Result, err error) {
	if !c.refreshing.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRefreshing
	}
	// Deferred in this order so the recover runs first and the state always
	// settles back to idle, even when a cycle panics.
	defer c.refreshing.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("Refresh cycle panicked")
			err = fmt.Errorf("refresh: cycle panicked: %v", r)
		}
	}()

	if useActive {
		symbols, err = c.store.ActiveSymbols(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("list active symbols: %w", err)
		}
	}

	res = c.run(ctx, dedupe(symbols))

	completed := Completed{CompletedAt: time.Now(), Result: res}
	c.lastMu.Lock()
	c.last = &completed
	c.lastMu.Unlock()

	c.bus.Publish(events.TopicPriceRefresh, events.RefreshCompleted{
		Symbols:      symbolsOf(res),
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
		Duration:     res.Duration,
		CompletedAt:  completed.CompletedAt,
	})

	c.log.Info().
		Int("success", res.SuccessCount).
		Int("failed", res.FailureCount).
		Dur("duration", res.Duration).
		Msg("Refresh cycle completed")
	return res, nil
}

// run executes one cycle for an already-deduplicated symbol list.
func (c *Coordinator) run(ctx context.Context, symbols []string) Result {
	start := time.Now()
	if len(symbols) == 0 {
		return Result{
			Successes: []Success{},
			Failures:  []Failure{},
			Duration:  time.Since(start),
		}
	}

	got := make(map[string]decimal.Decimal, len(symbols))
	failed := make(map[string]Failure)
	var mu sync.Mutex

	// Batch-first: one request per chunk. A chunk that fails outright is
	// degraded to independent per-symbol fetches.
	var fallback []string
	for _, chunk := range chunk(symbols, c.opts.BatchSize) {
		prices, err := c.fetchBatch(ctx, chunk)
		if err != nil {
			c.log.Warn().Err(err).Int("symbols", len(chunk)).
				Msg("Batch fetch failed, degrading to per-symbol")
			fallback = append(fallback, chunk...)
			continue
		}
		for _, sym := range chunk {
			if price, ok := prices[sym]; ok {
				got[sym] = price
			} else {
				failed[sym] = Failure{Symbol: sym, Reason: ReasonNotFound}
			}
		}
	}

	if len(fallback) > 0 {
		var g errgroup.Group
		g.SetLimit(c.opts.FallbackConcurrency)
		for _, sym := range fallback {
			sym := sym
			g.Go(func() error {
				price, err := c.fetchOne(ctx, sym)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					got[sym] = price
				case errors.Is(err, quote.ErrNotFound):
					failed[sym] = Failure{Symbol: sym, Reason: ReasonNotFound}
				default:
					failed[sym] = Failure{Symbol: sym, Reason: ReasonFetchError, Detail: err.Error()}
				}
				return nil
			})
		}
		g.Wait()
	}

	// Side effects, in input order. A store write failure demotes the symbol
	// but never aborts the rest of the cycle.
	now := time.Now()
	res := Result{Successes: []Success{}, Failures: []Failure{}}
	for _, sym := range symbols {
		price, ok := got[sym]
		if !ok {
			res.Failures = append(res.Failures, failed[sym])
			continue
		}
		c.cache.Put(sym, price)
		if err := c.writePrice(ctx, sym, price, now); err != nil {
			c.log.Error().Err(err).Str("symbol", sym).Msg("Persisting price failed")
			res.Failures = append(res.Failures, Failure{
				Symbol: sym,
				Reason: ReasonFetchError,
				Detail: err.Error(),
			})
			continue
		}
		res.Successes = append(res.Successes, Success{Symbol: sym, Price: price})
	}
	res.SuccessCount = len(res.Successes)
	res.FailureCount = len(res.Failures)
	res.Duration = time.Since(start)
	return res
}

func (c *Coordinator) fetchBatch(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return c.source.FetchPrices(callCtx, symbols)
}

// fetchOne fetches a single symbol with bounded retries for transient
// errors. Not-found and canceled contexts are never retried.
func (c *Coordinator) fetchOne(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.opts.RetryDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return decimal.Decimal{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		price, err := c.source.FetchPrice(callCtx, symbol)
		cancel()
		if err == nil {
			return price, nil
		}
		lastErr = err
		if errors.Is(err, quote.ErrNotFound) || ctx.Err() != nil {
			break
		}
	}
	return decimal.Decimal{}, lastErr
}

func (c *Coordinator) writePrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return c.store.UpdateCurrentPrice(callCtx, symbol, price, ts)
}

// dedupe collapses duplicate symbols preserving first-seen order and
// dropping empties.
func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func chunk(in []string, size int) [][]string {
	if size <= 0 || len(in) <= size {
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

func symbolsOf(res Result) []string {
	out := make([]string, 0, len(res.Successes)+len(res.Failures))
	for _, s := range res.Successes {
		out = append(out, s.Symbol)
	}
	for _, f := range res.Failures {
		out = append(out, f.Symbol)
	}
	return out
}
