package schedule_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pricesync/internal/cache"
	"pricesync/internal/refresh"
	"pricesync/internal/schedule"
)

type stubJob struct {
	name string
	ran  chan struct{}
}

func (j *stubJob) Name() string { return j.name }

func (j *stubJob) Run() error {
	select {
	case j.ran <- struct{}{}:
	default:
	}
	return nil
}

func TestAddJob_InvalidExpression(t *testing.T) {
	t.Parallel()
	s := schedule.New(zerolog.Nop())
	err := s.AddJob("not a cron expr", &stubJob{name: "x"})
	require.Error(t, err)
}

func TestScheduler_RunsRegisteredJob(t *testing.T) {
	t.Parallel()
	s := schedule.New(zerolog.Nop())
	job := &stubJob{name: "tick", ran: make(chan struct{}, 1)}
	require.NoError(t, s.AddJob("@every 10ms", job))

	s.Start()
	defer s.Stop()

	select {
	case <-job.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestEvictJob_RemovesStaleEntries(t *testing.T) {
	t.Parallel()
	c := cache.New()
	c.Put("AAPL", decimal.NewFromInt(1))

	job := &schedule.EvictJob{Cache: c, MaxAge: time.Hour, Log: zerolog.Nop()}
	require.Equal(t, "cache_evict", job.Name())
	require.NoError(t, job.Run())

	// Nothing is older than an hour yet.
	require.Equal(t, 1, c.Stats().Size)

	job.MaxAge = -time.Second // everything qualifies
	require.NoError(t, job.Run())
	require.Equal(t, 0, c.Stats().Size)
}

type blockingSource struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSource) Name() string { return "blocking" }

func (b *blockingSource) FetchPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func (b *blockingSource) FetchPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	close(b.started)
	<-b.release
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		out[s] = decimal.NewFromInt(1)
	}
	return out, nil
}

type staticStore struct{ symbols []string }

func (s *staticStore) ActiveSymbols(context.Context) ([]string, error) { return s.symbols, nil }
func (s *staticStore) UpdateCurrentPrice(context.Context, string, decimal.Decimal, time.Time) error {
	return nil
}

type nopBus struct{}

func (nopBus) Publish(string, any) {}

func TestRefreshJob_SkipsWhenCycleInFlight(t *testing.T) {
	t.Parallel()
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	coord := refresh.New(src, cache.New(), &staticStore{symbols: []string{"AAPL"}}, nopBus{}, refresh.Options{})

	job := &schedule.RefreshJob{Coordinator: coord, Log: zerolog.Nop()}
	require.Equal(t, "price_refresh", job.Name())

	done := make(chan error, 1)
	go func() { done <- job.Run() }()
	<-src.started

	// Second tick while the first cycle holds the gate: skipped, not an error.
	require.NoError(t, job.Run())

	close(src.release)
	require.NoError(t, <-done)
}
