package app

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dropstrike/internal/config"
	"dropstrike/internal/dedup"
	"dropstrike/internal/engine"
	"dropstrike/internal/notify"
	"dropstrike/internal/pool"
	"dropstrike/internal/ratelimit"
	"dropstrike/internal/source"
)

// Simulate 使用合成的机会流运行一次完整的引擎演练，不触达任何外部系统。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Opportunities <= 0 {
		opts.Opportunities = 10
	}
	if opts.Duration <= 0 {
		opts.Duration = 10 * time.Second
	}

	cfg := a.simulatedConfig()
	counter := &countingSink{}
	sink := notify.Fanout{notify.NewLogSink(a.Logger), counter}

	src := newSyntheticSource(opts.Opportunities)
	exec := &syntheticExecutor{winRate: 0.7, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	eng := engine.New(
		cfg,
		a.newTable(),
		ratelimit.New(cfg.RateLimit.Config, nil, a.Logger),
		&syntheticFactory{},
		nil,
		src,
		exec,
		sink,
		nil,
		a.Logger,
	)

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	a.Logger.Info().
		Int("opportunities", opts.Opportunities).
		Dur("duration", opts.Duration).
		Msg("starting simulation")

	if err := eng.Run(runCtx); err != nil && runCtx.Err() == nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "simulation finished: detected=%d won=%d lost=%d failed=%d\n",
		counter.count(notify.EventOpportunityDetected),
		counter.count(notify.EventStrikeWon),
		counter.count(notify.EventStrikeLost),
		counter.count(notify.EventStrikeFailed),
	)
	return nil
}

// simulatedConfig tightens the timing knobs so a short run exercises the full
// pipeline.
func (a *App) simulatedConfig() *config.Config {
	cfg := *a.Config
	cfg.Source.PollInterval = 200 * time.Millisecond
	cfg.RateLimit.MinInterval = 0
	cfg.RateLimit.MaxRequests = 1000
	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = 4
	}
	return &cfg
}

type syntheticSource struct {
	mu        sync.Mutex
	remaining int
	seq       int
}

func newSyntheticSource(total int) *syntheticSource {
	return &syntheticSource{remaining: total}
}

func (s *syntheticSource) Poll(ctx context.Context) ([]dedup.Sighting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remaining == 0 {
		return nil, nil
	}

	batch := 3
	if batch > s.remaining {
		batch = s.remaining
	}
	s.remaining -= batch

	sightings := make([]dedup.Sighting, 0, batch)
	for i := 0; i < batch; i++ {
		s.seq++
		sightings = append(sightings, dedup.Sighting{
			Source:     "simulated",
			Event:      fmt.Sprintf("listing-%d", s.seq),
			Category:   "general",
			Price:      decimal.NewFromInt(int64(50 + s.seq)),
			Quantity:   1,
			Confidence: 0.8,
			SeenAt:     time.Now().UTC(),
		})
	}
	return sightings, nil
}

func (s *syntheticSource) Endpoint() string { return "simulated" }

type syntheticExecutor struct {
	mu      sync.Mutex
	winRate float64
	rng     *rand.Rand
}

func (e *syntheticExecutor) Execute(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (source.Result, error) {
	e.mu.Lock()
	win := e.rng.Float64() < e.winRate
	e.mu.Unlock()

	if win {
		return source.Result{Success: true, Token: "sim-" + opp.Fingerprint[:8]}, nil
	}
	return source.Result{Success: false, Error: "listing gone"}, nil
}

type syntheticFactory struct {
	mu  sync.Mutex
	seq int
}

func (f *syntheticFactory) Create(ctx context.Context) (*pool.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &pool.Resource{ID: fmt.Sprintf("sim-%d", f.seq)}, nil
}

func (f *syntheticFactory) Destroy(res *pool.Resource) error { return nil }

// countingSink tallies events per type for the end-of-run summary.
type countingSink struct {
	mu     sync.Mutex
	counts map[notify.EventType]int
}

func (c *countingSink) Publish(ctx context.Context, event notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[notify.EventType]int)
	}
	c.counts[event.Type]++
	return nil
}

func (c *countingSink) count(kind notify.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

var (
	_ source.Source   = (*syntheticSource)(nil)
	_ source.Executor = (*syntheticExecutor)(nil)
	_ pool.Factory    = (*syntheticFactory)(nil)
	_ notify.Sink     = (*countingSink)(nil)
)
