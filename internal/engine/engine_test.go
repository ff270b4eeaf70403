package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dropstrike/internal/audit"
	"dropstrike/internal/config"
	"dropstrike/internal/dedup"
	"dropstrike/internal/notify"
	"dropstrike/internal/pool"
	"dropstrike/internal/ratelimit"
	"dropstrike/internal/source"
)

type stubSource struct {
	mu      sync.Mutex
	batches [][]dedup.Sighting
}

func (s *stubSource) Poll(ctx context.Context) ([]dedup.Sighting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *stubSource) Endpoint() string { return "stub" }

type execFunc func(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (source.Result, error)

func (f execFunc) Execute(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (source.Result, error) {
	return f(ctx, opp, res)
}

type stubFactory struct {
	mu      sync.Mutex
	created int
}

func (f *stubFactory) Create(ctx context.Context) (*pool.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &pool.Resource{ID: fmt.Sprintf("res-%d", f.created)}, nil
}

func (f *stubFactory) Destroy(res *pool.Resource) error { return nil }

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// captureSink records every published event for later inspection.
type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureSink) Publish(ctx context.Context, event notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSink) count(kind notify.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func (c *captureSink) first(kind notify.EventType) (notify.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Type == kind {
			return e, true
		}
	}
	return notify.Event{}, false
}

// memStore keeps attempts in memory; only the insert path matters here.
type memStore struct {
	mu       sync.Mutex
	attempts []audit.Attempt
}

func (m *memStore) InsertAttempt(ctx context.Context, attempt audit.Attempt) (audit.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt.ID = int64(len(m.attempts) + 1)
	attempt.CreatedAt = time.Now().UTC()
	m.attempts = append(m.attempts, attempt)
	return attempt, nil
}

func (m *memStore) ListRecentAttempts(ctx context.Context, limit int) ([]audit.Attempt, error) {
	return nil, nil
}

func (m *memStore) ListAttemptsBetween(ctx context.Context, from, to time.Time) ([]audit.Attempt, error) {
	return nil, nil
}

func (m *memStore) CountAttempts(ctx context.Context) (int64, error) { return 0, nil }

func (m *memStore) CountWonForFingerprint(ctx context.Context, fingerprint string) (int64, error) {
	return 0, nil
}

func (m *memStore) DeleteAttemptsBefore(ctx context.Context, olderThan time.Time) error { return nil }

func (m *memStore) byOutcome(outcome string) []audit.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Attempt
	for _, a := range m.attempts {
		if a.Outcome == outcome {
			out = append(out, a)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pool.Size = 2
	cfg.Pool.MaxAge = time.Minute
	cfg.Pool.MaxIdle = time.Minute
	cfg.Pool.ReapInterval = 50 * time.Millisecond
	cfg.Scheduler.MaxRetries = 2
	cfg.Scheduler.BaseDelay = time.Millisecond
	cfg.Scheduler.BackoffMultiplier = 2
	cfg.Scheduler.MaxPending = 64
	cfg.Dedup.StaleAfter = time.Minute
	cfg.Source.PollInterval = 10 * time.Millisecond
	return cfg
}

func sighting(event string) dedup.Sighting {
	return dedup.Sighting{
		Source:     "stub",
		Event:      event,
		Category:   "vip",
		Price:      decimal.NewFromFloat(99.90),
		Quantity:   2,
		Confidence: 0.9,
		SeenAt:     time.Now().UTC(),
	}
}

func newTestLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		Window:      time.Second,
		MaxRequests: 1000,
		MinInterval: 0,
	}, nil, zerolog.Nop())
}

// runEngine starts the engine and returns a stop function that blocks until
// shutdown finishes.
func runEngine(t *testing.T, e *Engine) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("engine did not shut down in time")
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngineWinsDistinctOpportunities(t *testing.T) {
	src := &stubSource{batches: [][]dedup.Sighting{
		{sighting("E1"), sighting("E1"), sighting("E2")},
	}}
	sink := &captureSink{}
	store := &memStore{}
	exec := execFunc(func(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (source.Result, error) {
		return source.Result{Success: true, Token: "tok-" + opp.Event}, nil
	})

	cfg := testConfig()
	table := dedup.NewTable(dedup.Options{}, zerolog.Nop())
	e := New(cfg, table, newTestLimiter(), &stubFactory{}, nil, src, exec, sink, store, zerolog.Nop())

	stop := runEngine(t, e)
	waitUntil(t, 3*time.Second, func() bool {
		return sink.count(notify.EventStrikeWon) >= 2
	}, "expected two strike_won events")
	stop()

	// The duplicate E1 sighting must not produce a third attempt.
	if got := sink.count(notify.EventStrikeWon); got != 2 {
		t.Fatalf("expected exactly 2 wins, got %d", got)
	}
	if got := sink.count(notify.EventOpportunityDetected); got != 2 {
		t.Fatalf("expected 2 detections, got %d", got)
	}

	won := store.byOutcome(audit.OutcomeWon)
	if len(won) != 2 {
		t.Fatalf("expected 2 won attempts in the audit log, got %d", len(won))
	}
	for _, a := range won {
		if a.Token == nil || *a.Token == "" {
			t.Fatalf("won attempt %s missing confirmation token", a.Fingerprint)
		}
	}
}

func TestEngineRetriesOnUnhealthyResource(t *testing.T) {
	src := &stubSource{batches: [][]dedup.Sighting{{sighting("E1")}}}
	sink := &captureSink{}
	factory := &stubFactory{}

	var mu sync.Mutex
	failures := 0
	exec := execFunc(func(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (source.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures == 0 {
			failures++
			return source.Result{}, fmt.Errorf("session check: %w", pool.ErrResourceUnhealthy)
		}
		return source.Result{Success: true, Token: "tok"}, nil
	})

	cfg := testConfig()
	table := dedup.NewTable(dedup.Options{}, zerolog.Nop())
	e := New(cfg, table, newTestLimiter(), factory, nil, src, exec, sink, nil, zerolog.Nop())

	stop := runEngine(t, e)
	waitUntil(t, 3*time.Second, func() bool {
		return sink.count(notify.EventStrikeWon) == 1
	}, "expected a win after retrying with a fresh resource")
	stop()

	// The unhealthy resource was destroyed, so the retry forced a second
	// create.
	if factory.count() < 2 {
		t.Fatalf("expected a replacement resource, created=%d", factory.count())
	}
}

func TestEngineDiscardsStaleOpportunity(t *testing.T) {
	src := &stubSource{batches: [][]dedup.Sighting{{sighting("E1")}}}
	sink := &captureSink{}
	store := &memStore{}
	var executed sync.Map
	exec := execFunc(func(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (source.Result, error) {
		executed.Store(opp.Fingerprint, true)
		return source.Result{Success: true}, nil
	})

	cfg := testConfig()
	cfg.Dedup.StaleAfter = time.Nanosecond
	table := dedup.NewTable(dedup.Options{}, zerolog.Nop())
	e := New(cfg, table, newTestLimiter(), &stubFactory{}, nil, src, exec, sink, store, zerolog.Nop())

	stop := runEngine(t, e)
	waitUntil(t, 3*time.Second, func() bool {
		return sink.count(notify.EventOpportunityDetected) == 1
	}, "expected the opportunity to be detected")
	time.Sleep(100 * time.Millisecond)
	stop()

	executed.Range(func(key, value any) bool {
		t.Fatalf("stale opportunity %v reached the executor", key)
		return false
	})
	if got := sink.count(notify.EventStrikeWon); got != 0 {
		t.Fatalf("expected no wins for a stale opportunity, got %d", got)
	}
}

func TestEngineRecordsLossWhenGone(t *testing.T) {
	src := &stubSource{batches: [][]dedup.Sighting{{sighting("E1")}}}
	sink := &captureSink{}
	store := &memStore{}
	exec := execFunc(func(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (source.Result, error) {
		return source.Result{Success: false, Error: "sold out"}, nil
	})

	cfg := testConfig()
	table := dedup.NewTable(dedup.Options{}, zerolog.Nop())
	e := New(cfg, table, newTestLimiter(), &stubFactory{}, nil, src, exec, sink, store, zerolog.Nop())

	stop := runEngine(t, e)
	waitUntil(t, 3*time.Second, func() bool {
		return sink.count(notify.EventStrikeLost) == 1
	}, "expected a strike_lost event")
	stop()

	event, ok := sink.first(notify.EventStrikeLost)
	if !ok || event.Reason != "sold out" {
		t.Fatalf("expected loss reason to carry through, got %+v", event)
	}
	lost := store.byOutcome(audit.OutcomeLost)
	if len(lost) != 1 {
		t.Fatalf("expected 1 lost attempt, got %d", len(lost))
	}
}

func TestEngineReportsTerminalFailure(t *testing.T) {
	src := &stubSource{batches: [][]dedup.Sighting{{sighting("E1")}}}
	sink := &captureSink{}
	store := &memStore{}
	exec := execFunc(func(ctx context.Context, opp dedup.Opportunity, res *pool.Resource) (source.Result, error) {
		return source.Result{}, errors.New("connection reset")
	})

	cfg := testConfig()
	cfg.Scheduler.MaxRetries = 1
	table := dedup.NewTable(dedup.Options{}, zerolog.Nop())
	e := New(cfg, table, newTestLimiter(), &stubFactory{}, nil, src, exec, sink, store, zerolog.Nop())

	stop := runEngine(t, e)
	waitUntil(t, 3*time.Second, func() bool {
		return sink.count(notify.EventStrikeFailed) == 1
	}, "expected a strike_failed event after retries ran out")
	stop()

	failed := store.byOutcome(audit.OutcomeError)
	if len(failed) != 1 {
		t.Fatalf("expected 1 error attempt, got %d", len(failed))
	}
	if failed[0].Error == nil || *failed[0].Error == "" {
		t.Fatal("error attempt missing its reason")
	}
}
