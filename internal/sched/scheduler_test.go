package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startScheduler(t *testing.T, s *Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestTaskNotDispatchedBeforeDue(t *testing.T) {
	s := New(Options{Slots: 2}, nil, zerolog.Nop())
	stop := startScheduler(t, s)
	defer stop()

	start := time.Now()
	due := start.Add(300 * time.Millisecond)
	ran := make(chan time.Time, 1)

	_, err := s.Schedule(&Task{
		Kind: "timed",
		Due:  due,
		Fn: func(ctx context.Context) error {
			ran <- time.Now()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	select {
	case at := <-ran:
		if at.Before(due) {
			t.Fatalf("task ran %s before its due time", due.Sub(at))
		}
		if at.Sub(due) > time.Second {
			t.Fatalf("task dispatched too late: %s after due", at.Sub(due))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task never dispatched")
	}
}

func TestRetryThenTerminalFailure(t *testing.T) {
	var terminal atomic.Int32
	var terminalTask *Task
	var mu sync.Mutex

	s := New(Options{
		Slots:             1,
		BaseDelay:         10 * time.Millisecond,
		BackoffMultiplier: 2,
	}, func(task *Task, err error) {
		mu.Lock()
		terminalTask = task
		mu.Unlock()
		terminal.Add(1)
	}, zerolog.Nop())

	stop := startScheduler(t, s)
	defer stop()

	var runs atomic.Int32
	_, err := s.Schedule(&Task{
		Kind:       "flaky",
		MaxRetries: 2,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return Retry(errors.New("transient"))
		},
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for terminal.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("task never reported terminal failure")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Initial run plus exactly max_retries retries, never one more.
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 3 {
		t.Fatalf("expected 3 executions, got %d", got)
	}
	if terminal.Load() != 1 {
		t.Fatalf("terminal callback fired %d times", terminal.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if terminalTask.Status != StatusFailed {
		t.Fatalf("terminal task status = %s", terminalTask.Status)
	}
	if terminalTask.RetryCount != 2 {
		t.Fatalf("terminal retry count = %d", terminalTask.RetryCount)
	}
}

func TestRetryDelayMonotonic(t *testing.T) {
	s := New(Options{Slots: 1, BaseDelay: 100 * time.Millisecond, BackoffMultiplier: 2, JitterPct: 0.2}, nil, zerolog.Nop())

	prev := time.Duration(0)
	for retry := 1; retry <= 5; retry++ {
		d := s.retryDelayLocked(retry)
		if d <= prev {
			t.Fatalf("retry %d delay %s not greater than previous %s", retry, d, prev)
		}
		prev = d
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	var terminal atomic.Int32
	s := New(Options{Slots: 1}, func(task *Task, err error) {
		terminal.Add(1)
	}, zerolog.Nop())

	stop := startScheduler(t, s)
	defer stop()

	var runs atomic.Int32
	_, _ = s.Schedule(&Task{
		Kind:       "fatal",
		MaxRetries: 5,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("not retryable")
		},
	})

	deadline := time.After(2 * time.Second)
	for terminal.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("terminal callback never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if runs.Load() != 1 {
		t.Fatalf("non-retryable error must not retry, ran %d times", runs.Load())
	}
}

func TestCancelPendingTask(t *testing.T) {
	s := New(Options{Slots: 1}, nil, zerolog.Nop())
	stop := startScheduler(t, s)
	defer stop()

	id, err := s.Schedule(&Task{
		Kind: "future",
		Due:  time.Now().Add(time.Hour),
		Fn:   func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	if !s.Cancel(id) {
		t.Fatal("cancel of a pending task must succeed")
	}
	if s.Cancel(id) {
		t.Fatal("double cancel must fail")
	}
	if s.Pending() != 0 {
		t.Fatalf("cancelled task still pending: %d", s.Pending())
	}
}

func TestOverloadDropsLowestPriority(t *testing.T) {
	s := New(Options{Slots: 1, MaxPending: 2}, nil, zerolog.Nop())

	future := time.Now().Add(time.Hour)
	noop := func(ctx context.Context) error { return nil }

	lowID, _ := s.Schedule(&Task{Kind: "low", Due: future, Priority: 1, Fn: noop})
	_, _ = s.Schedule(&Task{Kind: "mid", Due: future, Priority: 2, Fn: noop})

	// A higher-priority arrival displaces the lowest-priority pending task.
	if _, err := s.Schedule(&Task{Kind: "high", Due: future, Priority: 5, Fn: noop}); err != nil {
		t.Fatalf("high-priority schedule must displace, got %v", err)
	}
	if s.Pending() != 2 {
		t.Fatalf("queue depth must stay capped: %d", s.Pending())
	}
	if s.Cancel(lowID) {
		t.Fatal("displaced task should already be gone")
	}

	// An arrival that outranks nothing is rejected.
	if _, err := s.Schedule(&Task{Kind: "worse", Due: future, Priority: 0, Fn: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPriorityOrderOnSameDue(t *testing.T) {
	s := New(Options{Slots: 1}, nil, zerolog.Nop())

	due := time.Now().Add(100 * time.Millisecond)
	var mu sync.Mutex
	var order []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	_, _ = s.Schedule(&Task{Kind: "low", Due: due, Priority: 1, Fn: record("low")})
	_, _ = s.Schedule(&Task{Kind: "high", Due: due, Priority: 9, Fn: record("high")})

	stop := startScheduler(t, s)
	defer stop()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("tasks did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "high" {
		t.Fatalf("higher priority must dispatch first: %v", order)
	}
}

func TestStoppedSchedulerRejectsWork(t *testing.T) {
	s := New(Options{Slots: 1}, nil, zerolog.Nop())
	stop := startScheduler(t, s)
	stop()

	if _, err := s.Schedule(&Task{Kind: "late", Fn: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
