package sched

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull signals that the pending queue is at capacity and the new
	// task did not outrank anything already queued.
	ErrQueueFull = errors.New("sched: queue full")
	// ErrStopped signals that the scheduler no longer accepts work.
	ErrStopped = errors.New("sched: stopped")
)

// Options tune dispatch and retry behaviour.
type Options struct {
	// Slots bounds concurrently executing tasks.
	Slots int
	// Retry policy defaults, applied when a task carries none.
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	JitterPct         float64
	// MaxPending caps queue depth; beyond it the lowest-priority pending
	// task is dropped in favour of higher-priority arrivals.
	MaxPending int
}

// TerminalFunc observes tasks that exhausted their retries.
type TerminalFunc func(task *Task, err error)

// Scheduler is a time-ordered, priority-ordered queue of deferred work
// dispatched to a bounded set of execution slots.
type Scheduler struct {
	opts       Options
	onTerminal TerminalFunc
	logger     zerolog.Logger

	mu     sync.Mutex
	queue  taskHeap
	index  map[string]*item
	seq    uint64
	closed bool
	rng    *rand.Rand
	now    func() time.Time

	wake  chan struct{}
	slots chan struct{}
	wg    sync.WaitGroup
}

// New constructs a scheduler. onTerminal may be nil.
func New(opts Options, onTerminal TerminalFunc, logger zerolog.Logger) *Scheduler {
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = 2
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 1000
	}
	return &Scheduler{
		opts:       opts,
		onTerminal: onTerminal,
		logger:     logger.With().Str("component", "sched").Logger(),
		index:      make(map[string]*item),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		slots:      make(chan struct{}, opts.Slots),
	}
}

// Schedule enqueues a task and returns its id. A zero Due means "now"; a
// zero MaxRetries inherits the scheduler default.
func (s *Scheduler) Schedule(t *Task) (string, error) {
	if t == nil || t.Fn == nil {
		return "", errors.New("sched: task requires a function")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = s.opts.MaxRetries
	}
	t.Status = StatusPending

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStopped
	}
	if t.Due.IsZero() {
		t.Due = s.now()
	}
	if err := s.insertLocked(t); err != nil {
		return "", err
	}
	s.signal()
	return t.ID, nil
}

// Cancel removes a pending task. A task already handed to a slot cannot be
// cancelled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.index[id]
	if !ok || it.task.Status != StatusPending {
		return false
	}
	heap.Remove(&s.queue, it.pos)
	delete(s.index, id)
	it.task.Status = StatusCancelled
	return true
}

// Pending reports current queue depth.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight tasks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.wg.Wait()
	}()

	for {
		s.mu.Lock()
		now := s.now()
		var timer *time.Timer
		var due *Task

		if len(s.queue) > 0 {
			next := s.queue[0]
			if !next.task.Due.After(now) {
				heap.Pop(&s.queue)
				delete(s.index, next.task.ID)
				next.task.Status = StatusRunning
				due = next.task
			} else {
				timer = time.NewTimer(next.task.Due.Sub(now))
			}
		}
		s.mu.Unlock()

		if due != nil {
			select {
			case <-ctx.Done():
				s.requeueCancelled(due)
				return ctx.Err()
			case s.slots <- struct{}{}:
			}
			s.wg.Add(1)
			go s.execute(ctx, due)
			continue
		}

		if timer == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			}
			continue
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *Task) {
	defer func() {
		<-s.slots
		s.wg.Done()
	}()

	err := t.Fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		t.Status = StatusCompleted

	case ctx.Err() != nil:
		// Shutdown raced the task; its result is discarded.
		t.Status = StatusCancelled

	case Retryable(err) && t.RetryCount < t.MaxRetries:
		t.RetryCount++
		delay := s.retryDelayLocked(t.RetryCount)
		t.Due = s.now().Add(delay)
		t.Status = StatusPending
		if s.closed {
			t.Status = StatusCancelled
			return
		}
		if insErr := s.insertLocked(t); insErr != nil {
			t.Status = StatusFailed
			s.terminalLocked(t, err)
			return
		}
		s.logger.Debug().
			Str("task_id", t.ID).
			Str("kind", t.Kind).
			Int("retry", t.RetryCount).
			Dur("delay", delay).
			Msg("task re-enqueued for retry")
		s.signal()

	default:
		t.Status = StatusFailed
		s.logger.Warn().Err(err).
			Str("task_id", t.ID).
			Str("kind", t.Kind).
			Int("retries", t.RetryCount).
			Msg("task failed terminally")
		s.terminalLocked(t, err)
	}
}

func (s *Scheduler) terminalLocked(t *Task, err error) {
	if s.onTerminal == nil {
		return
	}
	// Callback runs outside the lock to keep it free to schedule.
	go s.onTerminal(t, err)
}

// retryDelayLocked grows monotonically with the retry count and carries
// jitter so racing workers do not resynchronise.
func (s *Scheduler) retryDelayLocked(retry int) time.Duration {
	delay := time.Duration(float64(s.opts.BaseDelay) * math.Pow(s.opts.BackoffMultiplier, float64(retry-1)))
	if s.opts.JitterPct > 0 {
		// Additive jitter keeps the monotonic growth across retries.
		delay += time.Duration(float64(delay) * s.opts.JitterPct * s.rng.Float64())
	}
	return delay
}

func (s *Scheduler) insertLocked(t *Task) error {
	if len(s.queue) >= s.opts.MaxPending {
		victim := s.lowestPriorityLocked()
		if victim == nil || victim.task.Priority >= t.Priority {
			s.logger.Warn().Str("kind", t.Kind).Int("priority", t.Priority).Msg("queue full, rejecting task")
			return ErrQueueFull
		}
		heap.Remove(&s.queue, victim.pos)
		delete(s.index, victim.task.ID)
		victim.task.Status = StatusCancelled
		s.logger.Warn().
			Str("task_id", victim.task.ID).
			Int("priority", victim.task.Priority).
			Msg("queue full, dropping lowest-priority pending task")
	}
	s.seq++
	it := &item{task: t, seq: s.seq}
	heap.Push(&s.queue, it)
	s.index[t.ID] = it
	return nil
}

func (s *Scheduler) lowestPriorityLocked() *item {
	var lowest *item
	for _, it := range s.queue {
		if lowest == nil || it.task.Priority < lowest.task.Priority {
			lowest = it
		}
	}
	return lowest
}

func (s *Scheduler) requeueCancelled(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Status = StatusCancelled
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
