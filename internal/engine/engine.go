package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dropstrike/internal/audit"
	"dropstrike/internal/config"
	"dropstrike/internal/dedup"
	"dropstrike/internal/notify"
	"dropstrike/internal/pool"
	"dropstrike/internal/ratelimit"
	"dropstrike/internal/sched"
	"dropstrike/internal/source"
	"dropstrike/internal/strike"
)

const (
	taskKindPoll     = "poll"
	taskKindEvaluate = "evaluate"

	// Poll tasks outrank every evaluate task so overload never starves
	// discovery.
	pollPriority = 100
)

// Engine wires source, dedup, scheduler, pool, rate limiter, and strike
// coordinator into the opportunity-hunting loop.
type Engine struct {
	table     *dedup.Table
	limiter   *ratelimit.Limiter
	resources *pool.Manager
	scheduler *sched.Scheduler
	coord     *strike.Coordinator
	src       source.Source
	exec      source.Executor
	sink      notify.Sink
	attempts  audit.AttemptStore
	logger    zerolog.Logger

	pollInterval time.Duration
	staleAfter   time.Duration
	maxRetries   int
}

// New constructs the engine. sampler, sink, and attempts may be nil.
func New(cfg *config.Config, table *dedup.Table, limiter *ratelimit.Limiter, factory pool.Factory, sampler pool.MemorySampler, src source.Source, exec source.Executor, sink notify.Sink, attempts audit.AttemptStore, logger zerolog.Logger) *Engine {
	e := &Engine{
		table:        table,
		limiter:      limiter,
		coord:        strike.NewCoordinator(),
		src:          src,
		exec:         exec,
		sink:         sink,
		attempts:     attempts,
		logger:       logger.With().Str("component", "engine").Logger(),
		pollInterval: cfg.Source.PollInterval,
		staleAfter:   cfg.Dedup.StaleAfter,
		maxRetries:   cfg.Scheduler.MaxRetries,
	}

	e.resources = pool.NewManager(pool.Options{
		Size:          cfg.Pool.Size,
		MaxAge:        cfg.Pool.MaxAge,
		MaxIdle:       cfg.Pool.MaxIdle,
		MaxMemoryMB:   cfg.Pool.MaxMemoryMB,
		TotalMemoryMB: cfg.Pool.TotalMemoryMB,
		ReapInterval:  cfg.Pool.ReapInterval,
	}, factory, sampler, e.onEvict, logger)

	e.scheduler = sched.New(sched.Options{
		Slots:             cfg.Pool.Size,
		MaxRetries:        cfg.Scheduler.MaxRetries,
		BaseDelay:         cfg.Scheduler.BaseDelay,
		BackoffMultiplier: cfg.Scheduler.BackoffMultiplier,
		JitterPct:         cfg.Scheduler.JitterPct,
		MaxPending:        cfg.Scheduler.MaxPending,
	}, e.onTerminal, logger)

	return e
}

// Run drives the engine until ctx is cancelled: the dispatch loop and the
// reaper stop accepting work, in-flight strikes finish, then the pool tears
// down its resources.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = e.resources.Run(ctx)
	}()

	if err := e.schedulePoll(time.Now().UTC()); err != nil {
		return fmt.Errorf("schedule initial poll: %w", err)
	}

	e.logger.Info().Dur("poll_interval", e.pollInterval).Msg("engine started")
	err := e.scheduler.Run(ctx)

	wg.Wait()
	e.resources.Close()
	e.logger.Info().Msg("engine stopped")
	return err
}

// PoolStats reports current resource pool occupancy.
func (e *Engine) PoolStats() pool.Stats {
	return e.resources.Snapshot()
}

// Pending reports current scheduler queue depth.
func (e *Engine) Pending() int {
	return e.scheduler.Pending()
}

func (e *Engine) schedulePoll(due time.Time) error {
	_, err := e.scheduler.Schedule(&sched.Task{
		Kind:     taskKindPoll,
		Due:      due,
		Priority: pollPriority,
		Fn:       e.poll,
	})
	return err
}

// poll fetches a sighting batch and folds it into the dedup table. The next
// poll is always rescheduled; failed polls are paced by the rate limiter's
// failure backoff rather than task retries.
func (e *Engine) poll(ctx context.Context) error {
	defer func() {
		if err := e.schedulePoll(time.Now().UTC().Add(e.pollInterval)); err != nil && !errors.Is(err, sched.ErrStopped) {
			e.logger.Error().Err(err).Msg("failed to reschedule poll")
		}
	}()

	endpoint := e.src.Endpoint()
	if wait := e.limiter.WaitTime(endpoint, false); wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	sightings, err := e.src.Poll(ctx)
	e.limiter.Record(endpoint, err == nil)
	if err != nil {
		e.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("source poll failed")
		return nil
	}

	for _, s := range sightings {
		e.ingest(ctx, s)
	}
	return nil
}

func (e *Engine) ingest(ctx context.Context, s dedup.Sighting) {
	opp, err := e.table.Submit(s)
	if err != nil || opp == nil {
		return
	}

	e.publish(ctx, notify.Event{
		Type:        notify.EventOpportunityDetected,
		Fingerprint: opp.Fingerprint,
		Source:      opp.Source,
		Listing:     opp.Event,
		Category:    opp.Category,
		Price:       opp.Price,
		Priority:    opp.Priority,
		At:          opp.DetectedAt,
	})

	workerID := uuid.NewString()
	fp := opp.Fingerprint
	_, err = e.scheduler.Schedule(&sched.Task{
		ID:         workerID,
		Kind:       taskKindEvaluate,
		Ref:        fp,
		Priority:   opp.Priority,
		MaxRetries: e.maxRetries,
		Fn: func(ctx context.Context) error {
			return e.evaluate(ctx, fp, workerID)
		},
	})
	if err != nil {
		e.logger.Warn().Err(err).
			Str("fingerprint", fp).
			Int("priority", opp.Priority).
			Msg("evaluate task not scheduled")
	}
}

// evaluate is the strike attempt: check out a resource, pace against the
// target endpoint, race for the claim, and execute on a win.
func (e *Engine) evaluate(ctx context.Context, fp, workerID string) error {
	opp, ok := e.table.Get(fp)
	if !ok || opp.Processed {
		return nil
	}

	if e.staleAfter > 0 && time.Since(opp.DetectedAt) > e.staleAfter {
		e.table.MarkProcessed(fp)
		e.logger.Debug().Str("fingerprint", fp).Msg("discarding stale opportunity")
		return nil
	}

	res, err := e.resources.Acquire(ctx, workerID)
	if err != nil {
		if errors.Is(err, pool.ErrPoolExhausted) {
			return sched.Retry(err)
		}
		return sched.Retry(fmt.Errorf("acquire resource: %w", err))
	}
	defer e.resources.Release(res)

	critical := opp.Tier >= dedup.TierCritical
	if wait := e.limiter.WaitTime(opp.Source, critical); wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	started := time.Now().UTC()

	if outcome := e.coord.Claim(fp, workerID); outcome == strike.Lost {
		e.table.MarkProcessed(fp)
		e.record(opp, workerID, res.ID, audit.OutcomeLost, "", "claim lost", started)
		e.publish(ctx, e.event(notify.EventStrikeLost, opp, workerID, res.ID, "claim lost"))
		return nil
	}

	result, execErr := e.exec.Execute(ctx, opp, res)
	e.limiter.Record(opp.Source, execErr == nil)

	if execErr != nil {
		// Release the claim so a later attempt may win if the opportunity
		// is still fresh.
		e.coord.Release(fp)
		if errors.Is(execErr, pool.ErrResourceUnhealthy) {
			res.MarkUnhealthy()
			return sched.Retry(execErr)
		}
		return sched.Retry(fmt.Errorf("execute strike: %w", execErr))
	}

	e.table.MarkProcessed(fp)

	if result.Success {
		e.record(opp, workerID, res.ID, audit.OutcomeWon, result.Token, "", started)
		e.publish(ctx, e.event(notify.EventStrikeWon, opp, workerID, res.ID, ""))
		return nil
	}

	// Action completed but the opportunity was already gone.
	e.record(opp, workerID, res.ID, audit.OutcomeLost, "", result.Error, started)
	e.publish(ctx, e.event(notify.EventStrikeLost, opp, workerID, res.ID, result.Error))
	return nil
}

// onTerminal handles a strike attempt that exhausted its retries.
func (e *Engine) onTerminal(task *sched.Task, err error) {
	if task.Kind != taskKindEvaluate || task.Ref == "" {
		return
	}

	fp := task.Ref
	opp, ok := e.table.Get(fp)
	if !ok {
		return
	}
	e.table.MarkProcessed(fp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reason := err.Error()
	e.record(opp, task.ID, "", audit.OutcomeError, "", reason, time.Now().UTC())
	e.publish(ctx, e.event(notify.EventStrikeFailed, opp, task.ID, "", reason))
}

func (e *Engine) onEvict(res *pool.Resource, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.publish(ctx, notify.Event{
		Type:       notify.EventResourceEvicted,
		ResourceID: res.ID,
		Reason:     reason,
		At:         time.Now().UTC(),
	})
}

func (e *Engine) event(kind notify.EventType, opp dedup.Opportunity, workerID, resourceID, reason string) notify.Event {
	return notify.Event{
		Type:        kind,
		Fingerprint: opp.Fingerprint,
		WorkerID:    workerID,
		ResourceID:  resourceID,
		Source:      opp.Source,
		Listing:     opp.Event,
		Category:    opp.Category,
		Price:       opp.Price,
		Priority:    opp.Priority,
		Reason:      reason,
		At:          time.Now().UTC(),
	}
}

// publish is fire-and-forget: sink errors are logged, never propagated.
func (e *Engine) publish(ctx context.Context, event notify.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("notification dispatch failed")
	}
}

// record appends a terminal outcome to the audit log when one is configured.
func (e *Engine) record(opp dedup.Opportunity, workerID, resourceID, outcome, token, errMsg string, started time.Time) {
	if e.attempts == nil {
		return
	}

	attempt := audit.Attempt{
		Fingerprint: opp.Fingerprint,
		WorkerID:    workerID,
		ResourceID:  resourceID,
		Source:      opp.Source,
		Listing:     opp.Event,
		Category:    opp.Category,
		Price:       opp.Price,
		Outcome:     outcome,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}
	if token != "" {
		attempt.Token = &token
	}
	if errMsg != "" {
		attempt.Error = &errMsg
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.attempts.InsertAttempt(ctx, attempt); err != nil {
		e.logger.Error().Err(err).Str("fingerprint", opp.Fingerprint).Msg("failed to append strike attempt")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
