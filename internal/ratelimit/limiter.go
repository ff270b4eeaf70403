package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config tunes per-endpoint request pacing. Zero values are filled with
// defaults by Normalize.
type Config struct {
	// Window and MaxRequests bound the sliding-window occupancy.
	Window      time.Duration `mapstructure:"window"`
	MaxRequests int           `mapstructure:"max_requests"`
	// MinInterval spaces consecutive requests while the window has room.
	// MaxInterval caps any non-backoff wait after jitter.
	MinInterval time.Duration `mapstructure:"min_interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	// Burst mode: up to BurstMaxRequests critical requests may go out at
	// BurstMinInterval spacing; the allowance re-arms BurstCooldown after it
	// is exhausted.
	BurstMaxRequests int           `mapstructure:"burst_max_requests"`
	BurstMinInterval time.Duration `mapstructure:"burst_min_interval"`
	BurstCooldown    time.Duration `mapstructure:"burst_cooldown"`
	// Failure backoff: once FailureThreshold consecutive failures are
	// recorded, waits grow as BackoffBase * BackoffMultiplier^n capped at
	// MaxBackoff.
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	// JitterPct randomises every returned wait by ±(wait * JitterPct).
	JitterPct float64 `mapstructure:"jitter_pct"`
}

// Normalize fills zero fields with usable defaults.
func (c Config) Normalize() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 30
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	return c
}

// Override carries per-endpoint replacements for any Config field.
type Override struct {
	Window            *time.Duration `mapstructure:"window"`
	MaxRequests       *int           `mapstructure:"max_requests"`
	MinInterval       *time.Duration `mapstructure:"min_interval"`
	MaxInterval       *time.Duration `mapstructure:"max_interval"`
	BurstMaxRequests  *int           `mapstructure:"burst_max_requests"`
	BurstMinInterval  *time.Duration `mapstructure:"burst_min_interval"`
	BurstCooldown     *time.Duration `mapstructure:"burst_cooldown"`
	FailureThreshold  *int           `mapstructure:"failure_threshold"`
	BackoffBase       *time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier *float64       `mapstructure:"backoff_multiplier"`
	MaxBackoff        *time.Duration `mapstructure:"max_backoff"`
	JitterPct         *float64       `mapstructure:"jitter_pct"`
}

func (c Config) apply(o Override) Config {
	if o.Window != nil {
		c.Window = *o.Window
	}
	if o.MaxRequests != nil {
		c.MaxRequests = *o.MaxRequests
	}
	if o.MinInterval != nil {
		c.MinInterval = *o.MinInterval
	}
	if o.MaxInterval != nil {
		c.MaxInterval = *o.MaxInterval
	}
	if o.BurstMaxRequests != nil {
		c.BurstMaxRequests = *o.BurstMaxRequests
	}
	if o.BurstMinInterval != nil {
		c.BurstMinInterval = *o.BurstMinInterval
	}
	if o.BurstCooldown != nil {
		c.BurstCooldown = *o.BurstCooldown
	}
	if o.FailureThreshold != nil {
		c.FailureThreshold = *o.FailureThreshold
	}
	if o.BackoffBase != nil {
		c.BackoffBase = *o.BackoffBase
	}
	if o.BackoffMultiplier != nil {
		c.BackoffMultiplier = *o.BackoffMultiplier
	}
	if o.MaxBackoff != nil {
		c.MaxBackoff = *o.MaxBackoff
	}
	if o.JitterPct != nil {
		c.JitterPct = *o.JitterPct
	}
	return c
}

type endpointState struct {
	cfg                 Config
	stamps              []time.Time
	lastRequest         time.Time
	consecutiveFailures int
	backoffUntil        time.Time
	burstUsed           int
	burstExhaustedAt    time.Time
}

// Limiter gates per-endpoint action timing with burst allowance and
// failure-driven backoff. Safe for concurrent use.
type Limiter struct {
	defaults  Config
	overrides map[string]Override
	logger    zerolog.Logger

	mu     sync.Mutex
	states map[string]*endpointState
	now    func() time.Time
	rng    *rand.Rand
}

// New constructs a Limiter with optional per-endpoint overrides.
func New(defaults Config, overrides map[string]Override, logger zerolog.Logger) *Limiter {
	return &Limiter{
		defaults:  defaults.Normalize(),
		overrides: overrides,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		states:    make(map[string]*endpointState),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *Limiter) state(endpoint string) *endpointState {
	st, ok := l.states[endpoint]
	if !ok {
		cfg := l.defaults
		if o, ok := l.overrides[endpoint]; ok {
			cfg = cfg.apply(o).Normalize()
		}
		st = &endpointState{cfg: cfg}
		l.states[endpoint] = st
	}
	return st
}

// WaitTime returns how long the caller must wait before the next request to
// the endpoint. Zero means go now. A critical call consumes a burst slot when
// one is armed. Every nonzero wait carries jitter.
func (l *Limiter) WaitTime(endpoint string, critical bool) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(endpoint)
	st.prune(now)

	if st.backoffUntil.After(now) {
		remaining := st.backoffUntil.Sub(now)
		return l.jitter(remaining, st.cfg, st.cfg.MaxBackoff)
	}

	if critical && st.cfg.BurstMaxRequests > 0 {
		if st.burstUsed >= st.cfg.BurstMaxRequests &&
			now.Sub(st.burstExhaustedAt) >= st.cfg.BurstCooldown {
			st.burstUsed = 0
		}
		if st.burstUsed < st.cfg.BurstMaxRequests {
			st.burstUsed++
			if st.burstUsed == st.cfg.BurstMaxRequests {
				st.burstExhaustedAt = now
			}
			wait := st.cfg.BurstMinInterval - now.Sub(st.lastRequest)
			if wait < 0 {
				wait = 0
			}
			return l.jitter(wait, st.cfg, st.cfg.BurstMinInterval*2)
		}
	}

	if len(st.stamps) >= st.cfg.MaxRequests {
		wait := st.cfg.Window - now.Sub(st.stamps[0])
		if wait < 0 {
			wait = 0
		}
		return l.jitter(wait, st.cfg, st.cfg.Window)
	}

	wait := st.cfg.MinInterval - now.Sub(st.lastRequest)
	if wait < 0 {
		wait = 0
	}
	limit := st.cfg.MaxInterval
	if limit <= 0 {
		limit = st.cfg.Window
	}
	return l.jitter(wait, st.cfg, limit)
}

// Record registers a completed request against the endpoint's window and
// updates the failure backoff state.
func (l *Limiter) Record(endpoint string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(endpoint)
	st.prune(now)
	st.stamps = append(st.stamps, now)
	st.lastRequest = now

	if success {
		st.consecutiveFailures = 0
		st.backoffUntil = time.Time{}
		return
	}

	st.consecutiveFailures++
	if st.consecutiveFailures < st.cfg.FailureThreshold {
		return
	}

	exp := st.consecutiveFailures - st.cfg.FailureThreshold
	backoff := time.Duration(float64(st.cfg.BackoffBase) * math.Pow(st.cfg.BackoffMultiplier, float64(exp)))
	if backoff > st.cfg.MaxBackoff || backoff <= 0 {
		backoff = st.cfg.MaxBackoff
	}
	st.backoffUntil = now.Add(backoff)

	l.logger.Warn().
		Str("endpoint", endpoint).
		Int("consecutive_failures", st.consecutiveFailures).
		Dur("backoff", backoff).
		Msg("endpoint entering failure backoff")
}

// Backoff reports the remaining backoff window for an endpoint, if any.
func (l *Limiter) Backoff(endpoint string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(endpoint)
	if st.backoffUntil.After(now) {
		return st.backoffUntil.Sub(now)
	}
	return 0
}

// jitter randomises a wait by ±cfg.JitterPct and clamps it to [0, max].
func (l *Limiter) jitter(wait time.Duration, cfg Config, max time.Duration) time.Duration {
	if wait <= 0 {
		return 0
	}
	if cfg.JitterPct > 0 {
		factor := 1 + cfg.JitterPct*(2*l.rng.Float64()-1)
		wait = time.Duration(float64(wait) * factor)
	}
	if wait < 0 {
		wait = 0
	}
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

func (st *endpointState) prune(now time.Time) {
	cutoff := now.Add(-st.cfg.Window)
	idx := 0
	for idx < len(st.stamps) && !st.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		st.stamps = append(st.stamps[:0], st.stamps[idx:]...)
	}
}
