// Package ratelimit tracks the API's remaining quota and admits requests only
// while budget is available.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/github-star-crawler/internal/metrics"
)

// ErrResetTooFar is returned when waiting for the quota to reset would exceed
// the configured ceiling.
var ErrResetTooFar = errors.New("rate limit reset too far in the future")

// Defaults tuned for the GitHub GraphQL API's hourly point budget.
const (
	DefaultCapacity     = 5000
	DefaultSafetyMargin = 100
	DefaultResetPadding = 5 * time.Second
	DefaultWindow       = time.Hour
	DefaultMaxResetWait = 65 * time.Minute
)

// Config holds rate limiter configuration.
type Config struct {
	// Capacity is the optimistic budget assumed before the server reports one.
	Capacity int
	// SafetyMargin is the budget kept in reserve; requests that would dip
	// below it wait for the reset.
	SafetyMargin int
	// ResetPadding is added to the server's reset time before resuming.
	ResetPadding time.Duration
	// Window is the assumed quota window when the reset time is unknown.
	Window time.Duration
	// MaxResetWait is the longest wait tolerated; zero disables the ceiling.
	MaxResetWait time.Duration
	// RequestsPerSecond paces requests independently of the quota. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:     DefaultCapacity,
		SafetyMargin: DefaultSafetyMargin,
		ResetPadding: DefaultResetPadding,
		Window:       DefaultWindow,
		MaxResetWait: DefaultMaxResetWait,
	}
}

// Reservation is budget handed out by Acquire.
type Reservation struct {
	Cost  int
	epoch uint64
}

// State is a snapshot of the quota ledger.
type State struct {
	Remaining int
	Limit     int
	InFlight  int
	ResetAt   time.Time
	Known     bool
}

// Limiter is the single owner of the quota ledger. It is safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	remaining int
	limit     int
	inFlight  int
	resetAt   time.Time
	known     bool
	epoch     uint64
	changed   chan struct{}
	loggedAt  uint64

	margin  int
	padding time.Duration
	window  time.Duration
	maxWait time.Duration
	pacer   *rate.Limiter
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Limiter. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.SafetyMargin < 0 {
		cfg.SafetyMargin = 0
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	l := &Limiter{
		remaining: cfg.Capacity,
		limit:     cfg.Capacity,
		changed:   make(chan struct{}),
		margin:    cfg.SafetyMargin,
		padding:   cfg.ResetPadding,
		window:    cfg.Window,
		maxWait:   cfg.MaxResetWait,
		now:       time.Now,
		logger:    logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return l
}

// Acquire blocks until cost units can be reserved without dipping below the
// safety margin, then reserves them. The margin is at most a tenth of the
// reported limit. It returns ErrResetTooFar when the quota
// reset is further away than the configured ceiling.
func (l *Limiter) Acquire(ctx context.Context, cost int) (Reservation, error) {
	if cost <= 0 {
		cost = 1
	}
	if l.pacer != nil {
		start := time.Now()
		if err := l.pacer.Wait(ctx); err != nil {
			return Reservation{}, fmt.Errorf("rate limit pace: %w", err)
		}
		if waited := time.Since(start); waited > time.Millisecond {
			metrics.ObserveRateLimitDelay("pace", waited)
		}
	}

	start := time.Now()
	waited := false
	for {
		l.mu.Lock()
		now := l.now()
		l.refillLocked(now)
		if cost > l.limit {
			limit := l.limit
			l.mu.Unlock()
			return Reservation{}, fmt.Errorf("rate limit: cost %d exceeds quota limit %d", cost, limit)
		}
		if l.remaining-cost >= l.marginLocked(cost) {
			l.remaining -= cost
			l.inFlight += cost
			res := Reservation{Cost: cost, epoch: l.epoch}
			l.mu.Unlock()
			if waited {
				metrics.ObserveRateLimitDelay("quota", time.Since(start))
			}
			return res, nil
		}

		if l.resetAt.IsZero() {
			l.resetAt = now.Add(l.window)
		}
		wait := l.resetAt.Add(l.padding).Sub(now)
		if l.maxWait > 0 && wait > l.maxWait {
			resetAt := l.resetAt
			l.mu.Unlock()
			return Reservation{}, fmt.Errorf("%w: reset at %s is %s away", ErrResetTooFar, resetAt.Format(time.RFC3339), wait.Round(time.Second))
		}
		if l.loggedAt != l.epoch+1 {
			l.loggedAt = l.epoch + 1
			l.logger.Info("rate limit low, waiting for reset",
				zap.Int("remaining", l.remaining),
				zap.Int("cost", cost),
				zap.Time("reset_at", l.resetAt),
				zap.Duration("wait", wait),
			)
		}
		changed := l.changed
		l.mu.Unlock()

		waited = true
		if err := waitFor(ctx, changed, wait); err != nil {
			return Reservation{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
}

// marginLocked scales the safety margin to the current limit so a small quota,
// such as the anonymous one, stays usable.
func (l *Limiter) marginLocked(cost int) int {
	return min(l.margin, l.limit/10, l.limit-cost)
}

// Update ingests the server-reported quota. Server truth replaces the local
// estimate; reservations made before it are considered settled. A zero limit
// keeps the current capacity.
func (l *Limiter) Update(remaining int, resetAt time.Time, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}
	l.remaining = remaining
	if limit > 0 {
		l.limit = limit
	}
	l.resetAt = resetAt
	l.known = true
	l.inFlight = 0
	l.epoch++
	l.broadcastLocked()
	metrics.SetRateLimitRemaining(remaining)
}

// Release returns an unused reservation. Reservations from before the last
// Update or reset are ignored because the server has already accounted for them.
func (l *Limiter) Release(res Reservation) {
	if res.Cost <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.epoch != l.epoch {
		return
	}
	l.remaining += res.Cost
	l.inFlight -= res.Cost
	if l.inFlight < 0 {
		l.inFlight = 0
	}
	l.broadcastLocked()
}

// State returns a snapshot of the ledger.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Remaining: l.remaining,
		Limit:     l.limit,
		InFlight:  l.inFlight,
		ResetAt:   l.resetAt,
		Known:     l.known,
	}
}

// refillLocked restores the full budget once the reset time has passed.
func (l *Limiter) refillLocked(now time.Time) {
	if l.resetAt.IsZero() || now.Before(l.resetAt.Add(l.padding)) {
		return
	}
	l.remaining = l.limit
	l.inFlight = 0
	l.resetAt = time.Time{}
	l.known = false
	l.epoch++
	l.broadcastLocked()
	l.logger.Info("rate limit window reset", zap.Int("remaining", l.remaining))
}

func (l *Limiter) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func waitFor(ctx context.Context, changed <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return nil
	case <-timer.C:
		return nil
	}
}
