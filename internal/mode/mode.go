// Package mode implements the operating-mode dispatcher (§4.K): Shadow,
// Alert, and Automated consumers for an accepted signal, plus the circuit
// breaker that can pause automated dispatch on consecutive losses, daily
// loss, gas cost, or concurrent-position limits. The breaker is grounded on
// the reference risk manager's report-then-check-then-kill loop, generalized
// from per-market USD exposure to session-wide trade outcome caps.
package mode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arbsignal/pkg/types"
)

// State is the circuit breaker's current posture.
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
)

// Outcome is a realized trade result reported back to the breaker after
// automated dispatch executes (or after a position resolves).
type Outcome struct {
	MarketID   string
	Won        bool
	ProfitEUR  float64
	GasCostEUR float64
	At         time.Time
}

// Config holds the circuit breaker's limits.
type Config struct {
	MaxConsecutiveLosses int
	MaxDailyLossEUR      float64
	MaxGasCostEUR        float64
	MaxConcurrentPositions int
	CooldownAfterTrip    time.Duration
}

// DefaultConfig returns conservative session-wide limits.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveLosses:   2,
		MaxDailyLossEUR:        100,
		MaxGasCostEUR:          20,
		MaxConcurrentPositions: 3,
		CooldownAfterTrip:      15 * time.Minute,
	}
}

// Dispatcher is the interface each of Shadow/Alert/Automated implement for
// consuming an accepted, scored, validated signal candidate.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *types.SignalCandidate) error
}

// DispatchFunc adapts a plain function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, c *types.SignalCandidate) error

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, c *types.SignalCandidate) error {
	return f(ctx, c)
}

// Breaker tracks session trade outcomes and trips to StatePaused when any
// limit is breached, independent of which operating mode is active.
type Breaker struct {
	cfg    Config
	logger *slog.Logger

	mu                 sync.Mutex
	state              State
	pausedUntil        time.Time
	consecutiveLosses  int
	dailyLossEUR       float64
	dailyGasCostEUR    float64
	openPositions      map[string]bool
	dayAnchor          time.Time
}

// NewBreaker creates an active circuit breaker.
func NewBreaker(cfg Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		cfg:           cfg,
		logger:        logger.With("component", "circuit_breaker"),
		state:         StateActive,
		openPositions: make(map[string]bool),
		dayAnchor:     time.Now(),
	}
}

// State reports the breaker's current posture, clearing an expired pause.
func (b *Breaker) State(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearExpiredLocked(now)
	return b.state
}

func (b *Breaker) clearExpiredLocked(now time.Time) {
	if b.state == StatePaused && now.After(b.pausedUntil) {
		b.state = StateActive
		b.logger.Info("circuit breaker cooldown expired, resuming")
	}
	if now.Sub(b.dayAnchor) > 24*time.Hour {
		b.dailyLossEUR = 0
		b.dailyGasCostEUR = 0
		b.dayAnchor = now
	}
}

// OpenPosition registers a newly opened position for the concurrency limit.
func (b *Breaker) OpenPosition(marketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openPositions[marketID] = true
}

// RecordOutcome applies a realized trade result and trips the breaker if any
// limit is now breached.
func (b *Breaker) RecordOutcome(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clearExpiredLocked(o.At)
	delete(b.openPositions, o.MarketID)

	if o.Won {
		b.consecutiveLosses = 0
	} else {
		b.consecutiveLosses++
	}
	if o.ProfitEUR < 0 {
		b.dailyLossEUR += -o.ProfitEUR
	}
	b.dailyGasCostEUR += o.GasCostEUR

	switch {
	case b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		b.tripLocked(fmt.Sprintf("%d consecutive losses", b.consecutiveLosses))
	case b.dailyLossEUR > b.cfg.MaxDailyLossEUR:
		b.tripLocked(fmt.Sprintf("daily loss %.2f EUR exceeds cap", b.dailyLossEUR))
	case b.dailyGasCostEUR > b.cfg.MaxGasCostEUR:
		b.tripLocked(fmt.Sprintf("daily gas cost %.2f EUR exceeds cap", b.dailyGasCostEUR))
	}
}

func (b *Breaker) tripLocked(reason string) {
	b.state = StatePaused
	b.pausedUntil = time.Now().Add(b.cfg.CooldownAfterTrip)
	b.logger.Error("circuit breaker tripped", "reason", reason, "paused_until", b.pausedUntil)
}

// CanOpenPosition reports whether a new position is allowed given the
// concurrent-position limit and the breaker's current state.
func (b *Breaker) CanOpenPosition(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearExpiredLocked(now)
	if b.state == StatePaused {
		return false
	}
	return len(b.openPositions) < b.cfg.MaxConcurrentPositions
}

// Router selects and invokes the configured operating-mode dispatcher for
// each accepted candidate, skipping automated dispatch entirely while the
// breaker is paused (shadow/alert still run so the operator keeps visibility).
type Router struct {
	mode     types.OperatingMode
	breaker  *Breaker
	logger   *slog.Logger
	shadow   Dispatcher
	alert    Dispatcher
	automated Dispatcher
}

// NewRouter wires the three dispatch paths behind the configured mode.
func NewRouter(initialMode types.OperatingMode, breaker *Breaker, logger *slog.Logger, shadow, alert, automated Dispatcher) *Router {
	return &Router{
		mode:      initialMode,
		breaker:   breaker,
		logger:    logger.With("component", "mode_router"),
		shadow:    shadow,
		alert:     alert,
		automated: automated,
	}
}

// Route dispatches c through the path selected by the current mode.
func (r *Router) Route(ctx context.Context, c *types.SignalCandidate, now time.Time) error {
	switch r.mode {
	case types.ModeShadow:
		return r.dispatch(ctx, r.shadow, c)
	case types.ModeAlert:
		return r.dispatch(ctx, r.alert, c)
	case types.ModeAutomated:
		if r.breaker.State(now) == StatePaused {
			r.logger.Warn("automated dispatch skipped, breaker paused", "signal_id", c.SignalID)
			return nil
		}
		if !r.breaker.CanOpenPosition(now) {
			r.logger.Warn("automated dispatch skipped, max concurrent positions reached", "signal_id", c.SignalID)
			return nil
		}
		if err := r.dispatch(ctx, r.automated, c); err != nil {
			return err
		}
		r.breaker.OpenPosition(c.MarketID)
		return nil
	default:
		return fmt.Errorf("unknown operating mode %q", r.mode)
	}
}

func (r *Router) dispatch(ctx context.Context, d Dispatcher, c *types.SignalCandidate) error {
	if d == nil {
		return nil
	}
	return d.Dispatch(ctx, c)
}

// SetMode switches the active operating mode.
func (r *Router) SetMode(m types.OperatingMode) {
	r.logger.Info("operating mode changed", "mode", m)
	r.mode = m
}
