// Package signal implements the signal detector (§4.F): a regime-adaptive
// move-threshold gate, an escape clause sub-gate for sub-threshold moves
// accompanied by strong secondary evidence, a legacy spot/oracle-divergence
// mispricing gate that is enforced independently of (not instead of) the
// primary gate, and a per-direction dedup cooldown.
package signal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"arbsignal/pkg/types"
)

// Config holds every numeric threshold the detector applies. Field names
// mirror the settings the reference engine reads from its signals config
// section.
type Config struct {
	MinSpotMovePct         float64
	ATRMultiplier          float64
	EscapeClauseMinMove    float64
	EscapeClauseMinOracleAge float64
	EscapeClauseMinImbalance float64
	EscapeClauseMinLiquidity float64
	EscapeClauseMinVolumeSurge float64
	VolumeSurgeThreshold   float64
	SpikeConcentrationThreshold float64
	OracleMinAgeLowVol     float64
	OracleMinAgeNormalVol  float64
	OracleMaxAge           float64
	MaxVolatility30s       float64
	MinLiquidityEUR        float64
	MinMispricingPct       float64
	Cooldown               time.Duration
}

// DefaultConfig returns the thresholds observed in the reference engine.
func DefaultConfig() Config {
	return Config{
		MinSpotMovePct:              0.0075,
		ATRMultiplier:               1.5,
		EscapeClauseMinMove:         0.008,
		EscapeClauseMinOracleAge:    15,
		EscapeClauseMinImbalance:    0.2,
		EscapeClauseMinLiquidity:    75,
		EscapeClauseMinVolumeSurge:  2.5,
		VolumeSurgeThreshold:        1.3,
		SpikeConcentrationThreshold: 0.4,
		OracleMinAgeLowVol:          5,
		OracleMinAgeNormalVol:       10,
		OracleMaxAge:                60,
		MaxVolatility30s:            0.02,
		MinLiquidityEUR:             50,
		MinMispricingPct:            0.05,
		Cooldown:                    10 * time.Second,
	}
}

type recentSignal struct {
	tsMs      int64
	direction types.SignalDirection
}

// Detector identifies trading opportunities from the consensus/oracle/market
// triple and enforces the per-direction dedup cooldown.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	recent []recentSignal
}

// New creates a signal detector with the given config.
func New(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger.With("component", "signal_detector")}
}

func (d *Detector) moveThreshold(c *types.ConsensusData) float64 {
	atrBased := d.cfg.ATRMultiplier * c.ATR5m
	if atrBased > d.cfg.MinSpotMovePct {
		return atrBased
	}
	return d.cfg.MinSpotMovePct
}

func (d *Detector) oracleAgeWindow(regime types.VolatilityRegime) (min, max float64) {
	if regime == types.RegimeLow {
		return d.cfg.OracleMinAgeLowVol, d.cfg.OracleMaxAge
	}
	return d.cfg.OracleMinAgeNormalVol, d.cfg.OracleMaxAge
}

func (d *Detector) isDuplicate(now time.Time, direction types.SignalDirection) bool {
	nowMs := now.UnixMilli()
	kept := d.recent[:0]
	dup := false
	for _, r := range d.recent {
		if nowMs-r.tsMs < d.cfg.Cooldown.Milliseconds() {
			kept = append(kept, r)
			if r.direction == direction {
				dup = true
			}
		}
	}
	d.recent = kept
	return dup
}

// checkPrimary runs the ten-step ordered primary gate. It returns
// (passed, reason, escapeClauseUsed).
func (d *Detector) checkPrimary(c *types.ConsensusData, o *types.OracleState, m *types.MarketState) (bool, types.RejectionReason, bool) {
	threshold := d.moveThreshold(c)
	movePct := abs(c.Move30s)

	if movePct < d.cfg.EscapeClauseMinMove {
		return false, types.InsufficientMove, false
	}

	escapeUsed := false
	if movePct < threshold {
		imbalanceWide := abs(m.OrderbookImbalanceRatio) >= d.cfg.EscapeClauseMinImbalance
		ok := o.AgeSeconds >= d.cfg.EscapeClauseMinOracleAge &&
			imbalanceWide &&
			m.YesLiquidityBest >= d.cfg.EscapeClauseMinLiquidity &&
			c.VolumeSurgeRatio >= d.cfg.EscapeClauseMinVolumeSurge
		if !ok {
			return false, types.InsufficientMove, false
		}
		escapeUsed = true
	}

	if c.VolumeSurgeRatio < d.cfg.VolumeSurgeThreshold {
		return false, types.VolumeLow, escapeUsed
	}
	if c.SpikeConcentration < d.cfg.SpikeConcentrationThreshold {
		return false, types.SmoothDrift, escapeUsed
	}
	if !c.Agree {
		return false, types.ConsensusFailure, escapeUsed
	}

	minAge, maxAge := d.oracleAgeWindow(c.Regime)
	if o.AgeSeconds < minAge {
		return false, types.OracleTooFresh, escapeUsed
	}
	if o.AgeSeconds > maxAge {
		return false, types.OracleTooStale, escapeUsed
	}
	if o.FastHeartbeat {
		return false, types.FastHeartbeatMode, escapeUsed
	}
	if c.Volatility30s > d.cfg.MaxVolatility30s {
		return false, types.VolatilityTooHigh, escapeUsed
	}
	if m.YesLiquidityBest < d.cfg.MinLiquidityEUR {
		return false, types.LiquidityLow, escapeUsed
	}
	if m.LiquidityCollapsing {
		return false, types.LiquidityCollapsing, escapeUsed
	}

	return true, "", escapeUsed
}

// impliedProbability is the legacy linear spot/oracle-divergence model: a
// simplified estimate of the settlement probability, scaled 5x off the
// fractional divergence and clamped to [0, 1].
func impliedProbability(spot, oracle float64) float64 {
	if oracle == 0 {
		return 0.5
	}
	divergence := (spot - oracle) / oracle
	return clip(0.5+divergence*5, 0, 1)
}

// checkMispricing is the legacy gate kept alongside (not instead of) the
// primary gate: it requires the PM-implied probability to lag the
// spot-implied probability by at least MinMispricingPct in the signal's
// direction.
func (d *Detector) checkMispricing(c *types.ConsensusData, o *types.OracleState, m *types.MarketState, direction types.SignalDirection) (bool, float64) {
	spotImplied := impliedProbability(c.Price, o.Value)
	pmImplied := m.ImpliedProb

	var mispricing float64
	if direction == types.Up {
		mispricing = spotImplied - pmImplied
	} else {
		mispricing = pmImplied - (1 - spotImplied)
	}
	return mispricing >= d.cfg.MinMispricingPct, mispricing
}

// Detect evaluates the current state and returns a candidate signal, or nil
// if no opportunity is detected. reason is populated only when ok is false
// and a primary-gate rejection fired (informational; the detector itself
// records no ValidationResult — that belongs to the validator stage).
func (d *Detector) Detect(now time.Time, c *types.ConsensusData, o *types.OracleState, m *types.MarketState) (candidate *types.SignalCandidate, reason types.RejectionReason, ok bool) {
	direction := types.Down
	if c.Move30s > 0 {
		direction = types.Up
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isDuplicate(now, direction) {
		return nil, "", false
	}

	passed, rejection, escapeUsed := d.checkPrimary(c, o, m)
	if !passed {
		return nil, rejection, false
	}

	mispriced, _ := d.checkMispricing(c, o, m, direction)
	if !mispriced {
		return nil, "", false
	}

	kind := types.Standard
	if escapeUsed {
		kind = types.EscapeClause
	}

	candidate = &types.SignalCandidate{
		SignalID:  uuid.NewString(),
		TSMs:      now.UnixMilli(),
		MarketID:  m.MarketID,
		Direction: direction,
		Kind:      kind,
		Consensus: c,
		Oracle:    o,
		Market:    m,
	}

	d.recent = append(d.recent, recentSignal{tsMs: now.UnixMilli(), direction: direction})

	d.logger.Info("signal candidate detected",
		"signal_id", candidate.SignalID,
		"direction", direction,
		"kind", kind,
		"move_pct", c.Move30s,
		"oracle_age", o.AgeSeconds,
	)

	return candidate, "", true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
