// Package validator implements the seven-check signal validator (§4.G): a
// non-short-circuiting second opinion run after detection, recording the
// first rejection reason encountered but still evaluating every check so
// every failure gets logged. A 200-entry bounded history ring backs the
// historical win-rate check.
package validator

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"arbsignal/internal/confidence"
	"arbsignal/pkg/types"
)

// Config holds the thresholds the validator applies.
type Config struct {
	MinLiquidityEUR        float64
	DepthPositionSize      float64
	MaxSlippagePct         float64
	OracleMinAgeLowVol     float64
	OracleMinAgeNormalVol  float64
	OracleMaxAgeStrict     float64
	FastHeartbeatThreshold float64
	MinSpreadRealistic     float64
	VolumeSurgeThreshold   float64
	SpikeConcentrationMin  float64
	EscapeClauseMinMove    float64
	MinDivergencePct       float64
	HistoryMinWinRate      float64
	HistoryMinEntries      int
	HistoryDefaultWinRate  float64
	HistorySize            int
}

// DefaultConfig returns the thresholds observed in the reference engine.
func DefaultConfig() Config {
	return Config{
		MinLiquidityEUR:        50,
		DepthPositionSize:      25,
		MaxSlippagePct:         0.03,
		OracleMinAgeLowVol:     5,
		OracleMinAgeNormalVol:  10,
		OracleMaxAgeStrict:     70,
		FastHeartbeatThreshold: 35,
		MinSpreadRealistic:     0.001,
		VolumeSurgeThreshold:   1.3,
		SpikeConcentrationMin:  0.4,
		EscapeClauseMinMove:    0.008,
		MinDivergencePct:       0.05,
		HistoryMinWinRate:      0.60,
		HistoryMinEntries:      10,
		HistoryDefaultWinRate:  0.65,
		HistorySize:            200,
	}
}

// History is the bounded ring of past signal outcomes keyed by
// {kind, direction, regime} used for the win-rate check.
type History struct {
	mu      sync.Mutex
	maxSize int
	entries []types.HistoryRecord
}

// NewHistory creates an empty history ring of the given capacity.
func NewHistory(maxSize int) *History {
	return &History{maxSize: maxSize}
}

// Add records a resolved signal outcome, trimming to maxSize.
func (h *History) Add(r types.HistoryRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, r)
	if len(h.entries) > h.maxSize {
		h.entries = h.entries[len(h.entries)-h.maxSize:]
	}
}

// WinRate returns the win rate among entries matching kind/direction/regime,
// or defaultRate if fewer than minEntries match.
func (h *History) WinRate(kind types.SignalKind, direction types.SignalDirection, regime types.VolatilityRegime, minEntries int, defaultRate float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	var wins, total int
	for _, e := range h.entries {
		if e.Kind != kind || e.Direction != direction || e.Regime != regime {
			continue
		}
		total++
		if e.Won != nil && *e.Won {
			wins++
		}
	}
	if total < minEntries {
		return defaultRate
	}
	return float64(wins) / float64(total)
}

// Len reports the number of recorded entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Validator runs the seven-check second opinion on a detected candidate.
type Validator struct {
	cfg              Config
	spotImpliedScale float64
	logger           *slog.Logger
	history          *History
}

// New creates a validator with the given config and a fresh history ring.
// spotImpliedScale is the same scale factor the confidence scorer uses for
// confidence.SpotImpliedProb — one shared setting, not an independent one,
// so the validator's directional-persistence check and the scorer's
// divergence subscore never disagree about what a spot move implies.
func New(cfg Config, spotImpliedScale float64, logger *slog.Logger) *Validator {
	return &Validator{
		cfg:              cfg,
		spotImpliedScale: spotImpliedScale,
		logger:           logger.With("component", "validator"),
		history:          NewHistory(cfg.HistorySize),
	}
}

func (v *Validator) checkDirectionalPersistence(c *types.SignalCandidate) (bool, types.RejectionReason) {
	if c.Consensus == nil {
		return false, types.ConsensusFailure
	}
	if c.Market != nil {
		spotImplied := confidence.SpotImpliedProb(c.Consensus.Move30s, v.spotImpliedScale)
		divergence := abs(spotImplied - c.Market.YesBid)
		if divergence >= v.cfg.MinDivergencePct {
			return true, ""
		}
	}
	if abs(c.Consensus.Move30s) >= v.cfg.EscapeClauseMinMove*0.5 {
		return true, ""
	}
	return false, types.DirectionReversed
}

func (v *Validator) checkLiquidityReality(c *types.SignalCandidate) (bool, types.RejectionReason) {
	if c.Market == nil {
		return false, types.LiquidityLow
	}
	m := c.Market
	if m.YesLiquidityBest < v.cfg.MinLiquidityEUR {
		return false, types.LiquidityLow
	}

	var totalDepth float64
	for _, lvl := range m.YesDepth3 {
		totalDepth += lvl.Size
	}
	if totalDepth < v.cfg.DepthPositionSize {
		return false, types.LiquidityLow
	}

	remaining := decimal.NewFromFloat(v.cfg.DepthPositionSize)
	totalCost := decimal.Zero
	for _, lvl := range m.YesDepth3 {
		size := decimal.NewFromFloat(lvl.Size)
		price := decimal.NewFromFloat(lvl.Price)
		take := remaining
		if size.LessThan(remaining) {
			take = size
		}
		totalCost = totalCost.Add(take.Mul(price))
		remaining = remaining.Sub(take)
		if remaining.Sign() <= 0 {
			break
		}
	}
	if remaining.Sign() > 0 {
		return false, types.SlippageTooHigh
	}

	avgPrice := totalCost.Div(decimal.NewFromFloat(v.cfg.DepthPositionSize))
	yesBid := decimal.NewFromFloat(m.YesBid)
	var slippage decimal.Decimal
	if yesBid.IsPositive() {
		slippage = avgPrice.Sub(yesBid).Div(yesBid)
	} else {
		slippage = decimal.NewFromInt(1)
	}

	if slippage.GreaterThan(decimal.NewFromFloat(v.cfg.MaxSlippagePct)) {
		return false, types.SlippageTooHigh
	}
	return true, ""
}

func (v *Validator) checkLiquidityCollapse(c *types.SignalCandidate) (bool, types.RejectionReason) {
	if c.Market == nil {
		return false, types.LiquidityCollapsing
	}
	if c.Market.LiquidityCollapsing {
		return false, types.LiquidityCollapsing
	}
	return true, ""
}

func (v *Validator) checkOracleUpdateRisk(c *types.SignalCandidate) (bool, types.RejectionReason) {
	if c.Oracle == nil || c.Consensus == nil {
		return false, types.OracleTooFresh
	}
	minAge := v.cfg.OracleMinAgeNormalVol
	if c.Consensus.Regime == types.RegimeLow {
		minAge = v.cfg.OracleMinAgeLowVol
	}
	if c.Oracle.AgeSeconds < minAge {
		return false, types.OracleTooFresh
	}
	if c.Oracle.AgeSeconds > v.cfg.OracleMaxAgeStrict {
		return false, types.OracleTooStale
	}
	if c.Oracle.FastHeartbeat {
		recentAvg := 60.0
		if len(c.Oracle.RecentIntervals) > 0 {
			var sum float64
			for _, iv := range c.Oracle.RecentIntervals {
				sum += iv
			}
			recentAvg = sum / float64(len(c.Oracle.RecentIntervals))
		}
		if recentAvg < v.cfg.FastHeartbeatThreshold {
			return false, types.FastHeartbeatMode
		}
	}
	return true, ""
}

func (v *Validator) checkSpreadConvergence(c *types.SignalCandidate) (bool, types.RejectionReason) {
	if c.Market == nil {
		return true, ""
	}
	if c.Market.Spread < v.cfg.MinSpreadRealistic {
		return false, types.SpreadConverging
	}
	return true, ""
}

func (v *Validator) checkVolumeAuthentication(c *types.SignalCandidate) (bool, types.RejectionReason) {
	if c.Consensus == nil {
		return false, types.VolumeLow
	}
	if c.Consensus.VolumeSurgeRatio < v.cfg.VolumeSurgeThreshold {
		return false, types.VolumeLow
	}
	return true, ""
}

func (v *Validator) checkSpikeConcentration(c *types.SignalCandidate) (bool, types.RejectionReason) {
	if c.Consensus == nil {
		return false, types.SmoothDrift
	}
	if c.Consensus.SpikeConcentration < v.cfg.SpikeConcentrationMin {
		return false, types.SmoothDrift
	}
	return true, ""
}

func (v *Validator) checkHistoricalPerformance(c *types.SignalCandidate) (bool, float64, types.RejectionReason) {
	if c.Consensus == nil {
		return false, 0, types.HistoricalWinRateLow
	}
	winRate := v.history.WinRate(c.Kind, c.Direction, c.Consensus.Regime, v.cfg.HistoryMinEntries, v.cfg.HistoryDefaultWinRate)
	if winRate < v.cfg.HistoryMinWinRate {
		return false, winRate, types.HistoricalWinRateLow
	}
	return true, winRate, ""
}

// Validate runs every check against the candidate, without short-circuiting:
// every check result is recorded, and the FIRST rejection reason encountered
// (in check order, historical performance checked last) is kept.
func (v *Validator) Validate(c *types.SignalCandidate) *types.ValidationResult {
	result := &types.ValidationResult{Passed: true}

	record := func(passed bool, reason types.RejectionReason) bool {
		if !passed && result.RejectionReason == "" {
			result.Passed = false
			result.RejectionReason = reason
		}
		return passed
	}

	result.DirectionalPersistence = record(v.checkDirectionalPersistence(c))
	result.LiquiditySufficient = record(v.checkLiquidityReality(c))
	result.LiquidityNotCollapsing = record(v.checkLiquidityCollapse(c))
	result.OracleWindowSafe = record(v.checkOracleUpdateRisk(c))
	result.SpreadNotConverging = record(v.checkSpreadConvergence(c))
	result.VolumeAuthenticated = record(v.checkVolumeAuthentication(c))
	result.SpikeNotSmoothDrift = record(v.checkSpikeConcentration(c))

	histPassed, winRate, histReason := v.checkHistoricalPerformance(c)
	result.HistoricalWinRate = winRate
	if !histPassed {
		result.Passed = false
		if result.RejectionReason == "" {
			result.RejectionReason = histReason
		}
	}

	if result.Passed {
		v.logger.Info("validation passed", "signal_id", c.SignalID, "historical_win_rate", winRate)
	} else {
		v.logger.Info("validation failed", "signal_id", c.SignalID, "reason", result.RejectionReason)
	}

	return result
}

// RecordOutcome appends a resolved signal outcome to the history ring.
func (v *Validator) RecordOutcome(c *types.SignalCandidate, won bool) {
	if c.Oracle == nil || c.Consensus == nil {
		return
	}
	v.history.Add(types.HistoryRecord{
		TSMs:      c.TSMs,
		Kind:      c.Kind,
		Direction: c.Direction,
		OracleAge: c.Oracle.AgeSeconds,
		Regime:    c.Consensus.Regime,
		Won:       &won,
	})
}

// HistoryLen reports the current number of recorded outcomes.
func (v *Validator) HistoryLen() int {
	return v.history.Len()
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
