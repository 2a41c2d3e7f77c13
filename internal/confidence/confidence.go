// Package confidence implements the divergence-based confidence scorer
// (§4.H): seven weighted subscores (divergence, PM staleness, consensus
// strength, liquidity, volume surge, spike concentration, maker advantage),
// a probability-normalization penalty, an escape-clause penalty, and an
// optional time-of-day multiplier.
package confidence

import (
	"log/slog"
	"math"
	"time"

	"arbsignal/pkg/types"
)

// Weights holds the per-subscore weight of the seven active subscores. The
// defaults sum to 0.90, not 1. The breakdown's three legacy fields have no
// weight here; they are always left 0, kept only so a deserialized
// breakdown round-trips.
type Weights struct {
	Divergence         float64
	PMStaleness        float64
	ConsensusStrength  float64
	Liquidity          float64
	VolumeSurge        float64
	SpikeConcentration float64
	MakerAdvantage     float64
}

// DefaultWeights mirrors the reference scorer's documented split.
func DefaultWeights() Weights {
	return Weights{
		Divergence:         0.35,
		PMStaleness:        0.20,
		ConsensusStrength:  0.12,
		Liquidity:          0.08,
		VolumeSurge:        0.05,
		SpikeConcentration: 0.05,
		MakerAdvantage:     0.05,
	}
}

// Config holds the non-weight thresholds the scorer applies.
type Config struct {
	Weights                    Weights
	SpotImpliedScale           float64
	MinDivergencePct           float64
	MaxDivergencePct           float64
	MinPMStalenessSeconds      float64
	OptimalPMStalenessSeconds  float64
	MaxPMStalenessSeconds      float64
	MoveConsistency            float64
	EscapeClauseConfidencePenalty float64
}

// DefaultConfig returns the thresholds observed in the reference scorer.
func DefaultConfig() Config {
	return Config{
		Weights:                       DefaultWeights(),
		SpotImpliedScale:              100,
		MinDivergencePct:              0.05,
		MaxDivergencePct:              0.15,
		MinPMStalenessSeconds:         15,
		OptimalPMStalenessSeconds:     25,
		MaxPMStalenessSeconds:         60,
		MoveConsistency:               0.8,
		EscapeClauseConfidencePenalty: 0.10,
	}
}

// TimeOfDayMultiplier returns a confidence multiplier for the given hour
// (0-23). Injected so the scorer stays testable without a real clock.
type TimeOfDayMultiplier func(hour int) float64

// Scorer computes a ScoringData from a validated candidate.
type Scorer struct {
	cfg          Config
	logger       *slog.Logger
	timeOfDay    TimeOfDayMultiplier
}

// New creates a scorer. timeOfDay may be nil, in which case no time-of-day
// multiplier is applied (matches the reference scorer's optional analyzer).
func New(cfg Config, logger *slog.Logger, timeOfDay TimeOfDayMultiplier) *Scorer {
	return &Scorer{cfg: cfg, logger: logger.With("component", "confidence_scorer"), timeOfDay: timeOfDay}
}

// SpotImpliedProb converts spot momentum into an implied settlement
// probability via a logistic curve: 1 / (1 + e^-momentum*scale). Shared with
// internal/validator's directional-persistence check so both consumers of
// the spot-implied model agree on its shape and scale.
func SpotImpliedProb(momentum, scale float64) float64 {
	return 1 / (1 + math.Exp(-momentum*scale))
}

func (s *Scorer) scoreDivergence(move30s, pmYesBid float64) float64 {
	spotImplied := SpotImpliedProb(move30s, s.cfg.SpotImpliedScale)
	divergence := math.Abs(spotImplied - pmYesBid)
	if divergence < s.cfg.MinDivergencePct {
		return 0
	}
	return clip((divergence-s.cfg.MinDivergencePct)/(s.cfg.MaxDivergencePct-s.cfg.MinDivergencePct), 0, 1)
}

func (s *Scorer) scorePMStaleness(ageSeconds float64) float64 {
	min, optimal, max := s.cfg.MinPMStalenessSeconds, s.cfg.OptimalPMStalenessSeconds, s.cfg.MaxPMStalenessSeconds
	switch {
	case ageSeconds < min:
		return 0
	case ageSeconds <= optimal:
		return (ageSeconds - min) / (optimal - min)
	case ageSeconds <= max:
		return 1 - (ageSeconds-optimal)/(max-optimal)
	default:
		return 0
	}
}

func (s *Scorer) scoreConsensusStrength(agreementScore float64) float64 {
	return (agreementScore + s.cfg.MoveConsistency) / 2
}

func scoreLiquidity(availableLiquidity, liquidity30sAgo float64) float64 {
	base := clip(availableLiquidity/100, 0, 1)
	stability := 1.0
	if liquidity30sAgo > 0 {
		stability = clip(availableLiquidity/liquidity30sAgo, 0, 1)
	}
	return base * stability
}

func scoreVolumeSurge(ratio float64) float64 {
	if ratio <= 1 {
		return 0
	}
	return clip((ratio-1)/1.5, 0, 1)
}

func scoreSpikeConcentration(concentration float64) float64 {
	if concentration <= 0.4 {
		return 0
	}
	return clip((concentration-0.4)/0.3, 0, 1)
}

// scoreMakerAdvantage is the mean of three subscores: price-zone fee
// favorability, spread tightness, and taker-fee-avoidance value.
func scoreMakerAdvantage(m *types.MarketState, direction types.SignalDirection) float64 {
	side := "YES"
	currentPrice := m.YesBid
	if direction == types.Down {
		side = "NO"
		currentPrice = m.NoBid
	}
	spread := math.Abs(m.YesAsk - m.YesBid)
	takerFee := m.EffectiveFee(side, currentPrice, false)

	var zoneScore float64
	switch {
	case currentPrice >= 0.20 && currentPrice <= 0.80:
		zoneScore = 1.0
	case currentPrice >= 0.15 && currentPrice <= 0.85:
		zoneScore = 0.7
	case currentPrice >= 0.45 && currentPrice <= 0.55:
		zoneScore = 0.2
	default:
		zoneScore = 0.5
	}

	var spreadScore float64
	switch {
	case spread < 0.02:
		spreadScore = 1.0
	case spread < 0.05:
		spreadScore = 0.7
	default:
		spreadScore = 0.3
	}

	var feeScore float64
	switch {
	case takerFee > 0.015:
		feeScore = 1.0
	case takerFee > 0.010:
		feeScore = 0.7
	default:
		feeScore = 0.5
	}

	return (zoneScore + spreadScore + feeScore) / 3
}

// normalizedProbabilityPenalty penalizes a YES/NO quote pair whose
// probabilities don't sum to ~1 (a data-quality signal, not a trading one).
func normalizedProbabilityPenalty(yesBid, noBid float64) float64 {
	return clip(1-math.Abs(yesBid+noBid-1), 0, 1)
}

// Score computes the weighted confidence for a candidate that has already
// passed detection and validation.
func (s *Scorer) Score(c *types.SignalCandidate, now time.Time) *types.ScoringData {
	if c.Consensus == nil || c.Market == nil {
		return &types.ScoringData{}
	}

	consensus, m := c.Consensus, c.Market

	divergenceScore := s.scoreDivergence(consensus.Move30s, m.YesBid)
	pmStalenessScore := s.scorePMStaleness(m.OrderbookAgeS)
	consensusScore := s.scoreConsensusStrength(consensus.AgreementScore)
	liquidityScore := scoreLiquidity(m.YesLiquidityBest, m.Liquidity30sAgo)
	volumeScore := scoreVolumeSurge(consensus.VolumeSurgeRatio)
	spikeScore := scoreSpikeConcentration(consensus.SpikeConcentration)
	makerScore := scoreMakerAdvantage(m, c.Direction)

	breakdown := types.ConfidenceBreakdown{
		Divergence:         divergenceScore,
		PMStaleness:        pmStalenessScore,
		ConsensusStrength:  consensusScore,
		Liquidity:          liquidityScore,
		VolumeSurge:        volumeScore,
		SpikeConcentration: spikeScore,
		MakerAdvantage:     makerScore,
	}

	w := s.cfg.Weights
	confidence := w.Divergence*divergenceScore +
		w.PMStaleness*pmStalenessScore +
		w.ConsensusStrength*consensusScore +
		w.Liquidity*liquidityScore +
		w.VolumeSurge*volumeScore +
		w.SpikeConcentration*spikeScore +
		w.MakerAdvantage*makerScore

	if penalty := normalizedProbabilityPenalty(m.YesBid, m.NoBid); penalty < 1.0 {
		confidence *= penalty
	}

	escapeUsed := c.Kind == types.EscapeClause
	var confidencePenalty float64
	if escapeUsed {
		confidencePenalty = s.cfg.EscapeClauseConfidencePenalty
		confidence *= 1 - confidencePenalty
	}

	if s.timeOfDay != nil {
		confidence *= s.timeOfDay(now.Hour())
	}

	confidence = clip(confidence, 0, 1)

	s.logger.Debug("confidence scored",
		"signal_id", c.SignalID,
		"confidence", confidence,
		"tier", Tier(confidence),
	)

	return &types.ScoringData{
		Confidence:        confidence,
		Breakdown:         breakdown,
		EscapeClauseUsed:  escapeUsed,
		ConfidencePenalty: confidencePenalty,
	}
}

// Tier maps a confidence value to its human-readable tier name.
func Tier(confidence float64) string {
	switch {
	case confidence >= 0.85:
		return "EXCELLENT"
	case confidence >= 0.75:
		return "VERY_GOOD"
	case confidence >= 0.65:
		return "GOOD"
	case confidence >= 0.55:
		return "MODERATE"
	default:
		return "LOW"
	}
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
