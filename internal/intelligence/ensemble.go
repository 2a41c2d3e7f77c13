package intelligence

import (
	"log/slog"
	"time"

	"arbsignal/pkg/types"
)

// EnsembleConfig holds the weights the filter applies to each overlay
// component when adjusting a candidate's confidence.
type EnsembleConfig struct {
	MMLagWeight     float64
	TimeOfDayWeight float64
	FlowWeight      float64
	MinAdjusted     float64
}

// DefaultEnsembleConfig weights MM-lag timing most heavily since it is the
// most direct "are we still ahead of the market" read, time-of-day second,
// and flow confirmation as a smaller corroborating signal.
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		MMLagWeight:     0.5,
		TimeOfDayWeight: 0.3,
		FlowWeight:      0.2,
		MinAdjusted:     0.0,
	}
}

// EnsembleResult is the overlay's full verdict for one candidate.
type EnsembleResult struct {
	MMLagScore        float64
	TimeOfDayMultiplier float64
	FlowConfirms       bool
	AdjustedConfidence float64
}

// EnsembleFilter combines the MM-lag tracker, time-of-day analyser, and
// order-flow tracker into a single confidence adjustment layered on top of
// the core detector/validator/scorer pipeline.
type EnsembleFilter struct {
	cfg     EnsembleConfig
	logger  *slog.Logger
	mmLag   *MMLagTracker
	timeOfDay *TimeOfDayAnalyzer
	flow    *OrderFlowTracker
}

// NewEnsembleFilter wires the three overlay components together.
func NewEnsembleFilter(cfg EnsembleConfig, logger *slog.Logger, mmLag *MMLagTracker, timeOfDay *TimeOfDayAnalyzer, flow *OrderFlowTracker) *EnsembleFilter {
	return &EnsembleFilter{
		cfg:       cfg,
		logger:    logger.With("component", "ensemble_filter"),
		mmLag:     mmLag,
		timeOfDay: timeOfDay,
		flow:      flow,
	}
}

// Apply adjusts baseConfidence for c using the three overlay reads as of now.
func (e *EnsembleFilter) Apply(c *types.SignalCandidate, baseConfidence float64, now time.Time) EnsembleResult {
	hour := now.Hour()

	var oracleAge float64
	if c.Oracle != nil {
		oracleAge = c.Oracle.AgeSeconds
	}
	mmScore := e.mmLag.Score(oracleAge, hour)
	todMultiplier := e.timeOfDay.ConfidenceMultiplier(hour)
	flowConfirms := e.flow.Confirms(c.Direction, now)

	flowBonus := 0.0
	if flowConfirms {
		flowBonus = 1.0
	}

	blendedMultiplier := 1.0 +
		e.cfg.MMLagWeight*(mmScore-0.5) +
		e.cfg.TimeOfDayWeight*(todMultiplier-1.0) +
		e.cfg.FlowWeight*(flowBonus-0.5)*0.2

	adjusted := baseConfidence * blendedMultiplier
	if adjusted < e.cfg.MinAdjusted {
		adjusted = e.cfg.MinAdjusted
	}
	if adjusted > 1.0 {
		adjusted = 1.0
	}

	e.logger.Debug("ensemble filter applied",
		"signal_id", c.SignalID,
		"mm_lag_score", mmScore,
		"time_of_day_multiplier", todMultiplier,
		"flow_confirms", flowConfirms,
		"adjusted_confidence", adjusted,
	)

	return EnsembleResult{
		MMLagScore:          mmScore,
		TimeOfDayMultiplier: todMultiplier,
		FlowConfirms:        flowConfirms,
		AdjustedConfidence:  adjusted,
	}
}
