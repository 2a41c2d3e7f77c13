package intelligence

import (
	"math"
	"sync"
	"time"

	"arbsignal/pkg/types"
)

// TradeObservation is one spot-venue trade tick fed into the flow tracker,
// reduced to the fields directional-imbalance scoring needs.
type TradeObservation struct {
	Direction types.SignalDirection
	At        time.Time
}

// FlowToxicity is the adverse-selection read on recent trade flow: a
// one-sided, fast-arriving stream of trades suggests informed flow the
// pipeline should treat as confirming rather than coincidental.
type FlowToxicity struct {
	DirectionalImbalance float64
	Velocity             float64
	ToxicityScore        float64
	IsToxic              bool
}

// OrderFlowTracker keeps a rolling window of recent trade directions and
// derives a toxicity score, adapted from the reference market-making
// fill-tracker's directional-imbalance/velocity composite to run over spot
// trade ticks instead of own fills — a one-sided, high-velocity trade burst
// ahead of a candidate signal is read as order-flow confirmation of
// direction rather than noise.
type OrderFlowTracker struct {
	mu sync.Mutex

	window            time.Duration
	toxicityThreshold float64
	trades            []TradeObservation
}

// NewOrderFlowTracker creates a tracker over the given rolling window.
func NewOrderFlowTracker(window time.Duration, toxicityThreshold float64) *OrderFlowTracker {
	return &OrderFlowTracker{
		window:            window,
		toxicityThreshold: toxicityThreshold,
		trades:            make([]TradeObservation, 0, 128),
	}
}

// Add records one trade tick and evicts entries older than the window.
func (f *OrderFlowTracker) Add(obs TradeObservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, obs)
	f.evictStaleLocked(obs.At)
}

func (f *OrderFlowTracker) evictStaleLocked(now time.Time) {
	cutoff := now.Add(-f.window)
	idx := 0
	for ; idx < len(f.trades); idx++ {
		if f.trades[idx].At.After(cutoff) {
			break
		}
	}
	f.trades = f.trades[idx:]
}

// Toxicity computes the current directional-imbalance/velocity composite.
func (f *OrderFlowTracker) Toxicity(now time.Time) FlowToxicity {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictStaleLocked(now)

	if len(f.trades) == 0 {
		return FlowToxicity{}
	}

	var up, down int
	for _, t := range f.trades {
		if t.Direction == types.Up {
			up++
		} else {
			down++
		}
	}
	total := len(f.trades)
	dominant := math.Max(float64(up), float64(down))
	imbalance := dominant / float64(total)

	if total < 2 {
		return FlowToxicity{
			DirectionalImbalance: imbalance,
			ToxicityScore:        imbalance * 0.6,
			IsToxic:              imbalance*0.6 > f.toxicityThreshold,
		}
	}

	velocity := float64(total) / f.window.Minutes()
	velocityFactor := math.Min(velocity/3.0, 1.0)
	score := 0.6*imbalance + 0.4*velocityFactor

	return FlowToxicity{
		DirectionalImbalance: imbalance,
		Velocity:             velocity,
		ToxicityScore:        score,
		IsToxic:               score > f.toxicityThreshold,
	}
}

// Confirms reports whether the dominant recent trade direction agrees with
// direction and the flow is toxic enough to be a meaningful signal rather
// than balanced noise.
func (f *OrderFlowTracker) Confirms(direction types.SignalDirection, now time.Time) bool {
	f.mu.Lock()
	trades := append([]TradeObservation(nil), f.trades...)
	f.mu.Unlock()

	if len(trades) == 0 {
		return false
	}
	var up, down int
	for _, t := range trades {
		if t.Direction == types.Up {
			up++
		} else {
			down++
		}
	}
	dominantUp := up > down
	tox := f.Toxicity(now)
	if !tox.IsToxic {
		return false
	}
	if direction == types.Up {
		return dominantUp
	}
	return !dominantUp
}
