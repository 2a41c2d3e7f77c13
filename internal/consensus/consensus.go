// Package consensus implements the cross-exchange aggregation engine:
// freshness filtering, tolerance-banded outlier rejection, volume-weighted
// or median consensus pricing, and ATR-percentile volatility regime
// classification.
package consensus

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"arbsignal/pkg/types"
)

// Config holds the numeric thresholds the consensus engine applies.
type Config struct {
	PriceTolerance float64       // default 0.0015
	StaleAfter     time.Duration // default 10s
	ATRHistorySize int           // default 1000
}

// DefaultConfig returns the thresholds observed in the reference implementation.
func DefaultConfig() Config {
	return Config{
		PriceTolerance: 0.0015,
		StaleAfter:     10 * time.Second,
		ATRHistorySize: 1000,
	}
}

// Engine aggregates per-venue ExchangeMetrics into a ConsensusData snapshot.
// It exclusively owns its per-venue slots and ATR history; callers read only
// through Compute's returned snapshot.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	slots      map[string]types.ExchangeMetrics
	atrHistory []float64
}

// New creates a consensus engine with the given config.
func New(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "consensus"),
		slots:  make(map[string]types.ExchangeMetrics),
	}
}

// Update records the latest metrics snapshot for one venue. Safe for
// concurrent use by multiple feed adapters, one writer per venue.
func (e *Engine) Update(m types.ExchangeMetrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slots[m.Venue] = m
}

// Compute aggregates all currently-fresh venue slots into a ConsensusData
// snapshot, or returns nil if consensus cannot be reached (§4.E steps 1/5).
func (e *Engine) Compute(now time.Time) *types.ConsensusData {
	e.mu.Lock()
	fresh := make([]types.ExchangeMetrics, 0, len(e.slots))
	for _, m := range e.slots {
		if !m.IsStale(now, e.cfg.StaleAfter) {
			fresh = append(fresh, m)
		}
	}
	e.mu.Unlock()

	if len(fresh) < 2 {
		return nil
	}

	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Venue < fresh[j].Venue })

	prices := make([]float64, len(fresh))
	for i, m := range fresh {
		prices[i] = m.Price
	}
	mean := meanOf(prices)

	var maxDev float64
	for _, p := range prices {
		if mean == 0 {
			continue
		}
		dev := math.Abs(p-mean) / mean
		if dev > maxDev {
			maxDev = dev
		}
	}

	tol := e.cfg.PriceTolerance
	agreementScore := clip(1-maxDev/(2*tol), 0, 1)

	var consensusPrice float64
	var agree bool

	switch {
	case maxDev <= tol:
		consensusPrice = volumeWeightedMean(fresh)
		agree = true
	case maxDev <= 2*tol && len(fresh) >= 3:
		outlierIdx, ok := identifyOutlier(fresh, mean, tol)
		if ok {
			kept := make([]types.ExchangeMetrics, 0, len(fresh)-1)
			for i, m := range fresh {
				if i != outlierIdx {
					kept = append(kept, m)
				}
			}
			kp := make([]float64, len(kept))
			for i, m := range kept {
				kp[i] = m.Price
			}
			consensusPrice = median(kp)
			agree = true
		} else {
			// No single outlier explains the spread; median over all venues.
			consensusPrice = median(prices)
			agree = true
		}
	default:
		return nil
	}

	c := &types.ConsensusData{
		Price:           consensusPrice,
		TSMs:            now.UnixMilli(),
		Agree:           agree,
		MaxDeviationPct: maxDev,
		AgreementScore:  agreementScore,
		VenueCount:      len(fresh),
	}

	var moveSum, volSum, atrSum, maxMove10 float64
	var vol1mSum, vol5mSum float64
	for _, m := range fresh {
		moveSum += m.Move30s
		volSum += m.Volatility30s
		atrSum += m.ATR5m
		if m.MaxMove10s > maxMove10 {
			maxMove10 = m.MaxMove10s
		}
		vol1mSum += m.Volume1m
		vol5mSum += m.Volume5mAvg

		switch m.Venue {
		case "binance":
			mm := m
			c.Binance = &mm
		case "coinbase":
			mm := m
			c.Coinbase = &mm
		case "kraken":
			mm := m
			c.Kraken = &mm
		}
	}
	n := float64(len(fresh))
	c.Move30s = moveSum / n
	c.Volatility30s = volSum / n
	c.ATR5m = atrSum / n
	c.Max10sMove = maxMove10
	if math.Abs(c.Move30s) > 1e-12 {
		c.SpikeConcentration = maxMove10 / math.Abs(c.Move30s)
	}
	c.TotalVolume1m = vol1mSum
	c.AvgVolume5m = vol5mSum
	if vol5mSum > 0 {
		c.VolumeSurgeRatio = vol1mSum / vol5mSum
	} else {
		c.VolumeSurgeRatio = 1
	}

	c.Regime = e.classifyRegime(c.ATR5m)

	return c
}

// identifyOutlier finds the venue whose deviation exceeds both 1.5*tol and
// twice the next-largest deviation, as required for the median path.
func identifyOutlier(fresh []types.ExchangeMetrics, mean, tol float64) (int, bool) {
	if mean == 0 {
		return 0, false
	}
	devs := make([]float64, len(fresh))
	for i, m := range fresh {
		devs[i] = math.Abs(m.Price-mean) / mean
	}
	maxIdx := 0
	for i, d := range devs {
		if d > devs[maxIdx] {
			maxIdx = i
		}
	}
	var secondLargest float64
	for i, d := range devs {
		if i != maxIdx && d > secondLargest {
			secondLargest = d
		}
	}
	if devs[maxIdx] > 1.5*tol && devs[maxIdx] > 2*secondLargest {
		return maxIdx, true
	}
	return 0, false
}

func volumeWeightedMean(fresh []types.ExchangeMetrics) float64 {
	var weightedSum, totalWeight float64
	for _, m := range fresh {
		w := m.Volume1m
		if w <= 0 {
			w = 1
		}
		weightedSum += m.Price * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return meanOf(pricesOf(fresh))
	}
	return weightedSum / totalWeight
}

func pricesOf(fresh []types.ExchangeMetrics) []float64 {
	out := make([]float64, len(fresh))
	for i, m := range fresh {
		out[i] = m.Price
	}
	return out
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
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

// classifyRegime appends atr to the history ring and classifies it against
// the p25/p75 percentiles of that history.
func (e *Engine) classifyRegime(atr float64) types.VolatilityRegime {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.atrHistory = append(e.atrHistory, atr)
	maxHist := e.cfg.ATRHistorySize
	if maxHist <= 0 {
		maxHist = 1000
	}
	if len(e.atrHistory) > maxHist {
		e.atrHistory = e.atrHistory[len(e.atrHistory)-maxHist:]
	}

	if len(e.atrHistory) < 8 {
		return types.RegimeNormal
	}

	sorted := append([]float64(nil), e.atrHistory...)
	sort.Float64s(sorted)
	p25 := percentile(sorted, 0.25)
	p75 := percentile(sorted, 0.75)

	switch {
	case atr < p25:
		return types.RegimeLow
	case atr > p75:
		return types.RegimeHigh
	default:
		return types.RegimeNormal
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
