package mode

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"arbsignal/pkg/types"
)

// ShadowOutcome is the simulated result of closing a shadow position,
// mirroring the fields the reference shadow mode reports per trade.
type ShadowOutcome struct {
	SignalID           string
	EntryPrice         float64
	ExitPrice          float64
	GrossProfitEUR     float64
	NetProfitEUR       float64
	ProfitPct          float64
	GasCostEUR         float64
	PositionDurationS  float64
}

// ShadowExecutor simulates opening and closing a position for a signal that
// would otherwise go untraded, so performance data can be collected before
// committing real capital. Kept as an interface (rather than baked into the
// dispatcher) so a test harness can substitute a deterministic stand-in for
// the default's randomized fill slippage.
type ShadowExecutor interface {
	Open(c *types.SignalCandidate, now time.Time) string
	Close(signalID string, exitPrice float64, now time.Time) (ShadowOutcome, bool)
}

type shadowPosition struct {
	entryPrice float64
	sizeEUR    float64
	openedAt   time.Time
}

// RandomSlippageExecutor is the default ShadowExecutor: it fills at the
// signal's observed YES bid plus a small random slippage, and tracks
// win/loss/profit/oracle-timing statistics across every simulated position,
// grounded on the reference shadow mode's virtual position bookkeeping.
type RandomSlippageExecutor struct {
	sizeEUR      float64
	gasPerTrade  float64
	maxSlippage  float64
	rng          *rand.Rand
	logger       *slog.Logger

	mu                sync.Mutex
	positions         map[string]shadowPosition
	wins, losses      int
	totalProfitEUR    float64
	totalGasEUR       float64
	oracleDelaysS     []float64
}

// NewRandomSlippageExecutor creates the default shadow executor. sizeEUR is
// the fixed simulated position size; gasPerTrade is the round-trip gas cost
// assumed for every simulated trade; maxSlippage bounds the uniform random
// fill slippage applied around the signal's entry price.
func NewRandomSlippageExecutor(sizeEUR, gasPerTrade, maxSlippage float64, seed int64, logger *slog.Logger) *RandomSlippageExecutor {
	return &RandomSlippageExecutor{
		sizeEUR:     sizeEUR,
		gasPerTrade: gasPerTrade,
		maxSlippage: maxSlippage,
		rng:         rand.New(rand.NewSource(seed)),
		logger:      logger.With("component", "shadow_executor"),
		positions:   make(map[string]shadowPosition),
	}
}

// Open simulates filling the signal at its observed entry quote plus random
// slippage, recording a virtual position keyed by the signal's ID.
func (e *RandomSlippageExecutor) Open(c *types.SignalCandidate, now time.Time) string {
	entry := 0.5
	if c.Market != nil {
		entry = c.Market.YesBid
	}
	slip := (e.rng.Float64()*2 - 1) * e.maxSlippage
	fillPrice := entry + entry*slip

	e.mu.Lock()
	e.positions[c.SignalID] = shadowPosition{entryPrice: fillPrice, sizeEUR: e.sizeEUR, openedAt: now}
	e.mu.Unlock()

	e.logger.Info("shadow position opened", "signal_id", c.SignalID, "entry_price", fillPrice)
	return c.SignalID
}

// Close simulates exiting the position at exitPrice, computing P&L net of
// the assumed round-trip gas cost, and folds the result into the executor's
// running win-rate/profit statistics.
func (e *RandomSlippageExecutor) Close(signalID string, exitPrice float64, now time.Time) (ShadowOutcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[signalID]
	if !ok {
		return ShadowOutcome{}, false
	}
	delete(e.positions, signalID)

	grossProfit := (exitPrice - pos.entryPrice) * pos.sizeEUR / pos.entryPrice
	netProfit := grossProfit - e.gasPerTrade
	profitPct := (exitPrice - pos.entryPrice) / pos.entryPrice
	duration := now.Sub(pos.openedAt).Seconds()

	if netProfit > 0 {
		e.wins++
	} else {
		e.losses++
	}
	e.totalProfitEUR += netProfit
	e.totalGasEUR += e.gasPerTrade

	out := ShadowOutcome{
		SignalID:          signalID,
		EntryPrice:        pos.entryPrice,
		ExitPrice:         exitPrice,
		GrossProfitEUR:    grossProfit,
		NetProfitEUR:      netProfit,
		ProfitPct:         profitPct,
		GasCostEUR:        e.gasPerTrade,
		PositionDurationS: duration,
	}
	e.logger.Info("shadow position closed", "signal_id", signalID, "net_profit_eur", netProfit, "duration_s", duration)
	return out, true
}

// ShadowStats summarizes the executor's simulated performance to date.
type ShadowStats struct {
	OpenPositions int
	Wins          int
	Losses        int
	WinRate       float64
	TotalProfitEUR float64
	TotalGasEUR   float64
	AvgProfitEUR  float64
	OracleDelayP50S float64
	OracleDelayP90S float64
}

// Stats returns the executor's current aggregate performance snapshot.
func (e *RandomSlippageExecutor) Stats() ShadowStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.wins + e.losses
	s := ShadowStats{
		OpenPositions:  len(e.positions),
		Wins:           e.wins,
		Losses:         e.losses,
		TotalProfitEUR: e.totalProfitEUR,
		TotalGasEUR:    e.totalGasEUR,
	}
	if total > 0 {
		s.WinRate = float64(e.wins) / float64(total)
		s.AvgProfitEUR = e.totalProfitEUR / float64(total)
	}
	if len(e.oracleDelaysS) > 0 {
		sorted := append([]float64(nil), e.oracleDelaysS...)
		sort.Float64s(sorted)
		s.OracleDelayP50S = percentile(sorted, 0.5)
		s.OracleDelayP90S = percentile(sorted, 0.9)
	}
	return s
}

// RecordOracleDelay folds one observed oracle-update delay (time from signal
// entry to the next on-chain oracle update) into the timing distribution.
func (e *RandomSlippageExecutor) RecordOracleDelay(delayS float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oracleDelaysS = append(e.oracleDelaysS, delayS)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Round(p * float64(len(sorted)-1)))
	return sorted[idx]
}

// NewShadowDispatcher wraps a ShadowExecutor as a Dispatcher: every accepted
// candidate opens a simulated position, giving shadow mode the "process
// every signal" behavior of the reference implementation without an
// AlwaysTrueGate layered in front of it.
func NewShadowDispatcher(executor ShadowExecutor, logger *slog.Logger) Dispatcher {
	logger = logger.With("component", "shadow_dispatcher")
	return DispatchFunc(func(ctx context.Context, c *types.SignalCandidate) error {
		executor.Open(c, time.Now())
		logger.Info("shadow signal processed", "signal_id", c.SignalID, "market_id", c.MarketID)
		return nil
	})
}
