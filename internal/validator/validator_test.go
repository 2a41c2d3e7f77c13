package validator

import (
	"io"
	"log/slog"
	"testing"

	"arbsignal/internal/confidence"
	"arbsignal/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func goodCandidate() *types.SignalCandidate {
	return &types.SignalCandidate{
		SignalID:  "sig-1",
		Direction: types.Up,
		Kind:      types.Standard,
		Consensus: &types.ConsensusData{
			Move30s:            0.01,
			Regime:             types.RegimeNormal,
			VolumeSurgeRatio:   2.0,
			SpikeConcentration: 0.6,
		},
		Oracle: &types.OracleState{
			AgeSeconds: 20,
		},
		Market: &types.MarketState{
			YesBid:           0.35,
			YesLiquidityBest: 200,
			Spread:           0.02,
			YesDepth3: []types.OrderbookLevel{
				{Price: 0.35, Size: 15},
				{Price: 0.36, Size: 15},
				{Price: 0.37, Size: 15},
			},
		},
	}
}

func TestValidatePassesCleanCandidate(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	r := v.Validate(goodCandidate())
	if !r.Passed {
		t.Fatalf("Passed = false, reason = %v, want true", r.RejectionReason)
	}
	if r.HistoricalWinRate != DefaultConfig().HistoryDefaultWinRate {
		t.Fatalf("HistoricalWinRate = %v, want default %v with no history", r.HistoricalWinRate, DefaultConfig().HistoryDefaultWinRate)
	}
}

func TestValidateRejectsLowLiquidity(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	c.Market.YesLiquidityBest = 10

	r := v.Validate(c)
	if r.Passed {
		t.Fatal("Passed = true, want false")
	}
	if r.RejectionReason != types.LiquidityLow {
		t.Fatalf("RejectionReason = %v, want liquidity_low", r.RejectionReason)
	}
}

func TestValidateRejectsInsufficientDepth(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	c.Market.YesDepth3 = []types.OrderbookLevel{{Price: 0.35, Size: 5}}

	r := v.Validate(c)
	if r.Passed {
		t.Fatal("Passed = true, want false")
	}
	if r.RejectionReason != types.LiquidityLow {
		t.Fatalf("RejectionReason = %v, want liquidity_low (insufficient depth)", r.RejectionReason)
	}
}

func TestValidateRejectsHighSlippage(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	c.Market.YesBid = 0.30
	c.Market.YesDepth3 = []types.OrderbookLevel{
		{Price: 0.50, Size: 10},
		{Price: 0.55, Size: 10},
		{Price: 0.60, Size: 10},
	}

	r := v.Validate(c)
	if r.Passed {
		t.Fatal("Passed = true, want false")
	}
	if r.RejectionReason != types.SlippageTooHigh {
		t.Fatalf("RejectionReason = %v, want slippage_too_high", r.RejectionReason)
	}
}

func TestValidateRejectsLiquidityCollapsing(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	c.Market.LiquidityCollapsing = true

	r := v.Validate(c)
	if r.Passed {
		t.Fatal("Passed = true, want false")
	}
	if r.RejectionReason != types.LiquidityCollapsing {
		t.Fatalf("RejectionReason = %v, want liquidity_collapsing", r.RejectionReason)
	}
}

func TestValidateRejectsStaleOracle(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	c.Oracle.AgeSeconds = 80 // above the stricter 70s ceiling

	r := v.Validate(c)
	if r.Passed {
		t.Fatal("Passed = true, want false")
	}
	if r.RejectionReason != types.OracleTooStale {
		t.Fatalf("RejectionReason = %v, want oracle_too_stale", r.RejectionReason)
	}
}

func TestValidateRejectsFastHeartbeatBelowThreshold(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	c.Oracle.FastHeartbeat = true
	c.Oracle.RecentIntervals = []float64{10, 12, 11}

	r := v.Validate(c)
	if r.Passed {
		t.Fatal("Passed = true, want false")
	}
	if r.RejectionReason != types.FastHeartbeatMode {
		t.Fatalf("RejectionReason = %v, want fast_heartbeat_mode", r.RejectionReason)
	}
}

func TestValidateRejectsImpossiblyTightSpread(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	c.Market.Spread = 0.0001

	r := v.Validate(c)
	if r.Passed {
		t.Fatal("Passed = true, want false")
	}
	if r.RejectionReason != types.SpreadConverging {
		t.Fatalf("RejectionReason = %v, want spread_converging", r.RejectionReason)
	}
}

func TestValidatePassesTightButRealisticSpread(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	c.Market.Spread = 0.01

	r := v.Validate(c)
	if !r.Passed {
		t.Fatalf("Passed = false, reason = %v, want true (tight spread is good for execution)", r.RejectionReason)
	}
}

func TestValidateRejectsLowHistoricalWinRate(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	for i := 0; i < 15; i++ {
		won := i < 5 // 5/15 ≈ 0.33 win rate, below the 0.60 floor
		v.RecordOutcome(&types.SignalCandidate{
			TSMs:      int64(i),
			Kind:      types.Standard,
			Direction: types.Up,
			Oracle:    &types.OracleState{AgeSeconds: 20},
			Consensus: &types.ConsensusData{Regime: types.RegimeNormal},
		}, won)
	}

	r := v.Validate(goodCandidate())
	if r.Passed {
		t.Fatal("Passed = true, want false")
	}
	if r.RejectionReason != types.HistoricalWinRateLow {
		t.Fatalf("RejectionReason = %v, want historical_win_rate_low", r.RejectionReason)
	}
	if r.HistoricalWinRate >= 0.60 {
		t.Fatalf("HistoricalWinRate = %v, want < 0.60", r.HistoricalWinRate)
	}
}

func TestValidateKeepsFirstRejectionReasonButRunsAllChecks(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	c.Market.YesLiquidityBest = 10 // fails liquidity (2nd check) first
	c.Market.Spread = 0.0001       // also fails spread (5th check)

	r := v.Validate(c)
	if r.Passed {
		t.Fatal("Passed = true, want false")
	}
	if r.RejectionReason != types.LiquidityLow {
		t.Fatalf("RejectionReason = %v, want liquidity_low (first failing check in order)", r.RejectionReason)
	}
	if r.SpreadNotConverging {
		t.Fatal("SpreadNotConverging = true, want false (spread check should still run and fail)")
	}
}

func TestValidateRejectsDirectionReversalWithLogisticSpotImpliedModel(t *testing.T) {
	v := New(DefaultConfig(), confidence.DefaultConfig().SpotImpliedScale, testLogger())
	c := goodCandidate()
	// A barely-positive move at scale=100 puts the logistic spot-implied
	// probability just above 0.5, too close to the YES bid to diverge and
	// too small to trip the escape-clause fallback.
	c.Consensus.Move30s = 0.0005
	c.Market.YesBid = 0.51

	r := v.Validate(c)
	if r.Passed {
		t.Fatal("Passed = true, want false (spot-implied prob barely moved off 0.5, no real divergence)")
	}
	if r.RejectionReason != types.DirectionReversed {
		t.Fatalf("RejectionReason = %v, want direction_reversed", r.RejectionReason)
	}
}

func TestHistoryWinRateDefaultsBelowMinEntries(t *testing.T) {
	h := NewHistory(200)
	for i := 0; i < 5; i++ {
		won := true
		h.Add(types.HistoryRecord{Kind: types.Standard, Direction: types.Up, Regime: types.RegimeNormal, Won: &won})
	}
	rate := h.WinRate(types.Standard, types.Up, types.RegimeNormal, 10, 0.65)
	if rate != 0.65 {
		t.Fatalf("WinRate = %v, want default 0.65 with only 5 matching entries", rate)
	}
}

func TestHistoryBoundedAtMaxSize(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < 20; i++ {
		won := i%2 == 0
		h.Add(types.HistoryRecord{Kind: types.Standard, Direction: types.Up, Regime: types.RegimeNormal, Won: &won})
	}
	if h.Len() != 5 {
		t.Fatalf("Len() = %d, want 5 (bounded ring)", h.Len())
	}
}
