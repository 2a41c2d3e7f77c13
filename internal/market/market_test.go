package market

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"arbsignal/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func levels(prices ...float64) []types.OrderbookLevel {
	out := make([]types.OrderbookLevel, len(prices))
	for i, p := range prices {
		out[i] = types.OrderbookLevel{Price: p, Size: 20}
	}
	return out
}

func TestUpdateComputesBestQuotesAndSpread(t *testing.T) {
	b := NewBook("m1", DefaultConfig(), testLogger())
	now := time.Now()
	b.Update(now, OrderbookInput{
		YesBids: levels(0.40, 0.39),
		YesAsks: levels(0.42, 0.43),
		NoBids:  levels(0.57, 0.56),
		NoAsks:  levels(0.59, 0.60),
	})

	s := b.State(now)
	if s.YesBid != 0.40 || s.YesAsk != 0.42 {
		t.Fatalf("best quotes = (%v, %v), want (0.40, 0.42)", s.YesBid, s.YesAsk)
	}
	if got, want := s.Spread, 0.02; absDiff(got, want) > 1e-9 {
		t.Fatalf("Spread = %v, want %v", got, want)
	}
}

func TestImbalancePositiveWhenYesDeeper(t *testing.T) {
	b := NewBook("m1", DefaultConfig(), testLogger())
	now := time.Now()
	b.Update(now, OrderbookInput{
		YesBids: levels(0.40, 0.39, 0.38), YesAsks: levels(0.42, 0.41),
		NoBids: levels(0.57), NoAsks: levels(0.59),
	})
	s := b.State(now)
	if s.OrderbookImbalanceRatio <= 0 {
		t.Fatalf("OrderbookImbalanceRatio = %v, want > 0 (YES side has more depth)", s.OrderbookImbalanceRatio)
	}
}

func TestImbalanceZeroWithNoDepth(t *testing.T) {
	if got := imbalance(0, 0); got != 0 {
		t.Fatalf("imbalance(0,0) = %v, want 0", got)
	}
}

func TestLiquidityCollapseRequiresBothConditions(t *testing.T) {
	b := NewBook("m1", DefaultConfig(), testLogger())
	now := time.Now()

	// Establish a deep baseline 30s ago.
	b.Update(now.Add(-30*time.Second), OrderbookInput{
		YesBids: levels(0.40, 0.39, 0.38, 0.37, 0.36), // 5 levels * 20 = 100
		YesAsks: levels(0.42),
		NoBids:  levels(0.57),
		NoAsks:  levels(0.59),
	})

	// Drop below absolute floor AND more than 50% down from baseline.
	b.Update(now, OrderbookInput{
		YesBids: []types.OrderbookLevel{{Price: 0.40, Size: 10}}, // 10 < 25 floor, and 10/100 < 0.5
		YesAsks: levels(0.42),
		NoBids:  levels(0.57),
		NoAsks:  levels(0.59),
	})

	s := b.State(now)
	if !s.LiquidityCollapsing {
		t.Fatal("LiquidityCollapsing = false, want true (major drop + below floor)")
	}
}

func TestLiquidityNotCollapsingWhenOnlyBelowFloorButNoBaselineDrop(t *testing.T) {
	b := NewBook("m1", DefaultConfig(), testLogger())
	now := time.Now()

	b.Update(now.Add(-30*time.Second), OrderbookInput{
		YesBids: []types.OrderbookLevel{{Price: 0.40, Size: 20}}, // baseline already thin: 20
		YesAsks: levels(0.42),
		NoBids:  levels(0.57),
		NoAsks:  levels(0.59),
	})
	b.Update(now, OrderbookInput{
		YesBids: []types.OrderbookLevel{{Price: 0.40, Size: 18}}, // below floor (18<25) but not a major drop
		YesAsks: levels(0.42),
		NoBids:  levels(0.57),
		NoAsks:  levels(0.59),
	})

	s := b.State(now)
	if s.LiquidityCollapsing {
		t.Fatal("LiquidityCollapsing = true, want false (no major drop from baseline)")
	}
}

func TestLiquidityNotCollapsingWhenOnlyMajorDropButAboveFloor(t *testing.T) {
	b := NewBook("m1", DefaultConfig(), testLogger())
	now := time.Now()

	b.Update(now.Add(-30*time.Second), OrderbookInput{
		YesBids: []types.OrderbookLevel{{Price: 0.40, Size: 200}},
		YesAsks: levels(0.42), NoBids: levels(0.57), NoAsks: levels(0.59),
	})
	b.Update(now, OrderbookInput{
		YesBids: []types.OrderbookLevel{{Price: 0.40, Size: 60}}, // 70% drop but still well above 25 floor
		YesAsks: levels(0.42), NoBids: levels(0.57), NoAsks: levels(0.59),
	})

	s := b.State(now)
	if s.LiquidityCollapsing {
		t.Fatal("LiquidityCollapsing = true, want false (above absolute floor)")
	}
}

func TestFreezeDetectedAfterStaticQuotesWithDepthShift(t *testing.T) {
	b := NewBook("m1", DefaultConfig(), testLogger())
	start := time.Now()

	in := OrderbookInput{
		YesBids: levels(0.40), YesAsks: levels(0.42),
		NoBids: levels(0.57), NoAsks: levels(0.59),
	}
	b.Update(start, in)

	// Same quotes, but depth has shifted by more than 10% of the frozen
	// baseline, after more than the minimum freeze duration has elapsed.
	shifted := OrderbookInput{
		YesBids: []types.OrderbookLevel{{Price: 0.40, Size: 40}},
		YesAsks: levels(0.42), NoBids: levels(0.57), NoAsks: levels(0.59),
	}
	later := start.Add(4 * time.Second)
	b.Update(later, shifted)

	s := b.State(later)
	if !s.FreezeDetected {
		t.Fatal("FreezeDetected = false, want true (static quotes + depth shift beyond 3s)")
	}
}

func TestFreezeNotDetectedBeforeMinDuration(t *testing.T) {
	b := NewBook("m1", DefaultConfig(), testLogger())
	start := time.Now()

	in := OrderbookInput{
		YesBids: levels(0.40), YesAsks: levels(0.42),
		NoBids: levels(0.57), NoAsks: levels(0.59),
	}
	b.Update(start, in)

	shifted := OrderbookInput{
		YesBids: []types.OrderbookLevel{{Price: 0.40, Size: 40}},
		YesAsks: levels(0.42), NoBids: levels(0.57), NoAsks: levels(0.59),
	}
	soon := start.Add(1 * time.Second)
	b.Update(soon, shifted)

	s := b.State(soon)
	if s.FreezeDetected {
		t.Fatal("FreezeDetected = true, want false (under 3s minimum)")
	}
}

func TestFreezeResetsWhenAQuoteMoves(t *testing.T) {
	b := NewBook("m1", DefaultConfig(), testLogger())
	start := time.Now()

	b.Update(start, OrderbookInput{
		YesBids: levels(0.40), YesAsks: levels(0.42),
		NoBids: levels(0.57), NoAsks: levels(0.59),
	})

	moved := start.Add(4 * time.Second)
	b.Update(moved, OrderbookInput{
		YesBids: []types.OrderbookLevel{{Price: 0.403, Size: 40}}, // beyond 0.001 threshold
		YesAsks: levels(0.42), NoBids: levels(0.57), NoAsks: levels(0.59),
	})

	s := b.State(moved)
	if s.FreezeDetected {
		t.Fatal("FreezeDetected = true, want false (a quote moved, freeze window reset)")
	}
}

func TestPollIntervalSpeedsUpOnHighActivity(t *testing.T) {
	b := NewBook("m1", DefaultConfig(), testLogger())
	start := time.Now()

	b.Update(start, OrderbookInput{
		YesBids: levels(0.40), YesAsks: levels(0.42),
		NoBids: levels(0.57), NoAsks: levels(0.59),
	})
	if got := b.PollInterval(start); got != DefaultConfig().SlowPollInterval {
		t.Fatalf("PollInterval = %v, want slow default before any big move", got)
	}

	moved := start.Add(1 * time.Second)
	b.Update(moved, OrderbookInput{
		YesBids: levels(0.41), YesAsks: levels(0.43), // > 0.005 move trigger
		NoBids: levels(0.56), NoAsks: levels(0.58),
	})
	if got := b.PollInterval(moved); got != DefaultConfig().FastPollInterval {
		t.Fatalf("PollInterval = %v, want fast right after a large move", got)
	}
}

func TestSlippageForSizeWalksMultipleLevels(t *testing.T) {
	lvls := []types.OrderbookLevel{
		{Price: 0.40, Size: 10},
		{Price: 0.41, Size: 10},
		{Price: 0.42, Size: 10},
	}
	avg, filled := SlippageForSize(lvls, 25)
	if filled != 25 {
		t.Fatalf("filled = %v, want 25", filled)
	}
	// 10@0.40 + 10@0.41 + 5@0.42 = 4.0+4.1+2.1 = 10.2 / 25 = 0.408
	if absDiff(avg, 0.408) > 1e-9 {
		t.Fatalf("avg price = %v, want 0.408", avg)
	}
}

func TestSlippageForSizeStopsWhenDepthExhausted(t *testing.T) {
	lvls := []types.OrderbookLevel{{Price: 0.40, Size: 5}}
	_, filled := SlippageForSize(lvls, 25)
	if filled != 5 {
		t.Fatalf("filled = %v, want 5 (depth exhausted)", filled)
	}
}

func TestSplitClobTokenIds(t *testing.T) {
	yes, no := splitClobTokenIds(`["111","222"]`)
	if yes != "111" || no != "222" {
		t.Fatalf("splitClobTokenIds = (%q, %q), want (111, 222)", yes, no)
	}
}

func TestSplitClobTokenIdsMalformed(t *testing.T) {
	yes, no := splitClobTokenIds(``)
	if yes != "" || no != "" {
		t.Fatalf("splitClobTokenIds(empty) = (%q, %q), want empty", yes, no)
	}
}

func TestTokenBucketAllowsBurstUpToCapacity(t *testing.T) {
	tb := NewTokenBucket(3, 1)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait() #%d = %v, want nil (within capacity)", i, err)
		}
	}
}

func TestTokenBucketBlocksUntilRefillOrCancel(t *testing.T) {
	tb := NewTokenBucket(1, 1000) // fast refill so the test doesn't sleep long
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait() = %v, want nil", err)
	}
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second Wait() after refill = %v, want nil", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewTokenBucket(1, 0.001)
	slow.tokens = 0
	if err := slow.Wait(cancelled); err == nil {
		t.Fatal("Wait() with cancelled context and no tokens = nil, want context error")
	}
}

func TestToLevelsParsesDecimalStringsAndSkipsMalformed(t *testing.T) {
	raw := []clobLevel{
		{Price: "0.42", Size: "100"},
		{Price: "not-a-number", Size: "50"},
		{Price: "0.41", Size: "20.5"},
	}
	got := toLevels(raw)
	if len(got) != 2 {
		t.Fatalf("toLevels returned %d levels, want 2 (malformed entry skipped)", len(got))
	}
	if got[0].Price != 0.42 || got[0].Size != 100 {
		t.Fatalf("got[0] = %+v, want price=0.42 size=100", got[0])
	}
	if got[1].Price != 0.41 || got[1].Size != 20.5 {
		t.Fatalf("got[1] = %+v, want price=0.41 size=20.5", got[1])
	}
}
