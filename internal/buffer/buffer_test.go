package buffer

import (
	"testing"
	"time"
)

func TestMovePctRequiresTwoSamples(t *testing.T) {
	b := New()
	if got := b.MovePct(30 * time.Second); got != 0 {
		t.Fatalf("MovePct on empty buffer = %v, want 0", got)
	}
	b.Add(100, 0, 1)
	if got := b.MovePct(30 * time.Second); got != 0 {
		t.Fatalf("MovePct with 1 sample = %v, want 0", got)
	}
}

func TestVolatilityZeroForConstantPrice(t *testing.T) {
	b := New()
	for i := int64(0); i < 10; i++ {
		b.Add(100, i*1000, 1)
	}
	if got := b.Volatility(30 * time.Second); got != 0 {
		t.Fatalf("Volatility for constant price = %v, want 0", got)
	}
}

func TestAddRejectsNonPositivePrice(t *testing.T) {
	b := New()
	b.Add(0, 0, 1)
	b.Add(-5, 1000, 1)
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after rejecting non-positive prices", b.Len())
	}
}

func TestRetentionEviction(t *testing.T) {
	b := New()
	b.Add(100, 0, 1)
	b.Add(101, Retention.Milliseconds()+1000, 1)
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after eviction", b.Len())
	}
	if got := b.CurrentPrice(); got != 101 {
		t.Fatalf("CurrentPrice() = %v, want 101", got)
	}
}

func TestMovePctBasic(t *testing.T) {
	b := New()
	b.Add(100, 0, 1)
	b.Add(110, 10_000, 1)
	got := b.MovePct(30 * time.Second)
	want := 0.10
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("MovePct() = %v, want %v", got, want)
	}
}

func TestATRRequiresTenSamples(t *testing.T) {
	b := New()
	for i := int64(0); i < 9; i++ {
		b.Add(100+float64(i), i*1000, 1)
	}
	if got := b.ATR(60*time.Second, 10*time.Second); got != 0 {
		t.Fatalf("ATR with 9 samples = %v, want 0", got)
	}
	b.Add(109, 9000, 1)
	if got := b.ATR(60*time.Second, 10*time.Second); got < 0 {
		t.Fatalf("ATR with 10 samples = %v, want >= 0", got)
	}
}

func TestMaxMoveInSubwindowMonotone(t *testing.T) {
	b := New()
	b.Add(100, 0, 1)
	b.Add(105, 2000, 1)
	b.Add(101, 4000, 1)
	full := b.MaxMoveInSubwindow(30*time.Second, 30*time.Second)
	narrow := b.MaxMoveInSubwindow(30*time.Second, 2*time.Second)
	if narrow > full {
		t.Fatalf("narrow sub-window move %v should never exceed full-window move %v", narrow, full)
	}
}

func TestIdempotentDuplicateTick(t *testing.T) {
	b := New()
	b.Add(100, 1000, 1)
	b.Add(100, 1000, 1)
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (duplicate add still appends)", b.Len())
	}
	if got := b.CurrentPrice(); got != 100 {
		t.Fatalf("CurrentPrice() = %v, want 100 (idempotent after duplicate)", got)
	}
	if got := b.CurrentTimestamp(); got != 1000 {
		t.Fatalf("CurrentTimestamp() = %v, want 1000", got)
	}
}
