package intelligence

import (
	"testing"
	"time"
)

func hourTime(hour int) time.Time {
	return time.Date(2026, 1, 1, hour, 0, 0, 0, time.UTC)
}

func TestWinRateDefaultsWithInsufficientSamples(t *testing.T) {
	a := NewTimeOfDayAnalyzer(testLogger())
	for i := 0; i < 5; i++ {
		a.AddResult(hourTime(9), true, 10)
	}
	if got := a.WinRate(9); got != defaultWinRate {
		t.Fatalf("WinRate = %v, want default %v with only 5 samples", got, defaultWinRate)
	}
}

func TestHourBecomesFavorableAboveThreshold(t *testing.T) {
	a := NewTimeOfDayAnalyzer(testLogger())
	for i := 0; i < 8; i++ {
		a.AddResult(hourTime(9), true, 10)
	}
	for i := 0; i < 2; i++ {
		a.AddResult(hourTime(9), false, -5)
	}
	if !a.IsFavorableHour(9) {
		t.Fatal("IsFavorableHour(9) = false, want true (8/10 = 80% win rate)")
	}
	if got := a.ConfidenceMultiplier(9); got != favorableMultiplier {
		t.Fatalf("ConfidenceMultiplier(9) = %v, want %v", got, favorableMultiplier)
	}
}

func TestHourBecomesUnfavorableBelowThreshold(t *testing.T) {
	a := NewTimeOfDayAnalyzer(testLogger())
	for i := 0; i < 3; i++ {
		a.AddResult(hourTime(3), true, 5)
	}
	for i := 0; i < 10; i++ {
		a.AddResult(hourTime(3), false, -5)
	}
	if !a.IsUnfavorableHour(3) {
		t.Fatal("IsUnfavorableHour(3) = false, want true (3/13 ≈ 23% win rate)")
	}
	if got := a.ConfidenceMultiplier(3); got != unfavorableMultiplier {
		t.Fatalf("ConfidenceMultiplier(3) = %v, want %v", got, unfavorableMultiplier)
	}
}

func TestNeutralHourHasDefaultMultiplier(t *testing.T) {
	a := NewTimeOfDayAnalyzer(testLogger())
	if got := a.ConfidenceMultiplier(5); got != neutralMultiplier {
		t.Fatalf("ConfidenceMultiplier(5) = %v, want neutral %v with no data", got, neutralMultiplier)
	}
}

func TestBestHoursRankedDescending(t *testing.T) {
	a := NewTimeOfDayAnalyzer(testLogger())
	for i := 0; i < 9; i++ {
		a.AddResult(hourTime(9), true, 10)
	}
	a.AddResult(hourTime(9), false, -5)
	for i := 0; i < 5; i++ {
		a.AddResult(hourTime(3), true, 5)
		a.AddResult(hourTime(3), false, -5)
	}
	best := a.BestHours(1)
	if len(best) != 1 || best[0] != 9 {
		t.Fatalf("BestHours(1) = %v, want [9]", best)
	}
}
