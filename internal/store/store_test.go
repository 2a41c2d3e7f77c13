package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"arbsignal/pkg/types"
)

func TestAppendAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	day := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	c1 := &types.SignalCandidate{SignalID: "s1", MarketID: "m1", TSMs: day.UnixMilli()}
	c2 := &types.SignalCandidate{SignalID: "s2", MarketID: "m1", TSMs: day.UnixMilli() + 1000}

	if err := s.AppendSignal(c1, day); err != nil {
		t.Fatalf("AppendSignal: %v", err)
	}
	if err := s.AppendSignal(c2, day); err != nil {
		t.Fatalf("AppendSignal: %v", err)
	}

	got, err := s.LoadDay(day)
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadDay returned %d signals, want 2", len(got))
	}
	if got[0].SignalID != "s1" || got[1].SignalID != "s2" {
		t.Fatalf("LoadDay = %+v, want s1 then s2 in append order", got)
	}
}

func TestLoadDayEmptyWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.LoadDay(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("LoadDay: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("LoadDay = %v, want empty for a day with no signals", got)
	}
}

func TestLoadDayToleratesTruncatedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	day := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	if err := s.AppendSignal(&types.SignalCandidate{SignalID: "s1"}, day); err != nil {
		t.Fatalf("AppendSignal: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("signals_%s.ndjson", day.Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for truncated append: %v", err)
	}
	if _, err := f.WriteString(`{"signal_id":"s2","market_id"`); err != nil {
		t.Fatalf("write truncated line: %v", err)
	}
	f.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close()

	got, err := s2.LoadDay(day)
	if err != nil {
		t.Fatalf("LoadDay with a truncated trailing line = %v, want nil error", err)
	}
	if len(got) != 1 || got[0].SignalID != "s1" {
		t.Fatalf("LoadDay = %+v, want [s1] (complete lines kept, truncated tail dropped)", got)
	}
}

func TestAppendRotatesAcrossDayBoundary(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	day1 := time.Date(2026, 3, 4, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 5, 0, 1, 0, 0, time.UTC)

	if err := s.AppendSignal(&types.SignalCandidate{SignalID: "a"}, day1); err != nil {
		t.Fatalf("AppendSignal day1: %v", err)
	}
	if err := s.AppendSignal(&types.SignalCandidate{SignalID: "b"}, day2); err != nil {
		t.Fatalf("AppendSignal day2: %v", err)
	}

	got1, err := s.LoadDay(day1)
	if err != nil {
		t.Fatalf("LoadDay day1: %v", err)
	}
	got2, err := s.LoadDay(day2)
	if err != nil {
		t.Fatalf("LoadDay day2: %v", err)
	}
	if len(got1) != 1 || got1[0].SignalID != "a" {
		t.Fatalf("day1 signals = %+v, want [a]", got1)
	}
	if len(got2) != 1 || got2[0].SignalID != "b" {
		t.Fatalf("day2 signals = %+v, want [b]", got2)
	}
}
