// Package session implements a process-lifetime tracker for bot activity:
// connection events, signal detections/rejections, and trade outcomes,
// bounded to avoid unbounded memory growth, with a summary generator for
// end-of-session reporting. Grounded on
// original_source/src/utils/session_tracker.py's SessionTracker, adapted
// from Python dataclasses/deques to mutex-protected Go ring buffers.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arbsignal/pkg/types"
)

const (
	maxConnectionEvents = 500
	maxSignalEvents     = 1000
	maxTradeEvents      = 500
)

// ConnectionEvent records a feed connection lifecycle transition.
type ConnectionEvent struct {
	At      time.Time
	Feed    string
	Kind    string // connected, disconnected, reconnecting, reconnected
	Details string
}

// SignalEvent records a signal detection or rejection.
type SignalEvent struct {
	At         time.Time
	MarketID   string
	Detected   bool
	Reason     types.RejectionReason
	Confidence float64
}

// TradeOutcome records a mode dispatcher's realized (or simulated) result.
type TradeOutcome struct {
	At        time.Time
	MarketID  string
	Won       bool
	ProfitEUR float64
}

// Tracker accumulates bounded event history and aggregate counters for the
// lifetime of one process run.
type Tracker struct {
	logger *slog.Logger

	mu sync.Mutex

	start time.Time

	connections []ConnectionEvent
	signals     []SignalEvent
	trades      []TradeOutcome

	rejectionCounts map[types.RejectionReason]int
	signalsDetected int
	wins            int
	losses          int
	totalProfitEUR  float64

	maxDivergencePct    float64
	maxDivergenceMarket string
}

// New creates a tracker whose session clock starts now.
func New(logger *slog.Logger, now time.Time) *Tracker {
	return &Tracker{
		logger:          logger.With("component", "session_tracker"),
		start:           now,
		rejectionCounts: make(map[types.RejectionReason]int),
	}
}

// RecordConnection appends a connection lifecycle event, trimming to the
// most recent maxConnectionEvents.
func (t *Tracker) RecordConnection(e ConnectionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections = append(t.connections, e)
	if len(t.connections) > maxConnectionEvents {
		t.connections = t.connections[len(t.connections)-maxConnectionEvents:]
	}
}

// RecordSignalDetected records an accepted candidate.
func (t *Tracker) RecordSignalDetected(marketID string, confidence float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signalsDetected++
	t.appendSignalLocked(SignalEvent{At: at, MarketID: marketID, Detected: true, Confidence: confidence})
}

// RecordSignalRejected records a rejection and its reason.
func (t *Tracker) RecordSignalRejected(marketID string, reason types.RejectionReason, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejectionCounts[reason]++
	t.appendSignalLocked(SignalEvent{At: at, MarketID: marketID, Detected: false, Reason: reason})
}

func (t *Tracker) appendSignalLocked(e SignalEvent) {
	t.signals = append(t.signals, e)
	if len(t.signals) > maxSignalEvents {
		t.signals = t.signals[len(t.signals)-maxSignalEvents:]
	}
}

// RecordTradeOutcome records a realized (or simulated) trade result.
func (t *Tracker) RecordTradeOutcome(o TradeOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trades = append(t.trades, o)
	if len(t.trades) > maxTradeEvents {
		t.trades = t.trades[len(t.trades)-maxTradeEvents:]
	}
	if o.Won {
		t.wins++
	} else {
		t.losses++
	}
	t.totalProfitEUR += o.ProfitEUR
}

// RecordDivergence tracks the single largest spot/PM divergence observed.
func (t *Tracker) RecordDivergence(marketID string, divergencePct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if divergencePct > t.maxDivergencePct {
		t.maxDivergencePct = divergencePct
		t.maxDivergenceMarket = marketID
	}
}

// Summary is the end-of-session report.
type Summary struct {
	DurationSeconds     float64
	SignalsDetected     int
	RejectionCounts     map[types.RejectionReason]int
	Wins                int
	Losses              int
	WinRate             float64
	TotalProfitEUR      float64
	MaxDivergencePct    float64
	MaxDivergenceMarket string
}

// GenerateSummary produces an aggregate report as of now.
func (t *Tracker) GenerateSummary(now time.Time) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.wins + t.losses
	winRate := 0.0
	if total > 0 {
		winRate = float64(t.wins) / float64(total)
	}

	counts := make(map[types.RejectionReason]int, len(t.rejectionCounts))
	for k, v := range t.rejectionCounts {
		counts[k] = v
	}

	return Summary{
		DurationSeconds:     now.Sub(t.start).Seconds(),
		SignalsDetected:     t.signalsDetected,
		RejectionCounts:     counts,
		Wins:                t.wins,
		Losses:              t.losses,
		WinRate:             winRate,
		TotalProfitEUR:      t.totalProfitEUR,
		MaxDivergencePct:    t.maxDivergencePct,
		MaxDivergenceMarket: t.maxDivergenceMarket,
	}
}

// Report renders the summary as a short human-readable block, mirroring the
// shape of the original session tracker's Discord report without the
// Discord-specific formatting.
func (s Summary) Report() string {
	return fmt.Sprintf(
		"session %.0fs: %d signals detected, %d wins / %d losses (%.1f%% win rate), %.2f EUR net, max divergence %.3f%% on %s",
		s.DurationSeconds, s.SignalsDetected, s.Wins, s.Losses, s.WinRate*100, s.TotalProfitEUR,
		s.MaxDivergencePct*100, s.MaxDivergenceMarket,
	)
}
