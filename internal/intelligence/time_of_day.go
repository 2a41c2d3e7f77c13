package intelligence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	minSamplesPerHour     = 10
	favorableWinRate      = 0.70
	unfavorableWinRate    = 0.55
	defaultWinRate        = 0.65
	favorableMultiplier   = 1.10
	unfavorableMultiplier = 0.85
	neutralMultiplier     = 1.0
)

type hourStats struct {
	wins, losses int
	totalProfit  float64
}

// TimeOfDayAnalyzer buckets realized signal outcomes by hour of day and
// derives a confidence multiplier for each hour, so the pipeline can favor
// historically strong hours and damp historically weak ones.
type TimeOfDayAnalyzer struct {
	mu     sync.Mutex
	logger *slog.Logger

	stats       map[int]*hourStats
	favorable   map[int]bool
	unfavorable map[int]bool
}

// NewTimeOfDayAnalyzer creates an analyzer with no history.
func NewTimeOfDayAnalyzer(logger *slog.Logger) *TimeOfDayAnalyzer {
	return &TimeOfDayAnalyzer{
		logger:      logger.With("component", "time_of_day_analyzer"),
		stats:       make(map[int]*hourStats, 24),
		favorable:   make(map[int]bool),
		unfavorable: make(map[int]bool),
	}
}

// AddResult records one realized signal outcome at the given time.
func (a *TimeOfDayAnalyzer) AddResult(at time.Time, won bool, profitEUR float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	hour := at.Hour()
	s, ok := a.stats[hour]
	if !ok {
		s = &hourStats{}
		a.stats[hour] = s
	}
	if won {
		s.wins++
	} else {
		s.losses++
	}
	s.totalProfit += profitEUR

	a.recalculateLocked()
}

func (a *TimeOfDayAnalyzer) recalculateLocked() {
	for h := range a.favorable {
		delete(a.favorable, h)
	}
	for h := range a.unfavorable {
		delete(a.unfavorable, h)
	}
	for hour, s := range a.stats {
		total := s.wins + s.losses
		if total < minSamplesPerHour {
			continue
		}
		winRate := float64(s.wins) / float64(total)
		switch {
		case winRate >= favorableWinRate:
			a.favorable[hour] = true
		case winRate < unfavorableWinRate:
			a.unfavorable[hour] = true
		}
	}
}

// WinRate returns the observed win rate for hour, or defaultWinRate if
// fewer than minSamplesPerHour results have been recorded.
func (a *TimeOfDayAnalyzer) WinRate(hour int) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.stats[hour]
	if !ok {
		return defaultWinRate
	}
	total := s.wins + s.losses
	if total < minSamplesPerHour {
		return defaultWinRate
	}
	return float64(s.wins) / float64(total)
}

// ConfidenceMultiplier returns the multiplier to apply to a signal scored
// at the given hour: favorableMultiplier, unfavorableMultiplier, or neutral.
func (a *TimeOfDayAnalyzer) ConfidenceMultiplier(hour int) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.favorable[hour] {
		return favorableMultiplier
	}
	if a.unfavorable[hour] {
		return unfavorableMultiplier
	}
	return neutralMultiplier
}

// IsFavorableHour reports whether hour has a historically high win rate.
func (a *TimeOfDayAnalyzer) IsFavorableHour(hour int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.favorable[hour]
}

// IsUnfavorableHour reports whether hour has a historically low win rate.
func (a *TimeOfDayAnalyzer) IsUnfavorableHour(hour int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unfavorable[hour]
}

// BestHours returns up to n hours ranked by win rate descending, restricted
// to hours with at least minSamplesPerHour results.
func (a *TimeOfDayAnalyzer) BestHours(n int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	type hr struct {
		hour int
		rate float64
	}
	var ranked []hr
	for hour, s := range a.stats {
		total := s.wins + s.losses
		if total < minSamplesPerHour {
			continue
		}
		ranked = append(ranked, hr{hour: hour, rate: float64(s.wins) / float64(total)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].rate > ranked[j].rate })
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]int, len(ranked))
	for i, r := range ranked {
		out[i] = r.hour
	}
	return out
}
