// Package buffer implements PriceBuffer, the per-feed rolling window of trade
// observations each spot adapter maintains, and the derived statistics
// (move, volatility, velocity, ATR, spike concentration, volume) the
// consensus engine and signal detector read from it.
package buffer

import (
	"math"
	"sync"
	"time"
)

// Retention is the minimum horizon a PriceBuffer guarantees to hold.
const Retention = 5 * time.Minute

type sample struct {
	price  float64
	tsMs   int64
	volume float64
}

// PriceBuffer is a mutex-protected, time-ordered sequence of samples with a
// hard retention horizon enforced lazily on access. It is exclusively owned
// by the feed adapter that writes to it; all other components read through
// the query methods below, never mutating in place.
type PriceBuffer struct {
	mu      sync.RWMutex
	samples []sample
}

// New creates an empty PriceBuffer.
func New() *PriceBuffer {
	return &PriceBuffer{samples: make([]sample, 0, 1024)}
}

// Add appends a new observation and evicts anything older than the retention
// horizon. Prices <= 0 are rejected silently (data-validity failure, §7).
func (b *PriceBuffer) Add(price float64, tsMs int64, volume float64) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, sample{price: price, tsMs: tsMs, volume: volume})
	b.evictLocked(tsMs)
}

// evictLocked drops samples older than Retention relative to the most recent
// timestamp seen. Must be called with mu held.
func (b *PriceBuffer) evictLocked(nowMs int64) {
	cutoff := nowMs - Retention.Milliseconds()
	i := 0
	for i < len(b.samples) && b.samples[i].tsMs < cutoff {
		i++
	}
	if i > 0 {
		b.samples = b.samples[i:]
	}
}

// Len returns the current number of retained samples.
func (b *PriceBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// windowLocked returns a copy of the samples with tsMs >= now - w. Must be called
// with mu held for reading.
func (b *PriceBuffer) windowLocked(w time.Duration) []sample {
	if len(b.samples) == 0 {
		return nil
	}
	nowMs := b.samples[len(b.samples)-1].tsMs
	cutoff := nowMs - w.Milliseconds()
	start := 0
	for start < len(b.samples) && b.samples[start].tsMs < cutoff {
		start++
	}
	out := make([]sample, len(b.samples)-start)
	copy(out, b.samples[start:])
	return out
}

// Window returns (prices, timestamps, volumes) for the trailing w window.
func (b *PriceBuffer) Window(w time.Duration) ([]float64, []int64, []float64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.windowLocked(w)
	prices := make([]float64, len(s))
	times := make([]int64, len(s))
	volumes := make([]float64, len(s))
	for i, v := range s {
		prices[i] = v.price
		times[i] = v.tsMs
		volumes[i] = v.volume
	}
	return prices, times, volumes
}

// MovePct returns (last-first)/first over the trailing window, 0 if fewer
// than 2 samples fall in the window.
func (b *PriceBuffer) MovePct(w time.Duration) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.windowLocked(w)
	if len(s) < 2 {
		return 0
	}
	first := s[0].price
	last := s[len(s)-1].price
	if first == 0 {
		return 0
	}
	return (last - first) / first
}

// Volatility returns the sample standard deviation of per-step returns over
// the trailing window, 0 if fewer than 3 samples fall in the window.
func (b *PriceBuffer) Volatility(w time.Duration) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.windowLocked(w)
	if len(s) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		if s[i-1].price == 0 {
			continue
		}
		returns = append(returns, (s[i].price-s[i-1].price)/s[i-1].price)
	}
	if len(returns) < 2 {
		return 0
	}
	return stddev(returns)
}

func stddev(xs []float64) float64 {
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// Velocity returns MovePct(w) / elapsed-seconds, 0 on degenerate input.
func (b *PriceBuffer) Velocity(w time.Duration) float64 {
	b.mu.RLock()
	s := b.windowLocked(w)
	b.mu.RUnlock()
	if len(s) < 2 {
		return 0
	}
	dt := float64(s[len(s)-1].tsMs-s[0].tsMs) / 1000.0
	if dt <= 0 {
		return 0
	}
	move := b.MovePct(w)
	return move / dt
}

// ATR computes the mean of (high-low)/mid across non-overlapping sub-windows
// of length `period` inside the trailing `w` window. Requires at least 10
// samples overall; returns 0 otherwise.
func (b *PriceBuffer) ATR(w, period time.Duration) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.windowLocked(w)
	if len(s) < 10 {
		return 0
	}
	periodMs := period.Milliseconds()
	if periodMs <= 0 {
		return 0
	}
	start := s[0].tsMs
	end := s[len(s)-1].tsMs

	var sum float64
	var count int
	for bucketStart := start; bucketStart < end; bucketStart += periodMs {
		bucketEnd := bucketStart + periodMs
		var high, low float64
		found := false
		for _, v := range s {
			if v.tsMs >= bucketStart && v.tsMs < bucketEnd {
				if !found {
					high, low = v.price, v.price
					found = true
				} else {
					if v.price > high {
						high = v.price
					}
					if v.price < low {
						low = v.price
					}
				}
			}
		}
		if found {
			mid := (high + low) / 2
			if mid > 0 {
				sum += (high - low) / mid
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// MaxMoveInSubwindow returns the maximum absolute return achievable within
// any interval no longer than sub inside the trailing w window. This is
// the O(n^2) pairwise scan used for spike concentration.
func (b *PriceBuffer) MaxMoveInSubwindow(w, sub time.Duration) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.windowLocked(w)
	if len(s) < 2 {
		return 0
	}
	subMs := sub.Milliseconds()
	var maxMove float64
	for i := range s {
		for j := i + 1; j < len(s); j++ {
			if s[j].tsMs-s[i].tsMs > subMs {
				break
			}
			if s[i].price == 0 {
				continue
			}
			move := math.Abs((s[j].price - s[i].price) / s[i].price)
			if move > maxMove {
				maxMove = move
			}
		}
	}
	return maxMove
}

// VolumeSum returns the total quote volume over the trailing window.
func (b *PriceBuffer) VolumeSum(w time.Duration) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.windowLocked(w)
	var sum float64
	for _, v := range s {
		sum += v.volume
	}
	return sum
}

// VolumeAvg returns the average per-minute volume over the trailing window.
func (b *PriceBuffer) VolumeAvg(w time.Duration) float64 {
	minutes := w.Minutes()
	if minutes <= 0 {
		return 0
	}
	return b.VolumeSum(w) / minutes
}

// CurrentPrice returns the most recent price, or 0 if empty.
func (b *PriceBuffer) CurrentPrice() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return 0
	}
	return b.samples[len(b.samples)-1].price
}

// CurrentTimestamp returns the most recent sample timestamp, or 0 if empty.
func (b *PriceBuffer) CurrentTimestamp() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return 0
	}
	return b.samples[len(b.samples)-1].tsMs
}
