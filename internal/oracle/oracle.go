// Package oracle implements the Chainlink on-chain price reference adapter
// (§4.C): a 1s poll loop against AggregatorV3Interface.latestRoundData,
// round-id-change heartbeat tracking, and fast-heartbeat detection. Poll
// failures double the retry interval (capped), mirroring the feed adapters'
// reconnect backoff, but never pause indefinitely.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"arbsignal/pkg/types"
)

// aggregatorV3ABI is the minimal Chainlink AggregatorV3Interface surface
// this adapter needs: latestRoundData and decimals.
const aggregatorV3ABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

// Config holds the poller's tunables.
type Config struct {
	PollInterval           time.Duration
	MaxPollInterval        time.Duration
	HeartbeatWindow        int
	FastHeartbeatThreshold float64
}

// DefaultConfig returns the thresholds observed in the reference feed.
func DefaultConfig() Config {
	return Config{
		PollInterval:           1 * time.Second,
		MaxPollInterval:        30 * time.Second,
		HeartbeatWindow:        20,
		FastHeartbeatThreshold: 35,
	}
}

// HeartbeatTracker keeps a bounded deque of inter-update intervals derived
// from round_id changes, used to detect a feed that has switched to a
// faster update cadence (common around volatile periods).
type HeartbeatTracker struct {
	mu        sync.Mutex
	maxLen    int
	intervals []float64
	lastUpdatedAtMs int64
	haveLast  bool
}

// NewHeartbeatTracker creates a tracker retaining at most maxLen intervals.
func NewHeartbeatTracker(maxLen int) *HeartbeatTracker {
	return &HeartbeatTracker{maxLen: maxLen}
}

// AddUpdate records a new on-chain update timestamp, deriving an interval
// from the previous one when available.
func (h *HeartbeatTracker) AddUpdate(updatedAtMs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.haveLast {
		interval := float64(updatedAtMs-h.lastUpdatedAtMs) / 1000.0
		h.intervals = append(h.intervals, interval)
		if len(h.intervals) > h.maxLen {
			h.intervals = h.intervals[len(h.intervals)-h.maxLen:]
		}
	}
	h.lastUpdatedAtMs = updatedAtMs
	h.haveLast = true
}

// AvgInterval returns the mean of all retained intervals, defaulting to 60s
// with no history (matches the reference tracker's conservative default).
func (h *HeartbeatTracker) AvgInterval() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.intervals) == 0 {
		return 60.0
	}
	var sum float64
	for _, v := range h.intervals {
		sum += v
	}
	return sum / float64(len(h.intervals))
}

// RecentIntervals returns a copy of the last 5 recorded intervals.
func (h *HeartbeatTracker) RecentIntervals() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.intervals)
	start := n - 5
	if start < 0 {
		start = 0
	}
	out := make([]float64, n-start)
	copy(out, h.intervals[start:])
	return out
}

// IsFastHeartbeatMode reports whether the mean of the latest 3 intervals is
// below threshold, requiring at least 3 recorded intervals to judge.
func (h *HeartbeatTracker) IsFastHeartbeatMode(threshold float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.intervals) < 3 {
		return false
	}
	recent := h.intervals[len(h.intervals)-3:]
	var sum float64
	for _, v := range recent {
		sum += v
	}
	return sum/3.0 < threshold
}

// Feed polls a Chainlink aggregator contract and exposes the latest
// OracleState snapshot.
type Feed struct {
	cfg       Config
	logger    *slog.Logger
	client    *ethclient.Client
	address   common.Address
	abi       abi.ABI
	decimals  uint8
	heartbeat *HeartbeatTracker

	mu         sync.RWMutex
	state      types.OracleState
	lastRoundID uint64
	errorCount  int
}

// New dials rpcURL and prepares a Feed for the aggregator at address.
func New(ctx context.Context, rpcURL, address string, cfg Config, logger *slog.Logger) (*Feed, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}

	f := &Feed{
		cfg:       cfg,
		logger:    logger.With("component", "oracle_feed"),
		client:    client,
		address:   common.HexToAddress(address),
		abi:       parsed,
		heartbeat: NewHeartbeatTracker(cfg.HeartbeatWindow),
	}

	var decimalsOut []interface{}
	caller := bind.NewBoundContract(f.address, f.abi, client, client, client)
	if err := caller.Call(&bind.CallOpts{Context: ctx}, &decimalsOut, "decimals"); err != nil {
		return nil, fmt.Errorf("read decimals: %w", err)
	}
	f.decimals = decimalsOut[0].(uint8)

	return f, nil
}

// Run polls the aggregator on cfg.PollInterval until ctx is cancelled.
// Transient errors double the poll interval (capped at MaxPollInterval)
// but polling never stops outright.
func (f *Feed) Run(ctx context.Context) error {
	interval := f.cfg.PollInterval
	for {
		if err := f.poll(ctx); err != nil {
			f.mu.Lock()
			f.errorCount++
			f.mu.Unlock()
			f.logger.Warn("oracle poll failed", "error", err, "next_interval", interval)
			interval *= 2
			if interval > f.cfg.MaxPollInterval {
				interval = f.cfg.MaxPollInterval
			}
		} else {
			interval = f.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (f *Feed) poll(ctx context.Context) error {
	caller := bind.NewBoundContract(f.address, f.abi, f.client, f.client, f.client)
	var out []interface{}
	if err := caller.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return fmt.Errorf("latestRoundData: %w", err)
	}

	roundID := out[0].(*big.Int).Uint64()
	answer := out[1].(*big.Int)
	updatedAt := out[3].(*big.Int).Int64()

	price := weiToFloat(answer, f.decimals)
	updatedAtMs := updatedAt * 1000

	f.mu.Lock()
	if roundID > f.lastRoundID {
		f.heartbeat.AddUpdate(updatedAtMs)
		f.lastRoundID = roundID
	}
	nowMs := time.Now().UnixMilli()
	f.state = types.OracleState{
		Value:           price,
		UpdatedAtMs:     updatedAtMs,
		AgeSeconds:      float64(nowMs-updatedAtMs) / 1000.0,
		RoundID:         roundID,
		RecentIntervals: f.heartbeat.RecentIntervals(),
		AvgInterval:     f.heartbeat.AvgInterval(),
		FastHeartbeat:   f.heartbeat.IsFastHeartbeatMode(f.cfg.FastHeartbeatThreshold),
	}
	f.mu.Unlock()

	return nil
}

// State returns the latest oracle snapshot with AgeSeconds recomputed
// relative to now.
func (f *Feed) State(now time.Time) types.OracleState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := f.state
	s.AgeSeconds = float64(now.UnixMilli()-s.UpdatedAtMs) / 1000.0
	return s
}

// ErrorCount reports the total number of poll failures seen (never reset).
func (f *Feed) ErrorCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.errorCount
}

func weiToFloat(v *big.Int, decimals uint8) float64 {
	f := new(big.Float).SetInt(v)
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Quo(f, divisor)
	out, _ := f.Float64()
	return out
}
