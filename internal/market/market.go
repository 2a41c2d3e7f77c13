// Package market implements the prediction-market orderbook adapter (§4.D):
// a local book per market window with staleness/freeze detection, top-5-level
// imbalance, liquidity-collapse detection, a fee model, and adaptive polling
// that speeds up under high activity. Discovery of the current plus next-two
// windows is a periodic Gamma-style REST scan, mirroring the reference
// scanner's poll-filter-rank loop but selecting by time window instead of
// opportunity score.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"arbsignal/pkg/types"
)

// Config holds the book's tunables.
type Config struct {
	DepthLevels           int
	FastPollInterval      time.Duration
	SlowPollInterval      time.Duration
	HighActivityWindow    time.Duration
	HighActivityMoveTrig  float64
	PriceChangeThreshold  float64
	FreezeMinDuration     time.Duration
	FreezeDepthChangePct  float64
	LiquidityDropRatio    float64
	LiquidityAbsFloorEUR  float64
	LiquiditySnapshotSpan time.Duration
}

// DefaultConfig returns the thresholds observed in the reference feed.
func DefaultConfig() Config {
	return Config{
		DepthLevels:           5,
		FastPollInterval:      200 * time.Millisecond,
		SlowPollInterval:      1 * time.Second,
		HighActivityWindow:    15 * time.Second,
		HighActivityMoveTrig:  0.005,
		PriceChangeThreshold:  0.001,
		FreezeMinDuration:     3 * time.Second,
		FreezeDepthChangePct:  0.10,
		LiquidityDropRatio:    0.50,
		LiquidityAbsFloorEUR:  25.0,
		LiquiditySnapshotSpan: 30 * time.Second,
	}
}

// QuoteSet is the four best quotes used for freeze detection: YES/NO bid/ask.
type QuoteSet struct {
	YesBid, YesAsk, NoBid, NoAsk float64
}

// changed reports whether any of the four quotes moved by more than threshold.
func (q QuoteSet) changed(prev QuoteSet, threshold float64) bool {
	return absDiff(q.YesBid, prev.YesBid) > threshold ||
		absDiff(q.YesAsk, prev.YesAsk) > threshold ||
		absDiff(q.NoBid, prev.NoBid) > threshold ||
		absDiff(q.NoAsk, prev.NoAsk) > threshold
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// liquiditySample is one point in the bounded liquidity history used to
// evaluate collapse over a trailing window.
type liquiditySample struct {
	at        time.Time
	yesLiquid float64
}

// freezeWindow tracks how long the four best quotes have been static.
type freezeWindow struct {
	quotes     QuoteSet
	startedAt  time.Time
	startDepth float64
}

// Book maintains a local mirror of one prediction-market window's orderbook
// and derives the staleness/freeze/imbalance/fee state the signal pipeline
// consumes.
type Book struct {
	cfg      Config
	logger   *slog.Logger
	marketID string

	mu              sync.Mutex
	initialized     bool
	state           types.MarketState
	liquidityHist   []liquiditySample
	freeze          *freezeWindow
	highActivityEnd time.Time
}

// NewBook creates a local book for one market window.
func NewBook(marketID string, cfg Config, logger *slog.Logger) *Book {
	return &Book{
		cfg:      cfg,
		logger:   logger.With("component", "market_book", "market_id", marketID),
		marketID: marketID,
	}
}

// OrderbookInput is the raw levels this update cycle observed, sorted best
// first on both sides.
type OrderbookInput struct {
	YesBids, YesAsks []types.OrderbookLevel
	NoBids, NoAsks   []types.OrderbookLevel
	YesFeeRateBps    int64
	NoFeeRateBps     int64
}

// depthSum sums size across the first n levels.
func depthSum(levels []types.OrderbookLevel, n int) float64 {
	var total float64
	for i, l := range levels {
		if i >= n {
			break
		}
		total += l.Size
	}
	return total
}

// imbalance computes the normalized top-n depth imbalance in [-1, 1]:
// (yesDepth - noDepth) / (yesDepth + noDepth).
func imbalance(yesDepth, noDepth float64) float64 {
	total := yesDepth + noDepth
	if total <= 0 {
		return 0
	}
	return (yesDepth - noDepth) / total
}

// Update applies a fresh orderbook read, recomputing staleness, freeze,
// imbalance, and liquidity-collapse state as of now.
func (b *Book) Update(now time.Time, in OrderbookInput) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var yesBid, yesAsk, noBid, noAsk float64
	if len(in.YesBids) > 0 {
		yesBid = in.YesBids[0].Price
	}
	if len(in.YesAsks) > 0 {
		yesAsk = in.YesAsks[0].Price
	}
	if len(in.NoBids) > 0 {
		noBid = in.NoBids[0].Price
	}
	if len(in.NoAsks) > 0 {
		noAsk = in.NoAsks[0].Price
	}

	depthN := b.cfg.DepthLevels
	yesDepthTotal := depthSum(in.YesBids, depthN) + depthSum(in.YesAsks, depthN)
	noDepthTotal := depthSum(in.NoBids, depthN) + depthSum(in.NoAsks, depthN)
	yesLiquidityBest := depthSum(in.YesBids, depthN)
	noLiquidityBest := depthSum(in.NoBids, depthN)

	quotes := QuoteSet{YesBid: yesBid, YesAsk: yesAsk, NoBid: noBid, NoAsk: noAsk}
	b.trackFreeze(now, quotes, yesDepthTotal+noDepthTotal)

	b.liquidityHist = append(b.liquidityHist, liquiditySample{at: now, yesLiquid: yesLiquidityBest})
	b.pruneLiquidityHistory(now)
	liq30, liq60 := b.liquidityAt(now, 30*time.Second), b.liquidityAt(now, 60*time.Second)
	collapsing := b.detectCollapse(yesLiquidityBest, liq30)

	depth3 := func(levels []types.OrderbookLevel) []types.OrderbookLevel {
		n := 3
		if len(levels) < n {
			n = len(levels)
		}
		out := make([]types.OrderbookLevel, n)
		copy(out, levels[:n])
		return out
	}

	prev := b.state
	if b.initialized && quotes.changed(QuoteSet{prev.YesBid, prev.YesAsk, prev.NoBid, prev.NoAsk}, b.cfg.HighActivityMoveTrig) {
		b.highActivityEnd = now.Add(b.cfg.HighActivityWindow)
	}
	b.initialized = true

	b.state = types.MarketState{
		MarketID:                b.marketID,
		TSMs:                    now.UnixMilli(),
		YesBid:                  yesBid,
		YesAsk:                  yesAsk,
		NoBid:                   noBid,
		NoAsk:                   noAsk,
		YesDepth3:               depth3(in.YesBids),
		NoDepth3:                depth3(in.NoBids),
		YesLiquidityBest:        yesLiquidityBest,
		NoLiquidityBest:         noLiquidityBest,
		Spread:                  yesAsk - yesBid,
		ImpliedProb:             (yesBid + yesAsk) / 2,
		Liquidity30sAgo:         liq30,
		Liquidity60sAgo:         liq60,
		LiquidityCollapsing:     collapsing,
		OrderbookImbalanceRatio: imbalance(yesDepthTotal, noDepthTotal),
		YesDepthTotal:           yesDepthTotal,
		NoDepthTotal:            noDepthTotal,
		LastPriceChangeMs:       b.freezeAnchorMs(now),
		OrderbookAgeS:           0,
		DepthChangePct:          b.freezeDepthChangePct(yesDepthTotal + noDepthTotal),
		YesFeeRateBps:           in.YesFeeRateBps,
		NoFeeRateBps:            in.NoFeeRateBps,
	}
	b.state.FreezeDetected = b.isFrozen(now)

	if collapsing {
		b.logger.Warn("liquidity collapsing",
			"yes_liquidity_best", yesLiquidityBest, "liquidity_30s_ago", liq30)
	}
}

// trackFreeze resets the freeze window whenever a best quote moves beyond
// the price-change threshold; otherwise it keeps accumulating static time.
func (b *Book) trackFreeze(now time.Time, q QuoteSet, totalDepth float64) {
	if b.freeze == nil || q.changed(b.freeze.quotes, b.cfg.PriceChangeThreshold) {
		b.freeze = &freezeWindow{quotes: q, startedAt: now, startDepth: totalDepth}
		return
	}
}

func (b *Book) freezeAnchorMs(now time.Time) int64 {
	if b.freeze == nil {
		return now.UnixMilli()
	}
	return b.freeze.startedAt.UnixMilli()
}

// isFrozen reports whether quotes have been static for at least
// FreezeMinDuration and depth has meaningfully shifted underneath them —
// the combination indicating a stalled quoting engine rather than a quiet
// market.
func (b *Book) isFrozen(now time.Time) bool {
	if b.freeze == nil {
		return false
	}
	if now.Sub(b.freeze.startedAt) < b.cfg.FreezeMinDuration {
		return false
	}
	return b.freezeDepthChangePct(b.currentTotalDepth()) > b.cfg.FreezeDepthChangePct
}

func (b *Book) currentTotalDepth() float64 {
	return b.state.YesDepthTotal + b.state.NoDepthTotal
}

func (b *Book) freezeDepthChangePct(currentTotalDepth float64) float64 {
	if b.freeze == nil || b.freeze.startDepth <= 0 {
		return 0
	}
	return absDiff(currentTotalDepth, b.freeze.startDepth) / b.freeze.startDepth
}

func (b *Book) pruneLiquidityHistory(now time.Time) {
	cutoff := now.Add(-b.cfg.LiquiditySnapshotSpan - 30*time.Second)
	i := 0
	for ; i < len(b.liquidityHist); i++ {
		if b.liquidityHist[i].at.After(cutoff) {
			break
		}
	}
	b.liquidityHist = b.liquidityHist[i:]
}

// liquidityAt returns the YES liquidity sample closest to now-span, or the
// oldest available sample if the history doesn't reach back that far.
func (b *Book) liquidityAt(now time.Time, span time.Duration) float64 {
	target := now.Add(-span)
	best := -1
	bestDelta := time.Duration(1<<63 - 1)
	for i, s := range b.liquidityHist {
		d := absDuration(s.at.Sub(target))
		if d < bestDelta {
			bestDelta = d
			best = i
		}
	}
	if best < 0 {
		return 0
	}
	return b.liquidityHist[best].yesLiquid
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// detectCollapse implements the two-condition rule: liquidity must have
// dropped by more than half from 30s ago AND fallen below the absolute
// floor. Either alone is not enough — a market that simply opened thin
// should not trip this, nor should a deep market's routine 60% pullback.
func (b *Book) detectCollapse(currentYesLiquid, liq30sAgo float64) bool {
	if liq30sAgo <= 0 {
		return false
	}
	majorDrop := currentYesLiquid/liq30sAgo < (1 - b.cfg.LiquidityDropRatio)
	belowFloor := currentYesLiquid < b.cfg.LiquidityAbsFloorEUR
	return majorDrop && belowFloor
}

// State returns the latest snapshot with OrderbookAgeS recomputed relative
// to now. Age is time since the quotes last actually moved
// (LastPriceChangeMs), not time since the last poll — a book that has been
// polled every 200ms but quoted the same price for a minute is a minute
// stale, matching original_source/src/feeds/polymarket.py's
// orderbook_age_seconds.
func (b *Book) State(now time.Time) types.MarketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state
	s.OrderbookAgeS = float64(now.UnixMilli()-s.LastPriceChangeMs) / 1000.0
	return s
}

// PollInterval returns the adaptive poll interval: fast during a recent
// high-activity trigger window, slow otherwise.
func (b *Book) PollInterval(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.highActivityEnd) {
		return b.cfg.FastPollInterval
	}
	return b.cfg.SlowPollInterval
}

// SlippageForSize simulates walking the given number of depth-3 levels with
// size units to buy, returning the volume-weighted average fill price. Uses
// decimal arithmetic so the simulation doesn't accumulate float drift across
// many small levels, mirroring the validator's depth-walk precision needs.
func SlippageForSize(levels []types.OrderbookLevel, size float64) (avgPrice float64, filled float64) {
	remaining := decimal.NewFromFloat(size)
	var notional, totalFilled decimal.Decimal
	for _, l := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		lvlSize := decimal.NewFromFloat(l.Size)
		take := lvlSize
		if take.GreaterThan(remaining) {
			take = remaining
		}
		notional = notional.Add(take.Mul(decimal.NewFromFloat(l.Price)))
		totalFilled = totalFilled.Add(take)
		remaining = remaining.Sub(take)
	}
	if totalFilled.IsZero() {
		return 0, 0
	}
	avg, _ := notional.Div(totalFilled).Float64()
	filledF, _ := totalFilled.Float64()
	return avg, filledF
}

// Window describes one discovered market window (current or next).
type Window struct {
	MarketID   string
	YesTokenID string
	NoTokenID  string
	OpensAt    time.Time
	ClosesAt   time.Time
}

// gammaMarket is the minimal subset of the Gamma-style API response this
// adapter's discovery scan consumes.
type gammaMarket struct {
	ConditionID  string `json:"conditionId"`
	ClobTokenIds string `json:"clobTokenIds"`
	StartDate    string `json:"startDate"`
	EndDate      string `json:"endDate"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
}

// Discoverer periodically scans for the current plus next-two market
// windows for a series (e.g. hourly BTC up/down markets), keeping Book
// instances in sync with whichever windows are currently tradeable.
type Discoverer struct {
	httpClient *resty.Client
	seriesSlug string
	logger     *slog.Logger

	mu      sync.Mutex
	windows []Window
}

// NewDiscoverer creates a discoverer against the given Gamma-style base URL
// and series slug (e.g. "bitcoin-up-or-down").
func NewDiscoverer(baseURL, seriesSlug string, logger *slog.Logger) *Discoverer {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Discoverer{
		httpClient: client,
		seriesSlug: seriesSlug,
		logger:     logger.With("component", "market_discoverer"),
	}
}

// Run polls for window changes every interval until ctx is cancelled.
func (d *Discoverer) Run(ctx context.Context, interval time.Duration) error {
	if err := d.scan(ctx); err != nil {
		d.logger.Warn("initial window scan failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.scan(ctx); err != nil {
				d.logger.Warn("window scan failed", "error", err)
			}
		}
	}
}

func (d *Discoverer) scan(ctx context.Context) error {
	var page []gammaMarket
	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"series_slug": d.seriesSlug,
			"active":      "true",
			"closed":      "false",
			"limit":       "10",
		}).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return fmt.Errorf("fetch series markets: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("fetch series markets: status %d", resp.StatusCode())
	}

	windows := make([]Window, 0, len(page))
	for _, m := range page {
		if !m.Active || m.Closed {
			continue
		}
		yesTok, noTok := splitClobTokenIds(m.ClobTokenIds)
		opens, _ := time.Parse(time.RFC3339, m.StartDate)
		closes, _ := time.Parse(time.RFC3339, m.EndDate)
		windows = append(windows, Window{
			MarketID:   m.ConditionID,
			YesTokenID: yesTok,
			NoTokenID:  noTok,
			OpensAt:    opens,
			ClosesAt:   closes,
		})
	}

	sort.Slice(windows, func(i, j int) bool { return windows[i].OpensAt.Before(windows[j].OpensAt) })
	if len(windows) > 3 {
		windows = windows[:3]
	}

	d.mu.Lock()
	d.windows = windows
	d.mu.Unlock()

	d.logger.Info("window scan complete", "windows", len(windows))
	return nil
}

// Windows returns the current plus next-two discovered windows, oldest first.
func (d *Discoverer) Windows() []Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Window, len(d.windows))
	copy(out, d.windows)
	return out
}

// splitClobTokenIds parses the Gamma API's bracketed two-element token-id
// string, e.g. `["123","456"]`, into (yes, no). Malformed input yields
// empty strings rather than an error — discovery degrades gracefully.
func splitClobTokenIds(raw string) (yes, no string) {
	var ids []string
	start, end := -1, -1
	for i, c := range raw {
		if c == '"' {
			if start < 0 {
				start = i + 1
			} else {
				end = i
				ids = append(ids, raw[start:end])
				start, end = -1, -1
			}
		}
	}
	if len(ids) >= 2 {
		return ids[0], ids[1]
	}
	if len(ids) == 1 {
		return ids[0], ""
	}
	return "", ""
}

// clobBookResponse is the minimal subset of a CLOB order-book REST response
// this adapter needs, for one token.
type clobBookResponse struct {
	Bids []clobLevel `json:"bids"`
	Asks []clobLevel `json:"asks"`
}

type clobLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// TokenBucket is a continuously-refilling token-bucket limiter: callers block
// in Wait until a token is available rather than bursting in 10s windows.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and
// per-second refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{tokens: capacity, capacity: capacity, rate: ratePerSecond, lastTime: time.Now()}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// OrderbookClient fetches YES/NO book levels and fee rates for a market
// window over REST, mirroring the discoverer's resty client but hitting the
// CLOB order-book endpoint instead of the Gamma market-list endpoint. Each
// Fetch takes one token from a bucket of 150 refilled smoothly at 15 per
// second (150 Fetch calls per 10s, each making four requests), which keeps
// a multi-market poll loop below the CLOB's published order-book read limit
// of 1500 per 10s.
type OrderbookClient struct {
	httpClient *resty.Client
	limiter    *TokenBucket
	logger     *slog.Logger
}

// NewOrderbookClient creates a client against the given CLOB base URL.
func NewOrderbookClient(baseURL string, logger *slog.Logger) *OrderbookClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond)

	return &OrderbookClient{
		httpClient: client,
		limiter:    NewTokenBucket(150, 15),
		logger:     logger.With("component", "orderbook_client"),
	}
}

// Fetch retrieves both sides of a YES/NO token pair's book and their fee
// rates, returning an OrderbookInput ready for Book.Update.
func (c *OrderbookClient) Fetch(ctx context.Context, yesTokenID, noTokenID string) (OrderbookInput, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return OrderbookInput{}, fmt.Errorf("rate limit wait: %w", err)
	}
	yesBook, err := c.fetchSide(ctx, yesTokenID)
	if err != nil {
		return OrderbookInput{}, fmt.Errorf("fetch yes book: %w", err)
	}
	noBook, err := c.fetchSide(ctx, noTokenID)
	if err != nil {
		return OrderbookInput{}, fmt.Errorf("fetch no book: %w", err)
	}
	yesFeeBps, err := c.fetchFeeRateBps(ctx, yesTokenID)
	if err != nil {
		c.logger.Warn("fee rate fetch failed, defaulting to 0", "token", yesTokenID, "error", err)
	}
	noFeeBps, err := c.fetchFeeRateBps(ctx, noTokenID)
	if err != nil {
		c.logger.Warn("fee rate fetch failed, defaulting to 0", "token", noTokenID, "error", err)
	}

	return OrderbookInput{
		YesBids:       toLevels(yesBook.Bids),
		YesAsks:       toLevels(yesBook.Asks),
		NoBids:        toLevels(noBook.Bids),
		NoAsks:        toLevels(noBook.Asks),
		YesFeeRateBps: yesFeeBps,
		NoFeeRateBps:  noFeeBps,
	}, nil
}

func (c *OrderbookClient) fetchSide(ctx context.Context, tokenID string) (clobBookResponse, error) {
	var book clobBookResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return clobBookResponse{}, err
	}
	if resp.StatusCode() != 200 {
		return clobBookResponse{}, fmt.Errorf("status %d", resp.StatusCode())
	}
	return book, nil
}

func (c *OrderbookClient) fetchFeeRateBps(ctx context.Context, tokenID string) (int64, error) {
	var out struct {
		BaseFeeRateBps int64 `json:"base_fee_rate_bps"`
	}
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&out).
		Get("/fee-rate")
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("status %d", resp.StatusCode())
	}
	return out.BaseFeeRateBps, nil
}

func toLevels(raw []clobLevel) []types.OrderbookLevel {
	out := make([]types.OrderbookLevel, 0, len(raw))
	for _, l := range raw {
		price, err1 := decimal.NewFromString(l.Price)
		size, err2 := decimal.NewFromString(l.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		p, _ := price.Float64()
		s, _ := size.Float64()
		out = append(out, types.OrderbookLevel{Price: p, Size: s})
	}
	return out
}
