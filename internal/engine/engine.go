// Package engine is the concurrency fabric (§4.J): it owns one task per
// spot feed, the oracle poller and market discovery, running them under
// engine/pool's restart-with-backoff supervisor, plus a fixed-interval
// (500ms) signal-evaluation loop and a 200ms orderbook poll, which run on
// plain goroutines outside the pool. Grounded on the teacher's
// internal/engine/engine.go (goroutine-per-task lifecycle, WaitGroup join,
// context-cancel shutdown), retargeted from market-making slot management to
// the arbitrage signal pipeline.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"arbsignal/internal/confidence"
	"arbsignal/internal/config"
	"arbsignal/internal/consensus"
	"arbsignal/internal/engine/pool"
	"arbsignal/internal/feed"
	"arbsignal/internal/intelligence"
	"arbsignal/internal/market"
	"arbsignal/internal/mode"
	"arbsignal/internal/oracle"
	"arbsignal/internal/session"
	"arbsignal/internal/signal"
	"arbsignal/internal/store"
	"arbsignal/internal/validator"
	"arbsignal/pkg/types"

	"github.com/google/uuid"
)

const evalInterval = 500 * time.Millisecond

// Engine wires every adapter and scoring stage into one running process.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	feeds        map[string]*feed.Feed
	oracleFeed   *oracle.Feed
	discoverer   *market.Discoverer
	bookClient   *market.OrderbookClient
	consensusEng *consensus.Engine
	detector     *signal.Detector
	validatorV   *validator.Validator
	scorer       *confidence.Scorer
	ensemble     *intelligence.EnsembleFilter
	flow         *intelligence.OrderFlowTracker
	router       *mode.Router
	breaker      *mode.Breaker
	signalStore  *store.Store
	tracker      *session.Tracker

	pool *pool.Pool

	booksMu sync.Mutex
	books   map[string]*market.Book

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dependencies bundles the constructed collaborators New needs, so New
// itself stays a pure wiring function independent of how each was built.
type Dependencies struct {
	OracleFeed  *oracle.Feed
	Discoverer  *market.Discoverer
	BookClient  *market.OrderbookClient
	Shadow      mode.Dispatcher
	Alert       mode.Dispatcher
	Automated   mode.Dispatcher
	SignalStore *store.Store
}

// New wires every component into a runnable Engine.
func New(cfg config.Config, logger *slog.Logger, deps Dependencies, now time.Time) *Engine {
	logger = logger.With("component", "engine")

	feeds := map[string]*feed.Feed{
		"binance":  feed.New("binance", cfg.Venues.Symbol, cfg.Venues.BinanceURL, feed.ParseBinanceTrade, logger),
		"coinbase": feed.New("coinbase", cfg.Venues.Symbol, cfg.Venues.CoinbaseURL, feed.ParseCoinbaseTrade, logger),
		"kraken":   feed.New("kraken", cfg.Venues.Symbol, cfg.Venues.KrakenURL, feed.ParseKrakenTrade, logger),
	}

	consensusEng := consensus.New(cfg.Consensus, logger)
	for _, f := range feeds {
		f.AddCallback(func(types.Tick) {
			consensusEng.Update(f.Metrics())
		})
	}

	mmLag := intelligence.NewMMLagTracker(logger)
	timeOfDay := intelligence.NewTimeOfDayAnalyzer(logger)
	flowTracker := intelligence.NewOrderFlowTracker(60*time.Second, 0.6)
	ensemble := intelligence.NewEnsembleFilter(cfg.Ensemble, logger, mmLag, timeOfDay, flowTracker)

	breaker := mode.NewBreaker(cfg.Breaker, logger)
	router := mode.NewRouter(types.OperatingMode(cfg.Mode), breaker, logger, deps.Shadow, deps.Alert, deps.Automated)

	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		feeds:        feeds,
		oracleFeed:   deps.OracleFeed,
		discoverer:   deps.Discoverer,
		bookClient:   deps.BookClient,
		consensusEng: consensusEng,
		detector:     signal.New(cfg.Signal, logger),
		validatorV:   validator.New(cfg.Validator, cfg.Confidence.SpotImpliedScale, logger),
		scorer:       confidence.New(cfg.Confidence, logger, timeOfDay.ConfidenceMultiplier),
		ensemble:     ensemble,
		flow:         flowTracker,
		router:       router,
		breaker:      breaker,
		signalStore:  deps.SignalStore,
		tracker:      session.New(logger, now),
		pool:         pool.New(logger, 30*time.Second),
		books:        make(map[string]*market.Book),
	}
	return e
}

// Start launches every feed, the oracle poller and market discovery as
// supervised tasks, plus the evaluation loop and orderbook poll, returning
// once ctx has been wired (it does not block — call Stop or just let ctx
// cancellation unwind it).
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	for name, f := range e.feeds {
		name, f := name, f
		e.pool.Add(e.ctx, "feed:"+name, func(ctx context.Context) error {
			return f.Start(ctx)
		})
	}

	if e.oracleFeed != nil {
		e.pool.Add(e.ctx, "oracle", e.oracleFeed.Run)
	}
	if e.discoverer != nil {
		e.pool.Add(e.ctx, "discovery", func(ctx context.Context) error {
			return e.discoverer.Run(ctx, 30*time.Second)
		})
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runEvalLoop(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runOrderbookPoll(e.ctx)
	}()
}

// Stop cancels every task and blocks until they have all returned.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.pool.Wait()
	e.wg.Wait()
	if e.signalStore != nil {
		if err := e.signalStore.Close(); err != nil {
			e.logger.Error("closing signal store", "error", err)
		}
	}
	summary := e.tracker.GenerateSummary(time.Now())
	e.logger.Info("engine stopped", "summary", summary.Report())
}

func (e *Engine) runOrderbookPoll(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollBooks(ctx)
		}
	}
}

func (e *Engine) pollBooks(ctx context.Context) {
	if e.discoverer == nil || e.bookClient == nil {
		return
	}
	now := time.Now()
	for _, w := range e.discoverer.Windows() {
		book := e.bookFor(w.MarketID)
		in, err := e.bookClient.Fetch(ctx, w.YesTokenID, w.NoTokenID)
		if err != nil {
			e.logger.Debug("orderbook fetch failed", "market", w.MarketID, "error", err)
			continue
		}
		book.Update(now, in)
	}
}

func (e *Engine) bookFor(marketID string) *market.Book {
	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	b, ok := e.books[marketID]
	if !ok {
		b = market.NewBook(marketID, market.DefaultConfig(), e.logger)
		e.books[marketID] = b
	}
	return b
}

func (e *Engine) runEvalLoop(ctx context.Context) {
	ticker := time.NewTicker(evalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateAll(time.Now())
		}
	}
}

func (e *Engine) evaluateAll(now time.Time) {
	if e.oracleFeed == nil {
		return
	}
	consensusData := e.consensusEng.Compute(now)
	if consensusData == nil {
		return
	}
	oracleState := e.oracleFeed.State(now)

	e.booksMu.Lock()
	marketIDs := make([]string, 0, len(e.books))
	for id := range e.books {
		marketIDs = append(marketIDs, id)
	}
	e.booksMu.Unlock()

	for _, marketID := range marketIDs {
		book := e.bookFor(marketID)
		marketState := book.State(now)
		e.evaluateOne(now, consensusData, &oracleState, &marketState)
	}
}

func (e *Engine) evaluateOne(now time.Time, c *types.ConsensusData, o *types.OracleState, m *types.MarketState) {
	candidate, reason, ok := e.detector.Detect(now, c, o, m)
	if !ok {
		e.tracker.RecordSignalRejected(m.MarketID, reason, now)
		return
	}

	validation := e.validatorV.Validate(candidate)
	candidate.Validation = validation
	if !validation.Passed {
		e.tracker.RecordSignalRejected(m.MarketID, validation.RejectionReason, now)
		return
	}

	scoring := e.scorer.Score(candidate, now)
	candidate.Scoring = scoring

	ensembleResult := e.ensemble.Apply(candidate, scoring.Confidence, now)
	scoring.Confidence = ensembleResult.AdjustedConfidence
	candidate.IsValid = true
	candidate.SignalID = uuid.NewString()

	e.flow.Add(intelligence.TradeObservation{Direction: candidate.Direction, At: now})
	e.tracker.RecordSignalDetected(m.MarketID, scoring.Confidence, now)

	if e.signalStore != nil {
		if err := e.signalStore.AppendSignal(candidate, now); err != nil {
			e.logger.Error("persisting signal", "error", err)
		}
	}

	if err := e.router.Route(e.ctx, candidate, now); err != nil {
		e.logger.Error("routing signal", "signal_id", candidate.SignalID, "error", err)
	}
}

// Breaker exposes the circuit breaker so outcome reporting (e.g. a
// resolved automated position) can feed back into it.
func (e *Engine) Breaker() *mode.Breaker { return e.breaker }

// Tracker exposes the session tracker for dashboard/summary reads.
func (e *Engine) Tracker() *session.Tracker { return e.tracker }

// Healthy reports whether every supervised task is currently running and
// every spot feed reports itself healthy.
func (e *Engine) Healthy() bool {
	if !e.pool.Healthy() {
		return false
	}
	for _, f := range e.feeds {
		if !f.Health() {
			return false
		}
	}
	return true
}
