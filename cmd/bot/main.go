// Arbitrage Signal Engine — detects and scores short-horizon divergence
// between spot crypto prices and prediction-market implied probability,
// surfacing signals through whichever operating mode (shadow, alert,
// automated) is configured.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine + dashboard, waits for SIGINT/SIGTERM
//	internal/feed           — per-venue spot trade websocket adapters (Binance, Coinbase, Kraken)
//	internal/oracle         — Chainlink on-chain price reference poller
//	internal/market         — prediction-market orderbook adapter + window discovery
//	internal/consensus      — cross-venue price agreement + volatility regime classification
//	internal/signal         — primary divergence detector + escape-clause spike detector
//	internal/validator      — post-detection sanity checks (liquidity, spread, history)
//	internal/confidence     — multi-factor confidence scorer
//	internal/intelligence   — MM-lag timing, time-of-day, and order-flow overlays
//	internal/mode           — Shadow/Alert/Automated dispatch + circuit breaker
//	internal/store          — append-only ndjson signal log
//	internal/session        — process-lifetime activity tracker
//	internal/engine         — wires every component into one running process
//	internal/api            — read-only dashboard
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"arbsignal/internal/api"
	"arbsignal/internal/config"
	"arbsignal/internal/engine"
	"arbsignal/internal/market"
	"arbsignal/internal/mode"
	"arbsignal/internal/oracle"
	"arbsignal/internal/store"
	"arbsignal/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARBSIGNAL_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	now := time.Now()

	oracleFeed, err := oracle.New(ctx, cfg.Oracle.RPCURL, cfg.Oracle.AggregatorAddr, cfg.Oracle.Poll, logger)
	if err != nil {
		logger.Error("failed to connect oracle feed", "error", err)
		os.Exit(1)
	}

	signalStore, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open signal store", "error", err)
		os.Exit(1)
	}

	shadowExecutor := mode.NewRandomSlippageExecutor(20, 0.60, 0.002, now.UnixNano(), logger)

	eng := engine.New(*cfg, logger, engine.Dependencies{
		OracleFeed:  oracleFeed,
		Discoverer:  market.NewDiscoverer(cfg.Market.GammaBaseURL, cfg.Market.SlugPrefix, logger),
		BookClient:  market.NewOrderbookClient(cfg.Market.ClobBaseURL, logger),
		Shadow:      mode.NewShadowDispatcher(shadowExecutor, logger),
		Alert:       shadowLogger(logger),
		Automated:   shadowLogger(logger),
		SignalStore: signalStore,
	}, now)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(api.Config{
			Port:           cfg.Dashboard.Port,
			AllowedOrigins: cfg.Dashboard.AllowedOrigins,
		}, eng, logger)
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		eng.Start(gctx)
		<-gctx.Done()
		eng.Stop()
		return nil
	})

	if apiServer != nil {
		group.Go(func() error {
			logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
			return apiServer.Start()
		})
		group.Go(func() error {
			<-gctx.Done()
			return apiServer.Stop()
		})
	}

	logger.Info("arbitrage signal engine started", "mode", cfg.Mode)

	if err := group.Wait(); err != nil {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// shadowLogger is the placeholder dispatcher for Alert and Automated mode
// until a real delivery transport (chat webhook, execution client) is
// configured; it only logs the accepted candidate, matching the scope
// boundary that excludes the actual notification/execution transport from
// this engine. Shadow mode instead gets a real simulated-execution dispatcher
// (mode.NewShadowDispatcher) since simulating fills is in scope.
func shadowLogger(logger *slog.Logger) mode.Dispatcher {
	return mode.DispatchFunc(func(ctx context.Context, c *types.SignalCandidate) error {
		logger.Info("signal accepted",
			"signal_id", c.SignalID,
			"market_id", c.MarketID,
			"direction", c.Direction,
			"confidence", c.Scoring.Confidence,
		)
		return nil
	})
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
