// Market Maker — an automated market-making bot for crypto perpetual
// futures on Bybit and/or Binance USDⓈ-M Futures.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires venue feeds to per-symbol book/feature/quote slots
//	book/book.go          — local order book (LOB) mirror fed by WebSocket diffs
//	feature/engine.go     — streaming microstructure features (imbalance, VOI, impact, regression)
//	quote/generator.go    — geometric quote ladder, order lifecycle, fill accounting, rebalancing
//	exchange/bybit.go     — REST + WebSocket client for Bybit v5 (public + private feeds)
//	exchange/binance.go   — REST + WebSocket client for Binance USDⓈ-M Futures (public + user stream)
//	exchange/ws.go        — venue-agnostic reconnecting WebSocket feed
//	risk/manager.go       — enforces per-symbol, global exposure, daily loss, and price-shock limits
//	risk/flow_tracker.go  — detects toxic order flow (adverse selection) from recent fills
//
// How it makes money:
//
//	The bot posts a ladder of buy orders below mid price and sell orders
//	above it on each configured symbol. When both sides fill, it earns the
//	spread. The ladder's aggression and skew are adjusted continuously from
//	order-book imbalance and the bot's own inventory, so it leans away from
//	accumulating risk in one direction.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketmaker/internal/api"
	"marketmaker/internal/config"
	"marketmaker/internal/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/config.toml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 2
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 2
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("market maker started",
		"exchange", cfg.Exchange,
		"symbols", cfg.Symbols,
		"leverage", cfg.Leverage,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case code := <-eng.FatalExit():
		logger.Error("engine reported fatal condition, shutting down", "exit_code", code)
		exitCode = code
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
	return exitCode
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
