// FILE: main.go
// Package main – Program entrypoint and HTTP/metrics server.
//
// Boot sequence:
//   1) loadBotEnv()               – read .env (no shell exports required)
//   2) cfg := loadConfigFromEnv() – build runtime Config, then Validate()
//   3) loadStrategyParams()       – baseline params plus optional YAML overrides
//   4) wire broker/sentiment/advisor/safety/logger/state store
//   5) start Prometheus /metrics and /healthz server on cfg.Port
//   6) pre-flight checks, position recovery, then the trading loop
//
// Flags:
//   -check    Run the pre-flight checks and exit
//   -shadow   Force shadow mode (full pipeline, no orders) regardless of env
//
// Example:
//   go run . -shadow
//
// Notes:
//   - MAX_CAPITAL_USAGE has no default; the bot refuses to boot without it.
//   - Keep editing .env and restart; nothing needs to be exported.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// ---- Flags ----
	var checkOnly bool
	var forceShadow bool
	flag.BoolVar(&checkOnly, "check", false, "Run pre-flight checks and exit")
	flag.BoolVar(&forceShadow, "shadow", false, "Force shadow mode (no orders)")
	flag.Parse()

	// ---- Environment & Config ----
	loadBotEnv()
	log := newRootLogger()

	cfg := loadConfigFromEnv()
	if forceShadow {
		cfg.ShadowMode = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	params, err := loadStrategyParams(cfg.StrategyFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.StrategyFile).Msg("strategy load failed")
	}

	// ---- Broker wiring ----
	var broker Broker
	switch cfg.BrokerKind {
	case "aster":
		broker = NewAsterBroker(cfg.AsterBaseURL, cfg.AsterAPIKey, cfg.AsterAPISecret,
			cfg.SolPriceUSD, componentLogger(log, "aster"))
	default:
		broker = NewPaperBroker(cfg.PaperEquityUSD)
	}

	// ---- Sentiment, advisor, safety, logs, state ----
	provider := newCoinglassProvider(cfg.CoinglassBaseURL, cfg.CoinglassAPIKey, cfg.Symbol)
	sent := newSentimentCache(provider, time.Duration(cfg.SentimentTTLSec)*time.Second,
		componentLogger(log, "sentiment"))

	safety := newSafetyValidator(cfg.ExposureLimits(), componentLogger(log, "safety"))

	declog, err := newDecisionLogger(cfg.LogDir, componentLogger(log, "decisions"))
	if err != nil {
		log.Fatal().Err(err).Msg("decision logger init failed")
	}

	advisor, err := NewClaudeAdvisor(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, cfg.AdvisorModel,
		cfg.BriefingFile, filepath.Join(cfg.LogDir, "advisor_audit.jsonl"), params.Fib(),
		componentLogger(log, "advisor"))
	if err != nil {
		log.Fatal().Err(err).Msg("advisor init failed")
	}

	store := newStateStore(cfg.StateFile, componentLogger(log, "state"))

	// ---- HTTP metrics/health ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"broker": broker.Name(),
			"symbol": cfg.Symbol,
			"shadow": cfg.ShadowMode,
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("serving /metrics and /healthz")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- Pre-flight ----
	if err := runPreflight(ctx, cfg, params, broker, provider, componentLogger(log, "preflight")); err != nil {
		log.Fatal().Err(err).Msg("pre-flight check failed")
	}
	if checkOnly {
		log.Info().Msg("pre-flight only, exiting")
		return
	}

	// ---- Recovery & price feed ----
	rec, err := recoverPosition(ctx, broker, cfg.Symbol, store, componentLogger(log, "recovery"))
	if err != nil {
		log.Fatal().Err(err).Msg("position recovery failed, refusing to trade blind")
	}

	var feed *priceFeed
	if cfg.UsePriceStream && cfg.BrokerKind == "aster" {
		feed = newPriceFeed(cfg.PriceStreamURL, cfg.Symbol, componentLogger(log, "feed"))
		go feed.Run(ctx)
	}

	trader := NewTrader(cfg, params, broker, advisor, sent, safety, declog, store, feed,
		componentLogger(log, "trader"))
	trader.Restore(rec)

	if cfg.ShadowMode {
		log.Warn().Msg("SHADOW MODE: decisions run end to end, orders are not sent")
	}

	// ---- Trading loop (blocks until signal) ----
	trader.Run(ctx)

	// ---- Final summary & graceful shutdown ----
	perf := declog.Performance()
	log.Info().
		Int("trades", perf.TotalTrades).
		Int("exits", perf.TotalExits).
		Float64("total_pnl", perf.TotalPnL).
		Float64("win_rate", perf.WinRate).
		Msg("session summary")
	if err := declog.ExportReport(filepath.Join(cfg.LogDir, "session_report.md")); err != nil {
		log.Warn().Err(err).Msg("session report export failed")
	}

	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}
