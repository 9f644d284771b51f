// FILE: preflight.go
// Package main – Boot-time checks before the loop starts trading.
//
// Mirrors a cockpit checklist: venue data feeds, signed account access,
// sentiment feed, Fibonacci level sanity against the live price, and a
// writable log directory. Venue and account failures are fatal; the
// sentiment feed is an enhancement and only warns, since the bot degrades
// to neutral defaults without it.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const preflightTimeout = 30 * time.Second

// runPreflight verifies external dependencies and logs a strategy summary.
// Returns the first fatal problem found.
func runPreflight(ctx context.Context, cfg Config, params *StrategyParams, broker Broker, sent SentimentProvider, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	log.Info().Str("broker", broker.Name()).Msg("[PREFLIGHT] starting checks")

	// Signed account access. Proves credentials work before any order could.
	acct, err := broker.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("preflight: account access: %w", err)
	}
	log.Info().
		Str("asset", acct.CollateralAsset).
		Float64("equity_usd", acct.EquityUSD).
		Msg("[PREFLIGHT] account access ok")
	if acct.EquityUSD <= 0 {
		return fmt.Errorf("preflight: account equity is zero")
	}

	price, err := broker.MarkPrice(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("preflight: mark price: %w", err)
	}
	log.Info().Float64("price", price).Msg("[PREFLIGHT] price feed ok")

	// Public data feeds only exist on the real venue.
	if cfg.BrokerKind == "aster" {
		candles, err := broker.RecentCandles(ctx, cfg.Symbol, "1h", 5)
		if err != nil {
			return fmt.Errorf("preflight: klines: %w", err)
		}
		if len(candles) == 0 {
			return fmt.Errorf("preflight: klines returned no data")
		}
		md, err := broker.MarketData(ctx, cfg.Symbol)
		if err != nil {
			return fmt.Errorf("preflight: market data: %w", err)
		}
		log.Info().
			Int("candles", len(candles)).
			Float64("volume_24h_usd", md.Volume24hUSD).
			Str("orderbook", md.OrderbookPressure).
			Msg("[PREFLIGHT] venue data feeds ok")
	}

	// Sentiment is optional: a dead feed degrades to neutral defaults.
	if snap, err := sent.Fetch(ctx); err != nil {
		log.Warn().Err(err).Msg("[PREFLIGHT] sentiment feed degraded, neutral defaults will be used")
	} else {
		log.Info().
			Float64("fear_greed", snap.FearGreed).
			Float64("funding_rate", snap.FundingRate).
			Float64("ls_ratio", snap.LongShortRatio).
			Msg("[PREFLIGHT] sentiment feed ok")
	}

	logFibDistances(params.Fib(), price, log)

	// The loop writes decisions and state continuously; fail now if it can't.
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("preflight: log dir: %w", err)
	}
	probe, err := os.CreateTemp(cfg.LogDir, ".preflight-*")
	if err != nil {
		return fmt.Errorf("preflight: log dir not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	log.Info().Str("dir", cfg.LogDir).Msg("[PREFLIGHT] log directory writable")

	log.Info().
		Float64("base_size", params.BasePositionSize).
		Float64("base_leverage", params.Leverage.Base).
		Int("scale_levels", len(params.ScaleLevels)).
		Int("profit_targets", len(params.ProfitTargets)).
		Float64("invalidation", params.InvalidationLevel).
		Bool("eager_entry", params.EagerEntry).
		Msg("[PREFLIGHT] strategy loaded")
	log.Info().Msg("[PREFLIGHT] all checks passed")
	return nil
}

// logFibDistances reports where price sits relative to each entry zone.
func logFibDistances(fib FibMap, price float64, log zerolog.Logger) {
	zones := []struct {
		name        string
		bottom, top float64
	}{
		{"4H golden pocket", fib.H4.GPBottom, fib.H4.GPTop},
		{"daily golden pocket", fib.Daily.GPBottom, fib.Daily.GPTop},
	}
	for _, z := range zones {
		if z.bottom <= price && price <= z.top {
			log.Info().Str("zone", z.name).Msg("[PREFLIGHT] price inside entry zone")
			continue
		}
		distance := price - z.top
		if price < z.bottom {
			distance = z.bottom - price
		}
		log.Info().
			Str("zone", z.name).
			Float64("bottom", z.bottom).
			Float64("top", z.top).
			Float64("distance_pct", distance/price*100).
			Msg("[PREFLIGHT] entry zone distance")
	}
}
