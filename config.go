// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines the Config struct (all the knobs the bot uses) and a
// helper to populate it from environment variables. The .env file is read
// by loadBotEnv() (see env.go), so you can tune behavior without exports.
//
// Typical flow (see main.go):
//   loadBotEnv()
//   cfg := loadConfigFromEnv()
//   err := cfg.Validate()
//
// MAX_CAPITAL_USAGE is deliberately default-free: the conservative profile
// runs 0.94 (6% liquid reserve), the aggressive one 1.35 (cross-margin
// headroom), and silently picking either has burned people before. The
// operator states it or the bot refuses to boot.
package main

import (
	"fmt"
	"strings"
)

// Config holds all runtime knobs for trading and operations.
type Config struct {
	// Trading target
	Symbol     string // e.g., "BTCUSDT"
	BrokerKind string // "aster" or "paper"
	ShadowMode bool   // full pipeline, no orders

	// Hard cap supplied by the operator (required, fraction of capital)
	MaxCapitalUsage float64

	// Aster venue
	AsterBaseURL   string
	AsterAPIKey    string
	AsterAPISecret string
	SolPriceUSD    float64 // collateral conversion for sizing

	// Advisor
	AnthropicBaseURL string
	AnthropicAPIKey  string
	AdvisorModel     string
	BriefingFile     string

	// Sentiment
	CoinglassBaseURL string
	CoinglassAPIKey  string
	SentimentTTLSec  int

	// Files & ops
	StrategyFile string // YAML overrides; empty = built-in baseline
	StateFile    string
	LogDir       string
	Port         int // metrics + health listener

	// Loop cadence
	ActiveLoopSec int // eager or in position
	IdleLoopSec   int // flat and waiting

	// Price feed
	UsePriceStream bool
	PriceStreamURL string

	// Paper mode
	PaperEquityUSD float64

	// Alerts
	SlackWebhook string
}

// loadConfigFromEnv reads the process env (already hydrated by loadBotEnv())
// and returns a Config with sane defaults where defaults are safe to have.
func loadConfigFromEnv() Config {
	return Config{
		Symbol:     getEnv("TRADE_SYMBOL", "BTCUSDT"),
		BrokerKind: strings.ToLower(getEnv("BROKER", "paper")),
		ShadowMode: getEnvBool("SHADOW_MODE", false),

		MaxCapitalUsage: getEnvFloat("MAX_CAPITAL_USAGE", 0), // required, see Validate

		AsterBaseURL:   getEnv("ASTER_BASE_URL", asterDefaultBase),
		AsterAPIKey:    getEnv("ASTER_API_KEY", ""),
		AsterAPISecret: getEnv("ASTER_API_SECRET", ""),
		SolPriceUSD:    getEnvFloat("SOL_PRICE_USD", 170.0),

		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", anthropicDefaultURL),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AdvisorModel:     getEnv("ADVISOR_MODEL", "claude-sonnet-4-20250514"),
		BriefingFile:     getEnv("BRIEFING_FILE", ""),

		CoinglassBaseURL: getEnv("COINGLASS_BASE_URL", "https://open-api-v4.coinglass.com"),
		CoinglassAPIKey:  getEnv("COINGLASS_API_KEY", ""),
		SentimentTTLSec:  getEnvInt("SENTIMENT_TTL_SEC", 300),

		StrategyFile: getEnv("STRATEGY_FILE", ""),
		StateFile:    getEnv("STATE_FILE", "logs/position_state.json"),
		LogDir:       getEnv("LOG_DIR", "logs"),
		Port:         getEnvInt("PORT", 8080),

		ActiveLoopSec: getEnvInt("LOOP_ACTIVE_SEC", 5),
		IdleLoopSec:   getEnvInt("LOOP_IDLE_SEC", 30),

		UsePriceStream: getEnvBool("USE_PRICE_STREAM", true),
		PriceStreamURL: getEnv("PRICE_STREAM_URL", "wss://fstream.asterdex.com/ws"),

		PaperEquityUSD: getEnvFloat("PAPER_EQUITY_USD", 10000),

		SlackWebhook: getEnv("SLACK_WEBHOOK", ""),
	}
}

// Validate fails loudly on anything the bot cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("TRADE_SYMBOL must not be empty")
	}
	switch c.BrokerKind {
	case "aster", "paper":
	default:
		return fmt.Errorf("BROKER must be aster or paper, got %q", c.BrokerKind)
	}

	if c.MaxCapitalUsage == 0 {
		return fmt.Errorf("MAX_CAPITAL_USAGE is required and has no default: "+
			"set %.2f for the %.0f%%-liquid-reserve profile or 1.35 for the cross-margin profile",
			1-minLiquidReserve, minLiquidReserve*100)
	}
	if c.MaxCapitalUsage < 0 || c.MaxCapitalUsage > 1.35 {
		return fmt.Errorf("MAX_CAPITAL_USAGE %.2f outside (0, 1.35]", c.MaxCapitalUsage)
	}

	if c.BrokerKind == "aster" {
		if c.AsterAPIKey == "" || c.AsterAPISecret == "" {
			return fmt.Errorf("ASTER_API_KEY and ASTER_API_SECRET must be set for BROKER=aster")
		}
		if c.SolPriceUSD <= 0 {
			return fmt.Errorf("SOL_PRICE_USD must be positive")
		}
	}
	if c.SentimentTTLSec <= 0 {
		return fmt.Errorf("SENTIMENT_TTL_SEC must be positive")
	}
	if c.ActiveLoopSec <= 0 || c.IdleLoopSec <= 0 {
		return fmt.Errorf("loop cadence must be positive (LOOP_ACTIVE_SEC=%d, LOOP_IDLE_SEC=%d)", c.ActiveLoopSec, c.IdleLoopSec)
	}
	return nil
}

// ExposureLimits assembles the portfolio caps: the capital cap comes from the
// operator, the notional cap is a hard constant.
func (c *Config) ExposureLimits() ExposureLimits {
	return ExposureLimits{
		MaxCapitalUsage:  c.MaxCapitalUsage,
		MaxTotalNotional: maxTotalNotional,
	}
}
