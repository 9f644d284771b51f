// FILE: config_test.go
package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearBotEnv blanks every variable the loader reads so host state cannot
// leak into the test. t.Setenv restores the originals on cleanup.
func clearBotEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"TRADE_SYMBOL", "BROKER", "SHADOW_MODE", "MAX_CAPITAL_USAGE",
		"ASTER_BASE_URL", "ASTER_API_KEY", "ASTER_API_SECRET", "SOL_PRICE_USD",
		"ANTHROPIC_BASE_URL", "ANTHROPIC_API_KEY", "ADVISOR_MODEL", "BRIEFING_FILE",
		"COINGLASS_BASE_URL", "COINGLASS_API_KEY", "SENTIMENT_TTL_SEC",
		"STRATEGY_FILE", "STATE_FILE", "LOG_DIR", "PORT",
		"LOOP_ACTIVE_SEC", "LOOP_IDLE_SEC", "USE_PRICE_STREAM", "PRICE_STREAM_URL",
		"PAPER_EQUITY_USD", "SLACK_WEBHOOK",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		clearBotEnv(t)
		cfg := loadConfigFromEnv()

		if cfg.Symbol != "BTCUSDT" || cfg.BrokerKind != "paper" || cfg.ShadowMode {
			t.Errorf("trading defaults = %s/%s/shadow=%v, want BTCUSDT/paper/false",
				cfg.Symbol, cfg.BrokerKind, cfg.ShadowMode)
		}
		if cfg.MaxCapitalUsage != 0 {
			t.Errorf("MaxCapitalUsage default = %v, want 0 so Validate forces a choice", cfg.MaxCapitalUsage)
		}
		if cfg.AdvisorModel != "claude-sonnet-4-20250514" {
			t.Errorf("AdvisorModel = %q", cfg.AdvisorModel)
		}
		if cfg.SentimentTTLSec != 300 || cfg.ActiveLoopSec != 5 || cfg.IdleLoopSec != 30 {
			t.Errorf("ttl/cadence = %d/%d/%d, want 300/5/30",
				cfg.SentimentTTLSec, cfg.ActiveLoopSec, cfg.IdleLoopSec)
		}
		if cfg.StateFile != "logs/position_state.json" || cfg.LogDir != "logs" || cfg.Port != 8080 {
			t.Errorf("files/port = %s/%s/%d", cfg.StateFile, cfg.LogDir, cfg.Port)
		}
		if !cfg.UsePriceStream || cfg.PaperEquityUSD != 10000 || cfg.SolPriceUSD != 170.0 {
			t.Errorf("stream/equity/sol = %v/%v/%v, want true/10000/170",
				cfg.UsePriceStream, cfg.PaperEquityUSD, cfg.SolPriceUSD)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		clearBotEnv(t)
		t.Setenv("BROKER", "Aster")
		t.Setenv("MAX_CAPITAL_USAGE", "1.35")
		t.Setenv("SHADOW_MODE", "yes")
		t.Setenv("LOOP_ACTIVE_SEC", "2")

		cfg := loadConfigFromEnv()
		if cfg.BrokerKind != "aster" {
			t.Errorf("BrokerKind = %q, want lowercased aster", cfg.BrokerKind)
		}
		if cfg.MaxCapitalUsage != 1.35 || !cfg.ShadowMode || cfg.ActiveLoopSec != 2 {
			t.Errorf("overrides = %v/%v/%d, want 1.35/true/2",
				cfg.MaxCapitalUsage, cfg.ShadowMode, cfg.ActiveLoopSec)
		}
	})

	t.Run("malformed numbers fall back to defaults", func(t *testing.T) {
		clearBotEnv(t)
		t.Setenv("SENTIMENT_TTL_SEC", "five minutes")
		t.Setenv("SOL_PRICE_USD", "n/a")

		cfg := loadConfigFromEnv()
		if cfg.SentimentTTLSec != 300 || cfg.SolPriceUSD != 170.0 {
			t.Errorf("ttl/sol = %d/%v, want the 300/170 defaults", cfg.SentimentTTLSec, cfg.SolPriceUSD)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Symbol:          "BTCUSDT",
			BrokerKind:      "paper",
			MaxCapitalUsage: 0.94,
			SentimentTTLSec: 300,
			ActiveLoopSec:   5,
			IdleLoopSec:     30,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid paper profile", func(c *Config) {}, ""},
		{"valid cross-margin cap", func(c *Config) { c.MaxCapitalUsage = 1.35 }, ""},
		{"empty symbol", func(c *Config) { c.Symbol = "  " }, "TRADE_SYMBOL"},
		{"unknown broker", func(c *Config) { c.BrokerKind = "binance" }, "BROKER must be aster or paper"},
		{"missing capital cap", func(c *Config) { c.MaxCapitalUsage = 0 }, "MAX_CAPITAL_USAGE is required"},
		{"capital cap too high", func(c *Config) { c.MaxCapitalUsage = 1.5 }, "outside (0, 1.35]"},
		{"negative capital cap", func(c *Config) { c.MaxCapitalUsage = -0.5 }, "outside (0, 1.35]"},
		{"aster without keys", func(c *Config) {
			c.BrokerKind = "aster"
			c.SolPriceUSD = 170
		}, "ASTER_API_KEY"},
		{"aster without collateral price", func(c *Config) {
			c.BrokerKind = "aster"
			c.AsterAPIKey = "k"
			c.AsterAPISecret = "s"
			c.SolPriceUSD = 0
		}, "SOL_PRICE_USD"},
		{"aster fully configured", func(c *Config) {
			c.BrokerKind = "aster"
			c.AsterAPIKey = "k"
			c.AsterAPISecret = "s"
			c.SolPriceUSD = 170
		}, ""},
		{"zero sentiment ttl", func(c *Config) { c.SentimentTTLSec = 0 }, "SENTIMENT_TTL_SEC"},
		{"zero idle cadence", func(c *Config) { c.IdleLoopSec = 0 }, "loop cadence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}

	t.Run("missing cap error names both profiles", func(t *testing.T) {
		cfg := base()
		cfg.MaxCapitalUsage = 0
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "0.94") || !strings.Contains(err.Error(), "1.35") {
			t.Errorf("Validate() error = %v, want both profile values named", err)
		}
	})
}

func TestExposureLimitsFromConfig(t *testing.T) {
	cfg := Config{MaxCapitalUsage: 1.35}
	lim := cfg.ExposureLimits()
	if lim.MaxCapitalUsage != 1.35 || lim.MaxTotalNotional != 5.0 {
		t.Errorf("ExposureLimits() = %+v, want capital 1.35 with the 5x notional constant", lim)
	}
}

func TestLoadBotEnv(t *testing.T) {
	t.Run("hydrates missing variables from the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bot.env")
		os.WriteFile(path, []byte("BOT_ENV_PROBE=from_file\n"), 0o644)
		os.Unsetenv("BOT_ENV_PROBE")
		defer os.Unsetenv("BOT_ENV_PROBE")
		t.Setenv("ENV_FILE", path)

		if got := loadBotEnv(); got != path {
			t.Fatalf("loadBotEnv() = %q, want %q", got, path)
		}
		if got := os.Getenv("BOT_ENV_PROBE"); got != "from_file" {
			t.Errorf("BOT_ENV_PROBE = %q, want from_file", got)
		}
	})

	t.Run("existing exports win over the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bot.env")
		os.WriteFile(path, []byte("BOT_ENV_PROBE=from_file\n"), 0o644)
		t.Setenv("ENV_FILE", path)
		t.Setenv("BOT_ENV_PROBE", "explicit")

		loadBotEnv()
		if got := os.Getenv("BOT_ENV_PROBE"); got != "explicit" {
			t.Errorf("BOT_ENV_PROBE = %q, want the explicit export to survive", got)
		}
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "nope.env"))
		if got := loadBotEnv(); got != "" {
			t.Errorf("loadBotEnv() = %q, want empty when no file exists", got)
		}
	})
}
