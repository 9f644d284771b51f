// FILE: env.go
// Package main – Environment helpers for the trading bot.
//
// This file provides:
//   1) Small helpers to read environment variables with sane defaults
//      (strings, ints, floats, bools).
//   2) A safe loader (loadBotEnv) that hydrates the process env from a
//      .env file via godotenv without clobbering variables already set.
//
// Notes:
//   • The bot never requires `export $(cat .env ...)`.
//   • Secrets (ASTER_API_KEY/SECRET, ANTHROPIC_API_KEY, COINGLASS_API_KEY)
//     are read only through these helpers; they never appear in the YAML
//     strategy file.

package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	case "":
		return def
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// --------- .env loader (bot-only) ---------

// loadBotEnv hydrates the process env from ENV_FILE (default ".env").
// godotenv.Load never overrides variables already in the environment, so
// operator exports and systemd Environment= lines always win.
func loadBotEnv() string {
	path := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		return ""
	}
	return path
}
