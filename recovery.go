// FILE: recovery.go
// Package main – Position state persistence and restart recovery.
//
// The state file is the bot's durable mirror of its open position. It is
// written synchronously after every mutation (entry, scale-in, exit) via
// tmp-file + rename, and read back on restart to reconcile with the venue:
//
//   venue flat                 -> remove stale file, start fresh
//   venue position + file      -> file wins for averages/fraction/counters,
//                                 venue wins for existence, entry, leverage
//   venue position, no file    -> reconstruct the capital fraction from the
//                                 venue quantity and account equity
//   venue unreachable          -> error out; never touch the file on doubt
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// botState is the persisted JSON shape. The top-level duplicates of the
// position fields are kept for easy inspection with shell tools.
type botState struct {
	Timestamp         time.Time `json:"timestamp"`
	Position          *Position `json:"position"`
	LastEntryPrice    float64   `json:"lastEntryPrice"`
	TotalPositionSize float64   `json:"totalPositionSize"`
	CurrentLeverage   float64   `json:"currentLeverage"`
	ScaleInCount      int       `json:"scaleInCount"`
}

// stateStore reads and writes the state file atomically.
type stateStore struct {
	path string
	log  zerolog.Logger
}

func newStateStore(path string, log zerolog.Logger) *stateStore {
	return &stateStore{path: path, log: log}
}

// Save writes the snapshot via tmp + rename so readers never see a torn file.
func (s *stateStore) Save(st botState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	bs, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load returns nil, nil when no state file exists.
func (s *stateStore) Load() (*botState, error) {
	bs, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st botState
	if err := json.Unmarshal(bs, &st); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return &st, nil
}

// Clear removes the state file; a missing file is fine.
func (s *stateStore) Clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// recoveredState is what a restart hands back to the trader.
type recoveredState struct {
	Position       *Position
	LastEntryPrice float64
}

// recoverPosition reconciles the venue position with the saved state file.
// Returns nil, nil when the venue is flat. A venue or account query failure
// returns an error and leaves the state file untouched.
func recoverPosition(ctx context.Context, broker Broker, symbol string, store *stateStore, log zerolog.Logger) (*recoveredState, error) {
	live, err := broker.CurrentPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("query venue position: %w", err)
	}

	if live == nil {
		if err := store.Clear(); err != nil {
			log.Warn().Err(err).Msg("[RECOVERY] stale state file cleanup failed")
		} else {
			log.Info().Msg("[RECOVERY] no venue position, starting fresh")
		}
		return nil, nil
	}

	log.Warn().
		Float64("amount", live.Amount).
		Float64("entry", live.EntryPrice).
		Float64("pnl", live.UnrealizedPnL).
		Msg("[RECOVERY] found existing venue position")

	saved, err := store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("[RECOVERY] could not load saved state, using venue data only")
		saved = nil
	}

	pos := &Position{
		EntryPrice:   live.EntryPrice,
		AveragePrice: live.EntryPrice,
		Leverage:     live.Leverage,
		EntryTime:    time.Now().UTC(),
	}
	lastEntry := live.EntryPrice

	if saved != nil && saved.Position != nil {
		sp := saved.Position
		if sp.AveragePrice > 0 {
			pos.AveragePrice = sp.AveragePrice
		}
		if saved.TotalPositionSize > 0 {
			pos.Size = saved.TotalPositionSize
		}
		pos.ScaleInCount = saved.ScaleInCount
		if !sp.EntryTime.IsZero() {
			pos.EntryTime = sp.EntryTime
		}
		if pos.Leverage <= 0 {
			pos.Leverage = saved.CurrentLeverage
		}
		if saved.LastEntryPrice > 0 {
			lastEntry = saved.LastEntryPrice
		}
		log.Info().Time("saved_at", saved.Timestamp).Msg("[RECOVERY] merged saved state")
	}

	// No usable saved fraction: reconstruct it from venue quantity and equity.
	if pos.Size <= 0 {
		acct, err := broker.AccountInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("account info for size reconstruction: %w", err)
		}
		lev := pos.Leverage
		if lev <= 0 {
			lev = 1
		}
		if acct.EquityUSD > 0 {
			pos.Size = live.Amount * live.EntryPrice / (acct.EquityUSD * lev)
		}
		if pos.Size <= 0 {
			return nil, fmt.Errorf("cannot reconstruct position fraction (equity $%.2f)", acct.EquityUSD)
		}
		log.Info().Float64("fraction", pos.Size).Msg("[RECOVERY] reconstructed capital fraction from venue")
	}
	if pos.Leverage <= 0 {
		pos.Leverage = 1
	}

	log.Info().
		Float64("size", pos.Size).
		Float64("avg", pos.AveragePrice).
		Int("scale_ins", pos.ScaleInCount).
		Msg("[RECOVERY] position recovered, continuing management")
	return &recoveredState{Position: pos, LastEntryPrice: lastEntry}, nil
}
