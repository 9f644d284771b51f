// FILE: strategy.go
// Package main – Strategy parameters and the pure decision logic.
//
// This file declares the market data types used across the bot (Candle),
// the tunable strategy parameters loaded from YAML, and the pure functions
// that turn price + sentiment into intents:
//   • evaluateEntry – golden pocket confluence scoring (4H primary, daily
//     secondary, 50% retracement tertiary, fib-rejection re-entry)
//   • scaleTrigger  – averaging-down ladder below the last entry
//   • exitPlan      – sentiment-adjusted profit ladder and the Fibonacci
//     resistance exit target
//
// Nothing here does I/O; the trader owns execution and state.
package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Candle is the normalized OHLCV row the bot uses everywhere.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// ScaleLevel is one rung of the averaging-down ladder: when price deviates
// below the last entry by Deviation (negative fraction), add Add of capital.
type ScaleLevel struct {
	Deviation float64 `yaml:"deviation"`
	Add       float64 `yaml:"add"`
}

// ProfitTarget is one rung of the take-profit ladder.
type ProfitTarget struct {
	Gain   float64 `yaml:"gain"`   // price gain fraction from average entry
	Reduce float64 `yaml:"reduce"` // fraction of position to close
}

// LeverageLadder sets leverage for the initial entry and each scale-in step.
type LeverageLadder struct {
	Base    float64   `yaml:"base"`
	ScaleIn []float64 `yaml:"scale_in"`
}

// StrategyParams are the tunables loaded from the strategy YAML file.
type StrategyParams struct {
	BasePositionSize  float64        `yaml:"base_position_size"`
	Leverage          LeverageLadder `yaml:"leverage"`
	ScaleLevels       []ScaleLevel   `yaml:"scale_levels"`
	ProfitTargets     []ProfitTarget `yaml:"profit_targets"`
	InvalidationLevel float64        `yaml:"invalidation_level"` // leveraged ROI fraction, negative
	TrailActivateROE  float64        `yaml:"trail_activate_roe"` // leveraged gain to arm the trail
	TrailDistance     float64        `yaml:"trail_distance"`     // fraction below the high
	ReviewIntervalSec int            `yaml:"review_interval_sec"`
	EagerEntry        bool           `yaml:"eager_entry"`

	Swings struct {
		H4    FibLevels `yaml:"h4"`
		Daily FibLevels `yaml:"daily"`
	} `yaml:"swings"`

	fib FibMap
}

// defaultStrategyParams returns the backtested baseline. A strategy file
// overrides any of these.
func defaultStrategyParams() *StrategyParams {
	p := &StrategyParams{
		BasePositionSize: 0.35,
		Leverage: LeverageLadder{
			Base:    3,
			ScaleIn: []float64{3, 4, 5, 5},
		},
		ScaleLevels: []ScaleLevel{
			{Deviation: -0.01, Add: 0.20},
			{Deviation: -0.02, Add: 0.25},
			{Deviation: -0.04, Add: 0.25},
			{Deviation: -0.06, Add: 0.30},
		},
		ProfitTargets: []ProfitTarget{
			{Gain: 0.05, Reduce: 0.25},
			{Gain: 0.10, Reduce: 0.25},
			{Gain: 0.15, Reduce: 0.25},
		},
		InvalidationLevel: -0.40,
		TrailActivateROE:  0.10,
		TrailDistance:     0.05,
		ReviewIntervalSec: 1200,
		EagerEntry:        true,
	}
	p.Swings.H4 = FibLevels{SwingHigh: 126104, SwingLow: 108755}
	p.Swings.Daily = FibLevels{SwingHigh: 126104, SwingLow: 98387}
	return p
}

// loadStrategyParams reads the YAML file at path (defaults only when path is
// empty), derives the Fibonacci levels, and validates the result.
func loadStrategyParams(path string) (*StrategyParams, error) {
	p := defaultStrategyParams()
	if path != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read strategy file: %w", err)
		}
		if err := yaml.Unmarshal(bs, p); err != nil {
			return nil, fmt.Errorf("parse strategy file %s: %w", path, err)
		}
	}
	if err := p.finalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// finalize derives the level map and validates.
func (p *StrategyParams) finalize() error {
	h4, err := computeFibLevels(p.Swings.H4.SwingHigh, p.Swings.H4.SwingLow)
	if err != nil {
		return fmt.Errorf("h4 swing: %w", err)
	}
	daily, err := computeFibLevels(p.Swings.Daily.SwingHigh, p.Swings.Daily.SwingLow)
	if err != nil {
		return fmt.Errorf("daily swing: %w", err)
	}
	p.fib = FibMap{H4: h4, Daily: daily}
	return p.validate()
}

func (p *StrategyParams) validate() error {
	if p.BasePositionSize <= 0 || p.BasePositionSize > maxPositionSize {
		return fmt.Errorf("base_position_size %.2f outside (0, %.2f]", p.BasePositionSize, maxPositionSize)
	}
	if p.Leverage.Base <= 0 || p.Leverage.Base > maxLeverage {
		return fmt.Errorf("leverage.base %.1f outside (0, %.1f]", p.Leverage.Base, maxLeverage)
	}
	for i, lv := range p.Leverage.ScaleIn {
		if lv <= 0 || lv > maxLeverage {
			return fmt.Errorf("leverage.scale_in[%d] %.1f outside (0, %.1f]", i, lv, maxLeverage)
		}
	}
	prevDev := 0.0
	for i, sl := range p.ScaleLevels {
		if sl.Deviation >= 0 {
			return fmt.Errorf("scale_levels[%d].deviation must be negative", i)
		}
		if sl.Deviation >= prevDev && i > 0 {
			return fmt.Errorf("scale_levels must deepen monotonically")
		}
		if sl.Add <= 0 {
			return fmt.Errorf("scale_levels[%d].add must be positive", i)
		}
		prevDev = sl.Deviation
	}
	prevGain := 0.0
	for i, pt := range p.ProfitTargets {
		if pt.Gain <= prevGain {
			return fmt.Errorf("profit_targets must ascend")
		}
		if pt.Reduce <= 0 || pt.Reduce > 1 {
			return fmt.Errorf("profit_targets[%d].reduce outside (0, 1]", i)
		}
		prevGain = pt.Gain
	}
	if p.InvalidationLevel >= 0 {
		return fmt.Errorf("invalidation_level must be negative")
	}
	if p.TrailActivateROE <= 0 || p.TrailDistance <= 0 || p.TrailDistance >= 1 {
		return fmt.Errorf("trailing config invalid: activate=%.2f distance=%.2f", p.TrailActivateROE, p.TrailDistance)
	}
	if p.ReviewIntervalSec <= 0 {
		return fmt.Errorf("review_interval_sec must be positive")
	}
	return nil
}

func (p *StrategyParams) Fib() FibMap { return p.fib }

func (p *StrategyParams) ReviewInterval() time.Duration {
	return time.Duration(p.ReviewIntervalSec) * time.Second
}

// leverageFor returns the ladder leverage for a scale-in step (1-based);
// step 0 is the initial entry. Steps past the ladder reuse the last rung.
func (p *StrategyParams) leverageFor(step int) float64 {
	if step <= 0 || len(p.Leverage.ScaleIn) == 0 {
		return p.Leverage.Base
	}
	if step > len(p.Leverage.ScaleIn) {
		return p.Leverage.ScaleIn[len(p.Leverage.ScaleIn)-1]
	}
	return p.Leverage.ScaleIn[step-1]
}

// ---- entry ----

// entrySignal describes a qualified entry setup.
type entrySignal struct {
	Zone       string
	Confluence []string
	ReEntry    bool
}

// evaluateEntry scores the confluence for a new long. Priority order: the
// fib-rejection re-entry, the 4H pocket, the daily pocket, then a bare 50%
// retracement bounce. Each pocket needs at least two factors; the eager flag
// waives that for the 4H pocket only. fibExitPrice is the price of the last
// resistance exit, zero when not armed.
func (p *StrategyParams) evaluateEntry(price float64, snap SentimentSnapshot, bounced, eager bool, fibExitPrice float64) (entrySignal, bool) {
	if fibExitPrice > 0 && price < fibExitPrice && p.fib.H4.inEntryBand(price) {
		return entrySignal{
			Zone:       "4H Golden Pocket (Fib Rejection Re-entry)",
			Confluence: []string{"Price rejected Fib resistance", "Back in golden pocket", "Fresh entry setup"},
			ReEntry:    true,
		}, true
	}

	if p.fib.H4.inEntryBand(price) {
		confluence := []string{"In/Near 4H Golden Pocket"}
		if snap.FearGreed < 40 {
			confluence = append(confluence, "Fear sentiment")
		}
		if snap.FundingRate < 0 {
			confluence = append(confluence, "Negative funding")
		}
		if snap.LongShortRatio > 1.2 {
			confluence = append(confluence, "Bullish L/S ratio")
		}
		if bounced {
			confluence = append(confluence, "Price bounce detected")
		}
		if len(confluence) >= 2 || eager {
			return entrySignal{Zone: "4H Golden Pocket", Confluence: confluence}, true
		}
	}

	if p.fib.Daily.inEntryBand(price) {
		confluence := []string{"In/Near Daily Golden Pocket"}
		if snap.FearGreed < 30 {
			confluence = append(confluence, "Extreme fear")
		}
		if snap.FundingRate < -0.001 {
			confluence = append(confluence, "Very negative funding")
		}
		if bounced {
			confluence = append(confluence, "Price bounce detected")
		}
		if len(confluence) >= 2 {
			return entrySignal{Zone: "Daily Golden Pocket", Confluence: confluence}, true
		}
	}

	if price > 0 && abs(price-p.fib.H4.Fib50)/price < 0.01 && bounced {
		return entrySignal{Zone: "4H 50% Retracement", Confluence: []string{"50% level", "Bounce detected"}}, true
	}

	return entrySignal{}, false
}

// ---- scale-in ----

// scaleSignal describes a triggered ladder rung.
type scaleSignal struct {
	Level     int // 1-based rung
	BaseAdd   float64
	Leverage  float64
	Deviation float64
}

// scaleTrigger checks the ladder against the deviation from the last entry.
// Rungs already consumed (index < scaleInCount) never re-fire; a deep drop
// fires the first unconsumed rung whose deviation is reached.
func (p *StrategyParams) scaleTrigger(price, lastEntryPrice float64, scaleInCount int) (scaleSignal, bool) {
	if lastEntryPrice <= 0 {
		return scaleSignal{}, false
	}
	deviation := (price - lastEntryPrice) / lastEntryPrice
	for i, level := range p.ScaleLevels {
		if deviation <= level.Deviation && i >= scaleInCount {
			return scaleSignal{
				Level:     i + 1,
				BaseAdd:   level.Add,
				Leverage:  p.leverageFor(i + 1),
				Deviation: deviation,
			}, true
		}
	}
	return scaleSignal{}, false
}

// ---- exits ----

// exitPlan is the computed exit schedule for the current cycle.
type exitPlan struct {
	Targets         []ProfitTarget // gains scaled by sentiment
	UpperExit       float64
	UpperExitReason string
}

// buildExitPlan scales the profit ladder by the sentiment exit multiplier and
// picks the Fibonacci resistance target above the current price.
func (p *StrategyParams) buildExitPlan(snap SentimentSnapshot, price float64) exitPlan {
	mult := snap.exitTargetMultiplier()
	targets := make([]ProfitTarget, len(p.ProfitTargets))
	for i, t := range p.ProfitTargets {
		targets[i] = ProfitTarget{Gain: t.Gain * mult, Reduce: t.Reduce}
	}
	upper, reason := p.upperExitTarget(snap, price)
	return exitPlan{Targets: targets, UpperExit: upper, UpperExitReason: reason}
}

// upperExitTarget walks the resistance levels above price, biased by
// sentiment: greed pulls the target to the nearer level, fear lets the
// position aim for the swing high and beyond.
func (p *StrategyParams) upperExitTarget(snap SentimentSnapshot, price float64) (float64, string) {
	fib50Daily := p.fib.Daily.Fib50
	fib50H4 := p.fib.H4.Fib50
	swingHigh := p.fib.H4.SwingHigh

	switch {
	case price < fib50Daily:
		return fib50Daily, "Daily 50% Fib resistance"
	case price < fib50H4:
		if snap.FearGreed > 70 {
			return fib50H4, "4H 50% Fib + greed building"
		}
		return swingHigh * 0.95, "Near swing high with caution"
	default:
		if snap.FearGreed > 75 || snap.FundingRate > 0.05 {
			return swingHigh, "Swing high + extreme sentiment"
		}
		return swingHigh * 1.05, "Attempting new highs"
	}
}
