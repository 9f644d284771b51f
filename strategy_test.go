// FILE: strategy_test.go
package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testParams returns the default parameters re-anchored on the round-number
// swings from testFibMap: 4H pocket 107000-107640, daily pocket 94000-95280.
func testParams(t *testing.T) *StrategyParams {
	t.Helper()
	p := defaultStrategyParams()
	p.Swings.H4 = FibLevels{SwingHigh: 120000, SwingLow: 100000}
	p.Swings.Daily = FibLevels{SwingHigh: 120000, SwingLow: 80000}
	if err := p.finalize(); err != nil {
		t.Fatalf("finalize() error = %v", err)
	}
	return p
}

func TestDefaultStrategyParams(t *testing.T) {
	p, err := loadStrategyParams("")
	if err != nil {
		t.Fatalf("loadStrategyParams(\"\") error = %v", err)
	}
	if p.BasePositionSize != 0.35 || p.Leverage.Base != 3 {
		t.Errorf("base size/leverage = %v/%v, want 0.35/3", p.BasePositionSize, p.Leverage.Base)
	}
	if len(p.ScaleLevels) != 4 || len(p.ProfitTargets) != 3 {
		t.Errorf("ladder sizes = %d/%d, want 4 scale levels and 3 profit targets", len(p.ScaleLevels), len(p.ProfitTargets))
	}
	if p.ReviewInterval() != 20*time.Minute {
		t.Errorf("ReviewInterval() = %v, want 20m", p.ReviewInterval())
	}
	if !p.EagerEntry {
		t.Error("EagerEntry default should be true")
	}
	if !almostEqual(p.Fib().H4.GPTop, 115382.318, 0.01) {
		t.Errorf("derived H4 GPTop = %v, want 115382.318", p.Fib().H4.GPTop)
	}
}

func TestLoadStrategyParamsFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("overrides merge onto defaults", func(t *testing.T) {
		path := filepath.Join(dir, "strategy.yaml")
		doc := `
base_position_size: 0.30
eager_entry: false
swings:
  h4:
    swing_high: 120000
    swing_low: 100000
  daily:
    swing_high: 120000
    swing_low: 80000
`
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		p, err := loadStrategyParams(path)
		if err != nil {
			t.Fatalf("loadStrategyParams() error = %v", err)
		}
		if p.BasePositionSize != 0.30 {
			t.Errorf("BasePositionSize = %v, want 0.30", p.BasePositionSize)
		}
		if p.EagerEntry {
			t.Error("EagerEntry = true, want override to false")
		}
		if p.Leverage.Base != 3 {
			t.Errorf("Leverage.Base = %v, want untouched default 3", p.Leverage.Base)
		}
		if !almostEqual(p.Fib().H4.GPTop, 107640, 0.01) {
			t.Errorf("H4 GPTop = %v, want 107640 from the file swings", p.Fib().H4.GPTop)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := loadStrategyParams(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("loadStrategyParams(missing) should error")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		os.WriteFile(path, []byte(":\n  - ["), 0o644)
		if _, err := loadStrategyParams(path); err == nil {
			t.Error("loadStrategyParams(malformed) should error")
		}
	})

	t.Run("values out of range", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		os.WriteFile(path, []byte("base_position_size: 0.9\n"), 0o644)
		if _, err := loadStrategyParams(path); err == nil {
			t.Error("base size above the hard cap should fail validation")
		}
	})
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StrategyParams)
		wantErr string
	}{
		{"zero base size", func(p *StrategyParams) { p.BasePositionSize = 0 }, "base_position_size"},
		{"leverage above cap", func(p *StrategyParams) { p.Leverage.Base = 6 }, "leverage.base"},
		{"scale-in leverage above cap", func(p *StrategyParams) { p.Leverage.ScaleIn[1] = 7 }, "scale_in"},
		{"positive deviation", func(p *StrategyParams) { p.ScaleLevels[0].Deviation = 0.01 }, "must be negative"},
		{"non-monotonic ladder", func(p *StrategyParams) { p.ScaleLevels[2].Deviation = -0.015 }, "deepen"},
		{"zero add", func(p *StrategyParams) { p.ScaleLevels[1].Add = 0 }, "add must be positive"},
		{"non-ascending targets", func(p *StrategyParams) { p.ProfitTargets[1].Gain = 0.04 }, "ascend"},
		{"bad reduce", func(p *StrategyParams) { p.ProfitTargets[0].Reduce = 0 }, "reduce"},
		{"positive invalidation", func(p *StrategyParams) { p.InvalidationLevel = 0.1 }, "invalidation_level"},
		{"bad trail distance", func(p *StrategyParams) { p.TrailDistance = 1.5 }, "trailing"},
		{"zero review interval", func(p *StrategyParams) { p.ReviewIntervalSec = 0 }, "review_interval_sec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := defaultStrategyParams()
			tt.mutate(p)
			err := p.finalize()
			if err == nil {
				t.Fatal("finalize() accepted invalid params")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLeverageFor(t *testing.T) {
	p := defaultStrategyParams() // base 3, ladder [3 4 5 5]

	tests := []struct {
		step int
		want float64
	}{
		{0, 3},
		{1, 3},
		{2, 4},
		{3, 5},
		{4, 5},
		{9, 5}, // past the ladder reuses the last rung
	}
	for _, tt := range tests {
		if got := p.leverageFor(tt.step); got != tt.want {
			t.Errorf("leverageFor(%d) = %v, want %v", tt.step, got, tt.want)
		}
	}

	p.Leverage.ScaleIn = nil
	if got := p.leverageFor(2); got != 3 {
		t.Errorf("leverageFor with empty ladder = %v, want base 3", got)
	}
}

func TestEvaluateEntry(t *testing.T) {
	p := testParams(t)
	neutral := SentimentSnapshot{FearGreed: 50, FundingRate: 0.001, LongShortRatio: 1.0}
	fearful := SentimentSnapshot{FearGreed: 30, FundingRate: -0.002, LongShortRatio: 1.3}

	tests := []struct {
		name     string
		price    float64
		snap     SentimentSnapshot
		bounced  bool
		eager    bool
		fibExit  float64
		wantOK   bool
		wantZone string
	}{
		{"4H pocket with confluence", 107300, fearful, false, false, 0, true, "4H Golden Pocket"},
		{"4H pocket alone is not enough", 107300, neutral, false, false, 0, false, ""},
		{"eager waives the confluence bar", 107300, neutral, false, true, 0, true, "4H Golden Pocket"},
		{"re-entry after rejection", 107300, neutral, false, false, 110000, true, "4H Golden Pocket (Fib Rejection Re-entry)"},
		{"re-entry still requires the band", 105000, neutral, false, false, 110000, false, ""},
		{"daily pocket in extreme fear", 95000, SentimentSnapshot{FearGreed: 25, FundingRate: -0.002, LongShortRatio: 1.0}, false, false, 0, true, "Daily Golden Pocket"},
		{"daily pocket alone is not enough", 95000, neutral, false, false, 0, false, ""},
		{"50 percent retrace with bounce", 110500, neutral, true, false, 0, true, "4H 50% Retracement"},
		{"50 percent retrace without bounce", 110500, neutral, false, false, 0, false, ""},
		{"nowhere near the levels", 102000, fearful, true, true, 0, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, ok := p.evaluateEntry(tt.price, tt.snap, tt.bounced, tt.eager, tt.fibExit)
			if ok != tt.wantOK {
				t.Fatalf("evaluateEntry() ok = %v, want %v (sig %+v)", ok, tt.wantOK, sig)
			}
			if ok && sig.Zone != tt.wantZone {
				t.Errorf("Zone = %q, want %q", sig.Zone, tt.wantZone)
			}
		})
	}

	t.Run("confluence factors accumulate", func(t *testing.T) {
		sig, ok := p.evaluateEntry(107300, fearful, true, false, 0)
		if !ok {
			t.Fatal("expected a signal")
		}
		// Pocket + fear + funding + L/S + bounce.
		if len(sig.Confluence) != 5 {
			t.Errorf("confluence = %v, want 5 factors", sig.Confluence)
		}
	})

	t.Run("re-entry sets the flag", func(t *testing.T) {
		sig, ok := p.evaluateEntry(107300, neutral, false, false, 110000)
		if !ok || !sig.ReEntry {
			t.Errorf("evaluateEntry() = %+v, %v, want re-entry signal", sig, ok)
		}
	})
}

func TestScaleTrigger(t *testing.T) {
	p := testParams(t)

	tests := []struct {
		name      string
		price     float64
		lastEntry float64
		count     int
		wantOK    bool
		wantLevel int
		wantAdd   float64
		wantLev   float64
	}{
		{"no last entry", 98900, 0, 0, false, 0, 0, 0},
		{"price above entry", 101000, 100000, 0, false, 0, 0, 0},
		{"first rung", 98900, 100000, 0, true, 1, 0.20, 3},
		{"first rung consumed, second not reached", 98900, 100000, 1, false, 0, 0, 0},
		{"deep drop skips to the unconsumed rung", 93900, 100000, 2, true, 3, 0.25, 5},
		{"deep drop with fresh ladder fires rung one", 90000, 100000, 0, true, 1, 0.20, 3},
		{"ladder exhausted", 90000, 100000, 4, false, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, ok := p.scaleTrigger(tt.price, tt.lastEntry, tt.count)
			if ok != tt.wantOK {
				t.Fatalf("scaleTrigger() ok = %v, want %v (sig %+v)", ok, tt.wantOK, sig)
			}
			if !ok {
				return
			}
			if sig.Level != tt.wantLevel || !almostEqual(sig.BaseAdd, tt.wantAdd, 1e-9) || sig.Leverage != tt.wantLev {
				t.Errorf("signal = %+v, want level %d add %v lev %v", sig, tt.wantLevel, tt.wantAdd, tt.wantLev)
			}
		})
	}
}

func TestBuildExitPlan(t *testing.T) {
	p := testParams(t) // daily 50% at 100000, 4H 50% at 110000, swing high 120000
	neutral := SentimentSnapshot{FearGreed: 50}

	t.Run("fear stretches the profit ladder", func(t *testing.T) {
		plan := p.buildExitPlan(SentimentSnapshot{FearGreed: 30}, 99000)
		if !almostEqual(plan.Targets[0].Gain, 0.06, 1e-9) {
			t.Errorf("Targets[0].Gain = %v, want 0.05*1.2", plan.Targets[0].Gain)
		}
		if plan.Targets[0].Reduce != 0.25 {
			t.Errorf("Reduce = %v, want 0.25 untouched", plan.Targets[0].Reduce)
		}
	})

	t.Run("neutral leaves the ladder alone", func(t *testing.T) {
		plan := p.buildExitPlan(neutral, 99000)
		if plan.Targets[0].Gain != 0.05 {
			t.Errorf("Targets[0].Gain = %v, want 0.05", plan.Targets[0].Gain)
		}
	})

	tests := []struct {
		name       string
		price      float64
		snap       SentimentSnapshot
		wantTarget float64
	}{
		{"below daily 50", 99000, neutral, 100000},
		{"between with greed building", 105000, SentimentSnapshot{FearGreed: 72}, 110000},
		{"between neutral aims near the high", 105000, neutral, 114000},
		{"above with extreme greed", 115000, SentimentSnapshot{FearGreed: 80, FundingRate: 0.06}, 120000},
		{"above neutral attempts new highs", 115000, neutral, 126000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := p.buildExitPlan(tt.snap, tt.price)
			if !almostEqual(plan.UpperExit, tt.wantTarget, 0.01) {
				t.Errorf("UpperExit = %v (%s), want %v", plan.UpperExit, plan.UpperExitReason, tt.wantTarget)
			}
		})
	}
}
