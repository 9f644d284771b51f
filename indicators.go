// FILE: indicators.go
// Package main – Fibonacci retracement math and bounce detection.
//
// This file implements the level helpers used by the strategy:
//   • FibLevels        – derived retracement levels for one swing
//   • FibMap           – the 4H + daily level pair the bot trades against
//   • detectBounce     – short-timeframe bounce confirmation off the pocket
//   • RSI              – Wilder-smoothed relative strength for the advisor context
//   • nearest support/resistance scans for the advisor context
//
// Notes
//   - All functions accept a slice of Candle (defined in strategy.go).
//   - Everything here is pure; swings come from the strategy file and the
//     derived levels are computed once at load.
package main

import (
	"fmt"
	"sort"
)

// Golden pocket ratios and the relaxed entry band around it.
const (
	gpTopRatio       = 0.618
	gpBottomRatio    = 0.65
	fib50Ratio       = 0.50
	fib786Ratio      = 0.786
	gpEntryLowRelax  = 0.995 // accept entries 0.5% below the pocket
	gpEntryHighRelax = 1.01  // and 1% above it
)

// FibLevels are the retracement levels derived from one swing high/low.
// Levels are measured down from the high: gp_top is the 61.8% retracement,
// gp_bottom the 65%, so GPBottom < GPTop for any valid swing.
type FibLevels struct {
	SwingHigh float64 `yaml:"swing_high" json:"swingHigh"`
	SwingLow  float64 `yaml:"swing_low" json:"swingLow"`
	GPTop     float64 `yaml:"-" json:"gpTop"`
	GPBottom  float64 `yaml:"-" json:"gpBottom"`
	Fib50     float64 `yaml:"-" json:"fib50"`
	Fib786    float64 `yaml:"-" json:"fib786"`
}

func computeFibLevels(high, low float64) (FibLevels, error) {
	if high <= low || low <= 0 {
		return FibLevels{}, fmt.Errorf("invalid swing: high=%.2f low=%.2f", high, low)
	}
	r := high - low
	return FibLevels{
		SwingHigh: high,
		SwingLow:  low,
		GPTop:     high - gpTopRatio*r,
		GPBottom:  high - gpBottomRatio*r,
		Fib50:     high - fib50Ratio*r,
		Fib786:    high - fib786Ratio*r,
	}, nil
}

// inGoldenPocket reports strict band membership.
func (f FibLevels) inGoldenPocket(price float64) bool {
	return f.GPBottom <= price && price <= f.GPTop
}

// inEntryBand reports membership in the relaxed entry band around the pocket.
func (f FibLevels) inEntryBand(price float64) bool {
	return f.GPBottom*gpEntryLowRelax <= price && price <= f.GPTop*gpEntryHighRelax
}

// FibMap is the level pair the bot trades against: a 4H swing as primary
// and a daily swing as the wider secondary.
type FibMap struct {
	H4    FibLevels
	Daily FibLevels
}

// Zone classifies price for logs and the advisor context.
func (m FibMap) Zone(price float64) string {
	switch {
	case m.H4.inGoldenPocket(price):
		return "4H Golden Pocket"
	case m.Daily.inGoldenPocket(price):
		return "Daily Golden Pocket"
	case price > m.H4.GPTop:
		return "Above Golden Pocket"
	default:
		return "Below Golden Pocket"
	}
}

// InAnyEntryBand reports whether price sits in either relaxed pocket band.
func (m FibMap) InAnyEntryBand(price float64) bool {
	return m.H4.inEntryBand(price) || m.Daily.inEntryBand(price)
}

// Describe summarizes where price sits relative to the levels, for the
// analysis log line.
func (m FibMap) Describe(price float64) string {
	if m.H4.inGoldenPocket(price) {
		return "In 4H Golden Pocket"
	}
	if price > 0 && abs(price-m.H4.Fib50)/price < 0.005 {
		return "At 4H 50% retracement"
	}
	if m.Daily.inGoldenPocket(price) {
		return "In Daily Golden Pocket"
	}
	return "Between Fibonacci levels"
}

// levels returns every tracked level ascending, swings included.
func (m FibMap) levels() []float64 {
	ls := []float64{
		m.H4.SwingHigh, m.H4.SwingLow, m.H4.GPTop, m.H4.GPBottom, m.H4.Fib50, m.H4.Fib786,
		m.Daily.SwingHigh, m.Daily.SwingLow, m.Daily.GPTop, m.Daily.GPBottom, m.Daily.Fib50, m.Daily.Fib786,
	}
	sort.Float64s(ls)
	return ls
}

// NearestSupport returns the highest level strictly below price, or the
// lowest tracked level when price is under everything.
func (m FibMap) NearestSupport(price float64) float64 {
	ls := m.levels()
	for i := len(ls) - 1; i >= 0; i-- {
		if ls[i] < price {
			return ls[i]
		}
	}
	return ls[0]
}

// NearestResistance returns the lowest level strictly above price, or the
// highest tracked level when price is over everything.
func (m FibMap) NearestResistance(price float64) float64 {
	ls := m.levels()
	for _, l := range ls {
		if l > price {
			return l
		}
	}
	return ls[len(ls)-1]
}

// detectBounce checks recent short-timeframe candles for a touch of the
// pocket followed by a recovery. The thresholds are deliberately loose:
// a dip to within 2% of the primary pocket top plus a 0.1% recovery counts,
// the secondary pocket needs a slightly closer touch and a 0.2% recovery.
func detectBounce(candles []Candle, price float64, m FibMap) bool {
	if len(candles) == 0 {
		return false
	}
	recentLow := lowestLow(candles)
	if recentLow <= m.H4.GPTop*1.02 && price > recentLow*1.001 {
		return true
	}
	if recentLow <= m.Daily.GPTop*1.01 && price > recentLow*1.002 {
		return true
	}
	return false
}

// RSI returns the n-period Relative Strength Index using Wilder's smoothing,
// aligned to the input. Indices before the first full window are zero.
func RSI(c []Candle, n int) []float64 {
	out := make([]float64, len(c))
	if n <= 0 || len(c) == 0 {
		return out
	}
	var gain, loss float64
	for i := 1; i < len(c); i++ {
		d := c[i].Close - c[i-1].Close
		if i <= n {
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
			if i == n {
				gain /= float64(n)
				loss /= float64(n)
				out[i] = rsiValue(gain, loss)
			}
		} else {
			// Wilder smoothing
			if d > 0 {
				gain = (gain*float64(n-1) + d) / float64(n)
				loss = (loss * float64(n-1)) / float64(n)
			} else {
				gain = (gain * float64(n-1)) / float64(n)
				loss = (loss*float64(n-1) - d) / float64(n)
			}
			out[i] = rsiValue(gain, loss)
		}
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	switch {
	case loss != 0:
		rs := gain / loss
		return 100.0 - (100.0 / (1.0 + rs))
	case gain != 0:
		return 100.0
	default:
		return 50.0
	}
}

func lowestLow(c []Candle) float64 {
	low := c[0].Low
	for _, k := range c[1:] {
		if k.Low < low {
			low = k.Low
		}
	}
	return low
}

func highestHigh(c []Candle) float64 {
	high := c[0].High
	for _, k := range c[1:] {
		if k.High > high {
			high = k.High
		}
	}
	return high
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
