// FILE: safety.go
// Package main – hard safety limits enforced before any order reaches the venue.
//
// The validator is the last gate: advisor output, algorithmic sizing, and
// operator overrides all pass through here and none of them can widen the
// limits. Verdicts either approve (possibly with a clamped size), or reject
// with a reason that goes into the decision log.
//
// Split of duties with ExposureLimits (exposure.go): the validator owns the
// per-decision rules (size bounds, leverage ceiling, adjustment budget,
// cooldown, reduce-in-loss lock, exit fraction), ExposureLimits owns the
// portfolio-wide capital and notional caps. ValidateEntry and ValidateAdd
// run the exposure clip after their own checks so the clip always sees the
// already-clamped size.

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Hard limits. Not configurable on purpose.
const (
	minPositionSize      = 0.25 // fraction of capital
	maxPositionSize      = 0.75
	maxLeverage          = 5.0
	maxTotalNotional     = 5.0 // multiples of capital
	maxAdjustmentsPerDay = 3
	adjustmentCooldown   = 30 * time.Minute
	maxAddPerReview      = 0.05
	maxReducePerReview   = 0.20
	minExitFraction      = 0.25
	minLiquidReserve     = 0.06
	minLiquidationBuffer = 0.30 // distance to liquidation, fraction of price
)

// SafetyVerdict is the outcome of one validation.
type SafetyVerdict struct {
	Approved bool
	Reason   string
	Size     float64 // size after any clamping; meaningful only when approved
}

func approve(size float64, reason string) SafetyVerdict {
	return SafetyVerdict{Approved: true, Reason: reason, Size: size}
}

func reject(format string, args ...any) SafetyVerdict {
	return SafetyVerdict{Approved: false, Reason: fmt.Sprintf(format, args...)}
}

// adjustmentLedger counts position adjustments per UTC calendar day and
// tracks the cooldown between them. In-memory only: a restart resets the
// budget, which errs on the permissive side for at most one day.
type adjustmentLedger struct {
	mu       sync.Mutex
	day      string
	count    int
	lastTime time.Time
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// allow reports whether another adjustment fits today's budget and cooldown.
func (l *adjustmentLedger) allow(now time.Time) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.day != dayKey(now) {
		l.day = dayKey(now)
		l.count = 0
	}
	if l.count >= maxAdjustmentsPerDay {
		return false, fmt.Sprintf("already made %d adjustments today", maxAdjustmentsPerDay)
	}
	if !l.lastTime.IsZero() {
		if since := now.Sub(l.lastTime); since < adjustmentCooldown {
			wait := adjustmentCooldown - since
			return false, fmt.Sprintf("cooldown: %d more minutes", int(wait.Minutes())+1)
		}
	}
	return true, ""
}

// record books one executed adjustment against today's budget.
func (l *adjustmentLedger) record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.day != dayKey(now) {
		l.day = dayKey(now)
		l.count = 0
	}
	l.count++
	l.lastTime = now
}

func (l *adjustmentLedger) todayCount(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.day != dayKey(now) {
		return 0
	}
	return l.count
}

// SafetyValidator enforces the hard limits above plus the portfolio caps.
type SafetyValidator struct {
	limits ExposureLimits
	ledger *adjustmentLedger
	log    zerolog.Logger
}

func newSafetyValidator(limits ExposureLimits, log zerolog.Logger) *SafetyValidator {
	return &SafetyValidator{limits: limits, ledger: &adjustmentLedger{}, log: log}
}

// ValidateEntry checks a proposed new position of size (fraction of capital)
// at the given leverage against the size bounds, the leverage ceiling, and
// the capital/notional caps. Sizes above the maximum are clamped, sizes
// below the minimum are rejected; the exposure clip runs on the clamped
// size and a clip to zero rejects.
func (v *SafetyValidator) ValidateEntry(size, leverage float64, cur *Position) SafetyVerdict {
	if size < minPositionSize {
		return reject("size %.1f%% below minimum %.0f%%", size*100, minPositionSize*100)
	}
	reason := "entry approved"
	if size > maxPositionSize {
		v.log.Warn().Float64("proposed", size).Float64("capped", maxPositionSize).Msg("[SAFETY] entry size capped")
		size = maxPositionSize
		reason = fmt.Sprintf("capped at %.0f%% maximum", maxPositionSize*100)
	}
	if leverage > maxLeverage {
		return reject("leverage %.1fx exceeds maximum %.1fx", leverage, maxLeverage)
	}

	clipped := v.limits.Clip(exposureOf(cur), size, leverage)
	if clipped <= 0 {
		return reject("no exposure headroom (capital %.0f%%, notional %.1fx)",
			v.limits.MaxCapitalUsage*100, v.limits.MaxTotalNotional)
	}
	if clipped < size {
		v.log.Warn().Float64("proposed", size).Float64("clipped", clipped).Msg("[SAFETY] entry clipped to exposure caps")
		size = clipped
		reason = "reduced to fit exposure caps"
	}
	return approve(size, reason)
}

// ValidateAdd checks a scale-in of amount (fraction of capital) during a
// review. Budget and cooldown first, then the per-review cap, then the
// exposure clip on the capped amount.
func (v *SafetyValidator) ValidateAdd(amount float64, cur *Position, now time.Time) SafetyVerdict {
	if cur == nil {
		return reject("no position to add to")
	}
	if ok, why := v.ledger.allow(now); !ok {
		return reject("%s", why)
	}
	reason := "add approved"
	if amount > maxAddPerReview {
		v.log.Warn().Float64("proposed", amount).Float64("capped", maxAddPerReview).Msg("[SAFETY] add capped")
		amount = maxAddPerReview
		reason = fmt.Sprintf("capped at %.0f%% max add", maxAddPerReview*100)
	}

	clipped := v.limits.Clip(exposureOf(cur), amount, cur.Leverage)
	if clipped <= 0 {
		return reject("would exceed %.1fx notional limit", v.limits.MaxTotalNotional)
	}
	if clipped < amount {
		amount = clipped
		reason = "reduced to fit exposure caps"
	}
	return approve(amount, reason)
}

// ValidateReduce checks a partial reduce during a review. Reducing while the
// position is under water is rejected outright: realizing a loss is an exit
// decision, not a trim.
func (v *SafetyValidator) ValidateReduce(fraction float64, cur *Position, price float64, now time.Time) SafetyVerdict {
	if cur == nil {
		return reject("no position to reduce")
	}
	if ok, why := v.ledger.allow(now); !ok {
		return reject("%s", why)
	}
	if cur.roiFraction(price) < 0 {
		return reject("cannot reduce while in loss (ROE < 0); HOLD or EMERGENCY_EXIT instead")
	}
	if fraction > maxReducePerReview {
		v.log.Warn().Float64("proposed", fraction).Float64("capped", maxReducePerReview).Msg("[SAFETY] reduce capped")
		return approve(maxReducePerReview, fmt.Sprintf("capped at %.0f%% max reduce", maxReducePerReview*100))
	}
	return approve(fraction, "reduce approved")
}

// ValidateExit checks a full or partial exit. Exits are deliberately loose:
// only the fraction range is enforced.
func (v *SafetyValidator) ValidateExit(fraction float64) SafetyVerdict {
	if fraction < minExitFraction || fraction > 1.0 {
		return reject("exit fraction %.0f%% outside %.0f-100%% range", fraction*100, minExitFraction*100)
	}
	return approve(fraction, "exit approved")
}

// RecordAdjustment books an executed ADD or REDUCE against the daily budget.
func (v *SafetyValidator) RecordAdjustment(now time.Time) { v.ledger.record(now) }

// AdjustmentsToday reports the budget already used, for status and metrics.
func (v *SafetyValidator) AdjustmentsToday(now time.Time) int { return v.ledger.todayCount(now) }

// LiquidationBufferOK reports whether price sits far enough above the
// estimated liquidation price. Zero liquidation price means no position.
func (v *SafetyValidator) LiquidationBufferOK(price, liqPrice float64) bool {
	if liqPrice == 0 || price <= 0 {
		return true
	}
	buffer := (price - liqPrice) / price
	if buffer < minLiquidationBuffer {
		v.log.Error().Float64("buffer", buffer).Float64("min", minLiquidationBuffer).Msg("[SAFETY] liquidation warning")
		return false
	}
	return true
}
