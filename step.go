// ---------------------------------------------------------------------------------------------
// FILE: step.go — One trading cycle (analyze → enter | manage), extracted from trader.go
//
// Overview
//   runCycle(ctx) is the single-threaded decision tick. It reads the latest price and
//   sentiment, logs the market analysis, then takes exactly one of two branches:
//     FLAT:    confluence check → advisor approval → hard validation → entry
//     HOLDING: scheduled review (advisor ADD/REDUCE/EMERGENCY_EXIT) → exit scan → scale-in
//
// Exit scan order (first hit wins, one position mutation per tick):
//   1) Fibonacci resistance reached  → advisor decides how much profit to take
//   2) Fibonacci rejection (price fell 2% from the resistance exit) → close the rest
//   3) Trailing stop (armed above the ROE threshold, trails the high)  → full close
//   4) Sentiment-adjusted profit ladder (each rung fires once per position)
//   5) Invalidation level → full close
//
// Concurrency & Locks
//   • t.mu is held only around in-memory reads/writes, never across broker, advisor, or
//     sentiment I/O. Position mutations go through the execute* helpers in trader.go,
//     which persist state synchronously before returning.
//   • The advisor is consulted, never obeyed blindly: every actionable answer passes
//     through SafetyValidator, and a HOLD (including the failure fallback) skips the tick.
// ---------------------------------------------------------------------------------------------
package main

import (
	"context"
	"fmt"
	"time"
)

// fibRejectionDrop closes the remainder when price falls this far from the
// resistance exit, confirming the rejection.
const fibRejectionDrop = 0.98

// runCycle runs one poll-evaluate-act pass. Errors abort the tick and put the
// loop on the slow error cadence; they never leave a half-applied mutation.
func (t *Trader) runCycle(ctx context.Context) error {
	price, err := t.currentPrice(ctx)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	t.refreshEquity(ctx)

	snap := t.sent.Current(ctx)
	SetSentimentMetrics(snap)
	SetAdjustmentsTodayMetric(t.safety.AdjustmentsToday(time.Now()))

	t.declog.LogAnalysis(price, fmt.Sprintf("%s | F&G %.0f | Funding %.4f | L/S %.2f",
		t.params.Fib().Describe(price), snap.FearGreed, snap.FundingRate, snap.LongShortRatio))

	t.mu.Lock()
	pos := t.pos.clone()
	t.mu.Unlock()
	SetPositionMetrics(pos, price)

	if pos == nil {
		return t.tryEnter(ctx, price, snap)
	}
	return t.managePosition(ctx, price, snap, pos)
}

// ---- flat: entry ----

func (t *Trader) tryEnter(ctx context.Context, price float64, snap SentimentSnapshot) error {
	bounced := t.recentBounce(ctx, price)

	t.mu.Lock()
	eager := t.eager
	fibExit := t.fibExitPrice
	t.mu.Unlock()

	sig, ok := t.params.evaluateEntry(price, snap, bounced, eager, fibExit)
	if !ok {
		t.log.Debug().Float64("price", price).Msg("[ENTRY] waiting, no confluence")
		return nil
	}

	proposed := t.params.BasePositionSize * snap.multiplier()
	leverage := t.params.leverageFor(0)
	t.log.Info().
		Str("zone", sig.Zone).
		Strs("confluence", sig.Confluence).
		Float64("proposed", proposed).
		Msg("[ENTRY] opportunity detected, asking advisor")

	dec := t.advisor.ApproveEntry(ctx, t.advisorInputs(ctx, price, nil, snap), sig.Zone, sig.Confluence, proposed)
	switch dec.Decision {
	case ActionApprove, ActionAdjust:
	case ActionReject:
		t.declog.LogHold(price, "entry rejected by advisor: "+dec.Reasoning)
		return nil
	default:
		t.declog.LogHold(price, "advisor hold: "+dec.Reasoning)
		return nil
	}

	size := dec.SizeOrAmount
	if size <= 0 {
		size = proposed
	}
	verdict := t.safety.ValidateEntry(size, leverage, nil)
	if !verdict.Approved {
		IncSafetyRejectionMetric("entry")
		t.declog.LogHold(price, "safety blocked entry: "+verdict.Reason)
		return nil
	}
	return t.executeEntry(ctx, price, verdict.Size, leverage, sig, snap, dec.Reasoning)
}

// recentBounce fetches the last hour of 5m candles and checks for a bounce
// off the pocket. Fetch failures just skip the signal for this tick.
func (t *Trader) recentBounce(ctx context.Context, price float64) bool {
	candles, err := t.broker.RecentCandles(ctx, t.cfg.Symbol, "5m", 12)
	if err != nil {
		t.log.Debug().Err(err).Msg("[ENTRY] candle fetch failed, skipping bounce check")
		return false
	}
	return detectBounce(candles, price, t.params.Fib())
}

// ---- holding: review, exits, scale ----

func (t *Trader) managePosition(ctx context.Context, price float64, snap SentimentSnapshot, pos *Position) error {
	t.mu.Lock()
	if price > t.highestPrice {
		t.highestPrice = price
	}
	highest := t.highestPrice
	fibExit := t.fibExitPrice
	reviewDue := time.Since(t.lastReview) >= t.params.ReviewInterval()
	t.mu.Unlock()

	if reviewDue {
		t.reviewPosition(ctx, price, snap)
		t.mu.Lock()
		pos = t.pos.clone()
		fibExit = t.fibExitPrice
		t.mu.Unlock()
		if pos == nil {
			return nil
		}
	}

	exited, err := t.checkExits(ctx, price, snap, pos, highest, fibExit)
	if err != nil || exited {
		return err
	}
	return t.checkScaleIn(ctx, price, snap, pos)
}

// reviewPosition runs the scheduled advisor review. The review clock advances
// no matter how the review ends, including on errors.
func (t *Trader) reviewPosition(ctx context.Context, price float64, snap SentimentSnapshot) {
	now := time.Now()
	defer func() {
		t.mu.Lock()
		t.lastReview = now
		t.mu.Unlock()
	}()

	t.mu.Lock()
	pos := t.pos.clone()
	t.mu.Unlock()
	if pos == nil {
		return
	}
	t.log.Info().Float64("price", price).Msg("[REVIEW] scheduled position review due")

	// Hard floor before anything discretionary: too close to liquidation
	// means get out, whatever the advisor would have said.
	if vp, err := t.broker.CurrentPosition(ctx, t.cfg.Symbol); err == nil && vp != nil {
		if !t.safety.LiquidationBufferOK(price, vp.LiquidationPrice) {
			reason := fmt.Sprintf("Liquidation buffer below %.0f%%, emergency exit", minLiquidationBuffer*100)
			if _, err := t.executeReduce(ctx, price, 1.0, reason, "emergency"); err != nil {
				t.log.Error().Err(err).Msg("[REVIEW] emergency exit failed")
			}
			return
		}
	}

	dec := t.advisor.PeriodicReview(ctx, t.advisorInputs(ctx, price, pos, snap))
	switch dec.Decision {
	case ActionAdd:
		verdict := t.safety.ValidateAdd(dec.SizeOrAmount, pos, now)
		if !verdict.Approved {
			IncSafetyRejectionMetric("add")
			t.declog.LogHold(price, "safety blocked review add: "+verdict.Reason)
			return
		}
		if err := t.executeScaleIn(ctx, price, verdict.Size, pos.Leverage, "Review add: "+dec.Reasoning); err != nil {
			t.log.Error().Err(err).Msg("[REVIEW] add failed")
			return
		}
		t.safety.RecordAdjustment(now)
	case ActionReduce:
		verdict := t.safety.ValidateReduce(dec.SizeOrAmount, pos, price, now)
		if !verdict.Approved {
			IncSafetyRejectionMetric("reduce")
			t.declog.LogHold(price, "safety blocked review reduce: "+verdict.Reason)
			return
		}
		if _, err := t.executeReduce(ctx, price, verdict.Size, "Review reduce: "+dec.Reasoning, "advisor"); err != nil {
			t.log.Error().Err(err).Msg("[REVIEW] reduce failed")
			return
		}
		t.safety.RecordAdjustment(now)
	case ActionEmergencyExit:
		verdict := t.safety.ValidateExit(1.0)
		if !verdict.Approved {
			return
		}
		if _, err := t.executeReduce(ctx, price, 1.0, "Emergency exit: "+dec.Reasoning, "emergency"); err != nil {
			t.log.Error().Err(err).Msg("[REVIEW] emergency exit failed")
		}
	default:
		t.declog.LogHold(price, "review hold: "+dec.Reasoning)
	}
}

// checkExits walks the exit conditions in priority order and performs at most
// one reduction. Returns exited=true when the tick already acted.
func (t *Trader) checkExits(ctx context.Context, price float64, snap SentimentSnapshot, pos *Position, highest, fibExit float64) (bool, error) {
	gain := pos.pnlFraction(price)
	roe := pos.roiFraction(price)
	plan := t.params.buildExitPlan(snap, price)

	// 1) Fibonacci resistance: the advisor decides how much profit to take.
	if fibExit == 0 && plan.UpperExit > 0 && price >= plan.UpperExit {
		t.log.Info().
			Float64("resistance", plan.UpperExit).
			Float64("gain", gain).
			Str("level", plan.UpperExitReason).
			Msg("[EXIT] fibonacci resistance reached, asking advisor")

		dec := t.advisor.ApproveExit(ctx, t.advisorInputs(ctx, price, pos, snap), plan.UpperExit, gain*100, roe*100)
		var exitPct float64
		switch dec.Decision {
		case ActionApprove, ActionAdjust, ActionReduce:
			exitPct = dec.SizeOrAmount
			if exitPct <= 0 {
				exitPct = 0.50
			}
		case ActionEmergencyExit:
			exitPct = 1.0
		default:
			t.declog.LogHold(price, "resistance reached, advisor holds: "+dec.Reasoning)
		}
		if exitPct > 0 {
			verdict := t.safety.ValidateExit(exitPct)
			if !verdict.Approved {
				IncSafetyRejectionMetric("exit")
				t.declog.LogHold(price, "safety blocked exit: "+verdict.Reason)
			} else {
				reason := fmt.Sprintf("Fibonacci resistance $%.0f (%s), advisor took %.0f%%",
					plan.UpperExit, plan.UpperExitReason, verdict.Size*100)
				if _, err := t.executeReduce(ctx, price, verdict.Size, reason, "fib_resistance"); err != nil {
					return false, err
				}
				t.mu.Lock()
				t.fibExitPrice = price
				t.mu.Unlock()
				return true, nil
			}
		}
	}

	// 2) Fibonacci rejection: price failed to hold the level, bank the rest.
	if fibExit > 0 && price <= fibExit*fibRejectionDrop {
		reason := fmt.Sprintf("Fibonacci rejection, price failed to hold $%.0f", fibExit)
		if _, err := t.executeReduce(ctx, price, 1.0, reason, "fib_rejection"); err != nil {
			return false, err
		}
		t.mu.Lock()
		t.fibExitPrice = 0
		t.mu.Unlock()
		return true, nil
	}

	// 3) Trailing stop, armed once the leveraged gain clears the threshold.
	if roe > t.params.TrailActivateROE && highest > 0 {
		stop := highest * (1 - t.params.TrailDistance)
		if price < stop {
			reason := fmt.Sprintf("Trailing stop, price fell %.0f%% from high $%.0f",
				t.params.TrailDistance*100, highest)
			if _, err := t.executeReduce(ctx, price, 1.0, reason, "trailing_stop"); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	// 4) Profit ladder; each rung fires once per position.
	t.mu.Lock()
	hits := append([]bool(nil), t.profitHit...)
	t.mu.Unlock()
	for i, target := range plan.Targets {
		if i < len(hits) && hits[i] {
			continue
		}
		if gain >= target.Gain {
			reason := fmt.Sprintf("Hit profit target %+.1f%%", target.Gain*100)
			closed, err := t.executeReduce(ctx, price, target.Reduce, reason, "profit_target")
			if err != nil {
				return false, err
			}
			if !closed {
				t.mu.Lock()
				if i < len(t.profitHit) {
					t.profitHit[i] = true
				}
				t.mu.Unlock()
			}
			return true, nil
		}
	}

	// 5) Invalidation: the setup is gone, close everything.
	if roe <= t.params.InvalidationLevel {
		reason := fmt.Sprintf("Invalidation at %.1f%% ROE", roe*100)
		if _, err := t.executeReduce(ctx, price, 1.0, reason, "invalidation"); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// checkScaleIn fires the next unconsumed ladder rung, sized by sentiment and
// clipped by the exposure caps. The daily adjustment budget does not apply
// here; the ladder is the algorithm's own averaging plan.
func (t *Trader) checkScaleIn(ctx context.Context, price float64, snap SentimentSnapshot, pos *Position) error {
	t.mu.Lock()
	lastEntry := t.lastEntryPrice
	t.mu.Unlock()

	sig, ok := t.params.scaleTrigger(price, lastEntry, pos.ScaleInCount)
	if !ok {
		return nil
	}

	desired := sig.BaseAdd * snap.multiplier()
	clipped := t.cfg.ExposureLimits().Clip(exposureOf(pos), desired, sig.Leverage)
	if clipped <= 0 {
		IncSafetyRejectionMetric("scale_in")
		t.log.Warn().
			Int("level", sig.Level).
			Float64("desired", desired).
			Msg("[SAFETY] scale-in blocked by exposure limits")
		return nil
	}

	reason := fmt.Sprintf("Hit scale level %d at %.1f%% deviation", sig.Level, sig.Deviation*100)
	return t.executeScaleIn(ctx, price, clipped, sig.Leverage, reason)
}
