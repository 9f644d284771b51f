// FILE: trader.go
// Package main – Position orchestration and the synchronized trading loop.
//
// What's here:
//   • Trader: holds config, strategy params, broker, advisor, sentiment cache,
//     hard validator, decision logger, state store, and the mutex
//   • Run(): the cadence loop (fast while holding or eager, slow while idle)
//   • executeEntry/executeScaleIn/executeReduce: the only paths that mutate
//     the Position mirror; each places the order, updates state, logs the
//     decision, and persists synchronously before the next tick
//
// Concurrency design:
//   - The trader mutex guards in-memory state; it is RELEASED around any
//     network I/O (orders, account reads). The websocket feed publishes prices
//     through its own snapshot and never touches the Position mirror.
//   - Shadow mode skips order placement only; every other side effect
//     (mirror, decision log, state file, metrics) behaves exactly as live.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	statusEveryCycles = 100
	errorLoopDelay    = 60 * time.Second
)

type Trader struct {
	cfg     Config
	params  *StrategyParams
	broker  Broker
	advisor Advisor
	sent    *sentimentCache
	safety  *SafetyValidator
	declog  *DecisionLogger
	store   *stateStore
	feed    *priceFeed // nil when the stream is disabled
	log     zerolog.Logger

	mu             sync.Mutex
	pos            *Position
	lastEntryPrice float64
	highestPrice   float64 // best price seen while the current position is open
	eager          bool
	fibExitPrice   float64 // resistance exit price arming the re-entry, 0 when unarmed
	profitHit      []bool  // profit ladder rungs consumed by the current position
	lastReview     time.Time
	equityUSD      float64 // last known, refreshed each cycle
	cycles         int64
}

func NewTrader(cfg Config, params *StrategyParams, broker Broker, advisor Advisor,
	sent *sentimentCache, safety *SafetyValidator, declog *DecisionLogger,
	store *stateStore, feed *priceFeed, log zerolog.Logger) *Trader {
	return &Trader{
		cfg:       cfg,
		params:    params,
		broker:    broker,
		advisor:   advisor,
		sent:      sent,
		safety:    safety,
		declog:    declog,
		store:     store,
		feed:      feed,
		log:       log,
		eager:     params.EagerEntry,
		profitHit: make([]bool, len(params.ProfitTargets)),
	}
}

// Restore seeds the mirror from a recovered position and persists the
// reconciled snapshot so the state file reflects what the bot now believes.
func (t *Trader) Restore(rec *recoveredState) {
	if rec == nil || rec.Position == nil {
		return
	}
	t.mu.Lock()
	t.pos = rec.Position
	t.lastEntryPrice = rec.LastEntryPrice
	t.highestPrice = 0
	t.profitHit = make([]bool, len(t.params.ProfitTargets))
	t.saveStateLocked()
	t.mu.Unlock()

	t.declog.LogRecovery(rec.Position)
	SetPositionMetrics(rec.Position, rec.Position.AveragePrice)
	go postSlack(t.cfg.SlackWebhook, fmt.Sprintf("RECOVERED %s %.0f%% avg=$%.2f lev=%.1fx scale_ins=%d",
		t.cfg.Symbol, rec.Position.Size*100, rec.Position.AveragePrice,
		rec.Position.Leverage, rec.Position.ScaleInCount))
}

// Run drives the poll-evaluate-act loop until ctx is cancelled. An in-flight
// cycle always completes; cancellation is only observed between ticks.
func (t *Trader) Run(ctx context.Context) {
	t.log.Info().
		Str("symbol", t.cfg.Symbol).
		Str("broker", t.broker.Name()).
		Bool("shadow", t.cfg.ShadowMode).
		Msg("[LOOP] trading loop started")

	for {
		var delay time.Duration
		if err := t.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Error().Err(err).Msg("[LOOP] cycle failed")
			IncCycleErrorMetric()
			delay = errorLoopDelay
		} else {
			delay = t.cadence()
		}
		IncCycleMetric()

		t.mu.Lock()
		t.cycles++
		n := t.cycles
		t.mu.Unlock()
		if n%statusEveryCycles == 0 {
			t.logStatus()
		}

		select {
		case <-ctx.Done():
			t.log.Info().Msg("[LOOP] shutdown signal received")
			return
		case <-time.After(delay):
		}
	}
}

// cadence picks the sleep for the next tick: fast while we hold a position or
// are eager for one, slow while idling out of the pocket.
func (t *Trader) cadence() time.Duration {
	t.mu.Lock()
	active := t.pos != nil || t.eager
	t.mu.Unlock()
	if active {
		return time.Duration(t.cfg.ActiveLoopSec) * time.Second
	}
	return time.Duration(t.cfg.IdleLoopSec) * time.Second
}

func (t *Trader) logStatus() {
	t.mu.Lock()
	pos := t.pos.clone()
	cycles := t.cycles
	equity := t.equityUSD
	eager := t.eager
	t.mu.Unlock()

	perf := t.declog.Performance()
	ev := t.log.Info().
		Int64("cycles", cycles).
		Float64("equity_usd", equity).
		Bool("eager", eager).
		Int("adjustments_today", t.safety.AdjustmentsToday(time.Now())).
		Int("trades", perf.TotalTrades).
		Float64("total_pnl", perf.TotalPnL)
	if pos != nil {
		ev = ev.Float64("size", pos.Size).
			Float64("avg_price", pos.AveragePrice).
			Float64("leverage", pos.Leverage).
			Int("scale_ins", pos.ScaleInCount)
	}
	ev.Msg("[STATUS] heartbeat")
}

// currentPrice prefers the websocket snapshot and falls back to REST when the
// stream is stale or disabled.
func (t *Trader) currentPrice(ctx context.Context) (float64, error) {
	if t.feed != nil {
		if p, ok := t.feed.Current(); ok {
			return p, nil
		}
	}
	return t.broker.MarkPrice(ctx, t.cfg.Symbol)
}

// refreshEquity updates the last-known equity snapshot, tolerating failures.
func (t *Trader) refreshEquity(ctx context.Context) float64 {
	acct, err := t.broker.AccountInfo(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.log.Debug().Err(err).Msg("[LOOP] account refresh failed, keeping last known equity")
		return t.equityUSD
	}
	t.equityUSD = acct.EquityUSD
	SetEquityMetric(acct.EquityUSD)
	return t.equityUSD
}

// advisorInputs assembles the situation snapshot shared by every trigger.
// Market data and candle failures degrade to empty fields rather than block.
func (t *Trader) advisorInputs(ctx context.Context, price float64, pos *Position, snap SentimentSnapshot) AdvisorInputs {
	md, err := t.broker.MarketData(ctx, t.cfg.Symbol)
	if err != nil {
		md = MarketData{OrderbookPressure: "UNKNOWN"}
	}
	var rsi float64
	if cs, err := t.broker.RecentCandles(ctx, t.cfg.Symbol, "1h", 30); err == nil && len(cs) > 14 {
		series := RSI(cs, 14)
		rsi = series[len(series)-1]
	}
	return AdvisorInputs{
		Price:            price,
		Position:         pos,
		Sentiment:        snap,
		Market:           md,
		RSI:              rsi,
		AdjustmentsToday: t.safety.AdjustmentsToday(time.Now()),
	}
}

// orderMode labels order metrics the way dashboards expect.
func (t *Trader) orderMode() string {
	if t.cfg.BrokerKind == "paper" {
		return "paper"
	}
	return "live"
}

// ---- mutations ----

// executeEntry places the opening order and creates the position mirror.
func (t *Trader) executeEntry(ctx context.Context, price, size, leverage float64, sig entrySignal, snap SentimentSnapshot, reasoning string) error {
	if !t.cfg.ShadowMode {
		// An order already on the wire must run to completion even if a
		// shutdown signal lands mid-request; the client timeout bounds it.
		octx := context.WithoutCancel(ctx)
		if _, err := t.broker.EnterLong(octx, t.cfg.Symbol, size, leverage, price); err != nil {
			return fmt.Errorf("entry order: %w", err)
		}
		IncOrderMetric(t.orderMode(), string(SideBuy))
	}

	pos, err := openPosition(price, size, leverage, time.Now().UTC())
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.pos = pos
	t.lastEntryPrice = price
	t.highestPrice = price
	t.fibExitPrice = 0
	t.eager = false // the aggressive first-entry window closes once filled
	t.profitHit = make([]bool, len(t.params.ProfitTargets))
	t.saveStateLocked()
	snapshot := pos.clone()
	t.mu.Unlock()

	t.declog.LogEntry(price, size, leverage, sig.Zone, snap, sig.Confluence, reasoning)
	SetPositionMetrics(snapshot, price)
	t.log.Info().
		Float64("price", price).
		Float64("size", size).
		Float64("leverage", leverage).
		Str("zone", sig.Zone).
		Bool("shadow", t.cfg.ShadowMode).
		Msg("[TRADE] long opened")
	if !t.cfg.ShadowMode {
		go postSlack(t.cfg.SlackWebhook, fmt.Sprintf("LONG %s %.0f%% @ $%.2f lev=%.1fx zone=%s",
			t.cfg.Symbol, size*100, price, leverage, sig.Zone))
	}
	return nil
}

// executeScaleIn places the add order and folds it into the weighted average.
// The deviation is measured against the entry price being replaced.
func (t *Trader) executeScaleIn(ctx context.Context, price, add, leverage float64, reason string) error {
	t.mu.Lock()
	if t.pos == nil {
		t.mu.Unlock()
		return errNoPosition
	}
	oldAvg := t.pos.AveragePrice
	lastEntry := t.lastEntryPrice
	t.mu.Unlock()

	if !t.cfg.ShadowMode {
		if _, err := t.broker.ScaleIn(context.WithoutCancel(ctx), t.cfg.Symbol, add, leverage, price); err != nil {
			return fmt.Errorf("scale-in order: %w", err)
		}
		IncOrderMetric(t.orderMode(), string(SideBuy))
	}

	t.mu.Lock()
	if t.pos == nil {
		t.mu.Unlock()
		return errNoPosition
	}
	if err := t.pos.scaleIn(price, add, leverage); err != nil {
		t.mu.Unlock()
		return err
	}
	deviation := 0.0
	if lastEntry > 0 {
		deviation = (price - lastEntry) / lastEntry
	}
	t.lastEntryPrice = price
	newTotal := t.pos.Size
	newAvg := t.pos.AveragePrice
	newLev := t.pos.Leverage
	t.saveStateLocked()
	snapshot := t.pos.clone()
	t.mu.Unlock()

	t.declog.LogScaleIn(price, add, newTotal, newLev, deviation, oldAvg, newAvg, reason)
	IncScaleInMetric()
	SetPositionMetrics(snapshot, price)
	t.log.Info().
		Float64("price", price).
		Float64("added", add).
		Float64("new_total", newTotal).
		Float64("new_avg", newAvg).
		Float64("deviation", deviation).
		Msg("[TRADE] scaled in")
	if !t.cfg.ShadowMode {
		go postSlack(t.cfg.SlackWebhook, fmt.Sprintf("SCALE-IN %s +%.0f%% @ $%.2f avg %.2f -> %.2f",
			t.cfg.Symbol, add*100, price, oldAvg, newAvg))
	}
	return nil
}

// executeReduce closes fraction of the position; metricReason feeds the exit
// counter (profit_target, trailing_stop, invalidation, fib_resistance,
// fib_rejection, advisor, emergency).
func (t *Trader) executeReduce(ctx context.Context, price, fraction float64, reason, metricReason string) (closed bool, err error) {
	t.mu.Lock()
	if t.pos == nil {
		t.mu.Unlock()
		return false, errNoPosition
	}
	pnlUSD := t.pos.Size * fraction * t.equityUSD * t.pos.roiFraction(price)
	t.mu.Unlock()

	if !t.cfg.ShadowMode {
		if _, err := t.broker.ClosePosition(context.WithoutCancel(ctx), t.cfg.Symbol, fraction); err != nil {
			return false, fmt.Errorf("close order: %w", err)
		}
		IncOrderMetric(t.orderMode(), string(SideSell))
	}

	t.mu.Lock()
	if t.pos == nil {
		t.mu.Unlock()
		return false, errNoPosition
	}
	closed, err = t.pos.reduce(fraction)
	if err != nil {
		t.mu.Unlock()
		return false, err
	}
	var remaining float64
	if closed {
		t.pos = nil
		t.lastEntryPrice = 0
		t.highestPrice = 0
		t.profitHit = make([]bool, len(t.params.ProfitTargets))
	} else {
		remaining = t.pos.Size
	}
	t.saveStateLocked()
	snapshot := t.pos.clone()
	t.mu.Unlock()

	exitType := "PARTIAL"
	if closed {
		exitType = "FULL"
	}
	t.declog.LogExit(price, fraction, remaining, pnlUSD, reason, exitType)
	IncExitMetric(metricReason)
	SetPositionMetrics(snapshot, price)
	t.log.Info().
		Float64("price", price).
		Float64("fraction", fraction).
		Float64("pnl_usd", pnlUSD).
		Str("reason", reason).
		Bool("closed", closed).
		Msg("[TRADE] position reduced")
	if !t.cfg.ShadowMode {
		go postSlack(t.cfg.SlackWebhook, fmt.Sprintf("EXIT %s %s %.0f%% @ $%.2f P/L=$%.2f reason=%s",
			t.cfg.Symbol, exitType, fraction*100, price, pnlUSD, reason))
	}
	return closed, nil
}

// ---- persistence ----

// saveStateLocked persists the mirror; the caller holds t.mu. A failed write
// after a confirmed fill means a restart would mistrust our averages, so it
// is retried once and then alerted.
func (t *Trader) saveStateLocked() {
	st := botState{
		Timestamp:      time.Now().UTC(),
		Position:       t.pos,
		LastEntryPrice: t.lastEntryPrice,
	}
	if t.pos != nil {
		st.TotalPositionSize = t.pos.Size
		st.CurrentLeverage = t.pos.Leverage
		st.ScaleInCount = t.pos.ScaleInCount
	}
	err := t.store.Save(st)
	if err != nil {
		t.log.Warn().Err(err).Msg("[STATE] save failed, retrying")
		err = t.store.Save(st)
	}
	if err != nil {
		t.log.Error().Err(err).Msg("[STATE] save failed after retry")
		IncStateSaveFailureMetric()
		go postSlack(t.cfg.SlackWebhook, fmt.Sprintf("state save failed: %v", err))
	}
}

// postSlack sends a best-effort webhook message if a hook is configured.
// Errors are ignored; alerting must never take the loop down.
func postSlack(hook, msg string) {
	if hook == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	body := map[string]string{"text": msg}
	bs, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, "POST", hook, bytes.NewReader(bs))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = http.DefaultClient.Do(req)
}
