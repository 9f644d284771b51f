// FILE: trader_test.go
package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubBroker is a scriptable venue for loop tests: canned price, equity and
// position, with every placed order recorded for assertions.
type stubBroker struct {
	price     float64
	equity    float64
	position  *VenuePosition
	posErr    error
	candles   []Candle
	candleErr error
	orderErr  error

	markCalls int
	entries   []orderCall
	adds      []orderCall
	closes    []float64
}

type orderCall struct {
	fraction float64
	leverage float64
	price    float64
}

var _ Broker = (*stubBroker)(nil)

func (b *stubBroker) Name() string { return "stub" }

func (b *stubBroker) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	b.markCalls++
	if b.price <= 0 {
		return 0, errors.New("no mark price scripted")
	}
	return b.price, nil
}

func (b *stubBroker) AccountInfo(ctx context.Context) (AccountInfo, error) {
	return AccountInfo{CollateralAsset: "SOL", EquityUSD: b.equity}, nil
}

func (b *stubBroker) CurrentPosition(ctx context.Context, symbol string) (*VenuePosition, error) {
	return b.position, b.posErr
}

func (b *stubBroker) EnterLong(ctx context.Context, symbol string, fraction, leverage, price float64) (*PlacedOrder, error) {
	if b.orderErr != nil {
		return nil, b.orderErr
	}
	b.entries = append(b.entries, orderCall{fraction, leverage, price})
	return &PlacedOrder{Symbol: symbol, Side: SideBuy, Status: "FILLED"}, nil
}

func (b *stubBroker) ScaleIn(ctx context.Context, symbol string, addFraction, newLeverage, price float64) (*PlacedOrder, error) {
	if b.orderErr != nil {
		return nil, b.orderErr
	}
	b.adds = append(b.adds, orderCall{addFraction, newLeverage, price})
	return &PlacedOrder{Symbol: symbol, Side: SideBuy, Status: "FILLED"}, nil
}

func (b *stubBroker) ClosePosition(ctx context.Context, symbol string, fraction float64) (*PlacedOrder, error) {
	if b.orderErr != nil {
		return nil, b.orderErr
	}
	b.closes = append(b.closes, fraction)
	return &PlacedOrder{Symbol: symbol, Side: SideSell, Status: "FILLED"}, nil
}

func (b *stubBroker) RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return b.candles, b.candleErr
}

func (b *stubBroker) MarketData(ctx context.Context, symbol string) (MarketData, error) {
	return MarketData{OrderbookPressure: "NEUTRAL"}, nil
}

// stubAdvisor answers each trigger with a scripted decision. Zero value:
// approve entries and exits at the algorithm's size, hold on reviews.
type stubAdvisor struct {
	entry  AdvisorDecision
	exit   AdvisorDecision
	review AdvisorDecision

	entryCalls  int
	exitCalls   int
	reviewCalls int

	lastZone       string
	lastConfluence []string
	lastProposed   float64
	lastGainPct    float64
}

var _ Advisor = (*stubAdvisor)(nil)

func (a *stubAdvisor) ApproveEntry(ctx context.Context, in AdvisorInputs, zone string, confluence []string, proposed float64) AdvisorDecision {
	a.entryCalls++
	a.lastZone = zone
	a.lastConfluence = confluence
	a.lastProposed = proposed
	if a.entry.Decision == "" {
		return AdvisorDecision{Decision: ActionApprove}
	}
	return a.entry
}

func (a *stubAdvisor) ApproveExit(ctx context.Context, in AdvisorInputs, fibLevel, gainPct, roiPct float64) AdvisorDecision {
	a.exitCalls++
	a.lastGainPct = gainPct
	if a.exit.Decision == "" {
		return AdvisorDecision{Decision: ActionApprove}
	}
	return a.exit
}

func (a *stubAdvisor) PeriodicReview(ctx context.Context, in AdvisorInputs) AdvisorDecision {
	a.reviewCalls++
	if a.review.Decision == "" {
		return AdvisorDecision{Decision: ActionHold}
	}
	return a.review
}

type traderFixture struct {
	trader  *Trader
	broker  *stubBroker
	advisor *stubAdvisor
	store   *stateStore
	dir     string
}

func newTestTrader(t *testing.T, broker *stubBroker, advisor *stubAdvisor, snap SentimentSnapshot) *traderFixture {
	t.Helper()
	dir := t.TempDir()
	declog, err := newDecisionLogger(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("newDecisionLogger() error = %v", err)
	}
	cfg := Config{
		Symbol:          "BTCUSDT",
		BrokerKind:      "paper",
		MaxCapitalUsage: 0.94,
		ActiveLoopSec:   5,
		IdleLoopSec:     30,
	}
	store := newStateStore(filepath.Join(dir, "position_state.json"), zerolog.Nop())
	sent := newSentimentCache(&fakeSentimentProvider{snap: snap}, time.Hour, zerolog.Nop())
	safety := newSafetyValidator(cfg.ExposureLimits(), zerolog.Nop())
	tr := NewTrader(cfg, testParams(t), broker, advisor, sent, safety, declog, store, nil, zerolog.Nop())
	return &traderFixture{trader: tr, broker: broker, advisor: advisor, store: store, dir: dir}
}

// seedPosition restores an open position and mutes the review clock so exit
// and scale tests exercise only the path under test. Review tests re-arm it.
func (fx *traderFixture) seedPosition(t *testing.T, avg, size, leverage float64) {
	t.Helper()
	pos, err := openPosition(avg, size, leverage, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("openPosition() error = %v", err)
	}
	fx.trader.Restore(&recoveredState{Position: pos, LastEntryPrice: avg})
	fx.trader.lastReview = time.Now()
}

func (fx *traderFixture) armReview() {
	fx.trader.lastReview = time.Time{}
}

func (fx *traderFixture) cycle(t *testing.T) {
	t.Helper()
	if err := fx.trader.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle() error = %v", err)
	}
}

func readReadableLog(t *testing.T, dir string) string {
	t.Helper()
	bs, err := os.ReadFile(filepath.Join(dir, "trading_decisions_readable.txt"))
	if err != nil {
		t.Fatalf("read readable log: %v", err)
	}
	return string(bs)
}

func decisionsByAction(t *testing.T, dir, action string) []DecisionRecord {
	t.Helper()
	var out []DecisionRecord
	for _, rec := range readDecisions(t, dir) {
		if rec.Action == action {
			out = append(out, rec)
		}
	}
	return out
}

func TestTraderEntryFlow(t *testing.T) {
	fearful := SentimentSnapshot{FearGreed: 25, FundingRate: -0.002, LongShortRatio: 1.3}
	broker := &stubBroker{price: 107300, equity: 10000}
	advisor := &stubAdvisor{entry: AdvisorDecision{Decision: ActionApprove, SizeOrAmount: 0.40, Reasoning: "high-quality confluence"}}
	fx := newTestTrader(t, broker, advisor, fearful)

	fx.cycle(t)

	if len(broker.entries) != 1 {
		t.Fatalf("EnterLong calls = %d, want 1", len(broker.entries))
	}
	got := broker.entries[0]
	if got.fraction != 0.40 || got.leverage != 3 || got.price != 107300 {
		t.Errorf("entry order = %+v, want 40%% at 3x @ 107300", got)
	}

	if advisor.entryCalls != 1 {
		t.Errorf("advisor consulted %d times, want 1", advisor.entryCalls)
	}
	if advisor.lastZone != "4H Golden Pocket" {
		t.Errorf("zone = %q, want 4H Golden Pocket", advisor.lastZone)
	}
	if len(advisor.lastConfluence) != 4 {
		t.Errorf("confluence = %v, want pocket + fear + funding + L/S", advisor.lastConfluence)
	}
	if want := 0.35 * fearful.multiplier(); !almostEqual(advisor.lastProposed, want, 1e-9) {
		t.Errorf("proposed size = %v, want base x multiplier = %v", advisor.lastProposed, want)
	}

	pos := fx.trader.pos
	if pos == nil || pos.Size != 0.40 || pos.Leverage != 3 || pos.AveragePrice != 107300 {
		t.Fatalf("position mirror = %+v, want 0.40 @ 3x avg 107300", pos)
	}
	if fx.trader.eager {
		t.Error("eager flag should drop after the first fill")
	}

	st, err := fx.store.Load()
	if err != nil || st == nil || st.Position == nil {
		t.Fatalf("state file after entry: %+v, %v", st, err)
	}
	if st.TotalPositionSize != 0.40 || st.LastEntryPrice != 107300 {
		t.Errorf("state = size %v lastEntry %v, want 0.40/107300", st.TotalPositionSize, st.LastEntryPrice)
	}

	if recs := decisionsByAction(t, fx.dir, "ENTRY"); len(recs) != 1 || recs[0].FibZone != "4H Golden Pocket" {
		t.Errorf("entry decision records = %+v, want one for the 4H pocket", recs)
	}
}

func TestTraderEntryVetoes(t *testing.T) {
	fearful := SentimentSnapshot{FearGreed: 25, FundingRate: -0.002, LongShortRatio: 1.3}

	t.Run("advisor reject stops the entry", func(t *testing.T) {
		broker := &stubBroker{price: 107300, equity: 10000}
		advisor := &stubAdvisor{entry: AdvisorDecision{Decision: ActionReject, Reasoning: "funding crowd is already long"}}
		fx := newTestTrader(t, broker, advisor, fearful)

		fx.cycle(t)

		if len(broker.entries) != 0 {
			t.Errorf("EnterLong calls = %d, want 0 after a veto", len(broker.entries))
		}
		if !strings.Contains(readReadableLog(t, fx.dir), "entry rejected by advisor") {
			t.Error("readable log should record the veto")
		}
	})

	t.Run("advisor hold stops the entry", func(t *testing.T) {
		broker := &stubBroker{price: 107300, equity: 10000}
		advisor := &stubAdvisor{entry: AdvisorDecision{Decision: ActionHold, Reasoning: "data is ambiguous"}}
		fx := newTestTrader(t, broker, advisor, fearful)

		fx.cycle(t)

		if len(broker.entries) != 0 {
			t.Errorf("EnterLong calls = %d, want 0 on a hold", len(broker.entries))
		}
		if !strings.Contains(readReadableLog(t, fx.dir), "advisor hold") {
			t.Error("readable log should record the hold")
		}
	})

	t.Run("no confluence means no advisor call", func(t *testing.T) {
		broker := &stubBroker{price: 120000, equity: 10000}
		advisor := &stubAdvisor{}
		fx := newTestTrader(t, broker, advisor, neutralSentiment())

		fx.cycle(t)

		if advisor.entryCalls != 0 {
			t.Errorf("advisor consulted %d times for a no-signal price", advisor.entryCalls)
		}
	})

	t.Run("eager entry waives confluence inside the pocket", func(t *testing.T) {
		broker := &stubBroker{price: 107300, equity: 10000}
		advisor := &stubAdvisor{}
		fx := newTestTrader(t, broker, advisor, neutralSentiment())

		fx.cycle(t)

		if len(broker.entries) != 1 || broker.entries[0].fraction != 0.35 {
			t.Fatalf("entries = %+v, want one at the proposed 35%%", broker.entries)
		}
	})

	t.Run("adjusted oversize is clamped to the cap", func(t *testing.T) {
		broker := &stubBroker{price: 107300, equity: 10000}
		advisor := &stubAdvisor{entry: AdvisorDecision{Decision: ActionAdjust, SizeOrAmount: 0.90, Reasoning: "max conviction"}}
		fx := newTestTrader(t, broker, advisor, fearful)

		fx.cycle(t)

		if len(broker.entries) != 1 || broker.entries[0].fraction != 0.75 {
			t.Errorf("entries = %+v, want the 75%% hard cap", broker.entries)
		}
	})

	t.Run("undersized adjustment is blocked", func(t *testing.T) {
		broker := &stubBroker{price: 107300, equity: 10000}
		advisor := &stubAdvisor{entry: AdvisorDecision{Decision: ActionAdjust, SizeOrAmount: 0.10, Reasoning: "tiny probe"}}
		fx := newTestTrader(t, broker, advisor, fearful)

		fx.cycle(t)

		if len(broker.entries) != 0 {
			t.Errorf("EnterLong calls = %d, want 0 below the size floor", len(broker.entries))
		}
		if !strings.Contains(readReadableLog(t, fx.dir), "safety blocked entry") {
			t.Error("readable log should record the safety block")
		}
	})

	t.Run("order failure leaves the mirror untouched", func(t *testing.T) {
		broker := &stubBroker{price: 107300, equity: 10000, orderErr: errors.New("insufficient margin")}
		advisor := &stubAdvisor{entry: AdvisorDecision{Decision: ActionApprove, SizeOrAmount: 0.40}}
		fx := newTestTrader(t, broker, advisor, fearful)

		err := fx.trader.runCycle(context.Background())
		if err == nil || !strings.Contains(err.Error(), "entry order") {
			t.Fatalf("runCycle() error = %v, want the order failure", err)
		}
		if fx.trader.pos != nil {
			t.Error("mirror must stay flat when the order fails")
		}
	})
}

func TestTraderLadderScaleIn(t *testing.T) {
	broker := &stubBroker{price: 98900, equity: 10000}
	fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())
	fx.seedPosition(t, 100000, 0.35, 3)

	fx.cycle(t)

	if len(broker.adds) != 1 {
		t.Fatalf("ScaleIn calls = %d, want 1", len(broker.adds))
	}
	add := broker.adds[0]
	if add.fraction != 0.20 || add.leverage != 3 || add.price != 98900 {
		t.Errorf("scale order = %+v, want +20%% at 3x @ 98900", add)
	}

	pos := fx.trader.pos
	if !almostEqual(pos.Size, 0.55, 1e-9) || pos.ScaleInCount != 1 {
		t.Errorf("position = size %v count %d, want 0.55 with one scale-in", pos.Size, pos.ScaleInCount)
	}
	if !almostEqual(pos.AveragePrice, 99600, 0.01) {
		t.Errorf("average = %v, want 99600", pos.AveragePrice)
	}
	if fx.trader.lastEntryPrice != 98900 {
		t.Errorf("lastEntryPrice = %v, want the add price 98900", fx.trader.lastEntryPrice)
	}

	// Same price again: the rung is consumed, nothing fires.
	fx.cycle(t)
	if len(broker.adds) != 1 {
		t.Errorf("ScaleIn calls after repeat tick = %d, want still 1", len(broker.adds))
	}

	st, _ := fx.store.Load()
	if st == nil || !almostEqual(st.TotalPositionSize, 0.55, 1e-9) || st.ScaleInCount != 1 {
		t.Errorf("persisted state = %+v, want size 0.55 with count 1", st)
	}
}

func TestTraderScaleInBlockedByExposure(t *testing.T) {
	broker := &stubBroker{price: 98900, equity: 10000}
	fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())
	fx.seedPosition(t, 100000, 0.94, 3)

	fx.cycle(t)

	if len(broker.adds) != 0 {
		t.Errorf("ScaleIn calls = %d, want 0 at the capital cap", len(broker.adds))
	}
	if fx.trader.pos.ScaleInCount != 0 {
		t.Errorf("ScaleInCount = %d, want 0 after a blocked rung", fx.trader.pos.ScaleInCount)
	}
}

func TestTraderReviewAdd(t *testing.T) {
	broker := &stubBroker{price: 100500, equity: 10000}
	advisor := &stubAdvisor{review: AdvisorDecision{Decision: ActionAdd, SizeOrAmount: 0.10, Reasoning: "pocket held, add small"}}
	fx := newTestTrader(t, broker, advisor, neutralSentiment())
	fx.seedPosition(t, 100000, 0.35, 3)
	fx.armReview()

	fx.cycle(t)

	if advisor.reviewCalls != 1 {
		t.Fatalf("review calls = %d, want 1", advisor.reviewCalls)
	}
	if len(broker.adds) != 1 {
		t.Fatalf("ScaleIn calls = %d, want 1", len(broker.adds))
	}
	if add := broker.adds[0]; !almostEqual(add.fraction, 0.05, 1e-9) || add.leverage != 3 {
		t.Errorf("review add = %+v, want the 5%% per-review cap at the position's 3x", add)
	}
	if got := fx.trader.safety.AdjustmentsToday(time.Now()); got != 1 {
		t.Errorf("AdjustmentsToday = %d, want 1", got)
	}
	if !almostEqual(fx.trader.pos.AveragePrice, 100062.5, 0.01) {
		t.Errorf("average = %v, want 100062.5", fx.trader.pos.AveragePrice)
	}
	if fx.trader.lastReview.IsZero() {
		t.Error("review clock should advance")
	}
}

func TestTraderReviewReduce(t *testing.T) {
	t.Run("reduce in profit is capped and recorded", func(t *testing.T) {
		broker := &stubBroker{price: 103000, equity: 10000}
		advisor := &stubAdvisor{review: AdvisorDecision{Decision: ActionReduce, SizeOrAmount: 0.50, Reasoning: "trim into strength"}}
		fx := newTestTrader(t, broker, advisor, neutralSentiment())
		fx.seedPosition(t, 100000, 0.40, 3)
		fx.armReview()

		fx.cycle(t)

		if len(broker.closes) != 1 || !almostEqual(broker.closes[0], 0.20, 1e-9) {
			t.Fatalf("ClosePosition calls = %v, want one reduce at the 20%% cap", broker.closes)
		}
		if got := fx.trader.safety.AdjustmentsToday(time.Now()); got != 1 {
			t.Errorf("AdjustmentsToday = %d, want 1", got)
		}
		if fx.trader.pos == nil || !almostEqual(fx.trader.pos.Size, 0.32, 1e-9) {
			t.Errorf("position after reduce = %+v, want size 0.32", fx.trader.pos)
		}
	})

	t.Run("reduce at a loss is blocked", func(t *testing.T) {
		broker := &stubBroker{price: 99100, equity: 10000}
		advisor := &stubAdvisor{review: AdvisorDecision{Decision: ActionReduce, SizeOrAmount: 0.15, Reasoning: "nervous"}}
		fx := newTestTrader(t, broker, advisor, neutralSentiment())
		fx.seedPosition(t, 100000, 0.40, 3)
		fx.armReview()

		fx.cycle(t)

		if len(broker.closes) != 0 {
			t.Errorf("ClosePosition calls = %v, want none while under water", broker.closes)
		}
		if got := fx.trader.safety.AdjustmentsToday(time.Now()); got != 0 {
			t.Errorf("AdjustmentsToday = %d, want 0 for a blocked reduce", got)
		}
		if !strings.Contains(readReadableLog(t, fx.dir), "safety blocked review reduce") {
			t.Error("readable log should record the block")
		}
	})
}

func TestTraderReviewEmergencyExit(t *testing.T) {
	broker := &stubBroker{price: 99100, equity: 10000}
	advisor := &stubAdvisor{review: AdvisorDecision{Decision: ActionEmergencyExit, Reasoning: "structure broken below the pocket"}}
	fx := newTestTrader(t, broker, advisor, neutralSentiment())
	fx.seedPosition(t, 100000, 0.40, 3)
	fx.armReview()

	fx.cycle(t)

	if len(broker.closes) != 1 || broker.closes[0] != 1.0 {
		t.Fatalf("ClosePosition calls = %v, want one full close", broker.closes)
	}
	if fx.trader.pos != nil {
		t.Error("position should be gone after an emergency exit")
	}
	if got := fx.trader.safety.AdjustmentsToday(time.Now()); got != 0 {
		t.Errorf("AdjustmentsToday = %d, want 0 (emergencies are not adjustments)", got)
	}
	recs := decisionsByAction(t, fx.dir, "FULL_EXIT")
	if len(recs) != 1 || !strings.Contains(recs[0].Reasoning, "Emergency exit") {
		t.Errorf("exit records = %+v, want one with the emergency reasoning", recs)
	}
	st, _ := fx.store.Load()
	if st == nil || st.Position != nil || st.TotalPositionSize != 0 {
		t.Errorf("state after close = %+v, want a flat snapshot", st)
	}
}

func TestTraderLiquidationBufferExit(t *testing.T) {
	broker := &stubBroker{
		price:  99100,
		equity: 10000,
		position: &VenuePosition{
			Symbol:           "BTCUSDT",
			Side:             "LONG",
			Amount:           0.03,
			EntryPrice:       100000,
			Leverage:         3,
			LiquidationPrice: 75000,
		},
	}
	advisor := &stubAdvisor{review: AdvisorDecision{Decision: ActionAdd, SizeOrAmount: 0.05}}
	fx := newTestTrader(t, broker, advisor, neutralSentiment())
	fx.seedPosition(t, 100000, 0.40, 3)
	fx.armReview()

	fx.cycle(t)

	// (99100-75000)/99100 = 24.3%, under the 30% floor: the hard exit runs
	// before the advisor gets a say.
	if advisor.reviewCalls != 0 {
		t.Errorf("review calls = %d, want 0 when the buffer floor trips first", advisor.reviewCalls)
	}
	if len(broker.closes) != 1 || broker.closes[0] != 1.0 {
		t.Fatalf("ClosePosition calls = %v, want one full close", broker.closes)
	}
	recs := decisionsByAction(t, fx.dir, "FULL_EXIT")
	if len(recs) != 1 || !strings.Contains(recs[0].Reasoning, "Liquidation buffer") {
		t.Errorf("exit records = %+v, want the liquidation-buffer reason", recs)
	}
}

func TestTraderFibResistanceExit(t *testing.T) {
	broker := &stubBroker{price: 126100, equity: 10000}
	advisor := &stubAdvisor{exit: AdvisorDecision{Decision: ActionAdjust, SizeOrAmount: 0.5, Reasoning: "strong move, bank half"}}
	fx := newTestTrader(t, broker, advisor, neutralSentiment())
	fx.seedPosition(t, 100000, 0.50, 3)

	fx.cycle(t)

	if advisor.exitCalls != 1 {
		t.Fatalf("exit consultations = %d, want 1", advisor.exitCalls)
	}
	if !almostEqual(advisor.lastGainPct, 26.1, 0.01) {
		t.Errorf("gain handed to advisor = %v%%, want 26.1%%", advisor.lastGainPct)
	}
	if len(broker.closes) != 1 || broker.closes[0] != 0.5 {
		t.Fatalf("ClosePosition calls = %v, want one 50%% take", broker.closes)
	}
	if fx.trader.fibExitPrice != 126100 {
		t.Errorf("fibExitPrice = %v, want armed at 126100", fx.trader.fibExitPrice)
	}
	if !almostEqual(fx.trader.pos.Size, 0.25, 1e-9) {
		t.Errorf("remaining size = %v, want 0.25", fx.trader.pos.Size)
	}
	recs := decisionsByAction(t, fx.dir, "PARTIAL_EXIT")
	if len(recs) != 1 || !strings.Contains(recs[0].Reasoning, "Fibonacci resistance") {
		t.Errorf("exit records = %+v, want the resistance reason", recs)
	}
}

func TestTraderFibResistanceHold(t *testing.T) {
	broker := &stubBroker{price: 126100, equity: 10000}
	advisor := &stubAdvisor{exit: AdvisorDecision{Decision: ActionHold, Reasoning: "breakout forming, let it run"}}
	fx := newTestTrader(t, broker, advisor, neutralSentiment())
	fx.seedPosition(t, 100000, 0.50, 3)
	// This deep in profit every ladder rung has long since fired.
	fx.trader.profitHit = []bool{true, true, true}

	fx.cycle(t)

	if len(broker.closes) != 0 {
		t.Errorf("ClosePosition calls = %v, want none while the advisor holds", broker.closes)
	}
	if fx.trader.fibExitPrice != 0 {
		t.Errorf("fibExitPrice = %v, want unarmed after a hold", fx.trader.fibExitPrice)
	}
	if !strings.Contains(readReadableLog(t, fx.dir), "advisor holds") {
		t.Error("readable log should record the hold at resistance")
	}
}

func TestTraderFibRejectionClosesRemainder(t *testing.T) {
	broker := &stubBroker{price: 123500, equity: 10000}
	fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())
	fx.seedPosition(t, 100000, 0.25, 3)
	fx.trader.fibExitPrice = 126100

	fx.cycle(t)

	if len(broker.closes) != 1 || broker.closes[0] != 1.0 {
		t.Fatalf("ClosePosition calls = %v, want the full remainder", broker.closes)
	}
	if fx.trader.pos != nil {
		t.Error("position should be closed on the rejection")
	}
	if fx.trader.fibExitPrice != 0 {
		t.Errorf("fibExitPrice = %v, want cleared after the rejection", fx.trader.fibExitPrice)
	}
	recs := decisionsByAction(t, fx.dir, "FULL_EXIT")
	if len(recs) != 1 || !strings.Contains(recs[0].Reasoning, "Fibonacci rejection") {
		t.Errorf("exit records = %+v, want the rejection reason", recs)
	}
}

func TestTraderReEntryAfterResistanceExit(t *testing.T) {
	t.Run("armed exit price turns the pocket into a re-entry", func(t *testing.T) {
		broker := &stubBroker{price: 107300, equity: 10000}
		advisor := &stubAdvisor{}
		fx := newTestTrader(t, broker, advisor, neutralSentiment())
		fx.trader.eager = false
		fx.trader.fibExitPrice = 110000

		fx.cycle(t)

		if len(broker.entries) != 1 {
			t.Fatalf("EnterLong calls = %d, want 1", len(broker.entries))
		}
		if !strings.Contains(advisor.lastZone, "Re-entry") {
			t.Errorf("zone = %q, want the re-entry zone", advisor.lastZone)
		}
		if fx.trader.fibExitPrice != 0 {
			t.Errorf("fibExitPrice = %v, want disarmed by the new entry", fx.trader.fibExitPrice)
		}
	})

	t.Run("without the arm a single factor is not enough", func(t *testing.T) {
		broker := &stubBroker{price: 107300, equity: 10000}
		advisor := &stubAdvisor{}
		fx := newTestTrader(t, broker, advisor, neutralSentiment())
		fx.trader.eager = false

		fx.cycle(t)

		if advisor.entryCalls != 0 || len(broker.entries) != 0 {
			t.Errorf("calls/orders = %d/%d, want no action on one factor", advisor.entryCalls, len(broker.entries))
		}
	})
}

func TestTraderTrailingStop(t *testing.T) {
	broker := &stubBroker{price: 108000, equity: 10000}
	fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())
	fx.seedPosition(t, 100000, 0.40, 5)
	fx.trader.profitHit = []bool{true, true, true}

	fx.cycle(t)
	if len(broker.closes) != 0 {
		t.Fatalf("premature close at the high: %v", broker.closes)
	}
	if fx.trader.highestPrice != 108000 {
		t.Errorf("highestPrice = %v, want 108000", fx.trader.highestPrice)
	}

	// 5% off the high with ROE still above the arming threshold.
	broker.price = 102500
	fx.cycle(t)

	if len(broker.closes) != 1 || broker.closes[0] != 1.0 {
		t.Fatalf("ClosePosition calls = %v, want one full close", broker.closes)
	}
	if fx.trader.pos != nil {
		t.Error("position should be flat after the trailing stop")
	}
	recs := decisionsByAction(t, fx.dir, "FULL_EXIT")
	if len(recs) != 1 || !strings.Contains(recs[0].Reasoning, "Trailing stop") {
		t.Errorf("exit records = %+v, want the trailing reason", recs)
	}
}

func TestTraderProfitLadder(t *testing.T) {
	broker := &stubBroker{price: 105200, equity: 10000}
	fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())
	fx.seedPosition(t, 100000, 0.60, 3)

	fx.cycle(t)

	if len(broker.closes) != 1 || broker.closes[0] != 0.25 {
		t.Fatalf("ClosePosition calls = %v, want the first 25%% rung", broker.closes)
	}
	if !almostEqual(fx.trader.pos.Size, 0.45, 1e-9) {
		t.Errorf("size = %v, want 0.45", fx.trader.pos.Size)
	}
	wantHits := []bool{true, false, false}
	for i, want := range wantHits {
		if fx.trader.profitHit[i] != want {
			t.Errorf("profitHit[%d] = %v, want %v", i, fx.trader.profitHit[i], want)
		}
	}

	// The rung must not fire twice at the same gain.
	fx.cycle(t)
	if len(broker.closes) != 1 {
		t.Errorf("closes after repeat tick = %v, want still one", broker.closes)
	}

	recs := decisionsByAction(t, fx.dir, "PARTIAL_EXIT")
	if len(recs) != 1 || !strings.Contains(recs[0].Reasoning, "profit target") {
		t.Errorf("exit records = %+v, want the ladder reason", recs)
	}
}

func TestTraderInvalidationExit(t *testing.T) {
	broker := &stubBroker{price: 86000, equity: 10000}
	fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())
	fx.seedPosition(t, 100000, 0.40, 3)

	fx.cycle(t)

	if len(broker.closes) != 1 || broker.closes[0] != 1.0 {
		t.Fatalf("ClosePosition calls = %v, want one full close", broker.closes)
	}
	if fx.trader.pos != nil {
		t.Error("position should be flat after invalidation")
	}
	if len(broker.adds) != 0 {
		t.Error("the averaging ladder must not fire on an invalidated position")
	}
	recs := decisionsByAction(t, fx.dir, "FULL_EXIT")
	if len(recs) != 1 || !strings.Contains(recs[0].Reasoning, "Invalidation") {
		t.Errorf("exit records = %+v, want the invalidation reason", recs)
	}
}

func TestTraderShadowMode(t *testing.T) {
	fearful := SentimentSnapshot{FearGreed: 25, FundingRate: -0.002, LongShortRatio: 1.3}
	broker := &stubBroker{price: 107300, equity: 10000}
	advisor := &stubAdvisor{entry: AdvisorDecision{Decision: ActionApprove, SizeOrAmount: 0.40, Reasoning: "shadow run"}}
	fx := newTestTrader(t, broker, advisor, fearful)
	fx.trader.cfg.ShadowMode = true

	fx.cycle(t)

	if len(broker.entries) != 0 {
		t.Fatalf("EnterLong calls = %d, want 0 in shadow mode", len(broker.entries))
	}
	if fx.trader.pos == nil || fx.trader.pos.Size != 0.40 {
		t.Fatalf("mirror = %+v, want the shadow fill tracked", fx.trader.pos)
	}
	if st, _ := fx.store.Load(); st == nil || st.Position == nil {
		t.Error("state file should track shadow positions")
	}

	// Ride the shadow position into an invalidation exit; still no orders.
	fx.trader.lastReview = time.Now()
	broker.price = 86000
	fx.cycle(t)

	if len(broker.closes) != 0 {
		t.Errorf("ClosePosition calls = %v, want none in shadow mode", broker.closes)
	}
	if fx.trader.pos != nil {
		t.Error("shadow position should close on invalidation")
	}
	if recs := decisionsByAction(t, fx.dir, "FULL_EXIT"); len(recs) != 1 {
		t.Errorf("full-exit records = %d, want the shadow exit logged", len(recs))
	}
}

func TestTraderCadence(t *testing.T) {
	fx := newTestTrader(t, &stubBroker{}, &stubAdvisor{}, neutralSentiment())

	if got := fx.trader.cadence(); got != 5*time.Second {
		t.Errorf("eager cadence = %v, want 5s", got)
	}
	fx.trader.eager = false
	if got := fx.trader.cadence(); got != 30*time.Second {
		t.Errorf("idle cadence = %v, want 30s", got)
	}
	fx.seedPosition(t, 100000, 0.40, 3)
	if got := fx.trader.cadence(); got != 5*time.Second {
		t.Errorf("holding cadence = %v, want 5s", got)
	}
}

func TestTraderPriceSource(t *testing.T) {
	t.Run("rest fallback without a feed", func(t *testing.T) {
		broker := &stubBroker{price: 107300}
		fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())

		p, err := fx.trader.currentPrice(context.Background())
		if err != nil || p != 107300 {
			t.Errorf("currentPrice() = %v, %v, want 107300 from REST", p, err)
		}
	})

	t.Run("fresh stream price wins", func(t *testing.T) {
		broker := &stubBroker{price: 107300}
		fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())
		feed := newPriceFeed("wss://fstream.example.com/ws", "BTCUSDT", zerolog.Nop())
		feed.store(106900)
		fx.trader.feed = feed

		p, err := fx.trader.currentPrice(context.Background())
		if err != nil || p != 106900 {
			t.Errorf("currentPrice() = %v, %v, want the streamed 106900", p, err)
		}
		if broker.markCalls != 0 {
			t.Errorf("MarkPrice calls = %d, want 0 while the stream is fresh", broker.markCalls)
		}
	})

	t.Run("stale stream falls back to rest", func(t *testing.T) {
		broker := &stubBroker{price: 107300}
		fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())
		feed := newPriceFeed("wss://fstream.example.com/ws", "BTCUSDT", zerolog.Nop())
		feed.price = 106900
		feed.at = time.Now().Add(-time.Minute)
		fx.trader.feed = feed

		p, err := fx.trader.currentPrice(context.Background())
		if err != nil || p != 107300 {
			t.Errorf("currentPrice() = %v, %v, want the REST fallback", p, err)
		}
		if broker.markCalls != 1 {
			t.Errorf("MarkPrice calls = %d, want 1", broker.markCalls)
		}
	})

	t.Run("price failure aborts the cycle", func(t *testing.T) {
		fx := newTestTrader(t, &stubBroker{}, &stubAdvisor{}, neutralSentiment())

		err := fx.trader.runCycle(context.Background())
		if err == nil || !strings.Contains(err.Error(), "price") {
			t.Errorf("runCycle() error = %v, want a price error", err)
		}
	})
}

func TestTraderRestore(t *testing.T) {
	broker := &stubBroker{price: 107000, equity: 10000}
	fx := newTestTrader(t, broker, &stubAdvisor{}, neutralSentiment())

	fx.trader.Restore(nil)
	if fx.trader.pos != nil {
		t.Fatal("Restore(nil) must not invent a position")
	}

	pos, err := openPosition(107300, 0.55, 3, time.Now().UTC().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("openPosition() error = %v", err)
	}
	pos.AveragePrice = 106827.27
	pos.ScaleInCount = 1
	fx.trader.Restore(&recoveredState{Position: pos, LastEntryPrice: 106000})

	if fx.trader.pos == nil || fx.trader.pos.AveragePrice != 106827.27 {
		t.Fatalf("mirror = %+v, want the recovered average", fx.trader.pos)
	}
	if fx.trader.lastEntryPrice != 106000 {
		t.Errorf("lastEntryPrice = %v, want 106000", fx.trader.lastEntryPrice)
	}
	st, err := fx.store.Load()
	if err != nil || st == nil || st.Position == nil {
		t.Fatalf("state after restore: %+v, %v", st, err)
	}
	if st.TotalPositionSize != 0.55 || st.ScaleInCount != 1 {
		t.Errorf("state = size %v count %d, want 0.55/1", st.TotalPositionSize, st.ScaleInCount)
	}
	if recs := decisionsByAction(t, fx.dir, "RECOVERY"); len(recs) != 1 {
		t.Errorf("recovery records = %d, want 1", len(recs))
	}
}
