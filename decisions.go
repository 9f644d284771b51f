// FILE: decisions.go
// Package main – Durable decision log: what the bot did, and why.
//
// Three artifacts per run directory:
//   • trading_decisions.json          – full structured history (JSON array)
//   • trading_decisions_readable.txt  – append-only human log
//   • decision_summary.md             – regenerated snapshot (position + last 10)
//
// The logger also keeps a position mirror so the summary can render without
// asking the trader; the trader passes authoritative numbers into every log
// call, the mirror never computes its own.
//
// Logging failures are warnings, not trade blockers.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DecisionRecord is one persisted decision. Fields are sparse; each action
// fills its own subset. Sizes and fractions are stored as fractions of
// capital (0.35 = 35%), prices in USD.
type DecisionRecord struct {
	Timestamp    time.Time          `json:"timestamp"`
	Action       string             `json:"action"`
	Price        float64            `json:"price,omitempty"`
	Size         float64            `json:"size,omitempty"`
	Leverage     float64            `json:"leverage,omitempty"`
	FibZone      string             `json:"fib_zone,omitempty"`
	Sentiment    *SentimentSnapshot `json:"sentiment_scores,omitempty"`
	Confluence   []string           `json:"confluence_factors,omitempty"`
	AddedSize    float64            `json:"added_size,omitempty"`
	NewTotalSize float64            `json:"new_total_size,omitempty"`
	NewLeverage  float64            `json:"new_leverage,omitempty"`
	Deviation    float64            `json:"deviation_from_entry,omitempty"`
	OldAverage   float64            `json:"old_average,omitempty"`
	NewAverage   float64            `json:"new_average,omitempty"`
	ExitFraction float64            `json:"exit_fraction,omitempty"`
	PnL          float64            `json:"pnl,omitempty"`
	PnLPercent   float64            `json:"pnl_percent,omitempty"`
	Reasoning    string             `json:"reasoning"`
	Details      string             `json:"details,omitempty"`
}

const (
	actionEntry       = "ENTRY"
	actionScaleIn     = "SCALE_IN"
	actionPartialExit = "PARTIAL_EXIT"
	actionFullExit    = "FULL_EXIT"
	actionRecovery    = "RECOVERY"
)

// loggedPosition is the logger's mirror of the open position.
type loggedPosition struct {
	Status       string
	EntryPrice   float64
	AveragePrice float64
	Size         float64
	Leverage     float64
	EntryTime    time.Time
	TotalPnL     float64
}

// DecisionLogger persists the decision history under one directory.
type DecisionLogger struct {
	mu           sync.Mutex
	decisionPath string
	readablePath string
	summaryPath  string
	decisions    []DecisionRecord
	position     *loggedPosition
	log          zerolog.Logger
}

func newDecisionLogger(dir string, log zerolog.Logger) (*DecisionLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	l := &DecisionLogger{
		decisionPath: filepath.Join(dir, "trading_decisions.json"),
		readablePath: filepath.Join(dir, "trading_decisions_readable.txt"),
		summaryPath:  filepath.Join(dir, "decision_summary.md"),
		log:          log,
	}
	if bs, err := os.ReadFile(l.decisionPath); err == nil {
		if err := json.Unmarshal(bs, &l.decisions); err != nil {
			return nil, fmt.Errorf("parse existing decision log: %w", err)
		}
	}
	return l, nil
}

// ---- log calls ----

// LogAnalysis records a market observation in the readable log only; the
// structured history would drown in them.
func (l *DecisionLogger) LogAnalysis(price float64, description string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendReadable(fmt.Sprintf("[%s] ANALYSIS price=$%.2f %s",
		time.Now().UTC().Format(time.RFC3339), price, description))
}

func (l *DecisionLogger) LogEntry(price, size, leverage float64, zone string, snap SentimentSnapshot, confluence []string, reasoning string) DecisionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	rec := DecisionRecord{
		Timestamp:  now,
		Action:     actionEntry,
		Price:      price,
		Size:       size,
		Leverage:   leverage,
		FibZone:    zone,
		Sentiment:  &snap,
		Confluence: confluence,
		Reasoning:  reasoning,
		Details:    fmt.Sprintf("Entered %.1f%% position @ %.0fx leverage at $%.2f", size*100, leverage, price),
	}
	l.position = &loggedPosition{
		Status:       "OPEN",
		EntryPrice:   price,
		AveragePrice: price,
		Size:         size,
		Leverage:     leverage,
		EntryTime:    now,
	}
	l.persist(rec)

	l.appendReadable(fmt.Sprintf(`%s
[%s] ENTRY
  Action: BUY %.1f%% @ %.0fx leverage
  Price: $%.2f
  Zone: %s
  Reasoning: %s
  Confluence: %s
%s`, strings.Repeat("=", 60), now.Format(time.RFC3339), size*100, leverage, price, zone,
		reasoning, strings.Join(confluence, ", "), strings.Repeat("=", 60)))
	l.writeSummary()
	return rec
}

func (l *DecisionLogger) LogScaleIn(price, addSize, newTotal, newLeverage, deviation, oldAvg, newAvg float64, reason string) DecisionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	rec := DecisionRecord{
		Timestamp:    now,
		Action:       actionScaleIn,
		Price:        price,
		AddedSize:    addSize,
		NewTotalSize: newTotal,
		NewLeverage:  newLeverage,
		Deviation:    deviation,
		OldAverage:   oldAvg,
		NewAverage:   newAvg,
		Reasoning:    fmt.Sprintf("Price moved %.1f%% from last entry. %s", deviation*100, reason),
		Details:      fmt.Sprintf("Added %.1f%% at $%.2f, new avg: $%.2f", addSize*100, price, newAvg),
	}
	if l.position != nil {
		l.position.Size = newTotal
		l.position.AveragePrice = newAvg
		l.position.Leverage = newLeverage
	}
	l.persist(rec)

	l.appendReadable(fmt.Sprintf(`[%s] SCALE IN
  Added: %.1f%% at $%.2f
  Reasoning: %s
  New position: %.1f%% @ $%.2f avg`, now.Format(time.RFC3339), addSize*100, price, rec.Reasoning, newTotal*100, newAvg))
	l.writeSummary()
	return rec
}

func (l *DecisionLogger) LogExit(price, exitFraction, remainingSize, pnl float64, reason, exitType string) DecisionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	action := actionPartialExit
	if exitType == "FULL" {
		action = actionFullExit
	}
	rec := DecisionRecord{
		Timestamp:    now,
		Action:       action,
		Price:        price,
		ExitFraction: exitFraction,
		PnL:          pnl,
		Reasoning:    reason,
		Details:      fmt.Sprintf("Exited %.0f%% of position at $%.2f for $%.2f", exitFraction*100, price, pnl),
	}
	if l.position != nil {
		rec.PnLPercent = (price - l.position.AveragePrice) / l.position.AveragePrice * 100
		if action == actionFullExit {
			l.position = nil
		} else {
			l.position.Size = remainingSize
			l.position.TotalPnL += pnl
		}
	}
	l.persist(rec)

	l.appendReadable(fmt.Sprintf(`[%s] %s EXIT
  Exited: %.0f%% at $%.2f
  P&L: $%.2f (%+.2f%%)
  Reasoning: %s`, now.Format(time.RFC3339), exitType, exitFraction*100, price, pnl, rec.PnLPercent, reason))
	l.writeSummary()
	return rec
}

// LogHold records a no-action decision in the readable log only.
func (l *DecisionLogger) LogHold(price float64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendReadable(fmt.Sprintf("[%s] HOLD price=$%.2f %s",
		time.Now().UTC().Format(time.RFC3339), price, reason))
}

// LogRecovery records a restart that picked up an existing position and
// resynchronizes the mirror so later scale/exit logs have a base to update.
func (l *DecisionLogger) LogRecovery(p *Position) DecisionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	rec := DecisionRecord{
		Timestamp: now,
		Action:    actionRecovery,
		Price:     p.AveragePrice,
		Size:      p.Size,
		Leverage:  p.Leverage,
		Reasoning: "Position recovered after bot restart",
		Details:   fmt.Sprintf("Bot restarted with existing position: %.1f%% @ $%.2f", p.Size*100, p.AveragePrice),
	}
	l.position = &loggedPosition{
		Status:       "OPEN",
		EntryPrice:   p.EntryPrice,
		AveragePrice: p.AveragePrice,
		Size:         p.Size,
		Leverage:     p.Leverage,
		EntryTime:    p.EntryTime,
	}
	l.persist(rec)

	l.appendReadable(fmt.Sprintf(`%s
[%s] POSITION RECOVERY
  Bot restarted with existing position
  Size: %.1f%%
  Average Price: $%.2f
%s`, strings.Repeat("=", 60), now.Format(time.RFC3339), p.Size*100, p.AveragePrice, strings.Repeat("=", 60)))
	l.writeSummary()
	return rec
}

// ---- persistence ----

func (l *DecisionLogger) persist(rec DecisionRecord) {
	l.decisions = append(l.decisions, rec)
	bs, err := json.MarshalIndent(l.decisions, "", "  ")
	if err != nil {
		l.log.Warn().Err(err).Msg("[DECISIONS] marshal failed")
		return
	}
	if err := os.WriteFile(l.decisionPath, bs, 0o644); err != nil {
		l.log.Warn().Err(err).Msg("[DECISIONS] write failed")
	}
}

func (l *DecisionLogger) appendReadable(message string) {
	f, err := os.OpenFile(l.readablePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.log.Warn().Err(err).Msg("[DECISIONS] readable log open failed")
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\n%s\n", message)
}

func (l *DecisionLogger) writeSummary() {
	var b strings.Builder
	b.WriteString("# Trading Bot Decision Log\n\n")
	fmt.Fprintf(&b, "**Last Updated**: %s\n\n", time.Now().UTC().Format("2006-01-02 15:04:05"))

	b.WriteString("## Current Position\n\n")
	if l.position != nil {
		fmt.Fprintf(&b, "- **Status**: %s\n", l.position.Status)
		fmt.Fprintf(&b, "- **Size**: %.1f%% @ %.0fx\n", l.position.Size*100, l.position.Leverage)
		fmt.Fprintf(&b, "- **Entry**: $%.2f\n", l.position.EntryPrice)
		fmt.Fprintf(&b, "- **Average**: $%.2f\n", l.position.AveragePrice)
		fmt.Fprintf(&b, "- **Realized P&L**: $%.2f\n\n", l.position.TotalPnL)
	} else {
		b.WriteString("No open position\n\n")
	}

	b.WriteString("## Recent Decisions (Last 10)\n\n")
	start := 0
	if len(l.decisions) > 10 {
		start = len(l.decisions) - 10
	}
	for i := len(l.decisions) - 1; i >= start; i-- {
		d := l.decisions[i]
		fmt.Fprintf(&b, "### %s\n", d.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(&b, "**Action**: %s\n", d.Action)
		fmt.Fprintf(&b, "**Reasoning**: %s\n", d.Reasoning)
		if d.Details != "" {
			fmt.Fprintf(&b, "**Details**: %s\n", d.Details)
		}
		b.WriteString("\n---\n\n")
	}

	if err := os.WriteFile(l.summaryPath, []byte(b.String()), 0o644); err != nil {
		l.log.Warn().Err(err).Msg("[DECISIONS] summary write failed")
	}
}

// ---- reporting ----

// PerformanceSummary aggregates the persisted history.
type PerformanceSummary struct {
	TotalTrades   int
	TotalExits    int
	TotalScaleIns int
	TotalPnL      float64
	WinRate       float64
	HasPosition   bool
}

func (l *DecisionLogger) Performance() PerformanceSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s PerformanceSummary
	var wins int
	for _, d := range l.decisions {
		switch d.Action {
		case actionEntry:
			s.TotalTrades++
		case actionScaleIn:
			s.TotalScaleIns++
		case actionPartialExit, actionFullExit:
			s.TotalExits++
			s.TotalPnL += d.PnL
			if d.PnL > 0 {
				wins++
			}
		}
	}
	if s.TotalExits > 0 {
		s.WinRate = float64(wins) / float64(s.TotalExits) * 100
	}
	s.HasPosition = l.position != nil
	return s
}

// ExportReport writes a single markdown report of the full history.
func (l *DecisionLogger) ExportReport(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	perf := PerformanceSummary{}
	var wins int
	for _, d := range l.decisions {
		switch d.Action {
		case actionEntry:
			perf.TotalTrades++
		case actionScaleIn:
			perf.TotalScaleIns++
		case actionPartialExit, actionFullExit:
			perf.TotalExits++
			perf.TotalPnL += d.PnL
			if d.PnL > 0 {
				wins++
			}
		}
	}
	if perf.TotalExits > 0 {
		perf.WinRate = float64(wins) / float64(perf.TotalExits) * 100
	}

	var b strings.Builder
	b.WriteString("# Trading Decision Log\n\n")
	b.WriteString("**Strategy**: Scale-in at Fibonacci retracements with sentiment confirmation\n\n")
	b.WriteString("## Performance Summary\n\n")
	fmt.Fprintf(&b, "- Total Trades: %d\n", perf.TotalTrades)
	fmt.Fprintf(&b, "- Scale-ins: %d\n", perf.TotalScaleIns)
	fmt.Fprintf(&b, "- Win Rate: %.1f%%\n", perf.WinRate)
	fmt.Fprintf(&b, "- Total P&L: $%.2f\n\n", perf.TotalPnL)
	b.WriteString("## Trading Decisions\n\n")
	for _, d := range l.decisions {
		switch d.Action {
		case actionEntry, actionScaleIn, actionPartialExit, actionFullExit:
			fmt.Fprintf(&b, "**%s**\n", d.Timestamp.Format(time.RFC3339))
			fmt.Fprintf(&b, "- Action: %s\n", d.Action)
			fmt.Fprintf(&b, "- Price: $%.2f\n", d.Price)
			fmt.Fprintf(&b, "- Reasoning: %s\n", d.Reasoning)
			if d.Action == actionPartialExit || d.Action == actionFullExit {
				fmt.Fprintf(&b, "- P&L: $%.2f\n", d.PnL)
			}
			b.WriteString("\n")
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
