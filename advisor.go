// FILE: advisor.go
// Package main – Strategic advisor layer (Claude) with a fail-safe gateway.
//
// The advisor gets a briefing document, a JSON snapshot of the current
// situation, and one concrete question per trigger (entry signal, Fibonacci
// resistance, scheduled review). It must answer with a single JSON object;
// anything else is a parse failure.
//
// Fail-safe policy: ANY failure (transport, HTTP status, parse, unknown
// decision value) yields {HOLD, confidence 0}. The advisor can size and veto
// inside the safety envelope but can never widen it, and its absence never
// stops the loop.
//
// Every interaction is appended to a JSONL audit file with token usage.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AdvisorAction is the decision vocabulary the advisor may answer with.
type AdvisorAction string

const (
	ActionApprove       AdvisorAction = "APPROVE"
	ActionAdjust        AdvisorAction = "ADJUST"
	ActionReject        AdvisorAction = "REJECT"
	ActionHold          AdvisorAction = "HOLD"
	ActionAdd           AdvisorAction = "ADD"
	ActionReduce        AdvisorAction = "REDUCE"
	ActionEmergencyExit AdvisorAction = "EMERGENCY_EXIT"
)

func validAction(a AdvisorAction) bool {
	switch a {
	case ActionApprove, ActionAdjust, ActionReject, ActionHold, ActionAdd, ActionReduce, ActionEmergencyExit:
		return true
	}
	return false
}

// AdvisorDecision is the parsed answer.
type AdvisorDecision struct {
	Decision     AdvisorAction  `json:"decision"`
	SizeOrAmount float64        `json:"size_or_amount"`
	Reasoning    string         `json:"reasoning"`
	Confidence   float64        `json:"confidence"`
	DataSummary  map[string]any `json:"data_summary,omitempty"`
}

func fallbackDecision(reason string) AdvisorDecision {
	return AdvisorDecision{Decision: ActionHold, Reasoning: reason, Confidence: 0}
}

// AdvisorInputs is the situation snapshot shared by all triggers.
type AdvisorInputs struct {
	Price            float64
	Position         *Position
	Sentiment        SentimentSnapshot
	Market           MarketData
	RSI              float64 // 14-period hourly, 0 when unavailable
	AdjustmentsToday int
}

// Advisor is the decision surface the trader calls. Implementations never
// return errors; failures surface as the HOLD fallback.
type Advisor interface {
	ApproveEntry(ctx context.Context, in AdvisorInputs, zone string, confluence []string, proposedSize float64) AdvisorDecision
	ApproveExit(ctx context.Context, in AdvisorInputs, fibLevel, gainPct, roiPct float64) AdvisorDecision
	PeriodicReview(ctx context.Context, in AdvisorInputs) AdvisorDecision
}

// ---- context assembly ----

type marketStateContext struct {
	CurrentPrice       float64 `json:"current_price"`
	FearGreed          float64 `json:"fear_greed"`
	FundingRate        float64 `json:"funding_rate"`
	LSRatio            float64 `json:"ls_ratio"`
	Volume24hBase      float64 `json:"volume_24h_btc,omitempty"`
	Volume24hUSD       float64 `json:"volume_24h_usd,omitempty"`
	OrderbookImbalance float64 `json:"orderbook_imbalance,omitempty"`
	OrderbookPressure  string  `json:"orderbook_pressure,omitempty"`
	RSI14              float64 `json:"rsi_14,omitempty"`
}

type positionStateContext struct {
	HasPosition bool    `json:"has_position"`
	Size        float64 `json:"size"`
	AvgEntry    float64 `json:"avg_entry"`
	Leverage    float64 `json:"leverage"`
	PnLPct      float64 `json:"pnl_pct"`
	ROIPct      float64 `json:"roi_pct"`
}

type fibStateContext struct {
	CurrentZone       string  `json:"current_zone"`
	NearestSupport    float64 `json:"nearest_support"`
	NearestResistance float64 `json:"nearest_resistance"`
	InGoldenPocket    bool    `json:"in_golden_pocket"`
}

type advisorContext struct {
	Trigger          string               `json:"trigger"`
	Timestamp        string               `json:"timestamp"`
	MarketState      marketStateContext   `json:"market_state"`
	PositionState    positionStateContext `json:"position_state"`
	FibonacciLevels  fibStateContext      `json:"fibonacci_levels"`
	AdjustmentsToday int                  `json:"adjustments_today"`
	AlgoProposal     map[string]any       `json:"algo_proposal,omitempty"`
}

// ClaudeAdvisor talks to the Anthropic Messages API.
type ClaudeAdvisor struct {
	apiURL    string
	apiKey    string
	model     string
	briefing  string
	fib       FibMap
	hc        *http.Client
	log       zerolog.Logger
	auditPath string
	auditMu   sync.Mutex
}

const (
	anthropicDefaultURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion    = "2023-06-01"
	advisorMaxTokens    = 1024
	advisorTemperature  = 0.3
)

// defaultBriefing is used when no briefing file is configured. A real
// deployment ships a fuller document; this keeps the contract intact.
const defaultBriefing = `# TRADING SUPERVISOR BRIEFING

You are the strategic supervisor for a long-only BTC perpetual futures bot
trading the Fibonacci golden pocket. You approve, resize, or veto the
algorithm's proposals. Hard safety limits (size 25-75%, leverage max 5x,
capital and notional caps, 3 adjustments/day) are enforced after you and
cannot be widened. Prefer HOLD when the data is ambiguous.`

func NewClaudeAdvisor(apiURL, apiKey, model, briefingPath, auditPath string, fib FibMap, log zerolog.Logger) (*ClaudeAdvisor, error) {
	if strings.TrimSpace(apiURL) == "" {
		apiURL = anthropicDefaultURL
	}
	briefing := defaultBriefing
	if briefingPath != "" {
		bs, err := os.ReadFile(briefingPath)
		if err != nil {
			return nil, fmt.Errorf("read briefing %s: %w", briefingPath, err)
		}
		briefing = string(bs)
	}
	return &ClaudeAdvisor{
		apiURL:    apiURL,
		apiKey:    apiKey,
		model:     model,
		briefing:  briefing,
		fib:       fib,
		hc:        &http.Client{Timeout: 60 * time.Second},
		log:       log,
		auditPath: auditPath,
	}, nil
}

func (a *ClaudeAdvisor) buildContext(trigger string, in AdvisorInputs, proposal map[string]any) advisorContext {
	ms := marketStateContext{
		CurrentPrice:       in.Price,
		FearGreed:          in.Sentiment.FearGreed,
		FundingRate:        in.Sentiment.FundingRate,
		LSRatio:            in.Sentiment.LongShortRatio,
		Volume24hBase:      in.Market.Volume24hBase,
		Volume24hUSD:       in.Market.Volume24hUSD,
		OrderbookImbalance: in.Market.OrderbookImbalance,
		OrderbookPressure:  in.Market.OrderbookPressure,
		RSI14:              in.RSI,
	}
	ps := positionStateContext{}
	if in.Position != nil {
		ps = positionStateContext{
			HasPosition: true,
			Size:        in.Position.Size,
			AvgEntry:    in.Position.AveragePrice,
			Leverage:    in.Position.Leverage,
			PnLPct:      in.Position.pnlFraction(in.Price) * 100,
			ROIPct:      in.Position.roiFraction(in.Price) * 100,
		}
	}
	return advisorContext{
		Trigger:       trigger,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		MarketState:   ms,
		PositionState: ps,
		FibonacciLevels: fibStateContext{
			CurrentZone:       a.fib.Zone(in.Price),
			NearestSupport:    a.fib.NearestSupport(in.Price),
			NearestResistance: a.fib.NearestResistance(in.Price),
			InGoldenPocket:    a.fib.InAnyEntryBand(in.Price),
		},
		AdjustmentsToday: in.AdjustmentsToday,
		AlgoProposal:     proposal,
	}
}

// ---- triggers ----

func (a *ClaudeAdvisor) ApproveEntry(ctx context.Context, in AdvisorInputs, zone string, confluence []string, proposedSize float64) AdvisorDecision {
	actx := a.buildContext("ENTRY_SIGNAL", in, map[string]any{
		"action":             "ENTER",
		"zone":               zone,
		"confluence_factors": confluence,
		"proposed_size":      proposedSize,
	})
	question := fmt.Sprintf(`Algorithm detected entry opportunity at %s.
Confluence factors: %s
Proposed size: %.1f%%

Should we enter? If yes, what size (25-75%%)?

Consider:
- Is this a high-quality setup based on the data?
- Should we adjust size based on sentiment strength?
- Any reasons to reject or wait?`, zone, strings.Join(confluence, ", "), proposedSize*100)

	return a.ask(ctx, "ENTRY", actx, question)
}

func (a *ClaudeAdvisor) ApproveExit(ctx context.Context, in AdvisorInputs, fibLevel, gainPct, roiPct float64) AdvisorDecision {
	actx := a.buildContext("FIBONACCI_RESISTANCE", in, map[string]any{
		"action":   "TAKE_PROFIT",
		"level":    fibLevel,
		"gain_pct": gainPct,
		"roi_pct":  roiPct,
		"proposed": "Take 50% profit",
	})
	question := fmt.Sprintf(`Price has reached Fibonacci resistance at $%.0f.
Current gain: %+.2f%% price / %+.2f%% ROE

How much profit should we take? (25-100%%)

Consider:
- Is this a strong rejection or breakout forming?
- What does sentiment suggest about continuation?
- Should we use trailing stop instead?`, fibLevel, gainPct, roiPct)

	return a.ask(ctx, "EXIT", actx, question)
}

func (a *ClaudeAdvisor) PeriodicReview(ctx context.Context, in AdvisorInputs) AdvisorDecision {
	actx := a.buildContext("SCHEDULED_REVIEW", in, nil)

	var size, avg, roi float64
	if in.Position != nil {
		size = in.Position.Size
		avg = in.Position.AveragePrice
		roi = in.Position.roiFraction(in.Price) * 100
	}
	question := fmt.Sprintf(`Scheduled position review.

You can:
- ADD up to 5%% (if at Fibonacci level with strong setup)
- REDUCE up to 20%% (only while in profit)
- HOLD (most common - no action needed)
- EMERGENCY_EXIT (structural invalidation only)

Current situation:
- Price: $%.0f
- Position: %.1f%% of capital @ $%.0f avg
- P&L: %+.2f%% ROE

Should we take any action?`, in.Price, size*100, avg, roi)

	return a.ask(ctx, "REVIEW", actx, question)
}

// ---- transport / parsing ----

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ask runs one round trip: prompt assembly, API call, fence stripping,
// JSON parse, vocabulary check, audit append. Failures return the fallback.
func (a *ClaudeAdvisor) ask(ctx context.Context, trigger string, actx advisorContext, question string) AdvisorDecision {
	ctxJSON, err := json.MarshalIndent(actx, "", "  ")
	if err != nil {
		a.log.Error().Err(err).Msg("[ADVISOR] context marshal failed")
		IncAdvisorFallbackMetric()
		return fallbackDecision(fmt.Sprintf("context marshal failed: %v", err))
	}

	prompt := fmt.Sprintf(`%s

---

## CURRENT SITUATION

%s

---

## DECISION REQUIRED

%s

**Respond ONLY with valid JSON in this exact format:**

`+"```json"+`
{
    "decision": "APPROVE|ADJUST|REJECT|HOLD|ADD|REDUCE|EMERGENCY_EXIT",
    "size_or_amount": 0.35,
    "reasoning": "Detailed explanation referencing specific data points",
    "confidence": 0.85,
    "data_summary": {
        "fear_greed": 30,
        "funding": 0.0001,
        "ls_ratio": 1.0,
        "key_observation": "Your main insight"
    }
}
`+"```"+`

Do not include any text outside the JSON block.`, a.briefing, string(ctxJSON), question)

	text, usage, err := a.complete(ctx, prompt)
	if err != nil {
		a.log.Warn().Err(err).Str("trigger", trigger).Msg("[ADVISOR] call failed, falling back to HOLD")
		IncAdvisorFallbackMetric()
		return fallbackDecision(fmt.Sprintf("advisor unavailable: %v", err))
	}
	AddAdvisorTokensMetric(usage[0], usage[1])

	var decision AdvisorDecision
	if err := json.Unmarshal([]byte(stripFences(text)), &decision); err != nil {
		a.log.Warn().Err(err).Str("trigger", trigger).Msg("[ADVISOR] unparseable answer, falling back to HOLD")
		IncAdvisorFallbackMetric()
		return fallbackDecision(fmt.Sprintf("unparseable advisor answer: %v", err))
	}
	if !validAction(decision.Decision) {
		a.log.Warn().Str("decision", string(decision.Decision)).Str("trigger", trigger).Msg("[ADVISOR] unknown decision, falling back to HOLD")
		IncAdvisorFallbackMetric()
		return fallbackDecision(fmt.Sprintf("unknown advisor decision %q", decision.Decision))
	}

	a.audit(trigger, actx, decision, usage)
	IncAdvisorDecisionMetric(trigger, string(decision.Decision))
	a.log.Info().
		Str("trigger", trigger).
		Str("decision", string(decision.Decision)).
		Float64("confidence", decision.Confidence).
		Msg("[ADVISOR] decision received")
	return decision
}

func (a *ClaudeAdvisor) complete(ctx context.Context, prompt string) (string, [2]int, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       a.model,
		MaxTokens:   advisorMaxTokens,
		Temperature: advisorTemperature,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", [2]int{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", [2]int{}, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.hc.Do(req)
	if err != nil {
		return "", [2]int{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		xb, _ := io.ReadAll(resp.Body)
		return "", [2]int{}, fmt.Errorf("anthropic %d: %s", resp.StatusCode, string(xb))
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", [2]int{}, err
	}
	if len(parsed.Content) == 0 {
		return "", [2]int{}, fmt.Errorf("empty completion")
	}
	return parsed.Content[0].Text, [2]int{parsed.Usage.InputTokens, parsed.Usage.OutputTokens}, nil
}

// stripFences peels a markdown code fence off the answer, ```json first,
// then a bare fence.
func stripFences(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}

// audit appends one interaction to the JSONL audit file.
func (a *ClaudeAdvisor) audit(trigger string, actx advisorContext, decision AdvisorDecision, usage [2]int) {
	if a.auditPath == "" {
		return
	}
	entry := map[string]any{
		"id":        uuid.New().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"trigger":   trigger,
		"context":   actx,
		"decision":  decision,
		"api_usage": map[string]int{
			"input_tokens":  usage[0],
			"output_tokens": usage[1],
		},
	}
	bs, err := json.Marshal(entry)
	if err != nil {
		return
	}

	a.auditMu.Lock()
	defer a.auditMu.Unlock()
	f, err := os.OpenFile(a.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.log.Warn().Err(err).Msg("[ADVISOR] audit file open failed")
		return
	}
	defer f.Close()
	f.Write(append(bs, '\n'))
}
