// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes primary metrics the bot updates during operation:
//   • bot_orders_total{mode,side}            – Count of orders placed (mode: paper|live|shadow)
//   • bot_advisor_decisions_total{trigger,decision} – Advisor verdicts by trigger
//   • bot_advisor_fallbacks_total            – Advisor failures collapsed to HOLD
//   • bot_advisor_tokens_total{kind}         – API token usage (input|output)
//   • bot_equity_usd                         – Current equity snapshot (gauge)
//   • bot_position_*                         – Open position size/leverage/average price
//   • bot_capital_used / bot_notional_exposure – Exposure snapshot after each cycle
//   • bot_sentiment_*                        – Fear & Greed, funding, long/short, multiplier
//   • bot_exits_total{reason}                – Exits split by reason
//   • bot_scale_ins_total                    – Scale-in adds executed
//   • bot_safety_rejections_total{check}     – Proposals blocked by the hard validator
//   • bot_cycles_total / bot_cycle_errors_total – Loop health
//   • bot_state_save_failures_total          – Snapshot writes that failed after retry
//   • bot_price_stream_reconnects_total      – Websocket feed reconnects
//
// These are registered in init() and served by the HTTP handler started in main.go
// at /metrics (Prometheus text exposition format).

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	mtxAdvisorDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_advisor_decisions_total",
			Help: "Advisor verdicts by trigger and decision",
		},
		[]string{"trigger", "decision"},
	)

	mtxAdvisorFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_advisor_fallbacks_total",
			Help: "Advisor calls that failed and fell back to HOLD",
		},
	)

	mtxAdvisorTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_advisor_tokens_total",
			Help: "Advisor API token usage",
		},
		[]string{"kind"}, // input|output
	)

	mtxEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_equity_usd",
			Help: "Equity in USD",
		},
	)

	// Position gauges are zeroed when flat so dashboards show a clean baseline.
	mtxPositionSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_position_size",
			Help: "Open position size as a fraction of equity (0 when flat)",
		},
	)

	mtxPositionLeverage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_position_leverage",
			Help: "Effective leverage of the open position (0 when flat)",
		},
	)

	mtxPositionAvgPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_position_avg_price",
			Help: "Average entry price of the open position (0 when flat)",
		},
	)

	mtxPositionROI = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_position_roi",
			Help: "Leveraged return on the open position as a fraction (0 when flat)",
		},
	)

	mtxCapitalUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_capital_used",
			Help: "Capital in use as a fraction of equity",
		},
	)

	mtxNotional = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_notional_exposure",
			Help: "Notional exposure as a multiple of equity (size x leverage)",
		},
	)

	mtxAdjustmentsToday = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_adjustments_today",
			Help: "Position adjustments consumed against the daily cap",
		},
	)

	mtxFearGreed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_sentiment_fear_greed",
			Help: "Fear & Greed index (0-100)",
		},
	)

	mtxFundingRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_sentiment_funding_rate",
			Help: "Current funding rate",
		},
	)

	mtxLongShort = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_sentiment_long_short_ratio",
			Help: "Long/short account ratio",
		},
	)

	mtxSentimentMult = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_sentiment_multiplier",
			Help: "Combined sentiment sizing multiplier (0.5-1.5)",
		},
	)

	// Counts exits split by reason; reasons are things like profit_target,
	// trailing_stop, invalidation, fib_resistance, fib_rejection, advisor, emergency.
	mtxExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_exits_total",
			Help: "Total exits split by reason",
		},
		[]string{"reason"},
	)

	mtxScaleIns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_scale_ins_total",
			Help: "Scale-in adds executed",
		},
	)

	mtxSafetyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_safety_rejections_total",
			Help: "Proposals blocked by the hard validator, by check",
		},
		[]string{"check"}, // entry|add|reduce|exit|scale_in
	)

	mtxCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_cycles_total",
			Help: "Main loop cycles completed",
		},
	)

	mtxCycleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_cycle_errors_total",
			Help: "Main loop cycles aborted by an error",
		},
	)

	mtxStateSaveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_state_save_failures_total",
			Help: "State snapshot writes that failed after retry",
		},
	)

	mtxStreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_price_stream_reconnects_total",
			Help: "Websocket price stream reconnect attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxAdvisorDecisions, mtxAdvisorFallbacks, mtxAdvisorTokens)
	prometheus.MustRegister(mtxEquity, mtxPositionSize, mtxPositionLeverage, mtxPositionAvgPrice, mtxPositionROI)
	prometheus.MustRegister(mtxCapitalUsed, mtxNotional, mtxAdjustmentsToday)
	prometheus.MustRegister(mtxFearGreed, mtxFundingRate, mtxLongShort, mtxSentimentMult)
	prometheus.MustRegister(mtxExits, mtxScaleIns, mtxSafetyRejections)
	prometheus.MustRegister(mtxCycles, mtxCycleErrors, mtxStateSaveFailures, mtxStreamReconnects)
}

// Helper setters (optional use by other files; do not impact existing behavior)
func IncOrderMetric(mode, side string) { mtxOrders.WithLabelValues(mode, side).Inc() }

func IncAdvisorDecisionMetric(trigger, decision string) {
	mtxAdvisorDecisions.WithLabelValues(trigger, decision).Inc()
}

func IncAdvisorFallbackMetric() { mtxAdvisorFallbacks.Inc() }

func AddAdvisorTokensMetric(input, output int) {
	mtxAdvisorTokens.WithLabelValues("input").Add(float64(input))
	mtxAdvisorTokens.WithLabelValues("output").Add(float64(output))
}

func SetEquityMetric(usd float64) { mtxEquity.Set(usd) }

func SetPositionMetrics(p *Position, price float64) {
	if p == nil {
		mtxPositionSize.Set(0)
		mtxPositionLeverage.Set(0)
		mtxPositionAvgPrice.Set(0)
		mtxPositionROI.Set(0)
		mtxCapitalUsed.Set(0)
		mtxNotional.Set(0)
		return
	}
	mtxPositionSize.Set(p.Size)
	mtxPositionLeverage.Set(p.Leverage)
	mtxPositionAvgPrice.Set(p.AveragePrice)
	mtxPositionROI.Set(p.roiFraction(price))
	st := exposureOf(p)
	mtxCapitalUsed.Set(st.CapitalUsed)
	mtxNotional.Set(st.Notional)
}

func SetAdjustmentsTodayMetric(n int) { mtxAdjustmentsToday.Set(float64(n)) }

func SetSentimentMetrics(s SentimentSnapshot) {
	mtxFearGreed.Set(s.FearGreed)
	mtxFundingRate.Set(s.FundingRate)
	mtxLongShort.Set(s.LongShortRatio)
	mtxSentimentMult.Set(s.multiplier())
}

func IncExitMetric(reason string)         { mtxExits.WithLabelValues(reason).Inc() }
func IncScaleInMetric()                   { mtxScaleIns.Inc() }
func IncSafetyRejectionMetric(chk string) { mtxSafetyRejections.WithLabelValues(chk).Inc() }
func IncCycleMetric()                     { mtxCycles.Inc() }
func IncCycleErrorMetric()                { mtxCycleErrors.Inc() }
func IncStateSaveFailureMetric()          { mtxStateSaveFailures.Inc() }
func IncStreamReconnectMetric()           { mtxStreamReconnects.Inc() }
