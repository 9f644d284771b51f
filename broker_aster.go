// FILE: broker_aster.go
// Package main – Signed HTTP client for the Aster futures API.
//
// Aster speaks the Binance-futures dialect: HMAC-SHA256 over the query
// string, millisecond timestamp, signature appended last, API key in the
// X-MBX-APIKEY header. Market data endpoints (klines, ticker, depth) are
// public and go unsigned.
//
// Collateral is held in SOL; equity is normalized to USD with a configured
// SOL price so fraction-of-account sizing works. Base quantities are rounded
// to 3 decimals, the venue's BTCUSDT step.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	asterDefaultBase = "https://fapi.asterdex.com"
	// public spot fallback when the venue ticker is unreachable
	binanceSpotTicker = "https://api.binance.com/api/v3/ticker/price"
	qtyDecimals       = 3
)

// AsterBroker executes real orders on Aster perpetual futures.
type AsterBroker struct {
	base        string
	apiKey      string
	apiSecret   string
	solPriceUSD float64
	hc          *http.Client
	log         zerolog.Logger
}

func NewAsterBroker(base, apiKey, apiSecret string, solPriceUSD float64, log zerolog.Logger) *AsterBroker {
	if strings.TrimSpace(base) == "" {
		base = asterDefaultBase
	}
	return &AsterBroker{
		base:        strings.TrimRight(base, "/"),
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		solPriceUSD: solPriceUSD,
		hc:          &http.Client{Timeout: 15 * time.Second},
		log:         log,
	}
}

func (b *AsterBroker) Name() string { return "aster" }

// ---- request plumbing ----

func (b *AsterBroker) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedRequest sends an authenticated request; params may be nil.
func (b *AsterBroker) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	query += "&signature=" + b.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, b.base+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	return b.do(req, path, out)
}

// publicRequest sends an unsigned request to a market-data endpoint.
func (b *AsterBroker) publicRequest(ctx context.Context, rawURL string, params url.Values, out any) error {
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return b.do(req, rawURL, out)
}

func (b *AsterBroker) do(req *http.Request, what string, out any) error {
	resp, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		xb, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("aster %s %d: %s", what, resp.StatusCode, string(xb))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// pf parses the string-encoded numbers the venue returns; empty or bad
// values read as 0.
func pf(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// ---- market data ----

func (b *AsterBroker) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	var t struct {
		LastPrice string `json:"lastPrice"`
	}
	err := b.publicRequest(ctx, b.base+"/fapi/v1/ticker/24hr", url.Values{"symbol": {symbol}}, &t)
	if err == nil && pf(t.LastPrice) > 0 {
		return pf(t.LastPrice), nil
	}
	b.log.Warn().Err(err).Msg("[ASTER] ticker failed, trying spot fallback")

	var s struct {
		Price string `json:"price"`
	}
	if ferr := b.publicRequest(ctx, binanceSpotTicker, url.Values{"symbol": {symbol}}, &s); ferr == nil && pf(s.Price) > 0 {
		return pf(s.Price), nil
	}
	if err == nil {
		err = fmt.Errorf("ticker returned no price")
	}
	return 0, fmt.Errorf("mark price %s: %w", symbol, err)
}

func (b *AsterBroker) RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	var rows [][]any
	if err := b.publicRequest(ctx, b.base+"/fapi/v1/klines", params, &rows); err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}

	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		// [openTime, open, high, low, close, volume, ...]
		if len(r) < 6 {
			continue
		}
		ms, _ := r[0].(float64)
		c := Candle{Time: time.UnixMilli(int64(ms)).UTC()}
		if s, ok := r[1].(string); ok {
			c.Open = pf(s)
		}
		if s, ok := r[2].(string); ok {
			c.High = pf(s)
		}
		if s, ok := r[3].(string); ok {
			c.Low = pf(s)
		}
		if s, ok := r[4].(string); ok {
			c.Close = pf(s)
		}
		if s, ok := r[5].(string); ok {
			c.Volume = pf(s)
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *AsterBroker) MarketData(ctx context.Context, symbol string) (MarketData, error) {
	var md MarketData
	md.OrderbookPressure = "UNKNOWN"

	var ticker struct {
		Volume      string `json:"volume"`
		QuoteVolume string `json:"quoteVolume"`
		Count       int64  `json:"count"`
	}
	if err := b.publicRequest(ctx, b.base+"/fapi/v1/ticker/24hr", url.Values{"symbol": {symbol}}, &ticker); err != nil {
		return md, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	md.Volume24hBase = pf(ticker.Volume)
	md.Volume24hUSD = pf(ticker.QuoteVolume)
	md.TradeCount = ticker.Count

	var depth struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	params := url.Values{"symbol": {symbol}, "limit": {"20"}}
	if err := b.publicRequest(ctx, b.base+"/fapi/v1/depth", params, &depth); err != nil {
		return md, fmt.Errorf("depth %s: %w", symbol, err)
	}

	var bids, asks float64
	for i, lvl := range depth.Bids {
		if i >= 10 || len(lvl) < 2 {
			break
		}
		bids += pf(lvl[1])
	}
	for i, lvl := range depth.Asks {
		if i >= 10 || len(lvl) < 2 {
			break
		}
		asks += pf(lvl[1])
	}
	if total := bids + asks; total > 0 {
		md.OrderbookImbalance = (bids - asks) / total * 100
	}
	switch {
	case md.OrderbookImbalance > 10:
		md.OrderbookPressure = "BUY"
	case md.OrderbookImbalance < -10:
		md.OrderbookPressure = "SELL"
	default:
		md.OrderbookPressure = "NEUTRAL"
	}
	return md, nil
}

// ---- account / position ----

func (b *AsterBroker) AccountInfo(ctx context.Context) (AccountInfo, error) {
	var balances []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := b.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, &balances); err != nil {
		return AccountInfo{}, err
	}
	for _, bal := range balances {
		if bal.Asset == "SOL" {
			qty := pf(bal.Balance)
			return AccountInfo{
				CollateralAsset: "SOL",
				CollateralQty:   qty,
				EquityUSD:       qty * b.solPriceUSD,
			}, nil
		}
	}
	return AccountInfo{}, fmt.Errorf("no SOL collateral balance found")
}

func (b *AsterBroker) CurrentPosition(ctx context.Context, symbol string) (*VenuePosition, error) {
	var positions []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnrealizedPnL    string `json:"unRealizedProfit"`
		UnrealizedPnLAlt string `json:"unrealizedProfit"`
		Leverage         string `json:"leverage"`
		LiquidationPrice string `json:"liquidationPrice"`
	}
	if err := b.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{"symbol": {symbol}}, &positions); err != nil {
		return nil, err
	}
	for _, p := range positions {
		amt := pf(p.PositionAmt)
		if p.Symbol != symbol || amt == 0 {
			continue
		}
		side := "LONG"
		if amt < 0 {
			side = "SHORT"
		}
		pnl := p.UnrealizedPnL
		if pnl == "" {
			pnl = p.UnrealizedPnLAlt
		}
		return &VenuePosition{
			Symbol:           p.Symbol,
			Side:             side,
			Amount:           abs(amt),
			EntryPrice:       pf(p.EntryPrice),
			MarkPrice:        pf(p.MarkPrice),
			UnrealizedPnL:    pf(pnl),
			Leverage:         pf(p.Leverage),
			LiquidationPrice: pf(p.LiquidationPrice),
		}, nil
	}
	return nil, nil
}

func (b *AsterBroker) setLeverage(ctx context.Context, symbol string, leverage float64) error {
	params := url.Values{
		"symbol":   {symbol},
		"leverage": {strconv.Itoa(int(leverage))},
	}
	if err := b.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, nil); err != nil {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	b.log.Info().Str("symbol", symbol).Float64("leverage", leverage).Msg("[ASTER] leverage set")
	return nil
}

// quantityFor converts a fraction of equity at leverage into a base quantity
// rounded to the venue step.
func quantityFor(equityUSD, fraction, leverage, price float64) decimal.Decimal {
	if price <= 0 {
		return decimal.Zero
	}
	notional := decimal.NewFromFloat(equityUSD).
		Mul(decimal.NewFromFloat(fraction)).
		Mul(decimal.NewFromFloat(leverage))
	return notional.Div(decimal.NewFromFloat(price)).Round(qtyDecimals)
}

func (b *AsterBroker) placeMarketOrder(ctx context.Context, symbol string, side OrderSide, qty decimal.Decimal, reduceOnly bool) (*PlacedOrder, error) {
	params := url.Values{
		"symbol":   {symbol},
		"side":     {string(side)},
		"type":     {"MARKET"},
		"quantity": {qty.String()},
	}
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := b.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &resp); err != nil {
		return nil, err
	}

	filled := pf(resp.ExecutedQty)
	if filled == 0 {
		filled, _ = qty.Float64()
	}
	order := &PlacedOrder{
		ID:         strconv.FormatInt(resp.OrderID, 10),
		Symbol:     symbol,
		Side:       side,
		Qty:        filled,
		AvgPrice:   pf(resp.AvgPrice),
		Status:     resp.Status,
		CreateTime: time.Now().UTC(),
	}
	b.log.Info().
		Str("order_id", order.ID).
		Str("side", string(side)).
		Str("qty", qty.String()).
		Str("status", order.Status).
		Msg("[ASTER] market order placed")
	return order, nil
}

// ---- Broker operations ----

func (b *AsterBroker) EnterLong(ctx context.Context, symbol string, fraction, leverage, price float64) (*PlacedOrder, error) {
	if err := b.setLeverage(ctx, symbol, leverage); err != nil {
		return nil, err
	}
	acct, err := b.AccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}
	qty := quantityFor(acct.EquityUSD, fraction, leverage, price)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("entry quantity rounds to zero (equity $%.2f, fraction %.2f)", acct.EquityUSD, fraction)
	}
	return b.placeMarketOrder(ctx, symbol, SideBuy, qty, false)
}

func (b *AsterBroker) ScaleIn(ctx context.Context, symbol string, addFraction, newLeverage, price float64) (*PlacedOrder, error) {
	if err := b.setLeverage(ctx, symbol, newLeverage); err != nil {
		return nil, err
	}
	acct, err := b.AccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}
	qty := quantityFor(acct.EquityUSD, addFraction, newLeverage, price)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("scale-in quantity rounds to zero (equity $%.2f, fraction %.2f)", acct.EquityUSD, addFraction)
	}
	return b.placeMarketOrder(ctx, symbol, SideBuy, qty, false)
}

func (b *AsterBroker) ClosePosition(ctx context.Context, symbol string, fraction float64) (*PlacedOrder, error) {
	pos, err := b.CurrentPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("no open %s position to close", symbol)
	}
	qty := decimal.NewFromFloat(pos.Amount).
		Mul(decimal.NewFromFloat(fraction)).
		Round(qtyDecimals)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("close quantity rounds to zero (amount %.3f, fraction %.2f)", pos.Amount, fraction)
	}
	side := SideSell
	if pos.Side == "SHORT" {
		side = SideBuy
	}
	return b.placeMarketOrder(ctx, symbol, side, qty, true)
}
