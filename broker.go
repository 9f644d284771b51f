// FILE: broker.go
// Package main – Broker abstractions shared by all execution backends.
//
// This file defines the minimal interface the trading loop needs to talk to a
// futures venue (paper or real):
//   • Broker interface: mark price, account equity, position lookup,
//     fraction-based entry/scale/close, candles, market overview
//   • Common types: OrderSide, PlacedOrder, VenuePosition, AccountInfo,
//     MarketData
//
// Two concrete implementations live in separate files:
//   • broker_paper.go – in-memory paper broker (no external calls)
//   • broker_aster.go – signed HTTP client for the Aster futures API
//
// Sizing convention: entries and adds are expressed as a fraction of account
// equity (0.35 = 35%); the implementation converts to base quantity at the
// venue. Closes are a fraction of the live position.
package main

import (
	"context"
	"time"
)

// OrderSide is the side of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// PlacedOrder is a normalized view of a filled/placed market order.
type PlacedOrder struct {
	ID         string
	Symbol     string
	Side       OrderSide
	Qty        float64 // filled base quantity
	AvgPrice   float64 // average execution price
	Status     string
	CreateTime time.Time
}

// VenuePosition is the venue's view of an open position.
type VenuePosition struct {
	Symbol           string
	Side             string // LONG or SHORT
	Amount           float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnL    float64
	Leverage         float64
	LiquidationPrice float64
}

// AccountInfo is the collateral balance normalized to USD.
type AccountInfo struct {
	CollateralAsset string
	CollateralQty   float64
	EquityUSD       float64
}

// MarketData is the volume and order book overview passed to the advisor.
type MarketData struct {
	Volume24hBase      float64 `json:"volume_24h_btc"`
	Volume24hUSD       float64 `json:"volume_24h_usd"`
	TradeCount         int64   `json:"trade_count"`
	OrderbookImbalance float64 `json:"orderbook_imbalance"` // percent, positive favors bids
	OrderbookPressure  string  `json:"orderbook_pressure"`  // BUY, SELL, NEUTRAL, UNKNOWN
}

// Broker is the minimal surface the bot needs to operate on a futures venue.
type Broker interface {
	Name() string
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	AccountInfo(ctx context.Context) (AccountInfo, error)
	CurrentPosition(ctx context.Context, symbol string) (*VenuePosition, error)
	EnterLong(ctx context.Context, symbol string, fraction, leverage, price float64) (*PlacedOrder, error)
	ScaleIn(ctx context.Context, symbol string, addFraction, newLeverage, price float64) (*PlacedOrder, error)
	ClosePosition(ctx context.Context, symbol string, fraction float64) (*PlacedOrder, error)
	RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	MarketData(ctx context.Context, symbol string) (MarketData, error)
}
