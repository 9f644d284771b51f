// FILE: broker_paper.go
// Package main – In-memory paper broker (no external dependencies).
//
// This broker simulates execution against the latest known price. It's used
// for dry runs and tests; orders here never touch the exchange. Market data
// (candles, order book) is not simulated, callers degrade gracefully when
// those return errors.
//
// Methods mirror the Broker interface; SetPrice feeds the simulated mark.
package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const paperBootstrapPrice = 111500 // default mark before any price is seen

// PaperBroker keeps a single simulated position and a mutable mark price.
type PaperBroker struct {
	mu        sync.Mutex
	price     float64
	equityUSD float64
	pos       *VenuePosition
}

func NewPaperBroker(equityUSD float64) *PaperBroker {
	if equityUSD <= 0 {
		equityUSD = 10000
	}
	return &PaperBroker{equityUSD: equityUSD}
}

func (p *PaperBroker) Name() string { return "paper" }

// SetPrice updates the simulated mark price.
func (p *PaperBroker) SetPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if price > 0 {
		p.price = price
	}
}

func (p *PaperBroker) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.price <= 0 {
		p.price = paperBootstrapPrice
	}
	return p.price, nil
}

func (p *PaperBroker) AccountInfo(ctx context.Context) (AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return AccountInfo{CollateralAsset: "USD", CollateralQty: p.equityUSD, EquityUSD: p.equityUSD}, nil
}

func (p *PaperBroker) CurrentPosition(ctx context.Context, symbol string) (*VenuePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos == nil {
		return nil, nil
	}
	cp := *p.pos
	cp.MarkPrice = p.price
	cp.UnrealizedPnL = (p.price - cp.EntryPrice) * cp.Amount
	return &cp, nil
}

func (p *PaperBroker) EnterLong(ctx context.Context, symbol string, fraction, leverage, price float64) (*PlacedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos != nil {
		return nil, errors.New("paper position already open")
	}
	qty, _ := quantityFor(p.equityUSD, fraction, leverage, price).Float64()
	if qty <= 0 {
		return nil, errors.New("paper entry quantity rounds to zero")
	}
	p.price = price
	p.pos = &VenuePosition{
		Symbol:           symbol,
		Side:             "LONG",
		Amount:           qty,
		EntryPrice:       price,
		MarkPrice:        price,
		Leverage:         leverage,
		LiquidationPrice: price * (1 - 0.95/leverage),
	}
	return p.fill(symbol, SideBuy, qty, price), nil
}

func (p *PaperBroker) ScaleIn(ctx context.Context, symbol string, addFraction, newLeverage, price float64) (*PlacedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos == nil {
		return nil, errors.New("no paper position to scale into")
	}
	qty, _ := quantityFor(p.equityUSD, addFraction, newLeverage, price).Float64()
	if qty <= 0 {
		return nil, errors.New("paper scale-in quantity rounds to zero")
	}
	p.price = price
	oldAmt, oldEntry := p.pos.Amount, p.pos.EntryPrice
	newAmt := oldAmt + qty
	p.pos.EntryPrice = (oldAmt*oldEntry + qty*price) / newAmt
	p.pos.Amount = newAmt
	p.pos.Leverage = newLeverage
	p.pos.LiquidationPrice = p.pos.EntryPrice * (1 - 0.95/newLeverage)
	return p.fill(symbol, SideBuy, qty, price), nil
}

func (p *PaperBroker) ClosePosition(ctx context.Context, symbol string, fraction float64) (*PlacedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos == nil {
		return nil, errors.New("no paper position to close")
	}
	qty := p.pos.Amount * fraction
	if fraction >= 1.0 {
		qty = p.pos.Amount
		p.pos = nil
	} else {
		p.pos.Amount -= qty
	}
	return p.fill(symbol, SideSell, qty, p.price), nil
}

// RecentCandles is not simulated; bounce detection keeps its prior state.
func (p *PaperBroker) RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return nil, errors.New("candles not supported in paper mode")
}

// MarketData is not simulated; the advisor context carries UNKNOWN pressure.
func (p *PaperBroker) MarketData(ctx context.Context, symbol string) (MarketData, error) {
	return MarketData{OrderbookPressure: "UNKNOWN"}, errors.New("market data not supported in paper mode")
}

func (p *PaperBroker) fill(symbol string, side OrderSide, qty, price float64) *PlacedOrder {
	return &PlacedOrder{
		ID:         uuid.New().String(),
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		AvgPrice:   price,
		Status:     "FILLED",
		CreateTime: time.Now().UTC(),
	}
}
