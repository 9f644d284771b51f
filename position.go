// FILE: position.go
// Package main – Position state and averaging arithmetic.
//
// At most one Position exists per traded instrument. Size is a normalized
// fraction of account capital (0.35 = 35%), never a contract count. Every
// scale-in recomputes the capital-weighted average entry price and the
// capital-weighted leverage; leverage is never overwritten by the newest
// fill. All mutation goes through the Trader, which serializes access;
// these methods assume the caller holds that lock.

package main

import (
	"errors"
	"time"
)

// positionDust is the size below which a reduced position is considered
// fully closed. Keeps float remainders from leaving a phantom position.
const positionDust = 0.001

var (
	errNoPosition     = errors.New("no open position")
	errPositionExists = errors.New("position already open")
	errBadSize        = errors.New("position size must be positive")
	errBadPrice       = errors.New("price must be positive")
	errBadLeverage    = errors.New("leverage must be positive")
	errBadFraction    = errors.New("reduce fraction must be in (0, 1]")
)

// Position is the live position record.
type Position struct {
	EntryPrice   float64   `json:"entryPrice"`   // first fill
	AveragePrice float64   `json:"averagePrice"` // capital-weighted across scale-ins
	Size         float64   `json:"size"`         // capital fraction committed
	Leverage     float64   `json:"leverage"`     // capital-weighted multiplier
	ScaleInCount int       `json:"scaleInCount"`
	EntryTime    time.Time `json:"entryTime"`
}

// openPosition creates the Position for the first fill.
func openPosition(price, size, leverage float64, now time.Time) (*Position, error) {
	if price <= 0 {
		return nil, errBadPrice
	}
	if size <= 0 {
		return nil, errBadSize
	}
	if leverage <= 0 {
		return nil, errBadLeverage
	}
	return &Position{
		EntryPrice:   price,
		AveragePrice: price,
		Size:         size,
		Leverage:     leverage,
		ScaleInCount: 0,
		EntryTime:    now,
	}, nil
}

// scaleIn folds an additional fill into the position. The average price and
// leverage are both capital-weighted:
//
//	newAvg = (oldSize*oldAvg + addSize*price) / (oldSize + addSize)
//	newLev = (oldSize*oldLev + addSize*leverage) / (oldSize + addSize)
func (p *Position) scaleIn(price, addSize, leverage float64) error {
	if p == nil {
		return errNoPosition
	}
	if price <= 0 {
		return errBadPrice
	}
	if addSize <= 0 {
		return errBadSize
	}
	if leverage <= 0 {
		return errBadLeverage
	}
	newSize := p.Size + addSize
	p.AveragePrice = (p.Size*p.AveragePrice + addSize*price) / newSize
	p.Leverage = (p.Size*p.Leverage + addSize*leverage) / newSize
	p.Size = newSize
	p.ScaleInCount++
	return nil
}

// reduce shrinks the position by fraction of its current size. It reports
// closed=true when the remainder is dust, in which case the caller must
// drop its Position reference.
func (p *Position) reduce(fraction float64) (closed bool, err error) {
	if p == nil {
		return false, errNoPosition
	}
	if fraction <= 0 || fraction > 1 {
		return false, errBadFraction
	}
	p.Size -= p.Size * fraction
	if p.Size < positionDust {
		p.Size = 0
		return true, nil
	}
	return false, nil
}

// pnlFraction is the raw price return against the weighted average entry.
func (p *Position) pnlFraction(price float64) float64 {
	if p == nil || p.AveragePrice <= 0 {
		return 0
	}
	return (price - p.AveragePrice) / p.AveragePrice
}

// roiFraction is the leveraged return (ROE).
func (p *Position) roiFraction(price float64) float64 {
	if p == nil {
		return 0
	}
	return p.pnlFraction(price) * p.Leverage
}

// notional is the position's market exposure relative to account capital.
func (p *Position) notional() float64 {
	if p == nil {
		return 0
	}
	return p.Size * p.Leverage
}

// clone returns an independent copy, used for logger mirrors and snapshots.
func (p *Position) clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
