// FILE: exposure.go
// Package main – Global exposure caps.
//
// The limiter answers one question: given what is already deployed, how
// much of a proposed trade fits? The clip order is load-bearing: the
// capital cap is applied first, and the notional cap is then rechecked
// against the *clipped* size, because clipping by capital changes the
// notional headroom.

package main

// ExposureLimits are the two global ceilings every trade must respect.
type ExposureLimits struct {
	MaxCapitalUsage  float64 // sum of position sizes, capital fraction
	MaxTotalNotional float64 // sum of size*leverage across fills
}

// ExposureState is derived from the open position; nothing here is stored.
type ExposureState struct {
	CapitalUsed float64
	Notional    float64
}

// exposureOf derives the current usage from the (possibly nil) position.
func exposureOf(p *Position) ExposureState {
	if p == nil {
		return ExposureState{}
	}
	return ExposureState{CapitalUsed: p.Size, Notional: p.notional()}
}

// Clip returns the largest size ≤ desired that keeps both caps satisfied,
// or 0 when no capacity remains.
func (l ExposureLimits) Clip(cur ExposureState, desiredSize, newLeverage float64) float64 {
	if desiredSize <= 0 {
		return 0
	}

	// Capital cap first.
	if cur.CapitalUsed+desiredSize > l.MaxCapitalUsage {
		desiredSize = l.MaxCapitalUsage - cur.CapitalUsed
		if desiredSize <= 0 {
			return 0
		}
	}

	// Notional cap recomputed on the clipped size.
	if newLeverage > 0 {
		newNotional := desiredSize * newLeverage
		if cur.Notional+newNotional > l.MaxTotalNotional {
			desiredSize = (l.MaxTotalNotional - cur.Notional) / newLeverage
			if desiredSize <= 0 {
				return 0
			}
		}
	}

	return desiredSize
}
