// FILE: sentiment.go
// Package main – Sentiment snapshot, size multipliers, and the CoinGlass feed.
//
// Sentiment shapes position size, never existence: the multiplier scales the
// configured base size inside [0.5x, 1.5x], and the validator bounds whatever
// comes out. Fetches go through a 5-minute cache so the provider is hit at
// most once per TTL; a failed refresh falls back to the last good snapshot
// (or neutral) and is never allowed to stall the trading loop.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Neutral defaults used whenever a field is missing or a fetch fails.
const (
	neutralFearGreed = 50.0
	neutralFunding   = 0.0
	neutralLSRatio   = 1.0
)

// SentimentSnapshot is one observation of market mood.
type SentimentSnapshot struct {
	FearGreed      float64 `json:"fearGreed"`      // 0-100 index
	FundingRate    float64 `json:"fundingRate"`    // signed fraction per interval
	LongShortRatio float64 `json:"longShortRatio"` // global account ratio
}

func neutralSentiment() SentimentSnapshot {
	return SentimentSnapshot{
		FearGreed:      neutralFearGreed,
		FundingRate:    neutralFunding,
		LongShortRatio: neutralLSRatio,
	}
}

// multiplier maps the snapshot to a position-size scaling factor. Three
// independent sub-multipliers are averaged (unweighted) and the mean is
// clamped to [0.5, 1.5]. Pure and total: any input yields a valid factor.
func (s SentimentSnapshot) multiplier() float64 {
	var fg float64
	switch {
	case s.FearGreed < 25: // extreme fear, contrarian add
		fg = 1.3
	case s.FearGreed < 40:
		fg = 1.1
	case s.FearGreed > 75: // extreme greed, cut back
		fg = 0.6
	default:
		fg = 1.0
	}

	var fr float64
	switch {
	case s.FundingRate < -0.01: // shorts paying heavily
		fr = 1.3
	case s.FundingRate < 0:
		fr = 1.1
	case s.FundingRate > 0.05: // longs overpaying, avoid
		fr = 0.5
	case s.FundingRate > 0.02:
		fr = 0.8
	default:
		fr = 1.0
	}

	var ls float64
	switch {
	case s.LongShortRatio > 2.0: // overcrowded longs
		ls = 0.8
	case s.LongShortRatio > 1.5:
		ls = 1.0
	case s.LongShortRatio < 0.8: // shorts dominant, contrarian
		ls = 1.2
	default:
		ls = 1.0
	}

	return clamp((fg+fr+ls)/3, 0.5, 1.5)
}

// exitTargetMultiplier scales the take-profit distance: greedy, crowded
// conditions pull targets closer, fearful ones push them further out.
func (s SentimentSnapshot) exitTargetMultiplier() float64 {
	switch {
	case s.FearGreed > 75 && s.FundingRate > 0.05:
		return 0.6
	case s.FearGreed > 60 && s.FundingRate > 0.02:
		return 0.8
	case s.FearGreed < 25 && s.FundingRate < -0.01:
		return 1.5
	case s.FearGreed < 40:
		return 1.2
	default:
		return 1.0
	}
}

// ---- provider boundary ----

// SentimentProvider fetches a fresh snapshot from the outside world.
type SentimentProvider interface {
	Fetch(ctx context.Context) (SentimentSnapshot, error)
}

// sentimentCache serves snapshots with a TTL in front of a provider.
// Reads inside the TTL never touch the network.
type sentimentCache struct {
	mu        sync.Mutex
	provider  SentimentProvider
	ttl       time.Duration
	snap      SentimentSnapshot
	fetchedAt time.Time
	log       zerolog.Logger
}

func newSentimentCache(p SentimentProvider, ttl time.Duration, log zerolog.Logger) *sentimentCache {
	return &sentimentCache{provider: p, ttl: ttl, snap: neutralSentiment(), log: log}
}

// Current returns the cached snapshot, refreshing it when the TTL lapsed.
// A failed refresh keeps serving the previous snapshot; failures are never
// cached, so the next call retries.
func (c *sentimentCache) Current(ctx context.Context) SentimentSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl {
		return c.snap
	}

	snap, err := c.provider.Fetch(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("[SENTIMENT] refresh failed, serving last known")
		return c.snap
	}
	c.snap = snap
	c.fetchedAt = time.Now()
	return c.snap
}

// ---- CoinGlass implementation ----

// coinglassProvider pulls fear/greed, global long-short ratio, and funding
// rate from the CoinGlass v4 API. Each field is fetched independently and
// degrades to its neutral default on its own, so one broken endpoint never
// blanks the whole snapshot.
type coinglassProvider struct {
	baseURL string
	apiKey  string
	symbol  string
	client  *http.Client
}

func newCoinglassProvider(baseURL, apiKey, symbol string) *coinglassProvider {
	return &coinglassProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		symbol:  symbol,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *coinglassProvider) Fetch(ctx context.Context) (SentimentSnapshot, error) {
	snap := neutralSentiment()

	var fgResp struct {
		Code string `json:"code"`
		Data struct {
			DataList []json.Number `json:"data_list"`
		} `json:"data"`
	}
	if err := p.getJSON(ctx, "/api/index/fear-greed-history", url.Values{"time_type": {"1"}}, &fgResp); err == nil &&
		fgResp.Code == "0" && len(fgResp.Data.DataList) > 0 {
		if v, err := fgResp.Data.DataList[0].Float64(); err == nil {
			snap.FearGreed = v
		}
	}

	var lsResp struct {
		Code string `json:"code"`
		Data struct {
			Data []struct {
				LongRatio json.Number `json:"long_ratio"`
			} `json:"data"`
		} `json:"data"`
	}
	lsParams := url.Values{"exchange": {"Binance"}, "symbol": {p.symbol}, "interval": {"4h"}, "limit": {"1"}}
	if err := p.getJSON(ctx, "/api/futures/global-long-short-account-ratio/history", lsParams, &lsResp); err == nil &&
		lsResp.Code == "0" && len(lsResp.Data.Data) > 0 {
		if v, err := lsResp.Data.Data[0].LongRatio.Float64(); err == nil {
			snap.LongShortRatio = v
		}
	}

	var frResp struct {
		Code string `json:"code"`
		Data struct {
			Data []struct {
				FundingRate json.Number `json:"funding_rate"`
			} `json:"data"`
		} `json:"data"`
	}
	frParams := url.Values{"exchange": {"Binance"}, "symbol": {p.symbol}, "interval": {"8h"}, "limit": {"1"}}
	if err := p.getJSON(ctx, "/api/futures/funding-rate/history", frParams, &frResp); err == nil &&
		frResp.Code == "0" && len(frResp.Data.Data) > 0 {
		if v, err := frResp.Data.Data[0].FundingRate.Float64(); err == nil {
			snap.FundingRate = v
		}
	}

	return snap, nil
}

func (p *coinglassProvider) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := p.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("CG-API-KEY", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("coinglass %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
