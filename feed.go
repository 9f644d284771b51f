// FILE: feed.go
// Package main – websocket mark-price feed.
//
// Subscribes to the venue's <symbol>@markPrice@1s stream and publishes the
// latest price through a small read-mostly snapshot. The trading loop treats
// the feed as advisory: when the stream is stale or down it falls back to the
// broker's REST mark price, so the feed never blocks or fails a cycle.

package main

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	feedReadTimeout    = 90 * time.Second
	feedReconnectDelay = 5 * time.Second
	feedStaleAfter     = 15 * time.Second
)

// markPriceEvent is the venue's markPriceUpdate payload (Binance futures wire format).
type markPriceEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

type priceFeed struct {
	url    string
	symbol string
	log    zerolog.Logger

	mu    sync.RWMutex
	price float64
	at    time.Time
}

func newPriceFeed(wsURL, symbol string, log zerolog.Logger) *priceFeed {
	return &priceFeed{
		url:    strings.TrimRight(wsURL, "/") + "/" + strings.ToLower(symbol) + "@markPrice@1s",
		symbol: symbol,
		log:    log,
	}
}

// Current returns the latest streamed price, or ok=false when the stream has
// not delivered anything within feedStaleAfter.
func (f *priceFeed) Current() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.price <= 0 || time.Since(f.at) > feedStaleAfter {
		return 0, false
	}
	return f.price, true
}

func (f *priceFeed) store(p float64) {
	f.mu.Lock()
	f.price = p
	f.at = time.Now()
	f.mu.Unlock()
}

// Run connects and reads until ctx is cancelled, reconnecting after any drop.
// Intended to run in its own goroutine.
func (f *priceFeed) Run(ctx context.Context) {
	for {
		if err := f.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn().Err(err).Msg("[FEED] stream dropped, reconnecting")
			IncStreamReconnectMetric()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(feedReconnectDelay):
		}
	}
}

func (f *priceFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	f.log.Info().Str("url", f.url).Msg("[FEED] mark price stream connected")

	// Unblock ReadMessage when the loop is shutting down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(feedReadTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev markPriceEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.EventType != "markPriceUpdate" {
			continue
		}
		p, err := strconv.ParseFloat(ev.MarkPrice, 64)
		if err != nil || p <= 0 {
			continue
		}
		f.store(p)
	}
}
