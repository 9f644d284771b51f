//go:build smoke

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"
)

func main() {
	symbol := flag.String("symbol", "BTCUSDT", "futures symbol, e.g. BTCUSDT")
	interval := flag.String("interval", "1h", "candle interval")
	limit := flag.Int("limit", 3, "candle limit")
	account := flag.Bool("account", false, "print collateral balance and exit")
	position := flag.Bool("position", false, "print open position and exit")
	book := flag.Bool("book", false, "print 24h volume and order book pressure")
	flag.Parse()

	// hard fail early if creds missing (same envs the bot uses)
	loadBotEnv()
	if os.Getenv("ASTER_API_KEY") == "" || os.Getenv("ASTER_API_SECRET") == "" {
		log.Fatal("ASTER_API_KEY/ASTER_API_SECRET must be set (put them in .env)")
	}

	cfg := loadConfigFromEnv()
	b := NewAsterBroker(cfg.AsterBaseURL, cfg.AsterAPIKey, cfg.AsterAPISecret,
		cfg.SolPriceUSD, componentLogger(newRootLogger(), "smoke"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *account {
		ai, err := b.AccountInfo(ctx)
		if err != nil {
			log.Fatalf("account error: %v", err)
		}
		fmt.Printf("collateral: %.6f %s (~$%.2f)\n", ai.CollateralQty, ai.CollateralAsset, ai.EquityUSD)
		return
	}

	if *position {
		vp, err := b.CurrentPosition(ctx, *symbol)
		if err != nil {
			log.Fatalf("position error: %v", err)
		}
		if vp == nil {
			fmt.Println("no open position")
			return
		}
		fmt.Printf("%s %s amt=%.6f entry=%.2f mark=%.2f uPnL=%.2f lev=%.1fx liq=%.2f\n",
			vp.Symbol, vp.Side, vp.Amount, vp.EntryPrice, vp.MarkPrice,
			vp.UnrealizedPnL, vp.Leverage, vp.LiquidationPrice)
		return
	}

	if *book {
		md, err := b.MarketData(ctx, *symbol)
		if err != nil {
			log.Fatalf("market data error: %v", err)
		}
		fmt.Printf("24h volume: %.2f base / $%.0f, trades=%d\n",
			md.Volume24hBase, md.Volume24hUSD, md.TradeCount)
		fmt.Printf("orderbook: imbalance=%+.1f%% pressure=%s\n",
			md.OrderbookImbalance, md.OrderbookPressure)
		return
	}

	price, err := b.MarkPrice(ctx, *symbol)
	if err != nil {
		log.Fatalf("mark price error: %v", err)
	}
	fmt.Printf("mark price: %.2f\n", price)

	cs, err := b.RecentCandles(ctx, *symbol, *interval, *limit)
	if err != nil {
		log.Fatalf("candles error: %v", err)
	}
	fmt.Printf("candles: %d\n", len(cs))
	for i, c := range cs {
		fmt.Printf("%d) %s O=%.2f H=%.2f L=%.2f C=%.2f V=%.6f\n",
			i, c.Time.UTC().Format("2006-01-02 15:04"), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
}
