package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"whale-core/pkg/config"
	"whale-core/pkg/exchanges/common"
	"whale-core/pkg/exchanges/hyperliquid"
)

// trading_api_check queries the read side of the Hyperliquid adapter so the
// wiring can be verified without a key.
//
// Usage:
//
//	go run ./scripts/trading_api_check
//
// Environment (besides the usual config keys):
//
//	CHECK_COINS    comma separated coins, default "BTC,ETH"
//	CHECK_ADDRESS  optional wallet whose account state and last day of fills are printed

func main() {
	log.Println("=== Trading API check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	client := hyperliquid.NewClient(hyperliquid.Config{
		BaseURL:   cfg.ExchangeBaseURL,
		Testnet:   cfg.Testnet,
		Timeout:   cfg.ExchangeTimeout,
		Slippage:  decimal.NewFromFloat(cfg.MarketSlippage),
		RateLimit: cfg.ExchangeRateLimit,
		RateBurst: cfg.ExchangeRateBurst,
	}, nil)

	coins := strings.Split(getenv("CHECK_COINS", "BTC,ETH"), ",")
	for _, coin := range coins {
		checkCoin(client, strings.TrimSpace(coin))
	}

	if address := os.Getenv("CHECK_ADDRESS"); address != "" {
		checkAccount(client, address)
	} else {
		log.Println("[ACCOUNT] CHECK_ADDRESS empty, skipping account checks")
	}

	log.Println("=== Trading API check finished ===")
}

func checkCoin(c *hyperliquid.Client, coin string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mid, err := c.GetPrice(ctx, coin)
	if err != nil {
		log.Printf("[%s] GetPrice error: %v", coin, err)
		return
	}
	asset, err := c.GetAsset(ctx, coin)
	if err != nil {
		log.Printf("[%s] GetAsset error: %v", coin, err)
		return
	}
	usd := decimal.NewFromInt(100)
	size := asset.RoundSize(usd.Div(mid))
	log.Printf("[%s] mid=%s asset=%d szDecimals=%d maxLeverage=%d $100=%s %s",
		coin, mid, asset.Index, asset.SzDecimals, asset.MaxLeverage, size, coin)
}

func checkAccount(c *hyperliquid.Client, address string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bal, err := c.GetBalance(ctx, address)
	if err != nil {
		log.Printf("[ACCOUNT] GetBalance error: %v", err)
	} else {
		log.Printf("[ACCOUNT] accountValue=%s marginUsed=%s withdrawable=%s",
			bal.AccountValue, bal.TotalMarginUsed, bal.Withdrawable)
	}

	positions, err := c.GetPositions(ctx, address)
	if err != nil {
		log.Printf("[ACCOUNT] GetPositions error: %v", err)
	} else {
		for _, p := range positions {
			log.Printf("[ACCOUNT] position %s size=%s entry=%s upnl=%s", p.Coin, p.Size, p.EntryPrice, p.UnrealizedPnl)
		}
	}

	orders, err := c.GetOpenOrders(ctx, address)
	if err != nil {
		log.Printf("[ACCOUNT] GetOpenOrders error: %v", err)
	} else {
		log.Printf("[ACCOUNT] open orders=%d", len(orders))
	}

	since := common.Cursor{Time: time.Now().Add(-24 * time.Hour).UnixMilli()}
	fills, err := c.GetFillsSince(ctx, address, since)
	if err != nil {
		log.Printf("[ACCOUNT] GetFillsSince error: %v", err)
		return
	}
	log.Printf("[ACCOUNT] fills in the last 24h=%d", len(fills))
	for i, f := range fills {
		if i >= 5 {
			break
		}
		log.Printf("[ACCOUNT] fill %s %s %s @ %s tid=%d", f.Coin, f.Side, f.Size, f.Price, f.TID)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
