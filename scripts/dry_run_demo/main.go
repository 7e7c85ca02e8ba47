package main

import (
	"context"
	"encoding/hex"
	"log"
	"os"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"whale-core/internal/order"
	"whale-core/internal/vault"
	"whale-core/pkg/config"
	"whale-core/pkg/crypto"
	"whale-core/pkg/db"
	"whale-core/pkg/exchanges/hyperliquid"
	"whale-core/pkg/i18n"
)

// dry_run_demo runs a few order flows through the real execution engine on a
// paper account. Prices come from the live exchange; nothing is signed or
// sent, and state lives in an in-memory database.
//
// Usage:
//
//	go run ./scripts/dry_run_demo
//
// It will:
//  1. Market BUY $500 of DEMO_COIN (default ETH), then close it.
//  2. Try a reduce-only SELL without a position to show the rejection.
//  3. Rest a post-only limit BUY 10% below mid and cancel it.
//  4. Print the operation log and the final paper balance.

const demoChat = 1

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	ctx := context.Background()
	coin := os.Getenv("DEMO_COIN")
	if coin == "" {
		coin = "ETH"
	}

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	secret, err := crypto.GenerateSecret()
	if err != nil {
		log.Fatalf("generate secret: %v", err)
	}
	keys, err := crypto.NewKeyManager(map[int][]byte{1: []byte(secret)})
	if err != nil {
		log.Fatalf("key manager: %v", err)
	}
	v, err := vault.New(database, keys, nil)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}
	demoKey, err := ethcrypto.GenerateKey()
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	address, err := v.Store(ctx, demoChat, hex.EncodeToString(ethcrypto.FromECDSA(demoKey)))
	if err != nil {
		log.Fatalf("store demo key: %v", err)
	}
	log.Printf("paper account %s", vault.Redact(address))

	balance, feeRate := cfg.DryRunMoney()
	paper := order.NewPaperGateway(hyperliquid.NewClient(hyperliquid.Config{
		BaseURL: cfg.ExchangeBaseURL,
		Testnet: cfg.Testnet,
		Timeout: cfg.ExchangeTimeout,
	}, nil), order.DryRunSimConfig{
		InitialBalance: balance,
		FeeRate:        feeRate,
		SlippageBps:    cfg.DryRunSlippageBps,
	}, nil)

	exec := order.NewExecutor(paper, v, database, nil, order.Options{
		InstanceID: "dry-run-demo",
		Language:   i18n.ParseLanguage(cfg.Language),
	})

	run := func(label string, in order.Intent) order.Result {
		res := exec.Execute(ctx, in, demoChat)
		if res.Success {
			log.Printf("[%s] OK: %s", label, res.Data)
		} else {
			log.Printf("[%s] FAILED (%s): %s", label, res.ErrorKind, res.Error)
		}
		return res
	}

	log.Printf("[SCENARIO 1] BUY then close on %s", coin)
	run("open", order.Intent{Kind: order.KindMarketOpen, Coin: coin, IsBuy: true, SizeUSD: decimal.NewFromInt(500)})
	run("close", order.Intent{Kind: order.KindMarketClose, Coin: coin})

	log.Println("[SCENARIO 2] reduce-only SELL without a position")
	run("reduce-only", order.Intent{Kind: order.KindLimitOrder, Coin: coin, SizeUSD: decimal.NewFromInt(100),
		LimitPrice: decimal.NewFromInt(1), ReduceOnly: true})

	log.Println("[SCENARIO 3] resting post-only BUY, then cancel")
	mid, err := paper.GetPrice(ctx, coin)
	if err != nil {
		log.Fatalf("price: %v", err)
	}
	placed := run("rest", order.Intent{Kind: order.KindLimitOrder, Coin: coin, IsBuy: true, SizeUSD: decimal.NewFromInt(200),
		LimitPrice: mid.Mul(decimal.RequireFromString("0.9")), TimeInForce: "ALO"})
	if placed.Order != nil {
		run("cancel", order.Intent{Kind: order.KindCancel, Coin: coin, OrderID: placed.Order.OrderID})
	}

	ops, err := database.ListOperations(ctx, demoChat, 20)
	if err != nil {
		log.Fatalf("operations: %v", err)
	}
	log.Printf("operation log (%d rows, newest first):", len(ops))
	for _, op := range ops {
		log.Printf("  %s %-12s %-5s size=%-10s success=%v %s", op.CreatedAt.Format("15:04:05.000"), op.Kind, op.Coin,
			op.Size, op.Success, op.ErrorKind)
	}

	bal, err := paper.GetBalance(ctx, address)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	log.Printf("final paper balance: %s (started at %s)", bal.AccountValue.StringFixed(2), balance.StringFixed(2))
	log.Println("=== DRY-RUN demo finished ===")
}
