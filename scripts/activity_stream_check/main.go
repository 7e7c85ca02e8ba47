package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"whale-core/internal/vault"
	"whale-core/pkg/config"
	"whale-core/pkg/exchanges/hyperliquid"
	"whale-core/pkg/logger"
)

// activity_stream_check subscribes to userFills for the given wallets and
// logs every activity signal until interrupted. It exercises the same stream
// the monitor uses to trigger early polls.
//
// Usage:
//
//	CHECK_ADDRESSES=0xabc...,0xdef... go run ./scripts/activity_stream_check
func main() {
	log.Println("=== Activity stream check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	raw := os.Getenv("CHECK_ADDRESSES")
	if raw == "" {
		log.Fatalf("CHECK_ADDRESSES is required")
	}

	url := cfg.ExchangeWSURL
	if url == "" && cfg.Testnet {
		url = hyperliquid.TestnetWSURL
	}
	stream := hyperliquid.NewStream(url, func(address string) {
		zl.Info("activity", zap.String("address", vault.Redact(address)))
	}, zl)
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			stream.Subscribe(a)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := stream.Run(ctx); err != nil {
		log.Printf("stream stopped: %v", err)
	}
	log.Println("=== Activity stream check finished ===")
}
