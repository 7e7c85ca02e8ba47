package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"whale-core/internal/api"
	"whale-core/internal/events"
	"whale-core/internal/monitor"
	"whale-core/internal/notify"
	"whale-core/internal/order"
	"whale-core/internal/vault"
	"whale-core/pkg/config"
	"whale-core/pkg/crypto"
	"whale-core/pkg/db"
	"whale-core/pkg/exchanges/common"
	"whale-core/pkg/exchanges/hyperliquid"
	"whale-core/pkg/i18n"
	"whale-core/pkg/instance"
	"whale-core/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "whale-core: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	lang := i18n.ParseLanguage(cfg.Language)
	i18n.SetLanguage(lang)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	instanceID := instance.ID()
	log.Info("starting whale-core",
		zap.String("version", buildVersion),
		zap.String("instance_id", instanceID),
		zap.Stringer("config", cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credential vault master keys
	secrets, err := cfg.ResolveMasterSecrets(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve master secrets: %w", err)
	}
	keys, err := crypto.NewKeyManager(secrets)
	for _, s := range secrets {
		crypto.Zero(s)
	}
	if err != nil {
		return fmt.Errorf("init key manager: %w", err)
	}
	log.Info("key manager ready", zap.Int("current_version", keys.CurrentVersion()), zap.Ints("versions", keys.Versions()))

	// State store
	if err := ensureDir(cfg.DBPath); err != nil {
		return err
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("database ready", zap.String("path", cfg.DBPath))

	// Exchange adapter
	client := hyperliquid.NewClient(hyperliquid.Config{
		BaseURL:   cfg.ExchangeBaseURL,
		Testnet:   cfg.Testnet,
		Timeout:   cfg.ExchangeTimeout,
		Slippage:  decimal.NewFromFloat(cfg.MarketSlippage),
		RateLimit: cfg.ExchangeRateLimit,
		RateBurst: cfg.ExchangeRateBurst,
	}, log)
	var gateway common.Gateway = client
	if cfg.DryRun {
		balance, feeRate := cfg.DryRunMoney()
		gateway = order.NewPaperGateway(client, order.DryRunSimConfig{
			InitialBalance:      balance,
			FeeRate:             feeRate,
			SlippageBps:         cfg.DryRunSlippageBps,
			GatewayLatencyMinMs: cfg.DryRunLatencyMin,
			GatewayLatencyMaxMs: cfg.DryRunLatencyMax,
		}, log)
		log.Warn("dry run enabled: orders are simulated", zap.String("balance", balance.String()))
	}

	keyVault, err := vault.New(database, keys, log)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	if rotated, err := keyVault.Rotate(ctx); err != nil {
		log.Error("credential rotation failed", zap.Error(err))
	} else if rotated > 0 {
		log.Info("credentials re-encrypted", zap.Int("count", rotated), zap.Int("version", keys.CurrentVersion()))
	}

	// Execution engine
	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	executor := order.NewExecutor(gateway, keyVault, database, log, order.Options{
		CallTimeout: cfg.ExchangeTimeout,
		InstanceID:  instanceID,
		Language:    lang,
		Bus:         bus,
		Metrics:     metrics,
	})
	async := order.NewAsyncExecutor(executor, cfg.ExecutorWorkers, cfg.ExecutorQueue)
	defer async.Close()

	// Wallet monitor
	threshold, err := cfg.DefaultThreshold()
	if err != nil {
		return err
	}
	var opts []monitor.Option
	opts = append(opts, monitor.WithMetrics(metrics))

	var mon *monitor.Monitor
	var stream *hyperliquid.Stream
	if cfg.EnableWS {
		wsURL := cfg.ExchangeWSURL
		if wsURL == "" && cfg.Testnet {
			wsURL = hyperliquid.TestnetWSURL
		}
		stream = hyperliquid.NewStream(wsURL, func(address string) {
			if mon != nil {
				mon.Nudge(address)
			}
		}, log)
		opts = append(opts, monitor.WithActivityFeed(stream))
	}
	// Watched wallets are read from the live exchange even in dry run.
	mon = monitor.New(database, client, bus, monitor.Config{
		PollInterval:     cfg.PollInterval,
		DefaultThreshold: threshold,
		SkipOrders:       !cfg.OrderAlerts,
	}, log, opts...)
	metrics.SetActiveWallets(mon.Active)

	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	defer mon.Stop()
	if err := seedWatchlist(ctx, mon, cfg.WatchlistPath, log); err != nil {
		return err
	}
	if stream != nil {
		go func() {
			if err := stream.Run(ctx); err != nil {
				log.Error("activity stream stopped", zap.Error(err))
			}
		}()
	}

	// Notifications
	if cfg.TelegramBotToken != "" {
		notifier, err := notify.NewTelegram(cfg.TelegramBotToken, lang, log)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		trades, unsubTrades := mon.Subscribe(256)
		defer unsubTrades()
		var orders <-chan monitor.OrderEvent
		if cfg.OrderAlerts {
			var unsubOrders func()
			orders, unsubOrders = mon.SubscribeOrders(256)
			defer unsubOrders()
		}
		go notifier.Run(ctx, trades, orders)
		go forwardResults(ctx, bus, notifier, log)
		log.Info("telegram notifier started")
	}

	// API
	server := api.NewServer(api.Deps{
		Bus:       bus,
		DB:        database,
		Monitor:   mon,
		Executor:  executor,
		Async:     async,
		Vault:     keyVault,
		Market:    gateway,
		Stats:     client,
		Metrics:   metrics,
		JWTSecret: cfg.JWTSecret,
		Meta: api.SystemMeta{
			DryRun:     cfg.DryRun,
			Testnet:    cfg.Testnet,
			InstanceID: instanceID,
			Version:    buildVersion,
		},
	}, log)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.HTTPAddr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info("shutting down", zap.Stringer("signal", sig))
	case err := <-serverErr:
		if err != nil {
			log.Error("api server failed", zap.Error(err))
		}
	}

	server.Close()
	cancel()
	return nil
}

// seedWatchlist tracks the wallets listed in the watchlist file. Already
// tracked wallets keep their stored cursor and threshold.
func seedWatchlist(ctx context.Context, mon *monitor.Monitor, path string, log *zap.Logger) error {
	entries, err := config.LoadWatchlist(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		threshold, _ := e.ThresholdValue()
		w, created, err := mon.Track(ctx, e.ChatID, e.Address, threshold)
		if err != nil {
			log.Warn("watchlist entry skipped", zap.Int64("chat_id", e.ChatID), zap.String("address", e.Address), zap.Error(err))
			continue
		}
		if created {
			log.Info("watchlist wallet tracked", zap.Int64("chat_id", w.ChatID), zap.String("address", w.Address),
				zap.String("label", e.Label))
		}
	}
	return nil
}

// forwardResults sends order results to the owning chat. Sends are retried
// by the notifier; a result that still fails is logged.
func forwardResults(ctx context.Context, bus *events.Bus, notifier *notify.Notifier, log *zap.Logger) {
	reports, unsub := bus.Subscribe(events.EventOrderExecuted, 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-reports:
			if !ok {
				return
			}
			if rep, isReport := v.(order.Report); isReport {
				if err := notifier.NotifyResult(ctx, rep.ChatID, rep.Result); err != nil && ctx.Err() == nil {
					log.Error("order result dropped", zap.Int64("chat_id", rep.ChatID),
						zap.String("kind", string(rep.Intent.Kind)), zap.Error(err))
				}
			}
		}
	}
}

// ensureDir creates the parent directory of a file path.
func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
