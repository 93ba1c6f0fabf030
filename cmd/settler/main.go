package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"settler/internal/cache"
	"settler/internal/chain"
	"settler/internal/config"
	"settler/internal/conversion"
	"settler/internal/database"
	"settler/internal/delivery"
	"settler/internal/exchange"
	"settler/internal/explorer"
	"settler/internal/feed"
	"settler/internal/metrics"
	"settler/internal/notify"
	"settler/internal/reconcile"
	"settler/internal/scanner"
	"settler/internal/scheduler"
	"settler/internal/service"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("cannot load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Settler: exited with error", "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Settler()

	repo, err := database.NewPostgresRepository(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store, err := cache.NewRedisCache(ctx, cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer store.Close()

	notifier, closeSinks := buildNotifier(cfg, logger, m)
	defer closeSinks()

	// market data
	marketClient, err := exchange.NewClient(cfg.Exchange.Name, logger, &cfg.Exchange)
	if err != nil {
		return err
	}
	currencies := make([]string, 0, len(cfg.Swap.Tokens))
	for _, t := range cfg.Swap.Tokens {
		currencies = append(currencies, t.Symbol)
	}
	priceFeed := feed.NewPriceFeed(logger, marketClient, store, notifier, m, currencies, cfg.Output.Symbol,
		cfg.Exchange.Settlement, cfg.Swap.PriceMaxAge)

	// deposit side
	etherscan := explorer.NewEtherscanClient(logger, cfg.Explorer)
	var head explorer.HeadSource = etherscan
	if cfg.Explorer.RPCURL != "" {
		nodeHead, err := explorer.DialNodeHead(ctx, cfg.Explorer.RPCURL)
		if err != nil {
			return fmt.Errorf("dial deposit chain node: %w", err)
		}
		defer nodeHead.Close()
		head = nodeHead
	}
	output := config.Token{Symbol: cfg.Output.Symbol, Decimals: cfg.Output.Decimals}
	converter := conversion.NewEngine(store, cfg.Swap.Tokens, output, cfg.Swap.FeeRateBps, cfg.Swap.PriceMaxAge)
	depositScanner := scanner.NewDepositScanner(logger, repo, etherscan, head, converter, notifier, m, cfg.Swap, cfg.Output.Decimals)

	// delivery side
	node, err := chain.DialNode(ctx, logger, cfg.Node.RPCURL)
	if err != nil {
		return err
	}
	defer node.Close()
	signer, err := chain.NewKeySigner(cfg.Output.PrivateKey, cfg.Output.SenderCodeHash)
	if err != nil {
		return fmt.Errorf("load delivery key: %w", err)
	}
	cells := chain.NewCellMapClient(logger, cfg.Node.CellMapURL)
	deliveryEngine := delivery.NewEngine(logger, repo, node, cells, signer, store, store, notifier, m, cfg.Output,
		cfg.Intervals.TaskTimeout)

	sched := scheduler.New(logger, store, m, cfg.Intervals.TaskTimeout)
	sched.Add(scheduler.Task{Name: "scan", Interval: cfg.Intervals.Scan, Run: depositScanner.Run, LockKey: "scan"})
	sched.Add(scheduler.Task{Name: "deliver", Interval: cfg.Intervals.Deliver, Run: deliveryEngine.Run})

	// reconciliation side
	var accountFeed *feed.AccountFeed
	if cfg.Exchange.Enabled {
		trader, streamer, err := exchange.NewTrader(cfg.Exchange.Name, logger, &cfg.Exchange)
		if err != nil {
			return err
		}
		balances := feed.NewBalances()
		accountFeed = feed.NewAccountFeed(logger, streamer, repo, balances)
		reconciler := reconcile.NewReconciliationEngine(logger, repo, trader, store, balances, notifier, m,
			cfg.Exchange, cfg.Swap, cfg.Output)
		sched.Add(scheduler.Task{Name: "reconcile", Interval: cfg.Intervals.Reconcile, Run: reconciler.Run, LockKey: "reconcile"})
	} else {
		logger.Warn("Settler: exchange trading disabled, reconciliation will not run")
	}

	svc := service.NewSwapService(logger, repo, store, cfg.Swap, cfg.Output)
	logger.Info("Settler: starting", "config", svc.Config(), "lock", deliveryEngine.LockHash())

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Settler: metrics listening", "addr", cfg.Metrics.ListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	feeds := make(chan struct{}, 2)
	go func() {
		_ = priceFeed.Run(ctx)
		feeds <- struct{}{}
	}()
	running := 1
	if accountFeed != nil {
		running++
		go func() {
			_ = accountFeed.Run(ctx)
			feeds <- struct{}{}
		}()
	}

	sched.Start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("Settler: shutdown signal received")
	case err := <-serverErr:
		logger.Error("Settler: metrics server failed", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Intervals.Shutdown)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		_ = metricsServer.Close()
	}

	done := make(chan struct{})
	go func() {
		sched.Wait()
		for i := 0; i < running; i++ {
			<-feeds
		}
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Settler: stopped")
		return nil
	case <-shutdownCtx.Done():
		return errors.New("shutdown timed out waiting for running tasks")
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func buildNotifier(cfg config.Config, logger *slog.Logger, m *metrics.SettlerMetrics) (*notify.Notifier, func()) {
	sinks := []notify.Sink{notify.LogSink{Logger: logger}}
	var closers []func() error

	if cfg.Notification.WebhookURL != "" {
		decimals := make(map[string]int32, len(cfg.Swap.Tokens))
		for _, t := range cfg.Swap.Tokens {
			decimals[strings.ToUpper(t.Symbol)] = t.Decimals
		}
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notification.WebhookURL, cfg.Notification.ExplorerURL,
			cfg.Output.Symbol, cfg.Output.Decimals, decimals))
	}
	if len(cfg.Notification.KafkaBrokers) > 0 {
		k := notify.NewKafkaSink(cfg.Notification.KafkaBrokers, cfg.Notification.KafkaTopic)
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}

	return notify.NewNotifier(logger, m, sinks...), func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Error("Settler: failed to close notification sink", "error", err)
			}
		}
	}
}
