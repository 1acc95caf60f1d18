package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"arbiter/internal/arbitrage"
	"arbiter/internal/backup"
	"arbiter/internal/cache"
	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/exchange"
	"arbiter/internal/metrics"
	"arbiter/internal/model"
	"arbiter/internal/notify"
)

type priceSink = func(context.Context, model.PricePoint) error

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("arbiter stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("arbiter stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	book := exchange.NewPriceBook(logger, cfg.Engine.PriceMaxAge)
	sinks := []priceSink{recorder.ObservePrice}

	names := make([]string, 0, len(cfg.Exchanges))
	for name := range cfg.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		gateways  []exchange.Gateway
		streamers []exchange.Streamer
	)
	for _, name := range names {
		exCfg := cfg.Exchanges[name]
		gw, err := exchange.NewGateway(name, logger, exCfg, book)
		if err != nil {
			return err
		}
		gateways = append(gateways, gw)

		s, err := exchange.NewClient(name, logger, exCfg)
		if err != nil {
			return err
		}
		if s != nil {
			streamers = append(streamers, s)
		}
	}
	registry := exchange.NewRegistry(gateways...)

	var feed arbitrage.PriceFeed = book
	var opts []arbitrage.Option
	opts = append(opts, arbitrage.WithMetrics(recorder))

	if cfg.Redis.Enabled {
		rc, err := cache.New(ctx, cache.ClientConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer rc.Close()

		store := cache.NewPriceStore(rc, cfg.Engine.PriceMaxAge, logger)
		sinks = append(sinks, store.Put)
		if cfg.Redis.SharedFeed {
			feed = store
		}
		opts = append(opts, arbitrage.WithLocker(cache.NewLockManager(rc), cfg.Redis.LockTTL))
		logger.Info("redis connected", "addr", cfg.Redis.Addr, "shared_feed", cfg.Redis.SharedFeed)
	}

	var backupSinks []backup.Sink
	if cfg.Database.Enabled {
		pool, err := database.Connect(ctx, cfg.Database.DSN())
		if err != nil {
			return err
		}
		defer pool.Close()

		repo := &database.PostgresRepository{Pool: pool}
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		backupSinks = append(backupSinks, repo)
		logger.Info("database connected", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)
	}
	if cfg.S3.Enabled {
		client, err := backup.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return err
		}
		backupSinks = append(backupSinks, backup.NewS3Archiver(client, cfg.S3.Bucket, cfg.S3.Prefix))
	}
	if len(backupSinks) > 0 {
		dispatcher := backup.NewDispatcher(logger, 64, 30*time.Second, backupSinks...)
		defer closeWithTimeout(logger, "backup", dispatcher.Close)
		opts = append(opts, arbitrage.WithBackup(dispatcher))
	}

	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.Alerts.TelegramToken != "" {
		tg, err := notify.NewTelegramSender(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)
		if err != nil {
			return err
		}
		senders = append(senders, tg)
	}
	if cfg.Alerts.DiscordWebhookURL != "" {
		dc, err := notify.NewDiscordSender(cfg.Alerts.DiscordWebhookURL)
		if err != nil {
			return err
		}
		defer dc.Close(context.Background())
		senders = append(senders, dc)
	}
	notifier := notify.NewNotifier(logger, model.Severity(cfg.Alerts.MinSeverity), cfg.Alerts.Timeout, senders...)
	defer closeWithTimeout(logger, "alerts", notifier.Close)
	opts = append(opts, arbitrage.WithAlerts(notifier))

	rollback := arbitrage.NewRollbackCoordinator(logger, cfg.Execution, registry)
	engine := arbitrage.NewEngine(
		logger,
		cfg.Engine,
		feed,
		arbitrage.NewDetector(logger, cfg.Detector, registry.Fees()),
		arbitrage.NewRiskValidator(logger, cfg.Risk, registry),
		arbitrage.NewOrchestrator(logger, cfg.Execution, registry, rollback),
		opts...,
	)

	g, gctx := errgroup.WithContext(ctx)

	priceChan := make(chan model.PricePoint, 256)
	for _, s := range streamers {
		symbols := cfg.Exchanges[s.GetName()].Symbols
		g.Go(func() error {
			return s.StartStream(gctx, priceChan, symbols)
		})
	}
	g.Go(func() error {
		return book.Consume(gctx, priceChan, sinks...)
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("arbiter started", "exchanges", registry.Names(), "streams", len(streamers), "execute", cfg.Engine.Execute)
	return g.Wait()
}

func closeWithTimeout(logger *slog.Logger, name string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		logger.Warn("close failed", "component", name, "error", err)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
