package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/channel"
	"github.com/t77yq/hazard-announcer/internal/config"
	"github.com/t77yq/hazard-announcer/internal/engine"
	"github.com/t77yq/hazard-announcer/internal/monitor"
	"github.com/t77yq/hazard-announcer/internal/service"
	"github.com/t77yq/hazard-announcer/internal/source"
	"github.com/t77yq/hazard-announcer/internal/storage"
)

func main() {
	configPath := flag.String("config", "./config", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.App.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	var (
		nc *nats.Conn
		js nats.JetStreamContext
	)
	if cfg.NATS.Enabled {
		nc = connectNATS(cfg, logger)
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
	}

	// State storage
	var kv storage.KV
	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		sqliteKV, err := storage.NewSQLiteKV(logger, cfg.Storage.Path)
		if err != nil {
			logger.Fatal("Failed to open state database", zap.Error(err))
		}
		defer sqliteKV.Close()
		kv = sqliteKV
	case config.StorageJetStream:
		kv, err = storage.NewJetStreamKV(js, cfg.Storage.Bucket, logger)
		if err != nil {
			logger.Fatal("Failed to open state bucket", zap.Error(err))
		}
	default:
		kv = storage.NewMemoryKV()
	}

	// Sources
	client := source.NewHTTPClient(cfg.Sources.FetchTimeout)
	var fetchers []source.Fetcher
	for _, s := range cfg.Sources.HTTP {
		fetchers = append(fetchers, source.NewHTTPSource(source.HTTPConfig{
			Name:     s.Name,
			URL:      s.URL,
			Headers:  s.Headers,
			Attempts: s.Attempts,
			Client:   client,
		}, logger))
	}
	if cfg.Sources.Risk.URL != "" {
		fetchers = append(fetchers, source.NewRiskSource(source.HTTPConfig{
			Name:     cfg.Sources.Risk.Name,
			URL:      cfg.Sources.Risk.URL,
			Headers:  cfg.Sources.Risk.Headers,
			Attempts: cfg.Sources.Risk.Attempts,
			Client:   client,
		}, logger))
	}
	if cfg.Sources.Inbox.Enabled {
		inbox := source.NewInboxSource(nc, cfg.Sources.Inbox.Subject, cfg.Sources.Inbox.Capacity, logger)
		if err := inbox.Start(); err != nil {
			logger.Fatal("Failed to subscribe inbox", zap.Error(err))
		}
		defer inbox.Stop()
		fetchers = append(fetchers, inbox)
	}
	if len(fetchers) == 0 {
		logger.Warn("No hazard sources configured")
	}

	// Channels
	var speaker channel.AnnouncementChannel
	if cfg.Voice.Command != "" {
		speaker = channel.NewProcessSpeaker(cfg.Voice.Command, cfg.Voice.Args, logger)
	} else {
		speaker = channel.NewLogSpeaker(cfg.Voice.Duration, logger)
	}

	var notifiers []channel.Notifier
	if cfg.Notifiers.Desktop {
		notifiers = append(notifiers, channel.NewDesktopNotifier(cfg.App.Name))
	}
	if cfg.Notifiers.Tone {
		notifiers = append(notifiers, channel.NewToneNotifier(os.Stdout))
	}
	if cfg.Notifiers.Toast {
		toast, err := channel.NewToastNotifier(js, logger)
		if err != nil {
			logger.Fatal("Failed to create toast notifier", zap.Error(err))
		}
		notifiers = append(notifiers, toast)
	}

	defaults, err := cfg.DefaultSettings()
	if err != nil {
		logger.Fatal("Invalid default settings", zap.Error(err))
	}
	criteria := cfg.FilterCriteria()
	metrics := monitor.NewMetrics()

	eng, err := engine.New(engine.Options{
		KV:           kv,
		Fetchers:     fetchers,
		Location:     cfg.App.Location,
		FetchTimeout: cfg.Sources.FetchTimeout,
		Channel:      speaker,
		Notifiers:    notifiers,
		Defaults:     &defaults,
		Criteria:     &criteria,
		Metrics:      metrics,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	if js != nil {
		feed, err := service.NewSnapshotFeed(js, logger)
		if err != nil {
			logger.Fatal("Failed to create snapshot feed", zap.Error(err))
		}
		eng.AddListener(feed.Listener())
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.App.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}
	logger.Info("Hazard announcer running",
		zap.String("location", cfg.App.Location),
		zap.Int("sources", len(fetchers)),
		zap.Int("notifiers", len(notifiers)),
		zap.String("metrics_addr", cfg.App.MetricsAddr))

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("Engine shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}

func connectNATS(cfg *config.Config, logger *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(strings.Join(cfg.NATS.URLs, ","), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc
}
