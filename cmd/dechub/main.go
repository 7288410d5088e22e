package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/dechub/internal/activity"
	"github.com/basket/dechub/internal/bus"
	"github.com/basket/dechub/internal/config"
	"github.com/basket/dechub/internal/domedit"
	"github.com/basket/dechub/internal/gateway"
	"github.com/basket/dechub/internal/hub"
	otelx "github.com/basket/dechub/internal/otel"
	"github.com/basket/dechub/internal/sets"
	"github.com/basket/dechub/internal/telemetry"
	"github.com/basket/dechub/internal/watcher"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	addr := flag.String("addr", "", "bind address (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dechub", Version)
		return
	}

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintln(os.Stderr, "dechub:", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.BindAddr = addrOverride
	}

	logger := telemetry.NewLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	b := bus.New()
	tracker := activity.NewTracker(b, logger, activity.Options{
		HistoryLimit:   cfg.HistoryLimit,
		BroadcastDelay: cfg.ActivityDebounce(),
	})
	dom := domedit.NewManager(b, logger, domedit.Options{
		RecentLimit:    cfg.RecentChangesLimit,
		RemovalTimeout: cfg.RemovalTimeout(),
	})
	h := hub.New(b, tracker, dom, logger, metrics)

	store, err := sets.Open(cfg.SetsFile)
	if err != nil {
		return fmt.Errorf("open sets store: %w", err)
	}

	fileWatcher := watcher.New(cfg.DecisionFile, b, logger, metrics, watcher.Options{
		DebounceWindow: cfg.WatchDebounce(),
		PollInterval:   cfg.PollInterval(),
	})

	srv := gateway.New(gateway.Config{
		Hub:               h,
		Bus:               b,
		Activity:          tracker,
		DOM:               dom,
		Sets:              store,
		Watcher:           fileWatcher,
		DecisionFile:      cfg.DecisionFile,
		RecentLimit:       10,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Metrics:           metrics,
	})

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("dechub starting",
		"version", Version,
		"addr", cfg.BindAddr,
		"decision_file", cfg.DecisionFile,
		"config", cfg.Fingerprint(),
	)

	if err := fileWatcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("dechub stopped")
	return err
}
