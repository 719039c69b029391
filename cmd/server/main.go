package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"avl-ingest/internal/audit"
	"avl-ingest/internal/config"
	"avl-ingest/internal/grpcclient"
	"avl-ingest/internal/link"
	"avl-ingest/internal/observability"
	"avl-ingest/internal/pipeline"
	"avl-ingest/internal/server"
	"avl-ingest/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("avl-ingest", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to YAML config file")
	listen := fs.String("listen", "", "TCP listen address (overrides config)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := observability.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)
	logger.Info("Starting avl-ingest...", "listen", cfg.Server.Listen, "store", cfg.Store.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", "err", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Warn("store close", "err", err)
		}
	}()

	var targets []pipeline.Notifier
	if cfg.Redis.URL != "" {
		cache, err := store.NewStateCache(ctx, cfg.Redis.URL, cfg.Redis.TTL, logger)
		if err != nil {
			logger.Error("Redis init failed", "err", err)
			return 1
		}
		defer cache.Close()
		targets = append(targets, cache)
	}
	if cfg.Forward.ProxyAddr != "" {
		lc := link.Dial(cfg.Forward.ProxyAddr, logger)
		defer lc.Close()
		targets = append(targets, lc)
	}
	if cfg.Forward.GRPCAddr != "" {
		fwd, err := grpcclient.NewForwarder(cfg.Forward.GRPCAddr, logger)
		if err != nil {
			logger.Error("gRPC forwarder init failed", "err", err)
			return 1
		}
		defer fwd.Close()
		targets = append(targets, fwd)
	}
	// Deferred calls run in reverse: the fan-out drains before its targets close.
	fanout := pipeline.NewFanout(cfg.Forward.QueueSize, cfg.Forward.Timeout, logger, targets...)
	defer fanout.Close()

	deps := server.Deps{Registry: st, Sink: st, Notifier: fanout, Logger: logger}
	if cfg.Audit.Enable {
		aw, err := audit.New(cfg.Audit.Dir)
		if err != nil {
			logger.Error("audit init failed", "err", err)
			return 1
		}
		deps.Audit = aw
	}

	go func() {
		if err := observability.StartMetricsServer(ctx, cfg.Metrics.Port); err != nil {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	srv := server.New(cfg.Server, deps)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("TCP server failed", "err", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "mongo":
		return store.ConnectMongo(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase, cfg.Server.DefaultModel)
	default:
		return store.NewMemory(cfg.Server.DefaultModel), nil
	}
}
