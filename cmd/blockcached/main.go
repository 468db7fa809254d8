// Command blockcached runs the block cache as a standalone daemon: it loads
// configuration, brings up every configured disk, and serves Prometheus
// metrics until asked to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dingodb/dingofs-blockcache/internal/config"
	"github.com/dingodb/dingofs-blockcache/internal/localfs"
	"github.com/dingodb/dingofs-blockcache/internal/metrics"
	"github.com/dingodb/dingofs-blockcache/internal/objectstore/s3"
	"github.com/dingodb/dingofs-blockcache/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the block cache YAML configuration file")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "blockcached: load config:", err)
			return 1
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "blockcached: load env overrides:", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "blockcached: invalid configuration:", err)
		return 1
	}

	log := newLogger(cfg.Global.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objStore, err := s3.New(ctx, s3.Config{
		Bucket:               cfg.ObjectStore.Bucket,
		Region:               cfg.ObjectStore.Region,
		Endpoint:             cfg.ObjectStore.Endpoint,
		UsePathStyle:         cfg.ObjectStore.UsePathStyle,
		AccelerationMinBytes: cfg.ObjectStore.AccelerationMinBytes,
	}, log)
	if err != nil {
		log.Error("blockcached: build object store", "error", err)
		return 1
	}

	collector, err := metrics.NewCollector(metrics.Config{
		Enabled: cfg.Monitoring.Metrics.Enabled,
		Addr:    cfg.Monitoring.Metrics.Addr,
	})
	if err != nil {
		log.Error("blockcached: build metrics collector", "error", err)
		return 1
	}
	if err := collector.Start(ctx); err != nil {
		log.Error("blockcached: start metrics server", "error", err)
		return 1
	}
	defer func() { _ = collector.Stop(context.Background()) }()

	cs := store.New(cfg, localfs.New(), objStore, collector, log)
	if err := cs.Init(); err != nil {
		log.Error("blockcached: init cache store", "error", err)
		return 1
	}
	defer cs.Shutdown()

	log.Info("blockcached: ready", "disks", len(cfg.Disks))
	<-ctx.Done()
	log.Info("blockcached: shutting down")

	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
