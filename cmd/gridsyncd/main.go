package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gridsync/internal/api"
	"gridsync/internal/app"
	"gridsync/internal/config"
	"gridsync/internal/util"
)

func main() {
	cfgPath := "config/gridsync.yaml"
	if p := os.Getenv("GRIDSYNC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Dual logger: stdout + /tmp log file.
	logFileName := fmt.Sprintf("/tmp/gridsyncd-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}
	defer logFile.Close()
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, io.MultiWriter(os.Stdout, logFile)))

	datasets, err := cfg.AllDatasets()
	if err != nil {
		log.Fatalf("invalid datasets: %v", err)
	}
	if len(datasets) == 0 {
		log.Fatalf("no datasets configured in %s", cfgPath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stack, err := app.Open(ctx, cfg, true)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer stack.Close()

	srv := api.NewServer(api.Options{
		HTTPAddr: cfg.Daemon.HTTPAddr,
		GRPCAddr: cfg.Daemon.GRPCAddr,
		Ledger:   stack.Ledger,
		Metrics:  stack.Metrics,
	})
	srv.SetServing(true)

	daemon := &app.Daemon{
		Engine:   stack.Engine,
		Datasets: datasets,
		Interval: cfg.DaemonInterval(),
		Lookback: cfg.DaemonLookback(),
		OnRound:  srv.SetServing,
	}

	slog.Info("starting gridsyncd", "datasets", len(datasets), "interval", daemon.Interval,
		"lookback", daemon.Lookback, "http", cfg.Daemon.HTTPAddr, "grpc", cfg.Daemon.GRPCAddr, "logFile", logFileName)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	g.Go(func() error { return daemon.Run(gctx) })
	if err := g.Wait(); err != nil {
		slog.Error("daemon stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("gridsyncd stopped")
}
