package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridsync/internal/app"
	"gridsync/internal/config"
	"gridsync/internal/engine"
	"gridsync/internal/normalize"
	"gridsync/internal/util"
)

func main() {
	os.Exit(run())
}

func run() int {
	datasetID := flag.String("dataset", "", "dataset id from the config file")
	from := flag.String("from", "", "range start (YYYY-MM-DD or RFC3339, inclusive)")
	to := flag.String("to", "", "range end (YYYY-MM-DD or RFC3339, exclusive)")
	window := flag.String("window", "", "window size override (e.g. 1h, 1d); capped at the dataset max span")
	maxRetries := flag.Int("max-retries", 0, "attempts per request (0 keeps the configured value)")
	concurrency := flag.Int("concurrency", 0, "parallel windows (0 keeps the configured value)")
	dryRun := flag.Bool("dry-run", false, "print the planned windows without fetching or writing")
	cfgFlag := flag.String("config", "", "config file path")
	flag.Parse()

	cfgPath := "config/gridsync.yaml"
	if p := os.Getenv("GRIDSYNC_CONFIG"); p != "" {
		cfgPath = p
	}
	if *cfgFlag != "" {
		cfgPath = *cfgFlag
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return engine.ExitConfig
	}
	if *maxRetries > 0 {
		cfg.Sync.MaxRetries = *maxRetries
	}
	if *concurrency > 0 {
		cfg.Sync.Concurrency = *concurrency
	}

	// Dual logger: stdout + /tmp log file.
	logFileName := fmt.Sprintf("/tmp/gridsync-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		return engine.ExitConfig
	}
	defer logFile.Close()
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, io.MultiWriter(os.Stdout, logFile)))

	req, err := buildRequest(cfg, *datasetID, *from, *to, *window, *dryRun)
	if err != nil {
		slog.Error("invalid arguments", "error", err)
		flag.Usage()
		return engine.ExitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if d := cfg.RunTimeout(); d > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, d)
		defer tcancel()
	}

	stack, err := app.Open(ctx, cfg, false)
	if err != nil {
		slog.Error("opening storage", "error", err)
		return engine.ExitConfig
	}
	defer stack.Close()

	slog.Info("starting gridsync", "dataset", req.Dataset.ID, "logFile", logFileName, "dryRun", req.DryRun)
	sum, err := stack.Engine.Run(ctx, req)
	if err != nil {
		if engine.Cancelled(err) {
			slog.Warn("run interrupted", "error", err)
		} else {
			slog.Error("run failed", "error", err)
		}
	}

	if sum != nil {
		if req.DryRun {
			for _, w := range sum.DryRunWindows {
				fmt.Println(w.Range().String())
			}
		}
		fmt.Println(sum.String())
	}
	return engine.ExitCode(sum, err)
}

func buildRequest(cfg *config.Config, datasetID, from, to, window string, dryRun bool) (engine.Request, error) {
	if datasetID == "" || from == "" || to == "" {
		return engine.Request{}, fmt.Errorf("-dataset, -from and -to are required")
	}
	ds, err := cfg.FindDataset(datasetID)
	if err != nil {
		return engine.Request{}, err
	}
	start, err := normalize.ParseTime(from)
	if err != nil {
		return engine.Request{}, fmt.Errorf("-from: %w", err)
	}
	end, err := normalize.ParseTime(to)
	if err != nil {
		return engine.Request{}, fmt.Errorf("-to: %w", err)
	}
	if !end.After(start) {
		return engine.Request{}, fmt.Errorf("-to %s is not after -from %s", to, from)
	}
	size, err := util.ParseSpan(window)
	if err != nil {
		return engine.Request{}, fmt.Errorf("-window: %w", err)
	}
	return engine.Request{
		Dataset:    ds,
		Start:      start,
		End:        end,
		WindowSize: size,
		DryRun:     dryRun,
	}, nil
}
