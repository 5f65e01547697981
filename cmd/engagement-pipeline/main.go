package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"engagement-pipeline/pipeline"
)

func main() {
	var configPath string
	var envFile string
	var user string
	var stagesCSV string
	var dryRun bool
	var incrementalCachePath string
	var debug bool
	var timeout time.Duration
	var once bool
	var pollInterval time.Duration
	var watch bool
	var event string
	var runID string

	flag.StringVar(&configPath, "config", "", "Pipeline YAML config file path.")
	flag.StringVar(&envFile, "env-file", "", "Env file with credentials (default ./.env when present).")
	flag.StringVar(&user, "user", "", "Identifier of the user launching the pipeline, recorded in message history.")
	flag.StringVar(&stagesCSV, "stages", "", "Comma-separated stages to run (overrides config.stages). Default: all.")
	flag.BoolVar(&dryRun, "dry-run", false, "Log the updates that would be made without making them.")
	flag.StringVar(&incrementalCachePath, "incremental-cache-path", "", "Directory of the incremental cache (overrides config.incremental_cache_path).")
	flag.BoolVar(&debug, "debug", false, "Enable debug logs.")
	flag.DurationVar(&timeout, "timeout", 0, "Overall timeout for one run (e.g. 30m, 2h).")
	flag.BoolVar(&once, "once", true, "Run once and exit (default true for crontab).")
	flag.DurationVar(&pollInterval, "poll-interval", 15*time.Minute, "Polling interval when running with --once=false.")
	flag.BoolVar(&watch, "watch", false, "With --once=false, also run when a CSV lands in config.csv_inbox.dir.")
	flag.StringVar(&event, "event", "", "Only send this operations dashboard event (PipelineRunStart or PipelineRunEnd) and exit.")
	flag.StringVar(&runID, "run-id", "", "Run id for --event.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "missing config (use --config)")
		os.Exit(2)
	}
	cfg, err := pipeline.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	finalDebug := cfg.File.Debug
	if visited["debug"] {
		finalDebug = debug
	}
	log, err := newLogger(finalDebug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	creds, err := pipeline.LoadCredentials(envFile)
	if err != nil {
		log.Fatal("load credentials", zap.Error(err))
	}

	if event != "" {
		if err := sendEvent(cfg, creds, event, runID, log); err != nil {
			log.Fatal("send operations dashboard event", zap.Error(err))
		}
		return
	}

	finalStageNames := cfg.File.Stages
	if visited["stages"] {
		finalStageNames = splitCSV(stagesCSV)
	}
	stages, err := pipeline.ParseStages(finalStageNames)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse stages: %v\n", err)
		os.Exit(2)
	}

	finalCachePath := cfg.Path(cfg.File.IncrementalCachePath)
	if visited["incremental-cache-path"] {
		finalCachePath = incrementalCachePath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, err := pipeline.NewRunner(ctx, pipeline.RunnerConfig{
		Config:               cfg,
		Credentials:          creds,
		Stages:               stages,
		User:                 user,
		DryRun:               dryRun,
		Debug:                finalDebug,
		Timeout:              timeout,
		IncrementalCachePath: finalCachePath,
	}, log)
	if err != nil {
		log.Fatal("init runner", zap.Error(err))
	}
	defer runner.Close()

	log.Info("starting pipeline",
		zap.String("pipeline", cfg.File.PipelineName),
		zap.Strings("stages", finalStageNames),
		zap.Bool("dry_run", dryRun),
		zap.String("user", user))

	if once {
		summary, err := runner.RunOnce(ctx)
		logSummary(log, summary)
		if err != nil {
			log.Fatal("run once", zap.Error(err))
		}
		return
	}

	var inbox <-chan string
	if watch {
		if cfg.File.CSVInbox == nil {
			fmt.Fprintln(os.Stderr, "--watch needs config.csv_inbox")
			os.Exit(2)
		}
		if err := os.MkdirAll(cfg.File.CSVInbox.Dir, 0o755); err != nil {
			log.Fatal("create csv inbox", zap.Error(err))
		}
		if inbox, err = pipeline.WatchCSVInbox(ctx, cfg.File.CSVInbox.Dir, log); err != nil {
			log.Fatal("watch csv inbox", zap.Error(err))
		}
		log.Info("watching csv inbox", zap.String("dir", cfg.File.CSVInbox.Dir))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		summary, err := runner.RunOnce(ctx)
		logSummary(log, summary)
		if err != nil {
			log.Error("run once error", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("stopping pipeline", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
		case p, ok := <-inbox:
			if !ok {
				log.Warn("csv inbox watcher stopped")
				inbox = nil
				break
			}
			log.Info("csv arrived in inbox", zap.String("path", p))
		}
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sendEvent(cfg *pipeline.Config, creds *pipeline.Credentials, event, runID string, log *zap.Logger) error {
	switch event {
	case pipeline.PipelineRunStart, pipeline.PipelineRunEnd:
	default:
		return fmt.Errorf("unknown event %q", event)
	}
	if strings.TrimSpace(runID) == "" {
		return errors.New("--event needs --run-id")
	}
	d := pipeline.NewDashboard(cfg, creds, log)
	if d == nil {
		return errors.New("no operations dashboard configured")
	}
	return d.LogEvent(runID, event, nil)
}

func logSummary(log *zap.Logger, summary *pipeline.RunSummary) {
	if summary == nil {
		return
	}
	b, err := json.Marshal(summary)
	if err != nil {
		log.Warn("marshal run summary", zap.Error(err))
		return
	}
	log.Info("run summary", zap.String("run_id", summary.RunID), zap.ByteString("summary", b))
}
