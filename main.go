package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tickerlab/coordinator/internal/agents"
	cfg "github.com/tickerlab/coordinator/internal/config"
	"github.com/tickerlab/coordinator/internal/coordinator"
	"github.com/tickerlab/coordinator/internal/health"
	"github.com/tickerlab/coordinator/internal/history"
	"github.com/tickerlab/coordinator/internal/httpapi"
	_ "github.com/tickerlab/coordinator/internal/metrics" // register prometheus collectors
	"github.com/tickerlab/coordinator/internal/pipeline"
)

func main() {
	conf, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(conf)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stage roster: file-configured with hot reload, defaults otherwise.
	stages, err := cfg.LoadStages()
	if err != nil {
		logger.Fatal("Failed to load stage roster", zap.Error(err))
	}

	// History store is optional; the coordinator runs fine without it.
	var recorder history.Recorder = history.NopRecorder{}
	var sqliteRec *history.SQLiteRecorder
	if conf.HistoryPath != "" {
		sqliteRec, err = history.NewSQLiteRecorder(conf.HistoryPath, logger)
		if err != nil {
			logger.Fatal("Failed to open history store", zap.Error(err))
		}
		defer sqliteRec.Close()
		recorder = sqliteRec
	}

	agentsClient := agents.NewClient(conf.AgentsURL, conf.AgentsTimeoutDuration(), logger)

	// The analysis collaborator drives the stage roster through a stage
	// runner, so breakpoints fire before every agent step. The closure binds
	// to the coordinator declared below; runs only start after New returns.
	var coord *coordinator.Coordinator
	analysis := func(ctx context.Context, symbol string, _ pipeline.BreakpointFunc) error {
		runner := pipeline.NewStageRunner(coord.Gate(), coord.Table(), logger)
		names := coord.Table().Stages()
		stageSeq := make([]pipeline.Stage, 0, len(names))
		for _, name := range names {
			name := name
			stageSeq = append(stageSeq, pipeline.Stage{
				Name: name,
				Run: func(ctx context.Context, symbol string) error {
					return agentsClient.RunStage(ctx, symbol, name)
				},
			})
		}
		return runner.Run(ctx, symbol, stageSeq)
	}
	coord = coordinator.New(analysis, coordinator.Options{
		MaxConcurrency: conf.MaxConcurrency,
		Stages:         stages,
		DispatchRPM:    conf.Dispatch.RatePerMinute,
		MaxJitter:      conf.MaxJitter(),
		Recorder:       recorder,
	}, logger)

	// Hot reload of the stage roster applies from the next run.
	if path := os.Getenv("STAGES_CONFIG_PATH"); path != "" {
		watcher, err := cfg.NewStagesWatcher(path, coord.SetStages, logger)
		if err != nil {
			logger.Warn("Stage watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Stage watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	httpapi.NewHandler(coord, sqliteRec, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	hh := health.NewHandler(logger)
	hh.Register("agents", agentsClient.Ping)
	hh.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         conf.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Coordinator HTTP server listening", zap.String("addr", conf.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	// Drain cooperatively: stop the run, wait for workers, then the server.
	coord.Stop()
	coord.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
}

func buildLogger(conf *cfg.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(conf.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if conf.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
