package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lamim/cirforge/internal/batch"
	"github.com/lamim/cirforge/internal/checkpoint"
	"github.com/lamim/cirforge/internal/config"
	"github.com/lamim/cirforge/internal/grammar"
	"github.com/lamim/cirforge/internal/merge"
	"github.com/lamim/cirforge/internal/metrics"
	"github.com/lamim/cirforge/internal/pipeline"
	"github.com/lamim/cirforge/internal/postprocess"
	"github.com/lamim/cirforge/internal/requests"
	"github.com/lamim/cirforge/internal/store"
	"github.com/lamim/cirforge/internal/writer"
)

const logFilename = "run.log"

// app holds the components shared by the commands
type app struct {
	cfg           *config.Config
	secrets       *config.Secrets
	logger        *slog.Logger
	logFile       *os.File
	store         *store.Store
	collector     *metrics.Collector
	metricsServer *http.Server
	ckpt          *checkpoint.Manager
}

// newApp loads configuration and sets up logging. Credentials are only
// required by commands that talk to the batch service.
func newApp(needSecrets bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	var secrets *config.Secrets
	if needSecrets {
		secrets, err = config.LoadSecrets(cfg.Paths)
		if err != nil {
			return nil, fmt.Errorf("failed to load credentials: %w", err)
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "Loaded API key (length: %d)\n", len(secrets.APIKey))
		}
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger, logFile, err := writer.SetupLogger(os.Stdout, filepath.Join(cfg.Paths.OutputDir, logFilename), logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	a := &app{
		cfg:       cfg,
		secrets:   secrets,
		logger:    logger,
		logFile:   logFile,
		store:     store.New(cfg.Paths.OutputDir, logger),
		collector: metrics.NewCollector(),
	}

	if metricsAddr != "" {
		a.serveMetrics(metricsAddr)
	}

	logger.Info("cirforge starting",
		"version", Version,
		"config", configPath,
		"output_dir", cfg.Paths.OutputDir)
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("Serving metrics", "addr", addr, "path", "/metrics")
}

// openManifest starts a new manifest, or continues the existing one when
// resuming. A finished run can only be continued by single-stage re-runs.
func (a *app) openManifest(resume, allowComplete bool) error {
	dir := a.cfg.Paths.OutputDir
	if resume {
		mf, err := checkpoint.Load(dir, a.logger)
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}
		validate := checkpoint.ValidateManifest
		if allowComplete {
			validate = checkpoint.ValidateConfig
		}
		if err := validate(mf, a.cfg); err != nil {
			return fmt.Errorf("manifest validation failed: %w", err)
		}
		a.ckpt = checkpoint.NewManagerFromManifest(dir, mf, a.logger)
		return nil
	}

	// not written until the dataset has been sharded
	a.ckpt = checkpoint.NewManager(dir, a.cfg, a.logger)
	return nil
}

func (a *app) shard() error {
	entries, err := loadDataset(a)
	if err != nil {
		return err
	}
	if _, err := a.store.Shard(entries); err != nil {
		return fmt.Errorf("failed to shard dataset: %w", err)
	}
	return a.ckpt.MarkSharded()
}

func (a *app) runner() *pipeline.Runner {
	svc := batch.NewOpenAIService(a.cfg.Model, a.cfg.Batch, a.secrets.APIKey, a.collector, a.logger)
	builder := requests.NewBuilder(a.store, requests.Options{
		Model:     a.cfg.Model.ModelName,
		MaxTokens: a.cfg.Model.MaxOutputTokens,
		Endpoint:  a.cfg.Batch.Endpoint,
		Prompts:   a.cfg.Prompts.List(),
	}, a.logger)

	return pipeline.New(
		a.store,
		builder,
		batch.NewClient(svc, a.ckpt.RunID(), a.logger),
		merge.NewMerger(a.store, a.collector, a.logger),
		a.ckpt,
		a.collector,
		pipeline.Options{
			PollInterval: a.cfg.Batch.PollInterval(),
			PollDeadline: a.cfg.Batch.PollDeadline(),
			Concurrency:  a.cfg.Batch.Concurrency,
		},
		a.logger,
	)
}

func (a *app) processor(minLength int) *postprocess.Processor {
	checker := grammar.NewLanguageTool(a.cfg.PostProcess, a.cfg.Model.HTTPTimeout(), a.logger)
	return postprocess.New(a.store, checker, a.collector, postprocess.Options{
		MinLength:   minLength,
		Concurrency: a.cfg.PostProcess.Concurrency,
		DatasetPath: a.cfg.Paths.FinalDataset,
		ParquetPath: a.cfg.Paths.ParquetExport,
	}, a.logger)
}

// Close stops the metrics server and flushes the log file
func (a *app) Close() {
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metricsServer.Shutdown(ctx)
	}
	if a.logFile != nil {
		_ = a.logFile.Sync()
		_ = a.logFile.Close()
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
