package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jsierles/opscode-agent/HadesAgent/isolate"
	"github.com/jsierles/opscode-agent/HadesAgent/jobs"
	"github.com/jsierles/opscode-agent/shared/joblogs"
	"github.com/jsierles/opscode-agent/shared/jobstatus"
	hadesnats "github.com/jsierles/opscode-agent/shared/nats"
	"github.com/jsierles/opscode-agent/shared/utils"
)

// serviceName is the micro service every agent instance joins.
const serviceName = "hades-agent"

var version = "dev"

type HadesAgentConfig struct {
	Name             string        `env:"HADES_AGENT_NAME" envDefault:"hades-agent"`
	JobTimeout       time.Duration `env:"HADES_JOB_TIMEOUT" envDefault:"30m"`
	JobMemoryLimit   string        `env:"HADES_JOB_MEMORY_LIMIT"`
	ScratchDir       string        `env:"HADES_SCRATCH_DIR"`
	RunListDir       string        `env:"HADES_RUN_LIST_DIR" envDefault:"/etc/hades/run-list"`
	ConvergeLogLevel string        `env:"HADES_CONVERGE_LOG_LEVEL" envDefault:"info"`
	StreamLogs       bool          `env:"HADES_STREAM_LOGS" envDefault:"true"`
	LogPassthrough   bool          `env:"HADES_JOB_LOG_PASSTHROUGH" envDefault:"false"`
	ShutdownTimeout  time.Duration `env:"HADES_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MetricsPort      string        `env:"METRICS_PORT" envDefault:"9100"`
	NatsConfig       hadesnats.ConnectionConfig
	Logging          utils.LoggingConfig
	Tracing          utils.TracingConfig
}

func main() {
	// A re-executed child runs its job inside Init and never gets here.
	if isolate.Init() {
		return
	}

	var cfg HadesAgentConfig
	if err := utils.LoadConfig(&cfg); err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	closeLogging, err := utils.SetupLogging(cfg.Logging)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}

	err = run(cfg)
	closeLogging()
	if err != nil {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}

func run(cfg HadesAgentConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.JobMemoryLimit != "" {
		if _, err := utils.ParseMemoryLimit(cfg.JobMemoryLimit); err != nil {
			return fmt.Errorf("HADES_JOB_MEMORY_LIMIT: %w", err)
		}
	}

	shutdownTracing, err := utils.SetupTracing(ctx, cfg.Tracing, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	nc, err := hadesnats.SetupNatsConnection(cfg.Name, cfg.NatsConfig)
	if err != nil {
		return err
	}
	defer nc.Close()

	status, err := jobstatus.NewNATSStatusPublisher(nc)
	if err != nil {
		return err
	}

	opts := []jobs.Option{
		jobs.WithTimeout(cfg.JobTimeout),
		jobs.WithMemoryLimit(cfg.JobMemoryLimit),
		jobs.WithStatusPublisher(status),
		jobs.WithSettings(jobs.Settings{
			ConvergeLogLevel: cfg.ConvergeLogLevel,
			RunListDir:       cfg.RunListDir,
			Passthrough:      cfg.LogPassthrough,
		}),
	}
	if cfg.StreamLogs {
		producer, err := joblogs.NewHadesLogProducer(ctx, nc)
		if err != nil {
			return err
		}
		opts = append(opts, jobs.WithLogPublisher(producer))
	}

	runner := isolate.NewRunner(isolate.WithScratchDir(cfg.ScratchDir))
	dispatcher := jobs.NewDispatcher(runner, opts...)

	responder, err := hadesnats.NewResponder(nc, serviceName, version, dispatcher)
	if err != nil {
		return err
	}

	slog.Info("Started HadesAgent",
		"name", cfg.Name,
		"version", version,
		"timeout", cfg.JobTimeout,
		"memory_limit", cfg.JobMemoryLimit,
		"stream_logs", cfg.StreamLogs)

	return runWithGracefulShutdown(ctx, cancel, cfg, responder)
}

func runWithGracefulShutdown(ctx context.Context, cancel context.CancelFunc, cfg HadesAgentConfig, responder *hadesnats.Responder) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 1)

	server := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           setupRouter(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		shutdownErr = err
	case <-ctx.Done():
	}

	slog.Info("Starting graceful shutdown...")
	// Running jobs get ShutdownTimeout to finish; the rest are killed and reported as Stopped.
	// The NATS connection is closed only after Stop returns.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := responder.Stop(stopCtx); err != nil {
		slog.Error("Failed to stop job service", "error", err)
	}
	stopCancel()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics server shutdown error", "error", err)
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	wg.Wait()
	slog.Info("Graceful shutdown complete")
	return shutdownErr
}
