package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jsierles/opscode-agent/shared/joblogs"
	hadesnats "github.com/jsierles/opscode-agent/shared/nats"
	"github.com/jsierles/opscode-agent/shared/utils"
)

type HadesAPIConfig struct {
	APIPort        uint          `env:"API_PORT,notEmpty" envDefault:"8080"`
	AuthKey        string        `env:"AUTH_KEY"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30m"`
	NatsConfig     hadesnats.ConnectionConfig
	Logging        utils.LoggingConfig
	Tracing        utils.TracingConfig
}

func main() {
	var cfg HadesAPIConfig
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

func run(cfg HadesAPIConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := utils.SetupTracing(ctx, cfg.Tracing, "hades-api")
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

	nc, err := hadesnats.SetupNatsConnection("hades-api", cfg.NatsConfig)
	if err != nil {
		return err
	}
	defer nc.Close()

	consumer, err := joblogs.NewHadesLogConsumer(nc)
	if err != nil {
		return err
	}

	api := &API{
		requester: hadesnats.NewRequester(nc),
		logs:      consumer,
		timeout:   cfg.RequestTimeout,
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.AuthKey == "" {
		slog.Warn("No auth key set")
	} else {
		slog.Info("Auth key set")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           setupRouter(cfg.AuthKey, api),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HadesAPI", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	slog.Info("Graceful shutdown complete")
	return nil
}
