package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/fluent/fluent-logger-golang/fluent"
	slogfluentd "github.com/samber/slog-fluentd/v2"
)

// SetupLogging installs the default slog logger described by cfg and returns a
// function releasing the fluentd connection, if one was opened.
func SetupLogging(cfg LoggingConfig) (func(), error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	handler := NewHandler(os.Stdout, cfg.Format, level)
	cleanup := func() {}

	if cfg.FluentdAddr != "" {
		client, err := NewFluentdClient(cfg.FluentdAddr, 3)
		if err != nil {
			return nil, fmt.Errorf("connecting to fluentd at %s: %w", cfg.FluentdAddr, err)
		}
		fluentHandler := slogfluentd.Option{Level: level, Client: client}.NewFluentdHandler()
		handler = NewFanoutHandler(handler, fluentHandler.WithAttrs([]slog.Attr{slog.String("tag", cfg.FluentdTag)}))
		cleanup = func() {
			if err := client.Close(); err != nil {
				slog.Warn("Failed to close fluentd client", "error", err)
			}
		}
	}

	slog.SetDefault(slog.New(handler))
	return cleanup, nil
}

// NewHandler builds a text or JSON handler writing to w.
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a LOG_LEVEL value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// NewFluentdClient connects to a fluentd forward input at addr (host:port).
func NewFluentdClient(addr string, maxRetry int) (*fluent.Fluent, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return nil, err
	}
	return fluent.New(fluent.Config{
		FluentHost:    host,
		FluentPort:    portInt,
		FluentNetwork: "tcp",
		MaxRetry:      maxRetry,
		Async:         true,
	})
}

// FanoutHandler sends every record to all of its handlers.
type FanoutHandler struct {
	handlers []slog.Handler
}

var _ slog.Handler = (*FanoutHandler)(nil)

func NewFanoutHandler(handlers ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{handlers: handlers}
}

func (f *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: handlers}
}

func (f *FanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &FanoutHandler{handlers: handlers}
}

// JobLogger creates a logger with the job_id attribute.
func JobLogger(jobID string) *slog.Logger {
	return slog.Default().With(slog.String("job_id", jobID))
}

// ComponentLogger creates a logger with the component attribute.
func ComponentLogger(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}
