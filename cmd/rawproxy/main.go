// Command rawproxy is a gatekeeping cache proxy for raw repository content.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/rawproxy/server"
	"github.com/wolfeidau/rawproxy/telemetry"
)

var version = "dev"

type cli struct {
	Address          string        `help:"Address to listen on." default:":8080" env:"RAWPROXY_ADDRESS"`
	Secret           string        `help:"Token callers must present." required:"" env:"RAWPROXY_SECRET"`
	OriginURL        string        `help:"Upstream raw content host." default:"https://raw.githubusercontent.com" env:"RAWPROXY_ORIGIN_URL"`
	OriginCredential string        `help:"Bearer credential forwarded to the origin." env:"RAWPROXY_ORIGIN_CREDENTIAL"`
	OriginTimeout    time.Duration `help:"Timeout for a single origin fetch." default:"10s" env:"RAWPROXY_ORIGIN_TIMEOUT"`
	CacheTTL         time.Duration `help:"TTL for cached objects." default:"5m" env:"RAWPROXY_CACHE_TTL"`
	CacheMaxEntries  int           `help:"Maximum number of cached objects." default:"100" env:"RAWPROXY_CACHE_MAX_ENTRIES"`
	SweepInterval    time.Duration `help:"How often to sweep expired entries." default:"1m" env:"RAWPROXY_SWEEP_INTERVAL"`
	RateLimit        int           `help:"Admissions allowed per window." default:"10" env:"RAWPROXY_RATE_LIMIT"`
	RateWindow       time.Duration `help:"Trailing admission window." default:"1s" env:"RAWPROXY_RATE_WINDOW"`
	MaxKeyLength     int           `help:"Maximum object key length." default:"1000" env:"RAWPROXY_MAX_KEY_LENGTH"`
	DeflectURL       string        `help:"Where rejected requests are redirected." default:"https://github.com" env:"RAWPROXY_DEFLECT_URL"`
	LogLevel         string        `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"RAWPROXY_LOG_LEVEL"`
	LogFormat        string        `help:"Log format." enum:"text,json" default:"text" env:"RAWPROXY_LOG_FORMAT"`
	OTLPEndpoint     string        `help:"OTLP gRPC endpoint for metrics export." env:"RAWPROXY_OTLP_ENDPOINT"`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("rawproxy"),
		kong.Description("Gatekeeping cache proxy for raw repository content."),
	)

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics: Prometheus always on at /metrics, OTLP when configured
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "rawproxy",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	srv, err := server.New(server.Config{
		Address:          flags.Address,
		Secret:           flags.Secret,
		OriginURL:        flags.OriginURL,
		OriginCredential: flags.OriginCredential,
		OriginTimeout:    flags.OriginTimeout,
		CacheTTL:         flags.CacheTTL,
		CacheMaxEntries:  flags.CacheMaxEntries,
		SweepInterval:    flags.SweepInterval,
		RateLimit:        flags.RateLimit,
		RateWindow:       flags.RateWindow,
		MaxKeyLength:     flags.MaxKeyLength,
		DeflectURL:       flags.DeflectURL,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"origin", flags.OriginURL,
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: slogLevel})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
