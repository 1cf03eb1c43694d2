// Package main runs the dashboard data-source server.
//
//	dashboard -config config.yaml          serve
//	dashboard -config config.yaml -check   validate definitions, policy and
//	                                       service contracts, then exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/app"
	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/internal/observability"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

const defaultShutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("dashboard", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "config.yaml", "path to configuration file")
	envPath := flags.String("env", ".env", "path to an optional .env file")
	check := flags.Bool("check", false, "validate definitions, policy and service contracts, then exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "env file: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if *check {
		return checkConfig(ctx, cfg, stdout, stderr)
	}
	return serve(ctx, cfg, logger)
}

// checkConfig builds the application against in-memory persistence, which
// loads every definition and checks it against its service contract, and
// lists the registered data sources.
func checkConfig(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	cfg.Persistence.Driver = config.DriverMemory
	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "check failed: %v\n", err)
		return 1
	}
	defer a.Close(ctx)

	for _, key := range a.Registry.Keys() {
		fmt.Fprintf(stdout, "%-24s %s\n", key, a.Registry.Title(key))
	}
	fmt.Fprintf(stdout, "%d data sources, checksum %s\n", a.Registry.Len(), a.Registry.Checksum())
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) int {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "dashboard", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	opts := []app.Option{app.WithLogger(logger)}
	if cfg.Observability.Metrics.Enabled {
		opts = append(opts, app.WithMetrics(observability.InitMetrics(prometheus.DefaultRegisterer)))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		logger.Error("initialization failed", zap.Error(err))
		return 1
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      application.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go application.Run(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("data_sources", application.Registry.Len()),
	)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop accepting requests before sessions are persisted.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()
	application.Close(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}
