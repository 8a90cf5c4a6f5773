// Package bootstrap loads configuration, builds the gateway and runs it until shutdown
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp_gateway/internal/config"
	"perp_gateway/internal/core"
	"perp_gateway/internal/infrastructure/health"
	"perp_gateway/pkg/logging"
	"perp_gateway/pkg/telemetry"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Runner is a component that runs until ctx is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

// Run calls f(ctx)
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// App holds the process-wide dependencies
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
	Health *health.Manager

	zap       *logging.ZapLogger
	telemetry *telemetry.Telemetry
}

// NewApp loads envPath (if present) and configPath, then sets up logging and telemetry
func NewApp(configPath, envPath string) (*App, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("env: %w", err)
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig sets up logging and telemetry for an already loaded configuration
func NewAppWithConfig(cfg *config.Config) (*App, error) {
	zl, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tc := telemetry.Config{ServiceName: cfg.App.Name, SampleRatio: cfg.Telemetry.TraceSampleRatio}
	if cfg.Telemetry.ExportStdout {
		tc.Exports = os.Stdout
	}
	tel, err := telemetry.Setup(tc)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	return &App{
		Cfg:       cfg,
		Logger:    zl,
		Health:    health.NewManager(zl),
		zap:       zl,
		telemetry: tel,
	}, nil
}

// Run starts every runner and blocks until SIGINT/SIGTERM, ctx cancellation or the
// first runner failure. A plain shutdown returns nil.
func (a *App) Run(ctx context.Context, runners ...Runner) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting application", "runners", len(runners))

	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}

// Close flushes telemetry and the logger
func (a *App) Close() error {
	var errs []error
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.zap != nil {
		// stderr sync fails on some platforms
		_ = a.zap.Sync()
	}
	return errors.Join(errs...)
}
