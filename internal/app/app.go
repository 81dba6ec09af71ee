// Package app wires the benchmark components together.
package app

import (
	"context"
	"io"
	"time"

	"github.com/fxnlabs/sgemm-bench/internal/config"
	"github.com/fxnlabs/sgemm-bench/internal/device/host"
	"github.com/fxnlabs/sgemm-bench/internal/gpu"
	"github.com/fxnlabs/sgemm-bench/internal/harness"
	"github.com/fxnlabs/sgemm-bench/internal/logger"
	"github.com/fxnlabs/sgemm-bench/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// StartTimeout bounds driver initialization and workspace staging.
const StartTimeout = 2 * time.Minute

// Module provides the logger, metrics, driver manager and an opened harness printing to out.
func Module(cfg *config.Config, out io.Writer) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			func() io.Writer { return out },
			NewLogger,
			metrics.New,
			NewManager,
			NewHarness,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.StartTimeout(StartTimeout),
	)
}

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.Build(cfg.Logger)
}

// NewManager selects the driver named in cfg.
func NewManager(cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	kind, err := gpu.ParseKind(cfg.Device.Driver)
	if err != nil {
		return nil, err
	}
	return gpu.NewManager(log.Named("gpu"), kind, HostOptions(cfg))
}

// HostOptions returns the emulated driver settings of cfg.
func HostOptions(cfg *config.Config) host.Options {
	return host.Options{
		MemoryLimit: cfg.Host.MemoryLimit,
		Workers:     cfg.Host.Workers,
		QueueDepth:  cfg.Host.QueueDepth,
	}
}

// NewHarness builds the harness and ties Open and Close to the application lifecycle.
func NewHarness(lc fx.Lifecycle, cfg *config.Config, mgr *gpu.Manager, log *zap.Logger, out io.Writer, m *metrics.Metrics) (*harness.Harness, error) {
	h, err := harness.New(cfg, mgr.Driver(), log, out, m)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return h.Open()
		},
		OnStop: func(context.Context) error {
			return h.Close()
		},
	})
	return h, nil
}

// Run starts the application, runs the benchmark once and stops it. The logger is returned so
// the caller can report a failure after the application has stopped; it is nil when the logger
// could not be built.
func Run(ctx context.Context, cfg *config.Config, out io.Writer) (*harness.Summary, *zap.Logger, error) {
	var (
		h   *harness.Harness
		log *zap.Logger
	)
	app := fx.New(Module(cfg, out), fx.Populate(&h, &log))
	if err := app.Err(); err != nil {
		return nil, log, err
	}
	if err := app.Start(ctx); err != nil {
		return nil, log, err
	}

	sum, err := h.Run()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	if stopErr := app.Stop(stopCtx); stopErr != nil {
		if err == nil {
			return sum, log, stopErr
		}
		log.Warn("failed to release device handles", zap.Error(stopErr))
	}
	return sum, log, err
}
