package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/sgemm-bench/fixtures"
	"github.com/fxnlabs/sgemm-bench/internal/app"
	"github.com/fxnlabs/sgemm-bench/internal/config"
	"github.com/fxnlabs/sgemm-bench/internal/device"
	"github.com/fxnlabs/sgemm-bench/internal/gpu"
	"github.com/fxnlabs/sgemm-bench/internal/logger"
	"github.com/tebeka/atexit"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// exitError is a failure that has already been reported.
type exitError struct {
	err error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newApp() *cli.App {
	return &cli.App{
		Name:      "sgemm",
		Usage:     "Verify and benchmark the tiled sgemm kernels against the reference BLAS",
		ArgsUsage: "[thread64 (1-80, N = thread64*64)] [repeat (1-1000)] [printVars (1-100)]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"SGEMM_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "env-file",
				Value:   defaultEnvFile,
				Usage:   "Export variables from `FILE` before the run",
				EnvVars: []string{"SGEMM_ENV_FILE"},
			},
			&cli.StringFlag{
				Name:    "driver",
				Usage:   "Accelerator driver: auto, host or cuda",
				EnvVars: []string{"SGEMM_DRIVER"},
			},
			&cli.StringSliceFlag{
				Name:    "variant",
				Usage:   "Kernel variant to run: 64, 128, Max64, Max128 or an entry point (repeatable)",
				EnvVars: []string{"SGEMM_VARIANT"},
			},
			&cli.StringFlag{
				Name:    "diff-file",
				Usage:   "Write the element-wise diff of a mismatching run to `FILE`",
				EnvVars: []string{"SGEMM_DIFF_FILE"},
			},
			&cli.StringFlag{
				Name:    "metrics-textfile",
				Usage:   "Write Prometheus metrics to `FILE` after the run",
				EnvVars: []string{"SGEMM_METRICS_TEXTFILE"},
			},
			&cli.Uint64Flag{
				Name:    "seed",
				Usage:   "Seed of the input generator",
				EnvVars: []string{"SGEMM_SEED"},
			},
			&cli.StringFlag{
				Name:    "fill",
				Usage:   "Input pattern: uniform, ones or identity",
				EnvVars: []string{"SGEMM_FILL"},
			},
			&cli.StringFlag{
				Name:    "verbosity",
				Usage:   "Log level: debug, info, warn or error",
				EnvVars: []string{"SGEMM_VERBOSITY"},
			},
			&cli.BoolFlag{
				Name:    "compare-reference",
				Usage:   "Print the reference throughput",
				EnvVars: []string{"SGEMM_COMPARE_REFERENCE"},
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Do not print the banner",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			c.App.Metadata = map[string]interface{}{"config": cfg}
			return nil
		},
		Action:         runAction,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			devicesCommand(),
			initConfigCommand(),
		},
	}
}

// loadConfig reads the config file, or the defaults, and applies the flags over it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet("driver") {
		cfg.Device.Driver = c.String("driver")
	}
	if c.IsSet("variant") {
		cfg.Kernel.Variants = c.StringSlice("variant")
	}
	if c.IsSet("diff-file") {
		cfg.Verify.DiffFile = c.String("diff-file")
	}
	if c.IsSet("metrics-textfile") {
		cfg.Metrics.Textfile = c.String("metrics-textfile")
	}
	if c.IsSet("seed") {
		cfg.Run.Seed = c.Uint64("seed")
	}
	if c.IsSet("fill") {
		cfg.Run.Fill = c.String("fill")
	}
	if c.IsSet("verbosity") {
		cfg.Logger.Verbosity = c.String("verbosity")
	}
	if c.IsSet("compare-reference") {
		cfg.Oracle.CompareReference = c.Bool("compare-reference")
	}
	return cfg, cfg.Validate()
}

func runAction(c *cli.Context) error {
	cfg := c.App.Metadata["config"].(*config.Config)
	cfg.ApplyArgs(c.Args().Slice())

	if !c.Bool("quiet") {
		fmt.Fprintln(c.App.Writer, figure.NewFigure("SGEMM", "", true).String())
	}

	sum, log, err := app.Run(c.Context, cfg, c.App.Writer)
	if log != nil {
		atexit.Register(func() { _ = log.Sync() })
	}
	if err != nil {
		if log == nil {
			return err
		}
		if errors.Is(err, device.ErrNoDevice) {
			return &exitError{err: err}
		}
		fields := []zap.Field{zap.Error(err)}
		var derr *device.Error
		var berr *device.BLASError
		switch {
		case errors.As(err, &derr):
			fields = append(fields, zap.String("op", derr.Op), zap.Stringer("status", derr.Status), zap.String("location", derr.Location))
		case errors.As(err, &berr):
			fields = append(fields, zap.String("op", berr.Op), zap.Stringer("status", berr.Status), zap.String("location", berr.Location))
		}
		log.Error("Benchmark failed", fields...)
		return &exitError{err: err}
	}
	log.Info("Benchmark complete",
		zap.Int("n", sum.N),
		zap.Int("repeat", sum.Repeat),
		zap.Int("errors", sum.Errors()),
		zap.Float32("referenceMs", sum.ReferenceMs))
	return nil
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices of the selected driver",
		Action: func(c *cli.Context) error {
			cfg := c.App.Metadata["config"].(*config.Config)
			log, err := logger.Build(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			kind, err := gpu.ParseKind(cfg.Device.Driver)
			if err != nil {
				return err
			}
			mgr, err := gpu.NewManager(log.Named("gpu"), kind, app.HostOptions(cfg))
			if err != nil {
				return err
			}
			infos, err := mgr.Devices()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Driver: %s\n", mgr.BackendType())
			for _, info := range infos {
				status := "ok"
				if info.Major < cfg.Device.MinComputeMajor {
					status = fmt.Sprintf("below compute %d.0", cfg.Device.MinComputeMajor)
				}
				fmt.Fprintf(c.App.Writer, "%d: %s (compute %s, %d MiB) %s\n",
					info.Ordinal, info.Name, info.ComputeCapability(), info.TotalMemory>>20, status)
			}
			return nil
		},
	}
}

func initConfigCommand() *cli.Command {
	return &cli.Command{
		Name:      "init-config",
		Usage:     "Write the default configuration file",
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: func(c *cli.Context) error {
			path := "config.yaml"
			if c.Args().Present() {
				path = c.Args().First()
			}
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Wrote %s\n", path)
			return nil
		},
	}
}
