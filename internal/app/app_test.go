package app

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/sgemm-bench/internal/config"
	"github.com/fxnlabs/sgemm-bench/internal/device"
	"github.com/fxnlabs/sgemm-bench/internal/gpu"
	"github.com/fxnlabs/sgemm-bench/internal/harness"
	"github.com/fxnlabs/sgemm-bench/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logger.Verbosity = "error"
	cfg.Device.Driver = "host"
	cfg.Run.Thread64 = 1
	cfg.Run.Repeat = 2
	cfg.Run.Fill = "ones"
	cfg.Oracle.WarmupRuns = 0
	cfg.Verify.DiffFile = filepath.Join(t.TempDir(), "data.txt")
	return cfg
}

func TestModule(t *testing.T) {
	var (
		h   *harness.Harness
		mgr *gpu.Manager
		m   *metrics.Metrics
		out bytes.Buffer
	)
	cfg := testConfig(t)
	app := fxtest.New(t, Module(cfg, &out), fx.Populate(&h, &mgr, &m))
	app.RequireStart()

	assert.Equal(t, "host", mgr.BackendType())
	assert.Equal(t, 5, h.Device().Major)

	sum, err := h.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Errors())
	assert.Equal(t, float64(64), testutil.ToFloat64(m.MatrixSize))
	assert.Contains(t, out.String(), "Max128 GFLOPS: ")

	app.RequireStop()
}

func TestRun(t *testing.T) {
	t.Run("completes", func(t *testing.T) {
		var out bytes.Buffer
		sum, log, err := Run(context.Background(), testConfig(t), &out)
		require.NoError(t, err)
		assert.NotNil(t, log)
		assert.Equal(t, 64, sum.N)
		assert.Contains(t, out.String(), "0 errors\n")
	})

	t.Run("bad logger config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Logger.Verbosity = "loud"
		_, _, err := Run(context.Background(), cfg, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Device.Driver = "opencl"
		_, _, err := Run(context.Background(), cfg, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("no qualifying device", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Device.MinComputeMajor = 9
		var out bytes.Buffer
		_, _, err := Run(context.Background(), cfg, &out)
		require.Error(t, err)
		assert.True(t, errors.Is(err, device.ErrNoDevice))
		assert.Contains(t, out.String(), "No compute 9.0 device found, exiting.")
	})
}

func TestHostOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Host.MemoryLimit = 1 << 20
	cfg.Host.Workers = 3
	cfg.Host.QueueDepth = 8
	opts := HostOptions(cfg)
	assert.Equal(t, int64(1<<20), opts.MemoryLimit)
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 8, opts.QueueDepth)
}
