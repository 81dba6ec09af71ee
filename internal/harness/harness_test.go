package harness

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fxnlabs/sgemm-bench/internal/config"
	"github.com/fxnlabs/sgemm-bench/internal/device"
	"github.com/fxnlabs/sgemm-bench/internal/device/host"
	"github.com/fxnlabs/sgemm-bench/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Run.Thread64 = 2
	cfg.Run.Repeat = 3
	cfg.Run.Fill = "ones"
	cfg.Oracle.WarmupRuns = 1
	cfg.Oracle.ProfilerEnv = nil
	cfg.Verify.DiffFile = filepath.Join(t.TempDir(), "data.txt")
	return cfg
}

// idleImage exposes the sgemm entry points with kernels that never write C.
func idleImage() host.Image {
	idle := func(l *host.Launch) (host.BlockFunc, error) {
		return func(device.Dim3) error { return nil }, nil
	}
	return host.Image{
		Kernels:  map[string]host.Kernel{"sgemm_kernel_64": idle, "sgemm_kernel_128": idle},
		Textures: []string{"texA", "texB"},
	}
}

func openHarness(t *testing.T, cfg *config.Config, opts host.Options, m *metrics.Metrics) (*Harness, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	h, err := New(cfg, host.New(zap.NewNop(), opts), zap.NewNop(), &out, m)
	require.NoError(t, err)
	require.NoError(t, h.Open())
	t.Cleanup(func() { _ = h.Close() })
	return h, &out
}

func TestRun(t *testing.T) {
	fills := []string{"ones", "identity"}
	for _, fill := range fills {
		t.Run(fill, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Run.Fill = fill
			cfg.Kernel.Variants = []string{"64", "128"}
			cfg.Oracle.CompareReference = true
			h, out := openHarness(t, cfg, host.Options{}, nil)

			sum, err := h.Run()
			require.NoError(t, err)

			assert.Equal(t, 128, sum.N)
			assert.Equal(t, 3, sum.Repeat)
			assert.Equal(t, 1, sum.Warmups)
			assert.Equal(t, 0, sum.Errors())
			require.Len(t, sum.Runs, 2)
			for _, r := range sum.Runs {
				assert.True(t, r.Verify.Identical, r.Variant.Kernel)
				assert.False(t, r.Verify.ArtifactWritten)
				assert.Equal(t, 3, r.Launch.Launches)
				assert.Len(t, r.Launch.Chunks, 2)
			}
			assert.Equal(t, 2, sum.Runs[0].Launch.Geometry.GridDimX)
			assert.Equal(t, 1, sum.Runs[1].Launch.Geometry.GridDimX)

			text := out.String()
			assert.Contains(t, text, "Max64 GFLOPS: ")
			assert.Contains(t, text, "Max128 GFLOPS: ")
			assert.Contains(t, text, "(size: 128, iterations: 3)")
			assert.Contains(t, text, "Reference GFLOPS: ")
			assert.Equal(t, 2, strings.Count(text, "0 errors\n"))
			assert.NoFileExists(t, cfg.Verify.DiffFile)
		})
	}
}

func TestRunMismatch(t *testing.T) {
	cfg := testConfig(t)
	h, out := openHarness(t, cfg, host.Options{Images: map[string]host.Image{host.SgemmArtifact: idleImage()}}, nil)

	sum, err := h.Run()
	require.NoError(t, err)
	require.Len(t, sum.Runs, 1)

	res := sum.Runs[0].Verify
	assert.False(t, res.Identical)
	assert.Equal(t, 128*128, res.Errors)
	assert.True(t, res.ArtifactWritten)
	assert.Equal(t, cfg.Verify.DiffFile, res.ArtifactPath)
	assert.Contains(t, out.String(), "16384 errors\n")

	data, err := os.ReadFile(cfg.Verify.DiffFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 128)
	assert.Equal(t, strings.Repeat("0!", 128), lines[0])
}

func TestRunArtifactUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Verify.DiffFile = filepath.Join(t.TempDir(), "missing", "data.txt")
	h, out := openHarness(t, cfg, host.Options{Images: map[string]host.Image{host.SgemmArtifact: idleImage()}}, nil)

	sum, err := h.Run()
	require.NoError(t, err)

	res := sum.Runs[0].Verify
	assert.Error(t, res.ArtifactErr)
	assert.False(t, res.ArtifactWritten)
	assert.Equal(t, 128*128, res.Errors)
	assert.Contains(t, out.String(), "Cannot open "+cfg.Verify.DiffFile+" for writing\n")
	assert.Contains(t, out.String(), "16384 errors\n")
}

func TestArtifactPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Verify.DiffFile = "out/data.txt"
	cfg.Kernel.Variants = []string{"64", "128"}
	h, err := New(cfg, host.New(nil, host.Options{}), nil, &bytes.Buffer{}, nil)
	require.NoError(t, err)

	assert.Equal(t, "out/data_sgemm_kernel_64.txt", h.artifactPath(h.variants[0]))
	assert.Equal(t, "out/data_sgemm_kernel_128.txt", h.artifactPath(h.variants[1]))

	cfg.Kernel.Variants = []string{"128"}
	h, err = New(cfg, host.New(nil, host.Options{}), nil, &bytes.Buffer{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "out/data.txt", h.artifactPath(h.variants[0]))
}

func TestRunTrace(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Thread64 = 1
	cfg.Run.Repeat = 1
	cfg.Run.PrintVars = 8
	cfg.Kernel.Variants = []string{"Max64"}
	h, out := openHarness(t, cfg, host.Options{}, nil)

	_, err := h.Run()
	require.NoError(t, err)

	text := out.String()
	assert.Equal(t, 64, strings.Count(text, "by:   0, bx:   0, tid:"))
	assert.Contains(t, text, "by:   0, bx:   0, tid: 17, t0:    0, end:   64, k:   64, tid2:   34, tid15:    1, ldx:    0, t2:    2, t4:    4")
}

func TestRunMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "sgemm.prom")
	m := metrics.New()
	h, _ := openHarness(t, cfg, host.Options{}, m)

	sum, err := h.Run()
	require.NoError(t, err)

	assert.Equal(t, float64(128), testutil.ToFloat64(m.MatrixSize))
	assert.Equal(t, float64(4*128*128*4), testutil.ToFloat64(m.DeviceMemory))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WarmupRuns))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.KernelLaunches.WithLabelValues("sgemm_kernel_128")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Mismatches.WithLabelValues("sgemm_kernel_128")))
	assert.Equal(t, sum.Runs[0].GFLOPS, testutil.ToFloat64(m.KernelGFLOPS.WithLabelValues("sgemm_kernel_128")))
	assert.FileExists(t, cfg.Metrics.Textfile)
}

func TestWarmupSkippedUnderProfiler(t *testing.T) {
	t.Setenv("SGEMM_TEST_PROFILER", "1")
	cfg := testConfig(t)
	cfg.Oracle.WarmupRuns = 3
	cfg.Oracle.ProfilerEnv = []string{"SGEMM_TEST_PROFILER"}
	h, _ := openHarness(t, cfg, host.Options{}, nil)

	sum, err := h.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Warmups)
}

func TestOpenNoDevice(t *testing.T) {
	var out bytes.Buffer
	opts := host.Options{Devices: []device.Info{{Name: "old", Major: 3, Minor: 5, TotalMemory: 1 << 30}}}
	h, err := New(testConfig(t), host.New(nil, opts), nil, &out, nil)
	require.NoError(t, err)

	err = h.Open()
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrNoDevice))
	assert.Equal(t, "No compute 5.0 device found, exiting.\n", out.String())
	assert.NoError(t, h.Close())

	_, err = h.Run()
	assert.Error(t, err)
}

func TestOpenReleasesOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Thread64 = 16
	// Room for three of the four matrices.
	opts := host.Options{MemoryLimit: 3 * 1024 * 1024 * 4}
	h, err := New(cfg, host.New(nil, opts), nil, &bytes.Buffer{}, nil)
	require.NoError(t, err)

	err = h.Open()
	require.Error(t, err)
	var derr *device.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, device.StatusOutOfMemory, derr.Status)
	assert.Nil(t, h.ctx)
	assert.Nil(t, h.ws)
}

func TestRunKernelFault(t *testing.T) {
	faulty := func(l *host.Launch) (host.BlockFunc, error) {
		return func(device.Dim3) error { return errors.New("illegal address") }, nil
	}
	img := host.Image{
		Kernels:  map[string]host.Kernel{"sgemm_kernel_128": faulty},
		Textures: []string{"texA", "texB"},
	}
	h, _ := openHarness(t, testConfig(t), host.Options{Images: map[string]host.Image{host.SgemmArtifact: img}}, nil)

	_, err := h.Run()
	require.Error(t, err)
	assert.True(t, device.IsFatal(err))
	assert.Contains(t, err.Error(), "illegal address")
}

func TestClose(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	h, err := New(cfg, host.New(nil, host.Options{}), nil, &out, nil)
	require.NoError(t, err)
	require.NoError(t, h.Open())

	ctx, ok := h.ctx.(*host.Context)
	require.True(t, ok)
	assert.Equal(t, 4, ctx.Allocations())

	require.NoError(t, h.Close())
	assert.Equal(t, 0, ctx.Allocations())
	assert.NoError(t, h.Close())
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "unknown variant", mutate: func(c *config.Config) { c.Kernel.Variants = []string{"96"} }},
		{name: "no variant", mutate: func(c *config.Config) { c.Kernel.Variants = nil }},
		{name: "unknown fill", mutate: func(c *config.Config) { c.Run.Fill = "random" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := New(cfg, host.New(nil, host.Options{}), nil, &bytes.Buffer{}, nil)
			assert.Error(t, err)
		})
	}
}
