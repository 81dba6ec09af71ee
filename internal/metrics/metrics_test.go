package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelMetrics(t *testing.T) {
	m := New()

	t.Run("KernelLaunches", func(t *testing.T) {
		m.KernelLaunches.WithLabelValues("sgemm_kernel_128").Add(3)
		m.KernelLaunches.WithLabelValues("sgemm_kernel_128").Inc()
		assert.Equal(t, float64(4), testutil.ToFloat64(m.KernelLaunches.WithLabelValues("sgemm_kernel_128")))
		assert.Equal(t, float64(0), testutil.ToFloat64(m.KernelLaunches.WithLabelValues("sgemm_kernel_64")))
	})

	t.Run("ChunkDuration", func(t *testing.T) {
		m.ChunkDuration.WithLabelValues("sgemm_kernel_64").Observe(1.5)
		m.ChunkDuration.WithLabelValues("sgemm_kernel_64").Observe(2.5)
		assert.Equal(t, 1, testutil.CollectAndCount(m.ChunkDuration))
	})

	t.Run("KernelGFLOPS", func(t *testing.T) {
		m.KernelGFLOPS.WithLabelValues("sgemm_kernel_128").Set(123.45)
		assert.Equal(t, 123.45, testutil.ToFloat64(m.KernelGFLOPS.WithLabelValues("sgemm_kernel_128")))
	})

	t.Run("Mismatches", func(t *testing.T) {
		m.Mismatches.WithLabelValues("sgemm_kernel_64").Set(7)
		assert.Equal(t, float64(7), testutil.ToFloat64(m.Mismatches.WithLabelValues("sgemm_kernel_64")))
	})

	t.Run("Gauges", func(t *testing.T) {
		m.MatrixSize.Set(5120)
		m.ReferenceDuration.Set(12.5)
		m.DeviceMemory.Set(4 * 5120 * 5120 * 4)
		assert.Equal(t, float64(5120), testutil.ToFloat64(m.MatrixSize))
		assert.Equal(t, 12.5, testutil.ToFloat64(m.ReferenceDuration))
		assert.Equal(t, float64(4*5120*5120*4), testutil.ToFloat64(m.DeviceMemory))
	})
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.WarmupRuns.Add(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(a.WarmupRuns))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.WarmupRuns))
}

func TestWriteToTextfile(t *testing.T) {
	m := New()
	m.MatrixSize.Set(256)
	m.KernelGFLOPS.WithLabelValues("sgemm_kernel_128").Set(42)

	path := filepath.Join(t.TempDir(), "sgemm.prom")
	require.NoError(t, m.WriteToTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sgemm_matrix_size 256")
	assert.Contains(t, string(data), `sgemm_kernel_gflops{kernel="sgemm_kernel_128"} 42`)

	err = m.WriteToTextfile(filepath.Join(t.TempDir(), "missing", "sgemm.prom"))
	assert.Error(t, err)
}
