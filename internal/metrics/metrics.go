// Package metrics defines the Prometheus collectors recorded by a benchmark run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one run on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// KernelLaunches counts candidate kernel launches by kernel name.
	KernelLaunches *prometheus.CounterVec

	// ChunkDuration tracks the device time of each timing window in milliseconds.
	ChunkDuration *prometheus.HistogramVec

	// KernelGFLOPS is the measured candidate throughput by kernel name.
	KernelGFLOPS *prometheus.GaugeVec

	// KernelElapsed is the total device time of all launches of a kernel in milliseconds.
	KernelElapsed *prometheus.GaugeVec

	// Mismatches is the number of output elements that differ from the reference.
	Mismatches *prometheus.GaugeVec

	// ReferenceDuration is the device time of the timed reference product in milliseconds.
	ReferenceDuration prometheus.Gauge

	// ReferenceGFLOPS is the reference throughput.
	ReferenceGFLOPS prometheus.Gauge

	// MatrixSize is the matrix dimension N.
	MatrixSize prometheus.Gauge

	// DeviceMemory is the device memory held by the workspace in bytes.
	DeviceMemory prometheus.Gauge

	// WarmupRuns counts reference warm-up invocations.
	WarmupRuns prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		KernelLaunches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sgemm_kernel_launches_total",
				Help: "Total number of candidate kernel launches",
			},
			[]string{"kernel"},
		),
		ChunkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sgemm_chunk_duration_milliseconds",
				Help:    "Device time of each timing window in milliseconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10µs to ~2.6s
			},
			[]string{"kernel"},
		),
		KernelGFLOPS: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sgemm_kernel_gflops",
				Help: "Measured candidate kernel throughput in GFLOPS",
			},
			[]string{"kernel"},
		),
		KernelElapsed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sgemm_kernel_elapsed_milliseconds",
				Help: "Total device time of all launches of a kernel in milliseconds",
			},
			[]string{"kernel"},
		),
		Mismatches: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sgemm_mismatched_elements",
				Help: "Number of output elements differing from the reference",
			},
			[]string{"kernel"},
		),
		ReferenceDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sgemm_reference_duration_milliseconds",
			Help: "Device time of the timed reference product in milliseconds",
		}),
		ReferenceGFLOPS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sgemm_reference_gflops",
			Help: "Reference product throughput in GFLOPS",
		}),
		MatrixSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sgemm_matrix_size",
			Help: "Matrix dimension N of the run",
		}),
		DeviceMemory: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sgemm_device_memory_bytes",
			Help: "Device memory held by the workspace in bytes",
		}),
		WarmupRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "sgemm_reference_warmup_runs_total",
			Help: "Total number of reference warm-up invocations",
		}),
	}
}

// WriteToTextfile writes the registry in the text exposition format, for the node exporter
// textfile collector. The file is replaced atomically.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
