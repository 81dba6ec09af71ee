//go:build cuda
// +build cuda

package gpu

import (
	"github.com/fxnlabs/sgemm-bench/cuda"
	"github.com/fxnlabs/sgemm-bench/internal/device"
)

// tryCreateCUDADriver returns the CUDA driver when the cuda build tag is present
func (m *Manager) tryCreateCUDADriver() device.Driver {
	return cuda.NewDriver(m.logger)
}
