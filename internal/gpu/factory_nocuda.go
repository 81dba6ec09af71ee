//go:build !cuda
// +build !cuda

package gpu

import "github.com/fxnlabs/sgemm-bench/internal/device"

// tryCreateCUDADriver returns nil when the cuda build tag is NOT present
func (m *Manager) tryCreateCUDADriver() device.Driver {
	return nil
}
