package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"github.com/fxnlabs/sgemm-bench/internal/device/host"
	"go.uber.org/zap"
)

// ErrCUDAUnavailable is returned when the cuda driver is requested from a build without it.
var ErrCUDAUnavailable = errors.New("cuda support not compiled in (build with -tags cuda)")

// Manager handles driver selection and initialization
type Manager struct {
	driver device.Driver
	mu     sync.RWMutex
	logger *zap.Logger
	opts   host.Options
}

// NewManager selects and initializes the driver of the given kind. KindAuto tries CUDA first and
// falls back to the host driver.
func NewManager(logger *zap.Logger, kind Kind, opts host.Options) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger: logger,
		opts:   opts,
	}

	if err := m.detectAndInitialize(kind); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) detectAndInitialize(kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case KindCUDA:
		drv := m.tryCreateCUDADriver()
		if drv == nil {
			return ErrCUDAUnavailable
		}
		if err := drv.Init(); err != nil {
			return fmt.Errorf("failed to initialize CUDA driver: %w", err)
		}
		m.driver = drv
		return nil
	case KindAuto:
		if drv := m.tryCreateCUDADriver(); drv != nil {
			err := drv.Init()
			if err == nil {
				var n int
				if n, err = drv.DeviceCount(); err == nil && n > 0 {
					m.logger.Info("Using CUDA driver", zap.Int("devices", n))
					m.driver = drv
					return nil
				}
			}
			m.logger.Warn("CUDA driver not available, falling back to host", zap.Error(err))
		}
	case KindHost:
	default:
		return fmt.Errorf("unknown driver kind %q", kind)
	}

	// Fall back to the emulated accelerator
	drv := host.New(m.logger, m.opts)
	if err := drv.Init(); err != nil {
		return fmt.Errorf("failed to initialize host driver: %w", err)
	}
	m.logger.Info("Using host driver")
	m.driver = drv
	return nil
}

// Driver returns the selected driver
func (m *Manager) Driver() device.Driver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.driver
}

// BackendType returns the name of the selected driver
func (m *Manager) BackendType() string {
	drv := m.Driver()
	if drv == nil {
		return "none"
	}
	return drv.Name()
}

// IsGPUAvailable returns true if a hardware driver is active
func (m *Manager) IsGPUAvailable() bool {
	_, isHost := m.Driver().(*host.Driver)
	return m.Driver() != nil && !isHost
}

// Devices lists the devices of the selected driver
func (m *Manager) Devices() ([]device.Info, error) {
	drv := m.Driver()
	n, err := drv.DeviceCount()
	if err != nil {
		return nil, err
	}
	infos := make([]device.Info, 0, n)
	for i := 0; i < n; i++ {
		info, err := drv.DeviceInfo(i)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
