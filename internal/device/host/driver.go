// Package host implements device.Driver on the CPU.
//
// The emulated accelerator keeps the execution model of a real GPU driver: device memory is
// addressed through opaque pointers, work is queued on an in-order stream and completes
// asynchronously, timing events are stamped when the stream reaches them, and compute modules are
// loaded by name from a table of kernel images. Kernels run one goroutine per block, bounded by
// the number of workers.
package host

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

const defaultTotalMemory = 8 * 1024 * 1024 * 1024 // 8GB

// Options configures the emulated driver.
type Options struct {
	// Devices lists the devices reported by the driver. Defaults to DefaultDevice().
	Devices []device.Info
	// MemoryLimit caps the bytes a context may allocate. Defaults to the device's TotalMemory.
	MemoryLimit int64
	// Images maps module names to kernel images. Defaults to the sgemm image.
	Images map[string]Image
	// Workers bounds the number of blocks executing concurrently. Defaults to GOMAXPROCS.
	Workers int
	// QueueDepth is the capacity of each stream's work queue.
	QueueDepth int
}

// Driver is the emulated accelerator runtime.
type Driver struct {
	log  *zap.Logger
	opts Options

	mu          sync.Mutex
	initialized bool
}

var _ device.Driver = (*Driver)(nil)

// DefaultDevice describes the single emulated device: a compute capability 5.2 part backed by
// the host CPU.
func DefaultDevice() device.Info {
	return device.Info{
		Ordinal:     0,
		Name:        fmt.Sprintf("Host Emulated Accelerator (%s)", cpuDescription()),
		Major:       5,
		Minor:       2,
		TotalMemory: defaultTotalMemory,
	}
}

func cpuDescription() string {
	features := []string{runtime.GOARCH}
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX512F {
			features = append(features, "AVX-512")
		} else if cpu.X86.HasAVX2 {
			features = append(features, "AVX2")
		}
		if cpu.X86.HasFMA {
			features = append(features, "FMA")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "NEON")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "SVE")
		}
	}
	return strings.Join(features, ", ")
}

// New creates an emulated driver.
func New(log *zap.Logger, opts Options) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	if len(opts.Devices) == 0 {
		opts.Devices = []device.Info{DefaultDevice()}
	}
	if opts.Images == nil {
		opts.Images = map[string]Image{SgemmArtifact: SgemmImage()}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	return &Driver{log: log.Named("host"), opts: opts}
}

func (d *Driver) Name() string {
	return "host"
}

func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		d.initialized = true
		d.log.Debug("host driver initialized",
			zap.Int("devices", len(d.opts.Devices)),
			zap.Int("workers", d.opts.Workers))
	}
	return nil
}

func (d *Driver) ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

func (d *Driver) DeviceCount() (int, error) {
	if !d.ready() {
		return 0, device.NewError("cuDeviceGetCount", device.StatusNotInitialized, "")
	}
	return len(d.opts.Devices), nil
}

func (d *Driver) DeviceInfo(ordinal int) (device.Info, error) {
	if !d.ready() {
		return device.Info{}, device.NewError("cuDeviceGet", device.StatusNotInitialized, "")
	}
	if ordinal < 0 || ordinal >= len(d.opts.Devices) {
		return device.Info{}, device.NewError("cuDeviceGet", device.StatusInvalidDevice, fmt.Sprintf("ordinal %d", ordinal))
	}
	info := d.opts.Devices[ordinal]
	info.Ordinal = ordinal
	return info, nil
}

func (d *Driver) CreateContext(ordinal int) (device.Context, error) {
	if !d.ready() {
		return nil, device.NewError("cuCtxCreate", device.StatusNotInitialized, "")
	}
	if ordinal < 0 || ordinal >= len(d.opts.Devices) {
		return nil, device.NewError("cuCtxCreate", device.StatusInvalidDevice, fmt.Sprintf("ordinal %d", ordinal))
	}
	info := d.opts.Devices[ordinal]
	limit := d.opts.MemoryLimit
	if limit <= 0 {
		limit = info.TotalMemory
	}
	ctx := newContext(d, info, limit)
	d.log.Debug("context created", zap.String("device", info.Name), zap.Int64("memory_limit", limit))
	return ctx, nil
}

func (d *Driver) CreateBLAS(ctx device.Context) (device.BLAS, error) {
	hctx, ok := ctx.(*Context)
	if !ok || hctx == nil {
		return nil, device.NewBLASError("cublasCreate", device.BLASNotInitialized, fmt.Sprintf("context %T does not belong to the host driver", ctx))
	}
	if hctx.isDestroyed() {
		return nil, device.NewBLASError("cublasCreate", device.BLASNotInitialized, "context destroyed")
	}
	return &BLAS{ctx: hctx}, nil
}
