// Package device defines the accelerator abstraction the benchmark harness is written against.
//
// The interfaces mirror the shape of a GPU driver API: a Driver enumerates devices and creates
// contexts, a Context owns device memory, timing events and loaded compute modules, and a BLAS
// handle performs the reference matrix multiply. Concrete drivers live in subpackages (the
// emulated host accelerator) or behind build tags (CUDA).
//
// All operations issued through a Context are ordered. Launches, event records and memsets may be
// queued asynchronously; callers synchronize through Event.Synchronize, Context.Synchronize or a
// device-to-host copy before reading results.
package device

import "fmt"

// Ptr is an opaque device address. The zero value is the null pointer.
type Ptr uintptr

// Dim3 describes grid and block dimensions for a launch.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the number of elements covered by d. Zero components count as one.
func (d Dim3) Size() int {
	return max(d.X, 1) * max(d.Y, 1) * max(d.Z, 1)
}

func (d Dim3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z)
}

// Info describes one device.
type Info struct {
	Ordinal     int    `json:"ordinal"`
	Name        string `json:"name"`
	Major       int    `json:"major"`
	Minor       int    `json:"minor"`
	TotalMemory int64  `json:"totalMemory"` // in bytes
}

// ComputeCapability returns the "major.minor" string of the device.
func (i Info) ComputeCapability() string {
	return fmt.Sprintf("%d.%d", i.Major, i.Minor)
}

// ArrayFormat is the element format of a texture view.
type ArrayFormat int

const (
	FormatUnsignedInt32 ArrayFormat = iota
	FormatSignedInt32
	FormatFloat
)

func (f ArrayFormat) String() string {
	switch f {
	case FormatUnsignedInt32:
		return "uint32"
	case FormatSignedInt32:
		return "int32"
	case FormatFloat:
		return "float"
	default:
		return fmt.Sprintf("ArrayFormat(%d)", int(f))
	}
}

// Transpose selects op(X) for the BLAS multiply.
type Transpose int

const (
	NoTrans Transpose = iota
	Trans
)

func (t Transpose) String() string {
	if t == Trans {
		return "T"
	}
	return "N"
}

// Driver is the entry point of an accelerator runtime.
type Driver interface {
	// Name identifies the driver ("host", "cuda").
	Name() string
	// Init initializes the runtime. It must be called before any other method.
	Init() error
	DeviceCount() (int, error)
	DeviceInfo(ordinal int) (Info, error)
	// CreateContext creates an execution context on the given device.
	CreateContext(ordinal int) (Context, error)
	// CreateBLAS creates a reference BLAS handle bound to ctx.
	CreateBLAS(ctx Context) (BLAS, error)
}

// Context owns device memory, events and modules of one device.
type Context interface {
	MemAlloc(bytes int64) (Ptr, error)
	MemFree(p Ptr) error
	// MemcpyHtoD copies len(src) bytes from host to device.
	MemcpyHtoD(dst Ptr, src []byte) error
	// MemcpyDtoH copies len(dst) bytes from device to host. It waits for all previously queued
	// work to complete.
	MemcpyDtoH(dst []byte, src Ptr) error
	MemsetD8(dst Ptr, value byte, bytes int64) error

	EventCreate() (Event, error)
	// EventElapsedTime returns the time in milliseconds between two recorded events.
	EventElapsedTime(start, stop Event) (float32, error)

	// ModuleLoad loads a compute artifact by name.
	ModuleLoad(name string) (Module, error)

	Synchronize() error
	Destroy() error
}

// Event is a marker in the context's work queue.
type Event interface {
	Record() error
	// Synchronize blocks until the work queued before the last Record has completed.
	Synchronize() error
	Destroy() error
}

// Module is a loaded compute artifact.
type Module interface {
	Function(name string) (Function, error)
	TexRef(name string) (TexRef, error)
	Unload() error
}

// TexRef is a read-only, cached, sampled view bound to device memory.
type TexRef interface {
	SetFormat(format ArrayFormat, channels int) error
	SetAddress(p Ptr, bytes int64) error
}

// Function is a kernel entry point.
//
// Supported parameter types are Ptr, int32 and float32.
type Function interface {
	Launch(grid, block Dim3, sharedMem int, params ...any) error
}

// BLAS is the trusted reference library.
type BLAS interface {
	// Sgemm computes C = alpha*op(A)*op(B) + beta*C on column-major device matrices,
	// where op(A) is m×k, op(B) is k×n and C is m×n.
	Sgemm(transA, transB Transpose, m, n, k int, alpha float32, a Ptr, lda int, b Ptr, ldb int, beta float32, c Ptr, ldc int) error
	Destroy() error
}
