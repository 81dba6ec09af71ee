//go:build cuda
// +build cuda

package cuda

/*
#cgo LDFLAGS: -lcuda -lcublas
#cgo CFLAGS: -I/usr/local/cuda/include

#include <cuda.h>
#include <cublas_v2.h>
#include <stdlib.h>

static CUresult initDriver() {
    return cuInit(0);
}

static CUresult deviceCount(int* count) {
    return cuDeviceGetCount(count);
}

static CUresult deviceProps(int ordinal, char* name, int len, int* major, int* minor, size_t* mem) {
    CUdevice dev;
    CUresult r = cuDeviceGet(&dev, ordinal);
    if (r != CUDA_SUCCESS) return r;
    r = cuDeviceGetName(name, len, dev);
    if (r != CUDA_SUCCESS) return r;
    r = cuDeviceGetAttribute(major, CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, dev);
    if (r != CUDA_SUCCESS) return r;
    r = cuDeviceGetAttribute(minor, CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, dev);
    if (r != CUDA_SUCCESS) return r;
    return cuDeviceTotalMem(mem, dev);
}

static CUresult createContext(CUcontext* ctx, int ordinal) {
    CUdevice dev;
    CUresult r = cuDeviceGet(&dev, ordinal);
    if (r != CUDA_SUCCESS) return r;
    return cuCtxCreate(ctx, 0, dev);
}

static CUresult setCurrent(CUcontext ctx)   { return cuCtxSetCurrent(ctx); }
static CUresult destroyContext(CUcontext ctx) { return cuCtxDestroy(ctx); }
static CUresult synchronize()               { return cuCtxSynchronize(); }

static CUresult allocMem(CUdeviceptr* p, size_t bytes) { return cuMemAlloc(p, bytes); }
static CUresult freeMem(CUdeviceptr p)                 { return cuMemFree(p); }
static CUresult copyHtoD(CUdeviceptr dst, const void* src, size_t bytes) { return cuMemcpyHtoD(dst, src, bytes); }
static CUresult copyDtoH(void* dst, CUdeviceptr src, size_t bytes)       { return cuMemcpyDtoH(dst, src, bytes); }
static CUresult memsetD8(CUdeviceptr dst, unsigned char v, size_t n)     { return cuMemsetD8(dst, v, n); }

static CUresult eventCreate(CUevent* e)  { return cuEventCreate(e, CU_EVENT_DEFAULT); }
static CUresult eventRecord(CUevent e)   { return cuEventRecord(e, 0); }
static CUresult eventSync(CUevent e)     { return cuEventSynchronize(e); }
static CUresult eventDestroy(CUevent e)  { return cuEventDestroy(e); }
static CUresult eventElapsed(float* ms, CUevent start, CUevent stop) { return cuEventElapsedTime(ms, start, stop); }

static CUresult moduleLoad(CUmodule* m, const char* name) { return cuModuleLoad(m, name); }
static CUresult moduleUnload(CUmodule m)                  { return cuModuleUnload(m); }
static CUresult moduleFunction(CUfunction* f, CUmodule m, const char* name) { return cuModuleGetFunction(f, m, name); }
static CUresult moduleTexRef(CUtexref* t, CUmodule m, const char* name)     { return cuModuleGetTexRef(t, m, name); }

static CUresult texSetFormat(CUtexref t, int format, int channels) {
    CUarray_format f = CU_AD_FORMAT_UNSIGNED_INT32;
    if (format == 1) f = CU_AD_FORMAT_SIGNED_INT32;
    if (format == 2) f = CU_AD_FORMAT_FLOAT;
    return cuTexRefSetFormat(t, f, channels);
}

static CUresult texSetAddress(CUtexref t, CUdeviceptr p, size_t bytes) {
    size_t offset;
    return cuTexRefSetAddress(&offset, t, p, bytes);
}

static CUresult launch(CUfunction f, unsigned gx, unsigned gy, unsigned gz,
                       unsigned bx, unsigned by, unsigned bz, unsigned shared, void** params) {
    return cuLaunchKernel(f, gx, gy, gz, bx, by, bz, shared, 0, params, NULL);
}

static const char* errorName(CUresult r) {
    const char* s = NULL;
    cuGetErrorString(r, &s);
    return s;
}

static cublasStatus_t blasCreate(cublasHandle_t* h)  { return cublasCreate(h); }
static cublasStatus_t blasDestroy(cublasHandle_t h) { return cublasDestroy(h); }

static cublasStatus_t sgemm(cublasHandle_t h, int ta, int tb, int m, int n, int k,
                            float alpha, CUdeviceptr a, int lda, CUdeviceptr b, int ldb,
                            float beta, CUdeviceptr c, int ldc) {
    return cublasSgemm(h, ta ? CUBLAS_OP_T : CUBLAS_OP_N, tb ? CUBLAS_OP_T : CUBLAS_OP_N,
                       m, n, k, &alpha, (const float*)a, lda, (const float*)b, ldb,
                       &beta, (float*)c, ldc);
}
*/
import "C"

import (
	"fmt"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"go.uber.org/zap"
)

// Driver is the CUDA driver API.
type Driver struct {
	log *zap.Logger
}

var _ device.Driver = (*Driver)(nil)

// NewDriver returns the CUDA driver. Init must succeed before it is used.
func NewDriver(log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{log: log.Named("cuda")}
}

func (d *Driver) Name() string {
	return "cuda"
}

func (d *Driver) Init() error {
	return check("cuInit", C.initDriver())
}

func (d *Driver) DeviceCount() (int, error) {
	var n C.int
	if err := check("cuDeviceGetCount", C.deviceCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (d *Driver) DeviceInfo(ordinal int) (device.Info, error) {
	var name [256]C.char
	var major, minor C.int
	var mem C.size_t
	if err := check("cuDeviceGet", C.deviceProps(C.int(ordinal), &name[0], C.int(len(name)), &major, &minor, &mem)); err != nil {
		return device.Info{}, err
	}
	return device.Info{
		Ordinal:     ordinal,
		Name:        C.GoString(&name[0]),
		Major:       int(major),
		Minor:       int(minor),
		TotalMemory: int64(mem),
	}, nil
}

func (d *Driver) CreateContext(ordinal int) (device.Context, error) {
	var ctx C.CUcontext
	if err := check("cuCtxCreate", C.createContext(&ctx, C.int(ordinal))); err != nil {
		return nil, err
	}
	d.log.Debug("context created", zap.Int("ordinal", ordinal))
	return &Context{ctx: ctx}, nil
}

func (d *Driver) CreateBLAS(ctx device.Context) (device.BLAS, error) {
	c, ok := ctx.(*Context)
	if !ok {
		return nil, &device.BLASError{Op: "cublasCreate", Status: device.BLASNotInitialized, Location: where(1),
			Detail: fmt.Sprintf("context %T does not belong to the cuda driver", ctx)}
	}
	if err := c.bind(); err != nil {
		return nil, err
	}
	var h C.cublasHandle_t
	if err := checkBLAS("cublasCreate", C.blasCreate(&h)); err != nil {
		return nil, err
	}
	return &BLAS{ctx: c, h: h}, nil
}

// Context is a CUDA context. Every call makes it current on the calling thread first.
type Context struct {
	ctx C.CUcontext
}

var _ device.Context = (*Context)(nil)

func (c *Context) bind() error {
	return check("cuCtxSetCurrent", C.setCurrent(c.ctx))
}

func (c *Context) MemAlloc(bytes int64) (device.Ptr, error) {
	if err := c.bind(); err != nil {
		return 0, err
	}
	var p C.CUdeviceptr
	if err := check("cuMemAlloc", C.allocMem(&p, C.size_t(bytes))); err != nil {
		return 0, err
	}
	return device.Ptr(p), nil
}

func (c *Context) MemFree(p device.Ptr) error {
	if err := c.bind(); err != nil {
		return err
	}
	return check("cuMemFree", C.freeMem(C.CUdeviceptr(p)))
}

func (c *Context) MemcpyHtoD(dst device.Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := c.bind(); err != nil {
		return err
	}
	return check("cuMemcpyHtoD", C.copyHtoD(C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src))))
}

func (c *Context) MemcpyDtoH(dst []byte, src device.Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	if err := c.bind(); err != nil {
		return err
	}
	return check("cuMemcpyDtoH", C.copyDtoH(unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst))))
}

func (c *Context) MemsetD8(dst device.Ptr, value byte, bytes int64) error {
	if err := c.bind(); err != nil {
		return err
	}
	return check("cuMemsetD8", C.memsetD8(C.CUdeviceptr(dst), C.uchar(value), C.size_t(bytes)))
}

func (c *Context) EventCreate() (device.Event, error) {
	if err := c.bind(); err != nil {
		return nil, err
	}
	var e C.CUevent
	if err := check("cuEventCreate", C.eventCreate(&e)); err != nil {
		return nil, err
	}
	return &Event{ctx: c, e: e}, nil
}

func (c *Context) EventElapsedTime(start, stop device.Event) (float32, error) {
	s, ok1 := start.(*Event)
	e, ok2 := stop.(*Event)
	if !ok1 || !ok2 {
		return 0, &device.Error{Op: "cuEventElapsedTime", Status: device.StatusInvalidHandle, Location: where(1)}
	}
	if err := c.bind(); err != nil {
		return 0, err
	}
	var ms C.float
	if err := check("cuEventElapsedTime", C.eventElapsed(&ms, s.e, e.e)); err != nil {
		return 0, err
	}
	return float32(ms), nil
}

func (c *Context) ModuleLoad(name string) (device.Module, error) {
	if err := c.bind(); err != nil {
		return nil, err
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var m C.CUmodule
	if err := check("cuModuleLoad", C.moduleLoad(&m, cname)); err != nil {
		return nil, err
	}
	return &Module{ctx: c, m: m}, nil
}

func (c *Context) Synchronize() error {
	if err := c.bind(); err != nil {
		return err
	}
	return check("cuCtxSynchronize", C.synchronize())
}

func (c *Context) Destroy() error {
	return check("cuCtxDestroy", C.destroyContext(c.ctx))
}

// Event is a CUDA event on the default stream.
type Event struct {
	ctx *Context
	e   C.CUevent
}

func (e *Event) Record() error {
	if err := e.ctx.bind(); err != nil {
		return err
	}
	return check("cuEventRecord", C.eventRecord(e.e))
}

func (e *Event) Synchronize() error {
	if err := e.ctx.bind(); err != nil {
		return err
	}
	return check("cuEventSynchronize", C.eventSync(e.e))
}

func (e *Event) Destroy() error {
	if err := e.ctx.bind(); err != nil {
		return err
	}
	return check("cuEventDestroy", C.eventDestroy(e.e))
}

// Module is a loaded cubin.
type Module struct {
	ctx *Context
	m   C.CUmodule
}

func (m *Module) Function(name string) (device.Function, error) {
	if err := m.ctx.bind(); err != nil {
		return nil, err
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var f C.CUfunction
	if err := check("cuModuleGetFunction", C.moduleFunction(&f, m.m, cname)); err != nil {
		return nil, err
	}
	return &Function{ctx: m.ctx, f: f}, nil
}

func (m *Module) TexRef(name string) (device.TexRef, error) {
	if err := m.ctx.bind(); err != nil {
		return nil, err
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var t C.CUtexref
	if err := check("cuModuleGetTexRef", C.moduleTexRef(&t, m.m, cname)); err != nil {
		return nil, err
	}
	return &TexRef{ctx: m.ctx, t: t}, nil
}

func (m *Module) Unload() error {
	if err := m.ctx.bind(); err != nil {
		return err
	}
	return check("cuModuleUnload", C.moduleUnload(m.m))
}

// TexRef is a module texture reference.
type TexRef struct {
	ctx *Context
	t   C.CUtexref
}

func (t *TexRef) SetFormat(format device.ArrayFormat, channels int) error {
	if err := t.ctx.bind(); err != nil {
		return err
	}
	return check("cuTexRefSetFormat", C.texSetFormat(t.t, C.int(format), C.int(channels)))
}

func (t *TexRef) SetAddress(p device.Ptr, bytes int64) error {
	if err := t.ctx.bind(); err != nil {
		return err
	}
	return check("cuTexRefSetAddress", C.texSetAddress(t.t, C.CUdeviceptr(p), C.size_t(bytes)))
}

// Function is a kernel entry point.
type Function struct {
	ctx *Context
	f   C.CUfunction
}

// Every kernel parameter is staged in an 8-byte slot of C memory.
const paramSlot = 8

func (f *Function) Launch(grid, block device.Dim3, sharedMem int, params ...any) error {
	if err := f.ctx.bind(); err != nil {
		return err
	}
	var argv *unsafe.Pointer
	if n := len(params); n > 0 {
		store := C.malloc(C.size_t(n * paramSlot))
		defer C.free(store)
		table := C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(uintptr(0))))
		defer C.free(table)
		slots := unsafe.Slice((*[paramSlot]byte)(store), n)
		args := unsafe.Slice((*unsafe.Pointer)(table), n)
		for i, p := range params {
			slot := unsafe.Pointer(&slots[i])
			switch v := p.(type) {
			case device.Ptr:
				*(*C.CUdeviceptr)(slot) = C.CUdeviceptr(v)
			case int32:
				*(*int32)(slot) = v
			case float32:
				*(*float32)(slot) = v
			default:
				return &device.Error{Op: "cuLaunchKernel", Status: device.StatusInvalidValue, Location: where(1),
					Detail: fmt.Sprintf("parameter %d has unsupported type %T", i, p)}
			}
			args[i] = slot
		}
		argv = (*unsafe.Pointer)(table)
	}
	r := C.launch(f.f,
		C.uint(max(grid.X, 1)), C.uint(max(grid.Y, 1)), C.uint(max(grid.Z, 1)),
		C.uint(max(block.X, 1)), C.uint(max(block.Y, 1)), C.uint(max(block.Z, 1)),
		C.uint(sharedMem), argv)
	return check("cuLaunchKernel", r)
}

// BLAS is a cuBLAS handle.
type BLAS struct {
	ctx *Context
	h   C.cublasHandle_t
}

func boolInt(t device.Transpose) C.int {
	if t == device.Trans {
		return 1
	}
	return 0
}

func (b *BLAS) Sgemm(transA, transB device.Transpose, m, n, k int, alpha float32, a device.Ptr, lda int, bp device.Ptr, ldb int, beta float32, c device.Ptr, ldc int) error {
	if err := b.ctx.bind(); err != nil {
		return err
	}
	return checkBLAS("cublasSgemm", C.sgemm(b.h, boolInt(transA), boolInt(transB), C.int(m), C.int(n), C.int(k),
		C.float(alpha), C.CUdeviceptr(a), C.int(lda), C.CUdeviceptr(bp), C.int(ldb),
		C.float(beta), C.CUdeviceptr(c), C.int(ldc)))
}

func (b *BLAS) Destroy() error {
	return checkBLAS("cublasDestroy", C.blasDestroy(b.h))
}

func check(op string, r C.CUresult) error {
	if r == C.CUDA_SUCCESS {
		return nil
	}
	var detail string
	if s := C.errorName(r); s != nil {
		detail = C.GoString(s)
	}
	return &device.Error{Op: op, Status: device.Status(r), Location: where(2), Detail: detail}
}

func checkBLAS(op string, s C.cublasStatus_t) error {
	if s == C.CUBLAS_STATUS_SUCCESS {
		return nil
	}
	return &device.BLASError{Op: op, Status: device.BLASStatus(s), Location: where(2)}
}

func where(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
