package host

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"go.uber.org/zap"
)

// Allocations are handed out at this alignment, like cuMemAlloc.
const allocAlignment = 256

// Context is an emulated device context with one in-order stream.
type Context struct {
	drv    *Driver
	info   device.Info
	log    *zap.Logger
	stream *stream

	mu        sync.Mutex
	allocs    map[device.Ptr]*allocation
	next      device.Ptr
	used      int64
	limit     int64
	destroyed bool
}

type allocation struct {
	base  device.Ptr
	words []uint64
	bytes []byte
}

var _ device.Context = (*Context)(nil)

func newContext(drv *Driver, info device.Info, limit int64) *Context {
	return &Context{
		drv:    drv,
		info:   info,
		log:    drv.log.With(zap.String("device", info.Name)),
		stream: newStream(drv.opts.QueueDepth),
		allocs: make(map[device.Ptr]*allocation),
		next:   allocAlignment,
		limit:  limit,
	}
}

func (c *Context) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// MemUsed returns the number of bytes currently allocated.
func (c *Context) MemUsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Allocations returns the number of live allocations.
func (c *Context) Allocations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocs)
}

func (c *Context) MemAlloc(bytes int64) (device.Ptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, device.NewError("cuMemAlloc", device.StatusInvalidContext, "")
	}
	if bytes <= 0 {
		return 0, device.NewError("cuMemAlloc", device.StatusInvalidValue, fmt.Sprintf("size %d", bytes))
	}
	if c.used+bytes > c.limit {
		return 0, device.NewError("cuMemAlloc", device.StatusOutOfMemory,
			fmt.Sprintf("requested %d bytes, %d of %d in use", bytes, c.used, c.limit))
	}
	words := make([]uint64, (bytes+7)/8)
	a := &allocation{
		base:  c.next,
		words: words,
		bytes: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), bytes),
	}
	c.allocs[a.base] = a
	c.used += bytes
	c.next += device.Ptr((bytes + allocAlignment - 1) / allocAlignment * allocAlignment)
	return a.base, nil
}

func (c *Context) MemFree(p device.Ptr) error {
	// Freeing waits for queued work that may still reference the allocation.
	c.stream.wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return device.NewError("cuMemFree", device.StatusInvalidContext, "")
	}
	a, ok := c.allocs[p]
	if !ok {
		return device.NewError("cuMemFree", device.StatusInvalidValue, fmt.Sprintf("pointer %#x was not allocated", uintptr(p)))
	}
	delete(c.allocs, p)
	c.used -= int64(len(a.bytes))
	return nil
}

// resolve returns the device bytes [p, p+n).
func (c *Context) resolve(p device.Ptr, n int64) ([]byte, device.Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, device.StatusInvalidContext, ""
	}
	if p == 0 {
		return nil, device.StatusInvalidValue, "null pointer"
	}
	for base, a := range c.allocs {
		if p < base || p >= base+device.Ptr(len(a.bytes)) {
			continue
		}
		off := int64(p - base)
		if n < 0 || off+n > int64(len(a.bytes)) {
			return nil, device.StatusIllegalAddress,
				fmt.Sprintf("%d bytes at %#x overrun allocation %#x of %d bytes", n, uintptr(p), uintptr(base), len(a.bytes))
		}
		return a.bytes[off : off+n], device.StatusSuccess, ""
	}
	return nil, device.StatusIllegalAddress, fmt.Sprintf("pointer %#x is not mapped", uintptr(p))
}

// extent returns the number of bytes addressable from p to the end of its allocation.
func (c *Context) extent(p device.Ptr) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for base, a := range c.allocs {
		if p >= base && p < base+device.Ptr(len(a.bytes)) {
			return int64(len(a.bytes)) - int64(p-base)
		}
	}
	return 0
}

func (c *Context) MemcpyHtoD(dst device.Ptr, src []byte) error {
	if err := c.stream.wait(); err != nil {
		return c.asyncError("cuMemcpyHtoD", err)
	}
	view, status, detail := c.resolve(dst, int64(len(src)))
	if status != device.StatusSuccess {
		return device.NewError("cuMemcpyHtoD", status, detail)
	}
	copy(view, src)
	return nil
}

func (c *Context) MemcpyDtoH(dst []byte, src device.Ptr) error {
	if err := c.stream.wait(); err != nil {
		return c.asyncError("cuMemcpyDtoH", err)
	}
	view, status, detail := c.resolve(src, int64(len(dst)))
	if status != device.StatusSuccess {
		return device.NewError("cuMemcpyDtoH", status, detail)
	}
	copy(dst, view)
	return nil
}

func (c *Context) MemsetD8(dst device.Ptr, value byte, bytes int64) error {
	if _, status, detail := c.resolve(dst, bytes); status != device.StatusSuccess {
		return device.NewError("cuMemsetD8", status, detail)
	}
	c.stream.enqueue("cuMemsetD8", false, func() error {
		view, status, detail := c.resolve(dst, bytes)
		if status != device.StatusSuccess {
			return &device.Error{Op: "cuMemsetD8", Status: status, Detail: detail}
		}
		for i := range view {
			view[i] = value
		}
		return nil
	})
	return nil
}

func (c *Context) EventCreate() (device.Event, error) {
	if c.isDestroyed() {
		return nil, device.NewError("cuEventCreate", device.StatusInvalidContext, "")
	}
	return &Event{ctx: c}, nil
}

func (c *Context) EventElapsedTime(start, stop device.Event) (float32, error) {
	s, ok1 := start.(*Event)
	e, ok2 := stop.(*Event)
	if !ok1 || !ok2 {
		return 0, device.NewError("cuEventElapsedTime", device.StatusInvalidHandle, "events do not belong to the host driver")
	}
	t0, status := s.timestamp()
	if status != device.StatusSuccess {
		return 0, device.NewError("cuEventElapsedTime", status, "start event")
	}
	t1, status := e.timestamp()
	if status != device.StatusSuccess {
		return 0, device.NewError("cuEventElapsedTime", status, "stop event")
	}
	return float32(float64(t1.Sub(t0)) / float64(time.Millisecond)), nil
}

func (c *Context) ModuleLoad(name string) (device.Module, error) {
	if c.isDestroyed() {
		return nil, device.NewError("cuModuleLoad", device.StatusInvalidContext, "")
	}
	img, ok := c.drv.lookupImage(name)
	if !ok {
		return nil, device.NewError("cuModuleLoad", device.StatusFileNotFound, name)
	}
	c.log.Debug("module loaded", zap.String("module", name), zap.Int("kernels", len(img.Kernels)))
	return newModule(c, name, img), nil
}

func (c *Context) Synchronize() error {
	if err := c.stream.wait(); err != nil {
		return c.asyncError("cuCtxSynchronize", err)
	}
	return nil
}

func (c *Context) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return device.NewError("cuCtxDestroy", device.StatusInvalidContext, "already destroyed")
	}
	c.mu.Unlock()

	c.stream.close()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	if len(c.allocs) > 0 {
		c.log.Warn("context destroyed with live allocations", zap.Int("allocations", len(c.allocs)), zap.Int64("bytes", c.used))
	}
	c.allocs = nil
	c.used = 0
	return nil
}

// asyncError reports a failure of previously queued work at a synchronization point.
func (c *Context) asyncError(op string, err error) error {
	e := &device.Error{Op: op, Status: device.StatusLaunchFailed, Location: callerOf(2), Detail: err.Error()}
	var derr *device.Error
	if errors.As(err, &derr) {
		e.Status = derr.Status
		e.Detail = fmt.Sprintf("asynchronous failure in %s: %s", derr.Op, derr.Detail)
	}
	return e
}
