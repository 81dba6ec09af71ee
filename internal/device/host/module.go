package host

import (
	"fmt"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxThreadsPerBlock = 1024

// Image is a loadable compute artifact: named kernel entry points and the texture references
// they sample.
type Image struct {
	Kernels  map[string]Kernel
	Textures []string
}

// Kernel prepares one launch. It runs on the stream once all previously queued work is
// complete, validates the launch and returns the function executed for every block of the grid.
type Kernel func(l *Launch) (BlockFunc, error)

// BlockFunc executes one block. Blocks of a launch run concurrently and must write disjoint
// memory.
type BlockFunc func(block device.Dim3) error

// Launch is the execution state of a kernel launch.
type Launch struct {
	Kernel string
	Grid   device.Dim3
	Block  device.Dim3
	Params []any

	ctx      *Context
	textures map[string]*Texture
}

// Texture returns the read-only view bound to the named texture reference.
func (l *Launch) Texture(name string) (*Texture, error) {
	t, ok := l.textures[name]
	if !ok {
		return nil, &device.Error{Op: "cuLaunchKernel", Status: device.StatusInvalidHandle,
			Detail: fmt.Sprintf("texture %s is not bound", name)}
	}
	return t, nil
}

// Float32s returns count floats of device memory at p.
func (l *Launch) Float32s(p device.Ptr, count int) ([]float32, error) {
	b, err := l.bytes(p, int64(count)*4)
	if err != nil || count == 0 {
		return nil, err
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), count), nil
}

// Uint32s returns count 32-bit words of device memory at p.
func (l *Launch) Uint32s(p device.Ptr, count int) ([]uint32, error) {
	b, err := l.bytes(p, int64(count)*4)
	if err != nil || count == 0 {
		return nil, err
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), count), nil
}

// Extent returns the number of bytes addressable from p to the end of its allocation.
func (l *Launch) Extent(p device.Ptr) int64 {
	return l.ctx.extent(p)
}

func (l *Launch) bytes(p device.Ptr, n int64) ([]byte, error) {
	if p%4 != 0 {
		return nil, &device.Error{Op: "cuLaunchKernel", Status: device.StatusIllegalAddress,
			Detail: fmt.Sprintf("misaligned pointer %#x", uintptr(p))}
	}
	b, status, detail := l.ctx.resolve(p, n)
	if status != device.StatusSuccess {
		return nil, &device.Error{Op: "cuLaunchKernel", Status: status, Detail: detail}
	}
	return b, nil
}

// Texture is a sampled float view of device memory. Reads outside the bound range return zero.
type Texture struct {
	Name     string
	Format   device.ArrayFormat
	Channels int
	data     []float32
}

// Len returns the number of scalar elements in the view.
func (t *Texture) Len() int {
	return len(t.data)
}

// At returns the scalar element i.
func (t *Texture) At(i int) float32 {
	if i < 0 || i >= len(t.data) {
		return 0
	}
	return t.data[i]
}

// Fetch4 returns the vector element i of a four channel view.
func (t *Texture) Fetch4(i int) [4]float32 {
	var v [4]float32
	base := i * 4
	if base >= 0 && base+4 <= len(t.data) {
		copy(v[:], t.data[base:base+4])
		return v
	}
	for c := range v {
		v[c] = t.At(base + c)
	}
	return v
}

// Gather copies len(dst) consecutive scalar elements starting at offset into dst.
func (t *Texture) Gather(dst []float32, offset int) {
	lo, hi := offset, offset+len(dst)
	if lo >= 0 && hi <= len(t.data) {
		copy(dst, t.data[lo:hi])
		return
	}
	for i := range dst {
		dst[i] = t.At(offset + i)
	}
}

// Module is a loaded image.
type Module struct {
	ctx  *Context
	name string
	img  Image

	mu       sync.Mutex
	texrefs  map[string]*texRef
	unloaded bool
}

var _ device.Module = (*Module)(nil)

func newModule(ctx *Context, name string, img Image) *Module {
	m := &Module{ctx: ctx, name: name, img: img, texrefs: make(map[string]*texRef, len(img.Textures))}
	for _, t := range img.Textures {
		m.texrefs[t] = &texRef{mod: m, name: t, format: device.FormatUnsignedInt32, channels: 1}
	}
	return m
}

func (m *Module) isUnloaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloaded
}

func (m *Module) Function(name string) (device.Function, error) {
	if m.isUnloaded() {
		return nil, device.NewError("cuModuleGetFunction", device.StatusInvalidHandle, "module unloaded")
	}
	k, ok := m.img.Kernels[name]
	if !ok {
		return nil, device.NewError("cuModuleGetFunction", device.StatusNotFound, fmt.Sprintf("%s in %s", name, m.name))
	}
	return &Function{mod: m, name: name, kernel: k}, nil
}

func (m *Module) TexRef(name string) (device.TexRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return nil, device.NewError("cuModuleGetTexRef", device.StatusInvalidHandle, "module unloaded")
	}
	t, ok := m.texrefs[name]
	if !ok {
		return nil, device.NewError("cuModuleGetTexRef", device.StatusNotFound, fmt.Sprintf("%s in %s", name, m.name))
	}
	return t, nil
}

func (m *Module) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return device.NewError("cuModuleUnload", device.StatusInvalidHandle, "already unloaded")
	}
	m.unloaded = true
	m.ctx.log.Debug("module unloaded", zap.String("module", m.name))
	return nil
}

// textures captures the current bindings of the module's texture references.
func (m *Module) textures() []texBinding {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []texBinding
	for _, t := range m.texrefs {
		if t.ptr != 0 {
			out = append(out, texBinding{name: t.name, format: t.format, channels: t.channels, ptr: t.ptr, bytes: t.bytes})
		}
	}
	return out
}

type texRef struct {
	mod      *Module
	name     string
	format   device.ArrayFormat
	channels int
	ptr      device.Ptr
	bytes    int64
}

type texBinding struct {
	name     string
	format   device.ArrayFormat
	channels int
	ptr      device.Ptr
	bytes    int64
}

func (t *texRef) SetFormat(format device.ArrayFormat, channels int) error {
	if channels != 1 && channels != 2 && channels != 4 {
		return device.NewError("cuTexRefSetFormat", device.StatusInvalidValue, fmt.Sprintf("%d channels", channels))
	}
	t.mod.mu.Lock()
	defer t.mod.mu.Unlock()
	t.format = format
	t.channels = channels
	return nil
}

func (t *texRef) SetAddress(p device.Ptr, bytes int64) error {
	if p%4 != 0 {
		return device.NewError("cuTexRefSetAddress", device.StatusInvalidValue, fmt.Sprintf("misaligned pointer %#x", uintptr(p)))
	}
	if _, status, detail := t.mod.ctx.resolve(p, bytes); status != device.StatusSuccess {
		return device.NewError("cuTexRefSetAddress", status, detail)
	}
	t.mod.mu.Lock()
	defer t.mod.mu.Unlock()
	t.ptr = p
	t.bytes = bytes
	return nil
}

// Function is a kernel entry point of a loaded module.
type Function struct {
	mod    *Module
	name   string
	kernel Kernel
}

var _ device.Function = (*Function)(nil)

func (f *Function) Launch(grid, block device.Dim3, sharedMem int, params ...any) error {
	if f.mod.isUnloaded() {
		return device.NewError("cuLaunchKernel", device.StatusInvalidHandle, "module unloaded")
	}
	if grid.X <= 0 || grid.Y <= 0 || grid.Z < 0 || block.X <= 0 || block.Y < 0 || block.Z < 0 || sharedMem < 0 {
		return device.NewError("cuLaunchKernel", device.StatusInvalidValue, fmt.Sprintf("grid %s block %s", grid, block))
	}
	if block.Size() > maxThreadsPerBlock {
		return device.NewError("cuLaunchKernel", device.StatusInvalidValue,
			fmt.Sprintf("%d threads per block exceeds %d", block.Size(), maxThreadsPerBlock))
	}
	for i, p := range params {
		switch p.(type) {
		case device.Ptr, int32, float32:
		default:
			return device.NewError("cuLaunchKernel", device.StatusInvalidValue, fmt.Sprintf("parameter %d has unsupported type %T", i, p))
		}
	}

	ctx := f.mod.ctx
	bindings := f.mod.textures()
	l := &Launch{
		Kernel: f.name,
		Grid:   grid,
		Block:  block,
		Params: append([]any(nil), params...),
		ctx:    ctx,
	}
	workers := ctx.drv.opts.Workers
	ok := ctx.stream.enqueue("cuLaunchKernel", false, func() error {
		if err := l.bind(bindings); err != nil {
			return err
		}
		run, err := f.kernel(l)
		if err != nil {
			return err
		}
		return fanOut(grid, workers, run)
	})
	if !ok {
		return device.NewError("cuLaunchKernel", device.StatusInvalidContext, "")
	}
	return nil
}

func (l *Launch) bind(bindings []texBinding) error {
	l.textures = make(map[string]*Texture, len(bindings))
	for _, b := range bindings {
		data, err := l.Float32s(b.ptr, int(b.bytes/4))
		if err != nil {
			return err
		}
		l.textures[b.name] = &Texture{Name: b.name, Format: b.format, Channels: b.channels, data: data}
	}
	return nil
}

func fanOut(grid device.Dim3, workers int, run BlockFunc) error {
	var g errgroup.Group
	g.SetLimit(workers)
	for z := 0; z < max(grid.Z, 1); z++ {
		for y := 0; y < grid.Y; y++ {
			for x := 0; x < grid.X; x++ {
				idx := device.Dim3{X: x, Y: y, Z: z}
				g.Go(func() (err error) {
					defer func() {
						if r := recover(); r != nil {
							err = &device.Error{Op: "cuLaunchKernel", Status: device.StatusLaunchFailed,
								Detail: fmt.Sprintf("block %s: %v", idx, r)}
						}
					}()
					return run(idx)
				})
			}
		}
	}
	return g.Wait()
}

func (d *Driver) lookupImage(name string) (Image, bool) {
	img, ok := d.opts.Images[filepath.Base(name)]
	return img, ok
}
