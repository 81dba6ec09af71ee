// Package launcher loads the candidate kernel and runs timed, chunked launches of it.
package launcher

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"github.com/fxnlabs/sgemm-bench/internal/geometry"
	"github.com/fxnlabs/sgemm-bench/internal/trace"
	"go.uber.org/zap"
)

// MaxLaunchesPerChunk bounds the launches queued between two timing events.
const MaxLaunchesPerChunk = 2

// Chunks splits repeat launches into windows of at most limit launches.
func Chunks(repeat, limit int) []int {
	if repeat <= 0 || limit <= 0 {
		return nil
	}
	out := make([]int, 0, (repeat+limit-1)/limit)
	for repeat > 0 {
		r := min(repeat, limit)
		out = append(out, r)
		repeat -= r
	}
	return out
}

// Request describes one timed run of a kernel variant.
type Request struct {
	// Module is the compute artifact to load.
	Module  string
	Variant geometry.Variant
	N       int
	// A and B are bound to the texA and texB textures; C receives the output.
	A, B, C device.Ptr
	// Start and Stop delimit every timing window.
	Start, Stop device.Event
	Repeat      int
	// TraceFields is the number of 32-bit diagnostic words per thread. Zero disables tracing.
	TraceFields int
}

// Chunk is one timing window.
type Chunk struct {
	Launches  int
	ElapsedMs float32
}

// Result of a run.
type Result struct {
	Geometry  geometry.Geometry
	ElapsedMs float64
	Launches  int
	Chunks    []Chunk
	// Trace is set when the request asked for diagnostics.
	Trace *trace.Buffer
}

// Backend runs a candidate kernel.
type Backend interface {
	Launch(req Request) (Result, error)
}

// Engine launches kernels from a compute artifact on a device context.
type Engine struct {
	ctx      device.Context
	log      *zap.Logger
	maxChunk int
	observe  func(Chunk)
}

var _ Backend = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithChunkObserver registers a function called after every timing window.
func WithChunkObserver(fn func(Chunk)) Option {
	return func(e *Engine) { e.observe = fn }
}

// NewEngine returns an engine issuing work on ctx.
func NewEngine(ctx device.Context, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{ctx: ctx, log: log.Named("launcher"), maxChunk: MaxLaunchesPerChunk}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Launch loads req.Module, binds the inputs and issues req.Repeat launches of the variant in
// timing windows of at most MaxLaunchesPerChunk launches. The returned time covers only the
// device work inside the windows.
func (e *Engine) Launch(req Request) (res Result, err error) {
	if req.Repeat <= 0 {
		return Result{}, fmt.Errorf("repeat count must be positive, got %d", req.Repeat)
	}
	g, err := geometry.Compute(req.Variant, req.N)
	if err != nil {
		return Result{}, err
	}
	res.Geometry = g
	log := e.log.With(zap.String("kernel", req.Variant.Kernel), zap.Int("n", req.N))

	// Diagnostic buffer
	var devD device.Ptr
	traceBytes := int64(g.TraceWords(req.TraceFields)) * 4
	if req.TraceFields > 0 {
		if devD, err = e.ctx.MemAlloc(traceBytes); err != nil {
			return Result{}, fmt.Errorf("allocate trace buffer: %w", err)
		}
		defer func() {
			if devD != 0 {
				if ferr := e.ctx.MemFree(devD); ferr != nil {
					err = errors.Join(err, ferr)
				}
			}
		}()
		if err = e.ctx.MemsetD8(devD, 0, traceBytes); err != nil {
			return Result{}, fmt.Errorf("zero trace buffer: %w", err)
		}
	}

	mod, err := e.ctx.ModuleLoad(req.Module)
	if err != nil {
		return Result{}, fmt.Errorf("load %s: %w", req.Module, err)
	}
	loaded := true
	defer func() {
		if loaded {
			if uerr := mod.Unload(); uerr != nil {
				log.Warn("failed to unload module", zap.Error(uerr))
			}
		}
	}()

	matrixBytes := int64(req.N) * int64(req.N) * 4
	for _, tex := range []struct {
		name string
		ptr  device.Ptr
	}{{"texA", req.A}, {"texB", req.B}} {
		ref, err := mod.TexRef(tex.name)
		if err != nil {
			return Result{}, fmt.Errorf("texture %s: %w", tex.name, err)
		}
		if err := ref.SetFormat(device.FormatFloat, 4); err != nil {
			return Result{}, fmt.Errorf("texture %s: %w", tex.name, err)
		}
		if err := ref.SetAddress(tex.ptr, matrixBytes); err != nil {
			return Result{}, fmt.Errorf("texture %s: %w", tex.name, err)
		}
	}

	fn, err := mod.Function(req.Variant.Kernel)
	if err != nil {
		return Result{}, fmt.Errorf("kernel %s: %w", req.Variant.Kernel, err)
	}

	n := int32(req.N)
	params := []any{req.C, n, n, n, n, n, n, float32(1), devD}
	for _, size := range Chunks(req.Repeat, e.maxChunk) {
		if err := req.Start.Record(); err != nil {
			return Result{}, fmt.Errorf("record start event: %w", err)
		}
		for i := 0; i < size; i++ {
			if err := fn.Launch(g.Grid(), g.Block(), 0, params...); err != nil {
				return Result{}, fmt.Errorf("launch %s: %w", req.Variant.Kernel, err)
			}
		}
		if err := req.Stop.Record(); err != nil {
			return Result{}, fmt.Errorf("record stop event: %w", err)
		}
		if err := req.Stop.Synchronize(); err != nil {
			return Result{}, fmt.Errorf("synchronize %s: %w", req.Variant.Kernel, err)
		}
		ms, err := e.ctx.EventElapsedTime(req.Start, req.Stop)
		if err != nil {
			return Result{}, fmt.Errorf("elapsed time: %w", err)
		}
		chunk := Chunk{Launches: size, ElapsedMs: ms}
		res.Chunks = append(res.Chunks, chunk)
		res.ElapsedMs += float64(ms)
		res.Launches += size
		if e.observe != nil {
			e.observe(chunk)
		}
		log.Debug("chunk complete", zap.Int("launches", size), zap.Float32("ms", ms))
	}

	loaded = false
	if err := mod.Unload(); err != nil {
		return Result{}, fmt.Errorf("unload %s: %w", req.Module, err)
	}

	if devD != 0 {
		buf := trace.NewBuffer(g.GridDimX, g.GridDimY, g.ThreadsPerBlock, req.TraceFields)
		if err := e.ctx.MemcpyDtoH(device.Uint32Bytes(buf.Words), devD); err != nil {
			return Result{}, fmt.Errorf("copy trace buffer to host: %w", err)
		}
		ferr := e.ctx.MemFree(devD)
		devD = 0
		if ferr != nil {
			return Result{}, fmt.Errorf("free trace buffer: %w", ferr)
		}
		res.Trace = buf
	}

	log.Debug("run complete", zap.Int("launches", res.Launches), zap.Float64("ms", res.ElapsedMs))
	return res, nil
}
