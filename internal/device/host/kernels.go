package host

import (
	"fmt"
	"math"

	"github.com/fxnlabs/sgemm-bench/internal/device"
)

// SgemmArtifact is the module name the sgemm kernels are registered under.
const SgemmArtifact = "sgemm.cubin"

// Number of words the sgemm kernels write per trace record.
const sgemmTraceFields = 9

// Reduction panel depth staged per block.
const panelDepth = 64

// SgemmImage returns the image exposing sgemm_kernel_64 and sgemm_kernel_128.
//
// Both kernels compute C = alpha * A * B^T on column-major N×N matrices read through the texA and
// texB float4 texture views. Every output element is accumulated in k order with separately
// rounded multiplies and adds, which reproduces the reference BLAS bit for bit.
func SgemmImage() Image {
	return Image{
		Kernels: map[string]Kernel{
			"sgemm_kernel_64":  SgemmKernel(64, 64),
			"sgemm_kernel_128": SgemmKernel(128, 256),
		},
		Textures: []string{"texA", "texB"},
	}
}

type sgemmParams struct {
	c             device.Ptr
	m, n, k       int
	lda, ldb, ldc int
	alpha         float32
	d             device.Ptr
}

func parseSgemmParams(params []any) (sgemmParams, error) {
	var p sgemmParams
	if len(params) != 9 {
		return p, fmt.Errorf("want 9 parameters, got %d", len(params))
	}
	var ok bool
	if p.c, ok = params[0].(device.Ptr); !ok {
		return p, fmt.Errorf("parameter 0 (C) must be a pointer, got %T", params[0])
	}
	dims := make([]int, 6)
	for i := range dims {
		v, ok := params[1+i].(int32)
		if !ok {
			return p, fmt.Errorf("parameter %d must be int32, got %T", 1+i, params[1+i])
		}
		if v < 0 {
			return p, fmt.Errorf("parameter %d is negative", 1+i)
		}
		dims[i] = int(v)
	}
	p.m, p.n, p.k, p.lda, p.ldb, p.ldc = dims[0], dims[1], dims[2], dims[3], dims[4], dims[5]
	if p.alpha, ok = params[7].(float32); !ok {
		return p, fmt.Errorf("parameter 7 (alpha) must be float32, got %T", params[7])
	}
	if p.d, ok = params[8].(device.Ptr); !ok {
		return p, fmt.Errorf("parameter 8 (D) must be a pointer, got %T", params[8])
	}
	if p.lda < max(p.m, 1) || p.ldb < max(p.n, 1) || p.ldc < max(p.m, 1) {
		return p, fmt.Errorf("leading dimensions %d/%d/%d too small for %dx%d", p.lda, p.ldb, p.ldc, p.m, p.n)
	}
	return p, nil
}

// SgemmKernel returns a tiled sgemm kernel computing width×width output tiles with the given
// number of threads per block.
func SgemmKernel(width, threads int) Kernel {
	return func(l *Launch) (BlockFunc, error) {
		invalid := func(format string, args ...any) error {
			return &device.Error{Op: "cuLaunchKernel", Status: device.StatusInvalidValue,
				Detail: fmt.Sprintf("%s: ", l.Kernel) + fmt.Sprintf(format, args...)}
		}
		if l.Block.Size() != threads {
			return nil, invalid("expects %d threads per block, got %d", threads, l.Block.Size())
		}
		p, err := parseSgemmParams(l.Params)
		if err != nil {
			return nil, invalid("%v", err)
		}
		texA, err := l.Texture("texA")
		if err != nil {
			return nil, err
		}
		texB, err := l.Texture("texB")
		if err != nil {
			return nil, err
		}
		for _, t := range []*Texture{texA, texB} {
			if t.Format != device.FormatFloat || t.Channels != 4 {
				return nil, invalid("texture %s bound as %s×%d, want float×4", t.Name, t.Format, t.Channels)
			}
		}
		if p.m == 0 || p.n == 0 {
			return func(device.Dim3) error { return nil }, nil
		}
		c, err := l.Float32s(p.c, (p.n-1)*p.ldc+p.m)
		if err != nil {
			return nil, err
		}

		records := l.Grid.Size() * threads
		var trace []uint32
		var fields int
		if p.d != 0 {
			fields = int(l.Extent(p.d) / 4 / int64(records))
			if fields == 0 {
				return nil, invalid("trace buffer of %d bytes holds no field for %d threads", l.Extent(p.d), records)
			}
			if trace, err = l.Uint32s(p.d, records*fields); err != nil {
				return nil, err
			}
		}

		t := &sgemmTile{p: p, width: width, threads: threads, gridX: l.Grid.X, c: c, texA: texA, texB: texB, trace: trace, fields: fields}
		return t.run, nil
	}
}

type sgemmTile struct {
	p       sgemmParams
	width   int
	threads int
	gridX   int
	c       []float32
	texA    *Texture
	texB    *Texture
	trace   []uint32
	fields  int
}

func (t *sgemmTile) run(block device.Dim3) error {
	p, w := t.p, t.width
	x0, y0 := block.X*w, block.Y*w
	if x0 >= p.n || y0 >= p.m {
		t.record(block, x0, y0)
		return nil
	}
	cols := min(w, p.n-x0)
	rows := min(w, p.m-y0)

	acc := make([]float32, w*w)
	depth := min(panelDepth, max(p.k, 1))
	aPanel := make([]float32, depth*w)
	bPanel := make([]float32, depth*w)
	for k0 := 0; k0 < p.k; k0 += depth {
		kn := min(depth, p.k-k0)
		for kk := 0; kk < kn; kk++ {
			t.texA.Gather(aPanel[kk*w:(kk+1)*w], (k0+kk)*p.lda+y0)
			t.texB.Gather(bPanel[kk*w:(kk+1)*w], (k0+kk)*p.ldb+x0)
		}
		for xi := 0; xi < cols; xi++ {
			col := acc[xi*w : xi*w+rows]
			for kk := 0; kk < kn; kk++ {
				bv := p.alpha * bPanel[kk*w+xi]
				if bv == 0 {
					continue
				}
				a := aPanel[kk*w : kk*w+rows]
				for yi := range col {
					col[yi] += float32(bv * a[yi])
				}
			}
		}
	}

	for xi := 0; xi < cols; xi++ {
		copy(t.c[(x0+xi)*p.ldc+y0:], acc[xi*w:xi*w+rows])
	}
	t.record(block, x0, y0)
	return nil
}

// record writes the per-thread trace of one block.
func (t *sgemmTile) record(block device.Dim3, x0, y0 int) {
	if t.trace == nil {
		return
	}
	p, w := t.p, t.width
	n := min(t.fields, sgemmTraceFields)
	for tid := 0; tid < t.threads; tid++ {
		x, y := x0+tid/w, y0+tid%w
		var first float32
		if x < p.n && y < p.m {
			first = t.c[x*p.ldc+y]
		}
		words := [sgemmTraceFields]uint32{
			uint32(y0),
			uint32(min(y0+w, p.m)),
			uint32(p.k),
			uint32(tid * 2),
			uint32(tid & 15),
			uint32(x0),
			uint32((tid >> 4) * 2),
			uint32((tid & 15) * 4),
			math.Float32bits(first),
		}
		base := ((block.Y*t.gridX+block.X)*t.threads + tid) * t.fields
		copy(t.trace[base:base+n], words[:n])
	}
}
