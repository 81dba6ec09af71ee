// Package geometry derives launch dimensions for the tiled sgemm kernel variants.
package geometry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fxnlabs/sgemm-bench/internal/device"
)

// Variant is a tiled kernel configuration.
type Variant struct {
	// Kernel is the entry point name in the compute artifact.
	Kernel string
	// Label prefixes the throughput line.
	Label     string
	TileWidth int
	Threads   int
}

var (
	// Tile64 computes 64×64 output tiles with 64 threads per block.
	Tile64 = Variant{Kernel: "sgemm_kernel_64", Label: "Max64", TileWidth: 64, Threads: 64}
	// Tile128 computes 128×128 output tiles with 256 threads per block. It is the default.
	Tile128 = Variant{Kernel: "sgemm_kernel_128", Label: "Max128", TileWidth: 128, Threads: 256}
)

// Variants lists the supported variants.
var Variants = []Variant{Tile64, Tile128}

// ParseVariant accepts a tile width ("64"), a label ("Max128") or a kernel name.
func ParseVariant(s string) (Variant, error) {
	s = strings.TrimSpace(s)
	if w, err := strconv.Atoi(s); err == nil {
		for _, v := range Variants {
			if v.TileWidth == w {
				return v, nil
			}
		}
	}
	for _, v := range Variants {
		if strings.EqualFold(s, v.Label) || s == v.Kernel {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("unknown kernel variant %q", s)
}

func (v Variant) String() string {
	return v.Label
}

// Geometry is the launch configuration of one variant for an N×N problem.
type Geometry struct {
	TileWidth       int
	ThreadsPerBlock int
	GridDimX        int
	GridDimY        int
	BlockCount      int
}

// Compute returns the geometry of v for an N×N problem. Edge blocks of a size that is not a
// multiple of the tile width are counted; the kernel masks their out of range threads.
func Compute(v Variant, n int) (Geometry, error) {
	if n <= 0 {
		return Geometry{}, fmt.Errorf("problem size must be positive, got %d", n)
	}
	if v.TileWidth <= 0 || v.Threads <= 0 {
		return Geometry{}, fmt.Errorf("variant %q has no tile configuration", v.Kernel)
	}
	grid := (n + v.TileWidth - 1) / v.TileWidth
	return Geometry{
		TileWidth:       v.TileWidth,
		ThreadsPerBlock: v.Threads,
		GridDimX:        grid,
		GridDimY:        grid,
		BlockCount:      grid * grid,
	}, nil
}

// Grid returns the launch grid.
func (g Geometry) Grid() device.Dim3 {
	return device.Dim3{X: g.GridDimX, Y: g.GridDimY, Z: 1}
}

// Block returns the launch block.
func (g Geometry) Block() device.Dim3 {
	return device.Dim3{X: g.ThreadsPerBlock, Y: 1, Z: 1}
}

// TraceWords returns the size in 32-bit words of a trace buffer holding fields words per thread.
func (g Geometry) TraceWords(fields int) int {
	return g.BlockCount * g.ThreadsPerBlock * fields
}
