// Package trace decodes the per-thread diagnostic buffer written by instrumented kernels.
//
// The buffer holds one record per (block, thread) pair, stored block-row major: the record of
// thread tid in block (bx, by) starts at word ((by*GridDimX+bx)*Threads+tid)*Fields. Every field is
// a 32-bit word. Int fields are the word read as a two's complement int32; Float fields are the
// same bits read as an IEEE-754 float32.
package trace

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// Kind is the interpretation of a field's bits.
type Kind int

const (
	Int Kind = iota
	Float
)

// Field names one word of a record.
type Field struct {
	Name string
	Kind Kind
}

// Layout describes the fields of a record in order.
type Layout []Field

// DefaultLayout is the layout written by the sgemm kernels.
var DefaultLayout = Layout{
	{Name: "t0", Kind: Int},    // first row of the block's tile
	{Name: "end", Kind: Int},   // end of the tile rows, clamped to N
	{Name: "k", Kind: Int},     // reduction length
	{Name: "tid2", Kind: Int},  // tid*2
	{Name: "tid15", Kind: Int}, // tid&15
	{Name: "ldx", Kind: Int},   // first column of the block's tile
	{Name: "t2", Kind: Int},    // (tid>>4)*2
	{Name: "t4", Kind: Int},    // (tid&15)*4
	{Name: "c", Kind: Float},   // first output element owned by the thread
}

// Field returns the field at index i, naming fields beyond the layout f<i>.
func (l Layout) Field(i int) Field {
	if i < len(l) {
		return l[i]
	}
	return Field{Name: fmt.Sprintf("f%d", i), Kind: Int}
}

// Buffer is a captured trace.
type Buffer struct {
	GridDimX int
	GridDimY int
	Threads  int
	Fields   int
	Words    []uint32
}

// NewBuffer allocates a zeroed buffer for the given launch shape.
func NewBuffer(gridX, gridY, threads, fields int) *Buffer {
	return &Buffer{
		GridDimX: gridX,
		GridDimY: gridY,
		Threads:  threads,
		Fields:   fields,
		Words:    make([]uint32, gridX*gridY*threads*fields),
	}
}

// Records returns the number of (block, thread) records.
func (b *Buffer) Records() int {
	return b.GridDimX * b.GridDimY * b.Threads
}

// Validate checks that the word count matches the launch shape.
func (b *Buffer) Validate() error {
	if b.GridDimX <= 0 || b.GridDimY <= 0 || b.Threads <= 0 || b.Fields <= 0 {
		return fmt.Errorf("invalid trace shape %dx%d blocks, %d threads, %d fields", b.GridDimX, b.GridDimY, b.Threads, b.Fields)
	}
	if want := b.Records() * b.Fields; len(b.Words) != want {
		return fmt.Errorf("trace buffer holds %d words, want %d", len(b.Words), want)
	}
	return nil
}

// Value is one decoded field.
type Value struct {
	Field
	Bits uint32
}

// Int returns the bits as a signed integer.
func (v Value) Int() int32 {
	return int32(v.Bits)
}

// Float returns the bits as a float.
func (v Value) Float() float32 {
	return math.Float32frombits(v.Bits)
}

func (v Value) String() string {
	if v.Kind == Float {
		return fmt.Sprintf("%s:%.2f", v.Name, v.Float())
	}
	return fmt.Sprintf("%s:%5d", v.Name, v.Int())
}

// Record is the trace of one thread.
type Record struct {
	BY, BX, TID int
	Values      []Value
}

func (r Record) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "by: %3d, bx: %3d, tid:%3d", r.BY, r.BX, r.TID)
	for _, v := range r.Values {
		sb.WriteString(", ")
		sb.WriteString(v.String())
	}
	return sb.String()
}

// Decode returns the records of b in block-row, block-column, thread order. b is not modified.
func Decode(b *Buffer, layout Layout) ([]Record, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	out := make([]Record, 0, b.Records())
	i := 0
	for by := 0; by < b.GridDimY; by++ {
		for bx := 0; bx < b.GridDimX; bx++ {
			for tid := 0; tid < b.Threads; tid++ {
				words := b.Words[i : i+b.Fields]
				values := make([]Value, len(words))
				for f, w := range words {
					values[f] = Value{Field: layout.Field(f), Bits: w}
				}
				out = append(out, Record{BY: by, BX: bx, TID: tid, Values: values})
				i += b.Fields
			}
		}
	}
	return out, nil
}

// Render writes one line per record.
func Render(w io.Writer, b *Buffer, layout Layout) error {
	records, err := Decode(b, layout)
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			return err
		}
	}
	return nil
}
