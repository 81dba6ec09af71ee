// Package verify compares candidate output with the reference and writes the diff artifact.
//
// Elements are compared by bit pattern: the candidate is expected to follow the reference's
// operation order exactly, so any difference is reported. A tolerance can be configured for
// kernels that reorder the reduction.
package verify

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"go.uber.org/zap"
)

// MaxReportN is the largest size for which the element-wise artifact is written.
const MaxReportN = 768

// Tolerance relaxes the element-wise comparison. The zero value compares exactly.
type Tolerance struct {
	Abs float64 `yaml:"abs"`
	Rel float64 `yaml:"rel"`
}

// Exact reports whether t requires bitwise equality.
func (t Tolerance) Exact() bool {
	return t.Abs <= 0 && t.Rel <= 0
}

// Result of a comparison.
type Result struct {
	// Identical is set when the buffers matched byte for byte.
	Identical bool
	// Errors is the number of differing elements.
	Errors int
	// Compared is the number of elements compared individually.
	Compared        int
	ArtifactPath    string
	ArtifactWritten bool
	// ArtifactErr is set when the artifact could not be created or written. It is not fatal.
	ArtifactErr error
}

// Opener creates the artifact file.
type Opener func(path string) (io.WriteCloser, error)

func createFile(path string) (io.WriteCloser, error) {
	return os.Create(path)
}

// Verifier compares output buffers.
type Verifier struct {
	maxReportN int
	tolerance  Tolerance
	open       Opener
	log        *zap.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithOpener replaces the function creating the artifact.
func WithOpener(o Opener) Option {
	return func(v *Verifier) { v.open = o }
}

// WithTolerance sets the element-wise tolerance.
func WithTolerance(t Tolerance) Option {
	return func(v *Verifier) { v.tolerance = t }
}

// WithMaxReportN sets the largest size that gets an artifact.
func WithMaxReportN(n int) Option {
	return func(v *Verifier) { v.maxReportN = n }
}

// New returns a verifier.
func New(log *zap.Logger, opts ...Option) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	v := &Verifier{maxReportN: MaxReportN, open: createFile, log: log.Named("verify")}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) match(c, t float32) bool {
	if math.Float32bits(c) == math.Float32bits(t) {
		return true
	}
	if v.tolerance.Exact() {
		return false
	}
	d := math.Abs(float64(c) - float64(t))
	return d <= v.tolerance.Abs || d <= v.tolerance.Rel*math.Abs(float64(t))
}

// Compare checks the N×N column-major candidate against reference. When they differ and
// n <= MaxReportN, the artifact at path gets one line per row y holding, for every column x, the
// candidate value followed by '!' if it differs from the reference or '=' if it matches. An empty
// path disables the artifact.
func (v *Verifier) Compare(candidate, reference []float32, n int, path string) (Result, error) {
	if n <= 0 || len(candidate) != n*n || len(reference) != n*n {
		return Result{}, fmt.Errorf("compare: want two %dx%d buffers, got %d and %d elements", n, n, len(candidate), len(reference))
	}
	if bytes.Equal(device.Float32Bytes(candidate), device.Float32Bytes(reference)) {
		return Result{Identical: true}, nil
	}

	res := Result{Compared: n * n}
	if n > v.maxReportN || path == "" {
		for i := range candidate {
			if !v.match(candidate[i], reference[i]) {
				res.Errors++
			}
		}
		return res, nil
	}

	res.ArtifactPath = path
	f, err := v.open(path)
	if err != nil {
		v.log.Warn("cannot create diff artifact", zap.String("path", path), zap.Error(err))
		res.ArtifactErr = err
		res.Errors = v.count(candidate, reference, n, nil)
		return res, nil
	}
	w := bufio.NewWriter(f)
	res.Errors = v.count(candidate, reference, n, w)
	err = w.Flush()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		v.log.Warn("cannot write diff artifact", zap.String("path", path), zap.Error(err))
		res.ArtifactErr = err
		return res, nil
	}
	res.ArtifactWritten = true
	v.log.Debug("diff artifact written", zap.String("path", path), zap.Int("errors", res.Errors))
	return res, nil
}

// count walks the matrix row by row, writing the grid to w when it is not nil.
func (v *Verifier) count(candidate, reference []float32, n int, w *bufio.Writer) int {
	errors := 0
	var cell []byte
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			c, t := candidate[x*n+y], reference[x*n+y]
			mark := byte('=')
			if !v.match(c, t) {
				errors++
				mark = '!'
			}
			if w != nil {
				cell = strconv.AppendFloat(cell[:0], float64(c), 'f', 0, 64)
				cell = append(cell, mark)
				_, _ = w.Write(cell)
			}
		}
		if w != nil {
			_ = w.WriteByte('\n')
		}
	}
	return errors
}
