// Package report formats benchmark results for the console.
package report

import (
	"fmt"
	"io"
)

// Flops returns the floating point operations of an N×N×N multiply: every one of the N²
// outputs takes N multiplies and N adds.
func Flops(n int) float64 {
	nf := float64(n)
	return 2 * nf * nf * nf
}

// GFLOPS converts a total elapsed time over repeat runs into throughput.
func GFLOPS(n int, ms float64, repeat int) float64 {
	if repeat <= 0 || ms <= 0 {
		return 0
	}
	avg := ms / float64(repeat)
	return Flops(n) / (avg * 1e6)
}

// Reporter writes result lines.
type Reporter struct {
	w io.Writer
}

// New returns a reporter writing to w.
func New(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Throughput prints the throughput line of a run and returns the GFLOPS figure.
func (r *Reporter) Throughput(label string, n int, ms float64, repeat int) (float64, error) {
	g := GFLOPS(n, ms, repeat)
	_, err := fmt.Fprintf(r.w, "%s GFLOPS: %.2f (size: %d, iterations: %d)\n", label, g, n, repeat)
	return g, err
}

// Errors prints the mismatch count.
func (r *Reporter) Errors(count int) error {
	_, err := fmt.Fprintf(r.w, "%d errors\n", count)
	return err
}

// ArtifactUnavailable prints that the diff artifact could not be created.
func (r *Reporter) ArtifactUnavailable(path string) error {
	_, err := fmt.Fprintf(r.w, "Cannot open %s for writing\n", path)
	return err
}

// Writer returns the destination of the report.
func (r *Reporter) Writer() io.Writer {
	return r.w
}

// Line prints a free-form line.
func (r *Reporter) Line(format string, args ...any) error {
	_, err := fmt.Fprintf(r.w, format+"\n", args...)
	return err
}
