// Package workspace owns the host and device matrices of a benchmark run.
package workspace

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"go.uber.org/zap"
)

// Fill selects how the input matrices are seeded.
type Fill string

const (
	// FillUniform draws A and B independently from [0,1).
	FillUniform Fill = "uniform"
	// FillOnes sets every element of A and B to one, so every product element equals N.
	FillOnes Fill = "ones"
	// FillIdentity draws A from [0,1) and sets B to the identity, so the product equals A.
	FillIdentity Fill = "identity"
)

// ParseFill parses a fill name. The empty string selects FillUniform.
func ParseFill(s string) (Fill, error) {
	switch f := Fill(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FillUniform, nil
	case FillUniform, FillOnes, FillIdentity:
		return f, nil
	default:
		return "", fmt.Errorf("unknown fill %q (want uniform, ones or identity)", s)
	}
}

// Workspace holds two N×N column-major inputs and two outputs: C for the candidate kernel and T
// for the reference.
type Workspace struct {
	N    int
	Fill Fill

	// Host inputs, immutable after New.
	A, B []float32
	// Host read-back buffers.
	Candidate, Reference []float32

	DevA, DevB, DevC, DevT device.Ptr

	ctx device.Context
	log *zap.Logger
}

// New allocates and seeds the workspace on ctx. On failure every buffer allocated so far is
// released.
func New(ctx device.Context, n int, fill Fill, rng *rand.Rand, log *zap.Logger) (*Workspace, error) {
	if n <= 0 {
		return nil, fmt.Errorf("matrix size must be positive, got %d", n)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	ws := &Workspace{
		N:         n,
		Fill:      fill,
		A:         make([]float32, n*n),
		B:         make([]float32, n*n),
		Candidate: make([]float32, n*n),
		Reference: make([]float32, n*n),
		ctx:       ctx,
		log:       log,
	}
	if err := ws.seed(rng); err != nil {
		return nil, err
	}
	if err := ws.stage(); err != nil {
		if cerr := ws.Close(); cerr != nil {
			log.Warn("failed to release partial workspace", zap.Error(cerr))
		}
		return nil, err
	}
	log.Debug("workspace ready", zap.Int("n", n), zap.String("fill", string(fill)), zap.Int64("device_bytes", ws.DeviceBytes()))
	return ws, nil
}

func (ws *Workspace) seed(rng *rand.Rand) error {
	n := ws.N
	switch ws.Fill {
	case FillUniform, "":
		for i := range ws.A {
			ws.A[i] = rng.Float32()
		}
		for i := range ws.B {
			ws.B[i] = rng.Float32()
		}
	case FillOnes:
		for i := range ws.A {
			ws.A[i], ws.B[i] = 1, 1
		}
	case FillIdentity:
		for i := range ws.A {
			ws.A[i] = rng.Float32()
		}
		for i := 0; i < n; i++ {
			ws.B[i*n+i] = 1
		}
	default:
		return fmt.Errorf("unknown fill %q", ws.Fill)
	}
	return nil
}

func (ws *Workspace) stage() error {
	bytes := ws.MatrixBytes()
	for _, m := range []struct {
		name string
		ptr  *device.Ptr
	}{{"A", &ws.DevA}, {"B", &ws.DevB}, {"C", &ws.DevC}, {"T", &ws.DevT}} {
		p, err := ws.ctx.MemAlloc(bytes)
		if err != nil {
			return fmt.Errorf("allocate device matrix %s: %w", m.name, err)
		}
		*m.ptr = p
	}
	if err := ws.ctx.MemcpyHtoD(ws.DevA, device.Float32Bytes(ws.A)); err != nil {
		return fmt.Errorf("copy A to device: %w", err)
	}
	if err := ws.ctx.MemcpyHtoD(ws.DevB, device.Float32Bytes(ws.B)); err != nil {
		return fmt.Errorf("copy B to device: %w", err)
	}
	if err := ws.ZeroCandidate(); err != nil {
		return err
	}
	if err := ws.ctx.MemsetD8(ws.DevT, 0, bytes); err != nil {
		return fmt.Errorf("zero reference output: %w", err)
	}
	return nil
}

// MatrixBytes returns the size of one N×N matrix.
func (ws *Workspace) MatrixBytes() int64 {
	return int64(ws.N) * int64(ws.N) * 4
}

// DeviceBytes returns the device memory held by the four matrices.
func (ws *Workspace) DeviceBytes() int64 {
	return 4 * ws.MatrixBytes()
}

// ZeroCandidate clears the candidate output on the device.
func (ws *Workspace) ZeroCandidate() error {
	if err := ws.ctx.MemsetD8(ws.DevC, 0, ws.MatrixBytes()); err != nil {
		return fmt.Errorf("zero candidate output: %w", err)
	}
	return nil
}

// ReadCandidate copies the candidate output into ws.Candidate.
func (ws *Workspace) ReadCandidate() ([]float32, error) {
	if err := ws.ctx.MemcpyDtoH(device.Float32Bytes(ws.Candidate), ws.DevC); err != nil {
		return nil, fmt.Errorf("copy candidate output to host: %w", err)
	}
	return ws.Candidate, nil
}

// ReadReference copies the reference output into ws.Reference.
func (ws *Workspace) ReadReference() ([]float32, error) {
	if err := ws.ctx.MemcpyDtoH(device.Float32Bytes(ws.Reference), ws.DevT); err != nil {
		return nil, fmt.Errorf("copy reference output to host: %w", err)
	}
	return ws.Reference, nil
}

// Close frees the device matrices. Each buffer is freed once; later calls are no-ops.
func (ws *Workspace) Close() error {
	var errs []error
	for _, p := range []*device.Ptr{&ws.DevA, &ws.DevB, &ws.DevC, &ws.DevT} {
		if *p == 0 {
			continue
		}
		if err := ws.ctx.MemFree(*p); err != nil {
			errs = append(errs, err)
		}
		*p = 0
	}
	return errors.Join(errs...)
}
