// Package oracle runs the trusted reference multiply the candidate kernel is checked against.
package oracle

import (
	"fmt"
	"os"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"github.com/fxnlabs/sgemm-bench/internal/workspace"
	"go.uber.org/zap"
)

// DefaultWarmupRuns is the number of reference calls issued before the first timed launch.
const DefaultWarmupRuns = 3

// DefaultProfilerEnv lists the variables whose presence means a profiler is attached.
var DefaultProfilerEnv = []string{"NSIGHT_LAUNCHED"}

// Adapter invokes the reference library with the harness's fixed arguments:
// T = 1 * A * B^T + 0 * T on the workspace's N×N matrices.
type Adapter struct {
	blas        device.BLAS
	log         *zap.Logger
	warmupRuns  int
	profilerEnv []string
	lookupEnv   func(string) (string, bool)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithWarmupRuns sets the number of warm-up calls. Zero disables warm-up.
func WithWarmupRuns(n int) Option {
	return func(a *Adapter) { a.warmupRuns = max(n, 0) }
}

// WithProfilerEnv sets the variables that suppress warm-up when present.
func WithProfilerEnv(names ...string) Option {
	return func(a *Adapter) { a.profilerEnv = names }
}

// New returns an adapter over blas.
func New(blas device.BLAS, log *zap.Logger, opts ...Option) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		blas:        blas,
		log:         log.Named("oracle"),
		warmupRuns:  DefaultWarmupRuns,
		profilerEnv: DefaultProfilerEnv,
		lookupEnv:   os.LookupEnv,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Compute writes the reference product into ws.DevT.
func (a *Adapter) Compute(ws *workspace.Workspace) error {
	n := ws.N
	if err := a.blas.Sgemm(device.NoTrans, device.Trans, n, n, n, 1, ws.DevA, n, ws.DevB, n, 0, ws.DevT, n); err != nil {
		return fmt.Errorf("reference sgemm: %w", err)
	}
	return nil
}

// ProfilerAttached reports the first profiler variable found in the environment.
func (a *Adapter) ProfilerAttached() (string, bool) {
	for _, name := range a.profilerEnv {
		if _, ok := a.lookupEnv(name); ok {
			return name, true
		}
	}
	return "", false
}

// WarmUp runs the reference multiply to bring the device to a steady clock. It is skipped when a
// profiler is attached. It returns the number of calls issued.
func (a *Adapter) WarmUp(ws *workspace.Workspace) (int, error) {
	if name, ok := a.ProfilerAttached(); ok {
		a.log.Info("profiler attached, skipping warm-up", zap.String("env", name))
		return 0, nil
	}
	for i := 0; i < a.warmupRuns; i++ {
		if err := a.Compute(ws); err != nil {
			return i, fmt.Errorf("warm-up %d: %w", i+1, err)
		}
	}
	a.log.Debug("warm-up complete", zap.Int("runs", a.warmupRuns))
	return a.warmupRuns, nil
}

// Timed computes the reference product between start and stop and returns the elapsed device
// time in milliseconds.
func (a *Adapter) Timed(ctx device.Context, ws *workspace.Workspace, start, stop device.Event) (float32, error) {
	if err := start.Record(); err != nil {
		return 0, fmt.Errorf("record start event: %w", err)
	}
	if err := a.Compute(ws); err != nil {
		return 0, err
	}
	if err := stop.Record(); err != nil {
		return 0, fmt.Errorf("record stop event: %w", err)
	}
	if err := stop.Synchronize(); err != nil {
		return 0, fmt.Errorf("synchronize reference: %w", err)
	}
	ms, err := ctx.EventElapsedTime(start, stop)
	if err != nil {
		return 0, fmt.Errorf("elapsed time: %w", err)
	}
	return ms, nil
}
