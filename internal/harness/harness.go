// Package harness runs the sgemm verification: it stages the inputs, times every kernel variant,
// computes the reference product and compares the outputs.
package harness

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fxnlabs/sgemm-bench/internal/config"
	"github.com/fxnlabs/sgemm-bench/internal/device"
	"github.com/fxnlabs/sgemm-bench/internal/geometry"
	"github.com/fxnlabs/sgemm-bench/internal/launcher"
	"github.com/fxnlabs/sgemm-bench/internal/metrics"
	"github.com/fxnlabs/sgemm-bench/internal/oracle"
	"github.com/fxnlabs/sgemm-bench/internal/report"
	"github.com/fxnlabs/sgemm-bench/internal/trace"
	"github.com/fxnlabs/sgemm-bench/internal/verify"
	"github.com/fxnlabs/sgemm-bench/internal/workspace"
	"go.uber.org/zap"
)

// ReferenceLabel labels the reference throughput line.
const ReferenceLabel = "Reference"

// VariantRun is the outcome of one kernel variant.
type VariantRun struct {
	Variant geometry.Variant
	Launch  launcher.Result
	GFLOPS  float64
	Verify  verify.Result
}

// Summary is the outcome of a Run.
type Summary struct {
	Device  device.Info
	N       int
	Repeat  int
	Warmups int
	Runs    []VariantRun

	ReferenceMs     float32
	ReferenceGFLOPS float64
}

// Errors returns the total number of mismatched elements over all variants.
func (s *Summary) Errors() int {
	total := 0
	for _, r := range s.Runs {
		total += r.Verify.Errors
	}
	return total
}

// Harness owns the device handles of a run. Open acquires them, Close releases them in reverse
// order.
type Harness struct {
	cfg      *config.Config
	drv      device.Driver
	log      *zap.Logger
	out      *report.Reporter
	metrics  *metrics.Metrics
	variants []geometry.Variant
	fill     workspace.Fill

	info  device.Info
	ctx   device.Context
	blas  device.BLAS
	start device.Event
	stop  device.Event
	ws    *workspace.Workspace
}

// New checks cfg and returns a harness that is not yet open. Results are printed to out. m may be
// nil.
func New(cfg *config.Config, drv device.Driver, log *zap.Logger, out io.Writer, m *metrics.Metrics) (*Harness, error) {
	if log == nil {
		log = zap.NewNop()
	}
	variants := make([]geometry.Variant, 0, len(cfg.Kernel.Variants))
	for _, s := range cfg.Kernel.Variants {
		v, err := geometry.ParseVariant(s)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	if len(variants) == 0 {
		return nil, errors.New("no kernel variant selected")
	}
	fill, err := workspace.ParseFill(cfg.Run.Fill)
	if err != nil {
		return nil, err
	}
	return &Harness{
		cfg:      cfg,
		drv:      drv,
		log:      log.Named("harness"),
		out:      report.New(out),
		metrics:  m,
		variants: variants,
		fill:     fill,
	}, nil
}

// Device returns the selected device. It is valid after Open.
func (h *Harness) Device() device.Info {
	return h.info
}

// Open initializes the driver, selects the first qualifying device and creates the context, the
// reference handle, the timing events and the workspace. On failure everything acquired is
// released.
func (h *Harness) Open() (err error) {
	defer func() {
		if err != nil {
			if cerr := h.Close(); cerr != nil {
				h.log.Warn("release after failed open", zap.Error(cerr))
			}
		}
	}()

	if err := h.drv.Init(); err != nil {
		return fmt.Errorf("initialize %s driver: %w", h.drv.Name(), err)
	}
	info, err := device.Select(h.drv, h.cfg.Device.MinComputeMajor)
	if err != nil {
		if errors.Is(err, device.ErrNoDevice) {
			_ = h.out.Line("No compute %d.0 device found, exiting.", h.cfg.Device.MinComputeMajor)
		}
		return err
	}
	h.info = info
	h.log.Info("Selected device",
		zap.Int("ordinal", info.Ordinal),
		zap.String("name", info.Name),
		zap.String("computeCapability", info.ComputeCapability()),
		zap.Int64("totalMemory", info.TotalMemory))

	if h.ctx, err = h.drv.CreateContext(info.Ordinal); err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	if h.blas, err = h.drv.CreateBLAS(h.ctx); err != nil {
		return fmt.Errorf("create reference handle: %w", err)
	}
	if h.start, err = h.ctx.EventCreate(); err != nil {
		return fmt.Errorf("create start event: %w", err)
	}
	if h.stop, err = h.ctx.EventCreate(); err != nil {
		return fmt.Errorf("create stop event: %w", err)
	}

	seed := h.cfg.Run.Seed
	rng := rand.New(rand.NewPCG(seed, seed))
	if h.ws, err = workspace.New(h.ctx, h.cfg.N(), h.fill, rng, h.log); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.MatrixSize.Set(float64(h.ws.N))
		h.metrics.DeviceMemory.Set(float64(h.ws.DeviceBytes()))
	}
	return nil
}

// Run times every variant, computes the reference and verifies each candidate output. Mismatches
// are reported in the summary, not as an error.
func (h *Harness) Run() (*Summary, error) {
	if h.ws == nil {
		return nil, errors.New("harness is not open")
	}
	n := h.ws.N
	repeat := h.cfg.Run.Repeat
	sum := &Summary{Device: h.info, N: n, Repeat: repeat}

	ref := oracle.New(h.blas, h.log,
		oracle.WithWarmupRuns(h.cfg.Oracle.WarmupRuns),
		oracle.WithProfilerEnv(h.cfg.Oracle.ProfilerEnv...))
	warmups, err := ref.WarmUp(h.ws)
	if err != nil {
		return nil, err
	}
	sum.Warmups = warmups
	if h.metrics != nil {
		h.metrics.WarmupRuns.Add(float64(warmups))
	}

	candidates := make([][]float32, len(h.variants))
	for i, v := range h.variants {
		run, out, err := h.runVariant(v)
		if err != nil {
			return nil, err
		}
		if len(h.variants) > 1 {
			out = slices.Clone(out)
		}
		candidates[i] = out
		sum.Runs = append(sum.Runs, run)
	}

	refMs, err := ref.Timed(h.ctx, h.ws, h.start, h.stop)
	if err != nil {
		return nil, err
	}
	sum.ReferenceMs = refMs
	sum.ReferenceGFLOPS = report.GFLOPS(n, float64(refMs), 1)
	if h.cfg.Oracle.CompareReference {
		if _, err := h.out.Throughput(ReferenceLabel, n, float64(refMs), 1); err != nil {
			return nil, err
		}
	}
	reference, err := h.ws.ReadReference()
	if err != nil {
		return nil, err
	}

	verifier := verify.New(h.log,
		verify.WithTolerance(h.cfg.Verify.Tolerance),
		verify.WithMaxReportN(h.cfg.Verify.MaxReportN))
	for i := range sum.Runs {
		run := &sum.Runs[i]
		path := h.artifactPath(run.Variant)
		res, err := verifier.Compare(candidates[i], reference, n, path)
		if err != nil {
			return nil, err
		}
		run.Verify = res
		if res.ArtifactErr != nil {
			if err := h.out.ArtifactUnavailable(path); err != nil {
				return nil, err
			}
		}
		if err := h.out.Errors(res.Errors); err != nil {
			return nil, err
		}
		h.log.Info("Verified kernel output",
			zap.String("kernel", run.Variant.Kernel),
			zap.Bool("identical", res.Identical),
			zap.Int("errors", res.Errors),
			zap.Bool("artifact", res.ArtifactWritten))
	}

	h.record(sum)
	return sum, nil
}

func (h *Harness) runVariant(v geometry.Variant) (VariantRun, []float32, error) {
	if err := h.ws.ZeroCandidate(); err != nil {
		return VariantRun{}, nil, err
	}

	var opts []launcher.Option
	if h.metrics != nil {
		chunks := h.metrics.ChunkDuration.WithLabelValues(v.Kernel)
		launches := h.metrics.KernelLaunches.WithLabelValues(v.Kernel)
		opts = append(opts, launcher.WithChunkObserver(func(c launcher.Chunk) {
			chunks.Observe(float64(c.ElapsedMs))
			launches.Add(float64(c.Launches))
		}))
	}
	var backend launcher.Backend = launcher.NewEngine(h.ctx, h.log, opts...)

	res, err := backend.Launch(launcher.Request{
		Module:      h.cfg.Kernel.Module,
		Variant:     v,
		N:           h.ws.N,
		A:           h.ws.DevA,
		B:           h.ws.DevB,
		C:           h.ws.DevC,
		Start:       h.start,
		Stop:        h.stop,
		Repeat:      h.cfg.Run.Repeat,
		TraceFields: h.cfg.Run.PrintVars,
	})
	if err != nil {
		return VariantRun{}, nil, err
	}
	gflops, err := h.out.Throughput(v.Label, h.ws.N, res.ElapsedMs, res.Launches)
	if err != nil {
		return VariantRun{}, nil, err
	}
	if res.Trace != nil {
		if err := trace.Render(h.out.Writer(), res.Trace, trace.DefaultLayout); err != nil {
			return VariantRun{}, nil, fmt.Errorf("render trace: %w", err)
		}
	}
	out, err := h.ws.ReadCandidate()
	if err != nil {
		return VariantRun{}, nil, err
	}
	return VariantRun{Variant: v, Launch: res, GFLOPS: gflops}, out, nil
}

// artifactPath names the diff artifact of v. With several variants the kernel name is appended
// to the configured name.
func (h *Harness) artifactPath(v geometry.Variant) string {
	path := h.cfg.Verify.DiffFile
	if path == "" || len(h.variants) == 1 {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + v.Kernel + ext
}

func (h *Harness) record(sum *Summary) {
	if h.metrics == nil {
		return
	}
	for _, r := range sum.Runs {
		h.metrics.KernelGFLOPS.WithLabelValues(r.Variant.Kernel).Set(r.GFLOPS)
		h.metrics.KernelElapsed.WithLabelValues(r.Variant.Kernel).Set(r.Launch.ElapsedMs)
		h.metrics.Mismatches.WithLabelValues(r.Variant.Kernel).Set(float64(r.Verify.Errors))
	}
	h.metrics.ReferenceDuration.Set(float64(sum.ReferenceMs))
	h.metrics.ReferenceGFLOPS.Set(sum.ReferenceGFLOPS)

	if path := h.cfg.Metrics.Textfile; path != "" {
		if err := h.metrics.WriteToTextfile(path); err != nil {
			h.log.Warn("cannot write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}
}

// Close releases the workspace, the events, the reference handle and the context, each once.
// Later calls are no-ops.
func (h *Harness) Close() error {
	var errs []error
	if h.ws != nil {
		errs = append(errs, h.ws.Close())
		h.ws = nil
	}
	for _, ev := range []*device.Event{&h.stop, &h.start} {
		if *ev != nil {
			errs = append(errs, (*ev).Destroy())
			*ev = nil
		}
	}
	if h.blas != nil {
		errs = append(errs, h.blas.Destroy())
		h.blas = nil
	}
	if h.ctx != nil {
		errs = append(errs, h.ctx.Destroy())
		h.ctx = nil
	}
	return errors.Join(errs...)
}
