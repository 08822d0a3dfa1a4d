// Package pipeline runs a conversion from checkpoint to mobile artifact.
//
// The run is strictly sequential: load, export, validate, transcode, smoke
// test. Each stage is bounded by its own timeout. Fatal failures abort the
// run; validation and smoke test findings are collected as warnings.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/zerfoo/zdepth/internal/fsutil"
	"github.com/zerfoo/zdepth/internal/shape"
	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/exporter"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/loader"
	"github.com/zerfoo/zdepth/pkg/report"
	"github.com/zerfoo/zdepth/pkg/smoketest"
	"github.com/zerfoo/zdepth/pkg/source"
	"github.com/zerfoo/zdepth/pkg/toolchain"
	"github.com/zerfoo/zdepth/pkg/transcoder"
	"github.com/zerfoo/zdepth/pkg/validator"
)

// Pipeline holds the collaborators of a run.
type Pipeline struct {
	Config    *config.Config
	Toolchain toolchain.Toolchain
	Source    source.Provider
	// Out receives progress lines; nil discards them.
	Out io.Writer
}

// run is the state of one execution.
type run struct {
	p       *Pipeline
	cfg     *config.Config
	machine *Machine
	rep     *report.Report
	out     io.Writer

	variant config.Variant
	export  config.ExportConfig
}

// Run executes the conversion. The report is always returned; the error is
// non-nil exactly when the run ends in Aborted.
func (p *Pipeline) Run(ctx context.Context) (*report.Report, error) {
	r := &run{p: p, cfg: p.Config, machine: NewMachine(), rep: report.New(), out: p.Out}
	if r.out == nil {
		r.out = io.Discard
	}
	r.rep.Variant = r.cfg.Variant
	r.rep.InputSize = r.cfg.InputSize
	r.rep.Opset = r.cfg.Opset
	klog.Infof("run %s: converting %s at %dx%d, opset %d", r.rep.RunID, r.cfg.Variant, r.cfg.InputSize, r.cfg.InputSize, r.cfg.Opset)

	err := r.execute(ctx)
	r.rep.State = r.machine.State().String()
	return r.rep, err
}

func (r *run) execute(ctx context.Context) error {
	if err := r.cfg.Validate(); err != nil {
		return r.abort(err, faults.InvalidConfiguration)
	}
	r.variant, _ = r.cfg.VariantSpec()
	r.export = r.cfg.Export()

	model, err := r.load(ctx)
	if err != nil {
		return err
	}
	exported, err := r.exportGraph(ctx, model)
	if err != nil {
		return err
	}
	inventory, err := r.validate(ctx)
	if err != nil {
		return err
	}
	if err := r.transcode(ctx, inventory); err != nil {
		return err
	}
	if err := r.smoke(ctx, exported); err != nil {
		return err
	}
	return r.enter(Done)
}

func (r *run) enter(s State) error {
	if err := r.machine.Transition(s); err != nil {
		return errors.Wrap(err, "pipeline")
	}
	klog.V(1).Infof("run %s: entered %s", r.rep.RunID, s)
	return nil
}

// abort records err as the fatal error of the run and moves to Aborted.
// Unclassified errors take the fallback kind of the failing stage.
func (r *run) abort(err error, fallback faults.Kind) error {
	var fe *faults.Error
	if !errors.As(err, &fe) {
		fe = faults.Wrap(fallback, err, "%s failed", r.machine.State())
	}
	stage := r.machine.State()
	r.rep.Fail(fe)
	if terr := r.enter(Aborted); terr != nil {
		return terr
	}
	klog.Errorf("run %s aborted in %s: %v", r.rep.RunID, stage, fe)
	if klog.V(2).Enabled() {
		klog.Infof("run %s abort trace: %+v", r.rep.RunID, errors.WithStack(fe))
	}
	return errors.Wrapf(fe, "conversion aborted in %s", stage)
}

func (r *run) warn(e *faults.Error) {
	klog.Warning(e.Diagnosis())
	fmt.Fprintf(r.out, "  warning: %s\n", e.Error())
	r.rep.Warn(e)
}

// timed runs fn under the stage timeout and records its duration.
func (r *run) timed(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	stage := r.machine.State()
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	err := fn(sctx)
	r.rep.Time(stage.String(), time.Since(start))
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		klog.Errorf("%s exceeded its timeout of %s", stage, timeout)
	}
	return err
}

func (r *run) load(ctx context.Context) (*loader.Model, error) {
	if err := r.enter(Loading); err != nil {
		return nil, err
	}
	fmt.Fprintf(r.out, "[1/5] Loading %s from %s\n", r.variant.Name, r.cfg.Paths.Weights)

	var model *loader.Model
	err := r.timed(ctx, r.cfg.Timeouts.Load, func(ctx context.Context) error {
		var err error
		model, err = loader.Load(ctx, loader.LoadRequest{
			Variant:   r.variant,
			Weights:   r.cfg.Paths.Weights,
			SourceDir: r.cfg.Paths.SourceDir,
			Source:    r.p.Source,
			Toolchain: r.p.Toolchain,
		})
		return err
	})
	if err != nil {
		return nil, r.abort(err, faults.CheckpointMismatch)
	}
	r.rep.CheckpointDigest = model.Digest()
	r.rep.Parameters = model.Parameters()
	return model, nil
}

func (r *run) exportGraph(ctx context.Context, model *loader.Model) (*exporter.Result, error) {
	if err := r.enter(Exporting); err != nil {
		return nil, err
	}
	fmt.Fprintf(r.out, "[2/5] Exporting %s\n", r.cfg.Paths.Interchange)

	// A previous run's graph is never reused.
	removed, err := fsutil.RemoveStale(r.cfg.Paths.Interchange)
	if err != nil {
		return nil, r.abort(err, faults.ExportFailed)
	}
	for _, p := range removed {
		klog.Infof("removed stale %s", p)
	}

	var res *exporter.Result
	err = r.timed(ctx, r.cfg.Timeouts.Export, func(ctx context.Context) error {
		var err error
		res, err = exporter.Export(ctx, model, r.export, exporter.Options{
			Strategy:  r.cfg.Strategy,
			Output:    r.cfg.Paths.Interchange,
			Tag:       r.rep.Tag(),
			MinBytes:  r.variant.MinExportBytes,
			Toolchain: r.p.Toolchain,
		})
		return err
	})
	if err != nil {
		return nil, r.abort(err, faults.ExportFailed)
	}

	r.rep.Strategy = string(res.Strategy)
	r.rep.Fallback = res.Fallback
	r.rep.TorchVersion = res.TorchVersion
	r.rep.Interchange = &report.Artifact{Path: res.Path, Bytes: res.Bytes}
	for _, w := range res.Warnings {
		r.warn(w)
	}
	return res, nil
}

// validate returns the operator inventory, or nil when the graph could not be
// decoded. Findings never fail the run.
func (r *run) validate(ctx context.Context) (map[string]int, error) {
	if err := r.enter(Validating); err != nil {
		return nil, err
	}
	fmt.Fprintf(r.out, "[3/5] Validating %s\n", r.cfg.Paths.Interchange)

	var res *validator.Result
	err := r.timed(ctx, r.cfg.Timeouts.Validate, func(ctx context.Context) error {
		type outcome struct {
			res *validator.Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := validator.Validate(r.cfg.Paths.Interchange, r.export)
			done <- outcome{res, err}
		}()
		select {
		case o := <-done:
			res = o.res
			return o.err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		var fe *faults.Error
		if !errors.As(err, &fe) {
			fe = faults.Wrap(faults.StructuralValidationWarning, err, "validation did not complete")
		}
		r.warn(fe)
		return nil, nil
	}
	for _, issue := range res.Issues {
		r.warn(issue)
	}
	r.rep.OpTypes = res.OpTypes
	return res.OpTypes, nil
}

func (r *run) transcode(ctx context.Context, inventory map[string]int) error {
	if err := r.enter(Transcoding); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "[4/5] Transcoding to %s\n", r.cfg.Paths.Output)

	// The previous artifact stays in place until the new one is committed.
	removed, err := fsutil.RemoveTemps(r.cfg.Paths.Output)
	if err != nil {
		return r.abort(err, faults.CompilationFailed)
	}
	for _, p := range removed {
		klog.Infof("removed stale %s", p)
	}

	var res *transcoder.Result
	err = r.timed(ctx, r.cfg.Timeouts.Transcode, func(ctx context.Context) error {
		var err error
		res, err = transcoder.Transcode(ctx, transcoder.Request{
			Interchange: r.cfg.Paths.Interchange,
			Output:      r.cfg.Paths.Output,
			WorkDir:     r.cfg.Paths.WorkDir,
			Tag:         r.rep.Tag(),
			Ops:         r.cfg.Transcode.Ops,
			Optimize:    r.cfg.Transcode.Optimize,
			Float16:     r.cfg.Transcode.Float16,
			OpTypes:     inventory,
			SkipOpCheck: r.cfg.Transcode.SkipOpCheck,
			Toolchain:   r.p.Toolchain,
		})
		return err
	})
	if err != nil {
		return r.abort(err, faults.CompilationFailed)
	}
	r.rep.Output = &report.Artifact{Path: res.Path, Bytes: res.Bytes}
	r.rep.SelectOps = res.SelectOps
	r.rep.CompileRetried = res.Retried
	return nil
}

// smoke never fails the run; only a disallowed transition is returned.
func (r *run) smoke(ctx context.Context, exported *exporter.Result) error {
	if err := r.enter(SmokeTesting); err != nil {
		return err
	}
	if r.cfg.Smoke.Skip {
		fmt.Fprintln(r.out, "[5/5] Smoke test skipped")
		return nil
	}
	fmt.Fprintf(r.out, "[5/5] Smoke testing %s\n", r.cfg.Paths.Output)

	var res *smoketest.Result
	err := r.timed(ctx, r.cfg.Timeouts.Smoke, func(ctx context.Context) error {
		var err error
		res, err = smoketest.Run(ctx, smoketest.Request{
			Model:          r.cfg.Paths.Output,
			InputShape:     r.export.InputDims(),
			ExpectedOutput: r.export.OutputDims(),
			WorkDir:        r.cfg.Paths.WorkDir,
			Tag:            r.rep.Tag(),
			Seed:           r.cfg.Smoke.Seed,
			Toolchain:      r.p.Toolchain,
		})
		return err
	})
	if err != nil {
		var fe *faults.Error
		if !errors.As(err, &fe) {
			fe = faults.Wrap(faults.SmokeTestWarning, err, "smoke test did not complete")
		}
		r.warn(fe)
		return nil
	}
	for _, w := range res.Warnings {
		r.warn(w)
	}
	r.rep.Smoke = &report.Smoke{
		InputShape:     res.InputShape,
		OutputShape:    res.OutputShape,
		ReferenceShape: exported.ReferenceShape,
		Stats:          res.Stats,
	}

	// The mobile artifact must agree with the source model it came from.
	if ref := exported.ReferenceShape; len(ref) > 0 && !shape.Equivalent(ref, res.OutputShape) {
		r.warn(&faults.Error{
			Kind:     faults.SmokeTestWarning,
			Msg:      "mobile artifact output shape differs from the source model",
			Expected: shape.String(ref),
			Found:    shape.String(res.OutputShape),
		})
	}
	return nil
}
