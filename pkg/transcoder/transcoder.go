// Package transcoder turns the interchange graph into the mobile artifact in
// two stages: lowering ONNX to a TensorFlow SavedModel, then compiling the
// SavedModel to a TFLite flatbuffer.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/zerfoo/zdepth/internal/fsutil"
	"github.com/zerfoo/zdepth/internal/onnx"
	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/registry"
	"github.com/zerfoo/zdepth/pkg/toolchain"
)

// Request configures one transcode.
type Request struct {
	Interchange string
	Output      string
	WorkDir     string
	Tag         string

	Ops      config.OpsPolicy
	Optimize bool
	Float16  bool

	// OpTypes is the operator inventory of the interchange graph. When nil
	// it is read from the file.
	OpTypes     map[string]int
	SkipOpCheck bool

	Toolchain toolchain.Toolchain
}

// Result describes the mobile artifact.
type Result struct {
	Path      string
	Bytes     int64
	SelectOps bool
	// Retried is set when builtins-only compilation failed and the
	// select-ops superset was used instead.
	Retried bool
}

// SavedModelDir returns the lowering output directory for an interchange
// graph.
func SavedModelDir(workDir, interchange string) string {
	stem := strings.TrimSuffix(filepath.Base(interchange), filepath.Ext(interchange))
	return filepath.Join(workDir, stem+"_saved_model")
}

// Transcode lowers and compiles req.Interchange into req.Output. Once the
// mobile artifact is committed, the SavedModel and the interchange graph are
// deleted. On failure the interchange graph is kept for inspection.
func Transcode(ctx context.Context, req Request) (*Result, error) {
	if !req.SkipOpCheck {
		if err := precheck(req); err != nil {
			return nil, err
		}
	}

	savedModel := SavedModelDir(req.WorkDir, req.Interchange)
	if removed, err := fsutil.Remove(savedModel); err != nil {
		return nil, faults.Wrap(faults.LoweringFailed, err, "failed to clear stale SavedModel")
	} else if removed {
		klog.Infof("removed stale SavedModel %s", savedModel)
	}

	klog.Infof("lowering %s to %s", req.Interchange, savedModel)
	if _, err := req.Toolchain.Lower(ctx, toolchain.LowerRequest{Input: req.Interchange, OutputDir: savedModel}); err != nil {
		_, _ = fsutil.Remove(savedModel)
		fe := &faults.Error{
			Kind: faults.LoweringFailed,
			Msg:  "failed to lower the interchange graph to TensorFlow",
			Hint: "the interchange graph is kept at " + req.Interchange,
			Err:  err,
		}
		var te *toolchain.Error
		if errors.As(err, &te) {
			fe.Operators = te.Operators
		}
		return nil, fe
	}

	res, err := compile(ctx, req, savedModel)
	if err != nil {
		return nil, err
	}

	for _, p := range []string{savedModel, req.Interchange} {
		if _, err := fsutil.Remove(p); err != nil {
			klog.Warningf("failed to remove intermediate %s: %v", p, err)
		}
	}
	klog.Infof("wrote %s (%s, select ops %v)", res.Path, humanize.IBytes(uint64(res.Bytes)), res.SelectOps)
	return res, nil
}

func precheck(req Request) error {
	inv := req.OpTypes
	if inv == nil {
		m, err := onnx.ParseFile(req.Interchange)
		if err != nil {
			klog.Warningf("skipping operator pre-check: %v", err)
			return nil
		}
		inv = m.Graph.OpTypes()
	}
	unsupported := registry.Unsupported(inv)
	if len(unsupported) == 0 {
		return nil
	}
	return &faults.Error{
		Kind:      faults.LoweringFailed,
		Msg:       "graph uses operators without a TensorFlow lowering",
		Operators: unsupported,
		Expected:  "operators supported by onnx-tf",
		Found:     strings.Join(unsupported, ", "),
		Hint:      "re-export at a different opset, or set transcode.skip_op_check to try anyway",
	}
}

func compile(ctx context.Context, req Request, savedModel string) (*Result, error) {
	tmp := fsutil.TempPath(req.Output, req.Tag)
	if err := fsutil.MkdirFor(req.Output); err != nil {
		return nil, faults.Wrap(faults.CompilationFailed, err, "failed to prepare output directory")
	}

	selectOps := req.Ops == config.OpsSelect
	retried := false
	for {
		klog.Infof("compiling %s (select ops %v, optimize %v, float16 %v)", savedModel, selectOps, req.Optimize, req.Float16)
		_, err := req.Toolchain.Compile(ctx, toolchain.CompileRequest{
			SavedModelDir: savedModel,
			Output:        tmp,
			SelectOps:     selectOps,
			Optimize:      req.Optimize,
			Float16:       req.Float16,
		})
		if err == nil {
			break
		}
		_, _ = fsutil.Remove(tmp)

		var te *toolchain.Error
		isTE := errors.As(err, &te)
		if isTE && te.Kind == toolchain.KindSelectOpsRequired && req.Ops == config.OpsAuto && !selectOps {
			klog.Warningf("builtins-only compilation needs select ops %v, retrying with the superset", te.Operators)
			selectOps, retried = true, true
			continue
		}
		fe := &faults.Error{
			Kind: faults.CompilationFailed,
			Msg:  fmt.Sprintf("failed to compile the SavedModel (select ops %v)", selectOps),
			Err:  err,
		}
		if isTE {
			fe.Operators = te.Operators
			if te.Kind == toolchain.KindSelectOpsRequired && req.Ops == config.OpsBuiltins {
				fe.Hint = "set transcode.ops to auto or select to allow TensorFlow select ops"
			}
		}
		return nil, fe
	}

	size, err := fsutil.Size(tmp)
	if err != nil {
		return nil, faults.Wrap(faults.CompilationFailed, err, "compiler reported success but wrote no file")
	}
	if err := fsutil.Commit(tmp, req.Output); err != nil {
		_, _ = fsutil.Remove(tmp)
		return nil, faults.Wrap(faults.CompilationFailed, err, "failed to move mobile artifact into place")
	}
	return &Result{Path: req.Output, Bytes: size, SelectOps: selectOps, Retried: retried}, nil
}
