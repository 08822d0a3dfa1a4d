// Package exporter traces a loaded model into a static-shape ONNX graph.
//
// Recent PyTorch releases route torch.onnx.export through a newer exporter
// that rejects these models. The legacy tracer is pinned by argument first;
// only if the installed release does not understand that argument is the
// export retried once with the environment switches set on the child process.
package exporter

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/zerfoo/zdepth/internal/fsutil"
	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/loader"
	"github.com/zerfoo/zdepth/pkg/toolchain"
)

// strategyFlag is the exporter argument whose rejection triggers the
// fallback.
const strategyFlag = "dynamo"

// Options configures one export.
type Options struct {
	Strategy config.Strategy
	// Output is the canonical interchange path.
	Output string
	// Tag distinguishes this run's temporary file.
	Tag string
	// MinBytes is the smallest plausible export; smaller files are flagged.
	MinBytes  int64
	Toolchain toolchain.Toolchain
}

// Result describes a successful export.
type Result struct {
	Path     string
	Bytes    int64
	Strategy config.Strategy
	Fallback bool
	// ReferenceShape is the output shape of a direct forward pass of the
	// source model on the export's dummy input.
	ReferenceShape []int64
	TorchVersion   string
	Warnings       []*faults.Error
}

// plan returns the strategies to attempt, in order.
func plan(s config.Strategy) []config.Strategy {
	switch s {
	case config.StrategyLegacyFlag:
		return []config.Strategy{config.StrategyLegacyFlag}
	case config.StrategyLegacyEnv:
		return []config.Strategy{config.StrategyLegacyEnv}
	default:
		return []config.Strategy{config.StrategyLegacyFlag, config.StrategyLegacyEnv}
	}
}

func request(m *loader.Model, ec config.ExportConfig, out string, s config.Strategy) toolchain.ExportRequest {
	req := toolchain.ExportRequest{
		Arch:       m.Architecture(),
		Weights:    m.Weights(),
		Output:     out,
		Opset:      ec.Opset,
		InputShape: ec.InputDims(),
		InputName:  ec.InputName,
		OutputName: ec.OutputName,
	}
	switch s {
	case config.StrategyLegacyFlag:
		req.PinLegacy = true
	case config.StrategyLegacyEnv:
		req.Env = make(map[string]string, len(toolchain.ExporterSwitches))
		for k, v := range toolchain.ExporterSwitches {
			req.Env[k] = v
		}
	}
	return req
}

// rejectsStrategy reports whether err is the exporter refusing the strategy
// argument itself, as opposed to failing on the model.
func rejectsStrategy(err error) bool {
	var te *toolchain.Error
	return errors.As(err, &te) && te.Kind == toolchain.KindInterface && te.Mentions(strategyFlag)
}

// Export writes the interchange graph of m to opts.Output.
func Export(ctx context.Context, m *loader.Model, ec config.ExportConfig, opts Options) (*Result, error) {
	if err := fsutil.MkdirFor(opts.Output); err != nil {
		return nil, faults.Wrap(faults.ExportFailed, err, "failed to prepare export directory")
	}
	tmp := fsutil.TempPath(opts.Output, opts.Tag)
	strategies := plan(opts.Strategy)

	var (
		resp *toolchain.ExportResponse
		used config.Strategy
		err  error
	)
	for i, s := range strategies {
		klog.Infof("exporting %s with strategy %s (opset %d, input %v)", m.Variant().Name, s, ec.Opset, ec.InputDims())
		resp, err = opts.Toolchain.Export(ctx, request(m, ec, tmp, s))
		if err == nil {
			used = s
			break
		}
		_, _ = fsutil.Remove(tmp)
		if i+1 < len(strategies) && rejectsStrategy(err) {
			klog.Warningf("strategy %s rejected by the installed exporter, falling back: %v", s, err)
			continue
		}
		return nil, &faults.Error{
			Kind: faults.ExportFailed,
			Msg:  fmt.Sprintf("export with strategy %s failed", s),
			Hint: "check the toolchain log; run with -v=2 for helper output",
			Err:  err,
		}
	}

	size, err := fsutil.Size(tmp)
	if err != nil {
		return nil, faults.Wrap(faults.ExportFailed, err, "exporter reported success but wrote no file")
	}
	if err := fsutil.Commit(tmp, opts.Output); err != nil {
		_, _ = fsutil.Remove(tmp)
		return nil, faults.Wrap(faults.ExportFailed, err, "failed to move export into place")
	}

	res := &Result{
		Path:           opts.Output,
		Bytes:          size,
		Strategy:       used,
		Fallback:       used != strategies[0],
		ReferenceShape: append([]int64(nil), resp.ReferenceShape...),
		TorchVersion:   resp.TorchVersion,
	}
	if size < opts.MinBytes {
		w := &faults.Error{
			Kind:     faults.SuspiciousArtifact,
			Msg:      "exported graph is implausibly small",
			Expected: "at least " + humanize.IBytes(uint64(opts.MinBytes)),
			Found:    humanize.IBytes(uint64(size)),
			Hint:     "weights may not have been exported; inspect the graph with `zdepth inspect`",
		}
		klog.Warning(w.Diagnosis())
		res.Warnings = append(res.Warnings, w)
	}
	klog.Infof("exported %s (%s) with strategy %s", res.Path, humanize.IBytes(uint64(size)), used)
	return res, nil
}
