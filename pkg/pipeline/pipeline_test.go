package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdepth/internal/onnx"
	"github.com/zerfoo/zdepth/internal/onnx/onnxtest"
	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/report"
	"github.com/zerfoo/zdepth/pkg/toolchain"
	"github.com/zerfoo/zdepth/pkg/toolchain/toolchaintest"
	"github.com/zerfoo/zdepth/pkg/transcoder"
)

type present struct{}

func (present) Ensure(context.Context, string) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkDir = filepath.Join(dir, "work")
	cfg.Paths.Weights = filepath.Join(dir, "depth_anything_v2_vits.pth")
	cfg.Paths.SourceDir = filepath.Join(dir, "Depth-Anything-V2")
	cfg.Paths.Output = filepath.Join(dir, "assets", "models", "depth_anything_v2_vits_252.tflite")
	cfg.Resolve()
	require.NoError(t, os.WriteFile(cfg.Paths.Weights, []byte("weights"), 0o644))
	return cfg
}

// healthyToolchain simulates a working Python toolchain end to end.
func healthyToolchain(t *testing.T) *toolchaintest.Fake {
	return &toolchaintest.Fake{
		InspectFn: func(toolchain.InspectRequest) (*toolchain.InspectResponse, error) {
			return &toolchain.InspectResponse{Parameters: 24785089, Tensors: 412}, nil
		},
		ExportFn: func(req toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
			size := req.InputShape[2]
			m := onnxtest.DepthModel(size, int64(req.Opset), req.InputName, req.OutputName)
			if err := os.WriteFile(req.Output, onnx.Marshal(m), 0o644); err != nil {
				return nil, err
			}
			return &toolchain.ExportResponse{ReferenceShape: []int64{1, size, size}, TorchVersion: "2.5.1"}, nil
		},
		CompileFn: func(req toolchain.CompileRequest) (*toolchain.CompileResponse, error) {
			return &toolchain.CompileResponse{Bytes: 12}, os.WriteFile(req.Output, []byte("\x1c\x00\x00\x00TFL3\x00\x00\x00\x00"), 0o644)
		},
		InferFn: func(req toolchain.InferRequest) (*toolchain.InferResponse, error) {
			n := req.InputShape[2] * req.InputShape[3]
			buf := make([]byte, 4*n)
			for i := int64(0); i < n; i++ {
				binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(i%97)))
			}
			out := []int64{1, req.InputShape[2], req.InputShape[3]}
			return &toolchain.InferResponse{InputShape: req.InputShape, OutputShape: out, OutputDType: "float32"}, os.WriteFile(req.Output, buf, 0o644)
		},
	}
}

func kinds(findings []report.Finding) []faults.Kind {
	var out []faults.Kind
	for _, f := range findings {
		out = append(out, f.Kind)
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	cfg := testConfig(t)
	fake := healthyToolchain(t)
	var out bytes.Buffer

	rep, err := (&Pipeline{Config: cfg, Toolchain: fake, Source: present{}, Out: &out}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Done", rep.State)
	assert.Equal(t, []string{"inspect-checkpoint", "export", "lower", "compile", "infer"}, fake.Commands())

	assert.FileExists(t, cfg.Paths.Output)
	assert.NoFileExists(t, cfg.Paths.Interchange)
	assert.NoDirExists(t, transcoder.SavedModelDir(cfg.Paths.WorkDir, cfg.Paths.Interchange))

	// The tiny fixture graph trips the size heuristic; nothing else warns.
	assert.Equal(t, []faults.Kind{faults.SuspiciousArtifact}, kinds(rep.Warnings))
	assert.Equal(t, "legacy-flag", rep.Strategy)
	assert.False(t, rep.Fallback)
	assert.Equal(t, int64(24785089), rep.Parameters)
	assert.Equal(t, map[string]int{"Conv": 1, "Relu": 1}, rep.OpTypes)
	require.NotNil(t, rep.Smoke)
	assert.Equal(t, []int64{1, 252, 252}, rep.Smoke.OutputShape)
	assert.Equal(t, 1.0, rep.Smoke.Stats.NormMax)
	assert.Len(t, rep.Timings, 5)
	assert.Nil(t, rep.Error)
	assert.Contains(t, out.String(), "[5/5] Smoke testing")
	assertNoFiles(t, cfg.Paths.WorkDir)
}

// assertNoFiles fails if dir holds anything. A missing dir is empty.
func assertNoFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Empty(t, names, "residual files in %s", dir)
}

func TestRunMissingWeights(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.Remove(cfg.Paths.Weights))
	fake := healthyToolchain(t)

	rep, err := (&Pipeline{Config: cfg, Toolchain: fake, Source: present{}}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.MissingArtifact))
	assert.Equal(t, "Aborted", rep.State)
	require.NotNil(t, rep.Error)
	assert.Equal(t, faults.MissingArtifact, rep.Error.Kind)
	assert.Contains(t, rep.Error.Expected, "depth_anything_v2_vits.pth in ")
	assert.Empty(t, fake.Calls())

	assert.NoFileExists(t, cfg.Paths.Interchange)
	assert.NoDirExists(t, filepath.Dir(cfg.Paths.Output))
	assertNoFiles(t, cfg.Paths.WorkDir)
}

func TestRunFallbackExport(t *testing.T) {
	cfg := testConfig(t)
	fake := healthyToolchain(t)
	export := fake.ExportFn
	fake.ExportFn = func(req toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
		if req.PinLegacy {
			return nil, &toolchain.Error{Kind: toolchain.KindInterface, Message: "export() got an unexpected keyword argument 'dynamo'"}
		}
		return export(req)
	}

	rep, err := (&Pipeline{Config: cfg, Toolchain: fake, Source: present{}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Done", rep.State)
	assert.Equal(t, "legacy-env", rep.Strategy)
	assert.True(t, rep.Fallback)
}

func TestRunExportFailure(t *testing.T) {
	cfg := testConfig(t)
	fake := healthyToolchain(t)
	fake.ExportFn = func(req toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
		return nil, &toolchain.Error{Kind: toolchain.KindRuntime, Message: "RuntimeError: shape mismatch in attention"}
	}

	rep, err := (&Pipeline{Config: cfg, Toolchain: fake, Source: present{}}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.ExportFailed))
	assert.Equal(t, "Aborted", rep.State)
	require.NotNil(t, rep.Error)
	assert.Equal(t, faults.ExportFailed, rep.Error.Kind)

	assert.Equal(t, []string{"inspect-checkpoint", "export"}, fake.Commands())
	assert.NoFileExists(t, cfg.Paths.Interchange)
	assert.NoFileExists(t, cfg.Paths.Output)
}

func TestRunLoweringFailureKeepsInterchange(t *testing.T) {
	cfg := testConfig(t)
	fake := healthyToolchain(t)
	fake.LowerFn = func(req toolchain.LowerRequest) (*toolchain.LowerResponse, error) {
		return nil, &toolchain.Error{Kind: toolchain.KindUnsupportedOperator, Message: "GridSample is not implemented.", Operators: []string{"GridSample"}}
	}

	rep, err := (&Pipeline{Config: cfg, Toolchain: fake, Source: present{}}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.LoweringFailed))
	assert.Equal(t, "Aborted", rep.State)
	assert.Equal(t, []string{"GridSample"}, rep.Error.Operators)
	assert.FileExists(t, cfg.Paths.Interchange)
	assert.NoFileExists(t, cfg.Paths.Output)
}

func TestRunInvalidConfiguration(t *testing.T) {
	cfg := testConfig(t)
	cfg.InputSize = 256
	fake := healthyToolchain(t)

	rep, err := (&Pipeline{Config: cfg, Toolchain: fake, Source: present{}}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.InvalidConfiguration))
	assert.Equal(t, "Aborted", rep.State)
	assert.Empty(t, fake.Calls(), "nothing runs before the configuration is valid")
}

func TestRunWarningsDoNotAbort(t *testing.T) {
	cfg := testConfig(t)
	fake := healthyToolchain(t)
	fake.InferFn = func(toolchain.InferRequest) (*toolchain.InferResponse, error) {
		return nil, &toolchain.Error{Kind: toolchain.KindRuntime, Message: "interpreter crashed"}
	}
	export := fake.ExportFn
	fake.ExportFn = func(req toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
		req.Opset = 11
		return export(req)
	}

	rep, err := (&Pipeline{Config: cfg, Toolchain: fake, Source: present{}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Done", rep.State)
	assert.Contains(t, kinds(rep.Warnings), faults.StructuralValidationWarning)
	assert.Contains(t, kinds(rep.Warnings), faults.SmokeTestWarning)
	assert.FileExists(t, cfg.Paths.Output)
}

func TestRunRoundTripShape(t *testing.T) {
	cfg := testConfig(t)
	fake := healthyToolchain(t)
	export := fake.ExportFn
	fake.ExportFn = func(req toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
		resp, err := export(req)
		if resp != nil {
			resp.ReferenceShape = []int64{1, 126, 126}
		}
		return resp, err
	}

	rep, err := (&Pipeline{Config: cfg, Toolchain: fake, Source: present{}}).Run(context.Background())
	require.NoError(t, err)
	var found bool
	for _, w := range rep.Warnings {
		if w.Message == "mobile artifact output shape differs from the source model" {
			found = true
			assert.Equal(t, "[1 126 126]", w.Expected)
		}
	}
	assert.True(t, found)
}

func TestRunIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	fake := healthyToolchain(t)
	p := &Pipeline{Config: cfg, Toolchain: fake, Source: present{}}

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	first, err := os.ReadFile(cfg.Paths.Output)
	require.NoError(t, err)

	// Leftovers of an interrupted run are cleared, not reused.
	require.NoError(t, os.WriteFile(cfg.Paths.Interchange, []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(cfg.Paths.Interchange+".tmp-dead", []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(cfg.Paths.Output+".tmp-dead", []byte("stale"), 0o644))

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Done", rep.State)
	second, err := os.ReadFile(cfg.Paths.Output)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NoFileExists(t, cfg.Paths.Interchange)
	assert.NoFileExists(t, cfg.Paths.Interchange+".tmp-dead")
	assert.NoFileExists(t, cfg.Paths.Output+".tmp-dead")
	assertNoFiles(t, cfg.Paths.WorkDir)

	entries, err := os.ReadDir(filepath.Dir(cfg.Paths.Output))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one mobile artifact")
}

func TestRunStageTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeouts.Export = 50 * time.Millisecond
	fake := healthyToolchain(t)
	fake.Delays = map[string]time.Duration{"export": time.Minute}

	rep, err := (&Pipeline{Config: cfg, Toolchain: fake, Source: present{}}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, faults.IsKind(err, faults.ExportFailed))
	assert.Equal(t, "Aborted", rep.State)
}
