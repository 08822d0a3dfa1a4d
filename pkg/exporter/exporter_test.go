package exporter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/loader"
	"github.com/zerfoo/zdepth/pkg/toolchain"
	"github.com/zerfoo/zdepth/pkg/toolchain/toolchaintest"
)

type present struct{}

func (present) Ensure(context.Context, string) error { return nil }

func loadModel(t *testing.T) *loader.Model {
	t.Helper()
	v, _ := config.LookupVariant("vits")
	weights := filepath.Join(t.TempDir(), v.Checkpoint)
	require.NoError(t, os.WriteFile(weights, []byte("weights"), 0o644))
	m, err := loader.Load(context.Background(), loader.LoadRequest{
		Variant: v, Weights: weights, SourceDir: t.TempDir(), Source: present{}, Toolchain: &toolchaintest.Fake{},
	})
	require.NoError(t, err)
	return m
}

func exportConfig() config.ExportConfig {
	cfg := config.Default()
	cfg.Resolve()
	return cfg.Export()
}

func writeExport(size int) func(toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
	return func(req toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
		if err := os.WriteFile(req.Output, make([]byte, size), 0o644); err != nil {
			return nil, err
		}
		return &toolchain.ExportResponse{ReferenceShape: []int64{1, 252, 252}, TorchVersion: "2.5.1"}, nil
	}
}

func options(t *testing.T, tc toolchain.Toolchain, s config.Strategy) Options {
	return Options{
		Strategy:  s,
		Output:    filepath.Join(t.TempDir(), "model.onnx"),
		Tag:       "run1",
		MinBytes:  1024,
		Toolchain: tc,
	}
}

func TestExportLegacyFlag(t *testing.T) {
	fake := &toolchaintest.Fake{ExportFn: writeExport(4096)}
	opts := options(t, fake, config.StrategyAuto)

	res, err := Export(context.Background(), loadModel(t), exportConfig(), opts)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyLegacyFlag, res.Strategy)
	assert.False(t, res.Fallback)
	assert.Equal(t, int64(4096), res.Bytes)
	assert.Equal(t, []int64{1, 252, 252}, res.ReferenceShape)
	assert.Empty(t, res.Warnings)
	assert.FileExists(t, opts.Output)
	assert.NoFileExists(t, opts.Output+".tmp-run1")

	calls := fake.Calls()
	require.Len(t, calls, 1)
	req := calls[0].Request.(toolchain.ExportRequest)
	assert.True(t, req.PinLegacy)
	assert.Empty(t, req.Env)
	assert.Equal(t, []int64{1, 3, 252, 252}, req.InputShape)
	assert.Equal(t, 17, req.Opset)
	assert.Equal(t, "input", req.InputName)
	assert.Equal(t, "depth", req.OutputName)
}

func TestExportFallsBackOnce(t *testing.T) {
	fake := &toolchaintest.Fake{}
	fake.ExportFn = func(req toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
		if req.PinLegacy {
			return nil, &toolchain.Error{Kind: toolchain.KindInterface, Message: "export() got an unexpected keyword argument 'dynamo'"}
		}
		return writeExport(4096)(req)
	}
	opts := options(t, fake, config.StrategyAuto)

	res, err := Export(context.Background(), loadModel(t), exportConfig(), opts)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyLegacyEnv, res.Strategy)
	assert.True(t, res.Fallback)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	second := calls[1].Request.(toolchain.ExportRequest)
	assert.False(t, second.PinLegacy)
	assert.Equal(t, "1", second.Env["PYTORCH_ONNX_USE_LEGACY_EXPORTER"])
	assert.Equal(t, "0", second.Env["TORCH_USE_HOT_SWAP_TRACED_EXPORT"])
	_, leaked := os.LookupEnv("TORCH_USE_HOT_SWAP_TRACED_EXPORT")
	assert.False(t, leaked)
}

func TestExportFailures(t *testing.T) {
	tests := []struct {
		name     string
		strategy config.Strategy
		err      error
		calls    int
	}{
		{
			name:     "model failure is not retried",
			strategy: config.StrategyAuto,
			err:      &toolchain.Error{Kind: toolchain.KindRuntime, Message: "RuntimeError: Unsupported: ONNX export of operator upsample_bicubic2d"},
			calls:    1,
		},
		{
			name:     "interface error without the strategy flag",
			strategy: config.StrategyAuto,
			err:      &toolchain.Error{Kind: toolchain.KindInterface, Message: "forward() missing 1 required positional argument"},
			calls:    1,
		},
		{
			name:     "fallback also fails",
			strategy: config.StrategyAuto,
			err:      &toolchain.Error{Kind: toolchain.KindInterface, Message: "unexpected keyword argument 'dynamo'"},
			calls:    2,
		},
		{
			name:     "flag only never falls back",
			strategy: config.StrategyLegacyFlag,
			err:      &toolchain.Error{Kind: toolchain.KindInterface, Message: "unexpected keyword argument 'dynamo'"},
			calls:    1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &toolchaintest.Fake{
				ExportFn: func(req toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
					_ = os.WriteFile(req.Output, []byte("partial"), 0o644)
					return nil, tt.err
				},
			}
			opts := options(t, fake, tt.strategy)

			_, err := Export(context.Background(), loadModel(t), exportConfig(), opts)
			var fe *faults.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, faults.ExportFailed, fe.Kind)
			assert.ErrorIs(t, err, tt.err)
			assert.Len(t, fake.Calls(), tt.calls)
			assert.NoFileExists(t, opts.Output)
			assert.NoFileExists(t, opts.Output+".tmp-run1")
		})
	}
}

func TestExportEnvOnly(t *testing.T) {
	fake := &toolchaintest.Fake{ExportFn: writeExport(4096)}
	res, err := Export(context.Background(), loadModel(t), exportConfig(), options(t, fake, config.StrategyLegacyEnv))
	require.NoError(t, err)
	assert.Equal(t, config.StrategyLegacyEnv, res.Strategy)
	assert.False(t, res.Fallback)
	req := fake.Calls()[0].Request.(toolchain.ExportRequest)
	assert.False(t, req.PinLegacy)
	assert.Len(t, req.Env, 2)
}

func TestExportSuspiciouslySmall(t *testing.T) {
	fake := &toolchaintest.Fake{ExportFn: writeExport(100)}
	opts := options(t, fake, config.StrategyAuto)

	res, err := Export(context.Background(), loadModel(t), exportConfig(), opts)
	require.NoError(t, err, "a small export is a warning")
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, faults.SuspiciousArtifact, res.Warnings[0].Kind)
	assert.Equal(t, "100 B", res.Warnings[0].Found)
	assert.FileExists(t, opts.Output)
}

func TestExportWithoutFile(t *testing.T) {
	fake := &toolchaintest.Fake{}
	_, err := Export(context.Background(), loadModel(t), exportConfig(), options(t, fake, config.StrategyAuto))
	assert.True(t, faults.IsKind(err, faults.ExportFailed))
}

func TestExportCreatesOutputDir(t *testing.T) {
	fake := &toolchaintest.Fake{ExportFn: writeExport(4096)}
	opts := options(t, fake, config.StrategyLegacyFlag)
	opts.Output = filepath.Join(t.TempDir(), "work", "nested", "model.onnx")

	res, err := Export(context.Background(), loadModel(t), exportConfig(), opts)
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
}
