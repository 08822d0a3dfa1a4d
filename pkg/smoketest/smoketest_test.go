package smoketest

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/toolchain"
	"github.com/zerfoo/zdepth/pkg/toolchain/toolchaintest"
)

// interpreter returns an Infer stand-in that checks the input file and writes
// the given output.
func interpreter(t *testing.T, outShape []int64, values []float32) func(toolchain.InferRequest) (*toolchain.InferResponse, error) {
	return func(req toolchain.InferRequest) (*toolchain.InferResponse, error) {
		raw, err := os.ReadFile(req.Input)
		require.NoError(t, err)
		assert.Len(t, raw, 4*1*3*14*14)
		if err := os.WriteFile(req.Output, encode(values), 0o644); err != nil {
			return nil, err
		}
		return &toolchain.InferResponse{InputShape: req.InputShape, OutputShape: outShape, OutputDType: "float32"}, nil
	}
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func request(t *testing.T, fake *toolchaintest.Fake) Request {
	return Request{
		Model:          "model.tflite",
		InputShape:     []int64{1, 3, 14, 14},
		ExpectedOutput: []int64{1, 1, 14, 14},
		WorkDir:        t.TempDir(),
		Tag:            "run1",
		Seed:           42,
		Toolchain:      fake,
	}
}

func TestRun(t *testing.T) {
	fake := &toolchaintest.Fake{InferFn: interpreter(t, []int64{1, 14, 14}, ramp(196))}
	req := request(t, fake)

	res, err := Run(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []int64{1, 14, 14}, res.OutputShape)
	assert.Equal(t, 0.0, res.Stats.Min)
	assert.Equal(t, 195.0, res.Stats.Max)
	assert.InDelta(t, 97.5, res.Stats.Mean, 1e-9)
	assert.Equal(t, 0.0, res.Stats.NormMin)
	assert.Equal(t, 1.0, res.Stats.NormMax)

	entries, err := os.ReadDir(req.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files are removed")
}

func TestRunShapeMismatch(t *testing.T) {
	fake := &toolchaintest.Fake{InferFn: interpreter(t, []int64{1, 2, 14, 14}, ramp(392))}
	res, err := Run(context.Background(), request(t, fake))
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, faults.SmokeTestWarning, res.Warnings[0].Kind)
	assert.Equal(t, "[1 2 14 14]", res.Warnings[0].Found)
}

func TestRunBadOutputs(t *testing.T) {
	constant := make([]float32, 196)
	withNaN := ramp(196)
	withNaN[7] = float32(math.NaN())

	tests := []struct {
		name   string
		values []float32
		msg    string
	}{
		{name: "constant", values: constant, msg: "output is constant"},
		{name: "nan", values: withNaN, msg: "output contains NaN or Inf"},
		{name: "short", values: ramp(10), msg: "output size disagrees with the reported shape"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &toolchaintest.Fake{InferFn: interpreter(t, []int64{1, 14, 14}, tt.values)}
			res, err := Run(context.Background(), request(t, fake))
			require.NoError(t, err)
			var msgs []string
			for _, w := range res.Warnings {
				msgs = append(msgs, w.Msg)
			}
			assert.Contains(t, msgs, tt.msg)
		})
	}
}

func TestRunInterpreterFailure(t *testing.T) {
	fake := &toolchaintest.Fake{
		InferFn: func(toolchain.InferRequest) (*toolchain.InferResponse, error) {
			return nil, &toolchain.Error{Kind: toolchain.KindRuntime, Message: "Didn't find op for builtin opcode 'GELU'"}
		},
	}
	_, err := Run(context.Background(), request(t, fake))
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.SmokeTestWarning))
	assert.False(t, faults.IsKind(err, faults.CompilationFailed))
}

func TestInputIsDeterministic(t *testing.T) {
	a := Input(1000, 42)
	b := Input(1000, 42)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Input(1000, 7))

	values := make([]float64, len(a))
	for i, v := range a {
		values[i] = float64(v)
	}
	s := Summarise(values)
	assert.InDelta(t, 0, s.Mean, 0.15)
	assert.InDelta(t, 1, s.StdDev, 0.15)
}

func TestSummariseConstant(t *testing.T) {
	s := Summarise([]float64{3, 3, 3})
	assert.Equal(t, Stats{Min: 3, Max: 3, Mean: 3}, s)
	assert.Equal(t, Stats{}, Summarise(nil))
}
