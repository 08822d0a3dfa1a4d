// Package smoketest runs the mobile artifact once on synthetic input and
// summarises what comes out. It proves the artifact loads and produces a
// depth map of the right shape; it does not judge accuracy.
package smoketest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"

	"github.com/zerfoo/zdepth/internal/shape"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/toolchain"
)

// Request configures one smoke test.
type Request struct {
	Model          string
	InputShape     []int64
	ExpectedOutput []int64
	WorkDir        string
	Tag            string
	Seed           uint64
	Toolchain      toolchain.Toolchain
}

// Stats summarises the output tensor.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	// NormMin and NormMax are the range after min-max normalisation: [0, 1],
	// or [0, 0] for a constant output.
	NormMin float64 `json:"norm_min"`
	NormMax float64 `json:"norm_max"`
}

// Result is the outcome of a smoke test.
type Result struct {
	InputShape  []int64
	OutputShape []int64
	OutputDType string
	Stats       Stats
	Warnings    []*faults.Error
}

// Input returns n standard-normal samples drawn from a fixed seed.
func Input(n int64, seed uint64) []float32 {
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed)}
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(dist.Rand())
	}
	return out
}

// Summarise computes the statistics of values.
func Summarise(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	mean, std := stat.MeanStdDev(values, nil)
	s := Stats{Min: floats.Min(values), Max: floats.Max(values), Mean: mean, StdDev: std}
	if span := s.Max - s.Min; span > 0 {
		norm := make([]float64, len(values))
		for i, v := range values {
			norm[i] = (v - s.Min) / span
		}
		s.NormMin, s.NormMax = floats.Min(norm), floats.Max(norm)
	}
	return s
}

// Run executes one forward pass. Failures to run at all are returned as a
// SmokeTestWarning error; findings about the output are in Result.Warnings.
func Run(ctx context.Context, req Request) (*Result, error) {
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, faults.Wrap(faults.SmokeTestWarning, err, "failed to create smoke test dir")
	}
	inPath := filepath.Join(req.WorkDir, "smoke_input.f32"+"."+req.Tag)
	outPath := filepath.Join(req.WorkDir, "smoke_output.f32"+"."+req.Tag)
	defer os.Remove(inPath)
	defer os.Remove(outPath)

	input := Input(shape.Elements(req.InputShape), req.Seed)
	if err := os.WriteFile(inPath, encode(input), 0o644); err != nil {
		return nil, faults.Wrap(faults.SmokeTestWarning, err, "failed to write smoke test input")
	}

	resp, err := req.Toolchain.Infer(ctx, toolchain.InferRequest{
		Model:      req.Model,
		Input:      inPath,
		InputShape: req.InputShape,
		Output:     outPath,
	})
	if err != nil {
		return nil, faults.Wrap(faults.SmokeTestWarning, err, "mobile artifact failed to run")
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		return nil, faults.Wrap(faults.SmokeTestWarning, err, "interpreter wrote no output")
	}
	values, err := decode(raw)
	if err != nil {
		return nil, faults.Wrap(faults.SmokeTestWarning, err, "malformed interpreter output")
	}

	res := &Result{
		InputShape:  append([]int64(nil), req.InputShape...),
		OutputShape: append([]int64(nil), resp.OutputShape...),
		OutputDType: resp.OutputDType,
		Stats:       Summarise(values),
	}
	warn := func(msg, expected, found string) {
		w := &faults.Error{Kind: faults.SmokeTestWarning, Msg: msg, Expected: expected, Found: found}
		klog.Warning(w.Diagnosis())
		res.Warnings = append(res.Warnings, w)
	}

	if !shape.Equivalent(resp.OutputShape, req.ExpectedOutput) {
		warn("output shape differs from the configured output", shape.String(req.ExpectedOutput)+" (singleton axes ignored)", shape.String(resp.OutputShape))
	}
	if n := shape.Elements(resp.OutputShape); n != int64(len(values)) {
		warn("output size disagrees with the reported shape", fmt.Sprintf("%d values", n), fmt.Sprintf("%d values", len(values)))
	}
	if bad := nonFinite(values); bad > 0 {
		warn("output contains NaN or Inf", "finite depth values", fmt.Sprintf("%d of %d values", bad, len(values)))
	}
	if res.Stats.Max == res.Stats.Min && len(values) > 0 {
		warn("output is constant", "a varying depth map", fmt.Sprintf("every value is %g", res.Stats.Min))
	}

	klog.Infof("smoke test: output %s min %.4g max %.4g mean %.4g std %.4g",
		shape.String(res.OutputShape), res.Stats.Min, res.Stats.Max, res.Stats.Mean, res.Stats.StdDev)
	return res, nil
}

func encode(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decode(raw []byte) ([]float64, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of float32 values", len(raw))
	}
	out := make([]float64, len(raw)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	return out, nil
}

func nonFinite(values []float64) int {
	n := 0
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			n++
		}
	}
	return n
}
