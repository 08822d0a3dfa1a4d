// Package report assembles the conversion report printed at the end of a run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/zerfoo/zdepth/internal/shape"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/smoketest"
	"github.com/zerfoo/zdepth/pkg/validator"
)

// Artifact is a file produced by the run.
type Artifact struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Finding is a warning or the fatal error of a run.
type Finding struct {
	Kind      faults.Kind `json:"kind"`
	Message   string      `json:"message"`
	Expected  string      `json:"expected,omitempty"`
	Found     string      `json:"found,omitempty"`
	Hint      string      `json:"hint,omitempty"`
	Operators []string    `json:"operators,omitempty"`
	Cause     string      `json:"cause,omitempty"`
}

// FindingOf converts a classified error.
func FindingOf(e *faults.Error) Finding {
	f := Finding{
		Kind:      e.Kind,
		Message:   e.Msg,
		Expected:  e.Expected,
		Found:     e.Found,
		Hint:      e.Hint,
		Operators: e.Operators,
	}
	if e.Err != nil {
		f.Cause = e.Err.Error()
	}
	return f
}

// Timing is the wall time of one stage.
type Timing struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// Smoke is the smoke test section of a report.
type Smoke struct {
	InputShape     []int64         `json:"input_shape"`
	OutputShape    []int64         `json:"output_shape"`
	ReferenceShape []int64         `json:"reference_shape,omitempty"`
	Stats          smoketest.Stats `json:"stats"`
}

// Report is the conversion report.
type Report struct {
	RunID     string    `json:"run_id"`
	Started   time.Time `json:"started"`
	Variant   string    `json:"variant"`
	InputSize int       `json:"input_size"`
	Opset     int       `json:"opset"`
	State     string    `json:"state"`

	CheckpointDigest string    `json:"checkpoint_sha256,omitempty"`
	Parameters       int64     `json:"parameters,omitempty"`
	Strategy         string    `json:"strategy,omitempty"`
	Fallback         bool      `json:"fallback"`
	TorchVersion     string    `json:"torch_version,omitempty"`
	Interchange      *Artifact `json:"interchange,omitempty"`
	Output           *Artifact `json:"output,omitempty"`
	SelectOps        bool      `json:"select_ops"`
	CompileRetried   bool      `json:"compile_retried"`

	OpTypes  map[string]int `json:"op_types,omitempty"`
	Smoke    *Smoke         `json:"smoke,omitempty"`
	Warnings []Finding      `json:"warnings"`
	Error    *Finding       `json:"error,omitempty"`
	Timings  []Timing       `json:"timings"`
}

// New starts a report with a fresh run id.
func New() *Report {
	return &Report{RunID: uuid.NewString(), Started: time.Now(), Warnings: []Finding{}}
}

// Tag is a short form of the run id for temporary file names.
func (r *Report) Tag() string {
	return strings.SplitN(r.RunID, "-", 2)[0]
}

// Warn records a non-fatal finding.
func (r *Report) Warn(e *faults.Error) {
	r.Warnings = append(r.Warnings, FindingOf(e))
}

// Fail records the fatal error of the run.
func (r *Report) Fail(e *faults.Error) {
	f := FindingOf(e)
	r.Error = &f
}

// Time records the duration of a stage.
func (r *Report) Time(stage string, d time.Duration) {
	r.Timings = append(r.Timings, Timing{Stage: stage, Duration: d})
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Print writes the human-readable report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Conversion report %s\n", r.RunID)
	fmt.Fprintf(w, "  variant:     %s (input %dx%d, opset %d)\n", r.Variant, r.InputSize, r.InputSize, r.Opset)
	fmt.Fprintf(w, "  state:       %s\n", r.State)
	if r.Parameters > 0 {
		fmt.Fprintf(w, "  parameters:  %s\n", humanize.Comma(r.Parameters))
	}
	if r.Strategy != "" {
		fallback := ""
		if r.Fallback {
			fallback = " (fallback)"
		}
		fmt.Fprintf(w, "  exporter:    %s%s\n", r.Strategy, fallback)
	}
	if r.Interchange != nil {
		fmt.Fprintf(w, "  interchange: %s (%s)\n", r.Interchange.Path, humanize.IBytes(uint64(r.Interchange.Bytes)))
	}
	if r.Output != nil {
		ops := "builtins"
		if r.SelectOps {
			ops = "builtins + select"
		}
		fmt.Fprintf(w, "  output:      %s (%s, %s)\n", r.Output.Path, humanize.IBytes(uint64(r.Output.Bytes)), ops)
	}
	if len(r.OpTypes) > 0 {
		fmt.Fprintf(w, "  operators:   %s\n", inventory(r.OpTypes))
	}
	if s := r.Smoke; s != nil {
		fmt.Fprintf(w, "  smoke test:  %s -> %s, min %.4g max %.4g mean %.4g std %.4g, normalised [%g, %g]\n",
			shape.String(s.InputShape), shape.String(s.OutputShape),
			s.Stats.Min, s.Stats.Max, s.Stats.Mean, s.Stats.StdDev, s.Stats.NormMin, s.Stats.NormMax)
	}
	if len(r.Timings) > 0 {
		parts := make([]string, len(r.Timings))
		var total time.Duration
		for i, t := range r.Timings {
			parts[i] = fmt.Sprintf("%s %s", t.Stage, t.Duration.Round(time.Millisecond))
			total += t.Duration
		}
		fmt.Fprintf(w, "  timings:     %s (total %s)\n", strings.Join(parts, ", "), total.Round(time.Millisecond))
	}
	for _, f := range r.Warnings {
		fmt.Fprintf(w, "  warning:     %s: %s\n", f.Kind, f.Message)
		if f.Expected != "" || f.Found != "" {
			fmt.Fprintf(w, "               expected %s, found %s\n", f.Expected, f.Found)
		}
	}
	if r.Error != nil {
		fmt.Fprintf(w, "  error:       %s: %s\n", r.Error.Kind, r.Error.Message)
	}
}

func inventory(ops map[string]int) string {
	names := validator.SortedOpTypes(ops)
	total := 0
	for _, n := range ops {
		total += n
	}
	parts := make([]string, len(names))
	for i, op := range names {
		parts[i] = fmt.Sprintf("%s x%d", op, ops[op])
	}
	return fmt.Sprintf("%d nodes, %d types: %s", total, len(names), strings.Join(parts, ", "))
}
