// Package toolchain bridges zdepth to the Python frameworks that own the
// model formats: PyTorch for checkpoints and export, onnx-tf for lowering, and
// TensorFlow Lite for compilation and inference.
//
// Every call is one child process running the embedded helper script. The
// request is passed as a JSON file and the helper writes a JSON envelope to a
// result file, so framework chatter on stdout/stderr never mixes with results.
package toolchain

import (
	"context"
	"fmt"
	"strings"

	"github.com/zerfoo/zdepth/pkg/config"
)

// Toolchain is the set of framework operations the pipeline needs.
type Toolchain interface {
	// InspectCheckpoint builds the architecture and loads the state dict
	// strictly.
	InspectCheckpoint(ctx context.Context, req InspectRequest) (*InspectResponse, error)
	// Export traces the model to an ONNX file and runs one reference forward
	// pass with the same dummy input.
	Export(ctx context.Context, req ExportRequest) (*ExportResponse, error)
	// Lower converts an ONNX file to a TensorFlow SavedModel directory.
	Lower(ctx context.Context, req LowerRequest) (*LowerResponse, error)
	// Compile converts a SavedModel directory to a TFLite flatbuffer.
	Compile(ctx context.Context, req CompileRequest) (*CompileResponse, error)
	// Infer runs one TFLite forward pass over raw float32 input.
	Infer(ctx context.Context, req InferRequest) (*InferResponse, error)
}

// Architecture is the record the helper hands to the model constructor.
type Architecture struct {
	Family      config.Family `json:"family"`
	Encoder     string        `json:"encoder"`
	Features    int           `json:"features,omitempty"`
	OutChannels []int         `json:"out_channels,omitempty"`
	SourceDir   string        `json:"source_dir"`
}

// ArchitectureOf builds the architecture record of a variant whose source
// tree lives in sourceDir.
func ArchitectureOf(v config.Variant, sourceDir string) Architecture {
	return Architecture{
		Family:      v.Family,
		Encoder:     v.Encoder,
		Features:    v.Features,
		OutChannels: append([]int(nil), v.OutChannels...),
		SourceDir:   sourceDir,
	}
}

// InspectRequest asks the helper to build the model and load Weights strictly.
type InspectRequest struct {
	Arch    Architecture `json:"arch"`
	Weights string       `json:"weights"`
}

// InspectResponse summarizes the loaded state dict.
type InspectResponse struct {
	Parameters int64 `json:"parameters"`
	Tensors    int   `json:"tensors"`
}

// ExportRequest describes one export attempt. Env is applied to the child
// process only; the parent environment is never modified.
type ExportRequest struct {
	Arch       Architecture      `json:"arch"`
	Weights    string            `json:"weights"`
	Output     string            `json:"output"`
	Opset      int               `json:"opset"`
	InputShape []int64           `json:"input_shape"`
	InputName  string            `json:"input_name"`
	OutputName string            `json:"output_name"`
	PinLegacy  bool              `json:"pin_legacy"`
	Env        map[string]string `json:"-"`
}

// ExportResponse carries the eager reference output shape and the torch
// version that produced the graph.
type ExportResponse struct {
	ReferenceShape []int64 `json:"reference_shape"`
	TorchVersion   string  `json:"torch_version"`
}

// LowerRequest lowers the interchange graph at Input to a SavedModel in
// OutputDir.
type LowerRequest struct {
	Input     string `json:"input"`
	OutputDir string `json:"output_dir"`
}

// LowerResponse is empty; success is the SavedModel on disk.
type LowerResponse struct{}

// CompileRequest compiles a SavedModel to a TFLite file at Output. SelectOps
// allows TensorFlow ops outside the builtin set.
type CompileRequest struct {
	SavedModelDir string `json:"saved_model_dir"`
	Output        string `json:"output"`
	SelectOps     bool   `json:"select_ops"`
	Optimize      bool   `json:"optimize"`
	Float16       bool   `json:"float16"`
}

// CompileResponse reports the compiled model size in bytes.
type CompileResponse struct {
	Bytes int64 `json:"bytes"`
}

// InferRequest runs Model once on the raw float32 tensor in Input and writes
// the output tensor to Output.
type InferRequest struct {
	Model      string  `json:"model"`
	Input      string  `json:"input"`
	InputShape []int64 `json:"input_shape"`
	Output     string  `json:"output"`
}

// InferResponse describes the tensors seen by the interpreter.
type InferResponse struct {
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	OutputDType string  `json:"output_dtype"`
}

// ErrorKind classifies a failure reported by the helper.
type ErrorKind string

const (
	// KindInterface is an argument or signature error, typically a keyword
	// the installed framework version does not accept.
	KindInterface ErrorKind = "interface"
	// KindImport means a framework or the architecture package is missing.
	KindImport ErrorKind = "import"
	// KindMismatch means the state dict does not fit the architecture.
	KindMismatch ErrorKind = "mismatch"
	// KindUnsupportedOperator means an operator has no lowering.
	KindUnsupportedOperator ErrorKind = "unsupported_operator"
	// KindSelectOpsRequired means compilation needs the select-ops superset.
	KindSelectOpsRequired ErrorKind = "select_ops_required"
	// KindRuntime is anything else, including a helper that died without
	// writing a result.
	KindRuntime ErrorKind = "runtime"
)

// Error is a failure reported by a toolchain command.
type Error struct {
	Command   string    `json:"-"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Operators []string  `json:"operators,omitempty"`
	Keys      []string  `json:"keys,omitempty"`
	// Stderr is the tail of the helper's standard error.
	Stderr string `json:"-"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("toolchain %s: %s: %s", e.Command, e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Mentions reports whether the error message contains s, case-insensitively.
func (e *Error) Mentions(s string) bool {
	return strings.Contains(strings.ToLower(e.Message), strings.ToLower(s))
}
