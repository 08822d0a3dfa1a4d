package toolchain

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

//go:embed helper.py
var helperScript []byte

const helperName = "zdepth_helper.py"

// ExporterSwitches are the environment switches that force the legacy
// TorchScript exporter in recent PyTorch releases. They are only ever set on
// a child process, and are scrubbed from the inherited environment otherwise.
var ExporterSwitches = map[string]string{
	"PYTORCH_ONNX_USE_LEGACY_EXPORTER": "1",
	"TORCH_USE_HOT_SWAP_TRACED_EXPORT": "0",
}

// Python runs toolchain commands with a Python interpreter. The helper
// script and per-call files live in a private directory removed by Close.
type Python struct {
	bin    string
	dir    string
	script string

	// WaitDelay bounds how long a cancelled helper may take to exit after
	// it has been killed.
	WaitDelay time.Duration
}

var _ Toolchain = (*Python)(nil)

// NewPython installs the helper script in a temporary directory and returns
// a toolchain that runs it with the interpreter bin. Callers must Close it.
func NewPython(bin string) (*Python, error) {
	dir, err := os.MkdirTemp("", "zdepth-toolchain-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create toolchain dir")
	}
	script := filepath.Join(dir, helperName)
	if err := os.WriteFile(script, helperScript, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, errors.Wrap(err, "failed to install toolchain helper")
	}
	return &Python{bin: bin, dir: dir, script: script, WaitDelay: 10 * time.Second}, nil
}

// Close removes the helper script and any call files left behind.
func (p *Python) Close() error {
	if err := os.RemoveAll(p.dir); err != nil {
		return errors.Wrap(err, "failed to remove toolchain dir")
	}
	return nil
}

// InspectCheckpoint loads the weights into the architecture without running it.
func (p *Python) InspectCheckpoint(ctx context.Context, req InspectRequest) (*InspectResponse, error) {
	var resp InspectResponse
	if err := p.run(ctx, "inspect-checkpoint", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Export traces the model and writes the interchange graph.
func (p *Python) Export(ctx context.Context, req ExportRequest) (*ExportResponse, error) {
	var resp ExportResponse
	if err := p.run(ctx, "export", req.Env, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lower converts the interchange graph into a SavedModel directory.
func (p *Python) Lower(ctx context.Context, req LowerRequest) (*LowerResponse, error) {
	var resp LowerResponse
	if err := p.run(ctx, "lower", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Compile turns a SavedModel into a TFLite flatbuffer.
func (p *Python) Compile(ctx context.Context, req CompileRequest) (*CompileResponse, error) {
	var resp CompileResponse
	if err := p.run(ctx, "compile", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Infer runs one forward pass with the TFLite interpreter.
func (p *Python) Infer(ctx context.Context, req InferRequest) (*InferResponse, error) {
	var resp InferResponse
	if err := p.run(ctx, "infer", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func (p *Python) run(ctx context.Context, command string, env map[string]string, req, resp any) error {
	dir, err := os.MkdirTemp(p.dir, "call-")
	if err != nil {
		return errors.Wrap(err, "failed to create toolchain call dir")
	}
	defer os.RemoveAll(dir)

	reqPath := filepath.Join(dir, "request.json")
	resPath := filepath.Join(dir, "result.json")
	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s request", command)
	}
	if err := os.WriteFile(reqPath, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s request", command)
	}

	cmd := exec.CommandContext(ctx, p.bin, p.script, command, "--request", reqPath, "--result", resPath)
	cmd.Env = childEnv(os.Environ(), env)
	cmd.WaitDelay = p.WaitDelay
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: 16 << 10}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	klog.V(1).Infof("toolchain %s: %s", command, strings.Join(cmd.Args, " "))
	if len(env) > 0 {
		klog.V(1).Infof("toolchain %s: child env %s", command, strings.Join(sortedPairs(env), " "))
	}
	start := time.Now()
	runErr := cmd.Run()
	klog.V(1).Infof("toolchain %s finished in %s", command, time.Since(start).Round(time.Millisecond))
	if klog.V(2).Enabled() {
		klog.Infof("toolchain %s stdout:\n%s", command, stdout.String())
		klog.Infof("toolchain %s stderr:\n%s", command, stderr.String())
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrapf(ctxErr, "toolchain %s interrupted", command)
	}

	raw, readErr := os.ReadFile(resPath)
	if readErr != nil {
		cause := runErr
		if cause == nil {
			cause = readErr
		}
		return &Error{Command: command, Kind: KindRuntime, Message: "helper exited without a result", Stderr: stderr.String(), Err: cause}
	}
	var out envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		return &Error{Command: command, Kind: KindRuntime, Message: "malformed helper result", Stderr: stderr.String(), Err: err}
	}
	if !out.OK {
		e := out.Error
		if e == nil {
			e = &Error{Kind: KindRuntime, Message: "helper reported a failure without details"}
		}
		e.Command = command
		e.Stderr = stderr.String()
		return e
	}
	if resp != nil && len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, resp); err != nil {
			return errors.Wrapf(err, "failed to decode %s result", command)
		}
	}
	return nil
}

// childEnv returns base without the exporter switches, plus overrides.
func childEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := ExporterSwitches[key]; ok {
			continue
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	return append(env, sortedPairs(overrides)...)
}

func sortedPairs(m map[string]string) []string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
