// Package toolchaintest provides a scriptable in-memory toolchain for tests.
package toolchaintest

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/zerfoo/zdepth/pkg/toolchain"
)

// Fake is a toolchain whose behaviour is set per command. A nil function
// succeeds with an empty response. Every call is recorded.
type Fake struct {
	InspectFn func(toolchain.InspectRequest) (*toolchain.InspectResponse, error)
	ExportFn  func(toolchain.ExportRequest) (*toolchain.ExportResponse, error)
	LowerFn   func(toolchain.LowerRequest) (*toolchain.LowerResponse, error)
	CompileFn func(toolchain.CompileRequest) (*toolchain.CompileResponse, error)
	InferFn   func(toolchain.InferRequest) (*toolchain.InferResponse, error)

	// Delays holds a per-command latency, cut short by cancellation.
	Delays map[string]time.Duration

	mu    sync.Mutex
	calls []Call
}

// Call is one recorded invocation.
type Call struct {
	Command string
	Request any
}

var _ toolchain.Toolchain = (*Fake)(nil)

// begin records a call and waits out its delay.
func (f *Fake) begin(ctx context.Context, command string, req any) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Command: command, Request: req})
	delay := f.Delays[command]
	f.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
	return ctx.Err()
}

// Calls returns the recorded invocations in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the recorded command names in order.
func (f *Fake) Commands() []string {
	var names []string
	for _, c := range f.Calls() {
		names = append(names, c.Command)
	}
	return names
}

func (f *Fake) InspectCheckpoint(ctx context.Context, req toolchain.InspectRequest) (*toolchain.InspectResponse, error) {
	if err := f.begin(ctx, "inspect-checkpoint", req); err != nil {
		return nil, err
	}
	if f.InspectFn == nil {
		return &toolchain.InspectResponse{}, nil
	}
	return f.InspectFn(req)
}

func (f *Fake) Export(ctx context.Context, req toolchain.ExportRequest) (*toolchain.ExportResponse, error) {
	if err := f.begin(ctx, "export", req); err != nil {
		return nil, err
	}
	if f.ExportFn == nil {
		return &toolchain.ExportResponse{}, nil
	}
	return f.ExportFn(req)
}

func (f *Fake) Lower(ctx context.Context, req toolchain.LowerRequest) (*toolchain.LowerResponse, error) {
	if err := f.begin(ctx, "lower", req); err != nil {
		return nil, err
	}
	if f.LowerFn == nil {
		return &toolchain.LowerResponse{}, os.MkdirAll(req.OutputDir, 0o755)
	}
	return f.LowerFn(req)
}

func (f *Fake) Compile(ctx context.Context, req toolchain.CompileRequest) (*toolchain.CompileResponse, error) {
	if err := f.begin(ctx, "compile", req); err != nil {
		return nil, err
	}
	if f.CompileFn == nil {
		return &toolchain.CompileResponse{}, nil
	}
	return f.CompileFn(req)
}

func (f *Fake) Infer(ctx context.Context, req toolchain.InferRequest) (*toolchain.InferResponse, error) {
	if err := f.begin(ctx, "infer", req); err != nil {
		return nil, err
	}
	if f.InferFn == nil {
		return &toolchain.InferResponse{}, nil
	}
	return f.InferFn(req)
}
