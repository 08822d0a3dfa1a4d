package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/toolchain"
	"github.com/zerfoo/zdepth/pkg/toolchain/toolchaintest"
)

type providerFunc func(ctx context.Context, dir string) error

func (f providerFunc) Ensure(ctx context.Context, dir string) error { return f(ctx, dir) }

var present = providerFunc(func(context.Context, string) error { return nil })

func request(t *testing.T, tc toolchain.Toolchain) LoadRequest {
	t.Helper()
	v, ok := config.LookupVariant("vits")
	require.True(t, ok)
	dir := t.TempDir()
	weights := filepath.Join(dir, v.Checkpoint)
	require.NoError(t, os.WriteFile(weights, []byte("abc"), 0o644))
	return LoadRequest{Variant: v, Weights: weights, SourceDir: filepath.Join(dir, v.SourceDir), Source: present, Toolchain: tc}
}

func TestLoad(t *testing.T) {
	fake := &toolchaintest.Fake{
		InspectFn: func(req toolchain.InspectRequest) (*toolchain.InspectResponse, error) {
			return &toolchain.InspectResponse{Parameters: 24785089, Tensors: 412}, nil
		},
	}
	req := request(t, fake)

	m, err := Load(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.Weights, m.Weights())
	assert.Equal(t, int64(3), m.Size())
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", m.Digest())
	assert.Equal(t, int64(24785089), m.Parameters())
	assert.Equal(t, 412, m.Tensors())

	calls := fake.Calls()
	require.Len(t, calls, 1)
	sent := calls[0].Request.(toolchain.InspectRequest)
	assert.Equal(t, config.FamilyDepthAnythingV2, sent.Arch.Family)
	assert.Equal(t, []int{48, 96, 192, 384}, sent.Arch.OutChannels)
	assert.Equal(t, req.SourceDir, sent.Arch.SourceDir)

	arch := m.Architecture()
	arch.OutChannels[0] = 1
	assert.Equal(t, 48, m.Architecture().OutChannels[0], "model is immutable")
}

func TestLoadMissingWeights(t *testing.T) {
	fake := &toolchaintest.Fake{}
	req := request(t, fake)
	req.Weights = filepath.Join(filepath.Dir(req.Weights), "nope.pth")

	_, err := Load(context.Background(), req)
	var fe *faults.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, faults.MissingArtifact, fe.Kind)
	assert.Contains(t, fe.Expected, "nope.pth")
	assert.Contains(t, fe.Hint, "huggingface.co")
	assert.Contains(t, fe.Hint, "zdepth fetch --variant vits")
	assert.Empty(t, fake.Calls(), "toolchain is not invoked")
}

func TestLoadMissingSource(t *testing.T) {
	req := request(t, &toolchaintest.Fake{})
	req.Source = providerFunc(func(context.Context, string) error { return errors.New("network unreachable") })

	_, err := Load(context.Background(), req)
	require.True(t, faults.IsKind(err, faults.MissingArtifact))
	assert.Contains(t, err.Error(), "network unreachable")
}

func TestLoadMismatch(t *testing.T) {
	keys := make([]string, 12)
	for i := range keys {
		keys[i] = "missing depth_head.scratch.layer" + string(rune('a'+i))
	}
	fake := &toolchaintest.Fake{
		InspectFn: func(toolchain.InspectRequest) (*toolchain.InspectResponse, error) {
			return nil, &toolchain.Error{Command: "inspect-checkpoint", Kind: toolchain.KindMismatch, Message: "checkpoint does not match the architecture", Keys: keys}
		},
	}

	_, err := Load(context.Background(), request(t, fake))
	var fe *faults.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, faults.CheckpointMismatch, fe.Kind)
	assert.Equal(t, 8, strings.Count(fe.Found, "missing "))
	assert.True(t, strings.HasSuffix(fe.Found, "... 4 more"))
}

func TestLoadImportFailure(t *testing.T) {
	fake := &toolchaintest.Fake{
		InspectFn: func(toolchain.InspectRequest) (*toolchain.InspectResponse, error) {
			return nil, &toolchain.Error{Kind: toolchain.KindImport, Message: "No module named 'torch'"}
		},
	}
	_, err := Load(context.Background(), request(t, fake))
	assert.True(t, faults.IsKind(err, faults.MissingArtifact))
}

func TestLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx, request(t, &toolchaintest.Fake{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, faults.IsKind(err, faults.CheckpointMismatch))
}
