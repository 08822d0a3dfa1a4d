// Package loader turns a checkpoint file into a Model handle: the weights
// are present, hashed, and load strictly into the variant's architecture.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/zerfoo/zdepth/pkg/config"
	"github.com/zerfoo/zdepth/pkg/faults"
	"github.com/zerfoo/zdepth/pkg/source"
	"github.com/zerfoo/zdepth/pkg/toolchain"
)

// maxListedKeys bounds how many offending state dict keys a mismatch reports.
const maxListedKeys = 8

// LoadRequest is everything Load needs.
type LoadRequest struct {
	Variant   config.Variant
	Weights   string
	SourceDir string
	Source    source.Provider
	Toolchain toolchain.Toolchain
}

// Model is an immutable handle to loaded weights and their architecture.
// The toolchain always instantiates it in evaluation mode.
type Model struct {
	weights    string
	size       int64
	digest     string
	variant    config.Variant
	arch       toolchain.Architecture
	parameters int64
	tensors    int
}

// Weights is the path of the loaded weights file.
func (m *Model) Weights() string { return m.weights }

// Size is the weights file size in bytes.
func (m *Model) Size() int64 { return m.size }

// Digest is the hex SHA-256 of the weights file.
func (m *Model) Digest() string { return m.digest }

// Variant returns a copy of the variant the weights were loaded for.
func (m *Model) Variant() config.Variant {
	v := m.variant
	v.OutChannels = append([]int(nil), v.OutChannels...)
	return v
}

// Architecture returns a copy of the record handed to the model constructor.
func (m *Model) Architecture() toolchain.Architecture {
	a := m.arch
	a.OutChannels = append([]int(nil), a.OutChannels...)
	return a
}

// Parameters is the total element count across the state dict.
func (m *Model) Parameters() int64 { return m.parameters }

// Tensors is the number of entries in the state dict.
func (m *Model) Tensors() int { return m.tensors }

// Load checks the weights and architecture source, then has the toolchain load
// the state dict strictly. It reads only.
func Load(ctx context.Context, req LoadRequest) (*Model, error) {
	v := req.Variant
	info, err := os.Stat(req.Weights)
	if err != nil || info.IsDir() {
		dir, file := filepath.Split(req.Weights)
		if dir == "" {
			dir = "."
		}
		return nil, &faults.Error{
			Kind:     faults.MissingArtifact,
			Msg:      "checkpoint not found",
			Expected: fmt.Sprintf("%s in %s", file, dir),
			Found:    "nothing at " + req.Weights,
			Hint:     fmt.Sprintf("download it from %s or run `zdepth fetch --variant %s`", v.CheckpointURL, v.Name),
			Err:      err,
		}
	}

	if err := req.Source.Ensure(ctx, req.SourceDir); err != nil {
		return nil, &faults.Error{
			Kind:     faults.MissingArtifact,
			Msg:      "architecture source unavailable",
			Expected: "a checkout of " + v.SourceRepo + " at " + req.SourceDir,
			Hint:     "check network access or clone the repository there by hand",
			Err:      err,
		}
	}

	digest, err := fileDigest(req.Weights)
	if err != nil {
		return nil, faults.Wrap(faults.MissingArtifact, err, "failed to read checkpoint %s", req.Weights)
	}
	klog.V(1).Infof("checkpoint %s sha256 %s", req.Weights, digest)

	arch := toolchain.ArchitectureOf(v, req.SourceDir)
	resp, err := req.Toolchain.InspectCheckpoint(ctx, toolchain.InspectRequest{Arch: arch, Weights: req.Weights})
	if err != nil {
		return nil, classify(v, req, err)
	}

	return &Model{
		weights:    req.Weights,
		size:       info.Size(),
		digest:     digest,
		variant:    v,
		arch:       arch,
		parameters: resp.Parameters,
		tensors:    resp.Tensors,
	}, nil
}

func classify(v config.Variant, req LoadRequest, err error) error {
	var te *toolchain.Error
	if !errors.As(err, &te) {
		return faults.Wrap(faults.CheckpointMismatch, err, "failed to load checkpoint into %s", v.Name)
	}
	switch te.Kind {
	case toolchain.KindMismatch:
		keys := te.Keys
		found := strings.Join(head(keys, maxListedKeys), "; ")
		if len(keys) > maxListedKeys {
			found += fmt.Sprintf("; ... %d more", len(keys)-maxListedKeys)
		}
		return &faults.Error{
			Kind:     faults.CheckpointMismatch,
			Msg:      fmt.Sprintf("checkpoint does not match the %s architecture", v.Name),
			Expected: fmt.Sprintf("state dict of %s (encoder %s, features %d)", v.Family, v.Encoder, v.Features),
			Found:    found,
			Hint:     fmt.Sprintf("check that %s is the %s checkpoint", filepath.Base(req.Weights), v.Name),
			Err:      err,
		}
	case toolchain.KindImport:
		return &faults.Error{
			Kind: faults.MissingArtifact,
			Msg:  "toolchain cannot import the architecture",
			Hint: "install torch and check the architecture source at " + req.SourceDir,
			Err:  err,
		}
	default:
		return faults.Wrap(faults.CheckpointMismatch, err, "failed to load checkpoint into %s", v.Name)
	}
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
