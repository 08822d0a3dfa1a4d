// Package source makes the architecture definition code available on disk.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// Provider ensures an architecture source tree exists at dir.
type Provider interface {
	Ensure(ctx context.Context, dir string) error
}

// Present reports whether dir is a non-empty directory.
func Present(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// Local expects the source tree to be provided by the operator.
type Local struct{}

// Ensure fails unless dir is a non-empty directory.
func (Local) Ensure(_ context.Context, dir string) error {
	if !Present(dir) {
		return fmt.Errorf("architecture source %s is missing or empty", dir)
	}
	return nil
}

// Git fetches a single pinned ref of a repository, shallowly. An existing
// non-empty directory is used as is.
type Git struct {
	Repo string
	Ref  string
	// Bin is the git executable; empty means "git" on PATH.
	Bin string
	// Out receives the progress line of a fetch; nil discards it.
	Out io.Writer
}

// Ensure fetches the repository into dir unless dir already holds a tree.
// The fetch goes through a temporary sibling, so a failed fetch leaves dir
// absent.
func (g Git) Ensure(ctx context.Context, dir string) error {
	if Present(dir) {
		klog.V(1).Infof("architecture source %s already present", dir)
		return nil
	}
	if g.Repo == "" {
		return fmt.Errorf("architecture source %s is missing and no repository is configured", dir)
	}
	ref := g.Ref
	if ref == "" {
		ref = "main"
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", dir, err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), "."+filepath.Base(dir)+".fetch-")
	if err != nil {
		return fmt.Errorf("failed to create fetch dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	klog.Infof("fetching architecture source %s@%s into %s", g.Repo, ref, dir)
	if g.Out != nil {
		fmt.Fprintf(g.Out, "Fetching %s@%s into %s...\n", g.Repo, ref, dir)
	}
	steps := [][]string{
		{"init", "-q", tmp},
		{"-C", tmp, "remote", "add", "origin", g.Repo},
		{"-C", tmp, "fetch", "-q", "--depth", "1", "origin", ref},
		{"-C", tmp, "checkout", "-q", "FETCH_HEAD"},
	}
	for _, args := range steps {
		if err := g.git(ctx, args...); err != nil {
			return fmt.Errorf("failed to fetch %s@%s: %w", g.Repo, ref, err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("failed to move fetched source into place: %w", err)
	}
	return nil
}

func (g Git) git(ctx context.Context, args ...string) error {
	bin := g.Bin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	klog.V(2).Infof("%s %s", bin, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		sub := args[0]
		if sub == "-C" {
			sub = args[2]
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("git %s: %w: %s", sub, err, msg)
		}
		return fmt.Errorf("git %s: %w", sub, err)
	}
	return nil
}
