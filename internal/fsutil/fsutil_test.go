package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "model.tflite")

	n, err := WriteAtomic(path, "run1", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.NoFileExists(t, TempPath(path, "run1"))
}

func TestWriteAtomicLeavesExistingFileOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.tflite")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	_, err := WriteAtomic(path, "run2", failingReader{})
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))
	assert.NoFileExists(t, TempPath(path, "run2"))
}

func TestRemoveStale(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "graph.onnx")
	for _, p := range []string{final, TempPath(final, "a"), TempPath(final, "b"), filepath.Join(dir, "other.onnx")} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	removed, err := RemoveStale(final)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{final, TempPath(final, "a"), TempPath(final, "b")}, removed)
	assert.FileExists(t, filepath.Join(dir, "other.onnx"))

	removed, err = RemoveStale(final)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestRemoveTempsKeepsFinal(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "depth.tflite")
	for _, p := range []string{final, TempPath(final, "killed")} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	removed, err := RemoveTemps(final)
	require.NoError(t, err)
	assert.Equal(t, []string{TempPath(final, "killed")}, removed)
	assert.FileExists(t, final)
}

func TestRemoveAndSize(t *testing.T) {
	dir := t.TempDir()
	saved := filepath.Join(dir, "saved_model")
	require.NoError(t, os.MkdirAll(filepath.Join(saved, "variables"), 0o755))

	_, err := Size(saved)
	assert.Error(t, err)

	ok, err := Remove(saved)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Remove(saved)
	require.NoError(t, err)
	assert.False(t, ok)
}
