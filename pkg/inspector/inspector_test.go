package inspector

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zerfoo/zdepth/internal/onnx"
	"github.com/zerfoo/zdepth/internal/onnx/onnxtest"
)

// captureStdout runs fn and returns what it printed.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Failed to create pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	if cerr := w.Close(); cerr != nil {
		t.Errorf("Error closing writer: %v", cerr)
	}
	os.Stdout = oldStdout
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("Failed to read stdout: %v", err)
	}
	return string(out), fnErr
}

// tfliteModel builds a minimal TFLite flatbuffer: a root table carrying the
// version, three vectors and a description string.
func tfliteModel(version uint32, opcodes, subgraphs, buffers int, description string) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 8)
	copy(buf[4:], TFLiteIdentifier)

	// vtable: size, table size, five field offsets
	vtable := len(buf)
	for _, v := range []uint16{14, 24, 4, 8, 12, 16, 20} {
		buf = le.AppendUint16(buf, v)
	}
	buf = append(buf, 0, 0)

	table := len(buf)
	le.PutUint32(buf[0:], uint32(table))
	buf = le.AppendUint32(buf, uint32(table-vtable))
	buf = le.AppendUint32(buf, version)
	refs := make([]int, 4)
	for i := range refs {
		refs[i] = len(buf)
		buf = le.AppendUint32(buf, 0)
	}

	vector := func(ref, n int) {
		le.PutUint32(buf[ref:], uint32(len(buf)-ref))
		buf = le.AppendUint32(buf, uint32(n))
		for i := 0; i < n; i++ {
			buf = le.AppendUint32(buf, 0)
		}
	}
	vector(refs[0], opcodes)
	vector(refs[1], subgraphs)

	le.PutUint32(buf[refs[2]:], uint32(len(buf)-refs[2]))
	buf = le.AppendUint32(buf, uint32(len(description)))
	buf = append(buf, description...)
	buf = append(buf, 0)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}

	vector(refs[3], buffers)
	return buf
}

func TestInspectONNX(t *testing.T) {
	tempDir := t.TempDir()
	onnxFile := filepath.Join(tempDir, "test.onnx")
	model := onnxtest.DepthModel(252, 17, "input", "depth")
	model.Graph.Nodes[0].Attributes = []onnx.AttributeProto{
		{Name: "strides", Type: onnx.AttributeProtoInts, Ints: []int64{14, 14}},
	}
	onnxtest.WriteFile(t, onnxFile, model)

	output, inspectErr := captureStdout(t, func() error { return InspectONNX(onnxFile, true) })
	if inspectErr != nil {
		t.Errorf("InspectONNX returned an error: %v", inspectErr)
	}

	for _, want := range []string{
		"Inspecting ONNX model from:",
		"Successfully loaded model with IR version: 8",
		"Opset version: 17",
		"Producer: pytorch 2.1.0",
		"Input:  input FLOAT [1 3 252 252]",
		"Output: depth FLOAT [1 252 252]",
		"Graph has 2 nodes.",
		"Graph has 1 initializers (588 parameters).",
		"- Conv: 1",
		"- Relu: 1",
		"- Node: conv0, OpType: Conv",
		"    - strides: [14 14]",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing %q:\n%s", want, output)
		}
	}
}

func TestInspectONNXQuietOmitsNodes(t *testing.T) {
	onnxFile := filepath.Join(t.TempDir(), "test.onnx")
	onnxtest.WriteFile(t, onnxFile, onnxtest.DepthModel(252, 17, "input", "depth"))

	output, err := captureStdout(t, func() error { return InspectONNX(onnxFile, false) })
	if err != nil {
		t.Fatalf("InspectONNX returned an error: %v", err)
	}
	if strings.Contains(output, "- Node:") {
		t.Errorf("Output lists nodes without verbose:\n%s", output)
	}
}

func TestInspectONNXRejectsGarbage(t *testing.T) {
	onnxFile := filepath.Join(t.TempDir(), "bad.onnx")
	if err := os.WriteFile(onnxFile, []byte{0xff, 0xff, 0xff}, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	_, err := captureStdout(t, func() error { return InspectONNX(onnxFile, false) })
	if err == nil {
		t.Error("expected an error for a malformed model")
	}
}

func TestInspectTFLite(t *testing.T) {
	tfliteFile := filepath.Join(t.TempDir(), "depth.tflite")
	data := tfliteModel(3, 12, 1, 40, "MLIR Converted.")
	if err := os.WriteFile(tfliteFile, data, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	output, inspectErr := captureStdout(t, func() error { return Inspect(tfliteFile, false) })
	if inspectErr != nil {
		t.Fatalf("InspectTFLite returned an error: %v", inspectErr)
	}
	for _, want := range []string{
		"Inspecting TFLite model from:",
		"Identifier: TFL3",
		"Schema version: 3",
		"Description: MLIR Converted.",
		"Model has 1 subgraphs, 12 operator codes and 40 buffers.",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Output missing %q:\n%s", want, output)
		}
	}
}

func TestReadTFLite(t *testing.T) {
	s, err := ReadTFLite(tfliteModel(3, 2, 1, 5, ""))
	if err != nil {
		t.Fatalf("ReadTFLite returned an error: %v", err)
	}
	if s.Version != 3 || s.OperatorCodes != 2 || s.Subgraphs != 1 || s.Buffers != 5 {
		t.Errorf("unexpected summary: %+v", s)
	}

	if _, err := ReadTFLite([]byte("tiny")); err == nil {
		t.Error("expected an error for a truncated file")
	}
	bad := tfliteModel(3, 0, 0, 0, "")
	copy(bad[4:], "ONNX")
	if _, err := ReadTFLite(bad); err == nil || !strings.Contains(err.Error(), "TFL3") {
		t.Errorf("expected an identifier error, got %v", err)
	}

	// Offsets past the end of the buffer are reported, not followed.
	truncated := tfliteModel(3, 2, 1, 5, "x")[:40]
	if _, err := ReadTFLite(truncated); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Errorf("expected a malformed-model error for a truncated file, got %v", err)
	}
}

func TestInspectRejectsUnknownExtension(t *testing.T) {
	if err := Inspect("model.zmf", false); err == nil {
		t.Error("expected an error for an unsupported file type")
	}
}
