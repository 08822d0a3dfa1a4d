// Package onnxtest builds small depth-model graphs for tests.
package onnxtest

import (
	"os"
	"testing"

	"github.com/zerfoo/zdepth/internal/onnx"
)

// DepthModel returns a well-formed two-node graph with the interface of a
// depth model: input [1 3 S S], output [1 S S].
func DepthModel(size int64, opset int64, inputName, outputName string) *onnx.ModelProto {
	return &onnx.ModelProto{
		IRVersion:       8,
		ProducerName:    "pytorch",
		ProducerVersion: "2.1.0",
		OpsetImport:     []onnx.OperatorSetID{{Version: opset}},
		Graph: &onnx.GraphProto{
			Name: "main_graph",
			Nodes: []onnx.NodeProto{
				{Name: "conv0", OpType: "Conv", Inputs: []string{inputName, "w"}, Outputs: []string{"c0"}},
				{Name: "relu0", OpType: "Relu", Inputs: []string{"c0"}, Outputs: []string{outputName}},
			},
			Initializers: []onnx.TensorProto{{
				Name:     "w",
				DataType: onnx.TensorProtoFloat,
				Dims:     []int64{1, 3, 14, 14},
				RawData:  make([]byte, 3*14*14*4),
			}},
			Inputs:  []onnx.ValueInfoProto{onnx.StaticValueInfo(inputName, 1, 3, size, size)},
			Outputs: []onnx.ValueInfoProto{onnx.StaticValueInfo(outputName, 1, size, size)},
		},
	}
}

// WriteFile marshals m to path.
func WriteFile(t testing.TB, path string, m *onnx.ModelProto) {
	t.Helper()
	if err := os.WriteFile(path, onnx.Marshal(m), 0o644); err != nil {
		t.Fatalf("failed to write model %s: %v", path, err)
	}
}
