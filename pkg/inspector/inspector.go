package inspector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/zerfoo/zdepth/internal/onnx"
	"github.com/zerfoo/zdepth/internal/shape"
	"github.com/zerfoo/zdepth/pkg/validator"
)

// TFLiteIdentifier is the flatbuffer file identifier of TFLite models.
const TFLiteIdentifier = "TFL3"

// Inspect prints a summary of an ONNX or TFLite file, chosen by extension.
func Inspect(inputFile string, verbose bool) error {
	switch strings.ToLower(filepath.Ext(inputFile)) {
	case ".onnx":
		return InspectONNX(inputFile, verbose)
	case ".tflite":
		return InspectTFLite(inputFile)
	default:
		return fmt.Errorf("unsupported file type %q: expected .onnx or .tflite", filepath.Ext(inputFile))
	}
}

// InspectONNX inspects an ONNX model and prints its summary.
func InspectONNX(inputFile string, verbose bool) error {
	fmt.Printf("Inspecting ONNX model from: %s\n", inputFile)

	model, err := onnx.ParseFile(inputFile)
	if err != nil {
		return fmt.Errorf("failed to load ONNX model: %w", err)
	}

	fmt.Printf("Successfully loaded model with IR version: %d\n", model.IRVersion)
	if opset, ok := model.Opset(); ok {
		fmt.Printf("Opset version: %d\n", opset)
	}
	if model.ProducerName != "" {
		fmt.Printf("Producer: %s %s\n", model.ProducerName, model.ProducerVersion)
	}
	g := model.Graph
	if g == nil {
		fmt.Println("Model has no graph.")
		return nil
	}

	for _, in := range g.Inputs {
		fmt.Printf("Input:  %s %s %s\n", in.Name, onnx.DataTypeName(in.ElemType()), describe(in))
	}
	for _, out := range g.Outputs {
		fmt.Printf("Output: %s %s %s\n", out.Name, onnx.DataTypeName(out.ElemType()), describe(out))
	}

	var params int64
	for i := range g.Initializers {
		params += g.Initializers[i].NumElements()
	}
	fmt.Printf("Graph has %d nodes.\n", len(g.Nodes))
	fmt.Printf("Graph has %d initializers (%s parameters).\n", len(g.Initializers), humanize.Comma(params))

	inv := g.OpTypes()
	fmt.Println("\nOperators:")
	for _, op := range validator.SortedOpTypes(inv) {
		fmt.Printf("- %s: %d\n", op, inv[op])
	}

	if verbose {
		fmt.Println("\nNodes:")
		for _, node := range g.Nodes {
			fmt.Printf("- Node: %s, OpType: %s\n", node.Name, node.QualifiedOpType())
			fmt.Printf("  Inputs: %v\n", node.Inputs)
			fmt.Printf("  Outputs: %v\n", node.Outputs)
			if len(node.Attributes) > 0 {
				fmt.Println("  Attributes:")
				for _, attr := range node.Attributes {
					fmt.Printf("    - %s: %s\n", attr.Name, attributeValue(attr))
				}
			}
		}
	}
	return nil
}

func describe(v onnx.ValueInfoProto) string {
	dims, static := v.Shape()
	if dims == nil {
		return "(no shape)"
	}
	if !static {
		return shape.String(dims) + " (dynamic)"
	}
	return shape.String(dims)
}

func attributeValue(a onnx.AttributeProto) string {
	switch a.Type {
	case onnx.AttributeProtoFloat:
		return fmt.Sprint(a.F)
	case onnx.AttributeProtoInt:
		return fmt.Sprint(a.I)
	case onnx.AttributeProtoString:
		return string(a.S)
	case onnx.AttributeProtoFloats:
		return fmt.Sprint(a.Floats)
	case onnx.AttributeProtoInts:
		return fmt.Sprint(a.Ints)
	case onnx.AttributeProtoStrings:
		parts := make([]string, len(a.Strings))
		for i, s := range a.Strings {
			parts[i] = string(s)
		}
		return fmt.Sprint(parts)
	case onnx.AttributeProtoTensor:
		return "<tensor>"
	case onnx.AttributeProtoGraph:
		return "<graph>"
	default:
		return "<unknown>"
	}
}

// TFLiteSummary is the header information of a TFLite flatbuffer.
type TFLiteSummary struct {
	Bytes         int64
	Identifier    string
	Version       uint32
	Description   string
	OperatorCodes int
	Subgraphs     int
	Buffers       int
}

// InspectTFLite inspects a TFLite model and prints its summary.
func InspectTFLite(inputFile string) error {
	fmt.Printf("Inspecting TFLite model from: %s\n", inputFile)

	data, err := os.ReadFile(inputFile)
	if err != nil {
		return fmt.Errorf("failed to read TFLite model: %w", err)
	}
	s, err := ReadTFLite(data)
	if err != nil {
		return err
	}

	fmt.Printf("Size: %s\n", humanize.IBytes(uint64(s.Bytes)))
	fmt.Printf("Identifier: %s\n", s.Identifier)
	fmt.Printf("Schema version: %d\n", s.Version)
	if s.Description != "" {
		fmt.Printf("Description: %s\n", s.Description)
	}
	fmt.Printf("Model has %d subgraphs, %d operator codes and %d buffers.\n", s.Subgraphs, s.OperatorCodes, s.Buffers)
	return nil
}

// Model table slots of the TFLite schema.
const (
	slotVersion       = 4
	slotOperatorCodes = 6
	slotSubgraphs     = 8
	slotDescription   = 10
	slotBuffers       = 12
)

// ReadTFLite reads the root table of a TFLite flatbuffer. Only the header
// fields are decoded; tensors and operators are not.
func ReadTFLite(data []byte) (s *TFLiteSummary, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short for a TFLite model (%d bytes)", len(data))
	}
	if !flatbuffers.BufferHasIdentifier(data, TFLiteIdentifier) {
		return nil, fmt.Errorf("not a TFLite model: file identifier %q, want %q", string(data[4:8]), TFLiteIdentifier)
	}

	// The flatbuffers accessors do not bounds-check.
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("malformed TFLite model: %v", r)
		}
	}()

	t := flatbuffers.Table{Bytes: data, Pos: flatbuffers.GetUOffsetT(data)}
	s = &TFLiteSummary{Bytes: int64(len(data)), Identifier: TFLiteIdentifier}
	if o := flatbuffers.UOffsetT(t.Offset(slotVersion)); o != 0 {
		s.Version = t.GetUint32(t.Pos + o)
	}
	vectorLen := func(slot flatbuffers.VOffsetT) int {
		if o := flatbuffers.UOffsetT(t.Offset(slot)); o != 0 {
			return t.VectorLen(o)
		}
		return 0
	}
	s.OperatorCodes = vectorLen(slotOperatorCodes)
	s.Subgraphs = vectorLen(slotSubgraphs)
	s.Buffers = vectorLen(slotBuffers)
	if o := flatbuffers.UOffsetT(t.Offset(slotDescription)); o != 0 {
		s.Description = t.String(t.Pos + o)
	}
	return s, nil
}
