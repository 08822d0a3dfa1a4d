// Package registry records which ONNX operators the TensorFlow lowering
// (onnx-tf) can handle, so an unconvertible graph is rejected before the
// slow lowering stage is started.
package registry

import (
	"sort"
	"strings"
)

// Lowering describes how an ONNX operator is handled by the lowering stage.
type Lowering struct {
	OpType string
	// Note records a known caveat of the lowering, if any.
	Note string
}

// registry holds the mapping from ONNX op_types to their lowering.
var registry = make(map[string]Lowering)

// Register adds a lowering to the registry.
func Register(l Lowering) {
	registry[l.OpType] = l
}

// Get returns the lowering for a given op type.
func Get(opType string) (Lowering, bool) {
	l, ok := registry[opType]
	return l, ok
}

// Unsupported returns the op types of an inventory that have no lowering,
// sorted. Operators from custom domains are never lowerable.
func Unsupported(inventory map[string]int) []string {
	var out []string
	for op := range inventory {
		if strings.Contains(op, "::") {
			out = append(out, op)
			continue
		}
		if _, ok := registry[op]; !ok {
			out = append(out, op)
		}
	}
	sort.Strings(out)
	return out
}

func init() {
	for _, op := range []string{
		"Abs", "Acos", "Acosh", "Add", "And", "ArgMax", "ArgMin", "Asin", "Asinh", "Atan", "Atanh",
		"AveragePool", "BatchNormalization", "BitShift", "Cast", "Ceil", "Celu", "Clip", "Concat",
		"Constant", "ConstantOfShape", "Conv", "ConvInteger", "ConvTranspose", "Cos", "Cosh", "CumSum",
		"DepthToSpace", "DequantizeLinear", "Div", "Dropout", "Einsum", "Elu", "Equal", "Erf", "Exp",
		"Expand", "EyeLike", "Flatten", "Floor", "GRU", "Gather", "GatherElements", "GatherND", "Gemm",
		"GlobalAveragePool", "GlobalMaxPool", "Greater", "GreaterOrEqual", "HardSigmoid", "HardSwish",
		"Hardmax", "Identity", "If", "InstanceNormalization", "IsInf", "IsNaN", "LRN", "LSTM",
		"LeakyRelu", "Less", "LessOrEqual", "Log", "LogSoftmax", "Loop", "MatMul", "MatMulInteger",
		"Max", "MaxPool", "Mean", "Min", "Mod", "Mul", "Neg", "NonMaxSuppression", "NonZero", "Not",
		"OneHot", "Or", "PRelu", "Pad", "Pow", "QuantizeLinear", "RNN", "Range", "Reciprocal",
		"ReduceL1", "ReduceL2", "ReduceLogSum", "ReduceLogSumExp", "ReduceMax", "ReduceMean",
		"ReduceMin", "ReduceProd", "ReduceSum", "ReduceSumSquare", "Relu", "Reshape", "Round",
		"Scatter", "ScatterElements", "ScatterND", "Selu", "Shape", "Shrink", "Sigmoid", "Sign", "Sin",
		"Sinh", "Size", "Slice", "Softmax", "Softplus", "Softsign", "SpaceToDepth", "Split", "Sqrt",
		"Squeeze", "Sub", "Sum", "Tan", "Tanh", "ThresholdedRelu", "Tile", "TopK", "Transpose",
		"Unsqueeze", "Upsample", "Where", "Xor",
	} {
		Register(Lowering{OpType: op})
	}

	Register(Lowering{OpType: "Resize", Note: "cubic mode with align_corners lowers to a slower gather-based kernel"})
	Register(Lowering{OpType: "LayerNormalization", Note: "decomposed into mean/variance arithmetic"})
}
