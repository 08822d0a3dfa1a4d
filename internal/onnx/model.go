// Package onnx decodes the subset of the ONNX protobuf schema that zdepth needs
// to validate and inspect interchange graphs. Decoding is done directly on the
// wire format so no generated code or cgo runtime is required.
package onnx

// ModelProto is the top-level ONNX model.
type ModelProto struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []OperatorSetID
	MetadataProps   []StringStringEntry
}

// GraphProto is a computation graph.
type GraphProto struct {
	Name         string
	Nodes        []NodeProto
	Initializers []TensorProto
	DocString    string
	Inputs       []ValueInfoProto
	Outputs      []ValueInfoProto
	ValueInfo    []ValueInfoProto
}

// NodeProto is a single operator invocation.
type NodeProto struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Attributes []AttributeProto
	DocString  string
	Domain     string
}

// AttributeProto keeps the scalar and list forms of a node attribute. Tensor
// and graph valued attributes are recorded by type only.
type AttributeProto struct {
	Name    string
	Type    int32
	F       float32
	I       int64
	S       []byte
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// TensorProto is a constant tensor, usually an initializer.
type TensorProto struct {
	Dims         []int64
	DataType     int32
	FloatData    []float32
	Int32Data    []int32
	Int64Data    []int64
	Name         string
	RawData      []byte
	DoubleData   []float64
	ExternalData []StringStringEntry
	DataLocation int32
}

// ValueInfoProto describes a named value (graph input, output, intermediate).
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto only models tensor types.
type TypeProto struct {
	TensorType *TensorTypeProto
}

// TensorTypeProto is the element type and shape of a tensor value.
type TensorTypeProto struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto is an ordered list of dimensions.
type TensorShapeProto struct {
	Dims []Dimension
}

// Dimension is either a static value or a symbolic parameter.
type Dimension struct {
	DimValue int64
	DimParam string
}

// OperatorSetID pins an operator domain to a version.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringStringEntry is a key/value pair.
type StringStringEntry struct {
	Key   string
	Value string
}

// TensorProto.DataType values.
const (
	TensorProtoUndefined = 0
	TensorProtoFloat     = 1
	TensorProtoUint8     = 2
	TensorProtoInt8      = 3
	TensorProtoUint16    = 4
	TensorProtoInt16     = 5
	TensorProtoInt32     = 6
	TensorProtoInt64     = 7
	TensorProtoString    = 8
	TensorProtoBool      = 9
	TensorProtoFloat16   = 10
	TensorProtoDouble    = 11
	TensorProtoUint32    = 12
	TensorProtoUint64    = 13
	TensorProtoBfloat16  = 16
)

// TensorProto.DataLocation values.
const (
	DataLocationDefault  = 0
	DataLocationExternal = 1
)

// AttributeProto.Type values.
const (
	AttributeProtoFloat   = 1
	AttributeProtoInt     = 2
	AttributeProtoString  = 3
	AttributeProtoTensor  = 4
	AttributeProtoGraph   = 5
	AttributeProtoFloats  = 6
	AttributeProtoInts    = 7
	AttributeProtoStrings = 8
)

// Opset returns the version imported for the default ONNX domain.
func (m *ModelProto) Opset() (int64, bool) {
	for _, o := range m.OpsetImport {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version, true
		}
	}
	return 0, false
}

// OpTypes counts nodes per operator type. Nodes in a non-default domain are
// keyed as "domain::OpType".
func (g *GraphProto) OpTypes() map[string]int {
	counts := make(map[string]int)
	if g == nil {
		return counts
	}
	for _, n := range g.Nodes {
		counts[n.QualifiedOpType()]++
	}
	return counts
}

// QualifiedOpType returns the op type prefixed by its domain when the domain
// is not the default one.
func (n *NodeProto) QualifiedOpType() string {
	if n.Domain == "" || n.Domain == "ai.onnx" {
		return n.OpType
	}
	return n.Domain + "::" + n.OpType
}

// Shape returns the dimensions of a tensor value. static is false when any
// dimension is symbolic or missing.
func (v *ValueInfoProto) Shape() (dims []int64, static bool) {
	if v.Type == nil || v.Type.TensorType == nil || v.Type.TensorType.Shape == nil {
		return nil, false
	}
	static = true
	for _, d := range v.Type.TensorType.Shape.Dims {
		if d.DimParam != "" || d.DimValue <= 0 {
			static = false
		}
		dims = append(dims, d.DimValue)
	}
	return dims, static
}

// ElemType returns the tensor element type, or TensorProtoUndefined.
func (v *ValueInfoProto) ElemType() int32 {
	if v.Type == nil || v.Type.TensorType == nil {
		return TensorProtoUndefined
	}
	return v.Type.TensorType.ElemType
}

// DataTypeName returns the ONNX spelling of a tensor data type.
func DataTypeName(dt int32) string {
	switch dt {
	case TensorProtoFloat:
		return "FLOAT"
	case TensorProtoUint8:
		return "UINT8"
	case TensorProtoInt8:
		return "INT8"
	case TensorProtoUint16:
		return "UINT16"
	case TensorProtoInt16:
		return "INT16"
	case TensorProtoInt32:
		return "INT32"
	case TensorProtoInt64:
		return "INT64"
	case TensorProtoString:
		return "STRING"
	case TensorProtoBool:
		return "BOOL"
	case TensorProtoFloat16:
		return "FLOAT16"
	case TensorProtoDouble:
		return "DOUBLE"
	case TensorProtoUint32:
		return "UINT32"
	case TensorProtoUint64:
		return "UINT64"
	case TensorProtoBfloat16:
		return "BFLOAT16"
	default:
		return "UNDEFINED"
	}
}
