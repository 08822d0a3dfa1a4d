package onnx

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ParseFile reads and decodes an ONNX model file.
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ONNX file %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes an ONNX model from its protobuf encoding. Unknown fields are
// skipped.
func Parse(data []byte) (*ModelProto, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty ONNX payload")
	}
	m := &ModelProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.IRVersion = int64(v)
			return n, err
		case 2:
			return consumeString(typ, b, &m.ProducerName)
		case 3:
			return consumeString(typ, b, &m.ProducerVersion)
		case 4:
			return consumeString(typ, b, &m.Domain)
		case 5:
			v, n, err := consumeVarint(typ, b)
			m.ModelVersion = int64(v)
			return n, err
		case 6:
			return consumeString(typ, b, &m.DocString)
		case 7:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			g, err := parseGraph(buf)
			if err != nil {
				return 0, fmt.Errorf("graph: %w", err)
			}
			m.Graph = g
			return n, nil
		case 8:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			o, err := parseOperatorSetID(buf)
			if err != nil {
				return 0, fmt.Errorf("opset_import: %w", err)
			}
			m.OpsetImport = append(m.OpsetImport, o)
			return n, nil
		case 14:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			e, err := parseStringStringEntry(buf)
			if err != nil {
				return 0, fmt.Errorf("metadata_props: %w", err)
			}
			m.MetadataProps = append(m.MetadataProps, e)
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func parseGraph(data []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			node, err := parseNode(buf)
			if err != nil {
				return 0, fmt.Errorf("node %d: %w", len(g.Nodes), err)
			}
			g.Nodes = append(g.Nodes, node)
			return n, nil
		case 2:
			return consumeString(typ, b, &g.Name)
		case 5:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t, err := parseTensor(buf)
			if err != nil {
				return 0, fmt.Errorf("initializer %d: %w", len(g.Initializers), err)
			}
			g.Initializers = append(g.Initializers, t)
			return n, nil
		case 10:
			return consumeString(typ, b, &g.DocString)
		case 11, 12, 13:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			v, err := parseValueInfo(buf)
			if err != nil {
				return 0, fmt.Errorf("value info: %w", err)
			}
			switch num {
			case 11:
				g.Inputs = append(g.Inputs, v)
			case 12:
				g.Outputs = append(g.Outputs, v)
			default:
				g.ValueInfo = append(g.ValueInfo, v)
			}
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func parseNode(data []byte) (NodeProto, error) {
	var node NodeProto
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var s string
			n, err := consumeString(typ, b, &s)
			node.Inputs = append(node.Inputs, s)
			return n, err
		case 2:
			var s string
			n, err := consumeString(typ, b, &s)
			node.Outputs = append(node.Outputs, s)
			return n, err
		case 3:
			return consumeString(typ, b, &node.Name)
		case 4:
			return consumeString(typ, b, &node.OpType)
		case 5:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			a, err := parseAttribute(buf)
			if err != nil {
				return 0, fmt.Errorf("attribute: %w", err)
			}
			node.Attributes = append(node.Attributes, a)
			return n, nil
		case 6:
			return consumeString(typ, b, &node.DocString)
		case 7:
			return consumeString(typ, b, &node.Domain)
		}
		return skip(num, typ, b)
	})
	return node, err
}

func parseAttribute(data []byte) (AttributeProto, error) {
	var a AttributeProto
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &a.Name)
		case 2:
			if typ != protowire.Fixed32Type {
				return 0, wireTypeError(num, typ)
			}
			v, n := protowire.ConsumeFixed32(b)
			a.F = math.Float32frombits(v)
			return n, nil
		case 3:
			v, n, err := consumeVarint(typ, b)
			a.I = int64(v)
			return n, err
		case 4:
			buf, n, err := consumeBytes(typ, b)
			a.S = append([]byte(nil), buf...)
			return n, err
		case 7:
			var n int
			var err error
			a.Floats, n, err = appendFloat32s(a.Floats, typ, b)
			return n, err
		case 8:
			var n int
			var err error
			a.Ints, n, err = appendInt64s(a.Ints, typ, b)
			return n, err
		case 9:
			buf, n, err := consumeBytes(typ, b)
			a.Strings = append(a.Strings, append([]byte(nil), buf...))
			return n, err
		case 20:
			v, n, err := consumeVarint(typ, b)
			a.Type = int32(v)
			return n, err
		}
		return skip(num, typ, b)
	})
	return a, err
}

func parseTensor(data []byte) (TensorProto, error) {
	var t TensorProto
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var n int
		var err error
		switch num {
		case 1:
			t.Dims, n, err = appendInt64s(t.Dims, typ, b)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			t.DataType = int32(v)
			return n, err
		case 4:
			t.FloatData, n, err = appendFloat32s(t.FloatData, typ, b)
			return n, err
		case 5:
			t.Int32Data, n, err = appendInt32s(t.Int32Data, typ, b)
			return n, err
		case 7:
			t.Int64Data, n, err = appendInt64s(t.Int64Data, typ, b)
			return n, err
		case 8:
			return consumeString(typ, b, &t.Name)
		case 9:
			buf, n, err := consumeBytes(typ, b)
			t.RawData = buf
			return n, err
		case 10:
			t.DoubleData, n, err = appendFloat64s(t.DoubleData, typ, b)
			return n, err
		case 13:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			e, err := parseStringStringEntry(buf)
			if err != nil {
				return 0, fmt.Errorf("external_data: %w", err)
			}
			t.ExternalData = append(t.ExternalData, e)
			return n, nil
		case 14:
			v, n, err := consumeVarint(typ, b)
			t.DataLocation = int32(v)
			return n, err
		}
		return skip(num, typ, b)
	})
	return t, err
}

func parseValueInfo(data []byte) (ValueInfoProto, error) {
	var v ValueInfoProto
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &v.Name)
		case 2:
			buf, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			tp, err := parseType(buf)
			if err != nil {
				return 0, err
			}
			v.Type = tp
			return n, nil
		case 3:
			return consumeString(typ, b, &v.DocString)
		}
		return skip(num, typ, b)
	})
	return v, err
}

func parseType(data []byte) (*TypeProto, error) {
	tp := &TypeProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skip(num, typ, b)
		}
		buf, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		tt := &TensorTypeProto{}
		err = walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n, err := consumeVarint(typ, b)
				tt.ElemType = int32(v)
				return n, err
			case 2:
				sb, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}
				shape, err := parseShape(sb)
				if err != nil {
					return 0, err
				}
				tt.Shape = shape
				return n, nil
			}
			return skip(num, typ, b)
		})
		if err != nil {
			return 0, err
		}
		tp.TensorType = tt
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return tp, nil
}

func parseShape(data []byte) (*TensorShapeProto, error) {
	s := &TensorShapeProto{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return skip(num, typ, b)
		}
		buf, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		var d Dimension
		err = walk(buf, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n, err := consumeVarint(typ, b)
				d.DimValue = int64(v)
				return n, err
			case 2:
				return consumeString(typ, b, &d.DimParam)
			}
			return skip(num, typ, b)
		})
		if err != nil {
			return 0, err
		}
		s.Dims = append(s.Dims, d)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func parseOperatorSetID(data []byte) (OperatorSetID, error) {
	var o OperatorSetID
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &o.Domain)
		case 2:
			v, n, err := consumeVarint(typ, b)
			o.Version = int64(v)
			return n, err
		}
		return skip(num, typ, b)
	})
	return o, err
}

func parseStringStringEntry(data []byte) (StringStringEntry, error) {
	var e StringStringEntry
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &e.Key)
		case 2:
			return consumeString(typ, b, &e.Value)
		}
		return skip(num, typ, b)
	})
	return e, err
}

// walk iterates the fields of one message. fn returns the number of bytes of
// the field value it consumed.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 || m > len(data) {
			return fmt.Errorf("field %d: truncated value", num)
		}
		data = data[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func wireTypeError(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("field %d: unexpected wire type %d", num, typ)
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d for varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d for length-delimited field", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

// Repeated scalar fields may arrive packed or one element per tag.

func appendInt64s(dst []int64, typ protowire.Type, b []byte) ([]int64, int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(typ, b)
		return append(dst, int64(v)), n, err
	}
	buf, n, err := consumeBytes(typ, b)
	if err != nil {
		return dst, 0, err
	}
	for len(buf) > 0 {
		v, m := protowire.ConsumeVarint(buf)
		if m < 0 {
			return dst, 0, protowire.ParseError(m)
		}
		dst = append(dst, int64(v))
		buf = buf[m:]
	}
	return dst, n, nil
}

func appendInt32s(dst []int32, typ protowire.Type, b []byte) ([]int32, int, error) {
	wide, n, err := appendInt64s(nil, typ, b)
	for _, v := range wide {
		dst = append(dst, int32(v))
	}
	return dst, n, err
}

func appendFloat32s(dst []float32, typ protowire.Type, b []byte) ([]float32, int, error) {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		return append(dst, math.Float32frombits(v)), n, nil
	}
	buf, n, err := consumeBytes(typ, b)
	if err != nil {
		return dst, 0, err
	}
	for len(buf) > 0 {
		v, m := protowire.ConsumeFixed32(buf)
		if m < 0 {
			return dst, 0, protowire.ParseError(m)
		}
		dst = append(dst, math.Float32frombits(v))
		buf = buf[m:]
	}
	return dst, n, nil
}

func appendFloat64s(dst []float64, typ protowire.Type, b []byte) ([]float64, int, error) {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		return append(dst, math.Float64frombits(v)), n, nil
	}
	buf, n, err := consumeBytes(typ, b)
	if err != nil {
		return dst, 0, err
	}
	for len(buf) > 0 {
		v, m := protowire.ConsumeFixed64(buf)
		if m < 0 {
			return dst, 0, protowire.ParseError(m)
		}
		dst = append(dst, math.Float64frombits(v))
		buf = buf[m:]
	}
	return dst, n, nil
}
