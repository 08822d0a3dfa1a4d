package onnx

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes a model to the ONNX protobuf wire format. It writes the same
// subset of fields that Parse reads.
func Marshal(m *ModelProto) []byte {
	var b []byte
	if m.IRVersion != 0 {
		b = appendVarintField(b, 1, uint64(m.IRVersion))
	}
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	if m.ModelVersion != 0 {
		b = appendVarintField(b, 5, uint64(m.ModelVersion))
	}
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, marshalGraph(m.Graph))
	}
	for _, o := range m.OpsetImport {
		var ob []byte
		ob = appendStringField(ob, 1, o.Domain)
		ob = appendVarintField(ob, 2, uint64(o.Version))
		b = appendMessageField(b, 8, ob)
	}
	for _, e := range m.MetadataProps {
		b = appendMessageField(b, 14, marshalEntry(e))
	}
	return b
}

func marshalGraph(g *GraphProto) []byte {
	var b []byte
	for i := range g.Nodes {
		b = appendMessageField(b, 1, marshalNode(&g.Nodes[i]))
	}
	b = appendStringField(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendMessageField(b, 5, marshalTensor(&g.Initializers[i]))
	}
	b = appendStringField(b, 10, g.DocString)
	for i := range g.Inputs {
		b = appendMessageField(b, 11, marshalValueInfo(&g.Inputs[i]))
	}
	for i := range g.Outputs {
		b = appendMessageField(b, 12, marshalValueInfo(&g.Outputs[i]))
	}
	for i := range g.ValueInfo {
		b = appendMessageField(b, 13, marshalValueInfo(&g.ValueInfo[i]))
	}
	return b
}

func marshalNode(n *NodeProto) []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessageField(b, 5, marshalAttribute(&n.Attributes[i]))
	}
	b = appendStringField(b, 6, n.DocString)
	b = appendStringField(b, 7, n.Domain)
	return b
}

func marshalAttribute(a *AttributeProto) []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttributeProtoFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProtoInt:
		b = appendVarintField(b, 3, uint64(a.I))
	case AttributeProtoString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeProtoFloats:
		var packed []byte
		for _, f := range a.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessageField(b, 7, packed)
	case AttributeProtoInts:
		for _, v := range a.Ints {
			b = appendVarintField(b, 8, uint64(v))
		}
	case AttributeProtoStrings:
		for _, s := range a.Strings {
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	}
	if a.Type != 0 {
		b = appendVarintField(b, 20, uint64(a.Type))
	}
	return b
}

func marshalTensor(t *TensorProto) []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarintField(b, 1, uint64(d))
	}
	if t.DataType != 0 {
		b = appendVarintField(b, 2, uint64(t.DataType))
	}
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessageField(b, 4, packed)
	}
	for _, v := range t.Int32Data {
		b = appendVarintField(b, 5, uint64(int64(v)))
	}
	for _, v := range t.Int64Data {
		b = appendVarintField(b, 7, uint64(v))
	}
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	if len(t.DoubleData) > 0 {
		var packed []byte
		for _, f := range t.DoubleData {
			packed = protowire.AppendFixed64(packed, math.Float64bits(f))
		}
		b = appendMessageField(b, 10, packed)
	}
	for _, e := range t.ExternalData {
		b = appendMessageField(b, 13, marshalEntry(e))
	}
	if t.DataLocation != 0 {
		b = appendVarintField(b, 14, uint64(t.DataLocation))
	}
	return b
}

func marshalValueInfo(v *ValueInfoProto) []byte {
	var b []byte
	b = appendStringField(b, 1, v.Name)
	if v.Type != nil && v.Type.TensorType != nil {
		var tt []byte
		if v.Type.TensorType.ElemType != 0 {
			tt = appendVarintField(tt, 1, uint64(v.Type.TensorType.ElemType))
		}
		if v.Type.TensorType.Shape != nil {
			var sb []byte
			for _, d := range v.Type.TensorType.Shape.Dims {
				var db []byte
				if d.DimParam != "" {
					db = appendStringField(db, 2, d.DimParam)
				} else {
					db = appendVarintField(db, 1, uint64(d.DimValue))
				}
				sb = appendMessageField(sb, 1, db)
			}
			tt = appendMessageField(tt, 2, sb)
		}
		b = appendMessageField(b, 2, appendMessageField(nil, 1, tt))
	}
	b = appendStringField(b, 3, v.DocString)
	return b
}

func marshalEntry(e StringStringEntry) []byte {
	var b []byte
	b = appendStringField(b, 1, e.Key)
	b = appendStringField(b, 2, e.Value)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// StaticValueInfo builds a FLOAT tensor value with fixed dimensions.
func StaticValueInfo(name string, dims ...int64) ValueInfoProto {
	shape := &TensorShapeProto{}
	for _, d := range dims {
		shape.Dims = append(shape.Dims, Dimension{DimValue: d})
	}
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: TensorProtoFloat, Shape: shape}},
	}
}
