package onnx

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/x448/float16"
)

// ElemSize returns the byte width of fixed-width data types, or 0.
func ElemSize(dataType int32) int {
	switch dataType {
	case TensorProtoUint8, TensorProtoInt8, TensorProtoBool:
		return 1
	case TensorProtoUint16, TensorProtoInt16, TensorProtoFloat16, TensorProtoBfloat16:
		return 2
	case TensorProtoFloat, TensorProtoInt32, TensorProtoUint32:
		return 4
	case TensorProtoInt64, TensorProtoDouble, TensorProtoUint64:
		return 8
	default:
		return 0
	}
}

// NumElements returns the product of the tensor dimensions. A scalar has one
// element.
func (t *TensorProto) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// IsExternal reports whether the tensor payload lives outside the model file.
func (t *TensorProto) IsExternal() bool {
	return t.DataLocation == DataLocationExternal || len(t.ExternalData) > 0
}

// ExternalRef is the location of an externally stored tensor payload.
type ExternalRef struct {
	Location string
	Offset   int64
	Length   int64
}

// External parses the external_data entries of a tensor.
func (t *TensorProto) External() (ExternalRef, error) {
	var ref ExternalRef
	for _, entry := range t.ExternalData {
		switch entry.Key {
		case "location":
			ref.Location = entry.Value
		case "offset":
			if entry.Value == "" {
				continue
			}
			v, err := strconv.ParseInt(entry.Value, 10, 64)
			if err != nil {
				return ref, fmt.Errorf("invalid offset value: %s", entry.Value)
			}
			ref.Offset = v
		case "length":
			if entry.Value == "" {
				continue
			}
			v, err := strconv.ParseInt(entry.Value, 10, 64)
			if err != nil {
				return ref, fmt.Errorf("invalid length value: %s", entry.Value)
			}
			ref.Length = v
		}
	}
	if ref.Location == "" {
		return ref, fmt.Errorf("external data location not specified")
	}
	return ref, nil
}

// LoadExternalData reads an externally stored payload. Relative locations are
// resolved against the directory of modelPath.
func (t *TensorProto) LoadExternalData(modelPath string) ([]byte, error) {
	ref, err := t.External()
	if err != nil {
		return nil, err
	}
	path := ref.Location
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(modelPath), path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open external data file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if ref.Offset > 0 {
		if _, err := f.Seek(ref.Offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek to offset %d: %w", ref.Offset, err)
		}
	}
	if ref.Length > 0 {
		data := make([]byte, ref.Length)
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, fmt.Errorf("failed to read %d bytes from external file: %w", ref.Length, err)
		}
		return data, nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read external data file: %w", err)
	}
	return data, nil
}

// Int64s returns the values of an INT64 or INT32 tensor.
func (t *TensorProto) Int64s() ([]int64, error) {
	switch t.DataType {
	case TensorProtoInt64, TensorProtoInt32:
	default:
		return nil, fmt.Errorf("tensor is not of type INT64 or INT32, but %s", DataTypeName(t.DataType))
	}
	if len(t.Int64Data) > 0 {
		return t.Int64Data, nil
	}
	if len(t.Int32Data) > 0 {
		out := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			out[i] = int64(v)
		}
		return out, nil
	}
	raw := t.RawData
	if t.DataType == TensorProtoInt64 {
		if len(raw)%8 != 0 {
			return nil, fmt.Errorf("raw_data length %d is not a multiple of 8 for INT64", len(raw))
		}
		out := make([]int64, len(raw)/8)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return out, nil
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("raw_data length %d is not a multiple of 4 for INT32", len(raw))
	}
	out := make([]int64, len(raw)/4)
	for i := range out {
		out[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return out, nil
}

// Float32s returns the values of a FLOAT, FLOAT16 or DOUBLE tensor as float32.
// External payloads must be passed in raw; pass nil to use the inline data.
func (t *TensorProto) Float32s(raw []byte) ([]float32, error) {
	if raw == nil {
		raw = t.RawData
	}
	switch t.DataType {
	case TensorProtoFloat:
		if len(t.FloatData) > 0 {
			return t.FloatData, nil
		}
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("raw_data length %d is not a multiple of 4 for FLOAT", len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case TensorProtoFloat16:
		if len(raw) == 0 && len(t.Int32Data) > 0 {
			// float16 payloads without raw_data are stored as bit patterns in int32_data.
			out := make([]float32, len(t.Int32Data))
			for i, bits := range t.Int32Data {
				out[i] = float16.Frombits(uint16(bits)).Float32()
			}
			return out, nil
		}
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("raw_data length %d is not a multiple of 2 for FLOAT16", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case TensorProtoDouble:
		if len(t.DoubleData) > 0 {
			out := make([]float32, len(t.DoubleData))
			for i, v := range t.DoubleData {
				out[i] = float32(v)
			}
			return out, nil
		}
		if len(raw)%8 != 0 {
			return nil, fmt.Errorf("raw_data length %d is not a multiple of 8 for DOUBLE", len(raw))
		}
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor is not a floating point type, but %s", DataTypeName(t.DataType))
	}
}
