package tensor

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout, protobuf-compatible:
//
//	message Tensor     { repeated int64 shape = 1 [packed]; repeated double data = 2 [packed]; }
//	message TensorList { repeated Tensor items = 1; }
//	message Doubles    { repeated double values = 1 [packed]; }
const (
	fieldShape protowire.Number = 1
	fieldData  protowire.Number = 2
	fieldItems protowire.Number = 1
)

// AppendDoubles appends vs as a packed repeated double field.
func AppendDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// AppendInts appends vs as a packed repeated int64 field.
func AppendInts(b []byte, num protowire.Number, vs []int) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// ParseDoubles decodes the payload of a packed double field.
func ParseDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, errors.Errorf("packed doubles: %d bytes is not a multiple of 8", len(b))
	}
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float64frombits(v))
		b = b[n:]
	}
	return out, nil
}

// ParseInts decodes the payload of a packed int64 field.
func ParseInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(int64(v)))
		b = b[n:]
	}
	return out, nil
}

// Fields walks a protobuf message, calling fn for every field. For bytes
// fields val is the payload; for varint and fixed64 fields raw holds the value.
func Fields(b []byte, fn func(num protowire.Number, typ protowire.Type, val []byte, raw uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var (
			val []byte
			raw uint64
		)
		switch typ {
		case protowire.BytesType:
			val, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			raw, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			raw, n = protowire.ConsumeFixed64(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, val, raw); err != nil {
			return err
		}
	}
	return nil
}

// MarshalTensor encodes t as a Tensor message.
func MarshalTensor(t *Tensor) []byte {
	b := AppendInts(nil, fieldShape, t.Shape)
	return AppendDoubles(b, fieldData, t.Data)
}

// UnmarshalTensor decodes a Tensor message.
func UnmarshalTensor(b []byte) (*Tensor, error) {
	var (
		shape []int
		data  []float64
	)
	err := Fields(b, func(num protowire.Number, typ protowire.Type, val []byte, _ uint64) error {
		var err error
		switch {
		case num == fieldShape && typ == protowire.BytesType:
			shape, err = ParseInts(val)
		case num == fieldData && typ == protowire.BytesType:
			data, err = ParseDoubles(val)
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decoding tensor")
	}
	if data == nil {
		data = []float64{}
	}
	return New(shape, data)
}

// MarshalTensors encodes a TensorList message.
func MarshalTensors(ts []*Tensor) []byte {
	var b []byte
	for _, t := range ts {
		b = protowire.AppendTag(b, fieldItems, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalTensor(t))
	}
	return b
}

// UnmarshalTensors decodes a TensorList message.
func UnmarshalTensors(b []byte) ([]*Tensor, error) {
	var ts []*Tensor
	err := Fields(b, func(num protowire.Number, typ protowire.Type, val []byte, _ uint64) error {
		if num != fieldItems || typ != protowire.BytesType {
			return nil
		}
		t, err := UnmarshalTensor(val)
		if err != nil {
			return err
		}
		ts = append(ts, t)
		return nil
	})
	return ts, err
}

// MarshalFloats encodes a Doubles message.
func MarshalFloats(vs []float64) []byte {
	return AppendDoubles(nil, fieldItems, vs)
}

// UnmarshalFloats decodes a Doubles message.
func UnmarshalFloats(b []byte) ([]float64, error) {
	var out []float64
	err := Fields(b, func(num protowire.Number, typ protowire.Type, val []byte, _ uint64) error {
		if num != fieldItems || typ != protowire.BytesType {
			return nil
		}
		vs, err := ParseDoubles(val)
		out = append(out, vs...)
		return err
	})
	return out, err
}
