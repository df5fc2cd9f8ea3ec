// Package codec converts raw Modbus register words into typed engineering
// values and back. Word and byte arrangement, sign interpretation and scaling
// are driven entirely by the per-parameter configuration.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/shopspring/decimal"

	"fieldgate/internal/fault"
)

// DataType is the closed set of supported register value types.
type DataType string

const (
	Int16   DataType = "int16"
	UInt16  DataType = "uint16"
	Int32   DataType = "int32"
	UInt32  DataType = "uint32"
	Float32 DataType = "float32"
)

// ByteOrder names the arrangement of the bytes composing a value. 1-word
// types use AB/BA, 2-word types use ABCD/BADC/CDAB/DCBA.
type ByteOrder string

const (
	OrderAB   ByteOrder = "AB"
	OrderBA   ByteOrder = "BA"
	OrderABCD ByteOrder = "ABCD"
	OrderBADC ByteOrder = "BADC"
	OrderCDAB ByteOrder = "CDAB"
	OrderDCBA ByteOrder = "DCBA"
)

// WordCount returns the number of 16-bit registers occupied by the data type.
func WordCount(dt DataType) (int, error) {
	switch dt {
	case Int16, UInt16:
		return 1, nil
	case Int32, UInt32, Float32:
		return 2, nil
	default:
		return 0, fault.New(fault.KindConfiguration, "unsupported data type %q", dt)
	}
}

// DefaultOrder returns the byte order assumed when a definition omits one.
func DefaultOrder(dt DataType) ByteOrder {
	if words, err := WordCount(dt); err == nil && words == 2 {
		return OrderABCD
	}
	return OrderAB
}

// ValidateOrder rejects byte orders outside the word-count-appropriate subset.
// An incompatible pair is a configuration fault, never a runtime guess.
func ValidateOrder(dt DataType, order ByteOrder) error {
	words, err := WordCount(dt)
	if err != nil {
		return err
	}
	switch words {
	case 1:
		if order == OrderAB || order == OrderBA {
			return nil
		}
	case 2:
		if order == OrderABCD || order == OrderBADC || order == OrderCDAB || order == OrderDCBA {
			return nil
		}
	}
	return fault.New(fault.KindConfiguration, "byte order %q not valid for data type %q", order, dt)
}

// reorder maps wire bytes to canonical big-endian bytes. Every supported
// arrangement is an involution, so the same mapping serves encode and decode.
func reorder(raw []byte, order ByteOrder) []byte {
	out := make([]byte, len(raw))
	switch order {
	case OrderAB, OrderABCD:
		copy(out, raw)
	case OrderBA, OrderBADC:
		for i := 0; i+1 < len(raw); i += 2 {
			out[i], out[i+1] = raw[i+1], raw[i]
		}
	case OrderCDAB:
		copy(out[0:2], raw[2:4])
		copy(out[2:4], raw[0:2])
	case OrderDCBA:
		for i := range raw {
			out[i] = raw[len(raw)-1-i]
		}
	default:
		copy(out, raw)
	}
	return out
}

// Decode reorders the raw register bytes, interprets them per the data type
// and returns the scaled value rounded to the configured decimal precision.
func Decode(raw []byte, dt DataType, order ByteOrder, scale float64, decimals int32) (float64, error) {
	words, err := WordCount(dt)
	if err != nil {
		return 0, err
	}
	if err := ValidateOrder(dt, order); err != nil {
		return 0, err
	}
	need := words * 2
	if len(raw) < need {
		return 0, fault.New(fault.KindDecode, "short buffer: need %d bytes for %s, have %d", need, dt, len(raw))
	}
	canonical := reorder(raw[:need], order)

	var value float64
	switch dt {
	case Int16:
		value = float64(int16(binary.BigEndian.Uint16(canonical)))
	case UInt16:
		value = float64(binary.BigEndian.Uint16(canonical))
	case Int32:
		value = float64(int32(binary.BigEndian.Uint32(canonical)))
	case UInt32:
		value = float64(binary.BigEndian.Uint32(canonical))
	case Float32:
		bits := binary.BigEndian.Uint32(canonical)
		f := math.Float32frombits(bits)
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return 0, fault.New(fault.KindDecode, "float32 payload is %v", f)
		}
		value = float64(f)
	}
	return applyScale(value, scale, decimals), nil
}

// ScaleValue applies scaling and decimal rounding to an already decoded
// number. Bit-valued register classes use this directly without a word codec.
func ScaleValue(value, scale float64, decimals int32) float64 {
	return applyScale(value, scale, decimals)
}

func applyScale(value, scale float64, decimals int32) float64 {
	if scale == 0 {
		scale = 1
	}
	scaled := decimal.NewFromFloat(value).Div(decimal.NewFromFloat(scale))
	if decimals >= 0 {
		scaled = scaled.Round(decimals)
	}
	result, _ := scaled.Float64()
	return result
}

// Encode is the inverse of Decode: the engineering value is multiplied by the
// scaling factor, range-checked against the data type and laid out in the
// requested byte order. The result always has the data type's word count.
func Encode(value float64, dt DataType, order ByteOrder, scale float64) ([]uint16, error) {
	words, err := WordCount(dt)
	if err != nil {
		return nil, err
	}
	if err := ValidateOrder(dt, order); err != nil {
		return nil, err
	}
	if scale == 0 {
		scale = 1
	}
	raw := value * scale

	canonical := make([]byte, words*2)
	switch dt {
	case Int16:
		n := math.Round(raw)
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fault.New(fault.KindConfiguration, "value %v out of range for int16", value)
		}
		binary.BigEndian.PutUint16(canonical, uint16(int16(n)))
	case UInt16:
		n := math.Round(raw)
		if n < 0 || n > math.MaxUint16 {
			return nil, fault.New(fault.KindConfiguration, "value %v out of range for uint16", value)
		}
		binary.BigEndian.PutUint16(canonical, uint16(n))
	case Int32:
		n := math.Round(raw)
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fault.New(fault.KindConfiguration, "value %v out of range for int32", value)
		}
		binary.BigEndian.PutUint32(canonical, uint32(int32(n)))
	case UInt32:
		n := math.Round(raw)
		if n < 0 || n > math.MaxUint32 {
			return nil, fault.New(fault.KindConfiguration, "value %v out of range for uint32", value)
		}
		binary.BigEndian.PutUint32(canonical, uint32(n))
	case Float32:
		if math.Abs(raw) > math.MaxFloat32 {
			return nil, fault.New(fault.KindConfiguration, "value %v out of range for float32", value)
		}
		binary.BigEndian.PutUint32(canonical, math.Float32bits(float32(raw)))
	}

	wire := reorder(canonical, order)
	out := make([]uint16, words)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(wire[i*2:])
	}
	return out, nil
}

// Bytes flattens register words into the big-endian payload expected by
// multi-register write calls.
func Bytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(out[i*2:], w)
	}
	return out
}
