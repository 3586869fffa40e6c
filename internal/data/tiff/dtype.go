package tiff

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType is the scalar type of the samples stored in a page.
type DType uint8

const (
	Invalid DType = iota
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
)

// SampleFormat tag values.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
}

// String returns the numpy-style name of the type.
func (d DType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return "invalid"
}

// ParseDType is the inverse of String.
func ParseDType(s string) (DType, error) {
	for d, name := range dtypeNames {
		if name == s {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}

// Size returns the number of bytes of one sample.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	default:
		return 0
	}
}

// Bits returns the bit depth of one sample.
func (d DType) Bits() int { return d.Size() * 8 }

// IsFloat reports whether d is a floating point type.
func (d DType) IsFloat() bool { return d == Float32 || d == Float64 }

func (d DType) sampleFormat() uint16 {
	switch d {
	case Float32, Float64:
		return sampleFormatFloat
	case Int8, Int16, Int32, Int64:
		return sampleFormatInt
	default:
		return sampleFormatUint
	}
}

// dtypeFor maps a SampleFormat/BitsPerSample pair to a DType.
func dtypeFor(format, bits int) (DType, error) {
	switch format {
	case 0, sampleFormatUint, 4: // 4 = "undefined", read as unsigned
		switch bits {
		case 8:
			return Uint8, nil
		case 16:
			return Uint16, nil
		case 32:
			return Uint32, nil
		case 64:
			return Uint64, nil
		}
	case sampleFormatInt:
		switch bits {
		case 8:
			return Int8, nil
		case 16:
			return Int16, nil
		case 32:
			return Int32, nil
		case 64:
			return Int64, nil
		}
	case sampleFormatFloat:
		switch bits {
		case 32:
			return Float32, nil
		case 64:
			return Float64, nil
		}
	}
	return Invalid, fmt.Errorf("unsupported sample format %d with %d bits per sample", format, bits)
}

// decodeSamples appends the samples in src, converted to float64, to dst.
// len(src) must be a multiple of d.Size().
func (d DType) decodeSamples(order binary.ByteOrder, src []byte, dst []float64) []float64 {
	switch d {
	case Uint8:
		for _, b := range src {
			dst = append(dst, float64(b))
		}
	case Int8:
		for _, b := range src {
			dst = append(dst, float64(int8(b)))
		}
	case Uint16:
		for i := 0; i+2 <= len(src); i += 2 {
			dst = append(dst, float64(order.Uint16(src[i:])))
		}
	case Int16:
		for i := 0; i+2 <= len(src); i += 2 {
			dst = append(dst, float64(int16(order.Uint16(src[i:]))))
		}
	case Uint32:
		for i := 0; i+4 <= len(src); i += 4 {
			dst = append(dst, float64(order.Uint32(src[i:])))
		}
	case Int32:
		for i := 0; i+4 <= len(src); i += 4 {
			dst = append(dst, float64(int32(order.Uint32(src[i:]))))
		}
	case Float32:
		for i := 0; i+4 <= len(src); i += 4 {
			dst = append(dst, float64(math.Float32frombits(order.Uint32(src[i:]))))
		}
	case Uint64:
		for i := 0; i+8 <= len(src); i += 8 {
			dst = append(dst, float64(order.Uint64(src[i:])))
		}
	case Int64:
		for i := 0; i+8 <= len(src); i += 8 {
			dst = append(dst, float64(int64(order.Uint64(src[i:]))))
		}
	case Float64:
		for i := 0; i+8 <= len(src); i += 8 {
			dst = append(dst, math.Float64frombits(order.Uint64(src[i:])))
		}
	}
	return dst
}

// encodeSamples writes src into dst (len(dst) == len(src)*d.Size()).
// Integer targets are rounded and saturated to the type's range.
func (d DType) encodeSamples(order binary.ByteOrder, src []float64, dst []byte) {
	switch d {
	case Uint8:
		for i, v := range src {
			dst[i] = uint8(saturate(v, 0, math.MaxUint8))
		}
	case Int8:
		for i, v := range src {
			dst[i] = uint8(int8(saturate(v, math.MinInt8, math.MaxInt8)))
		}
	case Uint16:
		for i, v := range src {
			order.PutUint16(dst[i*2:], uint16(saturate(v, 0, math.MaxUint16)))
		}
	case Int16:
		for i, v := range src {
			order.PutUint16(dst[i*2:], uint16(int16(saturate(v, math.MinInt16, math.MaxInt16))))
		}
	case Uint32:
		for i, v := range src {
			order.PutUint32(dst[i*4:], uint32(saturate(v, 0, math.MaxUint32)))
		}
	case Int32:
		for i, v := range src {
			order.PutUint32(dst[i*4:], uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
		}
	case Float32:
		for i, v := range src {
			order.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
		}
	case Uint64:
		for i, v := range src {
			order.PutUint64(dst[i*8:], toUint64(v))
		}
	case Int64:
		for i, v := range src {
			order.PutUint64(dst[i*8:], uint64(toInt64(v)))
		}
	case Float64:
		for i, v := range src {
			order.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	}
}

func saturate(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v >= hi {
		return hi
	}
	return v
}

// 64-bit targets cannot be saturated through float64 because their maxima are
// not representable.
func toUint64(v float64) uint64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 1<<64 {
		return math.MaxUint64
	}
	return uint64(math.Round(v))
}

func toInt64(v float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	if v >= 1<<63 {
		return math.MaxInt64
	}
	if v <= -1<<63 {
		return math.MinInt64
	}
	return int64(math.Round(v))
}
