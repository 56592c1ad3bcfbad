package raster

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DType is a pixel sample type. Samples are stored little-endian.
type DType string

const (
	Uint8   DType = "uint8"
	Int8    DType = "int8"
	Uint16  DType = "uint16"
	Int16   DType = "int16"
	Uint32  DType = "uint32"
	Int32   DType = "int32"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// ParseDType accepts the canonical names plus a few common aliases.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8", "byte", "u8":
		return Uint8, nil
	case "int8", "i8":
		return Int8, nil
	case "uint16", "u16":
		return Uint16, nil
	case "int16", "i16":
		return Int16, nil
	case "uint32", "u32":
		return Uint32, nil
	case "int32", "i32":
		return Int32, nil
	case "float32", "f32", "float":
		return Float32, nil
	case "float64", "f64", "double":
		return Float64, nil
	}
	return "", fmt.Errorf("raster: unknown dtype %q", s)
}

// Size is the number of bytes per sample.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Signed reports whether the type holds negative integers.
func (d DType) Signed() bool {
	return d == Int8 || d == Int16 || d == Int32
}

// Float reports whether the type is floating point.
func (d DType) Float() bool {
	return d == Float32 || d == Float64
}

// Get decodes one sample.
func (d DType) Get(b []byte) float64 {
	switch d {
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return 0
}

// Put encodes v into one sample, saturating integers at the type bounds.
func (d DType) Put(b []byte, v float64) {
	switch d {
	case Uint8:
		b[0] = uint8(clamp(v, 0, math.MaxUint8))
	case Int8:
		b[0] = uint8(int8(clamp(v, math.MinInt8, math.MaxInt8)))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(clamp(v, 0, math.MaxUint16)))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(clamp(v, 0, math.MaxUint32)))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return math.Round(v)
}

// CommonDType returns the smallest type able to hold every value of the given types.
func CommonDType(types ...DType) DType {
	if len(types) == 0 {
		return Uint8
	}
	var (
		maxUnsigned, maxSigned, maxFloat int
	)
	for _, t := range types {
		switch {
		case t.Float():
			maxFloat = max(maxFloat, t.Size())
		case t.Signed():
			maxSigned = max(maxSigned, t.Size())
		default:
			maxUnsigned = max(maxUnsigned, t.Size())
		}
	}
	if maxFloat > 0 {
		if maxFloat == 8 || maxSigned >= 4 || maxUnsigned >= 4 {
			return Float64
		}
		return Float32
	}
	if maxSigned == 0 {
		return unsignedOfSize(maxUnsigned)
	}
	if maxUnsigned == 0 {
		return signedOfSize(maxSigned)
	}
	// a signed type must be strictly wider than the widest unsigned one
	need := max(maxSigned, maxUnsigned*2)
	if need > 4 {
		return Float64
	}
	return signedOfSize(need)
}

func unsignedOfSize(n int) DType {
	switch n {
	case 1:
		return Uint8
	case 2:
		return Uint16
	}
	return Uint32
}

func signedOfSize(n int) DType {
	switch n {
	case 1:
		return Int8
	case 2:
		return Int16
	}
	return Int32
}
