// Package types describes the value kinds the register pool knows how to materialize.
package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the closed set of value kinds. Every switch over Kind must handle all of them.
type Kind byte

const (
	// KindDynamic is a type that an earlier compiler stage failed to resolve.
	KindDynamic Kind = iota
	KindInteger
	KindFloat
	KindDouble
	KindPointer
	KindBlock
	// KindSpan is a fixed size array of a scalar kind, passed around by pointer.
	KindSpan
)

func (k Kind) String() (ret string) {
	switch k {
	case KindDynamic:
		ret = "dynamic"
	case KindInteger:
		ret = "int"
	case KindFloat:
		ret = "float"
	case KindDouble:
		ret = "double"
	case KindPointer:
		ret = "pointer"
	case KindBlock:
		ret = "block"
	case KindSpan:
		ret = "span"
	default:
		ret = fmt.Sprintf("kind(%d)", byte(k))
	}
	return
}

// Type is a declared value type.
type Type struct {
	Kind Kind
	// Elem and Len are only set for KindSpan.
	Elem Kind
	Len  int
}

var (
	Dynamic = Type{Kind: KindDynamic}
	Integer = Type{Kind: KindInteger}
	Float   = Type{Kind: KindFloat}
	Double  = Type{Kind: KindDouble}
	Pointer = Type{Kind: KindPointer}
	Block   = Type{Kind: KindBlock}
)

// Span returns the type of a fixed size array of n elements of the scalar kind elem.
func Span(elem Kind, n int) Type {
	return Type{Kind: KindSpan, Elem: elem, Len: n}
}

// IsResolved returns false for types that never got a concrete kind.
func (t Type) IsResolved() bool {
	return t.Kind != KindDynamic
}

// RegisterKind is the kind a value of this type has once it sits in a register.
// Complex types live behind a pointer.
func (t Type) RegisterKind() Kind {
	switch t.Kind {
	case KindDynamic, KindInteger, KindFloat, KindDouble, KindPointer, KindBlock:
		return t.Kind
	case KindSpan:
		return KindPointer
	default:
		panic(fmt.Sprintf("BUG: unknown type kind %d", byte(t.Kind)))
	}
}

// IsSimd4Float returns true for span<float, 4>, the only vector shape the target supports.
func (t Type) IsSimd4Float() bool {
	return t.Kind == KindSpan && t.Elem == KindFloat && t.Len == 4
}

// Size returns the number of bytes a value of this type occupies in memory.
func (t Type) Size() int {
	switch t.Kind {
	case KindDynamic:
		return 0
	case KindInteger, KindFloat:
		return 4
	case KindDouble, KindPointer, KindBlock:
		return 8
	case KindSpan:
		return Type{Kind: t.Elem}.Size() * t.Len
	default:
		panic(fmt.Sprintf("BUG: unknown type kind %d", byte(t.Kind)))
	}
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t.Kind == KindSpan {
		return fmt.Sprintf("span<%s,%d>", t.Elem, t.Len)
	}
	return t.Kind.String()
}

// Parse returns the type spelled as by Type.String.
func Parse(s string) (Type, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "int", "integer":
		return Integer, nil
	case "float":
		return Float, nil
	case "double":
		return Double, nil
	case "pointer":
		return Pointer, nil
	case "block":
		return Block, nil
	}
	if strings.HasPrefix(s, "span<") && strings.HasSuffix(s, ">") {
		args := strings.Split(s[len("span<"):len(s)-1], ",")
		if len(args) == 2 {
			elem, err := Parse(args[0])
			if err != nil {
				return Dynamic, err
			}
			n, err := strconv.Atoi(strings.TrimSpace(args[1]))
			if err != nil || n <= 0 {
				return Dynamic, fmt.Errorf("invalid span length in %q", s)
			}
			if elem.Kind == KindSpan {
				return Dynamic, fmt.Errorf("nested span %q", s)
			}
			return Span(elem.Kind, n), nil
		}
	}
	return Dynamic, fmt.Errorf("unknown type %q", s)
}

// Value is a compile-time-known scalar.
type Value struct {
	kind Kind
	bits uint64
}

func IntValue(v int64) Value     { return Value{kind: KindInteger, bits: uint64(v)} }
func FloatValue(v float32) Value { return Value{kind: KindFloat, bits: uint64(math.Float32bits(v))} }
func DoubleValue(v float64) Value {
	return Value{kind: KindDouble, bits: math.Float64bits(v)}
}

// BlockValue holds a 64-bit opaque value such as an address.
func BlockValue(v uint64) Value { return Value{kind: KindBlock, bits: v} }

// ValueOf converts v to a Value of the scalar type t.
func ValueOf(t Type, v float64) (Value, error) {
	switch t.RegisterKind() {
	case KindInteger:
		if math.IsNaN(v) || v < math.MinInt32 || v > math.MaxInt32 {
			return Value{}, fmt.Errorf("%v out of range for %s", v, t)
		}
		return IntValue(int64(v)), nil
	case KindFloat:
		return FloatValue(float32(v)), nil
	case KindDouble:
		return DoubleValue(v), nil
	case KindBlock:
		if math.IsNaN(v) || v < 0 || v >= math.MaxUint64 {
			return Value{}, fmt.Errorf("%v out of range for %s", v, t)
		}
		return BlockValue(uint64(v)), nil
	case KindDynamic, KindPointer:
		return Value{}, fmt.Errorf("no scalar value for type %s", t)
	default:
		panic(fmt.Sprintf("BUG: unknown type kind %d", byte(t.Kind)))
	}
}

func (v Value) Kind() Kind       { return v.kind }
func (v Value) Int64() int64     { return int64(v.bits) }
func (v Value) Uint64() uint64   { return v.bits }
func (v Value) Float32() float32 { return math.Float32frombits(uint32(v.bits)) }
func (v Value) Float64() float64 { return math.Float64frombits(v.bits) }

// IsZero returns true if the value is the zero value of its kind.
func (v Value) IsZero() bool {
	switch v.kind {
	case KindFloat:
		return v.Float32() == 0
	case KindDouble:
		return v.Float64() == 0
	default:
		return v.bits == 0
	}
}

// Bytes returns the little endian in-memory representation of the value.
func (v Value) Bytes() []byte {
	switch v.kind {
	case KindInteger, KindFloat:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v.bits))
		return b
	default:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v.bits)
		return b
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(float64(v.Float32()), 'g', -1, 32)
	case KindDouble:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	default:
		return strconv.FormatInt(v.Int64(), 10)
	}
}
