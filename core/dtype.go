package core

import "fmt"

// DType represents the data type of tensor elements.
type DType uint8

const (
	Float32 DType = iota
	Float64
	Int32
	Int64
)

// Size returns the byte size of one element.
func (d DType) Size() uintptr {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		panic(fmt.Sprintf("unknown dtype: %d", d))
	}
}

func (d DType) String() string {
	names := [...]string{"float32", "float64", "int32", "int64"}
	if int(d) < len(names) {
		return names[d]
	}
	return fmt.Sprintf("dtype(%d)", d)
}

// IsFloat returns true for floating point types.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}
