package tensor

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the storage precision of a tensor. Values are kept as float32 but
// rounded to the tagged precision whenever they are written.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size is the number of bytes a single element occupies.
func (d DType) Size() uint64 {
	switch d {
	case Float16, BFloat16:
		return 2
	default:
		return 4
	}
}

// Round rounds x to the precision of d.
func (d DType) Round(x float32) float32 {
	switch d {
	case Float16:
		return float16.Fromfloat32(x).Float32()
	case BFloat16:
		return bfloat16.DecodeFloat32(bfloat16.EncodeFloat32([]float32{x}))[0]
	default:
		return x
	}
}

// ParseDType accepts the usual spellings ("f32", "fp16", "bf16", "float32", ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32", "float32":
		return Float32, nil
	case "f16", "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
