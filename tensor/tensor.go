// Package tensor is a small dense float32 container used by the pipeline,
// the schedulers and the reference denoisers. It knows its shape, its storage
// precision and the device it is resident on. It is not a general tensor
// library and has no autograd.
package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ollama/diffusion/device"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Shape lists the extent of every dimension, outermost first.
type Shape []int

// Numel returns the number of elements described by s.
func (s Shape) Numel() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(o Shape) bool {
	return slices.Equal(s, o)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

type Tensor struct {
	shape Shape
	dtype DType
	dev   device.Device
	data  []float32
}

// New wraps data with the given shape. The values are rounded to dtype.
func New(shape Shape, data []float32, dtype DType, dev device.Device) (*Tensor, error) {
	if shape.Numel() != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}

	t := &Tensor{shape: slices.Clone(shape), dtype: dtype, dev: dev, data: data}
	t.round()
	return t, nil
}

// FromSlice is New with float32 on the host.
func FromSlice(shape Shape, data []float32) (*Tensor, error) {
	return New(shape, data, Float32, device.CPU)
}

func Zeros(shape Shape, dtype DType, dev device.Device) *Tensor {
	return &Tensor{shape: slices.Clone(shape), dtype: dtype, dev: dev, data: make([]float32, shape.Numel())}
}

func Full(shape Shape, v float32, dtype DType, dev device.Device) *Tensor {
	t := Zeros(shape, dtype, dev)
	v = dtype.Round(v)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func (t *Tensor) Shape() Shape          { return slices.Clone(t.shape) }
func (t *Tensor) DType() DType          { return t.dtype }
func (t *Tensor) Device() device.Device { return t.dev }
func (t *Tensor) Numel() int            { return len(t.data) }

// Dim returns the extent of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Bytes is the storage footprint at the tagged precision.
func (t *Tensor) Bytes() uint64 {
	return uint64(t.shape.Numel()) * t.dtype.Size()
}

// Data exposes the backing slice. Callers must not modify it.
func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v %s %s", t.shape, t.dtype, t.dev)
}

func (t *Tensor) round() {
	if t.dtype == Float32 {
		return
	}
	for i, v := range t.data {
		t.data[i] = t.dtype.Round(v)
	}
}

func (t *Tensor) like(data []float32) *Tensor {
	out := &Tensor{shape: t.shape, dtype: t.dtype, dev: t.dev, data: data}
	out.round()
	return out
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), dtype: t.dtype, dev: t.dev, data: slices.Clone(t.data)}
}

// To returns t on dev at precision dtype. When nothing changes t itself is
// returned. Moving to the meta device drops the values; moving away from meta
// yields zeros.
func (t *Tensor) To(dev device.Device, dtype DType) *Tensor {
	if t.dev == dev && t.dtype == dtype {
		return t
	}

	out := &Tensor{shape: slices.Clone(t.shape), dtype: dtype, dev: dev}
	switch {
	case dev.Type == device.TypeMeta:
	case t.dev.Type == device.TypeMeta:
		out.data = make([]float32, t.shape.Numel())
	default:
		out.data = slices.Clone(t.data)
		if dtype != t.dtype {
			out.round()
		}
	}
	return out
}

// Reshape returns a tensor sharing the values of t with a new shape.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if shape.Numel() != t.shape.Numel() {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.shape, shape)
	}
	return &Tensor{shape: slices.Clone(shape), dtype: t.dtype, dev: t.dev, data: t.data}, nil
}

func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	data := make([]float32, len(t.data))
	for i, v := range t.data {
		data[i] = fn(v)
	}
	return t.like(data)
}

func (t *Tensor) Scale(s float32) *Tensor {
	return t.Map(func(v float32) float32 { return v * s })
}

func (t *Tensor) Clamp(lo, hi float32) *Tensor {
	return t.Map(func(v float32) float32 { return min(max(v, lo), hi) })
}

// AddScaled returns t + s*o.
func (t *Tensor) AddScaled(o *Tensor, s float32) (*Tensor, error) {
	if !t.shape.Equal(o.shape) {
		return nil, fmt.Errorf("%w: %v and %v", ErrShapeMismatch, t.shape, o.shape)
	}

	data := make([]float32, len(t.data))
	for i := range data {
		data[i] = t.data[i] + s*o.data[i]
	}
	return t.like(data), nil
}

func (t *Tensor) Add(o *Tensor) (*Tensor, error) {
	return t.AddScaled(o, 1)
}

// Equal reports whether t and o have the same shape, dtype and bit pattern.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil || t.dtype != o.dtype || !t.shape.Equal(o.shape) {
		return false
	}
	for i := range t.data {
		if math.Float32bits(t.data[i]) != math.Float32bits(o.data[i]) {
			return false
		}
	}
	return true
}

// Batch returns the values of batch element i of an (N, ...) tensor.
func (t *Tensor) Batch(i int) []float32 {
	n := len(t.data) / t.shape[0]
	return t.data[i*n : (i+1)*n]
}

// IntTensor holds integer class labels.
type IntTensor struct {
	shape Shape
	dev   device.Device
	data  []int64
}

func NewInt(data []int64, dev device.Device) *IntTensor {
	return &IntTensor{shape: Shape{len(data)}, dev: dev, data: slices.Clone(data)}
}

func (t *IntTensor) Shape() Shape          { return slices.Clone(t.shape) }
func (t *IntTensor) Device() device.Device { return t.dev }
func (t *IntTensor) Data() []int64         { return t.data }
func (t *IntTensor) Len() int              { return len(t.data) }

func (t *IntTensor) To(dev device.Device) *IntTensor {
	if t.dev == dev {
		return t
	}
	return &IntTensor{shape: slices.Clone(t.shape), dev: dev, data: slices.Clone(t.data)}
}
