package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/diffusion/device"
)

func TestNewShapeMismatch(t *testing.T) {
	_, err := FromSlice(Shape{2, 2}, []float32{1, 2, 3})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestDTypeRounding(t *testing.T) {
	x := float32(1.0001)
	assert.Equal(t, x, Float32.Round(x))
	assert.Equal(t, float32(1), Float16.Round(x))
	assert.Equal(t, float32(1), BFloat16.Round(x))

	// bfloat16 hat nur 8 Bit Mantisse
	assert.Equal(t, float32(256), BFloat16.Round(257))
	assert.Equal(t, float32(257), Float16.Round(257))
}

func TestParseDType(t *testing.T) {
	for in, want := range map[string]DType{"": Float32, "fp16": Float16, "bf16": BFloat16, "float32": Float32} {
		got, err := ParseDType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDType("int4")
	assert.Error(t, err)
}

func TestToReturnsSameTensor(t *testing.T) {
	x := Full(Shape{1, 2}, 0.5, Float32, device.CPU)
	assert.Same(t, x, x.To(device.CPU, Float32))

	y := x.To(device.Device{Type: device.TypeVirtual}, Float16)
	assert.NotSame(t, x, y)
	assert.Equal(t, Float16, y.DType())
	assert.Equal(t, []float32{0.5, 0.5}, y.Data())

	m := x.To(device.Meta, Float32)
	assert.Nil(t, m.Data())
	assert.Equal(t, Shape{1, 2}, m.Shape())
	assert.Equal(t, []float32{0, 0}, m.To(device.CPU, Float32).Data())
}

func TestElementwise(t *testing.T) {
	a, err := FromSlice(Shape{4}, []float32{-2, -0.5, 0.5, 2})
	require.NoError(t, err)
	b := Full(Shape{4}, 1, Float32, device.CPU)

	sum, err := a.AddScaled(b, 2)
	require.NoError(t, err)
	if diff := cmp.Diff([]float32{0, 1.5, 2.5, 4}, sum.Data()); diff != "" {
		t.Errorf("AddScaled mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{-1, -0.5, 0.5, 1}, a.Clamp(-1, 1).Data()); diff != "" {
		t.Errorf("Clamp mismatch (-want +got):\n%s", diff)
	}

	_, err = a.Add(Zeros(Shape{2}, Float32, device.CPU))
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestEqualIsBitwise(t *testing.T) {
	a := Full(Shape{1}, 0, Float32, device.CPU)
	b := Full(Shape{1}, float32(math.Copysign(0, -1)), Float32, device.CPU)
	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(a.Clone()))
}

func TestRandnSeeded(t *testing.T) {
	shape := Shape{2, 3, 4, 4}

	a, err := Randn(shape, Generators(7), Float32, device.CPU)
	require.NoError(t, err)
	b, err := Randn(shape, Generators(7), Float32, device.CPU)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	c, err := Randn(shape, Generators(8), Float32, device.CPU)
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
}

func TestRandnPerElement(t *testing.T) {
	shape := Shape{2, 1, 2, 2}

	both, err := Randn(shape, Generators(1, 2), Float32, device.CPU)
	require.NoError(t, err)

	first, err := Randn(Shape{1, 1, 2, 2}, Generators(1), Float32, device.CPU)
	require.NoError(t, err)
	second, err := Randn(Shape{1, 1, 2, 2}, Generators(2), Float32, device.CPU)
	require.NoError(t, err)

	assert.Equal(t, first.Data(), both.Batch(0))
	assert.Equal(t, second.Data(), both.Batch(1))
}

func TestRandnGeneratorCount(t *testing.T) {
	for batch := 1; batch <= 4; batch++ {
		for n := 2; n <= 5; n++ {
			if n == batch {
				continue
			}
			_, err := Randn(Shape{batch, 3, 2, 2}, Generators(make([]uint64, n)...), Float32, device.CPU)
			assert.True(t, errors.Is(err, ErrGeneratorCount), "batch=%d generators=%d", batch, n)
		}
	}
}

func TestPermuteNHWC(t *testing.T) {
	// (1, 2, 1, 2): Kanal 0 = [1 2], Kanal 1 = [3 4]
	x, err := FromSlice(Shape{1, 2, 1, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	y, err := PermuteNHWC(x)
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 1, 2, 2}, y.Shape())
	assert.Equal(t, []float32{1, 3, 2, 4}, y.Data())

	// Original bleibt unveraendert
	assert.Equal(t, []float32{1, 2, 3, 4}, x.Data())
}
