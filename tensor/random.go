package tensor

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/ollama/diffusion/device"
)

var ErrGeneratorCount = errors.New("generator count does not match batch size")

// Generator is a seeded random stream. Drawing from it advances its state.
type Generator struct {
	seed uint64
	rng  *rand.Rand
}

// NewGenerator returns a generator seeded with seed.
func NewGenerator(seed uint64) *Generator {
	g := &Generator{seed: seed}
	g.Reset()
	return g
}

// Generators returns one generator per seed.
func Generators(seeds ...uint64) []*Generator {
	gens := make([]*Generator, len(seeds))
	for i, s := range seeds {
		gens[i] = NewGenerator(s)
	}
	return gens
}

func (g *Generator) Seed() uint64 { return g.seed }

// Reset rewinds the stream to its seed.
func (g *Generator) Reset() {
	g.rng = rand.New(rand.NewPCG(g.seed, g.seed^0x9e3779b97f4a7c15))
}

func (g *Generator) NormFloat32() float32 {
	return float32(g.rng.NormFloat64())
}

func (g *Generator) IntN(n int) int {
	return g.rng.IntN(n)
}

// Randn draws standard normal values of the given shape. With no generator an
// unseeded stream is used, a single generator is shared across the batch and
// otherwise there must be exactly one generator per batch element.
func Randn(shape Shape, gens []*Generator, dtype DType, dev device.Device) (*Tensor, error) {
	t := Zeros(shape, dtype, dev)

	switch len(gens) {
	case 0:
		fill(t.data, NewGenerator(rand.Uint64()))
	case 1:
		fill(t.data, gens[0])
	default:
		if len(shape) == 0 || len(gens) != shape[0] {
			return nil, fmt.Errorf("%w: %d generators for batch size %d", ErrGeneratorCount, len(gens), firstDim(shape))
		}
		for i, g := range gens {
			fill(t.Batch(i), g)
		}
	}

	t.round()
	return t, nil
}

func fill(data []float32, g *Generator) {
	for i := range data {
		data[i] = g.NormFloat32()
	}
}

func firstDim(s Shape) int {
	if len(s) == 0 {
		return 0
	}
	return s[0]
}
