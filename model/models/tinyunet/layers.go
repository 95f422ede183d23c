// layers.go - Bausteine des Referenz-Denoisers
// 1x1-Faltung, lineare Zeit-Projektion und Klassen-Embedding. Jeder
// Baustein ist ein eigenes Modul, damit Offload-Hooks pro Baustein greifen.
package tinyunet

import (
	"fmt"
	"math"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/tensor"
)

func initWeights(g *tensor.Generator, shape tensor.Shape, fanIn int, opts model.Options) *tensor.Tensor {
	scale := float32(1 / math.Sqrt(float64(fanIn)))
	data := make([]float32, shape.Numel())
	for i := range data {
		data[i] = g.NormFloat32() * scale
	}
	t, _ := tensor.New(shape, data, opts.DType, opts.Device)
	return t
}

// values returns the host-visible values of p after checking placement.
func values(p *nn.Parameter, dev device.Device) ([]float32, error) {
	v := p.Value
	if v.Device().Type == device.TypeMeta {
		return nil, fmt.Errorf("%w: parameter %s is on the meta device", model.ErrDeviceMismatch, p.Name)
	}
	if v.Device() != dev {
		return nil, fmt.Errorf("%w: parameter %s on %s, input on %s", model.ErrDeviceMismatch, p.Name, v.Device(), dev)
	}
	return v.Data(), nil
}

// conv1x1 mixes channels independently for every pixel.
type conv1x1 struct {
	nn.Base
	in, out      int
	weight, bias *nn.Parameter
}

func newConv1x1(name string, in, out int, g *tensor.Generator, opts model.Options) *conv1x1 {
	c := &conv1x1{Base: nn.NewBase(name), in: in, out: out}
	c.weight = c.AddParameter("weight", initWeights(g, tensor.Shape{out, in}, in, opts))
	c.bias = c.AddParameter("bias", tensor.Zeros(tensor.Shape{out}, opts.DType, opts.Device))
	return c
}

// forward maps x of (B, in, P) to (B, out, P), P being the pixel count.
func (c *conv1x1) forward(x []float32, batch, pixels int, dev device.Device) ([]float32, error) {
	return nn.Forward(c, func() ([]float32, error) {
		w, err := values(c.weight, dev)
		if err != nil {
			return nil, err
		}
		b, err := values(c.bias, dev)
		if err != nil {
			return nil, err
		}

		y := make([]float32, batch*c.out*pixels)
		for n := range batch {
			xn := x[n*c.in*pixels : (n+1)*c.in*pixels]
			yn := y[n*c.out*pixels : (n+1)*c.out*pixels]
			for o := range c.out {
				row := yn[o*pixels : (o+1)*pixels]
				for p := range row {
					row[p] = b[o]
				}
				for i := range c.in {
					wi := w[o*c.in+i]
					xi := xn[i*pixels : (i+1)*pixels]
					for p := range row {
						row[p] += wi * xi[p]
					}
				}
			}
		}
		return y, nil
	})
}

// timeEmbedding projects a sinusoidal encoding of t to the hidden width.
type timeEmbedding struct {
	nn.Base
	dim, hidden  int
	weight, bias *nn.Parameter
}

func newTimeEmbedding(dim, hidden int, g *tensor.Generator, opts model.Options) *timeEmbedding {
	e := &timeEmbedding{Base: nn.NewBase("time_embedding"), dim: dim, hidden: hidden}
	e.weight = e.AddParameter("weight", initWeights(g, tensor.Shape{hidden, dim}, dim, opts))
	e.bias = e.AddParameter("bias", tensor.Zeros(tensor.Shape{hidden}, opts.DType, opts.Device))
	return e
}

func (e *timeEmbedding) forward(t float32, dev device.Device) ([]float32, error) {
	return nn.Forward(e, func() ([]float32, error) {
		w, err := values(e.weight, dev)
		if err != nil {
			return nil, err
		}
		b, err := values(e.bias, dev)
		if err != nil {
			return nil, err
		}

		half := e.dim / 2
		enc := make([]float32, e.dim)
		for i := range half {
			freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
			enc[i] = float32(math.Sin(float64(t) * freq))
			enc[half+i] = float32(math.Cos(float64(t) * freq))
		}

		out := make([]float32, e.hidden)
		for o := range out {
			out[o] = b[o]
			for i, v := range enc {
				out[o] += w[o*e.dim+i] * v
			}
		}
		return out, nil
	})
}

// classEmbedding looks up one vector per class label.
type classEmbedding struct {
	nn.Base
	classes, hidden int
	table           *nn.Parameter
}

func newClassEmbedding(classes, hidden int, g *tensor.Generator, opts model.Options) *classEmbedding {
	e := &classEmbedding{Base: nn.NewBase("class_embedding"), classes: classes, hidden: hidden}
	e.table = e.AddParameter("weight", initWeights(g, tensor.Shape{classes, hidden}, 1, opts))
	return e
}

func (e *classEmbedding) forward(labels *tensor.IntTensor, dev device.Device) ([]float32, error) {
	return nn.Forward(e, func() ([]float32, error) {
		table, err := values(e.table, dev)
		if err != nil {
			return nil, err
		}
		if labels.Device() != dev {
			return nil, fmt.Errorf("%w: labels on %s, input on %s", model.ErrDeviceMismatch, labels.Device(), dev)
		}

		out := make([]float32, labels.Len()*e.hidden)
		for n, l := range labels.Data() {
			if l < 0 || int(l) >= e.classes {
				return nil, fmt.Errorf("%w: class label %d out of range [0, %d)", model.ErrInvalidInput, l, e.classes)
			}
			copy(out[n*e.hidden:], table[int(l)*e.hidden:(int(l)+1)*e.hidden])
		}
		return out, nil
	})
}
