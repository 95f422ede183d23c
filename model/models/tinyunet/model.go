// model.go - Kleiner deterministischer Referenz-Denoiser
// Registriert "tiny-unet" (unbedingt) und "tiny-unet-cond" (klassenbedingt).
// Dient fuer Tests, CLI-Probelaeufe und Benchmarks ohne echte Gewichte.
package tinyunet

import (
	"fmt"
	"math"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/tensor"
)

const timeEmbedDim = 16

// Model is a per-pixel denoiser: conv_in, time and class embeddings, SiLU,
// conv_out.
type Model struct {
	nn.Base
	config model.Config

	convIn     *conv1x1
	timeEmbed  *timeEmbedding
	classEmbed *classEmbedding
	convOut    *conv1x1
}

// DefaultConfig is the configuration of "tiny-unet".
func DefaultConfig() model.Config {
	return model.Config{
		SampleSize:  8,
		InChannels:  3,
		OutChannels: 3,
		DType:       tensor.Float32,
	}
}

// New builds a model with weights drawn from opts.Seed.
func New(cfg model.Config, opts model.Options) (*Model, error) {
	if opts.SampleSize > 0 {
		cfg.SampleSize = opts.SampleSize
	}
	if opts.InChannels > 0 {
		cfg.InChannels = opts.InChannels
		cfg.OutChannels = opts.InChannels
	}
	if opts.NumClassEmbeds > 0 {
		cfg.NumClassEmbeds = opts.NumClassEmbeds
	}
	cfg.DType = opts.DType

	hidden := opts.Hidden
	if hidden == 0 {
		hidden = 32
	}

	if cfg.SampleSize < 1 || cfg.InChannels < 1 || hidden < 1 {
		return nil, fmt.Errorf("%w: invalid configuration %+v", model.ErrInvalidInput, cfg)
	}

	g := tensor.NewGenerator(opts.Seed)
	m := &Model{Base: nn.NewBase("unet"), config: cfg}
	m.convIn = newConv1x1("conv_in", cfg.InChannels, hidden, g, opts)
	m.timeEmbed = newTimeEmbedding(timeEmbedDim, hidden, g, opts)
	if cfg.NumClassEmbeds > 0 {
		m.classEmbed = newClassEmbedding(cfg.NumClassEmbeds, hidden, g, opts)
	}
	m.convOut = newConv1x1("conv_out", hidden, cfg.OutChannels, g, opts)

	m.AddChild(m.convIn)
	m.AddChild(m.timeEmbed)
	if m.classEmbed != nil {
		m.AddChild(m.classEmbed)
	}
	m.AddChild(m.convOut)

	return m, nil
}

func (m *Model) Config() model.Config {
	return m.config
}

func (m *Model) Forward(sample *tensor.Tensor, t float32, labels *tensor.IntTensor) (*tensor.Tensor, error) {
	shape := sample.Shape()
	if len(shape) != 4 || shape[1] != m.config.InChannels {
		return nil, fmt.Errorf("%w: sample shape %v, want (B, %d, H, W)", model.ErrInvalidInput, shape, m.config.InChannels)
	}

	batch, pixels := shape[0], shape[2]*shape[3]
	dev := sample.Device()
	if dev.Type == device.TypeMeta {
		return nil, fmt.Errorf("%w: sample is on the meta device", model.ErrDeviceMismatch)
	}

	h, err := m.convIn.forward(sample.Data(), batch, pixels, dev)
	if err != nil {
		return nil, err
	}

	temb, err := m.timeEmbed.forward(t, dev)
	if err != nil {
		return nil, err
	}

	var cemb []float32
	if m.classEmbed != nil {
		if labels == nil || labels.Len() != batch {
			return nil, fmt.Errorf("%w: class-conditional model needs %d labels", model.ErrInvalidInput, batch)
		}
		if cemb, err = m.classEmbed.forward(labels, dev); err != nil {
			return nil, err
		}
	}

	hidden := m.timeEmbed.hidden
	for n := range batch {
		for c := range hidden {
			bias := temb[c]
			if cemb != nil {
				bias += cemb[n*hidden+c]
			}
			row := h[(n*hidden+c)*pixels : (n*hidden+c+1)*pixels]
			for p, v := range row {
				row[p] = silu(v + bias)
			}
		}
	}

	out, err := m.convOut.forward(h, batch, pixels, dev)
	if err != nil {
		return nil, err
	}

	return tensor.New(tensor.Shape{batch, m.config.OutChannels, shape[2], shape[3]}, out, sample.DType(), dev)
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

func init() {
	model.Register("tiny-unet", func(opts model.Options) (model.Model, error) {
		return New(DefaultConfig(), opts)
	})

	model.Register("tiny-unet-cond", func(opts model.Options) (model.Model, error) {
		cfg := DefaultConfig()
		cfg.NumClassEmbeds = 10
		return New(cfg, opts)
	})
}
