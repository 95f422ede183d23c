package pipeline

import (
	"fmt"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/tensor"
)

// PrepareLatents returns the initial sample of shape (batch, channels,
// height, width) scaled by the scheduler's initial noise sigma. Without
// latents a fresh sample is drawn from gens.
func (p *Pipeline) PrepareLatents(batch, channels, height, width int, dtype tensor.DType, dev device.Device, gens []*tensor.Generator, latents *tensor.Tensor) (*tensor.Tensor, error) {
	if n := len(gens); n > 1 && n != batch {
		return nil, fmt.Errorf("%w: %w: %d generators for a batch size of %d", ErrInvalidArgument, tensor.ErrGeneratorCount, n, batch)
	}

	if latents == nil {
		var err error
		latents, err = tensor.Randn(tensor.Shape{batch, channels, height, width}, gens, dtype, dev)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	} else {
		latents = latents.To(dev, dtype)
	}

	return latents.Scale(p.Scheduler.InitNoiseSigma()), nil
}
