package pipeline

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/tensor"
)

// PrepareClassLabels resolves the conditioning labels. Unconditional models
// get nil whatever is passed. Missing labels are drawn uniformly without
// consulting the call's generators.
func (p *Pipeline) PrepareClassLabels(batch int, dev device.Device, labels ClassLabels) (*tensor.IntTensor, error) {
	classes := p.Model.Config().NumClassEmbeds
	if classes <= 0 {
		return nil, nil
	}

	switch {
	case labels.scalar:
		if batch != 1 {
			return nil, fmt.Errorf("%w: batch size must be 1 if class labels is a single label, got %d", ErrInvalidArgument, batch)
		}
		return tensor.NewInt(labels.values, dev), nil
	case labels.IsSet():
		return tensor.NewInt(labels.values, dev), nil
	}

	values := make([]int64, batch)
	for i := range values {
		values[i] = int64(rand.IntN(classes))
	}
	slog.Debug("class labels not set, drawing unseeded labels", "labels", values)
	return tensor.NewInt(values, dev), nil
}
