package tensor

import (
	"fmt"

	dense "github.com/pdevine/tensor"

	"github.com/ollama/diffusion/device"
)

// PermuteNHWC reorders an (N, C, H, W) tensor to channel-last (N, H, W, C)
// and returns it on the host.
func PermuteNHWC(t *Tensor) (*Tensor, error) {
	if len(t.shape) != 4 {
		return nil, fmt.Errorf("%w: expected 4 dimensions, got %v", ErrShapeMismatch, t.shape)
	}

	host := t.To(device.CPU, t.dtype)
	n := dense.New(dense.WithShape(host.shape...), dense.WithBacking(append([]float32(nil), host.data...)))
	if err := n.T(0, 2, 3, 1); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	data, ok := n.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected backing type %T", n.Data())
	}

	s := t.shape
	return &Tensor{shape: Shape{s[0], s[2], s[3], s[1]}, dtype: t.dtype, dev: device.CPU, data: data}, nil
}
