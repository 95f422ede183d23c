package pipeline

import (
	"log/slog"
	"strings"

	"github.com/ollama/diffusion/tensor"
)

// OutputType selects the representation returned by a call. Each kind is
// derived from the previous one: latent, pt, np, pil.
type OutputType string

const (
	OutputLatent OutputType = "latent"
	OutputTensor OutputType = "pt"
	OutputArray  OutputType = "np"
	OutputImage  OutputType = "pil"
)

// ParseOutputType maps a name or alias to an OutputType. Unknown names yield
// OutputArray and false.
func ParseOutputType(s string) (OutputType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "latent", "raw-latent":
		return OutputLatent, true
	case "pt", "normalized-tensor", "tensor":
		return OutputTensor, true
	case "np", "array":
		return OutputArray, true
	case "pil", "image", "":
		return OutputImage, true
	}
	return OutputArray, false
}

// Postprocess converts the final sample. An unknown kind falls back to
// OutputArray with a deprecation warning and never fails.
func Postprocess(sample *tensor.Tensor, kind OutputType) (*Output, error) {
	k, ok := ParseOutputType(string(kind))
	if !ok {
		slog.Warn("the output_type is outdated and has been set to np, use one of pil, np, pt, latent", "output_type", kind)
	}

	if k == OutputLatent {
		return &Output{Type: k, Tensor: sample}, nil
	}

	// (x/2 + 0.5) auf [0, 1] begrenzt
	norm := sample.Map(func(v float32) float32 {
		return min(max(v/2+0.5, 0), 1)
	})
	if k == OutputTensor {
		return &Output{Type: k, Tensor: norm}, nil
	}

	arr, err := tensor.PermuteNHWC(norm)
	if err != nil {
		return nil, err
	}
	if k == OutputArray {
		return &Output{Type: k, Tensor: arr}, nil
	}

	images, err := ToImages(arr)
	if err != nil {
		return nil, err
	}
	return &Output{Type: k, Tensor: arr, Images: images}, nil
}
