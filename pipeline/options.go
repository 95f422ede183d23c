package pipeline

import (
	"fmt"
	"slices"

	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/tensor"
)

// ClassLabels is either unset, a single label or one label per batch element.
type ClassLabels struct {
	values []int64
	scalar bool
}

// Label conditions a batch of size one on class n.
func Label(n int) ClassLabels {
	return ClassLabels{values: []int64{int64(n)}, scalar: true}
}

// Labels conditions each batch element on its own class.
func Labels(ns ...int) ClassLabels {
	values := make([]int64, len(ns))
	for i, n := range ns {
		values[i] = int64(n)
	}
	return ClassLabels{values: values}
}

func (c ClassLabels) IsSet() bool    { return c.values != nil }
func (c ClassLabels) IsScalar() bool { return c.scalar }
func (c ClassLabels) Values() []int64 {
	return slices.Clone(c.values)
}

// Options are the arguments of a single pipeline call. Start from
// DefaultOptions; the zero value is not a valid call.
type Options struct {
	BatchSize   int
	ClassLabels ClassLabels

	// Steps is ignored when Timesteps is set.
	Steps     int
	Timesteps []int

	// Generators: none (unseeded), one shared or one per batch element.
	Generators []*tensor.Generator
	Latents    *tensor.Tensor

	OutputType OutputType
	ReturnDict bool

	// Callback runs inline after every CallbackSteps-th step. A returned
	// error aborts the call.
	Callback      func(step int, t float32, sample *tensor.Tensor) error
	CallbackSteps int

	// Progress is called once per completed step.
	Progress func(step, total int)
}

func DefaultOptions() Options {
	return Options{
		BatchSize:     1,
		Steps:         1,
		OutputType:    OutputImage,
		ReturnDict:    true,
		CallbackSteps: 1,
	}
}

// validate checks opts against the model configuration before anything is
// allocated.
func (o *Options) validate(cfg model.Config) error {
	if o.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidArgument, o.BatchSize)
	}

	if o.Timesteps == nil && o.Steps <= 0 {
		return fmt.Errorf("%w: exactly one of steps or timesteps must be supplied", ErrInvalidArgument)
	}

	if o.Latents != nil {
		want := tensor.Shape{o.BatchSize, cfg.InChannels, cfg.SampleSize, cfg.SampleSize}
		if got := o.Latents.Shape(); !got.Equal(want) {
			return fmt.Errorf("%w: the shape of latents is %v but is expected to be %v", ErrInvalidArgument, got, want)
		}
	}

	if o.CallbackSteps < 0 || (o.CallbackSteps == 0 && o.Callback != nil) {
		return fmt.Errorf("%w: callback steps has to be a positive integer but is %d", ErrInvalidArgument, o.CallbackSteps)
	}

	if n := len(o.Generators); n > 1 && n != o.BatchSize {
		return fmt.Errorf("%w: %d generators for a batch size of %d", ErrInvalidArgument, n, o.BatchSize)
	}

	if cfg.Conditional() && o.ClassLabels.IsSet() {
		labels := o.ClassLabels.values
		switch {
		case o.ClassLabels.scalar && o.BatchSize != 1:
			return fmt.Errorf("%w: batch size must be 1 if class labels is a single label, got %d", ErrInvalidArgument, o.BatchSize)
		case !o.ClassLabels.scalar && len(labels) != o.BatchSize:
			return fmt.Errorf("%w: %d class labels for a batch size of %d", ErrInvalidArgument, len(labels), o.BatchSize)
		}
		for _, l := range labels {
			if l < 0 || l >= int64(cfg.NumClassEmbeds) {
				return fmt.Errorf("%w: class label %d out of range [0, %d)", ErrInvalidArgument, l, cfg.NumClassEmbeds)
			}
		}
	}

	return nil
}
