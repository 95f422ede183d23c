// scheduler.go - Schnittstelle fuer Diffusions-Scheduler
// Ein Scheduler erzeugt die Timestep-Sequenz und berechnet pro Schritt
// aus Modellausgabe und aktuellem Sample das naechste Sample.
package scheduler

import (
	"errors"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/tensor"
)

var ErrTimesteps = errors.New("invalid timesteps")

// StepOutput is the result of a single scheduler step.
type StepOutput struct {
	// PrevSample is the sample for the next timestep.
	PrevSample *tensor.Tensor

	// Denoised is the model's estimate of the clean sample.
	Denoised *tensor.Tensor
}

// Scheduler drives the timestep schedule of a denoising loop.
type Scheduler interface {
	// SetTimesteps materializes a descending schedule either from a step
	// count or from an explicit list. Exactly one of them is used; a non-nil
	// list wins.
	SetTimesteps(numSteps int, timesteps []int, dev device.Device) error

	Timesteps() []float32
	InitNoiseSigma() float32
	ScaleModelInput(sample *tensor.Tensor, t float32) (*tensor.Tensor, error)
	Step(out *tensor.Tensor, t float32, sample *tensor.Tensor, useNoise bool, gens []*tensor.Generator) (*StepOutput, error)
}
