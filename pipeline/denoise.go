// denoise.go - Denoising-Schleife der Consistency-Pipeline
// Pro Timestep: Eingabe skalieren, Modell ausfuehren, Scheduler-Schritt,
// Fortschritt und Callback. Danach Nachbearbeitung und Offload-Freigabe.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/format"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/tensor"
)

// Call runs the sampler. All arguments are validated before anything is
// allocated; any collaborator error aborts the loop without partial output.
func (p *Pipeline) Call(ctx context.Context, opts Options) (*Output, error) {
	cfg := p.Model.Config()
	if err := opts.validate(cfg); err != nil {
		return nil, err
	}

	dev := p.ExecutionDevice()
	start := time.Now()

	timesteps, total, err := p.resolveTimesteps(opts.Steps, opts.Timesteps, dev)
	if err != nil {
		return nil, err
	}

	sample, err := p.PrepareLatents(opts.BatchSize, cfg.InChannels, cfg.SampleSize, cfg.SampleSize, cfg.DType, dev, opts.Generators, opts.Latents)
	if err != nil {
		return nil, err
	}

	labels, err := p.PrepareClassLabels(opts.BatchSize, dev, opts.ClassLabels)
	if err != nil {
		return nil, err
	}

	// Einschritt-Sampling verzichtet auf Rauschen
	useNoise := total != 1

	for i, t := range timesteps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		stepStart := time.Now()

		scaled, err := p.Scheduler.ScaleModelInput(sample, t)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		out, err := nn.Forward(p.Model, func() (*tensor.Tensor, error) {
			return p.Model.Forward(scaled, t, labels)
		})
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		next, err := p.Scheduler.Step(out, t, sample, useNoise, opts.Generators)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		if !next.PrevSample.Shape().Equal(sample.Shape()) {
			return nil, fmt.Errorf("step %d: %w: sample changed from %v to %v", i, tensor.ErrShapeMismatch, sample.Shape(), next.PrevSample.Shape())
		}
		sample = next.PrevSample

		slog.Debug("denoise step", "step", i+1, "total", total, "t", t,
			"duration", time.Since(stepStart), "peak", format.HumanBytes2(device.MemoryStats(dev).Peak))

		if opts.Progress != nil {
			opts.Progress(i+1, total)
		}

		if opts.Callback != nil && i%opts.CallbackSteps == 0 {
			if err := opts.Callback(i, t, sample); err != nil {
				return nil, fmt.Errorf("callback at step %d: %w", i, err)
			}
		}
	}

	output, err := Postprocess(sample, opts.OutputType)
	if err != nil {
		return nil, err
	}

	p.offload.Release()

	slog.Info("generation complete", "batch", opts.BatchSize, "steps", total, "device", dev,
		"output", output.Type, "duration", time.Since(start))
	return output, nil
}

// Run is Call returning the structured *Output when opts.ReturnDict is set
// and the positional form of Output.Tuple otherwise.
func (p *Pipeline) Run(ctx context.Context, opts Options) (any, error) {
	out, err := p.Call(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !opts.ReturnDict {
		return out.Tuple(), nil
	}
	return out, nil
}
