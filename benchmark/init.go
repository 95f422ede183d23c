// MODUL: init
// ZWECK: Modell und Pipeline eines Szenarios aufbauen (DType, Quantisierung,
//        Layerwise-Upcasting, Gruppen-Offload, Pipeline-Offload)
// INPUT: Scenario, Ausfuehrungsgeraet
// OUTPUT: model.Model bzw. *pipeline.Pipeline plus Aufraeumfunktion
// NEBENEFFEKTE: Parameter werden auf Geraete verschoben (Speicher-Tracker)
// ABHAENGIGKEITEN: model, nn, offload, pipeline, scheduler
// HINWEISE: Ohne Quantisierungs-Backend liefert jede Quantisierung ErrDependencyUnavailable

package benchmark

import (
	"fmt"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/pipeline"
	"github.com/ollama/diffusion/scheduler"
	"github.com/ollama/diffusion/tensor"
)

// newModel baut das Modell auf dem Host.
func newModel(sc Scenario) (model.Model, error) {
	if sc.Init.Quantization != "" {
		return nil, fmt.Errorf("%w: quantization %q needs a quantization backend", ErrDependencyUnavailable, sc.Init.Quantization)
	}

	opts := sc.Init.Options
	opts.Device = device.CPU
	return model.New(sc.Model, opts)
}

// initModel platziert das Modell gemaess Szenario. Die Aufraeumfunktion
// entfernt alle Hooks und gibt den Geraetespeicher frei.
func initModel(sc Scenario, exec device.Device) (model.Model, func(), error) {
	m, err := newModel(sc)
	if err != nil {
		return nil, nil, err
	}

	if sc.GroupOffload != nil {
		groups, err := offload.EnableGroupOffload(m, exec, device.CPU, sc.GroupOffload.Level)
		if err != nil {
			return nil, nil, err
		}
		logger(sc).Debug("group offload enabled", "groups", groups, "level", sc.GroupOffload.Level)
	} else {
		nn.MoveAll(m, exec)
	}

	if u := sc.LayerwiseUpcasting; u != nil {
		leaves := offload.EnableLayerwiseUpcasting(m, u.Storage, u.Compute)
		logger(sc).Debug("layerwise upcasting enabled", "leaves", leaves, "storage", u.Storage, "compute", u.Compute)
	}

	cleanup := func() {
		nn.RemoveHooks(m)
		nn.MoveAll(m, device.CPU)
		device.EmptyCache(exec)
	}
	return m, cleanup, nil
}

// modelInput erzeugt einen Zufalls-Batch passend zur Modellkonfiguration.
func modelInput(sc Scenario, cfg model.Config, exec device.Device) (*tensor.Tensor, *tensor.IntTensor, error) {
	in := sc.Input
	x, err := tensor.Randn(tensor.Shape{in.BatchSize, cfg.InChannels, cfg.SampleSize, cfg.SampleSize},
		tensor.Generators(in.Seed), cfg.DType, exec)
	if err != nil {
		return nil, nil, err
	}

	if !cfg.Conditional() {
		return x, nil, nil
	}
	if in.ClassLabel < 0 || in.ClassLabel >= cfg.NumClassEmbeds {
		return nil, nil, fmt.Errorf("scenario %q: class label %d out of range [0, %d)", sc.Name, in.ClassLabel, cfg.NumClassEmbeds)
	}
	labels := make([]int64, in.BatchSize)
	for i := range labels {
		labels[i] = int64(in.ClassLabel)
	}
	return x, tensor.NewInt(labels, exec), nil
}

// initPipeline baut die Pipeline und aktiviert den Offload-Modus.
func initPipeline(sc Scenario, exec device.Device) (*pipeline.Pipeline, func(), error) {
	mode, err := offload.ParseMode(sc.Pipeline.Offload)
	if err != nil {
		return nil, nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	m, err := newModel(sc)
	if err != nil {
		return nil, nil, err
	}

	p := pipeline.New(m, scheduler.NewCMStochasticIterative(scheduler.DefaultConfig()))
	if mode != offload.ModeNone {
		err = p.EnableOffload(mode, exec.Index)
	} else {
		err = p.To(exec)
	}
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		dev := p.ExecutionDevice()
		p.DisableOffload()
		nn.MoveAll(m, device.CPU)
		device.EmptyCache(dev)
	}
	return p, cleanup, nil
}
