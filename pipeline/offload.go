package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/offload"
)

// accelerator returns the execution device with index gpuID on the best
// available accelerator.
func accelerator(gpuID int) (device.Device, error) {
	d := device.Select(device.Priority{device.TypeCUDA, device.TypeMetal, device.TypeVirtual})
	if !d.IsAccelerator() {
		return device.Device{}, fmt.Errorf("%w: no accelerator available for offloading", ErrDependencyUnavailable)
	}
	return d.WithIndex(gpuID), nil
}

// toHost moves the pipeline to the host and drops the cache of the device it
// was on, so the savings of offloading are visible in the memory stats.
func (p *Pipeline) toHost() {
	prev := p.device
	for _, m := range p.modules() {
		nn.MoveAll(m, device.CPU)
	}
	p.device = device.CPU
	if prev.IsAccelerator() {
		device.EmptyCache(prev)
	}
}

// EnableSequentialCPUOffload keeps every submodule on the meta device and
// loads it onto accelerator gpuID only for its own forward.
func (p *Pipeline) EnableSequentialCPUOffload(gpuID int) error {
	exec, err := accelerator(gpuID)
	if err != nil {
		return err
	}
	if err := offload.CheckRuntime(exec, offload.MinSequentialRuntime); err != nil {
		return err
	}

	p.offload.Disable()
	p.toHost()
	return p.offload.EnableSequential(p.modules(), exec)
}

// EnableModelCPUOffload moves one whole model at a time onto accelerator
// gpuID when its forward runs.
func (p *Pipeline) EnableModelCPUOffload(gpuID int) error {
	exec, err := accelerator(gpuID)
	if err != nil {
		return err
	}
	if err := offload.CheckRuntime(exec, offload.MinModelRuntime); err != nil {
		return err
	}

	p.offload.Disable()
	p.toHost()
	return p.offload.EnableModel(p.modules(), exec)
}

// EnableOffload enables mode, used by the CLI and the server.
func (p *Pipeline) EnableOffload(mode offload.Mode, gpuID int) error {
	switch mode {
	case offload.ModeSequential:
		return p.EnableSequentialCPUOffload(gpuID)
	case offload.ModeModel:
		return p.EnableModelCPUOffload(gpuID)
	default:
		p.DisableOffload()
		return nil
	}
}

// DisableOffload removes all offload hooks and leaves the models on the host.
func (p *Pipeline) DisableOffload() {
	if p.offload.Mode() == offload.ModeNone {
		return
	}
	slog.Debug("offload disabled", "mode", p.offload.Mode())
	p.offload.Disable()
	p.device = device.CPU
}

// OffloadMode reports the active offload mode.
func (p *Pipeline) OffloadMode() offload.Mode {
	return p.offload.Mode()
}

// FinalOffloadHook returns the terminal hook of whole-model offloading.
func (p *Pipeline) FinalOffloadHook() *offload.ModelHook {
	return p.offload.FinalHook()
}

// ExecutionDevice is the device the models run on. With offloading it is
// taken from the hooks of the denoiser.
func (p *Pipeline) ExecutionDevice() device.Device {
	return offload.ExecutionDevice(p.Model, p.device)
}
