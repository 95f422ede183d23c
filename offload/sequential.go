// sequential.go - Sequentielles Offload pro Modul
// Parameter liegen auf dem meta-Geraet und werden nur fuer die Dauer des
// eigenen Forward-Aufrufs aus der Host-Kopie auf das Ausfuehrungsgeraet geladen.
package offload

import (
	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/tensor"
)

// AlignDevicesHook loads a module's own parameters onto the execution device
// before its forward and evicts them afterwards.
type AlignDevicesHook struct {
	execution device.Device

	// Host-Kopien der Gewichte, indiziert nach Parameter
	weights map[*nn.Parameter]*tensor.Tensor

	loads int
}

// NewAlignDevicesHook moves the parameters of m to the meta device and keeps
// their host values.
func NewAlignDevicesHook(m nn.Module, execution device.Device) *AlignDevicesHook {
	h := &AlignDevicesHook{execution: execution, weights: make(map[*nn.Parameter]*tensor.Tensor)}
	for _, p := range m.Parameters() {
		if !p.Value.Device().IsHost() {
			nn.Move(p, device.CPU, p.Value.DType())
		}
		h.weights[p] = p.Value
		p.Value = p.Value.To(device.Meta, p.Value.DType())
	}
	return h
}

func (h *AlignDevicesHook) PreForward(m nn.Module) error {
	for _, p := range m.Parameters() {
		host, ok := h.weights[p]
		if !ok {
			continue
		}
		p.Value = host.To(h.execution, host.DType())
		device.Default.Alloc(h.execution, p.Value.Bytes())
	}
	h.loads++
	return nil
}

func (h *AlignDevicesHook) PostForward(m nn.Module) error {
	for _, p := range m.Parameters() {
		if _, ok := h.weights[p]; !ok || p.Value.Device().Type == device.TypeMeta {
			continue
		}
		device.Default.Free(p.Value.Device(), p.Value.Bytes())
		p.Value = p.Value.To(device.Meta, p.Value.DType())
	}
	return nil
}

func (h *AlignDevicesHook) ExecutionDevice() (device.Device, bool) {
	return h.execution, true
}

// Loads counts the forward passes the hook has served.
func (h *AlignDevicesHook) Loads() int {
	return h.loads
}

// detach restores the host values of the parameters of m.
func (h *AlignDevicesHook) detach(m nn.Module) {
	for _, p := range m.Parameters() {
		host, ok := h.weights[p]
		if !ok {
			continue
		}
		if p.Value.Device().Type != device.TypeMeta {
			device.Default.Free(p.Value.Device(), p.Value.Bytes())
		}
		p.Value = host
	}
	clear(h.weights)
}

// CPUOffload attaches an AlignDevicesHook to every module of m. Modules without
// parameters still get a hook so the execution device can be resolved from
// the root.
func CPUOffload(m nn.Module, execution device.Device) []*AlignDevicesHook {
	var hooks []*AlignDevicesHook
	for _, mm := range nn.Modules(m) {
		h := NewAlignDevicesHook(mm, execution)
		nn.AddHook(mm, h)
		hooks = append(hooks, h)
	}
	return hooks
}
