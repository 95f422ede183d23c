// manager.go - Verwaltung der Offload-Hooks einer Pipeline
// Haelt den aktiven Modus, die Hook-Kette bzw. die sequentiellen Hooks und
// loest das Ausfuehrungsgeraet auf.
package offload

import (
	"log/slog"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/nn"
)

// Manager owns the offload hooks of a set of models.
type Manager struct {
	mode      Mode
	execution device.Device
	models    []nn.Module

	chain      *Chain
	sequential map[nn.Module][]*AlignDevicesHook
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Mode() Mode {
	return m.mode
}

// EnableSequential attaches per-module hooks to every model.
func (m *Manager) EnableSequential(models []nn.Module, execution device.Device) error {
	if err := CheckRuntime(execution, MinSequentialRuntime); err != nil {
		return err
	}

	m.Disable()
	m.sequential = make(map[nn.Module][]*AlignDevicesHook)
	for _, mm := range models {
		nn.MoveAll(mm, device.CPU)
		m.sequential[mm] = CPUOffload(mm, execution)
	}

	m.mode, m.execution, m.models = ModeSequential, execution, models
	slog.Info("offload enabled", "mode", m.mode, "device", execution, "models", len(models))
	return nil
}

// EnableModel chains whole-model hooks in registration order.
func (m *Manager) EnableModel(models []nn.Module, execution device.Device) error {
	if err := CheckRuntime(execution, MinModelRuntime); err != nil {
		return err
	}

	m.Disable()
	m.chain = &Chain{}
	for _, mm := range models {
		m.chain.Add(mm, execution)
	}

	m.mode, m.execution, m.models = ModeModel, execution, models
	slog.Info("offload enabled", "mode", m.mode, "device", execution, "models", len(models))
	return nil
}

// Disable removes all hooks and leaves every model on the host.
func (m *Manager) Disable() {
	switch m.mode {
	case ModeSequential:
		for mm, hooks := range m.sequential {
			for i, sub := range nn.Modules(mm) {
				hooks[i].detach(sub)
			}
			nn.RemoveHooks(mm)
		}
	case ModeModel:
		for _, mm := range m.models {
			nn.RemoveHooks(mm)
			nn.MoveAll(mm, device.CPU)
		}
	}

	m.mode, m.models, m.chain, m.sequential = ModeNone, nil, nil, nil
}

// Chain returns the whole-model hook chain, nil unless ModeModel is active.
func (m *Manager) Chain() *Chain {
	return m.chain
}

// FinalHook returns the terminal hook of the chain, if any.
func (m *Manager) FinalHook() *ModelHook {
	if m.chain == nil {
		return nil
	}
	return m.chain.Final()
}

// Release offloads the terminal model after a run together with any
// earlier model of the chain that was left on the execution device.
func (m *Manager) Release() {
	if m.chain != nil {
		m.chain.release()
	}
}

// ExecutionDevice inspects the hooks of first and falls back to nominal.
func ExecutionDevice(first nn.Module, nominal device.Device) device.Device {
	if first != nil {
		if d, ok := nn.ExecutionDevice(first); ok {
			return d
		}
	}
	return nominal
}
