// chain.go - Offload ganzer Modelle mit geordneter Hook-Kette
// Aktiviert Hook N, wird Modell N auf das Ausfuehrungsgeraet verschoben und
// Modell N-1 zurueck auf den Host gelegt.
package offload

import (
	"log/slog"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/nn"
)

// ModelHook keeps a whole model resident on the execution device from its
// first forward until the next model in the chain runs.
type ModelHook struct {
	model     nn.Module
	execution device.Device
	chain     *Chain
	index     int
	offloads  int
}

func (h *ModelHook) PreForward(nn.Module) error {
	h.chain.activate(h.index)
	return nil
}

func (h *ModelHook) PostForward(nn.Module) error {
	return nil
}

func (h *ModelHook) ExecutionDevice() (device.Device, bool) {
	return h.execution, true
}

// Offload moves the model back to the host.
func (h *ModelHook) Offload() {
	nn.MoveAll(h.model, device.CPU)
	h.offloads++
}

// Offloads counts the calls to Offload.
func (h *ModelHook) Offloads() int {
	return h.offloads
}

// Index is the position of the hook in its chain.
func (h *ModelHook) Index() int {
	return h.index
}

// Chain is the ordered list of model hooks.
type Chain struct {
	hooks []*ModelHook
}

// Add moves m to the host and appends a hook for it.
func (c *Chain) Add(m nn.Module, execution device.Device) *ModelHook {
	nn.MoveAll(m, device.CPU)

	h := &ModelHook{model: m, execution: execution, chain: c, index: len(c.hooks)}
	c.hooks = append(c.hooks, h)
	nn.AddHook(m, h)
	return h
}

func (c *Chain) activate(i int) {
	if i > 0 {
		c.hooks[i-1].Offload()
	}

	h := c.hooks[i]
	if nn.DeviceOf(h.model) != h.execution {
		slog.Debug("offload: loading model", "index", i, "model", h.model.Name(), "device", h.execution)
		nn.MoveAll(h.model, h.execution)
	}
}

// release offloads every model that is still resident on its execution
// device. The final hook is always offloaded.
func (c *Chain) release() {
	final := c.Final()
	for _, h := range c.hooks {
		if h == final || nn.DeviceOf(h.model) == device.CPU {
			continue
		}
		h.Offload()
	}
	if final != nil {
		final.Offload()
	}
}

func (c *Chain) Len() int {
	return len(c.hooks)
}

func (c *Chain) Hook(i int) *ModelHook {
	return c.hooks[i]
}

// Final returns the last hook of the chain, nil when empty.
func (c *Chain) Final() *ModelHook {
	if len(c.hooks) == 0 {
		return nil
	}
	return c.hooks[len(c.hooks)-1]
}
