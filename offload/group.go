// group.go - Gruppen-Offload
// Parameter bleiben auf dem Offload-Geraet und werden gruppenweise (Blatt
// oder Block) fuer den Forward auf das Onload-Geraet verschoben.
package offload

import (
	"fmt"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/nn"
)

// Level selects the granularity of group offloading.
type Level string

const (
	LevelLeaf  Level = "leaf_level"
	LevelBlock Level = "block_level"
)

// GroupOffloadHook moves a group onto the onload device for its forward.
type GroupOffloadHook struct {
	Onload  device.Device
	Offload device.Device
}

func (h *GroupOffloadHook) PreForward(m nn.Module) error {
	nn.MoveAll(m, h.Onload)
	return nil
}

func (h *GroupOffloadHook) PostForward(m nn.Module) error {
	nn.MoveAll(m, h.Offload)
	return nil
}

func (h *GroupOffloadHook) ExecutionDevice() (device.Device, bool) {
	return h.Onload, true
}

// EnableGroupOffload attaches GroupOffloadHooks to the leaves or top-level
// blocks of m and returns the number of groups.
func EnableGroupOffload(m nn.Module, onload, offload device.Device, level Level) (int, error) {
	var groups []nn.Module
	switch level {
	case LevelLeaf, "leaf":
		groups = nn.Leaves(m)
	case LevelBlock, "block":
		groups = m.Children()
	default:
		return 0, fmt.Errorf("unknown offload level %q", level)
	}

	nn.MoveAll(m, offload)
	for _, g := range groups {
		nn.AddHook(g, &GroupOffloadHook{Onload: onload, Offload: offload})
	}
	return len(groups), nil
}
