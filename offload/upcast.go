// upcast.go - Layerweises Upcasting
// Gewichte werden in niedriger Praezision gespeichert und nur fuer den
// Forward eines Blatt-Moduls in die Rechenpraezision gewandelt.
package offload

import (
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/tensor"
)

// UpcastHook casts a module's parameters to the compute dtype for the
// duration of its forward.
type UpcastHook struct {
	Storage tensor.DType
	Compute tensor.DType
}

func (h *UpcastHook) PreForward(m nn.Module) error {
	for _, p := range m.Parameters() {
		nn.Move(p, p.Value.Device(), h.Compute)
	}
	return nil
}

func (h *UpcastHook) PostForward(m nn.Module) error {
	for _, p := range m.Parameters() {
		nn.Move(p, p.Value.Device(), h.Storage)
	}
	return nil
}

// EnableLayerwiseUpcasting stores the leaf parameters of m as storage and
// attaches an UpcastHook to every leaf.
func EnableLayerwiseUpcasting(m nn.Module, storage, compute tensor.DType) int {
	leaves := nn.Leaves(m)
	for _, leaf := range leaves {
		nn.MoveParameters(leaf, nn.DeviceOf(leaf), storage)
		nn.AddHook(leaf, &UpcastHook{Storage: storage, Compute: compute})
	}
	return len(leaves)
}
