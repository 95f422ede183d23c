// MODUL: virtual
// ZWECK: Eingebauter virtueller Beschleuniger fuer Hosts ohne GPU-Runtime
// INPUT: DIFFUSION_VIRTUAL_MEMORY, DIFFUSION_OFFLOAD_RUNTIME, DIFFUSION_NO_VIRTUAL
// OUTPUT: Ein Geraet "virtual:0" mit Speicherbuchhaltung im Default-Tracker
// NEBENEFFEKTE: Registrierung in init()
// ABHAENGIGKEITEN: envconfig
// HINWEISE: Rechnet auf dem Host, verhaelt sich bei Offload aber wie ein Beschleuniger

package device

import "github.com/ollama/diffusion/envconfig"

// DefaultRuntime ist die Offload-Runtime-Version des virtuellen Backends.
const DefaultRuntime = "v0.17.0"

// VirtualDetector implementiert Detector fuer den virtuellen Beschleuniger.
type VirtualDetector struct {
	Tracker *Tracker
}

// Detect ist true solange DIFFUSION_NO_VIRTUAL nicht gesetzt ist.
func (d *VirtualDetector) Detect() bool {
	return !envconfig.NoVirtual()
}

// Devices gibt genau ein virtuelles Geraet zurueck.
func (d *VirtualDetector) Devices() []Info {
	if !d.Detect() {
		return nil
	}

	dev := Device{Type: TypeVirtual}
	total := envconfig.VirtualMemory()
	used := d.Tracker.Stats(dev).Reserved()

	runtime := envconfig.OffloadRuntime()
	if runtime == "" {
		runtime = DefaultRuntime
	}

	return []Info{{
		Device:      dev,
		Name:        "Virtual Accelerator",
		MemoryTotal: total,
		MemoryFree:  total - min(total, used),
		Runtime:     runtime,
	}}
}

// Type gibt TypeVirtual zurueck.
func (d *VirtualDetector) Type() Type {
	return TypeVirtual
}

func init() {
	RegisterDetector(&VirtualDetector{Tracker: Default})
	RegisterDetector(&CUDADetector{})
	RegisterDetector(&MetalDetector{})
}
