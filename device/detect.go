// MODUL: detect
// ZWECK: Erkennung verfuegbarer Geraete und Auswahl des Ausfuehrungsgeraets
// INPUT: Registrierte Detektoren, DIFFUSION_DEVICE
// OUTPUT: Info-Liste, bevorzugtes Geraet, Offload-Runtime-Version
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: envconfig
// HINWEISE: CPU ist immer verfuegbar; Detektoren werden in init() registriert

package device

import (
	"fmt"
	"sync"

	"github.com/ollama/diffusion/envconfig"
)

// ============================================================================
// Info - Hardware-Informationen
// ============================================================================

// Info enthaelt Informationen ueber ein verfuegbares Geraet.
type Info struct {
	Device      Device `json:"device"`
	Name        string `json:"name"`
	MemoryTotal uint64 `json:"memory_total"`
	MemoryFree  uint64 `json:"memory_free"`

	// Runtime ist die Version der Offload-Runtime (semver, z.B. "v0.17.0").
	// Leer, wenn das Geraet kein Offload unterstuetzt.
	Runtime   string `json:"runtime,omitempty"`
	IsDefault bool   `json:"is_default"`
}

// ============================================================================
// Detection Interface
// ============================================================================

// Detector ist das Interface fuer Backend-Erkennung.
type Detector interface {
	// Detect prueft ob das Backend verfuegbar ist
	Detect() bool

	// Devices gibt alle verfuegbaren Geraete zurueck
	Devices() []Info

	// Type gibt den Geraete-Typ zurueck
	Type() Type
}

// Priority definiert die Praeferenzreihenfolge fuer die Geraeteauswahl.
type Priority []Type

// DefaultPriority gibt die Standard-Praeferenzreihenfolge zurueck.
func DefaultPriority() Priority {
	return Priority{TypeCUDA, TypeMetal, TypeVirtual, TypeCPU}
}

var (
	detectorsMu sync.RWMutex
	detectors   = make(map[Type]Detector)
)

// RegisterDetector registriert einen Detektor fuer einen Geraete-Typ.
func RegisterDetector(d Detector) {
	detectorsMu.Lock()
	defer detectorsMu.Unlock()
	detectors[d.Type()] = d
}

func detector(t Type) (Detector, bool) {
	detectorsMu.RLock()
	defer detectorsMu.RUnlock()
	d, ok := detectors[t]
	return d, ok
}

// Available gibt alle verfuegbaren Geraete-Typen in Prioritaetsreihenfolge zurueck.
func Available() []Type {
	available := []Type{TypeCPU}
	for _, t := range DefaultPriority() {
		if t == TypeCPU {
			continue
		}
		if d, ok := detector(t); ok && d.Detect() {
			available = append(available, t)
		}
	}
	return available
}

// Devices gibt alle verfuegbaren Geraete zurueck.
func Devices() []Info {
	devices := []Info{cpuInfo()}
	for _, t := range Available() {
		if t == TypeCPU {
			continue
		}
		d, _ := detector(t)
		devices = append(devices, d.Devices()...)
	}
	return devices
}

// Lookup gibt die Info zu einem Geraet zurueck.
func Lookup(dev Device) (Info, error) {
	if dev.IsHost() {
		return cpuInfo(), nil
	}

	d, ok := detector(dev.Type)
	if !ok || !d.Detect() {
		return Info{}, &BackendError{Type: dev.Type, Op: "detect"}
	}

	for _, info := range d.Devices() {
		if info.Device == dev {
			return info, nil
		}
	}

	return Info{}, fmt.Errorf("%s: no device with index %d", dev.Type, dev.Index)
}

// IsAvailable prueft ob ein bestimmtes Geraet verfuegbar ist.
func IsAvailable(dev Device) bool {
	_, err := Lookup(dev)
	return err == nil
}

// Select waehlt das erste verfuegbare Geraet nach Prioritaet.
func Select(priority Priority) Device {
	available := make(map[Type]bool)
	for _, t := range Available() {
		available[t] = true
	}

	for _, t := range priority {
		if available[t] {
			return Device{Type: t}
		}
	}

	return CPU
}

// Preferred gibt das Ausfuehrungsgeraet zurueck: DIFFUSION_DEVICE falls gesetzt,
// sonst das beste verfuegbare Geraet.
func Preferred() (Device, error) {
	if s := envconfig.Device(); s != "" {
		d, err := Parse(s)
		if err != nil {
			return Device{}, err
		}
		if !IsAvailable(d) {
			return Device{}, &BackendError{Type: d.Type, Op: "select"}
		}
		return d, nil
	}

	return Select(DefaultPriority()), nil
}

// cpuInfo gibt Informationen ueber den Host zurueck.
func cpuInfo() Info {
	total, free := hostMemory()
	return Info{
		Device:      CPU,
		Name:        "CPU",
		MemoryTotal: total,
		MemoryFree:  free,
		IsDefault:   true,
	}
}
