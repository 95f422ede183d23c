// MODUL: device
// ZWECK: Logische Geraete (cpu, cuda, metal, virtual, meta) und deren Adressierung
// INPUT: Geraete-Strings wie "cpu", "cuda:0", "virtual:1"
// OUTPUT: Device-Werte, Parse-Fehler
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: Keine externen (nur stdlib)
// HINWEISE: "meta" ist ein Platzhalter ohne Speicher, genutzt vom sequentiellen Offload

package device

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// Geraete-Typen
// ============================================================================

// Type identifiziert die Art eines Geraets.
type Type string

const (
	TypeCPU     Type = "cpu"
	TypeCUDA    Type = "cuda"
	TypeMetal   Type = "metal"
	TypeVirtual Type = "virtual"
	TypeMeta    Type = "meta"
)

// Device adressiert ein konkretes Geraet.
type Device struct {
	Type  Type
	Index int
}

var (
	// CPU ist der Host-Speicher.
	CPU = Device{Type: TypeCPU}

	// Meta haelt nur Shapes, keine Daten.
	Meta = Device{Type: TypeMeta}
)

// String liefert die kanonische Schreibweise, z.B. "cuda:0".
func (d Device) String() string {
	switch d.Type {
	case "":
		return string(TypeCPU)
	case TypeCPU, TypeMeta:
		return string(d.Type)
	default:
		return fmt.Sprintf("%s:%d", d.Type, d.Index)
	}
}

// IsAccelerator meldet, ob das Geraet ein Beschleuniger mit eigenem Speicher ist.
func (d Device) IsAccelerator() bool {
	switch d.Type {
	case TypeCUDA, TypeMetal, TypeVirtual:
		return true
	}
	return false
}

// IsHost meldet, ob das Geraet der Host ist. Der Nullwert zaehlt als Host.
func (d Device) IsHost() bool {
	return d.Type == TypeCPU || d.Type == ""
}

// WithIndex gibt das gleiche Geraete-Typ mit anderem Index zurueck.
func (d Device) WithIndex(i int) Device {
	d.Index = i
	return d
}

// Parse liest Strings wie "cpu", "cuda", "cuda:1", "virtual:0" oder "meta".
func Parse(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CPU, nil
	}

	name, idx, hasIndex := strings.Cut(s, ":")
	d := Device{Type: Type(name)}
	switch d.Type {
	case TypeCPU, TypeMeta:
		if hasIndex {
			return Device{}, fmt.Errorf("device %q does not take an index", name)
		}
		return d, nil
	case TypeCUDA, TypeMetal, TypeVirtual:
	case "mps":
		d.Type = TypeMetal
	case "gpu":
		d.Type = TypeCUDA
	default:
		return Device{}, fmt.Errorf("unknown device %q", s)
	}

	if hasIndex {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index %q", idx)
		}
		d.Index = n
	}

	return d, nil
}
