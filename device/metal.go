// MODUL: metal
// ZWECK: Platzhalter-Detektor fuer Metal (Apple Silicon)
// INPUT: Keine
// OUTPUT: Leere Info-Liste, false fuer Detect
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: detect.go
// HINWEISE: Es wird keine native Metal-Runtime mitgeliefert

package device

// MetalDetector meldet Metal als nicht verfuegbar.
type MetalDetector struct{}

// Detect gibt immer false zurueck.
func (d *MetalDetector) Detect() bool {
	return false
}

// Devices gibt leere Liste zurueck.
func (d *MetalDetector) Devices() []Info {
	return nil
}

// Type gibt TypeMetal zurueck.
func (d *MetalDetector) Type() Type {
	return TypeMetal
}
