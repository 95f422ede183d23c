// MODUL: cuda
// ZWECK: Platzhalter-Detektor fuer CUDA
// INPUT: Keine
// OUTPUT: Leere Info-Liste, false fuer Detect
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: detect.go
// HINWEISE: Es wird keine native CUDA-Runtime mitgeliefert

package device

// CUDADetector meldet CUDA als nicht verfuegbar.
type CUDADetector struct{}

// Detect gibt immer false zurueck.
func (d *CUDADetector) Detect() bool {
	return false
}

// Devices gibt leere Liste zurueck.
func (d *CUDADetector) Devices() []Info {
	return nil
}

// Type gibt TypeCUDA zurueck.
func (d *CUDADetector) Type() Type {
	return TypeCUDA
}
