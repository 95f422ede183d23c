//go:build !linux

package device

// hostMemory ist ausserhalb von Linux nicht implementiert.
func hostMemory() (total, free uint64) {
	return 0, 0
}
