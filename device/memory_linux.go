//go:build linux

package device

import "golang.org/x/sys/unix"

// hostMemory liest Gesamt- und freien Arbeitsspeicher via sysinfo(2).
func hostMemory() (total, free uint64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0
	}
	unit := uint64(info.Unit)
	return uint64(info.Totalram) * unit, uint64(info.Freeram) * unit
}
