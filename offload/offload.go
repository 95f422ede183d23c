// Package offload verschiebt Modellgewichte zwischen Host und Beschleuniger.
//
// Diese Datei enthaelt:
// - Fehler und Mindestversionen der Offload-Runtime
// - Mode (none, sequential, model)
// - CheckRuntime fuer die Versionspruefung per semver
package offload

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/ollama/diffusion/device"
)

var ErrDependencyUnavailable = errors.New("dependency unavailable")

const (
	// Mindestversion fuer sequentielles Offload
	MinSequentialRuntime = "v0.14.0"

	// Mindestversion fuer Offload ganzer Modelle
	MinModelRuntime = "v0.17.0"
)

// Mode selects how model weights are placed during inference.
type Mode int

const (
	ModeNone Mode = iota
	ModeSequential
	ModeModel
)

func (m Mode) String() string {
	switch m {
	case ModeSequential:
		return "sequential"
	case ModeModel:
		return "model"
	default:
		return "none"
	}
}

// ParseMode accepts "none", "sequential" and "model" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return ModeNone, nil
	case "sequential", "seq":
		return ModeSequential, nil
	case "model", "whole", "whole-model":
		return ModeModel, nil
	}
	return ModeNone, fmt.Errorf("unknown offload mode %q", s)
}

// CheckRuntime verifies that dev is an available accelerator whose offload
// runtime is at least minVersion.
func CheckRuntime(dev device.Device, minVersion string) error {
	if !dev.IsAccelerator() {
		return fmt.Errorf("%w: offloading needs an accelerator, got %s", ErrDependencyUnavailable, dev)
	}

	info, err := device.Lookup(dev)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
	}

	v := info.Runtime
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}

	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %s reports no offload runtime", ErrDependencyUnavailable, dev)
	}

	if semver.Compare(v, minVersion) < 0 {
		return fmt.Errorf("%w: offload runtime %s on %s is older than %s", ErrDependencyUnavailable, info.Runtime, dev, minVersion)
	}

	return nil
}
