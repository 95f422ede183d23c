// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint/Uint64: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 gibt eine Funktion zurueck, die einen uint64 mit Default-Wert liest
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DIFFUSION_DEBUG":            {"DIFFUSION_DEBUG", LogLevel(), "Show additional debug information (e.g. DIFFUSION_DEBUG=1)"},
		"DIFFUSION_HOST":             {"DIFFUSION_HOST", Host(), "IP Address for the diffusion server (default 127.0.0.1:11435)"},
		"DIFFUSION_ORIGINS":          {"DIFFUSION_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"DIFFUSION_OUTPUT_DIR":       {"DIFFUSION_OUTPUT_DIR", OutputDir(), "Directory generated images are written to"},
		"DIFFUSION_BENCH_DB":         {"DIFFUSION_BENCH_DB", BenchDB(), "SQLite database for benchmark results"},
		"DIFFUSION_DEVICE":           {"DIFFUSION_DEVICE", Device(), "Execution device (e.g. cpu, cuda:0, virtual:0)"},
		"DIFFUSION_NO_VIRTUAL":       {"DIFFUSION_NO_VIRTUAL", NoVirtual(), "Disable the built-in virtual accelerator"},
		"DIFFUSION_VIRTUAL_MEMORY":   {"DIFFUSION_VIRTUAL_MEMORY", VirtualMemory(), "Capacity of the virtual accelerator in bytes"},
		"DIFFUSION_OFFLOAD":          {"DIFFUSION_OFFLOAD", Offload(), "CPU offload mode: none, sequential or model"},
		"DIFFUSION_OFFLOAD_RUNTIME":  {"DIFFUSION_OFFLOAD_RUNTIME", OffloadRuntime(), "Offload runtime version reported by the virtual backend"},
		"DIFFUSION_SCHEDULER_CONFIG": {"DIFFUSION_SCHEDULER_CONFIG", SchedulerConfig(), "Path to a scheduler_config.json"},
		"DIFFUSION_MAX_QUEUE":        {"DIFFUSION_MAX_QUEUE", MaxQueue(), "Maximum number of queued generation requests"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
