// config_features.go - Geraete-, Offload- und Queue-Konfiguration
//
// Dieses Modul enthaelt:
// - Geraeteauswahl und virtueller Beschleuniger
// - Offload-Modus und Runtime-Version
// - Queue-Einstellungen fuer den Server
package envconfig

// =============================================================================
// Geraete-Variablen
// =============================================================================

var (
	// Device erzwingt das Ausfuehrungsgeraet (z.B. "cpu", "cuda:0", "virtual:0")
	Device = String("DIFFUSION_DEVICE")

	// NoVirtual deaktiviert den eingebauten virtuellen Beschleuniger
	NoVirtual = Bool("DIFFUSION_NO_VIRTUAL")

	// VirtualMemory setzt die Kapazitaet des virtuellen Beschleunigers (in Bytes)
	// Konfigurierbar via DIFFUSION_VIRTUAL_MEMORY
	VirtualMemory = Uint64("DIFFUSION_VIRTUAL_MEMORY", 16<<30)
)

// =============================================================================
// Offload-Variablen
// =============================================================================

var (
	// Offload waehlt den Offload-Modus: "none", "sequential" oder "model"
	Offload = String("DIFFUSION_OFFLOAD")

	// OffloadRuntime ueberschreibt die gemeldete Offload-Runtime-Version
	// des virtuellen Backends (semver, z.B. "v0.17.0")
	OffloadRuntime = String("DIFFUSION_OFFLOAD_RUNTIME")
)

// =============================================================================
// Scheduler- und Server-Einstellungen
// =============================================================================

var (
	// SchedulerConfig zeigt auf eine scheduler_config.json
	SchedulerConfig = String("DIFFUSION_SCHEDULER_CONFIG")

	// MaxQueue setzt die maximale Anzahl wartender Generierungs-Requests
	// Konfigurierbar via DIFFUSION_MAX_QUEUE
	MaxQueue = Uint("DIFFUSION_MAX_QUEUE", 64)
)
