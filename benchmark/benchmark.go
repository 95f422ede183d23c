// MODUL: benchmark
// ZWECK: Benchmark-Harness fuer Denoiser und Pipelines mit Latenz- und Speichermessung
// INPUT: Scenario-Liste, Config (Iterationen, Warmup, Geraet)
// OUTPUT: Result je Szenario, Report (Tabelle, CSV, JSON), SQLite-Ablage
// NEBENEFFEKTE: Rechenlast auf dem Ausfuehrungsgeraet, Speicherstatistiken werden zurueckgesetzt
// ABHAENGIGKEITEN: model, offload, pipeline, gonum/stat, tablewriter, go-sqlite3, yaml.v3
// HINWEISE: Warmup-Laeufe sind wichtig fuer stabile Messungen

package benchmark

import (
	"errors"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/offload"
)

var (
	ErrUnknownScenario       = errors.New("unknown scenario")
	ErrDependencyUnavailable = offload.ErrDependencyUnavailable
)

// ============================================================================
// Datenstrukturen - Konfiguration
// ============================================================================

// Config definiert die Parameter fuer einen Benchmark-Lauf.
type Config struct {
	Iterations int `json:"iterations"` // Anzahl Messungen (ohne Warmup)
	WarmupRuns int `json:"warmup_runs"`

	// Device ist das Ausfuehrungsgeraet; nil waehlt device.Preferred
	Device *device.Device `json:"device,omitempty"`
}

// DefaultConfig gibt eine Standard-Benchmark-Konfiguration zurueck.
func DefaultConfig() Config {
	return Config{
		Iterations: 10,
		WarmupRuns: 2,
	}
}

// ============================================================================
// Datenstrukturen - Ergebnisse
// ============================================================================

// Result enthaelt das Ergebnis eines Szenarios.
type Result struct {
	Scenario   string `json:"scenario"`
	Kind       Kind   `json:"kind"`
	Model      string `json:"model"`
	Device     string `json:"device"`
	DType      string `json:"dtype"`
	NumParams  int    `json:"num_params"`
	Iterations int    `json:"iterations"`

	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	MeanLatency   time.Duration `json:"mean_latency"`
	StdDevLatency time.Duration `json:"stddev_latency"`
	MinLatency    time.Duration `json:"min_latency"`
	MaxLatency    time.Duration `json:"max_latency"`
	P95Latency    time.Duration `json:"p95_latency"`
	Throughput    float64       `json:"throughput"` // Samples pro Sekunde

	// PeakMemory ist der Spitzenwert des Allokators auf dem Ausfuehrungsgeraet
	PeakMemory uint64 `json:"peak_memory"`
	// HostMemory ist der Heap-Zuwachs waehrend der Messung
	HostMemory uint64 `json:"host_memory"`
}

// ============================================================================
// Statistik-Hilfsfunktionen
// ============================================================================

// latencyStats enthaelt berechnete Latenz-Statistiken.
type latencyStats struct {
	total  time.Duration
	mean   time.Duration
	stddev time.Duration
	min    time.Duration
	max    time.Duration
	p95    time.Duration
}

// calculateStats berechnet Statistiken aus Latenz-Messungen.
func calculateStats(latencies []time.Duration) latencyStats {
	if len(latencies) == 0 {
		return latencyStats{}
	}

	xs := make([]float64, len(latencies))
	var total time.Duration
	for i, d := range latencies {
		xs[i] = float64(d)
		total += d
	}
	// stat.Quantile erwartet sortierte Werte
	sort.Float64s(xs)

	var stddev float64
	if len(xs) > 1 {
		stddev = stat.StdDev(xs, nil)
	}

	return latencyStats{
		total:  total,
		mean:   time.Duration(stat.Mean(xs, nil)),
		stddev: time.Duration(stddev),
		min:    time.Duration(xs[0]),
		max:    time.Duration(xs[len(xs)-1]),
		p95:    time.Duration(stat.Quantile(0.95, stat.Empirical, xs, nil)),
	}
}
