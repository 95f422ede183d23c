// MODUL: report
// ZWECK: Report-Generierung fuer Benchmark-Ergebnisse (Tabelle, CSV, JSON)
// INPUT: Report mit Results
// OUTPUT: Formatierte Reports auf io.Writer oder als Dateien
// NEBENEFFEKTE: Dateisystem-Schreibzugriff bei Export
// ABHAENGIGKEITEN: olekukonko/tablewriter, encoding/csv, encoding/json, x/sync/errgroup
// HINWEISE: CSV-Spalten entsprechen den Spalten der SQLite-Tabelle results

package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/format"
)

// Report enthaelt alle Benchmark-Ergebnisse eines Laufs mit Metadaten.
type Report struct {
	RunID      string     `json:"run_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Device     string     `json:"device"`
	SystemInfo SystemInfo `json:"system_info"`
	Config     Config     `json:"config"`
	Results    []Result   `json:"results"`
}

// NewReport erstellt einen leeren Report fuer einen Lauf.
func NewReport(runID string, config Config, exec device.Device) *Report {
	return &Report{
		RunID:      runID,
		Timestamp:  time.Now().UTC(),
		Device:     exec.String(),
		SystemInfo: systemInfo(),
		Config:     config,
	}
}

// ============================================================================
// Tabelle
// ============================================================================

// WriteTable schreibt die Ergebnisse als Tabelle.
func (r *Report) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"SCENARIO", "KIND", "DEVICE", "PARAMS", "MEAN", "P95", "STDDEV", "THROUGHPUT", "PEAK MEMORY"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for _, res := range r.Results {
		if res.Skipped {
			table.Append([]string{res.Scenario, string(res.Kind), res.Device, "-", "skipped", "-", "-", "-", "-"})
			continue
		}
		table.Append([]string{
			res.Scenario,
			string(res.Kind),
			res.Device,
			format.HumanNumber(uint64(res.NumParams)),
			formatDuration(res.MeanLatency),
			formatDuration(res.P95Latency),
			formatDuration(res.StdDevLatency),
			fmt.Sprintf("%.1f/s", res.Throughput),
			format.HumanBytes2(res.PeakMemory),
		})
	}
	table.Render()
}

// ============================================================================
// CSV
// ============================================================================

var csvHeader = []string{
	"run_id", "scenario", "kind", "model", "device", "dtype", "num_params", "iterations",
	"skipped", "skip_reason", "mean_ms", "stddev_ms", "min_ms", "max_ms", "p95_ms",
	"throughput", "peak_memory_bytes", "host_memory_bytes",
}

// WriteCSV schreibt die Ergebnisse als CSV.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for _, res := range r.Results {
		if err := cw.Write(r.csvRow(res)); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func (r *Report) csvRow(res Result) []string {
	return []string{
		r.RunID,
		res.Scenario,
		string(res.Kind),
		res.Model,
		res.Device,
		res.DType,
		strconv.Itoa(res.NumParams),
		strconv.Itoa(res.Iterations),
		strconv.FormatBool(res.Skipped),
		res.SkipReason,
		millis(res.MeanLatency),
		millis(res.StdDevLatency),
		millis(res.MinLatency),
		millis(res.MaxLatency),
		millis(res.P95Latency),
		strconv.FormatFloat(res.Throughput, 'f', 2, 64),
		strconv.FormatUint(res.PeakMemory, 10),
		strconv.FormatUint(res.HostMemory, 10),
	}
}

// ============================================================================
// JSON
// ============================================================================

// WriteJSON schreibt den Report als JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

// ============================================================================
// Export
// ============================================================================

// Export schreibt <prefix>.csv und <prefix>.json nach dir.
func (r *Report) Export(ctx context.Context, dir, prefix string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	paths := []string{
		filepath.Join(dir, prefix+".csv"),
		filepath.Join(dir, prefix+".json"),
	}
	writers := []func(io.Writer) error{r.WriteCSV, r.WriteJSON}

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		write := writers[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return writeFile(path, write)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ============================================================================
// Formatierungs-Hilfsfunktionen
// ============================================================================

func millis(d time.Duration) string {
	return strconv.FormatFloat(float64(d.Microseconds())/1000, 'f', 3, 64)
}

// formatDuration formatiert eine Duration fuer menschliche Lesbarkeit.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
