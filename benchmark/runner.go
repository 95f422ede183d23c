// MODUL: runner
// ZWECK: Szenarien ausfuehren: Aufbau, Warmup, gemessene Iterationen, Aufraeumen
// INPUT: Config, []Scenario
// OUTPUT: *Report mit einem Result je Szenario
// NEBENEFFEKTE: Rechenlast, Peak-Statistik des Ausfuehrungsgeraets wird zurueckgesetzt
// ABHAENGIGKEITEN: device, pipeline, google/uuid, runtime (Heap-Messung)
// HINWEISE: Fehlende Abhaengigkeiten ueberspringen ein Szenario, andere Fehler brechen ab

package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/pipeline"
	"github.com/ollama/diffusion/tensor"
	"github.com/ollama/diffusion/version"
)

// Runner fuehrt Benchmarks basierend auf Konfiguration aus.
type Runner struct {
	config    Config
	scenarios []Scenario

	// OnScenario wird vor jedem Szenario aufgerufen (z.B. fuer Fortschrittsanzeigen)
	OnScenario func(i, total int, sc Scenario)
}

// NewRunner erstellt einen neuen Benchmark-Runner.
func NewRunner(config Config, scenarios []Scenario) *Runner {
	if config.Iterations < 1 {
		config.Iterations = 1
	}
	config.WarmupRuns = max(config.WarmupRuns, 0)
	return &Runner{config: config, scenarios: scenarios}
}

func logger(sc Scenario) *slog.Logger {
	return slog.With("scenario", sc.Name)
}

func (r *Runner) device() (device.Device, error) {
	if r.config.Device != nil {
		if !device.IsAvailable(*r.config.Device) {
			return device.Device{}, fmt.Errorf("%w: %w", ErrDependencyUnavailable, &device.BackendError{Type: r.config.Device.Type, Op: "benchmark"})
		}
		return *r.config.Device, nil
	}
	return device.Preferred()
}

// Run fuehrt alle Szenarien nacheinander aus.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	exec, err := r.device()
	if err != nil {
		return nil, err
	}

	report := NewReport(uuid.NewString(), r.config, exec)
	for i, sc := range r.scenarios {
		if err := sc.validate(); err != nil {
			return nil, err
		}
		if r.OnScenario != nil {
			r.OnScenario(i, len(r.scenarios), sc)
		}

		res, err := r.runScenario(ctx, sc, exec)
		switch {
		case errors.Is(err, ErrDependencyUnavailable):
			logger(sc).Warn("scenario skipped", "error", err)
			res = Result{
				Scenario: sc.Name, Kind: sc.Kind, Model: sc.Model, Device: exec.String(),
				DType: sc.Init.DType.String(), Skipped: true, SkipReason: err.Error(),
			}
		case err != nil:
			return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

func (r *Runner) runScenario(ctx context.Context, sc Scenario, exec device.Device) (Result, error) {
	device.EmptyCache(exec)
	device.ResetPeak(exec)

	res := Result{
		Scenario:   sc.Name,
		Kind:       sc.Kind,
		Model:      sc.Model,
		Device:     exec.String(),
		DType:      sc.Init.DType.String(),
		Iterations: r.config.Iterations,
	}

	var (
		fn      func() error
		batch   int
		cleanup func()
		peakDev = exec
	)

	switch sc.Kind {
	case KindPipeline:
		p, done, err := initPipeline(sc, exec)
		if err != nil {
			return res, err
		}
		cleanup = done
		res.NumParams = nn.NumParameters(p.Model)
		if peakDev = p.ExecutionDevice(); peakDev != exec {
			device.ResetPeak(peakDev)
		}
		res.Device = peakDev.String()

		opts := pipeline.DefaultOptions()
		if sc.Pipeline.BatchSize > 0 {
			opts.BatchSize = sc.Pipeline.BatchSize
		}
		if sc.Pipeline.Steps > 0 {
			opts.Steps = sc.Pipeline.Steps
		}
		if sc.Pipeline.OutputType != "" {
			opts.OutputType = pipeline.OutputType(sc.Pipeline.OutputType)
		}
		batch = opts.BatchSize

		fn = func() error {
			opts.Generators = tensor.Generators(sc.Init.Seed)
			_, err := p.Call(ctx, opts)
			return err
		}
	default:
		m, done, err := initModel(sc, exec)
		if err != nil {
			return res, err
		}
		cleanup = done
		res.NumParams = nn.NumParameters(m)

		x, labels, err := modelInput(sc, m.Config(), exec)
		if err != nil {
			cleanup()
			return res, err
		}
		batch = sc.Input.BatchSize

		fn = func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := nn.Forward(m, func() (*tensor.Tensor, error) {
				return m.Forward(x, sc.Input.Timestep, labels)
			})
			return err
		}
	}
	defer cleanup()

	for range r.config.WarmupRuns {
		if err := fn(); err != nil {
			return res, err
		}
	}

	// GC erzwingen vor Messung
	runtime.GC()
	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	latencies := make([]time.Duration, 0, r.config.Iterations)
	for range r.config.Iterations {
		start := time.Now()
		if err := fn(); err != nil {
			return res, err
		}
		latencies = append(latencies, time.Since(start))
	}

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)

	stats := calculateStats(latencies)
	res.MeanLatency = stats.mean
	res.StdDevLatency = stats.stddev
	res.MinLatency = stats.min
	res.MaxLatency = stats.max
	res.P95Latency = stats.p95
	if stats.total > 0 {
		res.Throughput = float64(batch*r.config.Iterations) / stats.total.Seconds()
	}
	res.PeakMemory = device.MemoryStats(peakDev).Peak
	res.HostMemory = memAfter.TotalAlloc - memBefore.TotalAlloc

	logger(sc).Info("scenario complete", "mean", res.MeanLatency, "p95", res.P95Latency, "peak", res.PeakMemory)
	return res, nil
}

// SystemInfo enthaelt Systeminformationen zum Benchmark.
type SystemInfo struct {
	OS       string   `json:"os"`
	Arch     string   `json:"arch"`
	CPUCores int      `json:"cpu_cores"`
	Devices  []string `json:"devices"`
	Version  string   `json:"version"`
}

func systemInfo() SystemInfo {
	info := SystemInfo{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUCores: runtime.NumCPU(),
		Version:  version.Version,
	}
	for _, d := range device.Devices() {
		info.Devices = append(info.Devices, d.Device.String())
	}
	return info
}
