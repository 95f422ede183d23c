// cmd_bench.go - Benchmark Command
// Hauptfunktionen: BenchHandler, listRunsHandler
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/diffusion/benchmark"
	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/format"
	"github.com/ollama/diffusion/logutil"
	"github.com/ollama/diffusion/progress"
)

// benchScenarios - Szenarien aus Datei oder Defaults, gefiltert nach --scenario
func benchScenarios(cmd *cobra.Command, args []string) ([]benchmark.Scenario, error) {
	name := "tiny-unet"
	if len(args) > 0 {
		name = args[0]
	}

	scenarios := benchmark.DefaultScenarios(name)
	if path, _ := cmd.Flags().GetString("scenarios"); path != "" {
		var err error
		if scenarios, err = benchmark.LoadScenarios(path); err != nil {
			return nil, err
		}
	}

	names, err := cmd.Flags().GetStringSlice("scenario")
	if err != nil {
		return nil, err
	}
	return benchmark.Select(scenarios, names...)
}

// BenchHandler - Fuehrt die Benchmark-Szenarien aus und speichert die Ergebnisse
func BenchHandler(cmd *cobra.Command, args []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	if runs, _ := cmd.Flags().GetBool("runs"); runs {
		return listRunsHandler(cmd)
	}

	scenarios, err := benchScenarios(cmd, args)
	if err != nil {
		return err
	}

	if dump, _ := cmd.Flags().GetBool("dump-scenarios"); dump {
		return benchmark.MarshalScenarios(os.Stdout, scenarios)
	}

	config := benchmark.DefaultConfig()
	if config.Iterations, err = cmd.Flags().GetInt("iterations"); err != nil {
		return err
	}
	if config.WarmupRuns, err = cmd.Flags().GetInt("warmup"); err != nil {
		return err
	}

	s, _ := cmd.Flags().GetString("device")
	if s == "" {
		s = envconfig.Device()
	}
	if s != "" {
		dev, err := device.Parse(s)
		if err != nil {
			return err
		}
		config.Device = &dev
	}

	p := progress.NewProgress(os.Stderr)
	defer p.StopAndClear()

	spinner := progress.NewSpinner("")
	p.Add("", spinner)

	runner := benchmark.NewRunner(config, scenarios)
	runner.OnScenario = func(i, total int, sc benchmark.Scenario) {
		spinner.SetMessage(fmt.Sprintf("[%d/%d] %s", i+1, total, sc.Name))
	}

	report, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}
	p.StopAndClear()

	report.WriteTable(os.Stdout)

	if dir, _ := cmd.Flags().GetString("out"); dir != "" {
		paths, err := report.Export(cmd.Context(), dir, "bench-"+report.RunID[:8])
		if err != nil {
			return err
		}
		for _, path := range paths {
			fmt.Fprintln(os.Stderr, "wrote", path)
		}
	}

	if noDB, _ := cmd.Flags().GetBool("no-db"); noDB {
		return nil
	}

	path, _ := cmd.Flags().GetString("db")
	store, err := benchmark.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(cmd.Context(), report); err != nil {
		return err
	}
	slog.Debug("benchmark saved", "run_id", report.RunID, "db", path)
	fmt.Fprintf(os.Stderr, "run %s saved to %s\n", report.RunID, path)
	return nil
}

// listRunsHandler - Listet gespeicherte Laeufe oder zeigt einen Lauf an
func listRunsHandler(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("db")
	store, err := benchmark.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if id, _ := cmd.Flags().GetString("show"); id != "" {
		report, err := store.Load(cmd.Context(), id)
		if err != nil {
			return err
		}
		report.WriteTable(os.Stdout)
		return nil
	}

	runs, err := store.Runs(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, r := range runs {
		data = append(data, []string{
			r.RunID,
			r.Device,
			fmt.Sprintf("%d", r.Results),
			fmt.Sprintf("%d", r.Skipped),
			format.HumanTime(r.Timestamp, "Never"),
		})
	}

	table := newTable(os.Stdout, []string{"RUN", "DEVICE", "RESULTS", "SKIPPED", "CREATED"})
	table.AppendBulk(data)
	table.Render()
	return nil
}

// newBenchCmd - Erstellt den bench Command
func newBenchCmd() *cobra.Command {
	benchCmd := &cobra.Command{
		Use:   "bench [MODEL]",
		Short: "Benchmark offloading and precision scenarios",
		Args:  cobra.MaximumNArgs(1),
		RunE:  BenchHandler,
	}

	defaults := benchmark.DefaultConfig()
	benchCmd.Flags().String("scenarios", "", "YAML file with scenarios (default: built-in scenarios)")
	benchCmd.Flags().StringSlice("scenario", nil, "Only run the named scenarios")
	benchCmd.Flags().Int("iterations", defaults.Iterations, "Measured iterations per scenario")
	benchCmd.Flags().Int("warmup", defaults.WarmupRuns, "Warmup iterations per scenario")
	benchCmd.Flags().String("device", "", "Execution device (default $DIFFUSION_DEVICE or best available)")
	benchCmd.Flags().String("out", "", "Directory for CSV and JSON reports")
	benchCmd.Flags().String("db", envconfig.BenchDB(), "SQLite database for results")
	benchCmd.Flags().Bool("no-db", false, "Do not store results in the database")
	benchCmd.Flags().Bool("dump-scenarios", false, "Print the selected scenarios as YAML and exit")
	benchCmd.Flags().Bool("runs", false, "List stored runs")
	benchCmd.Flags().String("show", "", "With --runs, print the stored run with this id")

	return benchCmd
}
