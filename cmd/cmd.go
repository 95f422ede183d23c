// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/diffusion/envconfig"
	_ "github.com/ollama/diffusion/model/models"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "diffusion",
		Short:         "Consistency model image generation",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := newServeCmd()
	generateCmd := newGenerateCmd()
	benchCmd := newBenchCmd()
	devicesCmd := newDevicesCmd()
	listCmd := newListCmd()
	psCmd := newPsCmd()

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["DIFFUSION_HOST"]}

	for _, cmd := range []*cobra.Command{
		serveCmd,
		generateCmd,
		benchCmd,
		devicesCmd,
		listCmd,
		psCmd,
	} {
		switch cmd {
		case generateCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["DIFFUSION_HOST"], envVars["DIFFUSION_OUTPUT_DIR"]})
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["DIFFUSION_DEBUG"],
				envVars["DIFFUSION_HOST"],
				envVars["DIFFUSION_ORIGINS"],
				envVars["DIFFUSION_DEVICE"],
				envVars["DIFFUSION_OFFLOAD"],
				envVars["DIFFUSION_OFFLOAD_RUNTIME"],
				envVars["DIFFUSION_NO_VIRTUAL"],
				envVars["DIFFUSION_VIRTUAL_MEMORY"],
				envVars["DIFFUSION_SCHEDULER_CONFIG"],
				envVars["DIFFUSION_MAX_QUEUE"],
			})
		case benchCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["DIFFUSION_DEBUG"],
				envVars["DIFFUSION_DEVICE"],
				envVars["DIFFUSION_OFFLOAD_RUNTIME"],
				envVars["DIFFUSION_NO_VIRTUAL"],
				envVars["DIFFUSION_VIRTUAL_MEMORY"],
				envVars["DIFFUSION_BENCH_DB"],
			})
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		generateCmd,
		benchCmd,
		devicesCmd,
		listCmd,
		psCmd,
	)

	return rootCmd
}
