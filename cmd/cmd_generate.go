// cmd_generate.go - Bildgenerierung ueber den Server oder lokal
// Hauptfunktionen: GenerateHandler, generateRemote, generateLocal
package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/pipeline"
	"github.com/ollama/diffusion/progress"
	"github.com/ollama/diffusion/tensor"
)

// generateOptions - Flags des generate Commands
type generateOptions struct {
	Model         string
	BatchSize     int
	Steps         int
	Timesteps     []int
	Seeds         []int64
	Labels        []int
	OutputType    string
	Format        string
	CallbackSteps int
	Offload       string
	OutputDir     string
	Prefix        string
}

func (o generateOptions) request() *api.GenerateRequest {
	req := &api.GenerateRequest{
		Model:         o.Model,
		BatchSize:     o.BatchSize,
		Steps:         o.Steps,
		Timesteps:     o.Timesteps,
		OutputType:    o.OutputType,
		Format:        o.Format,
		CallbackSteps: o.CallbackSteps,
		Offload:       o.Offload,
	}

	switch len(o.Seeds) {
	case 0:
	case 1:
		req.Seed = &o.Seeds[0]
	default:
		req.Seeds = o.Seeds
	}

	if len(o.Labels) > 0 {
		req.ClassLabels = &api.ClassLabels{Values: o.Labels, Scalar: len(o.Labels) == 1 && o.BatchSize <= 1}
	}

	return req
}

func (o generateOptions) pipelineOptions() pipeline.Options {
	opts := pipeline.DefaultOptions()
	if o.BatchSize > 0 {
		opts.BatchSize = o.BatchSize
	}
	if o.Steps > 0 {
		opts.Steps = o.Steps
	}
	opts.Timesteps = o.Timesteps
	if o.OutputType != "" {
		opts.OutputType = pipeline.OutputType(o.OutputType)
	}
	if o.CallbackSteps != 0 {
		opts.CallbackSteps = o.CallbackSteps
	}

	if len(o.Seeds) > 0 {
		seeds := make([]uint64, len(o.Seeds))
		for i, s := range o.Seeds {
			seeds[i] = uint64(s)
		}
		opts.Generators = tensor.Generators(seeds...)
	}

	switch {
	case len(o.Labels) == 1 && o.BatchSize <= 1:
		opts.ClassLabels = pipeline.Label(o.Labels[0])
	case len(o.Labels) > 0:
		opts.ClassLabels = pipeline.Labels(o.Labels...)
	}

	return opts
}

func generateFlags(cmd *cobra.Command, args []string) (generateOptions, error) {
	opts := generateOptions{Model: "tiny-unet", OutputDir: envconfig.OutputDir()}
	if len(args) > 0 {
		opts.Model = args[0]
	}

	var err error
	flags := cmd.Flags()
	if opts.BatchSize, err = flags.GetInt("batch"); err != nil {
		return opts, err
	}
	if opts.Steps, err = flags.GetInt("steps"); err != nil {
		return opts, err
	}
	if opts.Timesteps, err = flags.GetIntSlice("timesteps"); err != nil {
		return opts, err
	}
	if opts.Seeds, err = flags.GetInt64Slice("seed"); err != nil {
		return opts, err
	}
	if opts.Labels, err = flags.GetIntSlice("label"); err != nil {
		return opts, err
	}
	if opts.OutputType, err = flags.GetString("output-type"); err != nil {
		return opts, err
	}
	if opts.Format, err = flags.GetString("format"); err != nil {
		return opts, err
	}
	if opts.CallbackSteps, err = flags.GetInt("callback-steps"); err != nil {
		return opts, err
	}
	if opts.Offload, err = flags.GetString("offload"); err != nil {
		return opts, err
	}
	if dir, _ := flags.GetString("output"); dir != "" {
		opts.OutputDir = dir
	}
	opts.Prefix = fmt.Sprintf("%s-%d", opts.Model, time.Now().Unix())

	if len(opts.Timesteps) == 0 {
		opts.Timesteps = nil
	}
	return opts, nil
}

// GenerateHandler - Erzeugt Bilder und schreibt sie nach DIFFUSION_OUTPUT_DIR
func GenerateHandler(cmd *cobra.Command, args []string) error {
	opts, err := generateFlags(cmd, args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	var paths []string
	if local, _ := cmd.Flags().GetBool("local"); local {
		paths, err = generateLocal(ctx, opts)
	} else {
		if err := checkServerHeartbeat(cmd, args); err != nil {
			return err
		}
		paths, err = generateRemote(ctx, opts)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

// generateRemote - Streamt den Fortschritt vom Server und speichert das Ergebnis
func generateRemote(ctx context.Context, opts generateOptions) ([]string, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.StopAndClear()

	spinner := progress.NewSpinner("loading " + opts.Model)
	p.Add("", spinner)

	var bar *progress.StepBar
	var latest api.GenerateResponse
	fn := func(resp api.GenerateResponse) error {
		if !resp.Done {
			if bar == nil {
				spinner.Stop()
				bar = progress.NewStepBar("denoising", resp.Total)
				p.Add("", bar)
			}
			bar.Set(resp.Completed)
			return nil
		}
		latest = resp
		return nil
	}

	if err := client.Generate(ctx, opts.request(), fn); err != nil {
		return nil, err
	}
	p.StopAndClear()

	return saveResponse(opts, latest)
}

// saveResponse - Schreibt Bilder oder Rohdaten aus der finalen Antwort
func saveResponse(opts generateOptions, resp api.GenerateResponse) ([]string, error) {
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, err
	}

	if len(resp.Images) == 0 {
		path := filepath.Join(opts.OutputDir, opts.Prefix+".json")
		bts, err := json.Marshal(struct {
			OutputType string    `json:"output_type"`
			Shape      []int     `json:"shape"`
			Data       []float32 `json:"data"`
		}{resp.OutputType, resp.Shape, resp.Data})
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, bts, 0o644); err != nil {
			return nil, err
		}
		return []string{path}, nil
	}

	f, err := pipeline.ParseImageFormat(resp.Format)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(resp.Images))
	for i, s := range resp.Images {
		bts, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return paths, fmt.Errorf("image %d: %w", i, err)
		}

		path := filepath.Join(opts.OutputDir, fmt.Sprintf("%s-%d%s", opts.Prefix, i, f.Extension()))
		if err := os.WriteFile(path, bts, 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// generateLocal - Fuehrt die Pipeline im eigenen Prozess aus
func generateLocal(ctx context.Context, opts generateOptions) ([]string, error) {
	s := opts.Offload
	if s == "" {
		s = envconfig.Offload()
	}
	mode, err := offload.ParseMode(s)
	if err != nil {
		return nil, err
	}

	f, err := pipeline.ParseImageFormat(opts.Format)
	if err != nil {
		return nil, err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.StopAndClear()

	spinner := progress.NewSpinner("loading " + opts.Model)
	p.Add("", spinner)

	pipe, err := pipeline.Load(opts.Model, pipeline.LoadOptions{Offload: mode})
	if err != nil {
		return nil, err
	}
	defer pipe.DisableOffload()

	var bar *progress.StepBar
	popts := opts.pipelineOptions()
	popts.Progress = func(step, total int) {
		if bar == nil {
			spinner.Stop()
			bar = progress.NewStepBar("denoising", total)
			p.Add("", bar)
		}
		bar.Set(step)
	}

	out, err := pipe.Call(ctx, popts)
	if err != nil {
		return nil, err
	}
	p.StopAndClear()

	if out.Type != pipeline.OutputImage {
		resp := api.GenerateResponse{OutputType: string(out.Type), Shape: out.Tensor.Shape(), Data: out.Tensor.Data()}
		return saveResponse(opts, resp)
	}

	return out.Save(opts.OutputDir, opts.Prefix, f)
}

// newGenerateCmd - Erstellt den generate Command
func newGenerateCmd() *cobra.Command {
	generateCmd := &cobra.Command{
		Use:   "generate [MODEL]",
		Short: "Generate images with a consistency model",
		Args:  cobra.MaximumNArgs(1),
		RunE:  GenerateHandler,
	}

	generateCmd.Flags().Int("batch", 1, "Number of images to generate")
	generateCmd.Flags().Int("steps", 1, "Number of denoising steps")
	generateCmd.Flags().IntSlice("timesteps", nil, "Explicit descending timesteps (overrides --steps)")
	generateCmd.Flags().Int64Slice("seed", nil, "Seed, or one seed per image")
	generateCmd.Flags().IntSlice("label", nil, "Class label, or one label per image")
	generateCmd.Flags().String("output-type", "pil", "Output kind: pil, np, pt or latent")
	generateCmd.Flags().String("format", "png", "Image format: png, bmp or tiff")
	generateCmd.Flags().Int("callback-steps", 1, "Report progress every n steps")
	generateCmd.Flags().String("offload", "", "CPU offload mode: none, sequential or model")
	generateCmd.Flags().StringP("output", "o", "", "Output directory (default $DIFFUSION_OUTPUT_DIR)")
	generateCmd.Flags().Bool("local", false, "Run the pipeline in-process instead of on the server")

	return generateCmd
}
