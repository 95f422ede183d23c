package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/format"
	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/scheduler"
)

// LoadOptions describe how Load builds a pipeline.
type LoadOptions struct {
	Model model.Options

	// SchedulerConfig is a scheduler_config.json; empty uses
	// DIFFUSION_SCHEDULER_CONFIG or the defaults.
	SchedulerConfig string

	// Device overrides device.Preferred. With offloading only its index
	// is used.
	Device *device.Device

	Offload offload.Mode
}

// Load builds the registered model name with the consistency scheduler and
// places it according to opts.
func Load(name string, opts LoadOptions) (*Pipeline, error) {
	start := time.Now()

	cfg := scheduler.DefaultConfig()
	path := opts.SchedulerConfig
	if path == "" {
		path = envconfig.SchedulerConfig()
	}
	if path != "" {
		var err error
		if cfg, err = scheduler.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	mopts := opts.Model
	mopts.Device = device.CPU
	m, err := model.New(name, mopts)
	if err != nil {
		return nil, err
	}

	p := New(m, scheduler.NewCMStochasticIterative(cfg))

	dev := opts.Device
	if dev == nil {
		d, err := device.Preferred()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
		}
		dev = &d
	}

	if opts.Offload != offload.ModeNone {
		if err := p.EnableOffload(opts.Offload, dev.Index); err != nil {
			return nil, err
		}
	} else if err := p.To(*dev); err != nil {
		return nil, err
	}

	slog.Info("pipeline loaded", "model", name, "device", p.ExecutionDevice(), "offload", p.OffloadMode(),
		"parameters", nn.NumParameters(m), "size", format.HumanBytes2(nn.Bytes(m)), "duration", time.Since(start))
	return p, nil
}
