// Package pipeline implements the multistep consistency-model sampler: latent
// initialization, class conditioning, timestep resolution, CPU offloading, the
// denoising loop and output post-processing.
package pipeline

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/scheduler"
)

var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrDependencyUnavailable = offload.ErrDependencyUnavailable
)

// Pipeline composes a denoiser and a scheduler. It is not safe for
// concurrent calls.
type Pipeline struct {
	Model     model.Model
	Scheduler scheduler.Scheduler

	// components in registration order; models among them take part in
	// device moves and offloading
	components *orderedmap.OrderedMap[string, any]

	device  device.Device
	offload *offload.Manager
}

// New returns a pipeline with the model registered as "unet".
func New(m model.Model, s scheduler.Scheduler) *Pipeline {
	p := &Pipeline{
		Model:      m,
		Scheduler:  s,
		components: orderedmap.New[string, any](),
		device:     nn.DeviceOf(m),
		offload:    offload.NewManager(),
	}
	p.components.Set("unet", m)
	p.components.Set("scheduler", s)
	return p
}

// Register adds an extra component such as a safety checker. Modules are
// moved and offloaded together with the denoiser, after it.
func (p *Pipeline) Register(name string, c any) error {
	if _, ok := p.components.Get(name); ok {
		return fmt.Errorf("%w: component %q already registered", ErrInvalidArgument, name)
	}
	if p.offload.Mode() != offload.ModeNone {
		return fmt.Errorf("%w: cannot register %q while offloading is enabled", ErrInvalidArgument, name)
	}
	p.components.Set(name, c)
	return nil
}

// Components returns the names of all components in registration order.
func (p *Pipeline) Components() []string {
	names := make([]string, 0, p.components.Len())
	for pair := p.components.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Component looks up a registered component.
func (p *Pipeline) Component(name string) (any, bool) {
	return p.components.Get(name)
}

func (p *Pipeline) modules() []nn.Module {
	var mods []nn.Module
	for pair := p.components.Oldest(); pair != nil; pair = pair.Next() {
		if m, ok := pair.Value.(nn.Module); ok {
			mods = append(mods, m)
		}
	}
	return mods
}

// Device is the nominal device of the pipeline.
func (p *Pipeline) Device() device.Device {
	return p.device
}

// To moves every model of the pipeline to dev.
func (p *Pipeline) To(dev device.Device) error {
	if p.offload.Mode() != offload.ModeNone {
		return fmt.Errorf("%w: pipeline uses %s offloading, disable it before moving", ErrInvalidArgument, p.offload.Mode())
	}
	if !device.IsAvailable(dev) {
		return fmt.Errorf("%w: %w", ErrDependencyUnavailable, &device.BackendError{Type: dev.Type, Op: "move"})
	}

	for _, m := range p.modules() {
		nn.MoveAll(m, dev)
	}
	p.device = dev
	return nil
}
