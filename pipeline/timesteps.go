package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/ollama/diffusion/device"
)

// resolveTimesteps materializes the schedule. An explicit list wins over a
// step count. It returns the timesteps and their count.
func (p *Pipeline) resolveTimesteps(steps int, timesteps []int, dev device.Device) ([]float32, int, error) {
	switch {
	case timesteps == nil && steps <= 0:
		return nil, 0, fmt.Errorf("%w: exactly one of steps or timesteps must be supplied", ErrInvalidArgument)
	case timesteps != nil && steps > 0:
		slog.Warn("both steps and timesteps are supplied, timesteps will be used", "steps", steps, "timesteps", timesteps)
		steps = 0
	}

	if err := p.Scheduler.SetTimesteps(steps, timesteps, dev); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	ts := p.Scheduler.Timesteps()
	return ts, len(ts), nil
}
