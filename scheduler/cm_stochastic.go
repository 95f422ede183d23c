// cm_stochastic.go - Multistep-Scheduler fuer Consistency Models
// Karras-Sigmas, Randbedingungs-Skalierung (c_skip, c_out) und optionale
// Rauschinjektion zwischen den Schritten.
package scheduler

import (
	"fmt"
	"log/slog"
	"math"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/tensor"
)

// Config holds the parameters of CMStochasticIterative as stored in a
// scheduler_config.json.
type Config struct {
	ClassName         string  `json:"_class_name,omitempty"`
	NumTrainTimesteps int     `json:"num_train_timesteps"`
	SigmaMin          float64 `json:"sigma_min"`
	SigmaMax          float64 `json:"sigma_max"`
	SigmaData         float64 `json:"sigma_data"`
	SNoise            float64 `json:"s_noise"`
	Rho               float64 `json:"rho"`
	ClipDenoised      bool    `json:"clip_denoised"`
}

// DefaultConfig returns the consistency-model defaults.
func DefaultConfig() Config {
	return Config{
		ClassName:         "CMStochasticIterativeScheduler",
		NumTrainTimesteps: 40,
		SigmaMin:          0.002,
		SigmaMax:          80,
		SigmaData:         0.5,
		SNoise:            1,
		Rho:               7,
		ClipDenoised:      true,
	}
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LoadConfig reads a scheduler_config.json. Missing keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.NumTrainTimesteps < 2 {
		return cfg, fmt.Errorf("parse %s: num_train_timesteps must be at least 2", path)
	}

	return cfg, nil
}

// CMStochasticIterative is the multistep consistency sampler.
type CMStochasticIterative struct {
	cfg Config

	sigmas    []float64
	timesteps []float32
	device    device.Device
	stepIndex int // -1 until the first lookup
	custom    bool
}

// NewCMStochasticIterative returns a scheduler with the full training schedule.
func NewCMStochasticIterative(cfg Config) *CMStochasticIterative {
	s := &CMStochasticIterative{cfg: cfg, stepIndex: -1}

	n := cfg.NumTrainTimesteps
	ramp := make([]float64, n)
	for i := range ramp {
		ramp[i] = float64(i) / float64(n-1)
	}
	s.sigmas = s.karras(ramp)
	s.timesteps = make([]float32, n)
	for i, sigma := range s.sigmas {
		s.timesteps[i] = sigmaToT(sigma)
	}

	return s
}

func (s *CMStochasticIterative) Config() Config { return s.cfg }

func (s *CMStochasticIterative) InitNoiseSigma() float32 {
	return float32(s.cfg.SigmaMax)
}

func (s *CMStochasticIterative) Timesteps() []float32 {
	return s.timesteps
}

// Sigmas returns the noise levels of the current schedule, including the
// trailing sigma_min.
func (s *CMStochasticIterative) Sigmas() []float64 {
	return s.sigmas
}

func (s *CMStochasticIterative) karras(ramp []float64) []float64 {
	minInv := math.Pow(s.cfg.SigmaMin, 1/s.cfg.Rho)
	maxInv := math.Pow(s.cfg.SigmaMax, 1/s.cfg.Rho)

	sigmas := make([]float64, len(ramp))
	for i, r := range ramp {
		sigmas[i] = math.Pow(maxInv+r*(minInv-maxInv), s.cfg.Rho)
	}
	return sigmas
}

func sigmaToT(sigma float64) float32 {
	return float32(1000 * 0.25 * math.Log(sigma+1e-44))
}

func (s *CMStochasticIterative) SetTimesteps(numSteps int, timesteps []int, dev device.Device) error {
	n := s.cfg.NumTrainTimesteps

	var steps []int
	switch {
	case timesteps != nil:
		if len(timesteps) == 0 {
			return fmt.Errorf("%w: empty timestep list", ErrTimesteps)
		}
		for i := 1; i < len(timesteps); i++ {
			if timesteps[i] >= timesteps[i-1] {
				return fmt.Errorf("%w: must be in descending order", ErrTimesteps)
			}
		}
		if timesteps[0] >= n {
			return fmt.Errorf("%w: must start before num_train_timesteps %d, got %d", ErrTimesteps, n, timesteps[0])
		}
		steps = timesteps
		s.custom = true
	case numSteps > 0:
		if numSteps > n {
			return fmt.Errorf("%w: %d steps exceed num_train_timesteps %d", ErrTimesteps, numSteps, n)
		}
		ratio := n / numSteps
		steps = make([]int, numSteps)
		for i := range steps {
			steps[i] = (numSteps - 1 - i) * ratio
		}
		s.custom = false
	default:
		return fmt.Errorf("%w: need a step count or a timestep list", ErrTimesteps)
	}

	// Der Rampenwert waechst entgegen der Timesteps, also sinkt Sigma.
	ramp := make([]float64, len(steps))
	for i := range steps {
		ramp[i] = float64(steps[len(steps)-1-i]) / float64(n-1)
	}

	sigmas := s.karras(ramp)
	s.timesteps = make([]float32, len(sigmas))
	for i, sigma := range sigmas {
		s.timesteps[i] = sigmaToT(sigma)
	}

	s.sigmas = append(sigmas, s.cfg.SigmaMin)
	s.device = dev
	s.stepIndex = -1

	slog.Debug("scheduler timesteps", "steps", len(s.timesteps), "custom", s.custom, "sigma_max", sigmas[0])
	return nil
}

// indexFor looks t up in the schedule. If t occurs more than once the second
// match is used.
func (s *CMStochasticIterative) indexFor(t float32) (int, error) {
	var found []int
	for i, ts := range s.timesteps {
		if ts == t {
			found = append(found, i)
		}
	}

	switch len(found) {
	case 0:
		return 0, fmt.Errorf("%w: %v is not part of the schedule", ErrTimesteps, t)
	case 1:
		return found[0], nil
	default:
		return found[1], nil
	}
}

func (s *CMStochasticIterative) initStepIndex(t float32) error {
	if s.stepIndex >= 0 {
		return nil
	}
	idx, err := s.indexFor(t)
	if err != nil {
		return err
	}
	s.stepIndex = idx
	return nil
}

// ScaleModelInput divides the sample by sqrt(sigma^2 + sigma_data^2).
func (s *CMStochasticIterative) ScaleModelInput(sample *tensor.Tensor, t float32) (*tensor.Tensor, error) {
	if err := s.initStepIndex(t); err != nil {
		return nil, err
	}

	sigma := s.sigmas[s.stepIndex]
	return sample.Scale(float32(1 / math.Sqrt(sigma*sigma+s.cfg.SigmaData*s.cfg.SigmaData))), nil
}

// Scalings returns the boundary-condition coefficients for sigma.
func (s *CMStochasticIterative) Scalings(sigma float64) (cSkip, cOut float64) {
	sd := s.cfg.SigmaData
	d := sigma - s.cfg.SigmaMin
	cSkip = sd * sd / (d*d + sd*sd)
	cOut = d * sd / math.Sqrt(sigma*sigma+sd*sd)
	return cSkip, cOut
}

func (s *CMStochasticIterative) Step(out *tensor.Tensor, t float32, sample *tensor.Tensor, useNoise bool, gens []*tensor.Generator) (*StepOutput, error) {
	if err := s.initStepIndex(t); err != nil {
		return nil, err
	}
	if s.stepIndex+1 >= len(s.sigmas) {
		return nil, fmt.Errorf("%w: step past the end of the schedule", ErrTimesteps)
	}

	sigma := s.sigmas[s.stepIndex]
	sigmaNext := s.sigmas[s.stepIndex+1]
	cSkip, cOut := s.Scalings(sigma)

	denoised, err := out.Scale(float32(cOut)).AddScaled(sample, float32(cSkip))
	if err != nil {
		return nil, err
	}
	if s.cfg.ClipDenoised {
		denoised = denoised.Clamp(-1, 1)
	}

	prev := denoised
	if useNoise {
		noise, err := tensor.Randn(out.Shape(), gens, out.DType(), out.Device())
		if err != nil {
			return nil, err
		}

		sigmaHat := min(max(sigmaNext, s.cfg.SigmaMin), s.cfg.SigmaMax)
		scale := s.cfg.SNoise * math.Sqrt(sigmaHat*sigmaHat-s.cfg.SigmaMin*s.cfg.SigmaMin)
		if prev, err = denoised.AddScaled(noise, float32(scale)); err != nil {
			return nil, err
		}
	}

	s.stepIndex++
	return &StepOutput{PrevSample: prev, Denoised: denoised}, nil
}
