// Package model - Vertrag und Registry fuer Denoiser-Modelle.
//
// Diese Datei enthaelt:
// - Config mit den Kenngroessen eines Denoisers
// - Model Interface (Modulbaum + Forward)
// - Modell-Registry (Register, New, Names)
package model

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/tensor"
)

// ============================================================================
// Fehler-Definitionen
// ============================================================================

var (
	ErrUnknownModel   = errors.New("unknown model")
	ErrInvalidInput   = errors.New("invalid model input")
	ErrDeviceMismatch = errors.New("expected all tensors to be on the same device")
)

// ============================================================================
// Config und Model
// ============================================================================

// Config describes the tensors a denoiser accepts.
type Config struct {
	SampleSize     int          `json:"sample_size" yaml:"sample_size"`
	InChannels     int          `json:"in_channels" yaml:"in_channels"`
	OutChannels    int          `json:"out_channels" yaml:"out_channels"`
	NumClassEmbeds int          `json:"num_class_embeds,omitempty" yaml:"num_class_embeds,omitempty"` // 0 for unconditional models
	DType          tensor.DType `json:"dtype" yaml:"dtype"`
}

// Conditional reports whether the model expects class labels.
func (c Config) Conditional() bool {
	return c.NumClassEmbeds > 0
}

// Model is a denoiser: a module tree plus a forward pass.
type Model interface {
	nn.Module
	Config() Config

	// Forward predicts the denoiser output for sample at timestep t. labels
	// is nil for unconditional models.
	Forward(sample *tensor.Tensor, t float32, labels *tensor.IntTensor) (*tensor.Tensor, error)
}

// Options control how a registered model is constructed.
type Options struct {
	// Seed fuer die deterministische Initialisierung der Gewichte
	Seed uint64 `yaml:"seed"`

	DType  tensor.DType  `yaml:"dtype"`
	Device device.Device `yaml:"-"`

	// Optionale Ueberschreibungen; 0 behaelt den Default des Modells
	SampleSize     int `yaml:"sample_size"`
	InChannels     int `yaml:"in_channels"`
	NumClassEmbeds int `yaml:"num_class_embeds"`
	Hidden         int `yaml:"hidden"`
}

// ============================================================================
// Model Registry
// ============================================================================

var (
	mu     sync.RWMutex
	models = make(map[string]func(Options) (Model, error))
)

// Register registriert einen Modell-Konstruktor unter name.
func Register(name string, f func(Options) (Model, error)) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New erstellt eine Instanz des Modells name.
func New(name string, opts Options) (Model, error) {
	mu.RLock()
	f, ok := models[name]
	mu.RUnlock()

	if !ok {
		if s := Suggest(name, Names()); s != "" {
			return nil, fmt.Errorf("%w %q, did you mean %q?", ErrUnknownModel, name, s)
		}
		return nil, fmt.Errorf("%w %q", ErrUnknownModel, name)
	}

	return f(opts)
}

// Names gibt alle registrierten Modellnamen sortiert zurueck.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Suggest gibt den aehnlichsten Kandidaten zurueck, sofern er nah genug ist.
func Suggest(name string, candidates []string) string {
	best, bestDist := "", len(name)/2+2
	for _, c := range slices.Sorted(slices.Values(candidates)) {
		if d := levenshtein.ComputeDistance(name, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
