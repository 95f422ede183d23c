// MODUL: scenario
// ZWECK: Benchmark-Szenarien definieren, aus YAML laden und per Name auswaehlen
// INPUT: YAML-Datei oder eingebaute Standard-Szenarien
// OUTPUT: []Scenario
// NEBENEFFEKTE: Dateisystem-Lesezugriff bei LoadScenarios
// ABHAENGIGKEITEN: gopkg.in/yaml.v3, agnivade/levenshtein, model, offload
// HINWEISE: Quantisierung ist ohne Backend nicht verfuegbar und wird als uebersprungen gemeldet

package benchmark

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"

	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/tensor"
)

// Kind unterscheidet Einzelmodell- und Pipeline-Messungen.
type Kind string

const (
	KindModel    Kind = "model"
	KindPipeline Kind = "pipeline"
)

// InitOptions steuern den Modellaufbau.
type InitOptions struct {
	model.Options `yaml:",inline"`

	// Quantization benennt ein Quantisierungsverfahren, z.B. "bnb-nf4"
	Quantization string `yaml:"quantization,omitempty"`
}

// InputOptions beschreiben den Eingabe-Batch einer Modell-Messung.
type InputOptions struct {
	BatchSize  int     `yaml:"batch_size"`
	Timestep   float32 `yaml:"timestep"`
	Seed       uint64  `yaml:"seed"`
	ClassLabel int     `yaml:"class_label"`
}

type UpcastOptions struct {
	Storage tensor.DType `yaml:"storage_dtype"`
	Compute tensor.DType `yaml:"compute_dtype"`
}

type GroupOffloadOptions struct {
	Level offload.Level `yaml:"offload_type"`
}

// PipelineOptions gelten fuer KindPipeline.
type PipelineOptions struct {
	BatchSize  int    `yaml:"batch_size"`
	Steps      int    `yaml:"steps"`
	Offload    string `yaml:"offload"`
	OutputType string `yaml:"output_type"`
}

// Scenario ist ein einzelner Benchmark-Fall.
type Scenario struct {
	Name  string `yaml:"name"`
	Kind  Kind   `yaml:"kind"`
	Model string `yaml:"model"`

	Init  InitOptions  `yaml:"init"`
	Input InputOptions `yaml:"input"`

	LayerwiseUpcasting *UpcastOptions       `yaml:"layerwise_upcasting,omitempty"`
	GroupOffload       *GroupOffloadOptions `yaml:"group_offload,omitempty"`
	Pipeline           *PipelineOptions     `yaml:"pipeline,omitempty"`
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario without name")
	}
	if s.Model == "" {
		return fmt.Errorf("scenario %q: model is required", s.Name)
	}
	switch s.Kind {
	case "":
		s.Kind = KindModel
	case KindModel, KindPipeline:
	default:
		return fmt.Errorf("scenario %q: unknown kind %q", s.Name, s.Kind)
	}
	if s.Kind == KindPipeline && s.Pipeline == nil {
		s.Pipeline = &PipelineOptions{}
	}
	if s.Input.BatchSize == 0 {
		s.Input.BatchSize = 1
	}
	return nil
}

// DefaultScenarios gibt die eingebauten Szenarien fuer model zurueck:
// bf16, bnb-nf4, layerwise-upcasting und group-offload-leaf als
// Modell-Messungen, dazu zwei Pipeline-Messungen mit CPU-Offload.
func DefaultScenarios(name string) []Scenario {
	base := InitOptions{Options: model.Options{Seed: 0, DType: tensor.BFloat16}}
	input := InputOptions{BatchSize: 1, Timestep: 1}

	return []Scenario{
		{Name: name + "-bf16", Kind: KindModel, Model: name, Init: base, Input: input},
		{
			Name: name + "-bnb-nf4", Kind: KindModel, Model: name, Input: input,
			Init: InitOptions{Options: base.Options, Quantization: "bnb-nf4"},
		},
		{
			Name: name + "-layerwise-upcasting", Kind: KindModel, Model: name, Init: base, Input: input,
			LayerwiseUpcasting: &UpcastOptions{Storage: tensor.Float16, Compute: tensor.BFloat16},
		},
		{
			Name: name + "-group-offload-leaf", Kind: KindModel, Model: name, Init: base, Input: input,
			GroupOffload: &GroupOffloadOptions{Level: offload.LevelLeaf},
		},
		{
			Name: name + "-model-cpu-offload", Kind: KindPipeline, Model: name, Init: base,
			Pipeline: &PipelineOptions{BatchSize: 1, Steps: 2, Offload: "model", OutputType: "latent"},
		},
		{
			Name: name + "-sequential-cpu-offload", Kind: KindPipeline, Model: name, Init: base,
			Pipeline: &PipelineOptions{BatchSize: 1, Steps: 2, Offload: "sequential", OutputType: "latent"},
		},
	}
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// ParseScenarios liest Szenarien im YAML-Format.
func ParseScenarios(r io.Reader) ([]Scenario, error) {
	var f scenarioFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}

	seen := make(map[string]bool)
	for i := range f.Scenarios {
		if err := f.Scenarios[i].validate(); err != nil {
			return nil, err
		}
		if seen[f.Scenarios[i].Name] {
			return nil, fmt.Errorf("duplicate scenario %q", f.Scenarios[i].Name)
		}
		seen[f.Scenarios[i].Name] = true
	}
	return f.Scenarios, nil
}

// LoadScenarios liest eine YAML-Datei mit Szenarien.
func LoadScenarios(path string) ([]Scenario, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenarios(bytes.NewReader(bts))
}

// MarshalScenarios schreibt Szenarien als YAML, z.B. als Vorlage.
func MarshalScenarios(w io.Writer, scenarios []Scenario) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(scenarioFile{Scenarios: scenarios}); err != nil {
		return err
	}
	return enc.Close()
}

// Select waehlt Szenarien nach Name in der angegebenen Reihenfolge.
// Keine Namen waehlt alle.
func Select(scenarios []Scenario, names ...string) ([]Scenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}

	out := make([]Scenario, 0, len(names))
	for _, name := range names {
		i := slices.IndexFunc(scenarios, func(s Scenario) bool { return s.Name == name })
		if i < 0 {
			if s := suggest(name, scenarios); s != "" {
				return nil, fmt.Errorf("%w %q, did you mean %q?", ErrUnknownScenario, name, s)
			}
			return nil, fmt.Errorf("%w %q", ErrUnknownScenario, name)
		}
		out = append(out, scenarios[i])
	}
	return out, nil
}

func suggest(name string, scenarios []Scenario) string {
	best, bestDist := "", len(name)/2+1
	for _, s := range scenarios {
		if d := levenshtein.ComputeDistance(name, s.Name); d < bestDist {
			best, bestDist = s.Name, d
		}
	}
	return best
}
