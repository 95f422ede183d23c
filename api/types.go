// types.go - API-Typen fuer den Diffusion-Server
// Enthaelt: StatusError, ClassLabels, GenerateRequest/Response, ProcessResponse, DevicesResponse
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the diffusion server logs for details"
	}
}

// ClassLabels is either a single class id or one id per batch element.
type ClassLabels struct {
	Values []int
	Scalar bool
}

func (c *ClassLabels) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		c.Values = []int{n}
		c.Scalar = true
		return nil
	}

	var ns []int
	if err := json.Unmarshal(data, &ns); err == nil {
		c.Values = ns
		c.Scalar = false
		return nil
	}

	return errors.New("class_labels must be an integer or a list of integers")
}

func (c *ClassLabels) MarshalJSON() ([]byte, error) {
	if c == nil || c.Values == nil {
		return []byte("null"), nil
	}
	if c.Scalar && len(c.Values) == 1 {
		return json.Marshal(c.Values[0])
	}
	return json.Marshal(c.Values)
}

// GenerateRequest describes a single pipeline invocation.
type GenerateRequest struct {
	// Model is the registered model name, e.g. "tiny-unet".
	Model string `json:"model"`

	BatchSize   int          `json:"batch_size,omitempty"`
	ClassLabels *ClassLabels `json:"class_labels,omitempty"`

	// Steps and Timesteps are mutually exclusive; Timesteps wins if both are set.
	Steps     int   `json:"steps,omitempty"`
	Timesteps []int `json:"timesteps,omitempty"`

	// Seed seeds one shared generator, Seeds one generator per batch element.
	Seed  *int64  `json:"seed,omitempty"`
	Seeds []int64 `json:"seeds,omitempty"`

	// OutputType is one of "pil", "np", "pt" or "latent".
	OutputType string `json:"output_type,omitempty"`

	// Format selects the image encoding for "pil" output (png, bmp, tiff).
	Format string `json:"format,omitempty"`

	// CallbackSteps controls how often progress records are streamed.
	CallbackSteps int `json:"callback_steps,omitempty"`

	// Offload overrides DIFFUSION_OFFLOAD for this request.
	Offload string `json:"offload,omitempty"`

	Stream *bool `json:"stream,omitempty"`
}

// GenerateResponse is streamed as NDJSON. Intermediate records carry
// Completed and Total, the final record has Done set.
type GenerateResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`

	Completed int `json:"completed,omitempty"`
	Total     int `json:"total,omitempty"`

	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`

	OutputType string `json:"output_type,omitempty"`

	// Images holds base64 encoded images for "pil" output.
	Images []string `json:"images,omitempty"`
	Format string   `json:"format,omitempty"`

	// Data and Shape hold the raw tensor for the other output kinds.
	Data  []float32 `json:"data,omitempty"`
	Shape []int     `json:"shape,omitempty"`

	Device        string        `json:"device,omitempty"`
	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

// ProcessModelResponse describes a loaded pipeline.
type ProcessModelResponse struct {
	Name       string    `json:"name"`
	Device     string    `json:"device"`
	Offload    string    `json:"offload"`
	DType      string    `json:"dtype"`
	Parameters int64     `json:"parameters"`
	Size       uint64    `json:"size"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// MemoryStats mirrors the allocator statistics of one device.
type MemoryStats struct {
	Allocated uint64 `json:"allocated"`
	Cached    uint64 `json:"cached"`
	Peak      uint64 `json:"peak"`
}

type ProcessResponse struct {
	Models []ProcessModelResponse `json:"models"`
	Memory map[string]MemoryStats `json:"memory,omitempty"`
}

type DeviceResponse struct {
	Device      string `json:"device"`
	Name        string `json:"name"`
	MemoryTotal uint64 `json:"memory_total"`
	MemoryFree  uint64 `json:"memory_free"`
	Runtime     string `json:"runtime,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

type DevicesResponse struct {
	Devices []DeviceResponse `json:"devices"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

// ListResponse lists the registered model names.
type ListResponse struct {
	Models []string `json:"models"`
}
