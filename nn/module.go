// module.go - Modulbaum mit Parametern und Forward-Hooks
// Modelle bestehen aus verschachtelten Modulen; Hooks koennen vor und nach
// dem Forward eines Moduls Parameter verschieben (Offload, Upcasting).
package nn

import (
	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/tensor"
)

// Parameter is a named weight owned by exactly one module.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
}

// Hook runs around the forward pass of a single module.
type Hook interface {
	PreForward(m Module) error
	PostForward(m Module) error
}

// ExecutionDevicer is implemented by hooks that place a module on a device
// other than the one its parameters currently live on.
type ExecutionDevicer interface {
	ExecutionDevice() (device.Device, bool)
}

// Module is a node in a model tree.
type Module interface {
	Name() string
	Children() []Module

	// Parameters returns the parameters owned directly by this module.
	Parameters() []*Parameter

	Hook() Hook
	SetHook(Hook)
}

// Base implements Module and is meant to be embedded.
type Base struct {
	name     string
	params   []*Parameter
	children []Module
	hook     Hook
}

func NewBase(name string) Base {
	return Base{name: name}
}

func (b *Base) Name() string             { return b.name }
func (b *Base) Children() []Module       { return b.children }
func (b *Base) Parameters() []*Parameter { return b.params }
func (b *Base) Hook() Hook               { return b.hook }
func (b *Base) SetHook(h Hook)           { b.hook = h }

// AddParameter registers a parameter and accounts its memory on its device.
func (b *Base) AddParameter(name string, v *tensor.Tensor) *Parameter {
	p := &Parameter{Name: name, Value: v}
	b.params = append(b.params, p)
	device.Default.Alloc(v.Device(), v.Bytes())
	return p
}

func (b *Base) AddChild(m Module) {
	b.children = append(b.children, m)
}

// Forward runs fn between the pre and post hooks of m. The post hook is
// skipped when fn fails.
func Forward[T any](m Module, fn func() (T, error)) (T, error) {
	var zero T
	h := m.Hook()
	if h != nil {
		if err := h.PreForward(m); err != nil {
			return zero, err
		}
	}

	out, err := fn()
	if err != nil {
		return zero, err
	}

	if h != nil {
		if err := h.PostForward(m); err != nil {
			return zero, err
		}
	}
	return out, nil
}
