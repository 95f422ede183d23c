package nn

import (
	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/tensor"
)

// Walk visits m and all descendants depth first. path is the dotted module path.
func Walk(m Module, fn func(path string, m Module) error) error {
	return walk(m.Name(), m, fn)
}

func walk(path string, m Module, fn func(string, Module) error) error {
	if err := fn(path, m); err != nil {
		return err
	}
	for _, c := range m.Children() {
		if err := walk(path+"."+c.Name(), c, fn); err != nil {
			return err
		}
	}
	return nil
}

// Modules returns m and its descendants in walk order.
func Modules(m Module) []Module {
	var out []Module
	_ = Walk(m, func(_ string, m Module) error {
		out = append(out, m)
		return nil
	})
	return out
}

// Leaves returns the descendants of m that own parameters and have no children.
func Leaves(m Module) []Module {
	var out []Module
	for _, mm := range Modules(m) {
		if len(mm.Children()) == 0 && len(mm.Parameters()) > 0 {
			out = append(out, mm)
		}
	}
	return out
}

// AllParameters returns the parameters of m and its descendants.
func AllParameters(m Module) []*Parameter {
	var out []*Parameter
	for _, mm := range Modules(m) {
		out = append(out, mm.Parameters()...)
	}
	return out
}

// Bytes is the storage footprint of all parameters of m.
func Bytes(m Module) uint64 {
	var n uint64
	for _, p := range AllParameters(m) {
		n += p.Value.Bytes()
	}
	return n
}

func NumParameters(m Module) int {
	var n int
	for _, p := range AllParameters(m) {
		n += p.Value.Numel()
	}
	return n
}

// DeviceOf returns the device of the first parameter found, CPU otherwise.
func DeviceOf(m Module) device.Device {
	for _, p := range AllParameters(m) {
		return p.Value.Device()
	}
	return device.CPU
}

// ExecutionDevice returns the first device reported by a hook in m, if any.
func ExecutionDevice(m Module) (device.Device, bool) {
	for _, mm := range Modules(m) {
		if ed, ok := mm.Hook().(ExecutionDevicer); ok {
			if d, ok := ed.ExecutionDevice(); ok {
				return d, true
			}
		}
	}
	return device.Device{}, false
}

// MoveParameters moves the parameters owned directly by m and keeps the
// device tracker in sync.
func MoveParameters(m Module, dev device.Device, dtype tensor.DType) {
	for _, p := range m.Parameters() {
		Move(p, dev, dtype)
	}
}

// Move replaces the value of p with a copy on dev.
func Move(p *Parameter, dev device.Device, dtype tensor.DType) {
	old := p.Value
	moved := old.To(dev, dtype)
	if moved == old {
		return
	}
	device.Default.Free(old.Device(), old.Bytes())
	device.Default.Alloc(moved.Device(), moved.Bytes())
	p.Value = moved
}

// MoveAll moves every parameter of m to dev, keeping each parameter's dtype.
func MoveAll(m Module, dev device.Device) {
	for _, p := range AllParameters(m) {
		Move(p, dev, p.Value.DType())
	}
}

// CastAll converts every parameter of m to dtype in place.
func CastAll(m Module, dtype tensor.DType) {
	for _, p := range AllParameters(m) {
		Move(p, p.Value.Device(), dtype)
	}
}

// RemoveHooks clears the hooks of m and all descendants.
func RemoveHooks(m Module) {
	for _, mm := range Modules(m) {
		mm.SetHook(nil)
	}
}
