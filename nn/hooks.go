package nn

import "github.com/ollama/diffusion/device"

// SequentialHook runs several hooks in order.
type SequentialHook []Hook

func (s SequentialHook) PreForward(m Module) error {
	for _, h := range s {
		if err := h.PreForward(m); err != nil {
			return err
		}
	}
	return nil
}

func (s SequentialHook) PostForward(m Module) error {
	for _, h := range s {
		if err := h.PostForward(m); err != nil {
			return err
		}
	}
	return nil
}

func (s SequentialHook) ExecutionDevice() (device.Device, bool) {
	for _, h := range s {
		if ed, ok := h.(ExecutionDevicer); ok {
			if d, ok := ed.ExecutionDevice(); ok {
				return d, true
			}
		}
	}
	return device.Device{}, false
}

// AddHook appends h to the hook already set on m.
func AddHook(m Module, h Hook) {
	switch old := m.Hook().(type) {
	case nil:
		m.SetHook(h)
	case SequentialHook:
		m.SetHook(append(old, h))
	default:
		m.SetHook(SequentialHook{old, h})
	}
}
