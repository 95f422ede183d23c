package nn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/tensor"
)

type leaf struct {
	Base
}

type tree struct {
	Base
	a, b *leaf
}

func newLeaf(name string, n int) *leaf {
	l := &leaf{Base: NewBase(name)}
	l.AddParameter("weight", tensor.Zeros(tensor.Shape{n}, tensor.Float32, device.CPU))
	return l
}

func newTree() *tree {
	t := &tree{Base: NewBase("root"), a: newLeaf("a", 4), b: newLeaf("b", 8)}
	t.AddChild(t.a)
	t.AddChild(t.b)
	return t
}

type recorder struct {
	events []string
}

func (r *recorder) PreForward(m Module) error {
	r.events = append(r.events, "pre:"+m.Name())
	return nil
}

func (r *recorder) PostForward(m Module) error {
	r.events = append(r.events, "post:"+m.Name())
	return nil
}

func TestForwardRunsHooks(t *testing.T) {
	m := newTree()
	r := &recorder{}
	m.a.SetHook(r)

	out, err := Forward(m.a, func() (int, error) {
		r.events = append(r.events, "fn")
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, []string{"pre:a", "fn", "post:a"}, r.events)
}

func TestForwardSkipsPostOnError(t *testing.T) {
	m := newTree()
	r := &recorder{}
	m.a.SetHook(r)

	boom := errors.New("boom")
	_, err := Forward(m.a, func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"pre:a"}, r.events)
}

func TestWalk(t *testing.T) {
	m := newTree()

	var paths []string
	require.NoError(t, Walk(m, func(path string, _ Module) error {
		paths = append(paths, path)
		return nil
	}))
	assert.Equal(t, []string{"root", "root.a", "root.b"}, paths)

	assert.Len(t, Leaves(m), 2)
	assert.Equal(t, 12, NumParameters(m))
	assert.Equal(t, uint64(48), Bytes(m))
}

func TestMoveAllAccounting(t *testing.T) {
	dev := device.Device{Type: device.TypeVirtual, Index: 7}
	m := newTree()

	before := device.Default.Stats(dev)
	MoveAll(m, dev)
	assert.Equal(t, dev, DeviceOf(m))
	assert.Equal(t, before.Allocated+48, device.Default.Stats(dev).Allocated)

	MoveAll(m, device.CPU)
	assert.Equal(t, before.Allocated, device.Default.Stats(dev).Allocated)
	assert.Equal(t, device.CPU, DeviceOf(m))

	CastAll(m, tensor.Float16)
	assert.Equal(t, uint64(24), Bytes(m))
}

type placer struct {
	recorder
	dev device.Device
}

func (p *placer) ExecutionDevice() (device.Device, bool) { return p.dev, true }

func TestAddHookAndExecutionDevice(t *testing.T) {
	m := newTree()
	_, ok := ExecutionDevice(m)
	assert.False(t, ok)

	r := &recorder{}
	p := &placer{dev: device.Device{Type: device.TypeVirtual}}
	AddHook(m.b, r)
	AddHook(m.b, p)

	seq, ok := m.b.Hook().(SequentialHook)
	require.True(t, ok)
	assert.Len(t, seq, 2)

	d, ok := ExecutionDevice(m)
	require.True(t, ok)
	assert.Equal(t, device.TypeVirtual, d.Type)

	RemoveHooks(m)
	assert.Nil(t, m.b.Hook())
}
