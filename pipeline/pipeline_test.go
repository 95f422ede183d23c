package pipeline

import (
	"context"
	"errors"
	"image/png"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/diffusion/device"
	"github.com/ollama/diffusion/model"
	"github.com/ollama/diffusion/model/models/tinyunet"
	"github.com/ollama/diffusion/nn"
	"github.com/ollama/diffusion/offload"
	"github.com/ollama/diffusion/scheduler"
	"github.com/ollama/diffusion/tensor"
)

// ============================================================================
// Test-Helfer
// ============================================================================

type spyScheduler struct {
	scheduler.Scheduler
	noise []bool
}

func (s *spyScheduler) Step(out *tensor.Tensor, t float32, sample *tensor.Tensor, useNoise bool, gens []*tensor.Generator) (*scheduler.StepOutput, error) {
	s.noise = append(s.noise, useNoise)
	return s.Scheduler.Step(out, t, sample, useNoise, gens)
}

type growingScheduler struct {
	scheduler.Scheduler
}

func (s growingScheduler) Step(out *tensor.Tensor, t float32, sample *tensor.Tensor, useNoise bool, gens []*tensor.Generator) (*scheduler.StepOutput, error) {
	return &scheduler.StepOutput{PrevSample: tensor.Zeros(tensor.Shape{1, 1}, tensor.Float32, device.CPU)}, nil
}

type failingModel struct {
	model.Model
	err   error
	calls int
}

func (f *failingModel) Forward(*tensor.Tensor, float32, *tensor.IntTensor) (*tensor.Tensor, error) {
	f.calls++
	return nil, f.err
}

func newModel(t *testing.T, classes int) model.Model {
	t.Helper()
	cfg := tinyunet.DefaultConfig()
	cfg.NumClassEmbeds = classes
	m, err := tinyunet.New(cfg, model.Options{Seed: 42})
	require.NoError(t, err)
	return m
}

func newPipeline(t *testing.T, classes int) (*Pipeline, *spyScheduler) {
	t.Helper()
	s := &spyScheduler{Scheduler: scheduler.NewCMStochasticIterative(scheduler.DefaultConfig())}
	return New(newModel(t, classes), s), s
}

func seeded(opts Options, seeds ...uint64) Options {
	opts.Generators = tensor.Generators(seeds...)
	return opts
}

func latentOptions() Options {
	opts := DefaultOptions()
	opts.OutputType = OutputLatent
	return opts
}

// ============================================================================
// Latent Initializer
// ============================================================================

func TestPrepareLatentsGeneratorCount(t *testing.T) {
	p, _ := newPipeline(t, 0)

	for batch := 1; batch <= 4; batch++ {
		for n := 2; n <= 5; n++ {
			if n == batch {
				continue
			}
			gens := tensor.Generators(make([]uint64, n)...)
			_, err := p.PrepareLatents(batch, 3, 8, 8, tensor.Float32, device.CPU, gens, nil)
			assert.True(t, errors.Is(err, ErrInvalidArgument), "batch=%d generators=%d", batch, n)

			opts := DefaultOptions()
			opts.BatchSize, opts.Generators = batch, gens
			_, err = p.Call(context.Background(), opts)
			assert.True(t, errors.Is(err, ErrInvalidArgument), "Call batch=%d generators=%d", batch, n)
		}
	}
}

func TestPrepareLatentsScalesByInitSigma(t *testing.T) {
	p, _ := newPipeline(t, 0)

	given := tensor.Full(tensor.Shape{1, 3, 8, 8}, 0.5, tensor.Float32, device.CPU)
	got, err := p.PrepareLatents(1, 3, 8, 8, tensor.Float16, device.CPU, nil, given)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, got.DType())
	assert.Equal(t, float32(40), got.Data()[0])

	a, err := p.PrepareLatents(2, 3, 8, 8, tensor.Float32, device.CPU, tensor.Generators(1, 2), nil)
	require.NoError(t, err)
	b, err := p.PrepareLatents(2, 3, 8, 8, tensor.Float32, device.CPU, tensor.Generators(1, 2), nil)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.Equal(t, tensor.Shape{2, 3, 8, 8}, a.Shape())
}

// ============================================================================
// Conditioning Resolver
// ============================================================================

func TestPrepareClassLabels(t *testing.T) {
	p, _ := newPipeline(t, 10)

	_, err := p.PrepareClassLabels(2, device.CPU, Label(3))
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	labels, err := p.PrepareClassLabels(1, device.CPU, Label(3))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1}, labels.Shape())
	assert.Equal(t, []int64{3}, labels.Data())

	labels, err = p.PrepareClassLabels(3, device.CPU, Labels(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3}, labels.Shape())

	labels, err = p.PrepareClassLabels(4, device.CPU, ClassLabels{})
	require.NoError(t, err)
	require.Equal(t, 4, labels.Len())
	for _, l := range labels.Data() {
		assert.True(t, l >= 0 && l < 10, "label %d", l)
	}
}

func TestPrepareClassLabelsUnconditional(t *testing.T) {
	p, _ := newPipeline(t, 0)

	labels, err := p.PrepareClassLabels(2, device.CPU, Label(3))
	require.NoError(t, err)
	assert.Nil(t, labels)
}

func TestScalarLabelCall(t *testing.T) {
	p, _ := newPipeline(t, 10)

	opts := latentOptions()
	opts.BatchSize, opts.ClassLabels = 2, Label(3)
	_, err := p.Call(context.Background(), opts)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	opts.BatchSize = 1
	out, err := p.Call(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 8, 8}, out.Tensor.Shape())
}

// ============================================================================
// Denoising Loop
// ============================================================================

func TestUseNoiseFlag(t *testing.T) {
	for _, steps := range []int{1, 2, 3, 4, 10} {
		p, s := newPipeline(t, 0)
		opts := seeded(latentOptions(), 0)
		opts.Steps = steps

		_, err := p.Call(context.Background(), opts)
		require.NoError(t, err)
		require.Len(t, s.noise, steps)
		for i, n := range s.noise {
			assert.Equal(t, steps != 1, n, "steps=%d step=%d", steps, i)
		}
	}

	p, s := newPipeline(t, 0)
	opts := latentOptions()
	opts.Steps, opts.Timesteps = 5, []int{22}
	_, err := p.Call(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, s.noise)
}

func TestProgressMatchesTimesteps(t *testing.T) {
	cases := []Options{}
	for steps := 1; steps <= 6; steps++ {
		opts := latentOptions()
		opts.Steps = steps
		cases = append(cases, opts)
	}
	custom := latentOptions()
	custom.Steps, custom.Timesteps = 0, []int{30, 17, 2}
	cases = append(cases, custom)

	for _, opts := range cases {
		p, _ := newPipeline(t, 0)

		var calls [][2]int
		opts.Progress = func(step, total int) {
			calls = append(calls, [2]int{step, total})
		}

		_, err := p.Call(context.Background(), opts)
		require.NoError(t, err)

		total := len(p.Scheduler.Timesteps())
		require.Len(t, calls, total)
		for i, c := range calls {
			assert.Equal(t, [2]int{i + 1, total}, c)
		}
	}
}

func TestDeterministicSeed(t *testing.T) {
	run := func(steps int) *tensor.Tensor {
		p, _ := newPipeline(t, 0)
		opts := seeded(latentOptions(), 1234)
		opts.Steps = steps
		out, err := p.Call(context.Background(), opts)
		require.NoError(t, err)
		return out.Tensor
	}

	one := run(1)
	assert.True(t, one.Equal(run(1)))
	assert.False(t, one.Equal(run(4)))
	assert.True(t, run(4).Equal(run(4)))
}

func TestCallbackInvocations(t *testing.T) {
	const steps = 12
	for _, interval := range []int{1, 2, 3, 4, 6, 12} {
		p, _ := newPipeline(t, 0)

		var indices []int
		opts := seeded(latentOptions(), 0)
		opts.Steps, opts.CallbackSteps = steps, interval
		opts.Callback = func(step int, _ float32, _ *tensor.Tensor) error {
			indices = append(indices, step)
			return nil
		}

		_, err := p.Call(context.Background(), opts)
		require.NoError(t, err)

		var want []int
		for i := 0; i < steps; i += interval {
			want = append(want, i)
		}
		if diff := cmp.Diff(want, indices); diff != "" {
			t.Errorf("interval %d: callback indices mismatch (-want +got):\n%s", interval, diff)
		}
		assert.Len(t, indices, (steps+interval-1)/interval)
	}
}

func TestCallbackErrorAborts(t *testing.T) {
	p, s := newPipeline(t, 0)
	stop := errors.New("stop")

	opts := latentOptions()
	opts.Steps = 4
	opts.Callback = func(step int, _ float32, _ *tensor.Tensor) error {
		if step == 1 {
			return stop
		}
		return nil
	}

	out, err := p.Call(context.Background(), opts)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, stop))
	assert.Len(t, s.noise, 2)
}

func TestContextCancel(t *testing.T) {
	p, s := newPipeline(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	opts := latentOptions()
	opts.Steps = 4
	opts.Progress = func(step, _ int) {
		if step == 2 {
			cancel()
		}
	}

	_, err := p.Call(ctx, opts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, s.noise, 2)
}

func TestModelErrorPropagates(t *testing.T) {
	boom := errors.New("kernel failed")
	fm := &failingModel{Model: newModel(t, 0), err: boom}
	p := New(fm, scheduler.NewCMStochasticIterative(scheduler.DefaultConfig()))

	opts := DefaultOptions()
	opts.Steps = 3
	_, err := p.Call(context.Background(), opts)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, fm.calls)
}

func TestShapeChangeIsError(t *testing.T) {
	p := New(newModel(t, 0), growingScheduler{scheduler.NewCMStochasticIterative(scheduler.DefaultConfig())})

	_, err := p.Call(context.Background(), DefaultOptions())
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestValidation(t *testing.T) {
	cases := map[string]func(*Options){
		"no steps":          func(o *Options) { o.Steps = 0 },
		"batch zero":        func(o *Options) { o.BatchSize = 0 },
		"negative interval": func(o *Options) { o.CallbackSteps = -1 },
		"zero interval": func(o *Options) {
			o.CallbackSteps = 0
			o.Callback = func(int, float32, *tensor.Tensor) error { return nil }
		},
		"latent shape": func(o *Options) {
			o.Latents = tensor.Zeros(tensor.Shape{1, 3, 4, 4}, tensor.Float32, device.CPU)
		},
		"latent channels": func(o *Options) {
			o.Latents = tensor.Zeros(tensor.Shape{1, 1, 8, 8}, tensor.Float32, device.CPU)
		},
		"generators": func(o *Options) {
			o.BatchSize = 3
			o.Generators = tensor.Generators(1, 2)
		},
		"label count":   func(o *Options) { o.ClassLabels = Labels(1, 2) },
		"label range":   func(o *Options) { o.ClassLabels = Label(10) },
		"bad timesteps": func(o *Options) { o.Timesteps = []int{1, 5} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			fm := &failingModel{Model: newModel(t, 10)}
			p := New(fm, scheduler.NewCMStochasticIterative(scheduler.DefaultConfig()))

			opts := DefaultOptions()
			mutate(&opts)
			_, err := p.Call(context.Background(), opts)
			assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
			assert.Equal(t, 0, fm.calls)
		})
	}
}

func TestZeroIntervalWithoutCallback(t *testing.T) {
	p, _ := newPipeline(t, 0)
	opts := latentOptions()
	opts.CallbackSteps = 0
	_, err := p.Call(context.Background(), opts)
	assert.NoError(t, err)
}

func TestGivenLatentsAreUsed(t *testing.T) {
	latents, err := tensor.Randn(tensor.Shape{1, 3, 8, 8}, tensor.Generators(9), tensor.Float32, device.CPU)
	require.NoError(t, err)

	run := func() *tensor.Tensor {
		p, _ := newPipeline(t, 0)
		opts := latentOptions()
		opts.Latents = latents
		out, err := p.Call(context.Background(), opts)
		require.NoError(t, err)
		return out.Tensor
	}
	assert.True(t, run().Equal(run()))
}

// ============================================================================
// Output Post-processor
// ============================================================================

func TestLatentOutputIsFinalSample(t *testing.T) {
	p, _ := newPipeline(t, 0)

	var last *tensor.Tensor
	opts := seeded(latentOptions(), 3)
	opts.Steps = 3
	opts.Callback = func(_ int, _ float32, sample *tensor.Tensor) error {
		last = sample
		return nil
	}

	out, err := p.Call(context.Background(), opts)
	require.NoError(t, err)
	assert.Same(t, last, out.Tensor)
	assert.Equal(t, OutputLatent, out.Type)
}

func TestPostprocessChain(t *testing.T) {
	sample, err := tensor.FromSlice(tensor.Shape{1, 3, 1, 2}, []float32{-3, -1, 0, 0.5, 1, 3})
	require.NoError(t, err)

	latent, err := Postprocess(sample, "raw-latent")
	require.NoError(t, err)
	assert.Same(t, sample, latent.Tensor)

	pt, err := Postprocess(sample, OutputTensor)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0.5, 0.75, 1, 1}, pt.Tensor.Data())

	np, err := Postprocess(sample, "array")
	require.NoError(t, err)
	want, err := tensor.PermuteNHWC(pt.Tensor)
	require.NoError(t, err)
	assert.True(t, want.Equal(np.Tensor))
	assert.Equal(t, tensor.Shape{1, 1, 2, 3}, np.Tensor.Shape())

	pil, err := Postprocess(sample, "image")
	require.NoError(t, err)
	require.Len(t, pil.Images, 1)
	images, err := ToImages(np.Tensor)
	require.NoError(t, err)
	assert.Equal(t, images, pil.Images)

	// Pixel (0,0): R=0, G=0.5, B=1
	r, g, b, a := pil.Images[0].At(0, 0).RGBA()
	assert.Equal(t, []uint32{0, 128 * 0x101, 0xffff, 0xffff}, []uint32{r, g, b, a})
}

func TestPostprocessUnknownFallsBackToArray(t *testing.T) {
	sample := tensor.Zeros(tensor.Shape{1, 3, 2, 2}, tensor.Float32, device.CPU)

	out, err := Postprocess(sample, "numpy-legacy")
	require.NoError(t, err)
	assert.Equal(t, OutputArray, out.Type)
	assert.Equal(t, tensor.Shape{1, 2, 2, 3}, out.Tensor.Shape())
}

func TestToImagesChannels(t *testing.T) {
	gray := tensor.Full(tensor.Shape{2, 2, 2, 1}, 1, tensor.Float32, device.CPU)
	images, err := ToImages(gray)
	require.NoError(t, err)
	require.Len(t, images, 2)
	r, _, _, _ := images[1].At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)

	_, err = ToImages(tensor.Zeros(tensor.Shape{1, 2, 2, 2}, tensor.Float32, device.CPU))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestRunReturnDict(t *testing.T) {
	p, _ := newPipeline(t, 0)

	opts := DefaultOptions()
	res, err := p.Run(context.Background(), opts)
	require.NoError(t, err)
	out, ok := res.(*Output)
	require.True(t, ok)
	assert.Len(t, out.Images, 1)

	opts.ReturnDict = false
	res, err = p.Run(context.Background(), opts)
	require.NoError(t, err)
	tuple, ok := res.([]any)
	require.True(t, ok)
	require.Len(t, tuple, 1)
	assert.IsType(t, out.Images, tuple[0])
}

func TestSave(t *testing.T) {
	p, _ := newPipeline(t, 0)
	opts := seeded(DefaultOptions(), 0, 1)
	opts.BatchSize = 2

	out, err := p.Call(context.Background(), opts)
	require.NoError(t, err)

	for _, name := range []string{"png", "bmp", "tif"} {
		f, err := ParseImageFormat(name)
		require.NoError(t, err)

		paths, err := out.Save(t.TempDir(), "sample", f)
		require.NoError(t, err)
		require.Len(t, paths, 2)
		assert.FileExists(t, paths[1])

		if f == FormatPNG {
			file, err := os.Open(paths[0])
			require.NoError(t, err)
			img, err := png.Decode(file)
			file.Close()
			require.NoError(t, err)
			assert.Equal(t, 8, img.Bounds().Dx())
		}
	}

	_, err = ParseImageFormat("gif")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	latent, err := Postprocess(out.Tensor, OutputLatent)
	require.NoError(t, err)
	_, err = latent.Save(t.TempDir(), "x", FormatPNG)
	assert.Error(t, err)
}

// ============================================================================
// Offload Hook Manager
// ============================================================================

var virtual = device.Device{Type: device.TypeVirtual}

func TestModelOffloadFinalHook(t *testing.T) {
	p, _ := newPipeline(t, 0)
	require.NoError(t, p.EnableModelCPUOffload(0))
	assert.Equal(t, offload.ModeModel, p.OffloadMode())
	assert.Equal(t, virtual, p.ExecutionDevice())
	assert.Equal(t, device.CPU, nn.DeviceOf(p.Model))

	opts := seeded(latentOptions(), 0)
	opts.Steps = 3
	out, err := p.Call(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, virtual, out.Tensor.Device())

	hook := p.FinalOffloadHook()
	require.NotNil(t, hook)
	assert.Equal(t, 1, hook.Offloads())
	assert.Equal(t, device.CPU, nn.DeviceOf(p.Model))

	_, err = p.Call(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, hook.Offloads())
}

func TestModelOffloadReleasesDenoiser(t *testing.T) {
	p, _ := newPipeline(t, 0)
	checker, err := tinyunet.New(tinyunet.DefaultConfig(), model.Options{Seed: 1})
	require.NoError(t, err)
	require.NoError(t, p.Register("safety_checker", checker))
	require.NoError(t, p.EnableModelCPUOffload(0))

	// Der Checker ist der letzte Hook, laeuft in Call aber nie
	before := device.MemoryStats(virtual).Allocated
	opts := seeded(latentOptions(), 0)
	opts.Steps = 2
	_, err = p.Call(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, device.CPU, nn.DeviceOf(p.Model))
	assert.Equal(t, device.CPU, nn.DeviceOf(checker))
	assert.Equal(t, before, device.MemoryStats(virtual).Allocated)
	assert.Equal(t, 1, p.FinalOffloadHook().Offloads())
}

func TestSequentialOffloadMatchesPlainRun(t *testing.T) {
	run := func(enable func(*Pipeline) error) *tensor.Tensor {
		p, _ := newPipeline(t, 0)
		require.NoError(t, enable(p))
		opts := seeded(latentOptions(), 11)
		opts.Steps = 2
		out, err := p.Call(context.Background(), opts)
		require.NoError(t, err)
		return out.Tensor
	}

	plain := run(func(*Pipeline) error { return nil })
	seq := run(func(p *Pipeline) error { return p.EnableSequentialCPUOffload(0) })
	whole := run(func(p *Pipeline) error { return p.EnableModelCPUOffload(0) })

	assert.True(t, plain.Equal(seq))
	assert.True(t, plain.Equal(whole))
	assert.Equal(t, virtual, seq.Device())
}

func TestOffloadDependencyUnavailable(t *testing.T) {
	p, _ := newPipeline(t, 0)

	t.Setenv("DIFFUSION_OFFLOAD_RUNTIME", "v0.16.0")
	assert.True(t, errors.Is(p.EnableModelCPUOffload(0), ErrDependencyUnavailable))
	assert.Equal(t, offload.ModeNone, p.OffloadMode())

	t.Setenv("DIFFUSION_OFFLOAD_RUNTIME", "v0.13.9")
	assert.True(t, errors.Is(p.EnableSequentialCPUOffload(0), ErrDependencyUnavailable))

	t.Setenv("DIFFUSION_OFFLOAD_RUNTIME", "")
	t.Setenv("DIFFUSION_NO_VIRTUAL", "1")
	assert.True(t, errors.Is(p.EnableModelCPUOffload(0), ErrDependencyUnavailable))
}

func TestOffloadMovesPipelineToHost(t *testing.T) {
	p, _ := newPipeline(t, 0)
	require.NoError(t, p.To(virtual))
	assert.Equal(t, virtual, p.Device())
	assert.Equal(t, virtual, nn.DeviceOf(p.Model))

	require.NoError(t, p.EnableModelCPUOffload(0))
	assert.Equal(t, device.CPU, p.Device())
	assert.Equal(t, uint64(0), device.MemoryStats(virtual).Cached)

	assert.True(t, errors.Is(p.To(virtual), ErrInvalidArgument))

	p.DisableOffload()
	assert.Equal(t, offload.ModeNone, p.OffloadMode())
	assert.Equal(t, device.CPU, p.ExecutionDevice())
	assert.NoError(t, p.To(virtual))
}

func TestComponents(t *testing.T) {
	p, _ := newPipeline(t, 0)
	checker, err := tinyunet.New(tinyunet.DefaultConfig(), model.Options{Seed: 1})
	require.NoError(t, err)

	require.NoError(t, p.Register("safety_checker", checker))
	assert.Equal(t, []string{"unet", "scheduler", "safety_checker"}, p.Components())
	assert.True(t, errors.Is(p.Register("unet", checker), ErrInvalidArgument))

	c, ok := p.Component("safety_checker")
	require.True(t, ok)
	assert.Same(t, checker, c)

	require.NoError(t, p.EnableModelCPUOffload(0))
	assert.Same(t, p.FinalOffloadHook(), checker.Hook())
}

func TestLoad(t *testing.T) {
	t.Setenv("DIFFUSION_DEVICE", "")

	p, err := Load("tiny-unet", LoadOptions{Model: model.Options{Seed: 1}, Offload: offload.ModeModel})
	require.NoError(t, err)
	assert.Equal(t, offload.ModeModel, p.OffloadMode())
	assert.Equal(t, virtual, p.ExecutionDevice())

	cpu := device.CPU
	p, err = Load("tiny-unet", LoadOptions{Device: &cpu})
	require.NoError(t, err)
	assert.Equal(t, device.CPU, p.Device())

	_, err = Load("tiny-unet", LoadOptions{SchedulerConfig: "does-not-exist.json"})
	assert.Error(t, err)

	_, err = Load("tiny-unt", LoadOptions{})
	assert.True(t, errors.Is(err, model.ErrUnknownModel))
}
