package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/config"
	"github.com/khaledhikmat/vs-infer/service/inference"
	"github.com/khaledhikmat/vs-infer/service/source"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// loaderOf serves the given processors by path.
func loaderOf(procs map[string]inference.IService) inference.Loader {
	return func(path string) (inference.IService, error) {
		if path == "" {
			return nil, nil
		}
		proc, ok := procs[path]
		if !ok {
			return nil, fmt.Errorf("unknown model %q: %w", path, model.ErrConfiguration)
		}
		return proc, nil
	}
}

type harness struct {
	p      *Pipeline
	errCh  chan error
	cancel context.CancelFunc
}

func start(t *testing.T, src source.IService, procs map[string]inference.IService, settings model.Settings) *harness {
	t.Helper()
	p, err := New(src, loaderOf(procs), settings, DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{p: p, errCh: make(chan error, 1), cancel: cancel}
	go func() {
		h.errCh <- p.Run(ctx)
	}()
	t.Cleanup(func() {
		p.Stop()
		cancel()
	})
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(waitFor):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func drain(p *Pipeline) (recoverable, fatal []Report) {
	for r := range p.Reports() {
		if r.Fatal {
			fatal = append(fatal, r)
		} else {
			recoverable = append(recoverable, r)
		}
	}
	return recoverable, fatal
}

func TestPlaysUntilExhausted(t *testing.T) {
	src := source.NewFake(source.Frames(3, 8, 6)...)
	proc := inference.NewFake(2).WithClass(0, 1)

	h := start(t, src, map[string]inference.IService{"m": proc}, model.Settings{Scale: 1, ModelPath: "m"})
	require.NoError(t, h.wait(t))

	assert.Equal(t, Stopped, h.p.State())
	result := h.p.Result()
	require.NotNil(t, result)
	assert.Equal(t, uint64(3), result.Version)
	assert.Equal(t, uint64(3), result.Frame.ID)
	assert.Equal(t, "fake:2", result.Processor)
	assert.Equal(t, 8, result.Overlay.Width())
	assert.Equal(t, 6, result.Overlay.Height())
	assert.Equal(t, model.TensorMeta{Classes: 2, Height: 6, Width: 8, Normalized: true}, result.Tensor)

	recoverable, fatal := drain(h.p)
	assert.Empty(t, recoverable)
	assert.Empty(t, fatal)
	assert.True(t, src.Closed())
	assert.True(t, proc.Closed())
	assert.Equal(t, 3, proc.Calls())
	assert.Equal(t, 1, proc.MaxInFlight())

	stats := h.p.Stats()
	assert.Equal(t, 3, stats.Decoded)
	assert.Equal(t, 3, stats.Published)
	assert.Equal(t, "stopped", stats.State)
}

func TestOverlayMatchesFrameAfterScaling(t *testing.T) {
	src := source.NewFake(source.Frames(2, 21, 13)...)
	proc := inference.NewFake(3).WithClass(1, 0.5)

	h := start(t, src, map[string]inference.IService{"m": proc}, model.Settings{Scale: 0.5, ModelPath: "m"})
	require.NoError(t, h.wait(t))

	result := h.p.Result()
	require.NotNil(t, result)
	assert.Equal(t, result.Frame.Width, result.Overlay.Width())
	assert.Equal(t, result.Frame.Height, result.Overlay.Height())
	assert.Equal(t, 11, result.Tensor.Width)
	assert.Equal(t, 7, result.Tensor.Height)
}

func TestPublishesWithoutProcessor(t *testing.T) {
	src := source.NewFake(source.Frames(2, 4, 4)...)

	h := start(t, src, nil, model.Settings{Scale: 1})
	require.NoError(t, h.wait(t))

	result := h.p.Result()
	require.NotNil(t, result)
	assert.Equal(t, uint64(2), result.Version)
	require.NotNil(t, result.Overlay.Image)
	assert.Equal(t, result.Frame.Width, result.Overlay.Width())
	assert.Equal(t, result.Frame.Height, result.Overlay.Height())
	assert.Zero(t, result.Overlay.Image.NRGBAAt(2, 2).A)
	assert.Empty(t, result.Processor)
}

func TestDecodeFailureIsRetriedOnce(t *testing.T) {
	hiccup := fmt.Errorf("corrupt packet: %w", model.ErrDecodeFailure)
	src := source.NewFake(
		source.Step{Width: 4, Height: 4},
		source.Fail(hiccup),
		source.Step{Width: 4, Height: 4},
		source.Step{Width: 4, Height: 4},
	)
	proc := inference.NewFake(2)

	h := start(t, src, map[string]inference.IService{"m": proc}, model.Settings{Scale: 1, ModelPath: "m"})
	require.NoError(t, h.wait(t))

	assert.Equal(t, Stopped, h.p.State())
	assert.Equal(t, uint64(3), h.p.Result().Version)

	recoverable, fatal := drain(h.p)
	require.Len(t, recoverable, 1)
	assert.ErrorIs(t, recoverable[0].Err, model.ErrDecodeFailure)
	assert.NotEmpty(t, recoverable[0].ID)
	assert.Empty(t, fatal)
}

func TestConsecutiveDecodeFailuresAreFatal(t *testing.T) {
	hiccup := fmt.Errorf("corrupt packet: %w", model.ErrDecodeFailure)
	src := source.NewFake(
		source.Step{Width: 4, Height: 4},
		source.Fail(hiccup),
		source.Fail(hiccup),
		source.Step{Width: 4, Height: 4},
	)

	h := start(t, src, map[string]inference.IService{"m": inference.NewFake(2)}, model.Settings{Scale: 1, ModelPath: "m"})
	err := h.wait(t)
	require.ErrorIs(t, err, model.ErrFatalStream)

	assert.Equal(t, Stopped, h.p.State())
	assert.Equal(t, uint64(1), h.p.Result().Version)
	assert.True(t, src.Closed())

	_, fatal := drain(h.p)
	require.Len(t, fatal, 1)
	assert.ErrorIs(t, fatal[0].Err, model.ErrFatalStream)

	last, ok := h.p.LastReport()
	require.True(t, ok)
	assert.True(t, last.Fatal)
}

func TestInferenceFailureKeepsSlot(t *testing.T) {
	src := source.NewFake(source.Frames(3, 4, 4)...)
	proc := inference.NewFake(2).WithError(func(call int) error {
		if call == 3 {
			return errors.New("out of memory")
		}
		return nil
	})

	h := start(t, src, map[string]inference.IService{"m": proc}, model.Settings{Scale: 1, ModelPath: "m"})
	require.NoError(t, h.wait(t))

	result := h.p.Result()
	require.NotNil(t, result)
	assert.Equal(t, uint64(2), result.Version)
	assert.Equal(t, uint64(2), result.Frame.ID)

	recoverable, fatal := drain(h.p)
	require.Len(t, recoverable, 1)
	assert.ErrorIs(t, recoverable[0].Err, model.ErrInferenceFailure)
	assert.Equal(t, uint64(3), recoverable[0].FrameID)
	assert.Empty(t, fatal)

	stats := h.p.Stats()
	assert.Equal(t, 1, stats.InferenceErrors)
	assert.Equal(t, 3, stats.Decoded)
	assert.Equal(t, 2, stats.Published)
	assert.Equal(t, 1, stats.Dropped)
}

func TestPausedHoldsResultAndStepsOneFrame(t *testing.T) {
	src := source.NewRandom(6, 4)
	proc := inference.NewFake(2)

	h := start(t, src, map[string]inference.IService{"m": proc}, model.Settings{Scale: 1, ModelPath: "m", Paused: true})
	require.Eventually(t, func() bool { return h.p.State() == Paused }, waitFor, tick)
	assert.Nil(t, h.p.Result())
	assert.Zero(t, src.Pulls())

	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool {
		r := h.p.Result()
		return r != nil && h.p.State() == Paused
	}, waitFor, tick)

	held := h.p.Result()
	assert.Equal(t, uint64(1), held.Version)
	for i := 0; i < 5; i++ {
		time.Sleep(tick)
		assert.Same(t, held, h.p.Result())
	}
	assert.Equal(t, 1, src.Pulls())

	require.NoError(t, h.p.Step())
	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool {
		r := h.p.Result()
		return r != nil && r.Version == 3 && h.p.State() == Paused
	}, waitFor, tick)
	assert.Equal(t, 3, src.Pulls())

	h.p.Stop()
	require.NoError(t, h.wait(t))
	assert.Equal(t, Stopped, h.p.State())
	assert.Equal(t, uint64(3), h.p.Result().Version)
}

func TestPlayAndPause(t *testing.T) {
	src := source.NewRandom(4, 4)

	h := start(t, src, nil, model.Settings{Scale: 1, Paused: true})
	require.Eventually(t, func() bool { return h.p.State() == Paused }, waitFor, tick)

	require.NoError(t, h.p.Play())
	require.Eventually(t, func() bool {
		r := h.p.Result()
		return r != nil && r.Version > 3
	}, waitFor, tick)
	assert.Equal(t, Playing, h.p.State())

	require.NoError(t, h.p.Pause())
	require.Eventually(t, func() bool { return h.p.State() == Paused && h.p.Snapshot().Paused }, waitFor, tick)
	held := h.p.Result()
	time.Sleep(20 * time.Millisecond)
	assert.Same(t, held, h.p.Result())

	select {
	case s := <-h.p.Settings():
		assert.True(t, s.Paused)
	case <-time.After(waitFor):
		t.Fatal("no settings snapshot")
	}
}

func TestRescaleAppliesBetweenCycles(t *testing.T) {
	src := source.NewFake(source.Frames(4, 10, 10)...)
	proc := inference.NewFake(2)

	h := start(t, src, map[string]inference.IService{"m": proc}, model.Settings{Scale: 1, ModelPath: "m", Paused: true})

	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool { r := h.p.Result(); return r != nil && r.Version == 1 }, waitFor, tick)
	assert.Equal(t, 10, h.p.Result().Tensor.Width)

	require.ErrorIs(t, h.p.SetScaleFactor(0), model.ErrConfiguration)
	require.ErrorIs(t, h.p.SetScaleFactor(-1), model.ErrConfiguration)
	require.NoError(t, h.p.SetScaleFactor(0.5))
	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool { r := h.p.Result(); return r != nil && r.Version == 2 }, waitFor, tick)

	result := h.p.Result()
	assert.Equal(t, 5, result.Tensor.Width)
	assert.Equal(t, model.ScaleFactor(0.5), result.Scale)
	assert.Equal(t, 10, result.Overlay.Width())

	require.Eventually(t, func() bool { return h.p.Snapshot().Scale == 0.5 }, waitFor, tick)
}

func TestSwapProcessor(t *testing.T) {
	src := source.NewRandom(4, 4)
	first := inference.NewFake(2)
	second := inference.NewFake(3)
	invalid := inference.NewFake(0)

	h := start(t, src, map[string]inference.IService{
		"first":   first,
		"second":  second,
		"invalid": invalid,
	}, model.Settings{Scale: 1, ModelPath: "first", Paused: true})

	require.ErrorIs(t, h.p.SwapProcessor("missing"), model.ErrConfiguration)
	require.ErrorIs(t, h.p.SwapProcessor("invalid"), model.ErrConfiguration)
	assert.True(t, invalid.Closed())

	require.NoError(t, h.p.SwapProcessor("second"))
	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool { r := h.p.Result(); return r != nil && r.Version == 1 }, waitFor, tick)

	result := h.p.Result()
	assert.Equal(t, "fake:3", result.Processor)
	assert.Equal(t, 3, result.Tensor.Classes)
	assert.True(t, first.Closed())
	assert.Zero(t, first.Calls())
	assert.Equal(t, "second", h.p.Snapshot().ModelPath)

	require.NoError(t, h.p.SwapProcessor(""))
	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool { r := h.p.Result(); return r != nil && r.Version == 2 }, waitFor, tick)
	assert.Empty(t, h.p.Result().Processor)
	assert.Equal(t, 4, h.p.Result().Overlay.Width())
	assert.True(t, second.Closed())
}

func TestStopDuringBlockingInference(t *testing.T) {
	src := source.NewRandom(4, 4)
	proc := inference.NewFake(2).WithGate(make(chan struct{}), false)

	h := start(t, src, map[string]inference.IService{"m": proc}, model.Settings{Scale: 1, ModelPath: "m"})
	require.Eventually(t, func() bool { return proc.Calls() == 1 }, waitFor, tick)

	h.p.Stop()
	require.NoError(t, h.wait(t))

	assert.Nil(t, h.p.Result())
	assert.Equal(t, Stopped, h.p.State())
	assert.True(t, src.Closed())
	assert.True(t, proc.Closed())
	assert.Equal(t, 1, proc.Calls())

	require.ErrorIs(t, h.p.Play(), model.ErrStopped)
	require.ErrorIs(t, h.p.SetScaleFactor(2), model.ErrStopped)
	late := source.NewRandom(4, 4)
	require.ErrorIs(t, h.p.SwapSource(late, []string{"late"}), model.ErrStopped)
	assert.True(t, late.Closed())
	h.p.Stop()

	_, fatal := drain(h.p)
	assert.Empty(t, fatal)
	assert.Equal(t, 1, h.p.Stats().Dropped)
}

func TestStopWaitsForUncancellableInference(t *testing.T) {
	gate := make(chan struct{})
	src := source.NewRandom(4, 4)
	proc := inference.NewFake(2).WithGate(gate, true)

	h := start(t, src, map[string]inference.IService{"m": proc}, model.Settings{Scale: 1, ModelPath: "m"})
	require.Eventually(t, func() bool { return proc.Calls() == 1 }, waitFor, tick)

	h.p.Stop()
	assert.Never(t, func() bool {
		select {
		case <-h.p.Done():
			return true
		default:
			return false
		}
	}, 30*time.Millisecond, tick)

	close(gate)
	require.NoError(t, h.wait(t))
	assert.Nil(t, h.p.Result())
	assert.Equal(t, 1, proc.Calls())
}

func TestStopBeforeRun(t *testing.T) {
	src := source.NewRandom(4, 4)
	p, err := New(src, nil, model.Settings{Scale: 1}, DefaultConfig())
	require.NoError(t, err)

	p.Stop()
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, Stopped, p.State())
	assert.Zero(t, src.Pulls())
	assert.True(t, src.Closed())

	require.ErrorIs(t, p.Run(context.Background()), model.ErrConfiguration)
}

func TestNewRejectsBadSettings(t *testing.T) {
	src := source.NewRandom(4, 4)

	_, err := New(src, nil, model.Settings{Scale: 0}, DefaultConfig())
	require.ErrorIs(t, err, model.ErrConfiguration)

	_, err = New(src, loaderOf(nil), model.Settings{Scale: 1, ModelPath: "missing"}, DefaultConfig())
	require.ErrorIs(t, err, model.ErrFatalStream)

	_, err = New(nil, nil, model.Settings{Scale: 1}, DefaultConfig())
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.NewHardCoded())
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.DecodeRetries)
	assert.Zero(t, cfg.InferTimeout)

	t.Setenv("SCALE_POLICY", "lanczos")
	cfgsvc, err := config.NewEnv()
	require.NoError(t, err)
	_, err = ConfigFrom(cfgsvc)
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestCommandsDuringInferenceWaitForPublish(t *testing.T) {
	gate := make(chan struct{})
	src := source.NewFake(source.Frames(4, 10, 10)...)
	first := inference.NewFake(2).WithGate(gate, true)
	second := inference.NewFake(3)

	h := start(t, src, map[string]inference.IService{"a": first, "b": second}, model.Settings{Scale: 1, ModelPath: "a", Paused: true})

	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool { return first.Calls() == 1 }, waitFor, tick)

	require.NoError(t, h.p.SetScaleFactor(0.5))
	require.NoError(t, h.p.SwapProcessor("b"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, first.Closed())
	assert.Nil(t, h.p.Result())
	assert.Equal(t, 1.0, h.p.Snapshot().Scale)

	close(gate)
	require.Eventually(t, func() bool { r := h.p.Result(); return r != nil && r.Version == 1 }, waitFor, tick)
	v1 := h.p.Result()
	assert.Equal(t, model.ScaleFactor(1), v1.Scale)
	assert.Equal(t, "fake:2", v1.Processor)
	assert.Equal(t, 10, v1.Tensor.Width)

	require.Eventually(t, func() bool { return first.Closed() && h.p.Snapshot().ModelPath == "b" }, waitFor, tick)
	assert.Equal(t, Paused, h.p.State())

	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool { r := h.p.Result(); return r != nil && r.Version == 2 }, waitFor, tick)
	v2 := h.p.Result()
	assert.Equal(t, model.ScaleFactor(0.5), v2.Scale)
	assert.Equal(t, "fake:3", v2.Processor)
	assert.Equal(t, 5, v2.Tensor.Width)
	assert.Equal(t, 10, v2.Overlay.Width())
	assert.Equal(t, 1, first.Calls())
}

func TestResultConsistentUnderCommands(t *testing.T) {
	src := source.NewRandom(8, 6)
	loader := inference.NewLoader(config.NewHardCoded())
	p, err := New(src, loader, model.Settings{Scale: 1, ModelPath: "fake:2"}, DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Run(ctx)
	}()

	readerDone := make(chan struct{})
	var (
		mu         sync.Mutex
		reads      int
		regressed  int
		mismatched int
	)
	go func() {
		defer close(readerDone)
		var last uint64
		for {
			select {
			case <-p.Done():
				return
			default:
			}
			r := p.Result()
			if r == nil {
				continue
			}
			mu.Lock()
			reads++
			if r.Version < last {
				regressed++
			}
			if r.Overlay.Width() != r.Frame.Width || r.Overlay.Height() != r.Frame.Height {
				mismatched++
			}
			mu.Unlock()
			last = r.Version
		}
	}()

	scales := []float64{0.5, 1, 0.25, 2}
	models := []string{"fake:3", "", "fake:2"}
	for i := 0; i < 30; i++ {
		require.NoError(t, p.SetScaleFactor(scales[i%len(scales)]))
		require.NoError(t, p.SwapProcessor(models[i%len(models)]))
		if i%5 == 0 {
			require.NoError(t, p.Pause())
			require.NoError(t, p.Step())
			require.NoError(t, p.Play())
		}
		time.Sleep(time.Millisecond)
	}
	require.Eventually(t, func() bool { r := p.Result(); return r != nil && r.Version > 30 }, waitFor, tick)

	p.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("pipeline did not stop")
	}
	<-readerDone

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, reads)
	assert.Zero(t, regressed)
	assert.Zero(t, mismatched)
}

func TestSwapSourceBetweenCycles(t *testing.T) {
	first := source.NewRandom(10, 10)
	second := source.NewRandom(20, 12)

	h := start(t, first, map[string]inference.IService{"m": inference.NewFake(2)}, model.Settings{
		VideoInput: []string{"first"},
		Scale:      1,
		ModelPath:  "m",
		Paused:     true,
	})

	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool { r := h.p.Result(); return r != nil && r.Version == 1 }, waitFor, tick)
	assert.Equal(t, 10, h.p.Result().Frame.Width)

	require.ErrorIs(t, h.p.SwapSource(nil, []string{"none"}), model.ErrConfiguration)
	require.NoError(t, h.p.SwapSource(second, []string{"second"}))
	require.NoError(t, h.p.SetScaleFactor(0.5))
	require.NoError(t, h.p.Step())
	require.Eventually(t, func() bool { r := h.p.Result(); return r != nil && r.Version == 2 }, waitFor, tick)

	result := h.p.Result()
	assert.Equal(t, 20, result.Frame.Width)
	assert.Equal(t, 12, result.Overlay.Height())
	assert.Equal(t, 10, result.Tensor.Width)
	assert.True(t, first.Closed())
	assert.Equal(t, 1, first.Pulls())
	assert.Equal(t, []string{"second"}, h.p.Snapshot().VideoInput)

	h.p.Stop()
	require.NoError(t, h.wait(t))
	assert.True(t, second.Closed())
	assert.Equal(t, 1, h.p.SourceStats().Frames)
}
