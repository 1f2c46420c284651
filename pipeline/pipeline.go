package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/render"
	"github.com/khaledhikmat/vs-infer/service/inference"
	"github.com/khaledhikmat/vs-infer/service/lgr"
	"github.com/khaledhikmat/vs-infer/service/metrics"
	"github.com/khaledhikmat/vs-infer/service/source"
)

// Pipeline pulls frames from a source at the source's pace, runs them through the
// active processor and publishes overlay-ready results into a single slot.
//
// Run owns the source and the processor. Every other method may be called from any
// goroutine and never waits for a cycle.
type Pipeline struct {
	id     string
	loader inference.Loader
	cfg    Config

	// owned by Run, src is replaced under mu
	src      source.IService
	proc     inference.IService
	scale    model.ScaleFactor
	settings model.Settings
	version  uint64

	state atomic.Int32
	slot  atomic.Pointer[Result]

	mu       sync.Mutex
	queue    []command
	stopReq  bool
	cancel   context.CancelFunc
	snapshot model.Settings

	wake    chan struct{}
	running atomic.Bool
	done    chan struct{}

	reports    chan Report
	lastReport atomic.Pointer[Report]
	settingsCh chan model.Settings

	stats *counters
}

// New validates the initial settings and loads their processor. A processor that
// cannot be loaded makes the stream unusable and is reported as model.ErrFatalStream.
func New(src source.IService, loader inference.Loader, settings model.Settings, cfg Config) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("no frame source: %w", model.ErrConfiguration)
	}
	scale, err := model.NewScaleFactor(settings.Scale)
	if err != nil {
		return nil, err
	}
	if loader == nil {
		loader = noProcessor
	}
	if cfg.ReportBuffer <= 0 {
		cfg.ReportBuffer = DefaultConfig().ReportBuffer
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("vs-infer/pipeline")
	}
	if cfg.DecodeRetries < 0 {
		cfg.DecodeRetries = 0
	}

	proc, err := loader(settings.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("loading processor %q: %w: %w", settings.ModelPath, model.ErrFatalStream, err)
	}
	if proc != nil {
		if err := proc.Shape().Validate(); err != nil {
			_ = proc.Close()
			return nil, fmt.Errorf("processor %q: %w: %w", settings.ModelPath, model.ErrFatalStream, err)
		}
	}

	p := &Pipeline{
		id:         uuid.NewString(),
		src:        src,
		loader:     loader,
		cfg:        cfg,
		proc:       proc,
		scale:      scale,
		settings:   settings.Clone(),
		snapshot:   settings.Clone(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		reports:    make(chan Report, cfg.ReportBuffer),
		settingsCh: make(chan model.Settings, 1),
		stats:      newCounters(),
	}
	p.state.Store(int32(Idle))
	return p, nil
}

func noProcessor(path string) (inference.IService, error) {
	if path == "" {
		return nil, nil
	}
	return nil, fmt.Errorf("no model loader for %q: %w", path, model.ErrConfiguration)
}

func (p *Pipeline) ID() string {
	return p.id
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Result returns the latest published tuple or nil. The returned value must not be modified.
func (p *Pipeline) Result() *Result {
	return p.slot.Load()
}

// Reports delivers per-cycle and terminal errors. It is closed once the pipeline has stopped.
func (p *Pipeline) Reports() <-chan Report {
	return p.reports
}

func (p *Pipeline) LastReport() (Report, bool) {
	r := p.lastReport.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// Settings delivers the latest settings snapshot after every accepted change.
// Only the most recent snapshot is kept.
func (p *Pipeline) Settings() <-chan model.Settings {
	return p.settingsCh
}

// Snapshot returns the settings as last applied.
func (p *Pipeline) Snapshot() model.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot.Clone()
}

// SourceStats reports on the source currently in use.
func (p *Pipeline) SourceStats() model.SourceStats {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	return src.Stats()
}

// Done is closed once Run has released the source and the processor.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Run drives cycles until the source is exhausted, a fatal error occurs, Stop is
// called or ctx is done. It returns the fatal error, if any.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline %s already ran: %w", p.id, model.ErrConfiguration)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.cancel = cancel
	if p.stopReq {
		cancel()
	}
	p.mu.Unlock()

	if p.settings.Paused {
		p.setState(Paused)
	} else {
		p.setState(Playing)
	}
	metrics.ScaleFactor.Set(float64(p.scale))

	lgr.Logger.Info(
		"pipeline starting",
		slog.String("id", p.id),
		slog.String("source", p.src.Name()),
		slog.String("processor", p.procName()),
		slog.Float64("scale", float64(p.scale)),
		slog.String("state", p.State().String()),
	)

	var fatal error
	for {
		if runCtx.Err() != nil {
			break
		}
		p.applyCommands()
		if runCtx.Err() != nil {
			break
		}

		if st := p.State(); st == Paused || st == Idle {
			select {
			case <-runCtx.Done():
			case <-p.wake:
			}
			continue
		}

		exhausted, err := p.cycle(runCtx)
		if err != nil {
			fatal = err
			break
		}
		if exhausted {
			break
		}
	}

	return p.finish(fatal)
}

// cycle runs one pull, scale, infer, publish pass. It returns exhausted when the
// source has ended and a non-nil error only for fatal stream errors.
func (p *Pipeline) cycle(ctx context.Context) (bool, error) {
	ctx, span := p.cfg.Tracer.Start(ctx, "pipeline.cycle")
	defer span.End()
	defer p.endStep()

	start := time.Now()
	frame, err := p.pull(ctx)
	metrics.StageDuration.WithLabelValues(metrics.StageDecode).Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, model.ErrSourceExhausted):
		span.SetAttributes(attribute.Bool("exhausted", true))
		return true, nil
	case errors.Is(err, model.ErrFatalStream):
		span.RecordError(err)
		span.SetStatus(codes.Error, "fatal stream error")
		return false, err
	case err != nil:
		// cancelled
		return false, nil
	}
	span.SetAttributes(attribute.Int64("frame", int64(frame.ID)))

	// every decoded frame is either published or dropped
	published := false
	defer func() {
		if !published {
			p.stats.dropped()
			metrics.FramesDroppedTotal.Inc()
		}
	}()

	scaleStart := time.Now()
	scaled, err := render.Scale(frame, p.scale, p.cfg.Policy)
	metrics.StageDuration.WithLabelValues(metrics.StageScale).Observe(time.Since(scaleStart).Seconds())
	if err != nil {
		p.report(ctx, fmt.Errorf("scaling frame %d: %w: %w", frame.ID, model.ErrDecodeFailure, err), false, frame.ID)
		p.stats.decodeError()
		return false, nil
	}

	result := &Result{
		Frame:     frame,
		Scale:     p.scale,
		Processor: p.procName(),
	}

	if p.proc != nil {
		overlay, meta, err := p.infer(ctx, scaled, frame)
		if ctx.Err() != nil {
			// stopped mid-cycle: publish nothing
			return false, nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "inference failure")
			p.stats.inferenceError()
			metrics.FailuresTotal.WithLabelValues(metrics.FailureInference).Inc()
			p.report(ctx, err, false, frame.ID)
			return false, nil
		}
		result.Overlay = overlay
		result.Tensor = meta
	} else {
		result.Overlay = model.BlankOverlay(frame.Width, frame.Height)
	}

	p.publish(result)
	published = true
	p.stats.published(time.Since(start))
	span.SetAttributes(attribute.Int64("version", int64(result.Version)))
	return false, nil
}

// pull retries decode failures up to DecodeRetries times within one cycle. The first
// failures are reported as recoverable; one more turns into model.ErrFatalStream.
func (p *Pipeline) pull(ctx context.Context) (model.Frame, error) {
	failures := 0
	for {
		frame, err := p.src.Next(ctx)
		if err == nil {
			p.stats.decoded()
			metrics.FramesDecodedTotal.Inc()
			return frame, nil
		}
		if errors.Is(err, model.ErrSourceExhausted) {
			return model.Frame{}, err
		}
		if ctx.Err() != nil {
			return model.Frame{}, ctx.Err()
		}
		if !errors.Is(err, model.ErrDecodeFailure) {
			return model.Frame{}, fmt.Errorf("source %s: %w: %w", p.src.Name(), model.ErrFatalStream, err)
		}

		failures++
		p.stats.decodeError()
		metrics.FailuresTotal.WithLabelValues(metrics.FailureDecode).Inc()
		if failures > p.cfg.DecodeRetries {
			return model.Frame{}, fmt.Errorf("%d consecutive decode failures: %w: %w", failures, model.ErrFatalStream, err)
		}
		p.report(ctx, err, false, 0)
	}
}

func (p *Pipeline) infer(ctx context.Context, scaled model.Frame, display model.Frame) (model.Overlay, model.TensorMeta, error) {
	inferCtx := ctx
	if p.cfg.InferTimeout > 0 {
		var cancel context.CancelFunc
		inferCtx, cancel = context.WithTimeout(ctx, p.cfg.InferTimeout)
		defer cancel()
	}

	start := time.Now()
	tensor, err := p.proc.Infer(inferCtx, scaled)
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(metrics.StageInference).Observe(elapsed.Seconds())
	if err != nil {
		if !errors.Is(err, model.ErrInferenceFailure) {
			err = fmt.Errorf("%s on frame %d: %w: %w", p.proc.Name(), scaled.ID, model.ErrInferenceFailure, err)
		}
		return model.Overlay{}, model.TensorMeta{}, err
	}
	p.stats.inferred(elapsed)

	overlayStart := time.Now()
	overlay, err := render.BuildOverlay(tensor, p.cfg.Palette, render.OverlayOptions{
		Width:      display.Width,
		Height:     display.Height,
		Policy:     p.cfg.Policy,
		Confidence: p.cfg.Confidence,
	})
	metrics.StageDuration.WithLabelValues(metrics.StageOverlay).Observe(time.Since(overlayStart).Seconds())
	if err != nil {
		return model.Overlay{}, model.TensorMeta{}, fmt.Errorf("%s on frame %d: %w", p.proc.Name(), scaled.ID, err)
	}
	return overlay, tensor.Meta(), nil
}

func (p *Pipeline) publish(result *Result) {
	p.version++
	result.Version = p.version
	result.Published = time.Now()
	p.slot.Store(result)
	metrics.ResultsPublishedTotal.Inc()
}

// endStep turns a finished single step back into Paused, whatever the cycle's outcome.
func (p *Pipeline) endStep() {
	if p.state.CompareAndSwap(int32(Stepping), int32(Paused)) {
		metrics.PipelineState.WithLabelValues(Stepping.String()).Set(0)
		metrics.PipelineState.WithLabelValues(Paused.String()).Set(1)
	}
}

func (p *Pipeline) finish(fatal error) error {
	p.setState(Stopped)

	p.mu.Lock()
	p.stopReq = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, cmd := range pending {
		switch {
		case cmd.kind == cmdSwap && cmd.proc != nil:
			_ = cmd.proc.Close()
		case cmd.kind == cmdSource:
			_ = cmd.src.Close()
		}
	}

	if err := p.src.Close(); err != nil {
		lgr.Logger.Warn("closing source", slog.String("id", p.id), slog.Any("error", err))
	}
	if p.proc != nil {
		if err := p.proc.Close(); err != nil {
			lgr.Logger.Warn("closing processor", slog.String("id", p.id), slog.Any("error", err))
		}
	}

	if fatal != nil {
		metrics.FailuresTotal.WithLabelValues(metrics.FailureFatal).Inc()
		p.report(context.Background(), fatal, true, 0)
	}

	stats := p.Stats()
	lgr.Logger.Info(
		"pipeline stopped",
		slog.String("id", p.id),
		slog.Int("decoded", stats.Decoded),
		slog.Int("published", stats.Published),
		slog.Int("dropped", stats.Dropped),
		slog.Int("decodeErrors", stats.DecodeErrors),
		slog.Int("inferenceErrors", stats.InferenceErrors),
		slog.Bool("fatal", fatal != nil),
	)

	close(p.reports)
	close(p.done)
	return fatal
}

func (p *Pipeline) report(ctx context.Context, err error, fatal bool, frameID uint64) {
	r := Report{
		ID:      uuid.NewString(),
		Err:     err,
		Fatal:   fatal,
		FrameID: frameID,
		Time:    time.Now(),
	}
	p.lastReport.Store(&r)

	if fatal {
		lgr.Logger.ErrorContext(ctx, "pipeline fatal error", slog.String("id", p.id), slog.Any("error", err))
	} else {
		lgr.Logger.WarnContext(ctx, "pipeline cycle error", slog.String("id", p.id), slog.Uint64("frame", frameID), slog.Any("error", err))
	}

	select {
	case p.reports <- r:
	default:
		lgr.Logger.Warn("reports channel full, dropping report", slog.String("id", p.id))
	}
}

func (p *Pipeline) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	metrics.PipelineState.WithLabelValues(prev.String()).Set(0)
	metrics.PipelineState.WithLabelValues(s.String()).Set(1)
}

func (p *Pipeline) procName() string {
	if p.proc == nil {
		return ""
	}
	return p.proc.Name()
}

func (p *Pipeline) emitSettings() {
	s := p.settings.Clone()

	// latest value wins
	select {
	case <-p.settingsCh:
	default:
	}
	select {
	case p.settingsCh <- s.Clone():
	default:
	}

	p.mu.Lock()
	p.snapshot = s
	p.mu.Unlock()
}
