package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/lgr"
	"github.com/khaledhikmat/vs-infer/service/metrics"
	"github.com/khaledhikmat/vs-infer/service/source"
)

// Commands are queued and applied by Run between cycles, in order. Configuration
// errors are returned right away and never queued.

func (p *Pipeline) Play() error {
	return p.post(command{kind: cmdPlay})
}

func (p *Pipeline) Pause() error {
	return p.post(command{kind: cmdPause})
}

// Step advances one frame and leaves the pipeline Paused.
func (p *Pipeline) Step() error {
	return p.post(command{kind: cmdStep})
}

// SetScaleFactor applies to the first cycle that starts after the command is applied.
func (p *Pipeline) SetScaleFactor(f float64) error {
	scale, err := model.NewScaleFactor(f)
	if err != nil {
		return err
	}
	return p.post(command{kind: cmdScale, scale: scale})
}

// SwapProcessor loads the model at path on the caller's goroutine and, if its shape
// is valid, installs it between cycles. An empty path disables inference.
func (p *Pipeline) SwapProcessor(path string) error {
	proc, err := p.loader(path)
	if err != nil {
		if !errors.Is(err, model.ErrConfiguration) {
			err = fmt.Errorf("loading %q: %w: %w", path, model.ErrConfiguration, err)
		}
		return err
	}
	if proc != nil {
		if err := proc.Shape().Validate(); err != nil {
			_ = proc.Close()
			return fmt.Errorf("rejected processor %q: %w", path, err)
		}
	}

	if err := p.post(command{kind: cmdSwap, proc: proc, path: path}); err != nil {
		if proc != nil {
			_ = proc.Close()
		}
		return err
	}
	return nil
}

// SwapSource switches to src, opened from input, between cycles. The pipeline owns
// src from now on and closes the source it replaces.
func (p *Pipeline) SwapSource(src source.IService, input []string) error {
	if src == nil {
		return fmt.Errorf("no frame source for %v: %w", input, model.ErrConfiguration)
	}
	cmd := command{kind: cmdSource, src: src, input: append([]string{}, input...)}
	if err := p.post(cmd); err != nil {
		_ = src.Close()
		return err
	}
	return nil
}

// Stop cancels the cycle in flight and stops the pipeline. It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopReq = true
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.signal()
}

func (p *Pipeline) post(cmd command) error {
	p.mu.Lock()
	if p.stopReq {
		p.mu.Unlock()
		return fmt.Errorf("pipeline %s: %w", p.id, model.ErrStopped)
	}
	p.queue = append(p.queue, cmd)
	p.mu.Unlock()

	p.signal()
	return nil
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// applyCommands drains the queue. It stops right after a step so that every step
// gets its own cycle.
func (p *Pipeline) applyCommands() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		cmd := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.apply(cmd)
		if cmd.kind == cmdStep {
			return
		}
	}
}

func (p *Pipeline) apply(cmd command) {
	switch cmd.kind {
	case cmdPlay:
		p.setState(Playing)
		p.settings.Paused = false
	case cmdPause:
		p.setState(Paused)
		p.settings.Paused = true
	case cmdStep:
		p.setState(Stepping)
		p.settings.Paused = true
	case cmdScale:
		p.scale = cmd.scale
		p.settings.Scale = float64(cmd.scale)
		metrics.ScaleFactor.Set(float64(cmd.scale))
	case cmdSwap:
		old := p.proc
		p.proc = cmd.proc
		p.settings.ModelPath = cmd.path
		if old != nil {
			if err := old.Close(); err != nil {
				lgr.Logger.Warn("closing replaced processor", slog.String("id", p.id), slog.Any("error", err))
			}
		}
		lgr.Logger.Info(
			"processor swapped",
			slog.String("id", p.id),
			slog.String("path", cmd.path),
			slog.String("processor", p.procName()),
		)
	case cmdSource:
		p.mu.Lock()
		old := p.src
		p.src = cmd.src
		p.mu.Unlock()
		p.settings.VideoInput = cmd.input
		if err := old.Close(); err != nil {
			lgr.Logger.Warn("closing replaced source", slog.String("id", p.id), slog.Any("error", err))
		}
		lgr.Logger.Info(
			"source swapped",
			slog.String("id", p.id),
			slog.Any("input", cmd.input),
			slog.String("source", cmd.src.Name()),
		)
	}
	p.emitSettings()
}
