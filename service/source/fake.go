package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/khaledhikmat/vs-infer/model"
)

// Step is one scripted pull of a Fake source: a frame or an error.
type Step struct {
	Width  int
	Height int
	Err    error
}

// Frames scripts n frames of w x h.
func Frames(n, w, h int) []Step {
	steps := make([]Step, n)
	for i := range steps {
		steps[i] = Step{Width: w, Height: h}
	}
	return steps
}

// Fail scripts one failed pull.
func Fail(err error) Step {
	return Step{Err: err}
}

// Fake plays back a script and then reports exhaustion.
// A Fake built with NewRandom never ends.
type Fake struct {
	mu      sync.Mutex
	steps   []Step
	endless bool
	width   int
	height  int
	delay   time.Duration
	next    int
	frames  uint64
	pulls   int
	errors  int
	closed  bool
	start   time.Time
}

func NewFake(steps ...Step) *Fake {
	return &Fake{steps: steps, start: time.Now()}
}

// NewRandom produces an endless sequence of random w x h frames.
func NewRandom(w, h int) *Fake {
	return &Fake{endless: true, width: w, height: h, start: time.Now()}
}

// WithDelay makes every pull take d, or less if the context is done first.
func (f *Fake) WithDelay(d time.Duration) *Fake {
	f.delay = d
	return f
}

func (f *Fake) Name() string {
	return "fake"
}

func (f *Fake) Next(ctx context.Context) (model.Frame, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return model.Frame{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pulls++
	if f.closed {
		return model.Frame{}, model.ErrSourceExhausted
	}

	var step Step
	switch {
	case f.endless:
		step = Step{Width: f.width, Height: f.height}
	case f.next < len(f.steps):
		step = f.steps[f.next]
		f.next++
	default:
		return model.Frame{}, model.ErrSourceExhausted
	}

	if step.Err != nil {
		f.errors++
		return model.Frame{}, step.Err
	}

	f.frames++
	frame := model.NewFrame(f.frames, step.Width, step.Height, model.LayoutRGB8)
	if f.endless {
		_, _ = rand.Read(frame.Pix)
	} else {
		for i := range frame.Pix {
			frame.Pix[i] = byte(f.frames)
		}
	}
	return frame, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) Stats() model.SourceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.SourceStats{
		Name:   "fake",
		Input:  "fake",
		Frames: int(f.frames),
		Errors: f.errors,
		Uptime: int64(time.Since(f.start).Seconds()),
	}
}

// Pulls counts calls to Next.
func (f *Fake) Pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
