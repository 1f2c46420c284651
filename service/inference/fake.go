package inference

import (
	"context"
	"fmt"
	"sync"

	"github.com/khaledhikmat/vs-infer/model"
)

// Fake predicts one class everywhere with a fixed confidence.
// Hooks let tests fail or block individual calls.
type Fake struct {
	shape      Shape
	class      int
	confidence float32

	errFn     func(call int) error
	gate      <-chan struct{}
	ignoreCtx bool

	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	closed      bool
}

func NewFake(classes int) *Fake {
	return &Fake{
		shape:      Shape{Classes: classes, Normalized: true},
		confidence: 1,
	}
}

// WithClass sets the predicted class and its confidence.
func (f *Fake) WithClass(class int, confidence float32) *Fake {
	f.class = class
	f.confidence = confidence
	return f
}

// WithInputSize declares an exact input size; frames are resized to it.
func (f *Fake) WithInputSize(w, h int) *Fake {
	f.shape.InputWidth = w
	f.shape.InputHeight = h
	return f
}

// WithError fails every call for which fn returns an error. Calls count from 1.
func (f *Fake) WithError(fn func(call int) error) *Fake {
	f.errFn = fn
	return f
}

// WithGate blocks every call until gate yields. Unless ignoreCtx is set a done
// context releases the call too.
func (f *Fake) WithGate(gate <-chan struct{}, ignoreCtx bool) *Fake {
	f.gate = gate
	f.ignoreCtx = ignoreCtx
	return f
}

func (f *Fake) Name() string {
	return fmt.Sprintf("fake:%d", f.shape.Classes)
}

func (f *Fake) Shape() Shape {
	return f.shape
}

func (f *Fake) Info() Info {
	return Info{
		Name:    f.Name(),
		Backend: "fake",
		Shape:   f.shape,
	}
}

func (f *Fake) Infer(ctx context.Context, frame model.Frame) (model.Tensor, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.gate != nil {
		if f.ignoreCtx {
			<-f.gate
		} else {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return model.Tensor{}, ctx.Err()
			}
		}
	}

	if f.errFn != nil {
		if err := f.errFn(call); err != nil {
			return model.Tensor{}, fmt.Errorf("fake call %d: %w: %w", call, model.ErrInferenceFailure, err)
		}
	}
	if frame.Empty() {
		return model.Tensor{}, fmt.Errorf("empty frame %d: %w", frame.ID, model.ErrInferenceFailure)
	}

	w, h := frame.Width, frame.Height
	if f.shape.InputWidth > 0 {
		w, h = f.shape.InputWidth, f.shape.InputHeight
	}
	tensor := model.NewTensor(f.shape.Classes, h, w, f.shape.Normalized)
	plane := w * h
	k := f.class % f.shape.Classes
	for i := 0; i < plane; i++ {
		tensor.Data[k*plane+i] = f.confidence
	}
	return tensor, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// MaxInFlight is the highest number of overlapping Infer calls seen.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
