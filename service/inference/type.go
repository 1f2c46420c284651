package inference

import (
	"context"
	"fmt"

	"github.com/khaledhikmat/vs-infer/model"
)

// Shape is the contract a processor declares when it is constructed.
// Zero input dims mean the processor accepts any frame size.
type Shape struct {
	InputWidth  int  `json:"inputWidth"`
	InputHeight int  `json:"inputHeight"`
	Classes     int  `json:"classes"`
	Normalized  bool `json:"normalized"`
}

func (s Shape) Validate() error {
	if s.Classes <= 0 {
		return fmt.Errorf("processor declares %d classes: %w", s.Classes, model.ErrConfiguration)
	}
	if s.InputWidth < 0 || s.InputHeight < 0 || (s.InputWidth == 0) != (s.InputHeight == 0) {
		return fmt.Errorf("processor declares input %dx%d: %w", s.InputWidth, s.InputHeight, model.ErrConfiguration)
	}
	return nil
}

// Info describes a loaded model.
type Info struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Backend     string   `json:"backend"`
	Layers      int      `json:"layers"`
	OutputNames []string `json:"outputNames"`
	Shape       Shape    `json:"shape"`
}

// IService turns a (scaled) frame into a class-major prediction tensor.
// Errors wrap model.ErrInferenceFailure. Infer is never called concurrently on one instance.
type IService interface {
	Name() string
	Shape() Shape
	Info() Info
	Infer(ctx context.Context, frame model.Frame) (model.Tensor, error)
	Close() error
}

// Loader builds a processor from a model path.
// A nil processor with a nil error means inference is disabled.
type Loader func(path string) (IService, error)
