package source

import (
	"context"

	"github.com/khaledhikmat/vs-infer/model"
)

// IService is a pull-based frame sequence.
//
// Next returns the next decoded frame, model.ErrSourceExhausted once the sequence has
// ended (and on every later call), or an error wrapping model.ErrDecodeFailure.
// Close releases the underlying capture or process and may be called at any time.
type IService interface {
	Next(ctx context.Context) (model.Frame, error)
	Name() string
	Stats() model.SourceStats
	Close() error
}
