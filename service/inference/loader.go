package inference

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/khaledhikmat/vs-infer/model"
	"github.com/khaledhikmat/vs-infer/service/config"
)

const fakePrefix = "fake:"

// NewLoader picks the processor implementation by the model path:
// "" disables inference, "fake:<classes>" builds a constant fake and *.onnx loads with gocv dnn.
func NewLoader(cfgsvc config.IService) Loader {
	return func(path string) (IService, error) {
		path = strings.TrimSpace(path)
		switch {
		case path == "":
			return nil, nil
		case strings.HasPrefix(path, fakePrefix):
			classes, err := strconv.Atoi(strings.TrimPrefix(path, fakePrefix))
			if err != nil {
				return nil, fmt.Errorf("fake model %q needs a class count: %w", path, model.ErrConfiguration)
			}
			fake := NewFake(classes)
			if err := fake.Shape().Validate(); err != nil {
				return nil, err
			}
			return fake, nil
		case strings.EqualFold(filepath.Ext(path), ".onnx"):
			return NewOnnx(path, cfgsvc.GetOnnxParameters())
		default:
			return nil, fmt.Errorf("unsupported model %q: %w", path, model.ErrConfiguration)
		}
	}
}
