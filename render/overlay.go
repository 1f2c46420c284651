package render

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/khaledhikmat/vs-infer/model"
)

// ConfidenceMode decides how raw (not normalized) class scores become shading.
type ConfidenceMode int

const (
	// ConfidenceClamp shades with the raw winning score clamped to 0..1.
	// It is imprecise for logits and kept as the default until models declare their output.
	ConfidenceClamp ConfidenceMode = iota
	// ConfidenceSoftmax shades with the softmax probability of the winning class.
	ConfidenceSoftmax
)

func ParseConfidenceMode(s string) (ConfidenceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return ConfidenceClamp, nil
	case "softmax":
		return ConfidenceSoftmax, nil
	default:
		return 0, fmt.Errorf("unknown overlay confidence mode %q: %w", s, model.ErrConfiguration)
	}
}

func (m ConfidenceMode) String() string {
	if m == ConfidenceSoftmax {
		return "softmax"
	}
	return "clamp"
}

type OverlayOptions struct {
	// Width and Height of the display frame. Zero keeps the tensor resolution.
	Width      int
	Height     int
	Policy     Policy
	Confidence ConfidenceMode
}

// BuildOverlay color-codes the winning class of every tensor pixel and shades it by
// confidence, then resamples the layer to the display size.
func BuildOverlay(t model.Tensor, palette Palette, opts OverlayOptions) (model.Overlay, error) {
	if err := t.Validate(); err != nil {
		return model.Overlay{}, err
	}
	if len(palette) == 0 {
		palette = DefaultPalette
	}

	img := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			k, conf := classify(t, y, x, opts.Confidence)
			img.SetNRGBA(x, y, palette.Color(k, conf))
		}
	}

	w, h := opts.Width, opts.Height
	if w <= 0 || h <= 0 {
		w, h = t.Width, t.Height
	}
	if w != t.Width || h != t.Height {
		img = ResizeImage(img, w, h, opts.Policy)
	}
	return model.Overlay{Image: img}, nil
}

// classify returns the argmax class of pixel y,x (lowest index wins ties) and its confidence.
func classify(t model.Tensor, y, x int, mode ConfidenceMode) (int, float32) {
	kMax := 0
	sMax := t.At(0, y, x)
	for k := 1; k < t.Classes; k++ {
		if s := t.At(k, y, x); s > sMax {
			kMax, sMax = k, s
		}
	}
	if t.Normalized || mode == ConfidenceClamp {
		return kMax, sMax
	}

	// softmax of the winner: exp(0) / sum(exp(s - sMax))
	var sum float64
	for k := 0; k < t.Classes; k++ {
		sum += math.Exp(float64(t.At(k, y, x) - sMax))
	}
	return kMax, float32(1 / sum)
}

// Compose blends overlay on top of frame.
func Compose(frame model.Frame, overlay model.Overlay) *image.NRGBA {
	base := frame.NRGBA()
	if overlay.Image == nil {
		return base
	}
	return imaging.Overlay(base, overlay.Image, image.Pt(0, 0), 1.0)
}
