package render

import (
	"fmt"
	"image"
	"strings"

	"golang.org/x/image/draw"

	"github.com/khaledhikmat/vs-infer/model"
)

// Policy selects the resampling kernel used to scale frames and overlays.
type Policy string

const (
	Nearest        Policy = "nearest"
	ApproxBiLinear Policy = "approx-bilinear"
	BiLinear       Policy = "bilinear"
	CatmullRom     Policy = "catmull-rom"

	DefaultPolicy = Nearest
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DefaultPolicy, nil
	case Nearest, ApproxBiLinear, BiLinear, CatmullRom:
		return p, nil
	default:
		return "", fmt.Errorf("unknown scale policy %q: %w", s, model.ErrConfiguration)
	}
}

func (p Policy) interpolator() draw.Interpolator {
	switch p {
	case ApproxBiLinear:
		return draw.ApproxBiLinear
	case BiLinear:
		return draw.BiLinear
	case CatmullRom:
		return draw.CatmullRom
	default:
		return draw.NearestNeighbor
	}
}

// Scale resizes frame to round(w*f) x round(h*f), at least 1x1.
func Scale(frame model.Frame, factor model.ScaleFactor, policy Policy) (model.Frame, error) {
	if _, err := model.NewScaleFactor(float64(factor)); err != nil {
		return model.Frame{}, err
	}
	w, h := factor.Dims(frame.Width, frame.Height)
	return Resize(frame, w, h, policy)
}

// Resize returns a copy of frame with exactly width x height pixels, keeping its id,
// timestamp and layout. A frame that already has the requested size is returned as is.
func Resize(frame model.Frame, width, height int, policy Policy) (model.Frame, error) {
	if width < 1 || height < 1 {
		return model.Frame{}, fmt.Errorf("resize to %dx%d: %w", width, height, model.ErrConfiguration)
	}
	if frame.Empty() {
		return model.Frame{}, fmt.Errorf("resize of an empty %dx%d frame: %w", frame.Width, frame.Height, model.ErrConfiguration)
	}
	if frame.Width == width && frame.Height == height {
		return frame, nil
	}

	dst := ResizeImage(frame.NRGBA(), width, height, policy)
	out := model.FrameFromImage(frame.ID, dst, frame.Layout)
	out.Timestamp = frame.Timestamp
	return out, nil
}

// ResizeImage scales src into a new width x height image.
func ResizeImage(src image.Image, width, height int, policy Policy) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	policy.interpolator().Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
