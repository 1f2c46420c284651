package model

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"time"
)

type Layout int

const (
	LayoutRGB8 Layout = iota
	LayoutBGR8
)

func (l Layout) String() string {
	switch l {
	case LayoutRGB8:
		return "rgb8"
	case LayoutBGR8:
		return "bgr8"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Frame is one decoded raster. Pix holds Height rows of Width*3 bytes in Layout order.
// Frames are never mutated once produced.
type Frame struct {
	ID        uint64
	Width     int
	Height    int
	Layout    Layout
	Pix       []byte
	Timestamp time.Time
}

func NewFrame(id uint64, width, height int, layout Layout) Frame {
	return Frame{
		ID:        id,
		Width:     width,
		Height:    height,
		Layout:    layout,
		Pix:       make([]byte, width*height*3),
		Timestamp: time.Now(),
	}
}

func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Pix) < f.Width*f.Height*3
}

func (f Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// RGBAt returns the pixel at x,y in RGB order regardless of Layout.
func (f Frame) RGBAt(x, y int) (r, g, b uint8) {
	i := (y*f.Width + x) * 3
	if f.Layout == LayoutBGR8 {
		return f.Pix[i+2], f.Pix[i+1], f.Pix[i]
	}
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// NRGBA converts the frame into an opaque image.
func (f Frame) NRGBA() *image.NRGBA {
	img := image.NewNRGBA(f.Bounds())
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, b := f.RGBAt(x, y)
			o := img.PixOffset(x, y)
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = r, g, b, 0xff
		}
	}
	return img
}

// FrameFromImage copies img into a frame with the requested layout. Alpha is dropped.
func FrameFromImage(id uint64, img image.Image, layout Layout) Frame {
	b := img.Bounds()
	f := NewFrame(id, b.Dx(), b.Dy(), layout)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*f.Width + x) * 3
			if layout == LayoutBGR8 {
				f.Pix[i], f.Pix[i+1], f.Pix[i+2] = c.B, c.G, c.R
			} else {
				f.Pix[i], f.Pix[i+1], f.Pix[i+2] = c.R, c.G, c.B
			}
		}
	}
	return f
}

// ScaleFactor multiplies both frame dimensions before inference.
type ScaleFactor float64

func NewScaleFactor(f float64) (ScaleFactor, error) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("scale factor %v must be a positive finite number: %w", f, ErrConfiguration)
	}
	return ScaleFactor(f), nil
}

// Dims returns round(w*f) x round(h*f), each at least 1.
func (s ScaleFactor) Dims(width, height int) (int, int) {
	w := int(math.Round(float64(width) * float64(s)))
	h := int(math.Round(float64(height) * float64(s)))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// Tensor is a dense class-major (C x H x W) array of per-pixel class scores.
type Tensor struct {
	Classes    int
	Height     int
	Width      int
	Normalized bool
	Data       []float32
}

func NewTensor(classes, height, width int, normalized bool) Tensor {
	return Tensor{
		Classes:    classes,
		Height:     height,
		Width:      width,
		Normalized: normalized,
		Data:       make([]float32, classes*height*width),
	}
}

func (t Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.Height+y)*t.Width+x]
}

func (t Tensor) Set(c, y, x int, v float32) {
	t.Data[(c*t.Height+y)*t.Width+x] = v
}

func (t Tensor) Validate() error {
	if t.Classes <= 0 || t.Height <= 0 || t.Width <= 0 {
		return fmt.Errorf("tensor shape %dx%dx%d: %w", t.Classes, t.Height, t.Width, ErrInferenceFailure)
	}
	if len(t.Data) != t.Classes*t.Height*t.Width {
		return fmt.Errorf("tensor holds %d values, shape %dx%dx%d needs %d: %w",
			len(t.Data), t.Classes, t.Height, t.Width, t.Classes*t.Height*t.Width, ErrInferenceFailure)
	}
	return nil
}

func (t Tensor) Meta() TensorMeta {
	return TensorMeta{
		Classes:    t.Classes,
		Height:     t.Height,
		Width:      t.Width,
		Normalized: t.Normalized,
	}
}

// TensorMeta is what survives of a tensor once its overlay is built.
type TensorMeta struct {
	Classes    int  `json:"classes"`
	Height     int  `json:"height"`
	Width      int  `json:"width"`
	Normalized bool `json:"normalized"`
}

// Overlay is a color-coded, confidence-shaded layer sized like the display frame.
type Overlay struct {
	Image *image.NRGBA
}

// BlankOverlay is a fully transparent overlay of the given size.
func BlankOverlay(width, height int) Overlay {
	return Overlay{Image: image.NewNRGBA(image.Rect(0, 0, width, height))}
}

func (o Overlay) Width() int {
	if o.Image == nil {
		return 0
	}
	return o.Image.Bounds().Dx()
}

func (o Overlay) Height() int {
	if o.Image == nil {
		return 0
	}
	return o.Image.Bounds().Dy()
}
