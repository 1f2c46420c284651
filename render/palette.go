package render

import "image/color"

type Palette []color.NRGBA

// DefaultPalette holds 20 high-contrast colors.
//
// adapted from: http://www.color-hex.com/color-palette/23381
// and: http://www.color-hex.com/color-palette/52402
var DefaultPalette = Palette{
	{R: 75, G: 180, B: 60, A: 0xff},
	{R: 75, G: 25, B: 230, A: 0xff},
	{R: 25, G: 225, B: 255, A: 0xff},
	{R: 200, G: 130, B: 0, A: 0xff},
	{R: 48, G: 130, B: 245, A: 0xff},
	{R: 240, G: 240, B: 70, A: 0xff},
	{R: 230, G: 50, B: 240, A: 0xff},
	{R: 60, G: 245, B: 210, A: 0xff},
	{R: 180, G: 30, B: 145, A: 0xff},
	{R: 190, G: 190, B: 250, A: 0xff},
	{R: 128, G: 128, B: 0, A: 0xff},
	{R: 255, G: 190, B: 230, A: 0xff},
	{R: 40, G: 110, B: 170, A: 0xff},
	{R: 200, G: 250, B: 255, A: 0xff},
	{R: 0, G: 0, B: 128, A: 0xff},
	{R: 195, G: 255, B: 170, A: 0xff},
	{R: 0, G: 128, B: 128, A: 0xff},
	{R: 180, G: 215, B: 255, A: 0xff},
	{R: 128, G: 0, B: 0, A: 0xff},
	{R: 128, G: 128, B: 128, A: 0xff},
}

// Color returns the class color with an alpha of confidence (clamped to 0..1).
func (p Palette) Color(class int, confidence float32) color.NRGBA {
	c := p[class%len(p)]
	c.A = alpha(confidence)
	return c
}

func alpha(confidence float32) uint8 {
	if confidence != confidence || confidence <= 0 {
		return 0
	}
	if confidence >= 1 {
		return 0xff
	}
	return uint8(confidence * 255)
}
