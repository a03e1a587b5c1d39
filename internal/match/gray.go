// Package match scores how well a template image matches a video frame.
package match

import (
	"image"
	"image/color"
)

// Gray is an 8-bit luma plane. Pix holds W*H samples in row-major order.
type Gray struct {
	W, H int
	Pix  []uint8
}

// NewGray allocates a zeroed plane of the given size.
func NewGray(w, h int) *Gray {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return &Gray{W: w, H: h, Pix: make([]uint8, w*h)}
}

// At returns the sample at (x, y).
func (g *Gray) At(x, y int) uint8 {
	return g.Pix[y*g.W+x]
}

// Set writes the sample at (x, y).
func (g *Gray) Set(x, y int, v uint8) {
	g.Pix[y*g.W+x] = v
}

// FromImage converts img to luma using the BT.601 weights (the same weights
// OpenCV applies for BGR to gray). JPEG frames decode to YCbCr, whose Y plane
// is already that luma, so it is copied as is.
func FromImage(img image.Image) *Gray {
	b := img.Bounds()
	g := NewGray(b.Dx(), b.Dy())

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < g.H; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(g.Pix[y*g.W:(y+1)*g.W], src.Pix[off:off+g.W])
		}
	case *image.YCbCr:
		for y := 0; y < g.H; y++ {
			off := src.YOffset(b.Min.X, b.Min.Y+y)
			copy(g.Pix[y*g.W:(y+1)*g.W], src.Y[off:off+g.W])
		}
	default:
		for y := 0; y < g.H; y++ {
			for x := 0; x < g.W; x++ {
				c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				g.Pix[y*g.W+x] = c.Y
			}
		}
	}
	return g
}
