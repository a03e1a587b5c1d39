package match

import (
	"errors"
	"math"
)

// ErrTemplateTooLarge is returned when the template does not fit inside the frame.
var ErrTemplateTooLarge = errors.New("template larger than frame")

// flatEpsilon is the sum of squared deviations under which a region counts as
// having no variance. Integer samples give at least 0.5 for any non-flat region.
const flatEpsilon = 1e-3

// Template is a template plane with the statistics every placement reuses.
type Template struct {
	*Gray

	// Zero holds each sample minus the template mean.
	Zero []float64
	Mean float64
	// Norm is sqrt(sum(Zero^2)).
	Norm float64
}

// Prepare computes the zero-mean form of g once per scan.
func Prepare(g *Gray) *Template {
	t := &Template{Gray: g, Zero: make([]float64, len(g.Pix))}
	if len(g.Pix) == 0 {
		return t
	}

	var sum float64
	for _, v := range g.Pix {
		sum += float64(v)
	}
	t.Mean = sum / float64(len(g.Pix))

	var sq float64
	for i, v := range g.Pix {
		d := float64(v) - t.Mean
		t.Zero[i] = d
		sq += d * d
	}
	t.Norm = math.Sqrt(sq)
	return t
}

// Empty reports whether the template has no pixels.
func (t *Template) Empty() bool {
	return t == nil || t.Gray == nil || t.W == 0 || t.H == 0
}

// Fits reports whether the template can be placed at least once inside frame.
func (t *Template) Fits(frame *Gray) bool {
	return t.W <= frame.W && t.H <= frame.H
}

func (t *Template) flat() bool {
	return t.Norm*t.Norm < flatEpsilon
}
