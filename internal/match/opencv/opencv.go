//go:build gocv

// Package opencv registers an OpenCV-backed matcher under the name "opencv".
// It needs the gocv build tag and a local OpenCV installation.
package opencv

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"github.com/example/template-detector/internal/match"
)

// Name is the registry key of this matcher.
const Name = "opencv"

func init() {
	match.Register(Name, func() (match.Matcher, error) { return &Matcher{}, nil })
}

// Matcher runs cv::matchTemplate with TM_CCOEFF_NORMED and reports the peak.
type Matcher struct{}

// Best implements match.Matcher. OpenCV scores the whole frame in one call,
// so stopAt is not used.
func (m *Matcher) Best(frame *match.Gray, tmpl *match.Template, stopAt float64) (float64, error) {
	if !tmpl.Fits(frame) {
		return 0, match.ErrTemplateTooLarge
	}

	img, err := gocv.NewMatFromBytes(frame.H, frame.W, gocv.MatTypeCV8U, frame.Pix)
	if err != nil {
		return 0, fmt.Errorf("frame mat: %w", err)
	}
	defer img.Close()

	tm, err := gocv.NewMatFromBytes(tmpl.H, tmpl.W, gocv.MatTypeCV8U, tmpl.Pix)
	if err != nil {
		return 0, fmt.Errorf("template mat: %w", err)
	}
	defer tm.Close()

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	if err := gocv.MatchTemplate(img, tm, &result, gocv.TmCcoeffNormed, mask); err != nil {
		return 0, fmt.Errorf("match template: %w", err)
	}
	if result.Empty() {
		return 0, fmt.Errorf("match template: empty result")
	}

	_, peak, _, _ := gocv.MinMaxLoc(result)
	score := float64(peak)
	switch {
	case math.IsNaN(score) || math.IsInf(score, 0):
		// flat regions divide by zero
		score = 0
	case score < 0:
		score = 0
	case score > 1:
		score = 1
	}
	return score, nil
}
