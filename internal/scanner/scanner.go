// Package scanner runs a template search over the frames of a video, one frame
// at a time, until a frame scores at or above the threshold or the video ends.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"time"

	"github.com/example/template-detector/internal/match"
)

// Source yields decoded frames in order. Next returns io.EOF once the video
// is exhausted. Frames are not retained after they are returned.
type Source interface {
	Next() (image.Image, error)
}

// Counter is implemented by sources that know their length up front.
type Counter interface {
	TotalFrames() int
}

// Progress is reported every N scored frames.
type Progress struct {
	Frame       int
	TotalFrames int
	BestScore   float64
	Elapsed     time.Duration
}

type options struct {
	matcher       match.Matcher
	progressEvery int
	onProgress    func(Progress)
}

// Option configures Run.
type Option func(*options)

// WithMatcher replaces the default NCC matcher.
func WithMatcher(m match.Matcher) Option {
	return func(o *options) {
		if m != nil {
			o.matcher = m
		}
	}
}

// WithProgress calls fn after every `every` scored frames.
func WithProgress(every int, fn func(Progress)) Option {
	return func(o *options) {
		o.progressEvery = every
		o.onProgress = fn
	}
}

// ValidateThreshold rejects NaN and values outside [0,1].
func ValidateThreshold(threshold float64) error {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return InvalidInput(fmt.Sprintf("threshold must be between 0 and 1, got %v", threshold))
	}
	return nil
}

// state is the mutable record of a single scan. It is finalized exactly once.
type state struct {
	start   time.Time
	frame   int
	total   int
	best    float64
	outcome Outcome
}

func (s *state) finish(status Status, err error) Outcome {
	if s.outcome.Status.Terminal() {
		return s.outcome
	}
	s.outcome = Outcome{
		Status:      status,
		Examined:    s.frame,
		TotalFrames: s.total,
		Elapsed:     time.Since(s.start),
		BestScore:   s.best,
		Err:         err,
	}
	if status == StatusFound {
		s.outcome.Frame = s.frame
		s.outcome.Examined = s.frame + 1
	}
	return s.outcome
}

// Run scans src for tmpl and returns exactly one terminal outcome. ctx is
// checked between frames; a frame that is being scored is always finished.
func Run(ctx context.Context, src Source, tmpl image.Image, threshold float64, opts ...Option) Outcome {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.matcher == nil {
		o.matcher = match.NewNCC(0)
	}

	st := &state{start: time.Now(), outcome: Outcome{Status: StatusPending}}
	if c, ok := src.(Counter); ok {
		st.total = c.TotalFrames()
	}

	if err := ValidateThreshold(threshold); err != nil {
		return st.finish(StatusError, err)
	}
	if src == nil {
		return st.finish(StatusError, DecodeError("video source unavailable", nil))
	}
	if tmpl == nil {
		return st.finish(StatusError, DecodeError("template unavailable", nil))
	}
	t := match.Prepare(match.FromImage(tmpl))
	if t.Empty() {
		return st.finish(StatusError, ErrEmptyTemplate)
	}

	for {
		if err := ctx.Err(); err != nil {
			return st.finish(StatusCancelled, fmt.Errorf("%w: %v", ErrCancelled, err))
		}

		img, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// a source bound to ctx fails its read once ctx is done
			if ctxErr := ctx.Err(); ctxErr != nil {
				return st.finish(StatusCancelled, fmt.Errorf("%w: %v", ErrCancelled, ctxErr))
			}
			return st.finish(StatusError, DecodeError(fmt.Sprintf("failed to decode frame %d", st.frame), err))
		}

		frame := match.FromImage(img)
		if !t.Fits(frame) {
			return st.finish(StatusError, ErrTemplateTooLarge)
		}

		score, err := o.matcher.Best(frame, t, threshold)
		if err != nil {
			if errors.Is(err, match.ErrTemplateTooLarge) {
				return st.finish(StatusError, ErrTemplateTooLarge)
			}
			return st.finish(StatusError, fmt.Errorf("match frame %d: %w", st.frame, err))
		}
		if score > st.best {
			st.best = score
		}
		if score >= threshold {
			return st.finish(StatusFound, nil)
		}

		st.frame++
		if o.onProgress != nil && o.progressEvery > 0 && st.frame%o.progressEvery == 0 {
			o.onProgress(Progress{
				Frame:       st.frame,
				TotalFrames: st.total,
				BestScore:   st.best,
				Elapsed:     time.Since(st.start),
			})
		}
	}

	if st.frame == 0 {
		return st.finish(StatusError, ErrNoFrames)
	}
	return st.finish(StatusNotFound, nil)
}
