package scanner

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"math/rand"
	"testing"
)

// sliceSource hands out prepared frames and records how many were pulled.
type sliceSource struct {
	frames []image.Image
	errAt  int
	err    error
	calls  int
	total  int
}

func (s *sliceSource) Next() (image.Image, error) {
	idx := s.calls
	s.calls++
	if s.err != nil && idx == s.errAt {
		return nil, s.err
	}
	if idx >= len(s.frames) {
		return nil, io.EOF
	}
	return s.frames[idx], nil
}

type countedSource struct {
	*sliceSource
}

func (c countedSource) TotalFrames() int { return c.total }

func noiseImage(w, h int, seed int64) *image.Gray {
	r := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(r.Intn(256))
	}
	return img
}

func paste(dst, src *image.Gray, x, y int) {
	b := src.Bounds()
	for j := 0; j < b.Dy(); j++ {
		for i := 0; i < b.Dx(); i++ {
			dst.SetGray(x+i, y+j, src.GrayAt(i, j))
		}
	}
}

// video builds n noise frames and pastes tmpl into the frames listed in at.
func video(n int, tmpl *image.Gray, at ...int) []image.Image {
	frames := make([]image.Image, n)
	for i := range frames {
		frames[i] = noiseImage(48, 36, int64(100+i))
	}
	for _, idx := range at {
		paste(frames[idx].(*image.Gray), tmpl, 17, 9)
	}
	return frames
}

// fadingVideo blends tmpl into every frame, more strongly in later frames.
func fadingVideo(n int, tmpl *image.Gray) []image.Image {
	frames := make([]image.Image, n)
	for i := range frames {
		img := noiseImage(48, 36, int64(300+i))
		weight := float64(i+1) / float64(n)
		b := tmpl.Bounds()
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				bg := float64(img.GrayAt(17+x, 9+y).Y)
				fg := float64(tmpl.GrayAt(x, y).Y)
				img.Pix[img.PixOffset(17+x, 9+y)] = uint8(weight*fg + (1-weight)*bg)
			}
		}
		frames[i] = img
	}
	return frames
}

func TestRunFindsTemplateAtFrameFour(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	src := &sliceSource{frames: video(10, tmpl, 4)}

	out := Run(context.Background(), src, tmpl, 0.99)
	if out.Status != StatusFound {
		t.Fatalf("expected found, got %s (%v)", out.Status, out.Err)
	}
	if out.Frame != 4 {
		t.Fatalf("expected frame 4, got %d", out.Frame)
	}
	if out.Examined != 5 {
		t.Fatalf("expected 5 frames examined, got %d", out.Examined)
	}
	if src.calls != 5 {
		t.Fatalf("expected scan to stop reading after the match, read %d frames", src.calls)
	}
	if out.Elapsed <= 0 {
		t.Fatalf("expected positive elapsed time, got %v", out.Elapsed)
	}
}

func TestRunReportsNotFoundWithFrameCount(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	src := &sliceSource{frames: video(10, tmpl)}

	out := Run(context.Background(), src, tmpl, 0.8)
	if out.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %s (%v)", out.Status, out.Err)
	}
	if out.Examined != 10 {
		t.Fatalf("expected 10 frames examined, got %d", out.Examined)
	}
	if out.Err != nil {
		t.Fatalf("expected no error, got %v", out.Err)
	}
}

func TestRunRejectsTemplateLargerThanFrame(t *testing.T) {
	tmpl := noiseImage(64, 8, 7)
	src := &sliceSource{frames: video(3, noiseImage(1, 1, 1))}

	out := Run(context.Background(), src, tmpl, 0.5)
	if out.Status != StatusError {
		t.Fatalf("expected error, got %s", out.Status)
	}
	if out.Message() != "template larger than frame" {
		t.Fatalf("unexpected message %q", out.Message())
	}
	if !errors.Is(out.Err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", out.Err)
	}
	if out.Examined != 0 {
		t.Fatalf("expected no frame to be scored, got %d", out.Examined)
	}
}

func TestRunCancelsAtFrameBoundary(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	src := &sliceSource{frames: video(100, tmpl)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := Run(ctx, src, tmpl, 0.99, WithProgress(1, func(p Progress) {
		if p.Frame == 4 {
			// frames 0..3 are done
			cancel()
		}
	}))
	if out.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", out.Status, out.Err)
	}
	if !errors.Is(out.Err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", out.Err)
	}
	if out.Examined != 4 {
		t.Fatalf("expected 4 frames examined, got %d", out.Examined)
	}
	if src.calls != 4 {
		t.Fatalf("expected no frame read after cancellation, read %d", src.calls)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	src := &sliceSource{frames: video(3, tmpl, 0)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Run(ctx, src, tmpl, 0.5)
	if out.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", out.Status)
	}
	if src.calls != 0 {
		t.Fatalf("expected no frames read, got %d", src.calls)
	}
}

func TestRunEmptyVideoIsAnError(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	for _, threshold := range []float64{0, 0.5, 1} {
		out := Run(context.Background(), &sliceSource{}, tmpl, threshold)
		if out.Status != StatusError {
			t.Fatalf("threshold %v: expected error, got %s", threshold, out.Status)
		}
		if !errors.Is(out.Err, ErrDecode) {
			t.Fatalf("threshold %v: expected ErrDecode, got %v", threshold, out.Err)
		}
	}
}

func TestRunDecodeFailureIsFatal(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	boom := errors.New("corrupt jpeg")
	src := &sliceSource{frames: video(10, tmpl, 5), errAt: 2, err: boom}

	out := Run(context.Background(), src, tmpl, 0.99)
	if out.Status != StatusError {
		t.Fatalf("expected error, got %s", out.Status)
	}
	if !errors.Is(out.Err, ErrDecode) || !errors.Is(out.Err, boom) {
		t.Fatalf("expected decode failure wrapping cause, got %v", out.Err)
	}
	if out.Examined != 2 {
		t.Fatalf("expected 2 frames examined, got %d", out.Examined)
	}
}

func TestRunRejectsInvalidThreshold(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	for _, threshold := range []float64{-0.1, 1.01} {
		src := &sliceSource{frames: video(2, tmpl, 0)}
		out := Run(context.Background(), src, tmpl, threshold)
		if out.Status != StatusError || !errors.Is(out.Err, ErrInvalidInput) {
			t.Fatalf("threshold %v: expected invalid input, got %s (%v)", threshold, out.Status, out.Err)
		}
		if src.calls != 0 {
			t.Fatalf("threshold %v: expected no frames read, got %d", threshold, src.calls)
		}
	}
}

func TestRunRejectsEmptyTemplate(t *testing.T) {
	src := &sliceSource{frames: video(2, noiseImage(1, 1, 1))}
	out := Run(context.Background(), src, image.NewGray(image.Rect(0, 0, 0, 0)), 0.5)
	if !errors.Is(out.Err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", out.Err)
	}
}

func TestRunZeroThresholdMatchesFirstFrame(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	out := Run(context.Background(), &sliceSource{frames: video(10, tmpl)}, tmpl, 0)
	if out.Status != StatusFound || out.Frame != 0 {
		t.Fatalf("expected found at frame 0, got %s at %d", out.Status, out.Frame)
	}
}

func TestRunLowerThresholdNeverMatchesLater(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	frames := fadingVideo(10, tmpl)
	thresholds := []float64{0, 0.2, 0.4, 0.6, 0.8, 0.9, 0.95, 0.99, 1}

	prev := -1
	prevFound := true
	for _, threshold := range thresholds {
		out := Run(context.Background(), &sliceSource{frames: frames}, tmpl, threshold)
		switch out.Status {
		case StatusFound:
			if !prevFound {
				t.Fatalf("threshold %v found a match after a lower threshold did not", threshold)
			}
			if out.Frame < prev {
				t.Fatalf("threshold %v matched frame %d, earlier than frame %d for a lower threshold", threshold, out.Frame, prev)
			}
			prev = out.Frame
		case StatusNotFound:
			prevFound = false
		default:
			t.Fatalf("threshold %v: unexpected outcome %s (%v)", threshold, out.Status, out.Err)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	frames := fadingVideo(10, tmpl)

	first := Run(context.Background(), &sliceSource{frames: frames}, tmpl, 0.7)
	second := Run(context.Background(), &sliceSource{frames: frames}, tmpl, 0.7)
	if first.Status != second.Status || first.Frame != second.Frame || first.Examined != second.Examined {
		t.Fatalf("expected identical outcomes, got %+v and %+v", first, second)
	}
}

func TestRunReportsProgressAndTotal(t *testing.T) {
	tmpl := noiseImage(10, 8, 7)
	src := countedSource{&sliceSource{frames: video(10, tmpl), total: 10}}

	var seen []int
	out := Run(context.Background(), src, tmpl, 0.9, WithProgress(3, func(p Progress) {
		seen = append(seen, p.Frame)
		if p.TotalFrames != 10 {
			t.Errorf("expected total 10 in progress, got %d", p.TotalFrames)
		}
	}))
	if out.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %s", out.Status)
	}
	if out.TotalFrames != 10 {
		t.Fatalf("expected total 10, got %d", out.TotalFrames)
	}
	want := []int{3, 6, 9}
	if len(seen) != len(want) {
		t.Fatalf("expected progress at %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected progress at %v, got %v", want, seen)
		}
	}
}

func TestValidateThreshold(t *testing.T) {
	tests := []struct {
		value float64
		ok    bool
	}{
		{0, true},
		{0.8, true},
		{1, true},
		{-0.0001, false},
		{1.0001, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}
	for _, tt := range tests {
		err := ValidateThreshold(tt.value)
		if (err == nil) != tt.ok {
			t.Fatalf("ValidateThreshold(%v) = %v, want ok=%v", tt.value, err, tt.ok)
		}
	}
}
