package match

import (
	"math"
	"math/bits"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Matcher finds the best score of a template over every placement inside a frame.
type Matcher interface {
	// Best returns the highest score in [0,1]. It may return as soon as a
	// placement reaches stopAt, in which case the result is >= stopAt.
	Best(frame *Gray, tmpl *Template, stopAt float64) (float64, error)
}

// NCC is a zero-mean normalized cross-correlation matcher (the TM_CCOEFF_NORMED
// formula). Negative correlation is reported as 0, so scores lie in [0,1].
// Rows of placements are searched in parallel bands.
type NCC struct {
	Workers int
}

// NewNCC returns an NCC matcher. workers <= 0 means one per CPU.
func NewNCC(workers int) *NCC {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &NCC{Workers: workers}
}

// Best implements Matcher.
func (m *NCC) Best(frame *Gray, tmpl *Template, stopAt float64) (float64, error) {
	if !tmpl.Fits(frame) {
		return 0, ErrTemplateTooLarge
	}

	ii := newIntegral(frame)
	rows := frame.H - tmpl.H + 1
	cols := frame.W - tmpl.W + 1

	workers := m.Workers
	if workers <= 0 {
		workers = 1
	}
	band := rows / (workers * 4)
	if band < 1 {
		band = 1
	}

	var (
		best atomic.Uint64
		done atomic.Bool
	)
	g := new(errgroup.Group)
	g.SetLimit(workers)

	for y0 := 0; y0 < rows && !done.Load(); y0 += band {
		y0 := y0
		y1 := min(y0+band, rows)
		g.Go(func() error {
			local := 0.0
		search:
			for y := y0; y < y1; y++ {
				if done.Load() {
					break
				}
				for x := 0; x < cols; x++ {
					s := score(frame, ii, tmpl, x, y)
					if s > local {
						local = s
					}
					if s >= stopAt {
						done.Store(true)
						break search
					}
				}
			}
			storeMax(&best, local)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return math.Float64frombits(best.Load()), nil
}

func score(frame *Gray, ii *integral, t *Template, x, y int) float64 {
	n := int64(t.W * t.H)
	sum, sq := ii.window(x, y, t.W, t.H)
	nVar := centered(n, sum, sq)
	windowFlat := nVar/float64(n) < flatEpsilon

	if t.flat() || windowFlat {
		if t.flat() && windowFlat && math.Abs(float64(sum)/float64(n)-t.Mean) < 1e-6 {
			return 1
		}
		return 0
	}

	var cross float64
	for j := 0; j < t.H; j++ {
		row := frame.Pix[(y+j)*frame.W+x : (y+j)*frame.W+x+t.W]
		zr := t.Zero[j*t.W : (j+1)*t.W]
		for i, v := range row {
			cross += zr[i] * float64(v)
		}
	}

	r := cross / (t.Norm * math.Sqrt(nVar/float64(n)))
	switch {
	case r < 0:
		return 0
	case r > 1-1e-12:
		// rounding can leave an exact match a hair under 1
		return 1
	}
	return r
}

// centered returns n*sq - sum*sum, which is n * sum((I - mean)^2). The
// products are formed in 128 bits: n*sq passes int64 near 1.2e7 samples.
func centered(n, sum, sq int64) float64 {
	hi1, lo1 := bits.Mul64(uint64(n), uint64(sq))
	hi2, lo2 := bits.Mul64(uint64(sum), uint64(sum))
	lo, borrow := bits.Sub64(lo1, lo2, 0)
	hi, _ := bits.Sub64(hi1, hi2, borrow)
	return float64(hi)*0x1p64 + float64(lo)
}

func storeMax(dst *atomic.Uint64, v float64) {
	for {
		old := dst.Load()
		if math.Float64frombits(old) >= v {
			return
		}
		if dst.CompareAndSwap(old, math.Float64bits(v)) {
			return
		}
	}
}

// integral holds summed-area tables of the samples and of their squares.
type integral struct {
	w   int // table width, frame.W+1
	sum []int64
	sqr []int64
}

func newIntegral(g *Gray) *integral {
	w := g.W + 1
	ii := &integral{
		w:   w,
		sum: make([]int64, w*(g.H+1)),
		sqr: make([]int64, w*(g.H+1)),
	}
	for y := 0; y < g.H; y++ {
		var rowSum, rowSq int64
		for x := 0; x < g.W; x++ {
			v := int64(g.Pix[y*g.W+x])
			rowSum += v
			rowSq += v * v
			ii.sum[(y+1)*w+x+1] = ii.sum[y*w+x+1] + rowSum
			ii.sqr[(y+1)*w+x+1] = ii.sqr[y*w+x+1] + rowSq
		}
	}
	return ii
}

func (ii *integral) window(x, y, w, h int) (sum, sq int64) {
	a := y*ii.w + x
	b := y*ii.w + x + w
	c := (y+h)*ii.w + x
	d := (y+h)*ii.w + x + w
	return ii.sum[d] - ii.sum[b] - ii.sum[c] + ii.sum[a],
		ii.sqr[d] - ii.sqr[b] - ii.sqr[c] + ii.sqr[a]
}
