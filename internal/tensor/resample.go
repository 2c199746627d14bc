package tensor

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Filter selects the resampling kernel.
type Filter int

const (
	// Bilinear is the triangle filter. Used for variance-like quantities
	// where negative ringing would be meaningless.
	Bilinear Filter = iota
	// CatmullRom is a sharper cubic filter, the default for images and
	// optimizer state.
	CatmullRom
)

func (f Filter) support() float64 {
	if f == Bilinear {
		return 1
	}
	return 2
}

func (f Filter) at(x float64) float64 {
	x = math.Abs(x)
	switch f {
	case Bilinear:
		if x < 1 {
			return 1 - x
		}
		return 0
	default: // Catmull-Rom
		if x < 1 {
			return (1.5*x-2.5)*x*x + 1
		}
		if x < 2 {
			return ((-0.5*x+2.5)*x-4)*x + 2
		}
		return 0
	}
}

type tap struct {
	idx int
	w   float32
}

// buildTaps precomputes, for every output coordinate, the weighted source
// coordinates contributing to it. The kernel widens when downscaling.
func buildTaps(in, out int, f Filter) [][]tap {
	scale := float64(in) / float64(out)
	fscale := math.Max(1, scale)
	support := f.support() * fscale
	taps := make([][]tap, out)
	for i := 0; i < out; i++ {
		center := (float64(i)+0.5)*scale - 0.5
		lo := int(math.Floor(center - support))
		hi := int(math.Ceil(center + support))
		var sum float64
		row := make([]tap, 0, hi-lo+1)
		for j := lo; j <= hi; j++ {
			w := f.at((float64(j) - center) / fscale)
			if w == 0 {
				continue
			}
			idx := j
			if idx < 0 {
				idx = 0
			}
			if idx >= in {
				idx = in - 1
			}
			row = append(row, tap{idx: idx, w: float32(w)})
			sum += w
		}
		for k := range row {
			row[k].w /= float32(sum)
		}
		taps[i] = row
	}
	return taps
}

// Resample resizes the last two axes of a 2D or 3D tensor to h x w using a
// separable filter. Channels are processed concurrently.
func Resample(t *Tensor, h, w int, f Filter) *Tensor {
	inH, inW := t.HW()
	if inH == h && inW == w {
		return t.Clone()
	}
	var out *Tensor
	if len(t.Shape) == 3 {
		out = New(t.Shape[0], h, w)
	} else {
		out = New(h, w)
	}
	hTaps := buildTaps(inW, w, f)
	vTaps := buildTaps(inH, h, f)

	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for c := 0; c < t.Channels(); c++ {
		src, dst := t.Plane(c), out.Plane(c)
		g.Go(func() error {
			resamplePlane(src, dst, inH, inW, h, w, hTaps, vTaps)
			return nil
		})
	}
	g.Wait() // workers never return errors
	return out
}

func resamplePlane(src, dst []float32, inH, inW, outH, outW int, hTaps, vTaps [][]tap) {
	// Horizontal pass into a temporary inH x outW plane, then vertical.
	tmp := make([]float32, inH*outW)
	for y := 0; y < inH; y++ {
		row := src[y*inW : y*inW+inW]
		for x := 0; x < outW; x++ {
			var acc float32
			for _, tp := range hTaps[x] {
				acc += tp.w * row[tp.idx]
			}
			tmp[y*outW+x] = acc
		}
	}
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			var acc float32
			for _, tp := range vTaps[y] {
				acc += tp.w * tmp[tp.idx*outW+x]
			}
			dst[y*outW+x] = acc
		}
	}
}
