package network

import (
	"fmt"

	"github.com/danmuck/stylectl/internal/tensor"
)

// pyramid is the built-in CPU backend: a stack of stride-2 average-pooling
// layers over the input channels. It is linear and deterministic, which
// makes it the reference backend for tests and small runs; convolutional
// backends register through the same Factory interface.
type pyramid struct {
	layers      []string
	strides     map[string]int
	input       *tensor.Tensor
	activations map[string]*tensor.Tensor
	gradients   map[string]*tensor.Tensor
	inputGrad   *tensor.Tensor
}

const pyramidDepth = 5

func init() {
	Register("pyramid", func(device int) (Network, error) {
		return NewPyramid(pyramidDepth), nil
	})
}

// NewPyramid returns a pooling pyramid with the given number of levels.
func NewPyramid(depth int) Network {
	p := &pyramid{strides: map[string]int{}}
	stride := 1
	for i := 1; i <= depth; i++ {
		stride *= 2
		name := fmt.Sprintf("pool%d", i)
		p.layers = append(p.layers, name)
		p.strides[name] = stride
	}
	return p
}

func (p *pyramid) LayerNames() []string {
	return append([]string(nil), p.layers...)
}

func (p *pyramid) LayerInfo(layer string) (int, int, error) {
	stride, ok := p.strides[layer]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
	}
	channels := 3
	if p.input != nil {
		channels = p.input.Shape[0]
	}
	return stride, channels, nil
}

func (p *pyramid) SetInput(t *tensor.Tensor) {
	p.input = t
	p.activations = map[string]*tensor.Tensor{}
	p.gradients = map[string]*tensor.Tensor{}
	p.inputGrad = nil
}

func (p *pyramid) index(layer string) (int, error) {
	for i, name := range p.layers {
		if name == layer {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
}

func (p *pyramid) Forward(stopAt string) error {
	stop, err := p.index(stopAt)
	if err != nil {
		return err
	}
	cur := p.input
	for i := 0; i <= stop; i++ {
		cur = avgPool2(cur)
		p.activations[p.layers[i]] = cur
	}
	return nil
}

func (p *pyramid) Backward(start, stopAt string) error {
	from, err := p.index(start)
	if err != nil {
		return err
	}
	to := -1 // propagate to the input
	if stopAt != "" {
		if to, err = p.index(stopAt); err != nil {
			return err
		}
	}
	grad, err := p.Gradient(start)
	if err != nil {
		return err
	}
	cur := grad
	for i := from - 1; i > to; i-- {
		below, err := p.Activation(p.layers[i])
		if err != nil {
			return err
		}
		cur = unpool2(cur, below.Shape[1], below.Shape[2])
		p.gradients[p.layers[i]] = cur
	}
	if to == -1 {
		p.inputGrad = unpool2(cur, p.input.Shape[1], p.input.Shape[2])
	} else {
		below, err := p.Activation(p.layers[to])
		if err != nil {
			return err
		}
		p.gradients[p.layers[to]] = unpool2(cur, below.Shape[1], below.Shape[2])
	}
	return nil
}

func (p *pyramid) Activation(layer string) (*tensor.Tensor, error) {
	act, ok := p.activations[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no activation", ErrUnknownLayer, layer)
	}
	return act, nil
}

func (p *pyramid) Gradient(layer string) (*tensor.Tensor, error) {
	if g, ok := p.gradients[layer]; ok {
		return g, nil
	}
	act, err := p.Activation(layer)
	if err != nil {
		return nil, err
	}
	g := tensor.ZerosLike(act)
	p.gradients[layer] = g
	return g, nil
}

func (p *pyramid) InputGradient() *tensor.Tensor {
	return p.inputGrad
}

// avgPool2 averages 2x2 blocks with ceil-division output size; edge blocks
// shrink rather than pad.
func avgPool2(t *tensor.Tensor) *tensor.Tensor {
	c, h, w := t.Shape[0], t.Shape[1], t.Shape[2]
	oh, ow := (h+1)/2, (w+1)/2
	out := tensor.New(c, oh, ow)
	for ch := 0; ch < c; ch++ {
		src, dst := t.Plane(ch), out.Plane(ch)
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				var sum float32
				var n float32
				for dy := 0; dy < 2 && 2*y+dy < h; dy++ {
					for dx := 0; dx < 2 && 2*x+dx < w; dx++ {
						sum += src[(2*y+dy)*w+2*x+dx]
						n++
					}
				}
				dst[y*ow+x] = sum / n
			}
		}
	}
	return out
}

// unpool2 spreads each gradient cell uniformly over the block it pooled.
func unpool2(g *tensor.Tensor, oh, ow int) *tensor.Tensor {
	c, h, w := g.Shape[0], g.Shape[1], g.Shape[2]
	out := tensor.New(c, oh, ow)
	for ch := 0; ch < c; ch++ {
		src, dst := g.Plane(ch), out.Plane(ch)
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				sy, sx := y/2, x/2
				if sy >= h {
					sy = h - 1
				}
				if sx >= w {
					sx = w - 1
				}
				dst[y*ow+x] = src[sy*w+sx] / 4
			}
		}
	}
	return out
}
