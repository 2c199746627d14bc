package style

import (
	"encoding/gob"
	"fmt"
	"io"
	"math"

	"github.com/danmuck/stylectl/internal/protocol"
	"github.com/danmuck/stylectl/internal/tensor"
)

// Adam is the Adam optimizer with iterate averaging. Params aliases the
// working image, so rolling the image and rolling the optimizer must
// happen together; the optimizer tracks the cumulative roll and hands
// back averaged iterates in unrolled orientation.
type Adam struct {
	Params *tensor.Tensor

	stepSize float32
	b1, b2   float32
	bp1      float32

	step       int
	xy         protocol.Offset
	g1, g2, p1 *tensor.Tensor
}

// NewAdam builds an optimizer over params. avgWindow sets the iterate
// averaging horizon; a window of 1 disables averaging.
func NewAdam(params *tensor.Tensor, stepSize, avgWindow float32) *Adam {
	if avgWindow < 1 {
		avgWindow = 1
	}
	return &Adam{
		Params:   params,
		stepSize: stepSize,
		b1:       0.9,
		b2:       0.999,
		bp1:      1 - 1/avgWindow,
		g1:       tensor.ZerosLike(params),
		g2:       tensor.ZerosLike(params),
		p1:       tensor.ZerosLike(params),
	}
}

// StepCount returns the number of updates applied so far.
func (o *Adam) StepCount() int {
	return o.step
}

// Step applies one Adam update to Params in place and returns the
// bias-corrected averaged iterate, unrolled back to image orientation.
func (o *Adam) Step(grad *tensor.Tensor) *tensor.Tensor {
	o.step++

	o.g1.Scale(o.b1)
	tensor.Axpy(1-o.b1, grad, o.g1)
	c2 := 1 - o.b2
	for i, g := range grad.Data {
		o.g2.Data[i] = o.b2*o.g2.Data[i] + c2*g*g
	}

	lr := o.stepSize * sqrt32(1-pow32(o.b2, o.step)) / (1 - pow32(o.b1, o.step))
	for i := range o.Params.Data {
		o.Params.Data[i] -= lr * o.g1.Data[i] / (sqrt32(o.g2.Data[i]) + tensor.EPS)
	}

	o.p1.Scale(o.bp1)
	tensor.Axpy(1-o.bp1, o.Params, o.p1)
	avg := o.p1.Clone()
	avg.Roll2(-o.xy.Y, -o.xy.X)
	avg.Scale(1 / (1 - pow32(o.bp1, o.step)))
	return avg
}

// Roll shifts the optimizer's internal state by (dy, dx) and records the
// cumulative offset. Params is not rolled here; the caller rolls the
// image it aliases.
func (o *Adam) Roll(off protocol.Offset) {
	if off.IsZero() {
		return
	}
	o.xy.Y += off.Y
	o.xy.X += off.X
	o.g1.Roll2(off.Y, off.X)
	o.g2.Roll2(off.Y, off.X)
	o.p1.Roll2(off.Y, off.X)
}

// SetParams adopts a possibly-resized last iterate, resampling the
// moment buffers to match. The second moment must stay non-negative, so
// it is resampled bilinearly and clamped.
func (o *Adam) SetParams(last *tensor.Tensor) {
	h, w := last.HW()
	o.g1 = tensor.Resample(o.g1, h, w, tensor.CatmullRom)
	g2 := tensor.Resample(o.g2, h, w, tensor.Bilinear)
	g2.ClampMin(0)
	o.g2 = g2
	o.p1 = tensor.Resample(o.p1, h, w, tensor.CatmullRom)
	o.Params = last
}

// RestoreState adopts another optimizer's buffers and step counter,
// then unrolls so the state lines up with an unrolled image.
func (o *Adam) RestoreState(src *Adam) {
	o.Params = src.Params
	o.g1, o.g2, o.p1 = src.g1, src.g2, src.p1
	o.step = src.step
	o.xy = src.xy
	o.Roll(protocol.Offset{Y: -o.xy.Y, X: -o.xy.X})
	o.xy = protocol.Offset{}
}

type adamState struct {
	StepSize   float32
	B1, B2     float32
	BP1        float32
	Step       int
	XY         protocol.Offset
	Params     *tensor.Tensor
	G1, G2, P1 *tensor.Tensor
}

// SaveState serializes the full optimizer state, image included, so an
// interrupted run can resume at the same scale.
func (o *Adam) SaveState(w io.Writer) error {
	st := adamState{
		StepSize: o.stepSize,
		B1:       o.b1, B2: o.b2, BP1: o.bp1,
		Step:   o.step,
		XY:     o.xy,
		Params: o.Params,
		G1:     o.g1, G2: o.g2, P1: o.p1,
	}
	if err := gob.NewEncoder(w).Encode(st); err != nil {
		return fmt.Errorf("style: save optimizer state: %w", err)
	}
	return nil
}

// LoadAdamState decodes a state saved by SaveState.
func LoadAdamState(r io.Reader) (*Adam, error) {
	var st adamState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return nil, fmt.Errorf("style: load optimizer state: %w", err)
	}
	return &Adam{
		Params:   st.Params,
		stepSize: st.StepSize,
		b1:       st.B1, b2: st.B2, bp1: st.BP1,
		step: st.Step,
		xy:   st.XY,
		g1:   st.G1, g2: st.G2, p1: st.P1,
	}, nil
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}

func pow32(b float32, n int) float32 {
	return float32(math.Pow(float64(b), float64(n)))
}
