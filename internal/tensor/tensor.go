package tensor

import (
	"fmt"
	"math"
)

// EPS is the float32 machine epsilon, used as a floor before divisions.
const EPS = float32(1.1920929e-07)

// Tensor is a dense float32 array with a fixed shape. Images and feature
// maps use CHW layout; masks are HW; Gram matrices are CxC.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New returns a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: invalid dimension %d in shape %v", d, shape))
		}
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// ZerosLike returns a zero-filled tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

// FromData wraps an existing slice. The slice length must match the shape.
func FromData(data []float32, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// HW returns the spatial size, taken from the last two axes.
func (t *Tensor) HW() (h, w int) {
	n := len(t.Shape)
	if n < 2 {
		panic(fmt.Sprintf("tensor: HW on shape %v", t.Shape))
	}
	return t.Shape[n-2], t.Shape[n-1]
}

// Channels returns the size of the leading axis for 3D tensors, 1 otherwise.
func (t *Tensor) Channels() int {
	if len(t.Shape) == 3 {
		return t.Shape[0]
	}
	return 1
}

// Plane returns the i-th HxW plane of a 2D or 3D tensor as a view.
func (t *Tensor) Plane(i int) []float32 {
	h, w := t.HW()
	return t.Data[i*h*w : (i+1)*h*w]
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Scale multiplies every element by a.
func (t *Tensor) Scale(a float32) {
	for i := range t.Data {
		t.Data[i] *= a
	}
}

// ClampMin sets every element below lo to lo.
func (t *Tensor) ClampMin(lo float32) {
	for i := range t.Data {
		if t.Data[i] < lo {
			t.Data[i] = lo
		}
	}
}

// MeanAbs returns the mean of absolute element values.
func (t *Tensor) MeanAbs() float32 {
	var sum float64
	for _, v := range t.Data {
		sum += math.Abs(float64(v))
	}
	return float32(sum / float64(len(t.Data)))
}
