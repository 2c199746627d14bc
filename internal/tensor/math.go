package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func vec(t *Tensor) blas32.Vector {
	return blas32.Vector{N: len(t.Data), Data: t.Data, Inc: 1}
}

// Dot returns the dot product of two tensors with the same element count.
func Dot(x, y *Tensor) float32 {
	if len(x.Data) != len(y.Data) {
		panic(fmt.Sprintf("tensor: dot size mismatch %v vs %v", x.Shape, y.Shape))
	}
	return blas32.Dot(vec(x), vec(y))
}

// Axpy sets y = a*x + y for tensors with the same element count.
func Axpy(a float32, x, y *Tensor) {
	if len(x.Data) != len(y.Data) {
		panic(fmt.Sprintf("tensor: axpy size mismatch %v vs %v", x.Shape, y.Shape))
	}
	blas32.Axpy(a, vec(x), vec(y))
}

// Norm2 returns 1/2 the squared L2 norm.
func Norm2(t *Tensor) float32 {
	return Dot(t, t) / 2
}

// Normalize scales t in place so its mean absolute value is 1. Near-zero
// inputs are floored by EPS instead of raising an error.
func Normalize(t *Tensor) *Tensor {
	t.Scale(1 / (t.MeanAbs() + EPS))
	return t
}

// Gram computes the channel Gram matrix of a CxHxW feature map, scaled by
// the reciprocal of the element count. The result is fully mirrored so both
// triangles hold valid values.
func Gram(feat *Tensor) *Tensor {
	if len(feat.Shape) != 3 {
		panic(fmt.Sprintf("tensor: gram on shape %v", feat.Shape))
	}
	c := feat.Shape[0]
	hw := feat.Shape[1] * feat.Shape[2]
	out := New(c, c)
	a := blas32.General{Rows: c, Cols: hw, Stride: hw, Data: feat.Data}
	sym := blas32.Symmetric{N: c, Stride: c, Data: out.Data, Uplo: blas.Upper}
	blas32.Syrk(blas.NoTrans, 1/float32(len(feat.Data)), a, 0, sym)
	for i := 0; i < c; i++ {
		for j := i + 1; j < c; j++ {
			out.Data[j*c+i] = out.Data[i*c+j]
		}
	}
	return out
}

// SymmApply returns sym * feat where sym is a CxC symmetric matrix and feat
// a CxHxW feature map flattened to Cx(HW). Used to project a Gram matrix
// difference back through a feature map.
func SymmApply(sym, feat *Tensor) *Tensor {
	c := feat.Shape[0]
	hw := feat.Shape[1] * feat.Shape[2]
	out := New(feat.Shape...)
	s := blas32.Symmetric{N: c, Stride: c, Data: sym.Data, Uplo: blas.Upper}
	b := blas32.General{Rows: c, Cols: hw, Stride: hw, Data: feat.Data}
	dst := blas32.General{Rows: c, Cols: hw, Stride: hw, Data: out.Data}
	blas32.Symm(blas.Left, 1, s, b, 0, dst)
	return out
}

// TVNorm computes the total variation norm of a CxHxW tensor and its
// gradient. beta is the smoothing exponent.
func TVNorm(x *Tensor, beta float64) (float32, *Tensor) {
	xDiff := x.Clone()
	Axpy(-1, RollBy1(x.Clone(), -1, 2), xDiff)
	yDiff := x.Clone()
	Axpy(-1, RollBy1(x.Clone(), -1, 1), yDiff)

	var loss float64
	dxDiff := New(x.Shape...)
	dyDiff := New(x.Shape...)
	for i := range x.Data {
		gn := float64(xDiff.Data[i])*float64(xDiff.Data[i]) +
			float64(yDiff.Data[i])*float64(yDiff.Data[i]) + float64(EPS)
		loss += math.Pow(gn, beta/2)
		d := (beta / 2) * math.Pow(gn, beta/2-1)
		dxDiff.Data[i] = float32(2 * float64(xDiff.Data[i]) * d)
		dyDiff.Data[i] = float32(2 * float64(yDiff.Data[i]) * d)
	}

	grad := dxDiff.Clone()
	Axpy(1, dyDiff, grad)
	Axpy(-1, RollBy1(dxDiff, 1, 2), grad)
	Axpy(-1, RollBy1(dyDiff, 1, 1), grad)
	return float32(loss), grad
}
