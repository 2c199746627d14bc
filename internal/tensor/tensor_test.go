package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func randomTensor(shape ...int) *Tensor {
	rng := rand.New(rand.NewSource(42))
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float32()*2 - 1
	}
	return t
}

func TestRoll2Invertible(t *testing.T) {
	for _, shift := range [][2]int{{1, 1}, {-3, 7}, {5, -2}, {0, 4}, {13, 0}, {-9, -9}} {
		orig := randomTensor(3, 11, 7)
		rolled := orig.Clone()
		rolled.Roll2(shift[0], shift[1])
		rolled.Roll2(-shift[0], -shift[1])
		for i := range orig.Data {
			if rolled.Data[i] != orig.Data[i] {
				t.Fatalf("shift %v: element %d changed after roll/unroll", shift, i)
			}
		}
	}
}

func TestRoll2WrapsExceedingShifts(t *testing.T) {
	a := randomTensor(1, 4, 4)
	b := a.Clone()
	a.Roll2(6, -7)
	b.Roll2(2, 1)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("shift modulo mismatch at %d", i)
		}
	}
}

func TestRollBy1MatchesRoll2(t *testing.T) {
	a := randomTensor(2, 5, 6)
	b := a.Clone()
	RollBy1(a, 1, 1)
	b.Roll2(1, 0)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("axis 1 mismatch at %d", i)
		}
	}
	RollBy1(a, -1, 2)
	b.Roll2(0, -1)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("axis 2 mismatch at %d", i)
		}
	}
}

func TestNormalizeNearZeroDoesNotBlowUp(t *testing.T) {
	z := New(3, 4, 4)
	Normalize(z)
	for i, v := range z.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("element %d not finite: %v", i, v)
		}
	}
}

func TestNormalizeUnitMeanAbs(t *testing.T) {
	a := randomTensor(3, 8, 8)
	Normalize(a)
	got := a.MeanAbs()
	if math.Abs(float64(got)-1) > 1e-4 {
		t.Fatalf("mean abs after normalize = %v", got)
	}
}

func TestGramSymmetricAndScaled(t *testing.T) {
	feat := randomTensor(4, 6, 5)
	g := Gram(feat)
	if g.Shape[0] != 4 || g.Shape[1] != 4 {
		t.Fatalf("gram shape %v", g.Shape)
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if g.Data[i*4+j] != g.Data[j*4+i] {
				t.Fatalf("gram not symmetric at %d,%d", i, j)
			}
		}
	}
	// Diagonal entry equals the scaled self inner product of the channel.
	var want float64
	for _, v := range feat.Plane(0) {
		want += float64(v) * float64(v)
	}
	want /= float64(feat.Size())
	if math.Abs(float64(g.Data[0])-want) > 1e-5 {
		t.Fatalf("gram[0,0] = %v want %v", g.Data[0], want)
	}
}

func TestTVNormConstantImageIsZero(t *testing.T) {
	x := New(3, 8, 8)
	x.Fill(0.5)
	loss, grad := TVNorm(x, 2)
	// A constant image has no variation beyond the epsilon floor.
	if float64(loss) > float64(EPS)*float64(x.Size())*2 {
		t.Fatalf("loss %v on constant image", loss)
	}
	for i, v := range grad.Data {
		if v != 0 {
			t.Fatalf("gradient %v at %d on constant image", v, i)
		}
	}
}

func TestResampleShapes(t *testing.T) {
	a := randomTensor(3, 16, 12)
	b := Resample(a, 9, 27, CatmullRom)
	if b.Shape[0] != 3 || b.Shape[1] != 9 || b.Shape[2] != 27 {
		t.Fatalf("shape %v", b.Shape)
	}
	m := randomTensor(10, 10)
	n := Resample(m, 4, 4, Bilinear)
	if len(n.Shape) != 2 || n.Shape[0] != 4 || n.Shape[1] != 4 {
		t.Fatalf("2d shape %v", n.Shape)
	}
}

func TestResamplePreservesConstant(t *testing.T) {
	a := New(3, 10, 10)
	a.Fill(2.5)
	for _, f := range []Filter{Bilinear, CatmullRom} {
		b := Resample(a, 17, 6, f)
		for i, v := range b.Data {
			if math.Abs(float64(v)-2.5) > 1e-4 {
				t.Fatalf("filter %v: element %d = %v", f, i, v)
			}
		}
	}
}

func TestAxpyDotNorm(t *testing.T) {
	x := New(4)
	y := New(4)
	for i := range x.Data {
		x.Data[i] = float32(i + 1)
		y.Data[i] = 1
	}
	Axpy(2, x, y)
	want := []float32{3, 5, 7, 9}
	for i := range want {
		if y.Data[i] != want[i] {
			t.Fatalf("axpy[%d] = %v want %v", i, y.Data[i], want[i])
		}
	}
	if d := Dot(x, x); d != 30 {
		t.Fatalf("dot = %v", d)
	}
	if n := Norm2(x); n != 15 {
		t.Fatalf("norm2 = %v", n)
	}
}
