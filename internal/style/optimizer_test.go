package style

import (
	"bytes"
	"math"
	"testing"

	"github.com/danmuck/stylectl/internal/protocol"
	"github.com/danmuck/stylectl/internal/tensor"
)

func TestAdamConvergesOnQuadratic(t *testing.T) {
	params := tensor.New(1, 4, 4)
	params.Fill(10)
	opt := NewAdam(params, 0.5, 1)

	// Minimize sum((x-3)^2)/2, gradient x-3.
	for i := 0; i < 300; i++ {
		grad := tensor.ZerosLike(params)
		for j, v := range params.Data {
			grad.Data[j] = v - 3
		}
		opt.Step(grad)
	}
	for _, v := range params.Data {
		if math.Abs(float64(v)-3) > 0.05 {
			t.Fatalf("did not converge: %v", v)
		}
	}
}

func TestAdamAveragedIterateIsUnrolled(t *testing.T) {
	params := tensor.New(1, 4, 4)
	for i := range params.Data {
		params.Data[i] = float32(i)
	}
	opt := NewAdam(params, 0.1, 1)

	opt.Roll(protocol.Offset{Y: 1, X: 2})
	params.Roll2(1, 2)
	grad := tensor.ZerosLike(params)
	avg := opt.Step(grad)
	params.Roll2(-1, -2)

	// Zero gradient: with a window of 1 the averaged iterate is the
	// params themselves, reported in unrolled orientation.
	for i := range params.Data {
		if math.Abs(float64(avg.Data[i]-params.Data[i])) > 1e-5 {
			t.Fatalf("avg[%d] = %v, params %v", i, avg.Data[i], params.Data[i])
		}
	}
}

func TestAdamRollRoundTrip(t *testing.T) {
	params := tensor.New(1, 4, 6)
	params.Fill(1)
	opt := NewAdam(params, 1, 4)
	grad := tensor.ZerosLike(params)
	for i := range grad.Data {
		grad.Data[i] = float32(i % 5)
	}
	opt.Step(grad)
	before := opt.g1.Clone()

	opt.Roll(protocol.Offset{Y: 3, X: -2})
	opt.Roll(protocol.Offset{Y: -3, X: 2})
	for i := range before.Data {
		if before.Data[i] != opt.g1.Data[i] {
			t.Fatalf("first moment changed at %d after roll round trip", i)
		}
	}
	if !opt.xy.IsZero() {
		t.Fatalf("cumulative offset %+v, want zero", opt.xy)
	}
}

func TestAdamSetParamsResamplesState(t *testing.T) {
	params := tensor.New(3, 8, 8)
	params.Fill(2)
	opt := NewAdam(params, 1, 4)
	grad := tensor.ZerosLike(params)
	grad.Fill(0.5)
	opt.Step(grad)

	resized := tensor.New(3, 12, 10)
	resized.Fill(2)
	opt.SetParams(resized)

	if h, w := opt.g1.HW(); h != 12 || w != 10 {
		t.Fatalf("first moment shape %dx%d", h, w)
	}
	if h, w := opt.p1.HW(); h != 12 || w != 10 {
		t.Fatalf("average shape %dx%d", h, w)
	}
	for i, v := range opt.g2.Data {
		if v < 0 {
			t.Fatalf("second moment negative at %d: %v", i, v)
		}
	}
	if opt.Params != resized {
		t.Fatal("params not adopted")
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	params := tensor.New(1, 4, 4)
	params.Fill(5)
	opt := NewAdam(params, 0.5, 4)
	grad := tensor.ZerosLike(params)
	grad.Fill(1)
	opt.Step(grad)
	opt.Step(grad)

	var buf bytes.Buffer
	if err := opt.SaveState(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadAdamState(&buf)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.StepCount() != opt.StepCount() {
		t.Fatalf("step %d, want %d", loaded.StepCount(), opt.StepCount())
	}

	// Both must produce identical updates from here on.
	a := opt.Step(grad)
	b := loaded.Step(grad)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("diverged at %d: %v vs %v", i, a.Data[i], b.Data[i])
		}
	}
}

func TestAdamRestoreStateUnrolls(t *testing.T) {
	params := tensor.New(1, 4, 4)
	for i := range params.Data {
		params.Data[i] = float32(i)
	}
	src := NewAdam(params.Clone(), 1, 4)
	grad := tensor.ZerosLike(params)
	grad.Fill(0.25)
	src.Step(grad)
	reference := src.g1.Clone()
	src.Roll(protocol.Offset{Y: 1, X: 1})

	dst := NewAdam(params.Clone(), 1, 4)
	dst.RestoreState(src)
	if !dst.xy.IsZero() {
		t.Fatalf("offset %+v after restore, want zero", dst.xy)
	}
	for i := range reference.Data {
		if dst.g1.Data[i] != reference.Data[i] {
			t.Fatalf("first moment not unrolled at %d", i)
		}
	}
}

func TestParseWeightsNormalizes(t *testing.T) {
	names, weights, err := ParseWeights([]string{"pool1:3", "pool2:1"}, 8)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(names) != 2 || names[0] != "pool1" || names[1] != "pool2" {
		t.Fatalf("names %v", names)
	}
	if weights["pool1"] != 6 || weights["pool2"] != 2 {
		t.Fatalf("weights %v, want pool1=6 pool2=2", weights)
	}
}

func TestParseWeightsRejectsBadNumber(t *testing.T) {
	if _, _, err := ParseWeights([]string{"pool1:x"}, 1); err == nil {
		t.Fatal("expected parse error")
	}
}
