package network

import (
	"errors"
	"testing"

	"github.com/danmuck/stylectl/internal/tensor"
)

func TestPyramidLayerInfo(t *testing.T) {
	net := NewPyramid(3)
	names := net.LayerNames()
	if len(names) != 3 || names[0] != "pool1" || names[2] != "pool3" {
		t.Fatalf("layer names %v", names)
	}
	stride, ch, err := net.LayerInfo("pool2")
	if err != nil {
		t.Fatalf("layer info: %v", err)
	}
	if stride != 4 || ch != 3 {
		t.Fatalf("stride=%d channels=%d", stride, ch)
	}
	if _, _, err := net.LayerInfo("conv9"); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("expected ErrUnknownLayer, got %v", err)
	}
}

func TestPyramidForwardPreservesConstant(t *testing.T) {
	net := NewPyramid(3)
	in := tensor.New(3, 16, 16)
	in.Fill(0.75)
	net.SetInput(in)
	if err := net.Forward("pool3"); err != nil {
		t.Fatalf("forward: %v", err)
	}
	act, err := net.Activation("pool3")
	if err != nil {
		t.Fatalf("activation: %v", err)
	}
	if act.Shape[1] != 2 || act.Shape[2] != 2 {
		t.Fatalf("pool3 shape %v", act.Shape)
	}
	for i, v := range act.Data {
		if v != 0.75 {
			t.Fatalf("activation %v at %d, averaging a constant must be exact", v, i)
		}
	}
}

func TestPyramidOddSizesUseCeilDivision(t *testing.T) {
	net := NewPyramid(2)
	net.SetInput(tensor.New(3, 9, 7))
	if err := net.Forward("pool2"); err != nil {
		t.Fatalf("forward: %v", err)
	}
	a1, _ := net.Activation("pool1")
	a2, _ := net.Activation("pool2")
	if a1.Shape[1] != 5 || a1.Shape[2] != 4 {
		t.Fatalf("pool1 shape %v", a1.Shape)
	}
	if a2.Shape[1] != 3 || a2.Shape[2] != 2 {
		t.Fatalf("pool2 shape %v", a2.Shape)
	}
}

func TestPyramidBackwardReachesInput(t *testing.T) {
	net := NewPyramid(2)
	net.SetInput(tensor.New(3, 8, 8))
	if err := net.Forward("pool2"); err != nil {
		t.Fatalf("forward: %v", err)
	}
	g, err := net.Gradient("pool2")
	if err != nil {
		t.Fatalf("gradient: %v", err)
	}
	g.Fill(1)
	if err := net.Backward("pool2", ""); err != nil {
		t.Fatalf("backward: %v", err)
	}
	in := net.InputGradient()
	if in == nil {
		t.Fatal("no input gradient")
	}
	if in.Shape[1] != 8 || in.Shape[2] != 8 {
		t.Fatalf("input gradient shape %v", in.Shape)
	}
	for i, v := range in.Data {
		if v != 1.0/16 {
			t.Fatalf("input gradient %v at %d", v, i)
		}
	}
}

func TestPyramidZeroGradientBackward(t *testing.T) {
	net := NewPyramid(1)
	net.SetInput(tensor.New(3, 4, 4))
	if err := net.Forward("pool1"); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if _, err := net.Gradient("pool1"); err != nil {
		t.Fatalf("gradient: %v", err)
	}
	if err := net.Backward("pool1", ""); err != nil {
		t.Fatalf("backward: %v", err)
	}
	for i, v := range net.InputGradient().Data {
		if v != 0 {
			t.Fatalf("nonzero input gradient %v at %d", v, i)
		}
	}
}

func TestRegistry(t *testing.T) {
	net, err := New("pyramid", -1)
	if err != nil {
		t.Fatalf("new pyramid: %v", err)
	}
	if len(net.LayerNames()) != pyramidDepth {
		t.Fatalf("depth %d", len(net.LayerNames()))
	}
	if _, err := New("vgg19-metal", -1); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}
