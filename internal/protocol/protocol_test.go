package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/stylectl/internal/shm"
)

func TestJobRoundTrip(t *testing.T) {
	in := GradientJob{
		Origin:         Offset{Y: 64, X: 128},
		End:            Offset{Y: 128, X: 192},
		Tile:           shm.Handle{Name: "stylectl-1-ab", DType: shm.DTypeF32, Shape: []int{3, 64, 64}},
		Roll:           Offset{Y: -4, X: 9},
		ContentLayers:  []string{"conv4_2"},
		StyleLayers:    []string{"conv1_1", "conv3_1"},
		LayerWeights:   map[string]float32{"conv4_2": 1, "conv1_1": 1, "conv3_1": 1},
		ContentWeights: map[string]float32{"conv4_2": 0.05},
		StyleWeights:   map[string]float32{"conv1_1": 0.5, "conv3_1": 0.5},
	}
	var buf bytes.Buffer
	if err := WriteJob(&buf, 7, in, DefaultLimits()); err != nil {
		t.Fatalf("write job: %v", err)
	}
	f, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.Header.MessageID != 7 || f.Header.MessageType != MsgGradient {
		t.Fatalf("header mismatch: %+v", f.Header)
	}
	j, err := DecodeJob(f)
	if err != nil {
		t.Fatalf("decode job: %v", err)
	}
	out, ok := j.(GradientJob)
	if !ok {
		t.Fatalf("wrong variant %T", j)
	}
	if out.Origin != in.Origin || out.End != in.End || out.Roll != in.Roll {
		t.Fatalf("coordinates mismatch: %+v", out)
	}
	if out.Tile.Name != in.Tile.Name || len(out.Tile.Shape) != 3 {
		t.Fatalf("handle mismatch: %+v", out.Tile)
	}
	if out.StyleWeights["conv3_1"] != 0.5 {
		t.Fatalf("weights mismatch: %+v", out.StyleWeights)
	}
}

func TestResultRoundTripSetsFlags(t *testing.T) {
	var buf bytes.Buffer
	in := GradientResult{
		Origin: Offset{Y: 0, X: 100},
		End:    Offset{Y: 100, X: 200},
		Loss:   3.5,
		Grad:   shm.Handle{Name: "stylectl-2-cd", DType: shm.DTypeF32, Shape: []int{3, 100, 100}},
	}
	if err := WriteResult(&buf, 12, in, DefaultLimits()); err != nil {
		t.Fatalf("write result: %v", err)
	}
	f, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.Header.Flags&FlagResponse == 0 {
		t.Fatal("response flag not set")
	}
	if f.Header.Flags&FlagError != 0 {
		t.Fatal("error flag set on success result")
	}
	r, err := DecodeResult(f)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	out, ok := r.(GradientResult)
	if !ok {
		t.Fatalf("wrong variant %T", r)
	}
	if out.Loss != 3.5 || out.Origin.X != 100 {
		t.Fatalf("result mismatch: %+v", out)
	}
}

func TestErrorResultFlag(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResult(&buf, 1, ErrorResult{Message: "boom"}, DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Header.Flags&FlagError == 0 {
		t.Fatal("error flag not set")
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameBadMagic(t *testing.T) {
	h := Header{Magic: 0xBAD, Version: Version}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestReadFramePayloadTooLarge(t *testing.T) {
	h := Header{Magic: Magic, Version: Version, PayloadLen: 1 << 40}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeUnknownMessage(t *testing.T) {
	f := Frame{Header: Header{MessageType: 99}}
	if _, err := DecodeJob(f); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	if _, err := DecodeResult(f); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}
