package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/danmuck/stylectl/internal/network"
	"github.com/danmuck/stylectl/internal/protocol"
	"github.com/danmuck/stylectl/internal/shm"
	"github.com/danmuck/stylectl/internal/tensor"
)

// startWorker runs a worker loop over in-process pipes and returns the
// job/result ends.
func startWorker(t *testing.T, depth int) (io.WriteCloser, io.Reader) {
	t.Helper()
	jobR, jobW := io.Pipe()
	resR, resW := io.Pipe()
	w := New(network.NewPyramid(depth), zerolog.Nop())
	go func() {
		if err := w.Loop(jobR, resW); err != nil {
			t.Errorf("worker loop: %v", err)
		}
		resW.Close()
	}()
	return jobW, resR
}

func sendJob(t *testing.T, w io.Writer, id uint64, j protocol.Job) {
	t.Helper()
	if err := protocol.WriteJob(w, id, j, protocol.DefaultLimits()); err != nil {
		t.Fatalf("write job: %v", err)
	}
}

func readResult(t *testing.T, r io.Reader) protocol.Result {
	t.Helper()
	f, err := protocol.ReadFrame(r, protocol.DefaultLimits())
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	res, err := protocol.DecodeResult(f)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func shmCopy(t *testing.T, x *tensor.Tensor) shm.Handle {
	t.Helper()
	r, err := shm.CopyFrom(x)
	if err != nil {
		t.Fatalf("shm copy: %v", err)
	}
	h := r.Handle()
	if err := r.Close(); err != nil {
		t.Fatalf("shm close: %v", err)
	}
	return h
}

func TestFeatureJobReturnsLayerActivations(t *testing.T) {
	jobs, results := startWorker(t, 2)
	defer jobs.Close()

	tile := tensor.New(3, 8, 8)
	tile.Fill(0.5)
	sendJob(t, jobs, 1, protocol.FeatureJob{
		Origin: protocol.Offset{},
		Tile:   shmCopy(t, tile),
		Layers: []string{"pool1", "pool2"},
	})
	res, ok := readResult(t, results).(protocol.FeatureResult)
	if !ok {
		t.Fatalf("wrong result type")
	}
	if len(res.Features) != 2 {
		t.Fatalf("got %d feature maps", len(res.Features))
	}
	r, err := shm.Open(res.Features["pool1"])
	if err != nil {
		t.Fatalf("open feature: %v", err)
	}
	feat := r.Copy()
	if err := r.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if feat.Shape[1] != 4 || feat.Shape[2] != 4 {
		t.Fatalf("pool1 shape %v", feat.Shape)
	}
	for i, v := range feat.Data {
		if v != 0.5 {
			t.Fatalf("feature %v at %d", v, i)
		}
	}
	if err := shm.ReleaseHandle(res.Features["pool2"]); err != nil {
		t.Fatalf("release pool2: %v", err)
	}
}

func TestGradientJobAtFixedPointIsZero(t *testing.T) {
	jobs, results := startWorker(t, 2)
	defer jobs.Close()

	// References computed from the same uniform image the gradient job
	// evaluates: the difference terms must vanish exactly.
	img := tensor.New(3, 8, 8)
	img.Fill(0.5)
	feat := tensor.New(3, 4, 4)
	feat.Fill(0.5)
	gram := tensor.Gram(feat)
	mask := tensor.New(4, 4)
	mask.Fill(1)

	sendJob(t, jobs, 1, protocol.SetReferencesJob{
		Contents: []protocol.ContentRefs{{
			Features: map[string]shm.Handle{"pool1": shmCopy(t, feat)},
			Masks:    map[string]shm.Handle{"pool1": shmCopy(t, mask)},
		}},
		Styles: []protocol.StyleRefs{{
			Grams: map[string]shm.Handle{"pool1": shmCopy(t, gram)},
			Masks: map[string]shm.Handle{"pool1": shmCopy(t, mask)},
		}},
	})
	if _, ok := readResult(t, results).(protocol.AckResult); !ok {
		t.Fatal("expected ack for set-references")
	}

	sendJob(t, jobs, 2, protocol.GradientJob{
		Origin:         protocol.Offset{},
		End:            protocol.Offset{Y: 8, X: 8},
		Tile:           shmCopy(t, img),
		ContentLayers:  []string{"pool1"},
		StyleLayers:    []string{"pool1"},
		LayerWeights:   map[string]float32{"pool1": 1},
		ContentWeights: map[string]float32{"pool1": 0.05},
		StyleWeights:   map[string]float32{"pool1": 1},
	})
	res, ok := readResult(t, results).(protocol.GradientResult)
	if !ok {
		t.Fatal("wrong result type")
	}
	if res.Loss != 0 {
		t.Fatalf("loss %v at fixed point", res.Loss)
	}
	r, err := shm.Open(res.Grad)
	if err != nil {
		t.Fatalf("open grad: %v", err)
	}
	grad := r.Copy()
	if err := r.Release(); err != nil {
		t.Fatalf("release grad: %v", err)
	}
	if !tensor.SameShape(grad, img) {
		t.Fatalf("gradient shape %v", grad.Shape)
	}
	for i, v := range grad.Data {
		if v != 0 {
			t.Fatalf("gradient %v at %d, want exact zero", v, i)
		}
	}
}

// brokenLayerNet serves every layer except one, whose activation read
// fails after the forward pass.
type brokenLayerNet struct {
	network.Network
	broken string
}

func (n *brokenLayerNet) Activation(layer string) (*tensor.Tensor, error) {
	if layer == n.broken {
		return nil, errors.New("activation buffer unavailable")
	}
	return n.Network.Activation(layer)
}

func sharedRegionCount(t *testing.T) int {
	t.Helper()
	dir := "/dev/shm"
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		dir = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("stylectl-%d-*", os.Getpid())))
	if err != nil {
		t.Fatalf("glob regions: %v", err)
	}
	return len(matches)
}

func TestFeatureJobErrorReleasesPartialRegions(t *testing.T) {
	// pool2 is visited first (deepest layer), so its region exists when
	// pool1's activation fails; the failed job must leave no regions behind.
	w := New(&brokenLayerNet{Network: network.NewPyramid(2), broken: "pool1"}, zerolog.Nop())
	before := sharedRegionCount(t)

	tile := tensor.New(3, 8, 8)
	_, err := w.evalFeatureTile(protocol.FeatureJob{
		Tile:   shmCopy(t, tile),
		Layers: []string{"pool1", "pool2"},
	})
	if err == nil {
		t.Fatal("expected the broken layer to fail the job")
	}
	if after := sharedRegionCount(t); after != before {
		t.Fatalf("%d shared regions leaked", after-before)
	}
}

func TestThreadBudgetJobHasNoReply(t *testing.T) {
	jobs, results := startWorker(t, 1)
	defer jobs.Close()

	sendJob(t, jobs, 1, protocol.ThreadBudgetJob{Threads: 2})

	// The next replied job proves the budget job was consumed silently.
	tile := tensor.New(3, 4, 4)
	sendJob(t, jobs, 2, protocol.FeatureJob{Tile: shmCopy(t, tile), Layers: []string{"pool1"}})
	res, ok := readResult(t, results).(protocol.FeatureResult)
	if !ok {
		t.Fatal("wrong result type")
	}
	if err := shm.ReleaseHandle(res.Features["pool1"]); err != nil {
		t.Fatalf("release: %v", err)
	}
}
