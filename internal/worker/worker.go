// Package worker implements the job loop run inside each worker process.
// Jobs arrive framed on stdin, results leave framed on stdout; tensor
// payloads cross through shm handles. The worker owns a private network
// instance and a private copy of the reference data.
package worker

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/danmuck/stylectl/internal/network"
	"github.com/danmuck/stylectl/internal/protocol"
	"github.com/danmuck/stylectl/internal/shm"
	"github.com/danmuck/stylectl/internal/tensor"
)

// ContentData holds one content image's per-layer reference features and
// masks, at each layer's native resolution.
type ContentData struct {
	Features map[string]*tensor.Tensor
	Masks    map[string]*tensor.Tensor
}

// StyleData holds one style image's per-layer Gram matrices and masks.
type StyleData struct {
	Grams map[string]*tensor.Tensor
	Masks map[string]*tensor.Tensor
}

// Worker evaluates tile jobs against its private network instance.
type Worker struct {
	net      network.Network
	contents []ContentData
	styles   []StyleData
	limits   protocol.Limits
	log      zerolog.Logger
}

func New(net network.Network, log zerolog.Logger) *Worker {
	return &Worker{net: net, limits: protocol.DefaultLimits(), log: log}
}

// Loop reads jobs until in is closed. A decode or evaluation failure ends
// the loop with an error; the supervising pool treats the resulting process
// exit as a pool malfunction.
func (w *Worker) Loop(in io.Reader, out io.Writer) error {
	for {
		f, err := protocol.ReadFrame(in, w.limits)
		if errors.Is(err, protocol.ErrShortHeader) || errors.Is(err, io.EOF) {
			return nil // inbox closed, clean shutdown
		}
		if err != nil {
			return fmt.Errorf("worker: read job: %w", err)
		}
		job, err := protocol.DecodeJob(f)
		if err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		res, err := w.dispatch(job)
		if err != nil {
			// Report before dying so the driver sees the cause, not just
			// a vanished process.
			_ = protocol.WriteResult(out, f.Header.MessageID, protocol.ErrorResult{Message: err.Error()}, w.limits)
			return fmt.Errorf("worker: job %d: %w", f.Header.MessageID, err)
		}
		if res == nil {
			continue // fire-and-forget job
		}
		if err := protocol.WriteResult(out, f.Header.MessageID, res, w.limits); err != nil {
			return fmt.Errorf("worker: write result: %w", err)
		}
	}
}

func (w *Worker) dispatch(job protocol.Job) (protocol.Result, error) {
	switch j := job.(type) {
	case protocol.FeatureJob:
		return w.evalFeatureTile(j)
	case protocol.GradientJob:
		return w.evalGradientTile(j)
	case protocol.SetReferencesJob:
		return w.setReferences(j)
	case protocol.ThreadBudgetJob:
		w.setThreadBudget(j.Threads)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", protocol.ErrUnknownMessage, job)
	}
}

// setReferences replaces the reference data wholesale. The payloads stay
// owned by the driver; the worker only copies and unmaps.
func (w *Worker) setReferences(j protocol.SetReferencesJob) (protocol.Result, error) {
	contents := make([]ContentData, 0, len(j.Contents))
	for _, refs := range j.Contents {
		features, err := copyHandleMap(refs.Features)
		if err != nil {
			return nil, err
		}
		masks, err := copyHandleMap(refs.Masks)
		if err != nil {
			return nil, err
		}
		contents = append(contents, ContentData{Features: features, Masks: masks})
	}
	styles := make([]StyleData, 0, len(j.Styles))
	for _, refs := range j.Styles {
		grams, err := copyHandleMap(refs.Grams)
		if err != nil {
			return nil, err
		}
		masks, err := copyHandleMap(refs.Masks)
		if err != nil {
			return nil, err
		}
		styles = append(styles, StyleData{Grams: grams, Masks: masks})
	}
	w.contents = contents
	w.styles = styles
	w.log.Debug().Int("contents", len(contents)).Int("styles", len(styles)).Msg("references replaced")
	return protocol.AckResult{}, nil
}

func copyHandleMap(handles map[string]shm.Handle) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(handles))
	for layer, h := range handles {
		r, err := shm.Open(h)
		if err != nil {
			return nil, err
		}
		out[layer] = r.Copy()
		if err := r.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// setThreadBudget caps this process's compute parallelism. The budget is
// explicit per-worker state driven by the pool, not a shared global.
func (w *Worker) setThreadBudget(n int) {
	if n < 1 {
		n = 1
	}
	runtime.GOMAXPROCS(n)
	w.log.Debug().Int("threads", n).Msg("thread budget applied")
}

// requestedBackwardOrder filters the network's layers down to the requested
// set, ordered from the deepest layer toward the input, the order the
// backward pass visits them.
func (w *Worker) requestedBackwardOrder(requested ...[]string) []string {
	want := map[string]bool{}
	for _, group := range requested {
		for _, layer := range group {
			want[layer] = true
		}
	}
	all := w.net.LayerNames()
	var out []string
	for i := len(all) - 1; i >= 0; i-- {
		if want[all[i]] {
			out = append(out, all[i])
		}
	}
	return out
}
