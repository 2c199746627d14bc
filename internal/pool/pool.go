// Package pool supervises the long-lived worker processes. Jobs are
// assigned round-robin, results funnel into one shared channel, and any
// worker death poisons the whole pool: in-flight work cannot be trusted
// once a worker's reference state may be inconsistent, so there is no
// partial recovery.
package pool

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/stylectl/internal/observability"
	"github.com/danmuck/stylectl/internal/protocol"
	"github.com/danmuck/stylectl/internal/shm"
	"github.com/danmuck/stylectl/internal/tensor"
)

var ErrPoolMalfunction = errors.New("pool: malfunction; workers terminated")

// Transport is one worker's job/result endpoints as seen by the pool.
type Transport interface {
	Jobs() io.Writer
	Results() io.Reader
	Alive() bool
	Stop() error
}

// Launcher starts worker id on the given compute device. Production uses
// Exec; tests run workers in-process over pipes.
type Launcher func(id, device int) (Transport, error)

// Result pairs a decoded result with the worker that produced it.
type Result struct {
	WorkerID int
	Msg      protocol.Result
}

// Config sizes the pool. ThreadBudget is the total CPU thread count shared
// across all active workers; it is explicit state, never a process global.
type Config struct {
	Devices      []int
	ThreadBudget int
}

// Pool owns N worker transports and the shared result stream. It is driven
// from a single goroutine, matching the one-supervisor model.
type Pool struct {
	cfg        Config
	workers    []Transport
	results    chan Result
	next       int
	reqCount   int
	lastPer    int
	nextMsgID  uint64
	healthy    bool
	limits     protocol.Limits
	log        zerolog.Logger
}

// New launches one worker per configured device.
func New(cfg Config, launch Launcher, log zerolog.Logger) (*Pool, error) {
	if len(cfg.Devices) == 0 {
		return nil, errors.New("pool: no devices configured")
	}
	p := &Pool{
		cfg:     cfg,
		results: make(chan Result, 64),
		healthy: true,
		limits:  protocol.DefaultLimits(),
		log:     log,
	}
	for id, device := range cfg.Devices {
		tr, err := launch(id, device)
		if err != nil {
			p.teardown()
			return nil, fmt.Errorf("pool: launch worker %d: %w", id, err)
		}
		p.workers = append(p.workers, tr)
		go p.readResults(id, tr)
		p.log.Info().Int("worker", id).Int("device", device).Msg("worker started")
	}
	if cfg.ThreadBudget > 0 {
		if err := p.setThreadBudget(cfg.ThreadBudget / len(p.workers)); err != nil {
			p.teardown()
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) readResults(id int, tr Transport) {
	for {
		f, err := protocol.ReadFrame(tr.Results(), p.limits)
		if err != nil {
			return // worker gone or shutting down; health poll handles it
		}
		msg, err := protocol.DecodeResult(f)
		if err != nil {
			p.log.Error().Err(err).Int("worker", id).Msg("undecodable result")
			return
		}
		p.results <- Result{WorkerID: id, Msg: msg}
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Results is the shared stream of worker results for the current round.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Request sends a job to the next worker in round-robin order.
func (p *Pool) Request(j protocol.Job) error {
	if !p.healthy {
		return ErrPoolMalfunction
	}
	p.nextMsgID++
	if err := protocol.WriteJob(p.workers[p.next].Jobs(), p.nextMsgID, j, p.limits); err != nil {
		return fmt.Errorf("pool: send to worker %d: %w", p.next, err)
	}
	observability.RecordJob(jobKind(j), p.next)
	p.reqCount++
	p.next = (p.next + 1) % len(p.workers)
	return nil
}

// ResetCursor is called once per tiling round. It rebalances the thread
// budget using the previous round's job count as the active-worker proxy
// (which can undercount when a short final round has fewer tiles than
// workers; preserved deliberately) and points the cursor back at worker 0.
func (p *Pool) ResetCursor() error {
	if p.cfg.ThreadBudget > 0 {
		active := p.reqCount
		if active < 1 {
			active = 1
		}
		if active > len(p.workers) {
			active = len(p.workers)
		}
		if err := p.setThreadBudget(p.cfg.ThreadBudget / active); err != nil {
			return err
		}
	}
	p.reqCount = 0
	p.next = 0
	return nil
}

func (p *Pool) setThreadBudget(per int) error {
	if per < 1 {
		per = 1
	}
	if per == p.lastPer {
		return nil
	}
	for id, w := range p.workers {
		p.nextMsgID++
		if err := protocol.WriteJob(w.Jobs(), p.nextMsgID, protocol.ThreadBudgetJob{Threads: per}, p.limits); err != nil {
			return fmt.Errorf("pool: thread budget to worker %d: %w", id, err)
		}
	}
	p.lastPer = per
	return nil
}

// EnsureHealthy must be polled before enqueuing work. A dead worker tears
// the whole pool down and every later call fails.
func (p *Pool) EnsureHealthy() error {
	if !p.healthy {
		return fmt.Errorf("%w: already terminated", ErrPoolMalfunction)
	}
	for id, w := range p.workers {
		if !w.Alive() {
			p.log.Error().Int("worker", id).Msg("worker exited; terminating pool")
			observability.RecordPoolMalfunction()
			p.teardown()
			return ErrPoolMalfunction
		}
	}
	return nil
}

// SetReferences pushes fresh reference data to every worker and blocks
// until all have acknowledged. It is a hard barrier: no gradient job for
// the new scale may be issued before it returns.
func (p *Pool) SetReferences(contents []ContentRefs, styles []StyleRefs) error {
	if err := p.EnsureHealthy(); err != nil {
		return err
	}
	var owned []shm.Handle
	release := func() {
		for _, h := range owned {
			if err := shm.ReleaseHandle(h); err != nil {
				p.log.Warn().Err(err).Str("region", h.Name).Msg("release failed")
			}
		}
	}

	g := new(errgroup.Group)
	for id, w := range p.workers {
		id := id
		job := protocol.SetReferencesJob{}
		for _, c := range contents {
			features, err := shareMap(c.Features, &owned)
			if err != nil {
				release()
				return err
			}
			masks, err := shareMap(c.Masks, &owned)
			if err != nil {
				release()
				return err
			}
			job.Contents = append(job.Contents, protocol.ContentRefs{Features: features, Masks: masks})
		}
		for _, s := range styles {
			grams, err := shareMap(s.Grams, &owned)
			if err != nil {
				release()
				return err
			}
			masks, err := shareMap(s.Masks, &owned)
			if err != nil {
				release()
				return err
			}
			job.Styles = append(job.Styles, protocol.StyleRefs{Grams: grams, Masks: masks})
		}
		p.nextMsgID++
		msgID := p.nextMsgID
		jobs := w.Jobs()
		g.Go(func() error {
			if err := protocol.WriteJob(jobs, msgID, job, p.limits); err != nil {
				return fmt.Errorf("pool: references to worker %d: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		release()
		return err
	}
	// A worker that dies holding its ack never sends anything, so the wait
	// is interleaved with health polls instead of blocking on the channel.
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for acked := 0; acked < len(p.workers); {
		select {
		case r := <-p.results:
			if _, ok := r.Msg.(protocol.AckResult); !ok {
				release()
				return fmt.Errorf("%w: worker %d replied %T to reference update", ErrPoolMalfunction, r.WorkerID, r.Msg)
			}
			acked++
		case <-poll.C:
			if err := p.EnsureHealthy(); err != nil {
				release()
				return err
			}
		}
	}
	release()
	p.log.Debug().Int("workers", len(p.workers)).Msg("reference barrier complete")
	return nil
}

// Shutdown stops every worker. The pool is unusable afterwards.
func (p *Pool) Shutdown() {
	if p.healthy {
		p.teardown()
	}
}

func (p *Pool) teardown() {
	p.healthy = false
	for id, w := range p.workers {
		if err := w.Stop(); err != nil {
			p.log.Warn().Err(err).Int("worker", id).Msg("stop failed")
		}
	}
}

// ContentRefs is the driver-side reference set for one content image.
type ContentRefs struct {
	Features map[string]*tensor.Tensor
	Masks    map[string]*tensor.Tensor
}

// StyleRefs is the driver-side reference set for one style image.
type StyleRefs struct {
	Grams map[string]*tensor.Tensor
	Masks map[string]*tensor.Tensor
}

// shareMap copies each tensor into a fresh shm region and records the
// handle for post-barrier release. The pool stays the owner throughout.
func shareMap(src map[string]*tensor.Tensor, owned *[]shm.Handle) (map[string]shm.Handle, error) {
	out := make(map[string]shm.Handle, len(src))
	for layer, t := range src {
		r, err := shm.CopyFrom(t)
		if err != nil {
			return nil, err
		}
		h := r.Handle()
		if err := r.Close(); err != nil {
			return nil, err
		}
		out[layer] = h
		*owned = append(*owned, h)
	}
	return out, nil
}

func jobKind(j protocol.Job) string {
	switch j.(type) {
	case protocol.FeatureJob:
		return "feature"
	case protocol.GradientJob:
		return "gradient"
	case protocol.SetReferencesJob:
		return "set_references"
	case protocol.ThreadBudgetJob:
		return "thread_budget"
	default:
		return "unknown"
	}
}
