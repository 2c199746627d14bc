// Package network defines the interface the tile workers require from a
// convolutional network backend, and a registry for backend constructors.
// Each worker process owns a private instance; instances are never shared
// across processes.
package network

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/stylectl/internal/tensor"
)

var (
	ErrUnknownLayer   = errors.New("network: unknown layer")
	ErrUnknownBackend = errors.New("network: unknown backend")
)

// Network is the forward/backward evaluation capability the core delegates
// to. Activation and Gradient expose per-layer buffers; Backward consumes
// the gradient at its start layer and overwrites the buffers below it.
type Network interface {
	// LayerNames returns all layer names in forward order.
	LayerNames() []string
	// LayerInfo returns a layer's stride relative to the input and its
	// channel count.
	LayerInfo(layer string) (stride, channels int, err error)
	// SetInput installs a CxHxW input tensor and invalidates prior state.
	SetInput(t *tensor.Tensor)
	// Forward runs from the input up to and including stopAt.
	Forward(stopAt string) error
	// Backward propagates the gradient at start down to stopAt, or to the
	// input when stopAt is empty.
	Backward(start, stopAt string) error
	// Activation returns the layer's forward buffer from the last Forward.
	Activation(layer string) (*tensor.Tensor, error)
	// Gradient returns the layer's writable gradient buffer.
	Gradient(layer string) (*tensor.Tensor, error)
	// InputGradient returns the gradient w.r.t. the input after Backward
	// has reached it.
	InputGradient() *tensor.Tensor
}

// Factory builds a backend instance for one worker process. device is the
// compute device identifier from the pool config (-1 for CPU).
type Factory func(device int) (Network, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend constructor available by name.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[name] = f
}

// New constructs a registered backend.
func New(name string, device int) (Network, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, name, Names())
	}
	return f(device)
}

// Names lists registered backends.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
