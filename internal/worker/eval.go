package worker

import (
	"errors"
	"fmt"

	"github.com/danmuck/stylectl/internal/protocol"
	"github.com/danmuck/stylectl/internal/shm"
	"github.com/danmuck/stylectl/internal/tensor"
)

var ErrNoLayers = errors.New("worker: job requests no layers")

// evalFeatureTile runs one forward pass over a tile and ships each requested
// layer's activation back in a fresh shm region. Ownership of the inbound
// tile handle transfers to the worker; ownership of the outbound handles
// transfers to the driver.
func (w *Worker) evalFeatureTile(j protocol.FeatureJob) (protocol.Result, error) {
	layers := w.requestedBackwardOrder(j.Layers)
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}
	tile, err := adoptTile(j.Tile)
	if err != nil {
		return nil, err
	}
	w.net.SetInput(tile)
	if err := w.net.Forward(layers[0]); err != nil {
		return nil, err
	}
	// Regions created so far are destroyed on any error return; ownership
	// only transfers once the full result ships.
	features := make(map[string]shm.Handle, len(layers))
	sent := false
	defer func() {
		if sent {
			return
		}
		for _, h := range features {
			if err := shm.ReleaseHandle(h); err != nil {
				w.log.Warn().Err(err).Str("region", h.Name).Msg("release failed")
			}
		}
	}()
	for _, layer := range layers {
		act, err := w.net.Activation(layer)
		if err != nil {
			return nil, err
		}
		r, err := shm.CopyFrom(act)
		if err != nil {
			return nil, err
		}
		features[layer] = r.Handle()
		if err := r.Close(); err != nil {
			return nil, err
		}
	}
	sent = true
	return protocol.FeatureResult{Origin: j.Origin, Features: features}, nil
}

// evalGradientTile computes the content+style+deep-dream gradient of one
// tile, visiting requested layers deepest-first so each backward segment
// carries the accumulated gradient toward the input.
func (w *Worker) evalGradientTile(j protocol.GradientJob) (protocol.Result, error) {
	layers := w.requestedBackwardOrder(j.ContentLayers, j.StyleLayers, j.DDLayers)
	if len(layers) == 0 {
		return nil, ErrNoLayers
	}
	tile, err := adoptTile(j.Tile)
	if err != nil {
		return nil, err
	}

	w.rollReferences(j.Roll)
	defer w.rollReferences(protocol.Offset{Y: -j.Roll.Y, X: -j.Roll.X})

	w.net.SetInput(tile)
	if err := w.net.Forward(layers[0]); err != nil {
		return nil, err
	}

	inContent := toSet(j.ContentLayers)
	inStyle := toSet(j.StyleLayers)
	inDD := toSet(j.DDLayers)

	var loss float32
	for i, layer := range layers {
		lw := j.LayerWeights[layer]
		stride, _, err := w.net.LayerInfo(layer)
		if err != nil {
			return nil, err
		}
		act, err := w.net.Activation(layer)
		if err != nil {
			return nil, err
		}
		grad, err := w.net.Gradient(layer)
		if err != nil {
			return nil, err
		}
		sy := floorDiv(j.Origin.Y, stride)
		sx := floorDiv(j.Origin.X, stride)

		if inContent[layer] {
			cw := lw * j.ContentWeights[layer]
			for _, content := range w.contents {
				l, err := contentGradient(content, layer, act, grad, sy, sx, cw)
				if err != nil {
					return nil, err
				}
				loss += l
			}
		}
		if inStyle[layer] {
			sw := lw * j.StyleWeights[layer]
			for _, style := range w.styles {
				l, err := styleGradient(style, layer, act, grad, sy, sx, sw)
				if err != nil {
					return nil, err
				}
				loss += l
			}
		}
		if inDD[layer] {
			dw := lw * j.DDWeights[layer]
			loss -= dw * tensor.Norm2(act)
			tensor.Axpy(-dw, tensor.Normalize(act.Clone()), grad)
		}

		stopAt := ""
		if i+1 < len(layers) {
			stopAt = layers[i+1]
		}
		if err := w.net.Backward(layer, stopAt); err != nil {
			return nil, err
		}
	}

	out, err := shm.CopyFrom(w.net.InputGradient())
	if err != nil {
		return nil, err
	}
	res := protocol.GradientResult{Origin: j.Origin, End: j.End, Loss: loss, Grad: out.Handle()}
	if err := out.Close(); err != nil {
		return nil, err
	}
	return res, nil
}

// contentGradient accumulates the masked, L1-normalized difference between
// the tile's activation and the stored reference window.
func contentGradient(content ContentData, layer string, act, grad *tensor.Tensor, sy, sx int, weight float32) (float32, error) {
	ref, ok := content.Features[layer]
	if !ok {
		return 0, fmt.Errorf("worker: no content features for layer %q", layer)
	}
	h, wd := act.HW()
	cGrad := act.Clone()
	tensor.Axpy(-1, window(ref, sy, sx, h, wd), cGrad)
	if mask, ok := content.Masks[layer]; ok {
		mulMask(cGrad, window(mask, sy, sx, h, wd))
	}
	loss := weight * tensor.Norm2(cGrad)
	tensor.Axpy(weight, tensor.Normalize(cGrad), grad)
	return loss, nil
}

// styleGradient projects the Gram matrix difference back through the
// feature map, masked and L1-normalized. The loss term is scaled by the
// mask's mean so masked-out tiles contribute nothing.
func styleGradient(style StyleData, layer string, act, grad *tensor.Tensor, sy, sx int, weight float32) (float32, error) {
	refGram, ok := style.Grams[layer]
	if !ok {
		return 0, fmt.Errorf("worker: no style gram for layer %q", layer)
	}
	gramDiff := tensor.Gram(act)
	tensor.Axpy(-1, refGram, gramDiff)
	sGrad := tensor.SymmApply(gramDiff, act)

	maskMean := float32(1)
	if mask, ok := style.Masks[layer]; ok {
		h, wd := act.HW()
		mw := window(mask, sy, sx, h, wd)
		mulMask(sGrad, mw)
		maskMean = mw.MeanAbs()
	}
	loss := weight * tensor.Norm2(gramDiff) * maskMean / 2
	tensor.Axpy(weight, tensor.Normalize(sGrad), grad)
	return loss, nil
}

// rollReferences shifts reference features and masks in lockstep with the
// jittered image, mapping the pixel offset through each layer's stride.
func (w *Worker) rollReferences(off protocol.Offset) {
	if off.IsZero() {
		return
	}
	shift := func(t *tensor.Tensor, layer string) {
		stride, _, err := w.net.LayerInfo(layer)
		if err != nil {
			return
		}
		t.Roll2(floorDiv(off.Y, stride), floorDiv(off.X, stride))
	}
	for _, content := range w.contents {
		for layer, feat := range content.Features {
			shift(feat, layer)
		}
		for layer, mask := range content.Masks {
			shift(mask, layer)
		}
	}
	for _, style := range w.styles {
		for layer, mask := range style.Masks {
			shift(mask, layer)
		}
	}
}

// adoptTile maps a handed-off tile handle, copies it into private memory,
// and destroys the region, completing the ownership transfer.
func adoptTile(h shm.Handle) (*tensor.Tensor, error) {
	region, err := shm.Open(h)
	if err != nil {
		return nil, err
	}
	tile := region.Copy()
	if err := region.Release(); err != nil {
		return nil, err
	}
	return tile, nil
}

// window extracts an h x w view copy of ref starting at (sy, sx), clamping
// reads to the reference extent so off-by-one seams from stride rounding
// stay local instead of failing.
func window(ref *tensor.Tensor, sy, sx, h, w int) *tensor.Tensor {
	rh, rw := ref.HW()
	channels := ref.Channels()
	var out *tensor.Tensor
	if len(ref.Shape) == 3 {
		out = tensor.New(channels, h, w)
	} else {
		out = tensor.New(h, w)
	}
	for c := 0; c < channels; c++ {
		src, dst := ref.Plane(c), out.Plane(c)
		for y := 0; y < h; y++ {
			ry := clamp(sy+y, rh)
			for x := 0; x < w; x++ {
				dst[y*w+x] = src[ry*rw+clamp(sx+x, rw)]
			}
		}
	}
	return out
}

// mulMask multiplies every channel of t by a 2D mask of the same spatial
// size.
func mulMask(t, mask *tensor.Tensor) {
	h, w := t.HW()
	for c := 0; c < t.Channels(); c++ {
		p := t.Plane(c)
		for i := 0; i < h*w; i++ {
			p[i] *= mask.Data[i]
		}
	}
}

func toSet(layers []string) map[string]bool {
	out := make(map[string]bool, len(layers))
	for _, l := range layers {
		out[l] = true
	}
	return out
}

// floorDiv divides rounding toward negative infinity, so negative
// jitter offsets map onto strided layers consistently.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
