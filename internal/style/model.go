package style

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/rs/zerolog"

	"github.com/danmuck/stylectl/internal/network"
	"github.com/danmuck/stylectl/internal/pool"
	"github.com/danmuck/stylectl/internal/protocol"
	"github.com/danmuck/stylectl/internal/shm"
	"github.com/danmuck/stylectl/internal/tensor"
)

// featureJitterScale quantizes the random shifts used to obscure tile
// seams during feature averaging.
const featureJitterScale = 32

// GradWeights is the per-layer weighting applied during gradient
// evaluation. Layer carries the global per-layer scale (including the
// "data" pseudo-layer applied to image-space terms).
type GradWeights struct {
	ContentLayers []string
	StyleLayers   []string
	DDLayers      []string
	Layer         map[string]float32
	Content       map[string]float32
	Style         map[string]float32
	DD            map[string]float32
}

// ContentInput pairs a preprocessed content image with its mask.
type ContentInput struct {
	Image *tensor.Tensor
	Mask  *tensor.Tensor
}

// StyleInput pairs a preprocessed style image with its mask.
type StyleInput struct {
	Image *tensor.Tensor
	Mask  *tensor.Tensor
}

// Model is the supervisor's half of the tiled evaluator. It owns the
// working image and the reference pipeline; per-tile network passes run
// on the pool. The network held here is consulted for layer metadata
// only.
type Model struct {
	net  network.Network
	pool *pool.Pool
	rng  *rand.Rand
	log  zerolog.Logger

	Img      *tensor.Tensor
	contents []pool.ContentRefs
	styles   []pool.StyleRefs
}

func NewModel(net network.Network, p *pool.Pool, rng *rand.Rand, log zerolog.Logger) *Model {
	return &Model{net: net, pool: p, rng: rng, log: log}
}

// Layers returns the network's layer names in forward order.
func (m *Model) Layers() []string {
	return m.net.LayerNames()
}

// LayerInfo returns a layer's stride relative to the image and its
// channel count.
func (m *Model) LayerInfo(layer string) (stride, channels int, err error) {
	return m.net.LayerInfo(layer)
}

// SetImage replaces the working image.
func (m *Model) SetImage(img *tensor.Tensor) {
	m.Img = img
}

// ResizeImage resamples the working image to h×w.
func (m *Model) ResizeImage(h, w int) {
	m.Img = tensor.Resample(m.Img, h, w, tensor.CatmullRom)
}

// Roll shifts the working image by xy*jitterScale with wraparound.
// Reference data lives worker-side and is rolled there per job.
func (m *Model) Roll(xy protocol.Offset, jitterScale int) {
	if xy.IsZero() {
		return
	}
	m.Img.Roll2(xy.Y*jitterScale, xy.X*jitterScale)
}

// EvalFeaturesOnce computes the requested layers' feature maps for the
// whole working image in one tiled pass.
func (m *Model) EvalFeaturesOnce(layers []string, tileSize int) (map[string]*tensor.Tensor, error) {
	h, w := m.Img.HW()
	grid, err := NewGrid(h, w, tileSize)
	if err != nil {
		return nil, err
	}
	m.log.Debug().
		Int("tiles_y", grid.TilesY).Int("tiles_x", grid.TilesX).
		Int("tile_h", grid.TileH).Int("tile_w", grid.TileW).
		Msg("feature pass tiling")

	features := make(map[string]*tensor.Tensor, len(layers))
	for _, layer := range layers {
		stride, channels, err := m.LayerInfo(layer)
		if err != nil {
			return nil, err
		}
		features[layer] = tensor.New(channels, ceilDiv(h, stride), ceilDiv(w, stride))
	}

	if err := m.requestTiles(grid, func(y0, x0, y1, x1 int, tile shm.Handle) protocol.Job {
		return protocol.FeatureJob{Origin: protocol.Offset{Y: y0, X: x0}, Tile: tile, Layers: layers}
	}); err != nil {
		return nil, err
	}

	for i := 0; i < grid.Count(); i++ {
		res, err := m.nextResult()
		if err != nil {
			return nil, err
		}
		fr, ok := res.(protocol.FeatureResult)
		if !ok {
			return nil, fmt.Errorf("style: unexpected %T during feature pass", res)
		}
		for layer, handle := range fr.Features {
			stride, _, err := m.LayerInfo(layer)
			if err != nil {
				return nil, err
			}
			r, err := shm.Open(handle)
			if err != nil {
				return nil, fmt.Errorf("style: open feature tile: %w", err)
			}
			paste(features[layer], r.Copy(), fr.Origin.Y/stride, fr.Origin.X/stride)
			if err := r.Release(); err != nil {
				return nil, err
			}
		}
	}
	return features, nil
}

// PrepareFeatures averages feature maps over several randomly shifted
// passes so tile boundaries fall in different places each time. A
// single-tile image needs no averaging.
func (m *Model) PrepareFeatures(layers []string, tileSize, passes int) (map[string]*tensor.Tensor, error) {
	h, w := m.Img.HW()
	if passes < 1 || (h <= tileSize && w <= tileSize) {
		passes = 1
	}
	features := make(map[string]*tensor.Tensor, len(layers))
	for i := 0; i < passes; i++ {
		var xy protocol.Offset
		if i > 0 {
			xy.Y = int(m.rng.Float64()*float64(h)) / featureJitterScale
			xy.X = int(m.rng.Float64()*float64(w)) / featureJitterScale
		}
		m.Roll(xy, featureJitterScale)
		m.rollFeatures(features, xy)

		feats, err := m.EvalFeaturesOnce(layers, tileSize)
		if err != nil {
			return nil, err
		}
		for _, layer := range layers {
			if i == 0 {
				feats[layer].Scale(1 / float32(passes))
				features[layer] = feats[layer]
			} else {
				tensor.Axpy(1/float32(passes), feats[layer], features[layer])
			}
		}
		m.Roll(protocol.Offset{Y: -xy.Y, X: -xy.X}, featureJitterScale)
		m.rollFeatures(features, protocol.Offset{Y: -xy.Y, X: -xy.X})
	}
	return features, nil
}

func (m *Model) rollFeatures(feats map[string]*tensor.Tensor, xy protocol.Offset) {
	if xy.IsZero() {
		return
	}
	py, px := xy.Y*featureJitterScale, xy.X*featureJitterScale
	for layer, feat := range feats {
		stride, _, err := m.LayerInfo(layer)
		if err != nil {
			continue
		}
		feat.Roll2(floorDiv(py, stride), floorDiv(px, stride))
	}
}

// Preprocess builds the reference data for a set of content and style
// images and returns the layers to visit during the backward pass,
// deepest first. Style Gram matrices are averaged across all style
// images; every style entry shares the averaged set, differing only in
// its masks.
func (m *Model) Preprocess(contents []ContentInput, styles []StyleInput, w GradWeights, tileSize, passes int) ([]string, error) {
	m.contents = nil
	m.styles = nil

	requested := toSet(w.ContentLayers, w.StyleLayers)
	var order []string
	names := m.Layers()
	for i := len(names) - 1; i >= 0; i-- {
		if requested[names[i]] {
			order = append(order, names[i])
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("style: no content or style layers requested")
	}

	grams := make(map[string]*tensor.Tensor, len(w.StyleLayers))
	for _, layer := range w.StyleLayers {
		_, ch, err := m.LayerInfo(layer)
		if err != nil {
			return nil, err
		}
		grams[layer] = tensor.New(ch, ch)
	}
	m.log.Info().Int("images", len(styles)).Msg("preprocessing style images")
	for _, s := range styles {
		m.SetImage(s.Image)
		feats, err := m.PrepareFeatures(w.StyleLayers, tileSize, passes)
		if err != nil {
			return nil, err
		}
		for layer, feat := range feats {
			tensor.Axpy(1/float32(len(styles)), tensor.Gram(feat), grams[layer])
		}
		masks, err := m.layerMasks(s.Mask)
		if err != nil {
			return nil, err
		}
		m.styles = append(m.styles, pool.StyleRefs{Grams: grams, Masks: masks})
	}

	m.log.Info().Int("images", len(contents)).Msg("preprocessing content images")
	for _, c := range contents {
		m.SetImage(c.Image)
		feats, err := m.PrepareFeatures(w.ContentLayers, tileSize, passes)
		if err != nil {
			return nil, err
		}
		masks, err := m.layerMasks(c.Mask)
		if err != nil {
			return nil, err
		}
		m.contents = append(m.contents, pool.ContentRefs{Features: feats, Masks: masks})
	}
	return order, nil
}

// PushReferences ships the preprocessed reference data to every worker
// and blocks on the acknowledgement barrier.
func (m *Model) PushReferences() error {
	return m.pool.SetReferences(m.contents, m.styles)
}

// EvalSCGrad evaluates the summed style and content loss and gradient
// over the whole image. roll is the pixel-space jitter currently applied
// to the image; workers mirror it onto their references per tile.
func (m *Model) EvalSCGrad(roll protocol.Offset, w GradWeights, tileSize int) (float32, *tensor.Tensor, error) {
	h, wd := m.Img.HW()
	grid, err := NewGrid(h, wd, tileSize)
	if err != nil {
		return 0, nil, err
	}
	grad := tensor.ZerosLike(m.Img)
	var loss float32

	if err := m.requestTiles(grid, func(y0, x0, y1, x1 int, tile shm.Handle) protocol.Job {
		return protocol.GradientJob{
			Origin:         protocol.Offset{Y: y0, X: x0},
			End:            protocol.Offset{Y: y1, X: x1},
			Tile:           tile,
			Roll:           roll,
			ContentLayers:  w.ContentLayers,
			StyleLayers:    w.StyleLayers,
			DDLayers:       w.DDLayers,
			LayerWeights:   w.Layer,
			ContentWeights: w.Content,
			StyleWeights:   w.Style,
			DDWeights:      w.DD,
		}
	}); err != nil {
		return 0, nil, err
	}

	for i := 0; i < grid.Count(); i++ {
		res, err := m.nextResult()
		if err != nil {
			return 0, nil, err
		}
		gr, ok := res.(protocol.GradientResult)
		if !ok {
			return 0, nil, fmt.Errorf("style: unexpected %T during gradient pass", res)
		}
		loss += gr.Loss
		r, err := shm.Open(gr.Grad)
		if err != nil {
			return 0, nil, fmt.Errorf("style: open gradient tile: %w", err)
		}
		paste(grad, r.Copy(), gr.Origin.Y, gr.Origin.X)
		if err := r.Release(); err != nil {
			return 0, nil, err
		}
	}
	return loss, grad, nil
}

// requestTiles shares each tile of the working image and issues one job
// per tile, then resets the round-robin cursor for the next round.
func (m *Model) requestTiles(grid Grid, build func(y0, x0, y1, x1 int, tile shm.Handle) protocol.Job) error {
	for ty := 0; ty < grid.TilesY; ty++ {
		for tx := 0; tx < grid.TilesX; tx++ {
			y0, x0, y1, x1 := grid.Rect(ty, tx)
			if err := m.pool.EnsureHealthy(); err != nil {
				return err
			}
			r, err := shm.CopyFrom(window(m.Img, y0, x0, y1, x1))
			if err != nil {
				return fmt.Errorf("style: share tile: %w", err)
			}
			handle := r.Handle()
			if err := r.Close(); err != nil {
				return err
			}
			if err := m.pool.Request(build(y0, x0, y1, x1, handle)); err != nil {
				return err
			}
		}
	}
	return m.pool.ResetCursor()
}

func (m *Model) nextResult() (protocol.Result, error) {
	res := <-m.pool.Results()
	if er, ok := res.Msg.(protocol.ErrorResult); ok {
		return nil, fmt.Errorf("style: worker %d: %s", res.WorkerID, er.Message)
	}
	return res.Msg, nil
}

// layerMasks propagates an image-space mask down through the network:
// conv layers blur it 3x3, pool layers downsample it 2x2 with edge
// replication on odd sizes.
func (m *Model) layerMasks(mask *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	if mask == nil {
		h, w := m.Img.HW()
		mask = tensor.New(h, w)
		mask.Fill(1)
	}
	cur := mask.Clone()
	out := make(map[string]*tensor.Tensor)
	for _, layer := range m.Layers() {
		if strings.HasPrefix(layer, "conv") {
			cur = blur3(cur)
		}
		if strings.HasPrefix(layer, "pool") {
			cur = downsampleMask(cur)
		}
		out[layer] = cur
	}
	return out, nil
}

// blur3 applies a 3x3 box filter with clamped edges to an H×W mask.
func blur3(m *tensor.Tensor) *tensor.Tensor {
	h, w := m.HW()
	out := tensor.New(h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float32
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sum += m.Data[clamp(y+dy, 0, h-1)*w+clamp(x+dx, 0, w-1)]
				}
			}
			out.Data[y*w+x] = sum / 9
		}
	}
	return out
}

// downsampleMask halves an H×W mask with 2x2 averaging, replicating the
// final row/column when a dimension is odd.
func downsampleMask(m *tensor.Tensor) *tensor.Tensor {
	h, w := m.HW()
	oh, ow := (h+1)/2, (w+1)/2
	out := tensor.New(oh, ow)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			y0, x0 := 2*y, 2*x
			y1, x1 := min(y0+1, h-1), min(x0+1, w-1)
			out.Data[y*ow+x] = (m.Data[y0*w+x0] + m.Data[y0*w+x1] +
				m.Data[y1*w+x0] + m.Data[y1*w+x1]) / 4
		}
	}
	return out
}

// window copies the sub-image [y0,y1)x[x0,x1) of a CHW tensor.
func window(t *tensor.Tensor, y0, x0, y1, x1 int) *tensor.Tensor {
	_, w := t.HW()
	ch := t.Channels()
	th, tw := y1-y0, x1-x0
	out := tensor.New(ch, th, tw)
	for c := 0; c < ch; c++ {
		src := t.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < th; y++ {
			copy(dst[y*tw:(y+1)*tw], src[(y0+y)*w+x0:(y0+y)*w+x0+tw])
		}
	}
	return out
}

// paste writes src into dst at (y0, x0), clipping to dst's bounds.
func paste(dst, src *tensor.Tensor, y0, x0 int) {
	dh, dw := dst.HW()
	sh, sw := src.HW()
	ch := dst.Channels()
	for c := 0; c < ch; c++ {
		dp := dst.Plane(c)
		sp := src.Plane(c)
		for y := 0; y < sh && y0+y < dh; y++ {
			n := sw
			if x0+n > dw {
				n = dw - x0
			}
			copy(dp[(y0+y)*dw+x0:(y0+y)*dw+x0+n], sp[y*sw:y*sw+n])
		}
	}
}

func toSet(groups ...[]string) map[string]bool {
	out := make(map[string]bool)
	for _, g := range groups {
		for _, s := range g {
			out[s] = true
		}
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// floorDiv rounds toward negative infinity, matching the offset math
// used when mapping pixel shifts onto strided layers.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
