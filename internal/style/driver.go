package style

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/stylectl/internal/imageio"
	"github.com/danmuck/stylectl/internal/observability"
	"github.com/danmuck/stylectl/internal/protocol"
	"github.com/danmuck/stylectl/internal/tensor"
)

// Params is the full set of transfer hyperparameters.
type Params struct {
	Size     int
	MinSize  int
	TileSize int

	// Iterations per scale, smallest scale first. Scales beyond the end
	// of the list reuse the last entry.
	Iterations []int

	StepSize  float32
	AvgWindow float32

	ContentWeight float32
	DDWeight      float32
	TVWeight      float32
	TVPower       float32
	PWeight       float32
	PPower        float32
	AuxWeight     float32

	StyleScale   float64
	StyleScaleUp bool

	// FeaturePasses is the number of shifted passes averaged while
	// preparing reference features.
	FeaturePasses int

	Mean [3]float32

	// Layer selections, each entry "name" or "name:weight".
	ContentLayers []string
	StyleLayers   []string
	DDLayers      []string

	// LayerWeights overrides the per-layer scale (1 by default). The
	// "data" pseudo-layer scales the image-space loss terms.
	LayerWeights map[string]float32
}

// Inputs are the images for one transfer run. All tensors are RGB CHW
// in [0, 255]. StyleMasks is empty or one mask per style image.
type Inputs struct {
	Contents   []*tensor.Tensor
	Styles     []*tensor.Tensor
	StyleMasks []*tensor.Tensor
	Initial    *tensor.Tensor
	Aux        *tensor.Tensor
	State      *Adam
}

// Stats is the per-iteration progress report.
type Stats struct {
	Scale      int
	Step       int
	TotalSteps int
	Width      int
	Height     int
	Loss       float32
	UpdateSize float32
	TVLoss     float32
	ImageNorm  float32
}

type StatsFunc func(Stats)

// ImageFunc receives the current output as an RGB [0, 255] tensor.
type ImageFunc func(*tensor.Tensor)

// Transfer drives the multiscale optimization loop over a model and
// its worker pool.
type Transfer struct {
	model *Model
	p     Params
	rng   *rand.Rand
	log   zerolog.Logger

	onStats StatsFunc
	onImage ImageFunc

	weights    GradWeights
	optimizer  *Adam
	aux        *tensor.Tensor
	currentRaw *tensor.Tensor

	scale      int
	doneSteps  int
	totalSteps int
}

func NewTransfer(m *Model, params Params, rng *rand.Rand, log zerolog.Logger, onStats StatsFunc, onImage ImageFunc) (*Transfer, error) {
	w, err := buildWeights(params)
	if err != nil {
		return nil, err
	}
	layers := append([]string(nil), m.Layers()...)
	layers = append(layers, "data")
	for _, layer := range layers {
		if _, ok := w.Layer[layer]; !ok {
			w.Layer[layer] = 1
		}
	}
	return &Transfer{
		model:   m,
		p:       params,
		rng:     rng,
		log:     log,
		onStats: onStats,
		onImage: onImage,
		weights: w,
	}, nil
}

func buildWeights(p Params) (GradWeights, error) {
	var w GradWeights
	var err error
	if w.ContentLayers, w.Content, err = ParseWeights(p.ContentLayers, p.ContentWeight); err != nil {
		return w, err
	}
	if w.StyleLayers, w.Style, err = ParseWeights(p.StyleLayers, 1); err != nil {
		return w, err
	}
	if w.DDLayers, w.DD, err = ParseWeights(p.DDLayers, p.DDWeight); err != nil {
		return w, err
	}
	w.Layer = make(map[string]float32, len(p.LayerWeights))
	for layer, lw := range p.LayerWeights {
		w.Layer[layer] = lw
	}
	return w, nil
}

// ParseWeights parses "name" / "name:weight" entries and normalizes the
// weights so their magnitudes sum to master.
func ParseWeights(args []string, master float32) ([]string, map[string]float32, error) {
	names := make([]string, 0, len(args))
	weights := make(map[string]float32, len(args))
	var total float32
	for _, arg := range args {
		name, raw, hasWeight := strings.Cut(arg, ":")
		w := float32(1)
		if hasWeight && raw != "" {
			v, err := strconv.ParseFloat(raw, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("style: weight %q: %w", arg, err)
			}
			w = float32(v)
		}
		names = append(names, name)
		weights[name] = w
		total += abs32(w)
	}
	if total > 0 {
		for name, w := range weights {
			weights[name] = w * master / total
		}
	}
	return names, weights, nil
}

// Run performs style transfer at every scale of the schedule, smallest
// first. On context cancellation it returns the best iterate so far
// along with the context's error.
func (t *Transfer) Run(ctx context.Context, in Inputs) (*tensor.Tensor, error) {
	if len(in.Contents) == 0 || len(in.Styles) == 0 {
		return nil, fmt.Errorf("style: need at least one content and one style image")
	}
	ch, cw := in.Contents[0].HW()
	for _, c := range in.Contents[1:] {
		h, w := c.HW()
		if h != ch || w != cw {
			return nil, fmt.Errorf("style: all content images must be the same size")
		}
	}
	if len(in.StyleMasks) != 0 && len(in.StyleMasks) != len(in.Styles) {
		return nil, fmt.Errorf("style: %d style masks for %d style images", len(in.StyleMasks), len(in.Styles))
	}

	sizes := t.sizeSchedule()
	t.totalSteps = 0
	for i := range sizes {
		t.totalSteps += t.iterationsAt(i)
	}

	for i, size := range sizes {
		t.scale = i + 1
		if err := ctx.Err(); err != nil {
			return t.result(), err
		}

		contents := make([]ContentInput, 0, len(in.Contents))
		var h, w int
		for j, img := range in.Contents {
			scaled := imageio.ResizeToFit(img, size, true)
			sh, sw := scaled.HW()
			if j == 0 {
				h, w = sh, sw
			} else if sh != h || sw != w {
				return t.result(), fmt.Errorf("style: content images diverged at scale %d", t.scale)
			}
			ones := tensor.New(sh, sw)
			ones.Fill(1)
			contents = append(contents, ContentInput{
				Image: imageio.ToModel(scaled, t.p.Mean),
				Mask:  ones,
			})
		}
		t.log.Info().Int("scale", t.scale).Int("width", w).Int("height", h).Msg("starting scale")

		styleSize := int(math.Round(float64(size) * t.p.StyleScale))
		styles := make([]StyleInput, 0, len(in.Styles))
		for j, img := range in.Styles {
			scaled := imageio.ResizeToFit(img, styleSize, t.p.StyleScaleUp)
			mask := tensor.New(h, w)
			mask.Fill(1)
			if len(in.StyleMasks) > 0 {
				mask = tensor.Resample(in.StyleMasks[j], h, w, tensor.CatmullRom)
			}
			styles = append(styles, StyleInput{Image: imageio.ToModel(scaled, t.p.Mean), Mask: mask})
		}

		if in.Aux != nil {
			t.aux = imageio.ToModel(tensor.Resample(in.Aux, h, w, tensor.CatmullRom), t.p.Mean)
		}

		if t.optimizer == nil {
			t.initFirstScale(in, h, w)
		} else {
			t.model.SetImage(t.currentRaw)
			t.model.ResizeImage(h, w)
			t.optimizer.SetParams(t.model.Img)
		}

		if err := t.runScale(ctx, t.iterationsAt(i), contents, styles); err != nil {
			return t.result(), err
		}
	}
	return t.result(), nil
}

func (t *Transfer) initFirstScale(in Inputs, h, w int) {
	if in.Initial != nil {
		t.model.SetImage(imageio.ToModel(tensor.Resample(in.Initial, h, w, tensor.CatmullRom), t.p.Mean))
	} else {
		noise := tensor.New(3, h, w)
		for i := range noise.Data {
			noise.Data[i] = float32(t.rng.Float64() * 255)
		}
		t.model.SetImage(imageio.ToModel(noise, t.p.Mean))
	}
	t.optimizer = NewAdam(t.model.Img, t.p.StepSize, t.p.AvgWindow)

	if in.State != nil {
		t.optimizer.RestoreState(in.State)
		if !tensor.SameShape(t.model.Img, t.optimizer.Params) {
			restored := imageio.FromModel(t.optimizer.Params, t.p.Mean)
			t.model.SetImage(imageio.ToModel(tensor.Resample(restored, h, w, tensor.CatmullRom), t.p.Mean))
			t.optimizer.SetParams(t.model.Img)
		}
		t.model.Img = t.optimizer.Params
	}
}

func (t *Transfer) sizeSchedule() []int {
	sizes := []int{t.p.Size}
	size := float64(t.p.Size)
	for {
		size = math.Round(size / math.Sqrt2)
		if int(size) < t.p.MinSize {
			break
		}
		sizes = append(sizes, int(size))
	}
	// Smallest first.
	for i, j := 0, len(sizes)-1; i < j; i, j = i+1, j-1 {
		sizes[i], sizes[j] = sizes[j], sizes[i]
	}
	return sizes
}

func (t *Transfer) iterationsAt(scale int) int {
	if len(t.p.Iterations) == 0 {
		return 0
	}
	if scale >= len(t.p.Iterations) {
		scale = len(t.p.Iterations) - 1
	}
	return t.p.Iterations[scale]
}

func (t *Transfer) runScale(ctx context.Context, iterations int, contents []ContentInput, styles []StyleInput) error {
	if _, err := t.model.Preprocess(contents, styles, t.weights, t.p.TileSize, t.p.FeaturePasses); err != nil {
		return err
	}
	if err := t.model.PushReferences(); err != nil {
		return err
	}
	// Preprocessing evaluated reference images in place of the working
	// image; restore the optimizer's parameter alias.
	t.model.Img = t.optimizer.Params

	jitterScale := t.jitterScale()
	oldImg := t.model.Img.Clone()

	for step := 1; step <= iterations; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()

		h, w := t.model.Img.HW()
		var xy protocol.Offset
		if h > t.p.TileSize || w > t.p.TileSize {
			xy.Y = floorDiv(int((t.rng.Float64()-0.5)*float64(h)), jitterScale)
			xy.X = floorDiv(int((t.rng.Float64()-0.5)*float64(w)), jitterScale)
		}
		pixel := protocol.Offset{Y: xy.Y * jitterScale, X: xy.X * jitterScale}

		t.model.Roll(xy, jitterScale)
		t.optimizer.Roll(pixel)

		loss, grad, err := t.evalLossAndGrad(pixel)
		if err != nil {
			return err
		}
		avg := t.optimizer.Step(grad)

		t.model.Roll(protocol.Offset{Y: -xy.Y, X: -xy.X}, jitterScale)
		t.optimizer.Roll(protocol.Offset{Y: -pixel.Y, X: -pixel.X})

		perPixel := loss / float32(avg.Size())
		update := updateSize(avg, oldImg)
		copy(oldImg.Data, avg.Data)
		tv := tvStat(avg)

		t.currentRaw = avg
		t.doneSteps++
		observability.RecordIteration(perPixel, time.Since(started))

		if t.onImage != nil {
			t.onImage(imageio.FromModel(avg, t.p.Mean))
		}
		if t.onStats != nil {
			t.onStats(Stats{
				Scale:      t.scale,
				Step:       t.doneSteps,
				TotalSteps: t.totalSteps,
				Width:      w,
				Height:     h,
				Loss:       perPixel,
				UpdateSize: update,
				TVLoss:     tv,
				ImageNorm:  avg.MeanAbs(),
			})
		}
		t.log.Debug().
			Int("step", t.doneSteps).
			Float32("loss", perPixel).
			Float32("update", update).
			Msg("iteration")
	}
	return nil
}

// jitterScale is the stride of the first content layer visited on the
// backward pass; jitter offsets snap to it so rolled references stay
// aligned with the image.
func (t *Transfer) jitterScale() int {
	content := toSet(t.weights.ContentLayers)
	names := t.model.Layers()
	for i := len(names) - 1; i >= 0; i-- {
		if content[names[i]] {
			stride, _, err := t.model.LayerInfo(names[i])
			if err == nil {
				return stride
			}
		}
	}
	return featureJitterScale
}

func (t *Transfer) evalLossAndGrad(roll protocol.Offset) (float32, *tensor.Tensor, error) {
	loss, grad, err := t.model.EvalSCGrad(roll, t.weights, t.p.TileSize)
	if err != nil {
		return 0, nil, err
	}
	tensor.Normalize(grad)

	img := t.model.Img
	lw := t.weights.Layer["data"]

	// Total variation, with the borders smoothed harder to hide jitter
	// and tile seams.
	scaled := img.Clone()
	scaled.Scale(1.0 / 255)
	tvLoss, tvGrad := tensor.TVNorm(scaled, float64(t.p.TVPower))
	weightEdges(tvGrad, 5)
	loss += lw * t.p.TVWeight * tvLoss
	tensor.Axpy(lw*t.p.TVWeight, tvGrad, grad)

	// p-norm regularizer pulling pixels toward mid-gray.
	if t.p.PWeight != 0 {
		p := float64(t.p.PPower)
		var pLoss float64
		pGrad := tensor.ZerosLike(img)
		for c := 0; c < img.Channels(); c++ {
			offset := t.p.Mean[c] - 127.5
			src := img.Plane(c)
			dst := pGrad.Plane(c)
			for i, v := range src {
				is := math.Abs(float64(v+offset) / 127.5)
				ip := math.Pow(is, p-1)
				pLoss += ip * is
				dst[i] = float32(p * sign(v) * ip)
			}
		}
		loss += lw * t.p.PWeight * float32(pLoss)
		tensor.Axpy(lw*t.p.PWeight, pGrad, grad)
	}

	// Auxiliary image attraction.
	if t.aux != nil && t.p.AuxWeight != 0 {
		auxGrad := tensor.ZerosLike(img)
		for i, v := range img.Data {
			auxGrad.Data[i] = (v - t.aux.Data[i]) / 255
		}
		loss += lw * t.p.AuxWeight * tensor.Norm2(auxGrad)
		tensor.Axpy(lw*t.p.AuxWeight, auxGrad, grad)
	}
	return loss, grad, nil
}

// SaveState serializes the optimizer, image included, for later resume.
func (t *Transfer) SaveState(w io.Writer) error {
	if t.optimizer == nil {
		return fmt.Errorf("style: no optimizer state to save")
	}
	return t.optimizer.SaveState(w)
}

func (t *Transfer) result() *tensor.Tensor {
	if t.currentRaw == nil {
		return nil
	}
	return imageio.FromModel(t.currentRaw, t.p.Mean)
}

// weightEdges multiplies a two-pixel border of every channel by v.
func weightEdges(t *tensor.Tensor, v float32) {
	h, w := t.HW()
	for c := 0; c < t.Channels(); c++ {
		p := t.Plane(c)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if y < 2 || y >= h-2 || x < 2 || x >= w-2 {
					p[y*w+x] *= v
				}
			}
		}
	}
}

func updateSize(a, b *tensor.Tensor) float32 {
	if !tensor.SameShape(a, b) {
		return float32(math.NaN())
	}
	var sum float64
	for i, v := range a.Data {
		sum += math.Abs(float64(v - b.Data[i]))
	}
	return float32(sum / float64(len(a.Data)))
}

// tvStat is the mean squared neighbor difference with wraparound,
// reported for logging only.
func tvStat(t *tensor.Tensor) float32 {
	h, w := t.HW()
	var sum float64
	for c := 0; c < t.Channels(); c++ {
		p := t.Plane(c)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := float64(p[y*w+x])
				dx := v - float64(p[y*w+(x+1)%w])
				dy := v - float64(p[((y+1)%h)*w+x])
				sum += dx*dx + dy*dy
			}
		}
	}
	return float32(sum / float64(t.Size()))
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v float32) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
