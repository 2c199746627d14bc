// Package imageio converts between image files and the float32 CHW
// tensors the rest of the pipeline works in. Decoded pixels are kept in
// [0, 255]; model space is BGR channel order with the dataset mean
// subtracted.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/stylectl/internal/tensor"
)

// DefaultMean is the BGR channel mean of the ILSVRC training set, the
// convention the network weights were trained under.
var DefaultMean = [3]float32{103.939, 116.779, 123.68}

// Load decodes a PNG or JPEG file into an RGB CHW tensor in [0, 255].
func Load(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imageio: decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// FromImage converts a decoded image into an RGB CHW tensor.
func FromImage(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	t := tensor.New(3, h, w)
	rp, gp, bp := t.Plane(0), t.Plane(1), t.Plane(2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			rp[i] = float32(r >> 8)
			gp[i] = float32(g >> 8)
			bp[i] = float32(bl >> 8)
		}
	}
	return t
}

// ToImage converts an RGB CHW tensor in [0, 255] to an image, clipping
// out-of-range values.
func ToImage(t *tensor.Tensor) *image.NRGBA {
	h, w := t.HW()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rp, gp, bp := t.Plane(0), t.Plane(1), t.Plane(2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: clip8(rp[i]),
				G: clip8(gp[i]),
				B: clip8(bp[i]),
				A: 255,
			})
		}
	}
	return img
}

// Save writes an RGB CHW tensor as PNG or JPEG based on the file
// extension. Unknown extensions fall back to PNG.
func Save(path string, t *tensor.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("imageio: %w", err)
	}
	defer f.Close()
	img := ToImage(t)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		return fmt.Errorf("imageio: encode %s: %w", path, err)
	}
	return f.Close()
}

// ToModel converts an RGB [0, 255] tensor into model space: BGR channel
// order with mean subtracted.
func ToModel(t *tensor.Tensor, mean [3]float32) *tensor.Tensor {
	h, w := t.HW()
	out := tensor.New(3, h, w)
	for c := 0; c < 3; c++ {
		src := t.Plane(2 - c)
		dst := out.Plane(c)
		for i, v := range src {
			dst[i] = v - mean[c]
		}
	}
	return out
}

// FromModel is the inverse of ToModel.
func FromModel(t *tensor.Tensor, mean [3]float32) *tensor.Tensor {
	h, w := t.HW()
	out := tensor.New(3, h, w)
	for c := 0; c < 3; c++ {
		src := t.Plane(c)
		dst := out.Plane(2 - c)
		for i, v := range src {
			dst[i] = v + mean[c]
		}
	}
	return out
}

// ResizeToFit scales an image tensor so its long edge equals size,
// preserving aspect ratio. Images already smaller are returned
// unchanged unless scaleUp is set.
func ResizeToFit(t *tensor.Tensor, size int, scaleUp bool) *tensor.Tensor {
	h, w := t.HW()
	long := h
	if w > long {
		long = w
	}
	if long == size || (long < size && !scaleUp) {
		return t
	}
	ratio := float64(size) / float64(long)
	nh := int(math.Round(float64(h) * ratio))
	nw := int(math.Round(float64(w) * ratio))
	if nh < 1 {
		nh = 1
	}
	if nw < 1 {
		nw = 1
	}
	return tensor.Resample(t, nh, nw, tensor.CatmullRom)
}

func clip8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
