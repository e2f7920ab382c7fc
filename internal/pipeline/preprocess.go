package pipeline

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"

	"github.com/moodloop/moodloop/internal/vision"
)

// Preprocessor converts a face crop into the fixed tensor layout the model
// expects: center-square crop, resize to Size, per-channel normalization
// (value/255 − mean)/std, channel-first interleave.
type Preprocessor struct {
	Size int
	Mean [3]float32
	Std  [3]float32

	pool *vision.TensorPool
}

// NewPreprocessor creates a preprocessor for the given square edge size.
func NewPreprocessor(size int, mean, std [3]float32, pool *vision.TensorPool) *Preprocessor {
	if pool == nil {
		pool = vision.NewTensorPool()
	}
	return &Preprocessor{Size: size, Mean: mean, Std: std, pool: pool}
}

// TensorLen returns the length of tensors produced by TensorFrom.
func (p *Preprocessor) TensorLen() int {
	return 3 * p.Size * p.Size
}

// TensorFrom builds the model input tensor from img. The returned buffer is
// borrowed from the pool; the caller must return it with Recycle on every
// path once inference is done.
func (p *Preprocessor) TensorFrom(img image.Image) ([]float32, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("empty image bounds %v", bounds)
	}

	square := centerSquare(bounds)
	cropped := cropTo(img, square)

	resized := resize.Resize(uint(p.Size), uint(p.Size), cropped, resize.Lanczos3)
	rb := resized.Bounds()
	width, height := rb.Dx(), rb.Dy()
	if width != p.Size || height != p.Size {
		return nil, fmt.Errorf("resize produced %dx%d, expected %dx%d", width, height, p.Size, p.Size)
	}

	plane := width * height
	tensor := p.pool.Get(3 * plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			idx := y*width + x
			tensor[idx] = (float32(r)/65535.0 - p.Mean[0]) / p.Std[0]
			tensor[plane+idx] = (float32(g)/65535.0 - p.Mean[1]) / p.Std[1]
			tensor[2*plane+idx] = (float32(b)/65535.0 - p.Mean[2]) / p.Std[2]
		}
	}
	return tensor, nil
}

// Recycle returns a tensor borrowed by TensorFrom to the pool.
func (p *Preprocessor) Recycle(tensor []float32) {
	p.pool.Put(tensor)
}

// Pool exposes the underlying tensor pool, mainly for leak assertions.
func (p *Preprocessor) Pool() *vision.TensorPool {
	return p.pool
}

// centerSquare returns the largest centered square inside bounds.
func centerSquare(bounds image.Rectangle) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	edge := w
	if h < edge {
		edge = h
	}
	x0 := bounds.Min.X + (w-edge)/2
	y0 := bounds.Min.Y + (h-edge)/2
	return image.Rect(x0, y0, x0+edge, y0+edge)
}

// cropTo copies the rect region of img into a fresh RGBA buffer.
func cropTo(img image.Image, rect image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			dst.Set(x, y, img.At(rect.Min.X+x, rect.Min.Y+y))
		}
	}
	return dst
}
