package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"go.uber.org/zap"

	"github.com/moodloop/moodloop/internal/emotion"
	"github.com/moodloop/moodloop/internal/inference"
	"github.com/moodloop/moodloop/internal/vision"
)

// DefaultPadding is the crop margin added around the selected face region,
// as a fraction of its width/height per side.
const DefaultPadding = 0.2

// DefaultFailureThreshold is the number of consecutive inference failures
// that forces a full model reload.
const DefaultFailureThreshold = 2

// Pipeline runs one end-to-end classification per Classify call. It owns all
// intermediate buffers of a call; only the buffers referenced by the returned
// result stay live.
//
// Classify is not safe for concurrent calls: the surrounding Analyzer admits
// at most one in-flight classification, and the consecutive-failure counter
// relies on that.
type Pipeline struct {
	resource *inference.Resource
	locator  vision.Locator
	pre      *Preprocessor
	model    []byte
	hint     inference.Hint

	padding   float64
	threshold int
	failures  int

	log *zap.SugaredLogger
}

// New creates a pipeline around an inference resource and a face locator.
// model is the payload handed to the resource whenever a (re)load is needed.
func New(resource *inference.Resource, locator vision.Locator, pre *Preprocessor,
	model []byte, hint inference.Hint, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		resource:  resource,
		locator:   locator,
		pre:       pre,
		model:     model,
		hint:      hint,
		padding:   DefaultPadding,
		threshold: DefaultFailureThreshold,
		log:       log,
	}
}

// SetPadding overrides the crop padding fraction.
func (p *Pipeline) SetPadding(padding float64) {
	if padding >= 0 {
		p.padding = padding
	}
}

// SetFailureThreshold overrides the consecutive-failure reload threshold.
func (p *Pipeline) SetFailureThreshold(n int) {
	if n > 0 {
		p.threshold = n
	}
}

// ConsecutiveFailures returns the current failure streak.
func (p *Pipeline) ConsecutiveFailures() int {
	return p.failures
}

// Classify runs the full detection chain on one frame. The pipeline takes
// ownership of frame; it stays live only when referenced by the result
// (the NoFace variant). All other paths release it before returning.
func (p *Pipeline) Classify(ctx context.Context, frame *vision.Frame) Result {
	if frame == nil || frame.Released() {
		return Failure(ErrorInvalidInput, "frame is nil or already released", nil)
	}

	if p.resource.State() == inference.StateLoading {
		frame.Release()
		return Loading("model is loading")
	}
	if !p.resource.State().CanRun() || !p.resource.HealthCheck() {
		if err := p.resource.Load(p.model, p.hint); err != nil {
			frame.Release()
			return Failure(ErrorModelUnavailable, "model load failed", err)
		}
	}

	regions, err := p.locator.Locate(ctx, frame)
	if err != nil {
		frame.Release()
		return Failure(ErrorFaceExtractionFailed, "face locator failed", err)
	}
	if len(regions) == 0 {
		// Frame ownership passes to the caller; nothing else was allocated.
		return NoFace(frame)
	}

	viz := renderOverlay(frame.Pixels(), regions)

	region, _ := vision.SelectRegion(regions)
	cropRect := vision.PadAndClamp(region.Rect, p.padding, frame.Bounds())
	if cropRect.Dx() <= 0 || cropRect.Dy() <= 0 {
		viz.Release()
		frame.Release()
		return Failure(ErrorFaceExtractionFailed,
			fmt.Sprintf("degenerate crop %v for region %v", cropRect, region.Rect), nil)
	}

	crop := vision.NewImage(cropTo(frame.Pixels(), cropRect))
	tensor, err := p.pre.TensorFrom(crop.Pixels())
	crop.Release()
	if err != nil {
		viz.Release()
		frame.Release()
		return Failure(ErrorPreprocessingFailed, "tensor conversion failed", err)
	}

	scores, err := p.resource.Run(tensor)
	p.pre.Recycle(tensor)
	if err != nil {
		p.failures++
		if p.failures >= p.threshold {
			if rerr := p.resource.Reload(); rerr != nil && p.log != nil {
				p.log.Warnw("forced reload failed", "error", rerr)
			} else if p.log != nil {
				p.log.Infow("forced reload after consecutive inference failures",
					"failures", p.failures)
			}
			p.failures = 0
		}
		viz.Release()
		frame.Release()
		return Failure(ErrorInferenceFailed, "inference failed", err)
	}

	probs := Softmax(scores)
	idx := ArgMax(probs)
	label, ok := emotion.FromIndex(idx)
	if !ok {
		viz.Release()
		frame.Release()
		return Failure(ErrorInferenceFailed,
			fmt.Sprintf("score vector of length %d has no class mapping", len(scores)), nil)
	}

	p.failures = 0
	frame.Release()
	return Success(label, clamp01(probs[idx]), viz)
}

var overlayColor = color.RGBA{R: 0, G: 220, B: 90, A: 255}

// renderOverlay copies the frame pixels and outlines every detected region.
// The overlay is independent of which region gets classified.
func renderOverlay(src image.Image, regions []vision.Region) *vision.Image {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)
	for _, region := range regions {
		drawRect(dst, region.Rect.Intersect(bounds))
	}
	return vision.NewImage(dst)
}

func drawRect(dst *image.RGBA, r image.Rectangle) {
	if r.Empty() {
		return
	}
	const thickness = 2
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.SetRGBA(x, r.Min.Y+t, overlayColor)
			dst.SetRGBA(x, r.Max.Y-1-t, overlayColor)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			dst.SetRGBA(r.Min.X+t, y, overlayColor)
			dst.SetRGBA(r.Max.X-1-t, y, overlayColor)
		}
	}
}
