package vision

import (
	"context"
	"image"
)

// Region is one detected face bounding box with its detector score.
type Region struct {
	Rect  image.Rectangle
	Score float64
}

// Area returns the region's pixel area.
func (r Region) Area() int {
	return r.Rect.Dx() * r.Rect.Dy()
}

// Locator finds face bounding regions in a frame. An empty slice is a valid,
// non-error result. Implementations may suspend on external calls.
type Locator interface {
	Locate(ctx context.Context, frame *Frame) ([]Region, error)
}

// SelectRegion picks the region with the largest bounding area. Equal areas
// keep the first region in locator order. Returns false for an empty slice.
func SelectRegion(regions []Region) (Region, bool) {
	if len(regions) == 0 {
		return Region{}, false
	}
	best := regions[0]
	for _, r := range regions[1:] {
		if r.Area() > best.Area() {
			best = r
		}
	}
	return best, true
}

// FullFrameLocator treats the whole frame as a single face region. It serves
// deployments where an upstream camera service already crops to the face
// before uploading frames.
type FullFrameLocator struct{}

func (FullFrameLocator) Locate(_ context.Context, frame *Frame) ([]Region, error) {
	return []Region{{Rect: frame.Bounds(), Score: 1.0}}, nil
}

// PadAndClamp grows r by pad (a fraction of its width/height per side) and
// clamps the result to bounds. The result may be degenerate if r lies outside
// bounds; callers must check Dx/Dy.
func PadAndClamp(r image.Rectangle, pad float64, bounds image.Rectangle) image.Rectangle {
	dx := int(float64(r.Dx()) * pad)
	dy := int(float64(r.Dy()) * pad)
	padded := image.Rect(r.Min.X-dx, r.Min.Y-dy, r.Max.X+dx, r.Max.Y+dy)
	return padded.Intersect(bounds)
}
