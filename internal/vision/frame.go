// Package vision holds the image-side types shared by the detection pipeline:
// release-tracked pixel buffers, camera frames, bounding regions and the face
// locator contract.
//
// Pixel data is shared by reference and must not be mutated after handoff.
// Ownership is explicit: whoever holds a live *Image or *Frame must release it
// exactly once, and reads after Release are invalid.
package vision

import (
	"image"
	"sync/atomic"
	"time"
)

// Image is a release-tracked pixel buffer. Release is idempotent but a
// double-release is still visible through ReleaseCount, so tests can verify
// the pipeline's ownership discipline.
type Image struct {
	img      image.Image
	released atomic.Bool
	releases atomic.Int64
}

// NewImage wraps img in a release-tracked buffer.
func NewImage(img image.Image) *Image {
	return &Image{img: img}
}

// Pixels returns the wrapped pixels, or nil after Release.
func (b *Image) Pixels() image.Image {
	if b == nil || b.released.Load() {
		return nil
	}
	return b.img
}

// Bounds returns the pixel bounds, or the zero rectangle after Release.
func (b *Image) Bounds() image.Rectangle {
	if img := b.Pixels(); img != nil {
		return img.Bounds()
	}
	return image.Rectangle{}
}

// Release drops the pixel reference. Safe to call more than once.
func (b *Image) Release() {
	if b == nil {
		return
	}
	b.releases.Add(1)
	if b.released.CompareAndSwap(false, true) {
		b.img = nil
	}
}

// Released reports whether the buffer has been released.
func (b *Image) Released() bool {
	return b == nil || b.released.Load()
}

// ReleaseCount returns how many times Release was called.
func (b *Image) ReleaseCount() int64 {
	if b == nil {
		return 0
	}
	return b.releases.Load()
}

// Frame is one captured camera frame. Seq is assigned by the producer and is
// monotonically increasing; Timestamp is capture time, not processing time.
type Frame struct {
	*Image
	Seq       uint64
	Timestamp time.Time
}

// NewFrame wraps img as a frame with the given sequence number and capture time.
func NewFrame(img image.Image, seq uint64, ts time.Time) *Frame {
	return &Frame{Image: NewImage(img), Seq: seq, Timestamp: ts}
}
