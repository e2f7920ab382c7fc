// Package pipeline chains the detection sub-stages for one frame: locate a
// face, crop it, preprocess to the model tensor layout, run inference and
// post-process the scores. Every intermediate buffer a classification
// allocates is released before Classify returns, except the ones referenced
// by the returned result.
package pipeline

import (
	"github.com/moodloop/moodloop/internal/emotion"
	"github.com/moodloop/moodloop/internal/vision"
)

// ResultKind discriminates the classification outcome variants.
type ResultKind int

const (
	// KindSuccess carries a label, a confidence and the visualization buffer.
	KindSuccess ResultKind = iota
	// KindNoFace returns the original frame to the caller; nothing else was
	// allocated.
	KindNoFace
	// KindError carries an ErrorKind, a message and an optional cause.
	KindError
	// KindLoading means the model is being loaded by another call; retry.
	KindLoading
)

func (k ResultKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindNoFace:
		return "no-face"
	case KindError:
		return "error"
	case KindLoading:
		return "loading"
	default:
		return "unknown"
	}
}

// ErrorKind is the classification failure taxonomy.
type ErrorKind int

const (
	// ErrorInvalidInput: nil or already-released frame. Not retried.
	ErrorInvalidInput ErrorKind = iota
	// ErrorModelUnavailable: load failed. Retried on the next Classify call.
	ErrorModelUnavailable
	// ErrorFaceExtractionFailed: locator failure or degenerate crop.
	ErrorFaceExtractionFailed
	// ErrorPreprocessingFailed: tensor conversion failed for this frame.
	ErrorPreprocessingFailed
	// ErrorInferenceFailed: run failed; counted toward forced reload.
	ErrorInferenceFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorInvalidInput:
		return "invalid-input"
	case ErrorModelUnavailable:
		return "model-unavailable"
	case ErrorFaceExtractionFailed:
		return "face-extraction-failed"
	case ErrorPreprocessingFailed:
		return "preprocessing-failed"
	case ErrorInferenceFailed:
		return "inference-failed"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of one classification. Exactly one variant is
// active; callers switch on Kind and must handle all four.
type Result struct {
	kind ResultKind

	// Success fields.
	Label         emotion.Label
	Confidence    float64
	Visualization *vision.Image

	// NoFace field: ownership of the original frame passes to the caller.
	Frame *vision.Frame

	// Error fields.
	ErrKind ErrorKind
	Message string
	Cause   error
}

// Kind returns the active variant.
func (r Result) Kind() ResultKind {
	return r.kind
}

// ReleaseOwned releases whatever buffers the result still references. Callers
// that are done with a result must call this exactly once.
func (r Result) ReleaseOwned() {
	if r.Visualization != nil {
		r.Visualization.Release()
	}
	if r.Frame != nil {
		r.Frame.Release()
	}
}

// Success builds the success variant; the result takes over the
// visualization buffer.
func Success(label emotion.Label, confidence float64, viz *vision.Image) Result {
	return Result{kind: KindSuccess, Label: label, Confidence: confidence, Visualization: viz}
}

// NoFace builds the no-face variant; frame ownership moves into the result.
func NoFace(frame *vision.Frame) Result {
	return Result{kind: KindNoFace, Frame: frame}
}

// Failure builds the error variant. cause may be nil.
func Failure(kind ErrorKind, message string, cause error) Result {
	return Result{kind: KindError, ErrKind: kind, Message: message, Cause: cause}
}

// Loading builds the transient loading variant.
func Loading(message string) Result {
	return Result{kind: KindLoading, Message: message}
}
