package inference

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotLoaded is returned by Run when no model is bound.
	ErrNotLoaded = errors.New("inference resource not loaded")
	// ErrLoadFailed wraps a load ladder that exhausted every binding attempt.
	ErrLoadFailed = errors.New("model load failed")
	// ErrInvalidInput is returned for a nil or wrongly sized input tensor.
	ErrInvalidInput = errors.New("invalid input tensor")
	// ErrInferenceFailed wraps a run failure on an otherwise healthy binding.
	ErrInferenceFailed = errors.New("inference failed")
	// ErrAcceleratorFault marks a run failure attributed to the accelerator;
	// the binding is released and the resource must be loaded again.
	ErrAcceleratorFault = errors.New("accelerator fault")
)

// ResourceError carries the operation and model fingerprint alongside the
// underlying cause.
type ResourceError struct {
	Op    string
	Model string
	Err   error
}

func (e *ResourceError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("inference %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("inference %s (model %s): %v", e.Op, shortFingerprint(e.Model), e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

func wrapErr(op, model string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Op: op, Model: model, Err: err}
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// acceleratorFaultMarkers are substrings of runtime error messages that
// indicate the failure came from the accelerator binding rather than from the
// input or the model itself.
var acceleratorFaultMarkers = []string{
	"cuda", "cudnn", "cublas", "tensorrt", "gpu", "device", "provider",
}

func isAcceleratorFault(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range acceleratorFaultMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
