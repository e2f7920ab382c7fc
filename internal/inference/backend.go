package inference

// LoadOptions control how a session binds to compute.
type LoadOptions struct {
	// Accelerated requests the hardware execution provider.
	Accelerated bool
	// CacheDir points at the on-disk serialization cache; empty disables it.
	CacheDir string
	// DisableSerialization skips acceleration-specific serialization options.
	// Used on the second binding attempt after a serialized bind fails.
	DisableSerialization bool
}

// TensorInfo describes one bound tensor endpoint.
type TensorInfo struct {
	Name  string
	Shape []int64
}

// Elements returns the flattened element count of the tensor shape.
// Dynamic dimensions (<= 0) count as 1.
func (t TensorInfo) Elements() int {
	n := 1
	for _, d := range t.Shape {
		if d > 0 {
			n *= int(d)
		}
	}
	return n
}

// Session is one bound model instance. Implementations are not safe for
// concurrent use; the Resource serializes all access.
type Session interface {
	// Run executes one inference. The input length must match the input
	// tensor's element count.
	Run(input []float32) ([]float32, error)
	// InputInfo returns the input tensor descriptor, or an error if the
	// binding can no longer be inspected.
	InputInfo() (TensorInfo, error)
	// OutputInfo returns the output tensor descriptor.
	OutputInfo() (TensorInfo, error)
	// Destroy releases the binding. Idempotent.
	Destroy() error
}

// Backend creates sessions from a model payload. A failed Load must tear down
// everything it allocated; it never returns a partially bound session.
type Backend interface {
	Load(model []byte, opts LoadOptions) (Session, error)
}
