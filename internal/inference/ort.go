package inference

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ORTBackend binds models through ONNX Runtime. The runtime environment is
// initialized once per process, on first Load.
type ORTBackend struct {
	// LibraryPath optionally points at the onnxruntime shared library.
	LibraryPath string

	log     *zap.SugaredLogger
	once    sync.Once
	initErr error
}

// NewORTBackend creates a backend. libraryPath may be empty to use the
// system's default library resolution.
func NewORTBackend(libraryPath string, log *zap.SugaredLogger) *ORTBackend {
	return &ORTBackend{LibraryPath: libraryPath, log: log}
}

func (b *ORTBackend) init() error {
	b.once.Do(func() {
		if b.LibraryPath != "" {
			ort.SetSharedLibraryPath(b.LibraryPath)
		}
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				b.initErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
				return
			}
		}
		if !ort.IsInitialized() {
			b.initErr = fmt.Errorf("ONNX environment reported uninitialized after setup")
		}
	})
	return b.initErr
}

// Load implements Backend. The accelerated path appends the CUDA execution
// provider; failures tear down all options and tensors before returning.
func (b *ORTBackend) Load(model []byte, opts LoadOptions) (Session, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	if len(model) == 0 {
		return nil, fmt.Errorf("empty model payload")
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("failed to read model descriptors: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("expected 1 input and 1 output, got %d/%d", len(inputs), len(outputs))
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOpts.Destroy()

	if opts.Accelerated {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create accelerator options: %w", err)
		}
		if !opts.DisableSerialization && opts.CacheDir != "" {
			// Conservative arena growth keeps serialized bindings reusable
			// across loads from the same cache directory.
			if err := cudaOpts.Update(map[string]string{
				"arena_extend_strategy": "kSameAsRequested",
			}); err != nil {
				cudaOpts.Destroy()
				return nil, fmt.Errorf("failed to configure accelerator serialization: %w", err)
			}
		}
		if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			cudaOpts.Destroy()
			return nil, fmt.Errorf("failed to bind accelerator: %w", err)
		}
		cudaOpts.Destroy()
	}

	inputShape := concreteShape(inputs[0].Dimensions)
	outputShape := concreteShape(outputs[0].Dimensions)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(model,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		sessionOpts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if b.log != nil {
		b.log.Infow("model session bound",
			"accelerated", opts.Accelerated,
			"input", inputs[0].Name, "output", outputs[0].Name)
	}
	return &ortSession{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputInfo:    TensorInfo{Name: inputs[0].Name, Shape: inputShape},
		outputInfo:   TensorInfo{Name: outputs[0].Name, Shape: outputShape},
	}, nil
}

// concreteShape replaces dynamic (batch) dimensions with 1.
func concreteShape(dims ort.Shape) []int64 {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
	}
	return shape
}

type ortSession struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputInfo    TensorInfo
	outputInfo   TensorInfo
	destroyed    bool
}

func (s *ortSession) Run(input []float32) ([]float32, error) {
	if s.destroyed {
		return nil, fmt.Errorf("session destroyed")
	}
	dst := s.inputTensor.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInvalidInput, len(dst), len(input))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, err
	}

	src := s.outputTensor.GetData()
	out := make([]float32, len(src))
	copy(out, src)
	return out, nil
}

func (s *ortSession) InputInfo() (TensorInfo, error) {
	if s.destroyed || s.inputTensor == nil {
		return TensorInfo{}, fmt.Errorf("input tensor unavailable")
	}
	return s.inputInfo, nil
}

func (s *ortSession) OutputInfo() (TensorInfo, error) {
	if s.destroyed || s.outputTensor == nil {
		return TensorInfo{}, fmt.Errorf("output tensor unavailable")
	}
	return s.outputInfo, nil
}

func (s *ortSession) Destroy() error {
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	return nil
}
