package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/moodloop/moodloop/internal/vision"
)

// DefaultThrottle is the minimum spacing between accepted frames. Frames
// arriving sooner are dropped without entering the pipeline.
const DefaultThrottle = time.Second

// Analyzer is the frame intake in front of the pipeline. It enforces the hard
// per-frame throttle and admits at most one in-flight classification; every
// frame beyond that is dropped immediately. Latency beats completeness here,
// the producer always has a fresher frame coming.
type Analyzer struct {
	pipe     *Pipeline
	throttle time.Duration
	sink     func(Result)
	log      *zap.SugaredLogger

	mu           sync.Mutex
	classifyMu   sync.Mutex
	inFlight     bool
	lastAccepted time.Time

	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// NewAnalyzer wires a pipeline to a result sink. The sink is called once per
// accepted frame, on the classification goroutine; it must not retain result
// buffers past its return; the analyzer releases them afterwards.
func NewAnalyzer(pipe *Pipeline, throttle time.Duration, sink func(Result), log *zap.SugaredLogger) *Analyzer {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if sink == nil {
		sink = func(Result) {}
	}
	return &Analyzer{pipe: pipe, throttle: throttle, sink: sink, log: log}
}

// OnFrame offers a frame for classification. Returns false if the frame was
// dropped (throttled or a classification is already in flight); dropped
// frames are released here and never enter the pipeline.
func (a *Analyzer) OnFrame(ctx context.Context, frame *vision.Frame) bool {
	if frame == nil {
		return false
	}
	now := time.Now()

	a.mu.Lock()
	if a.inFlight || now.Sub(a.lastAccepted) < a.throttle {
		a.mu.Unlock()
		frame.Release()
		a.dropped.Add(1)
		return false
	}
	a.inFlight = true
	a.lastAccepted = now
	a.mu.Unlock()

	a.accepted.Add(1)
	go a.classify(ctx, frame)
	return true
}

func (a *Analyzer) classify(ctx context.Context, frame *vision.Frame) {
	defer func() {
		a.mu.Lock()
		a.inFlight = false
		a.mu.Unlock()
	}()

	a.classifyMu.Lock()
	result := a.pipe.Classify(ctx, frame)
	a.classifyMu.Unlock()

	a.sink(result)
	result.ReleaseOwned()
}

// ClassifyNow runs one synchronous classification, bypassing the throttle but
// still serialized with the frame-driven slot. Used by the one-shot HTTP
// surface. The caller receives ownership of the result's buffers.
func (a *Analyzer) ClassifyNow(ctx context.Context, frame *vision.Frame) Result {
	a.classifyMu.Lock()
	defer a.classifyMu.Unlock()
	return a.pipe.Classify(ctx, frame)
}

// AnalyzerStats is a snapshot of intake accounting.
type AnalyzerStats struct {
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
	InFlight bool   `json:"in_flight"`
}

// Stats returns intake counters.
func (a *Analyzer) Stats() AnalyzerStats {
	a.mu.Lock()
	inFlight := a.inFlight
	a.mu.Unlock()
	return AnalyzerStats{
		Accepted: a.accepted.Load(),
		Dropped:  a.dropped.Load(),
		InFlight: inFlight,
	}
}
