package inference

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of the inference resource.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReadyAccelerated
	StateReadyFallback
	StateDegraded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReadyAccelerated:
		return "ready-accelerated"
	case StateReadyFallback:
		return "ready-fallback"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanRun reports whether Run may be attempted in this state. Degraded means
// the warm-up inference failed after a successful bind; the binding is usable
// but HealthCheck re-verifies it before promotion.
func (s State) CanRun() bool {
	switch s {
	case StateReadyAccelerated, StateReadyFallback, StateDegraded:
		return true
	default:
		return false
	}
}

// Hint selects the binding ladder used by Load.
type Hint int

const (
	// HintAuto tries the accelerated path and falls back.
	HintAuto Hint = iota
	// HintAccelerated is the same ladder as HintAuto; kept distinct so config
	// can express intent explicitly.
	HintAccelerated
	// HintFallbackOnly skips the accelerated attempts entirely.
	HintFallbackOnly
)

// ParseHint maps a config string to a Hint. Unknown values mean auto.
func ParseHint(s string) Hint {
	switch s {
	case "accelerated", "gpu":
		return HintAccelerated
	case "fallback", "cpu":
		return HintFallbackOnly
	default:
		return HintAuto
	}
}

// Resource owns the loaded model and its compute binding. Exactly one exists
// per process. All Load/Run/Unload calls are serialized through a capacity-1
// gate; the binding is never touched from two callers at once.
type Resource struct {
	backend Backend
	cache   *Cache
	metrics *Metrics
	log     *zap.SugaredLogger

	gate chan struct{}

	mu          sync.Mutex
	state       State
	session     Session
	fingerprint string
	model       []byte
	hint        Hint
	accelerated bool
}

// New creates an unloaded resource. cache may be nil.
func New(backend Backend, cache *Cache, log *zap.SugaredLogger) *Resource {
	return &Resource{
		backend: backend,
		cache:   cache,
		metrics: NewMetrics(),
		log:     log,
		gate:    make(chan struct{}, 1),
	}
}

func (r *Resource) acquire() { r.gate <- struct{}{} }
func (r *Resource) release() { <-r.gate }

// State returns the current lifecycle state.
func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Fingerprint returns the content fingerprint of the loaded model, or empty.
func (r *Resource) Fingerprint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fingerprint
}

// Metrics returns the resource's counters.
func (r *Resource) Metrics() *Metrics {
	return r.metrics
}

// Load binds model to compute. The ladder is: accelerated with the
// serialization cache, accelerated without serialization options, then the
// fallback path. Every failed attempt is fully torn down before the next one.
// A successful bind runs one synthetic zero-input warm-up inference; warm-up
// failure leaves the resource Degraded but does not fail the load.
func (r *Resource) Load(model []byte, hint Hint) error {
	if len(model) == 0 {
		return wrapErr("load", "", ErrInvalidInput)
	}
	r.acquire()
	defer r.release()
	return r.load(model, hint)
}

// Reload repeats the last successful Load with the retained model payload.
// Used by the pipeline's consecutive-failure escalation.
func (r *Resource) Reload() error {
	r.acquire()
	defer r.release()

	r.mu.Lock()
	model, hint := r.model, r.hint
	r.mu.Unlock()
	if len(model) == 0 {
		return wrapErr("reload", "", ErrNotLoaded)
	}
	r.teardown()
	r.metrics.RecordReload()
	return r.load(model, hint)
}

func (r *Resource) load(model []byte, hint Hint) error {
	fp := Fingerprint(model)

	r.mu.Lock()
	r.state = StateLoading
	r.mu.Unlock()
	r.teardown()

	payload := model
	if hint != HintFallbackOnly && r.cache != nil {
		artifact, hit := r.cache.Lookup(fp)
		r.metrics.RecordCacheHit(hit)
		if hit {
			payload = artifact
			if r.log != nil {
				r.log.Debugw("serialization cache hit", "fingerprint", shortFingerprint(fp))
			}
		}
	}

	var attempts []LoadOptions
	if hint != HintFallbackOnly {
		attempts = append(attempts,
			LoadOptions{Accelerated: true, CacheDir: r.cache.Dir()},
			LoadOptions{Accelerated: true, DisableSerialization: true},
		)
	}
	attempts = append(attempts, LoadOptions{})

	var session Session
	var bound LoadOptions
	var lastErr error
	for _, opts := range attempts {
		s, err := r.backend.Load(payload, opts)
		if err != nil {
			lastErr = err
			if r.log != nil {
				r.log.Warnw("binding attempt failed",
					"accelerated", opts.Accelerated,
					"serialization", !opts.DisableSerialization,
					"error", err)
			}
			continue
		}
		session, bound = s, opts
		break
	}
	if session == nil {
		r.mu.Lock()
		r.state = StateUnloaded
		r.mu.Unlock()
		return wrapErr("load", fp, fmt.Errorf("%w: %w", ErrLoadFailed, lastErr))
	}

	if bound.Accelerated && r.cache != nil {
		if err := r.cache.Store(fp, model); err != nil && r.log != nil {
			r.log.Warnw("failed to store serialization artifact", "error", err)
		}
	}

	state := StateReadyFallback
	if bound.Accelerated {
		state = StateReadyAccelerated
	}

	// Pay first-call initialization eagerly. A failed warm-up is a health
	// concern, not a load failure.
	if err := warmUp(session); err != nil {
		state = StateDegraded
		if r.log != nil {
			r.log.Warnw("warm-up inference failed", "error", err)
		}
	}

	r.mu.Lock()
	r.session = session
	r.state = state
	r.fingerprint = fp
	r.model = model
	r.hint = hint
	r.accelerated = bound.Accelerated
	r.mu.Unlock()

	if r.log != nil {
		r.log.Infow("model loaded",
			"state", state.String(), "fingerprint", shortFingerprint(fp))
	}
	return nil
}

func warmUp(session Session) error {
	info, err := session.InputInfo()
	if err != nil {
		return err
	}
	_, err = session.Run(make([]float32, info.Elements()))
	return err
}

// Run executes one inference. A failure attributed to the accelerator drives
// the state to Failed and releases the binding; subsequent Run calls fail
// until Load is called again. Other failures leave the load state untouched.
func (r *Resource) Run(input []float32) ([]float32, error) {
	r.acquire()
	defer r.release()

	r.mu.Lock()
	state, session, fp := r.state, r.session, r.fingerprint
	r.mu.Unlock()

	if !state.CanRun() || session == nil {
		return nil, wrapErr("run", fp, ErrNotLoaded)
	}
	if len(input) == 0 {
		return nil, wrapErr("run", fp, ErrInvalidInput)
	}

	start := time.Now()
	out, err := session.Run(input)
	r.metrics.RecordInference(time.Since(start), err)
	if err != nil {
		if isAcceleratorFault(err) {
			r.teardown()
			r.mu.Lock()
			r.state = StateFailed
			r.mu.Unlock()
			return nil, wrapErr("run", fp, fmt.Errorf("%w: %w", ErrAcceleratorFault, err))
		}
		return nil, wrapErr("run", fp, fmt.Errorf("%w: %w", ErrInferenceFailed, err))
	}
	return out, nil
}

// HealthCheck reports whether the binding is usable: a runnable state and
// both tensor descriptors retrievable. A Degraded binding that passes the
// descriptor check is promoted back to its Ready state.
func (r *Resource) HealthCheck() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil || !r.state.CanRun() {
		return false
	}
	if _, err := r.session.InputInfo(); err != nil {
		return false
	}
	if _, err := r.session.OutputInfo(); err != nil {
		return false
	}
	if r.state == StateDegraded {
		if r.accelerated {
			r.state = StateReadyAccelerated
		} else {
			r.state = StateReadyFallback
		}
	}
	return true
}

// Unload releases the binding and drives the state to Unloaded. Idempotent
// and safe from any state. The retained model payload is kept so Reload can
// rebind without the caller resupplying it.
func (r *Resource) Unload() {
	r.acquire()
	defer r.release()
	r.teardown()
	r.mu.Lock()
	r.state = StateUnloaded
	r.mu.Unlock()
}

func (r *Resource) teardown() {
	r.mu.Lock()
	session := r.session
	r.session = nil
	r.mu.Unlock()
	if session != nil {
		if err := session.Destroy(); err != nil && r.log != nil {
			r.log.Warnw("session teardown failed", "error", err)
		}
	}
}
