package inference

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSession is a scriptable Session for exercising the resource lifecycle.
type fakeSession struct {
	mu            sync.Mutex
	runErr        error
	runOutput     []float32
	runs          int
	destroyed     bool
	descriptorErr error
}

func (s *fakeSession) Run(input []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, fmt.Errorf("session destroyed")
	}
	s.runs++
	if s.runErr != nil {
		return nil, s.runErr
	}
	if s.runOutput != nil {
		out := make([]float32, len(s.runOutput))
		copy(out, s.runOutput)
		return out, nil
	}
	return make([]float32, 8), nil
}

func (s *fakeSession) InputInfo() (TensorInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descriptorErr != nil {
		return TensorInfo{}, s.descriptorErr
	}
	return TensorInfo{Name: "input", Shape: []int64{1, 3, 224, 224}}, nil
}

func (s *fakeSession) OutputInfo() (TensorInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.descriptorErr != nil {
		return TensorInfo{}, s.descriptorErr
	}
	return TensorInfo{Name: "output", Shape: []int64{1, 8}}, nil
}

func (s *fakeSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	return nil
}

func (s *fakeSession) setRunErr(err error) {
	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
}

// fakeBackend scripts per-attempt load outcomes keyed by LoadOptions.
type fakeBackend struct {
	mu       sync.Mutex
	attempts []LoadOptions
	sessions []*fakeSession
	// failAccelerated / failAcceleratedPlain / failFallback make the
	// corresponding ladder rung return an error.
	failAccelerated      bool
	failAcceleratedPlain bool
	failFallback         bool
}

func (b *fakeBackend) Load(model []byte, opts LoadOptions) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, opts)
	switch {
	case opts.Accelerated && !opts.DisableSerialization && b.failAccelerated:
		return nil, fmt.Errorf("accelerator bind rejected serialized options")
	case opts.Accelerated && opts.DisableSerialization && b.failAcceleratedPlain:
		return nil, fmt.Errorf("accelerator bind failed")
	case !opts.Accelerated && b.failFallback:
		return nil, fmt.Errorf("fallback bind failed")
	}
	s := &fakeSession{}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBackend) lastSession() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

func (b *fakeBackend) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attempts)
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func writeFileDirect(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

var testModel = []byte("not a real model, content only matters for fingerprinting")

func TestLoadAcceleratedFirstAttempt(t *testing.T) {
	b := &fakeBackend{}
	r := New(b, nil, testLogger())

	require.NoError(t, r.Load(testModel, HintAuto))
	assert.Equal(t, StateReadyAccelerated, r.State())
	assert.Equal(t, 1, b.attemptCount())
	assert.Equal(t, Fingerprint(testModel), r.Fingerprint())

	// Warm-up ran once on the bound session.
	assert.Equal(t, 1, b.lastSession().runs)
}

func TestLoadLadderFallsThrough(t *testing.T) {
	b := &fakeBackend{failAccelerated: true, failAcceleratedPlain: true}
	r := New(b, nil, testLogger())

	require.NoError(t, r.Load(testModel, HintAuto))
	assert.Equal(t, StateReadyFallback, r.State())
	require.Equal(t, 3, b.attemptCount())
	assert.True(t, b.attempts[0].Accelerated)
	assert.False(t, b.attempts[0].DisableSerialization)
	assert.True(t, b.attempts[1].Accelerated)
	assert.True(t, b.attempts[1].DisableSerialization)
	assert.False(t, b.attempts[2].Accelerated)
}

func TestLoadAllAttemptsFail(t *testing.T) {
	b := &fakeBackend{failAccelerated: true, failAcceleratedPlain: true, failFallback: true}
	r := New(b, nil, testLogger())

	err := r.Load(testModel, HintAuto)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.Equal(t, StateUnloaded, r.State())
}

func TestLoadFallbackOnlyHint(t *testing.T) {
	b := &fakeBackend{}
	r := New(b, nil, testLogger())

	require.NoError(t, r.Load(testModel, HintFallbackOnly))
	assert.Equal(t, StateReadyFallback, r.State())
	require.Equal(t, 1, b.attemptCount())
	assert.False(t, b.attempts[0].Accelerated)
}

func TestWarmUpFailureDegrades(t *testing.T) {
	// The session's first run (the warm-up) fails; load must still succeed
	// but leave the resource Degraded.
	r := New(&warmupFailBackend{inner: &fakeBackend{}}, nil, testLogger())
	require.NoError(t, r.Load(testModel, HintFallbackOnly))
	assert.Equal(t, StateDegraded, r.State())

	// A passing health check promotes the degraded binding.
	assert.True(t, r.HealthCheck())
	assert.Equal(t, StateReadyFallback, r.State())
}

// warmupFailBackend hands out sessions whose first run fails.
type warmupFailBackend struct {
	inner *fakeBackend
}

func (b *warmupFailBackend) Load(model []byte, opts LoadOptions) (Session, error) {
	s, err := b.inner.Load(model, opts)
	if err != nil {
		return nil, err
	}
	fs := s.(*fakeSession)
	fs.setRunErr(fmt.Errorf("graph not yet materialized"))
	return &firstRunFails{fakeSession: fs}, nil
}

type firstRunFails struct {
	*fakeSession
}

func (s *firstRunFails) Run(input []float32) ([]float32, error) {
	out, err := s.fakeSession.Run(input)
	// Heal after the first failure.
	s.fakeSession.setRunErr(nil)
	return out, err
}

func TestRunRequiresLoad(t *testing.T) {
	r := New(&fakeBackend{}, nil, testLogger())
	_, err := r.Run(make([]float32, 4))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestRunAcceleratorFaultReleasesBinding(t *testing.T) {
	b := &fakeBackend{}
	r := New(b, nil, testLogger())
	require.NoError(t, r.Load(testModel, HintAuto))

	sess := b.lastSession()
	sess.setRunErr(errors.New("CUDA error: device lost"))

	_, err := r.Run(make([]float32, 4))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcceleratorFault)
	assert.Equal(t, StateFailed, r.State())
	assert.True(t, sess.destroyed, "binding released on accelerator fault")

	// Subsequent runs fail fast until the next Load.
	_, err = r.Run(make([]float32, 4))
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, r.Load(testModel, HintAuto))
	assert.Equal(t, StateReadyAccelerated, r.State())
}

func TestRunOrdinaryFailureKeepsState(t *testing.T) {
	b := &fakeBackend{}
	r := New(b, nil, testLogger())
	require.NoError(t, r.Load(testModel, HintAuto))

	b.lastSession().setRunErr(errors.New("shape mismatch in graph"))
	_, err := r.Run(make([]float32, 4))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInferenceFailed)
	assert.NotErrorIs(t, err, ErrAcceleratorFault)
	assert.Equal(t, StateReadyAccelerated, r.State())
}

func TestHealthCheck(t *testing.T) {
	b := &fakeBackend{}
	r := New(b, nil, testLogger())
	assert.False(t, r.HealthCheck(), "unloaded resource is unhealthy")

	require.NoError(t, r.Load(testModel, HintAuto))
	assert.True(t, r.HealthCheck())

	b.lastSession().mu.Lock()
	b.lastSession().descriptorErr = errors.New("descriptor unavailable")
	b.lastSession().mu.Unlock()
	assert.False(t, r.HealthCheck(), "descriptor failure fails the check")
}

func TestUnloadIdempotent(t *testing.T) {
	b := &fakeBackend{}
	r := New(b, nil, testLogger())

	r.Unload() // safe before any load
	assert.Equal(t, StateUnloaded, r.State())

	require.NoError(t, r.Load(testModel, HintAuto))
	sess := b.lastSession()

	r.Unload()
	assert.Equal(t, StateUnloaded, r.State())
	assert.True(t, sess.destroyed)

	r.Unload()
	assert.Equal(t, StateUnloaded, r.State())
}

func TestReloadUsesRetainedPayload(t *testing.T) {
	b := &fakeBackend{}
	r := New(b, nil, testLogger())
	require.NoError(t, r.Load(testModel, HintAuto))
	first := b.lastSession()

	require.NoError(t, r.Reload())
	assert.True(t, first.destroyed, "old binding torn down on reload")
	assert.Equal(t, StateReadyAccelerated, r.State())
	assert.Equal(t, int64(1), r.Metrics().Snapshot().Reloads)
}

func TestReloadWithoutLoadFails(t *testing.T) {
	r := New(&fakeBackend{}, nil, testLogger())
	assert.ErrorIs(t, r.Reload(), ErrNotLoaded)
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, testLogger())
	require.NoError(t, err)

	fp := Fingerprint(testModel)
	_, ok := c.Lookup(fp)
	assert.False(t, ok)

	require.NoError(t, c.Store(fp, testModel))
	got, ok := c.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, testModel, got)
}

func TestCacheFingerprintMismatchInvalidatesSilently(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, testLogger())
	require.NoError(t, err)

	// Store corrupted content under a fingerprint it does not match.
	fp := Fingerprint(testModel)
	require.NoError(t, c.Store(fp, testModel))

	// Corrupt the artifact on disk.
	corrupted := append([]byte("corrupted: "), testModel...)
	require.NoError(t, writeFileDirect(c.path(fp), corrupted))

	_, ok := c.Lookup(fp)
	assert.False(t, ok, "mismatch is a silent miss")

	// The entry was removed; a fresh store regenerates it.
	require.NoError(t, c.Store(fp, testModel))
	got, ok := c.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, testModel, got)
}

func TestNilCacheIsPermanentMiss(t *testing.T) {
	var c *Cache
	_, ok := c.Lookup("abc")
	assert.False(t, ok)
	assert.NoError(t, c.Store("abc", []byte("x")))
	assert.Empty(t, c.Dir())
}

func TestLoadRecordsCacheHit(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, testLogger())
	require.NoError(t, err)

	b := &fakeBackend{}
	r := New(b, c, testLogger())
	require.NoError(t, r.Load(testModel, HintAuto))

	snap := r.Metrics().Snapshot()
	assert.Equal(t, int64(0), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)

	// Second load of the same payload hits the stored artifact.
	r2 := New(&fakeBackend{}, c, testLogger())
	require.NoError(t, r2.Load(testModel, HintAuto))
	snap = r2.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.CacheHits)
}
