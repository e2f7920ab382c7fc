package cadence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moodloop/moodloop/internal/aggregate"
	"github.com/moodloop/moodloop/internal/emotion"
	"github.com/moodloop/moodloop/internal/pipeline"
)

type playCall struct {
	label    emotion.Label
	primary  bool
	duration time.Duration
}

type fakePlayer struct {
	mu         sync.Mutex
	playable   bool
	plays      []playCall
	stops      []bool
	onFinished func()
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{playable: true}
}

func (p *fakePlayer) Play(label emotion.Label, primary bool, duration time.Duration, onFinished func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playable {
		return false
	}
	p.plays = append(p.plays, playCall{label: label, primary: primary, duration: duration})
	p.onFinished = onFinished
	return true
}

func (p *fakePlayer) Stop(triggerCallback bool) {
	p.mu.Lock()
	cb := p.onFinished
	p.onFinished = nil
	p.stops = append(p.stops, triggerCallback)
	p.mu.Unlock()
	if triggerCallback && cb != nil {
		cb()
	}
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

func (p *fakePlayer) lastPlay() playCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays[len(p.plays)-1]
}

func (p *fakePlayer) finish() {
	p.mu.Lock()
	cb := p.onFinished
	p.onFinished = nil
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) byKind(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestScheduler(cfg Config, player Player) (*Scheduler, *eventLog) {
	agg := aggregate.New(cfg.Window, 0.55, 7)
	log := &eventLog{}
	s := NewScheduler(cfg, agg, player, log.sink, zap.NewNop().Sugar())
	return s, log
}

func successResult(label emotion.Label, conf float64) pipeline.Result {
	return pipeline.Success(label, conf, nil)
}

func feedSamples(s *Scheduler, label emotion.Label, n int) {
	for i := 0; i < n; i++ {
		s.OnResult(successResult(label, 0.9))
	}
}

func TestFullCycleDetectDecidePlay(t *testing.T) {
	player := newFakePlayer()
	cfg := Config{Window: 60 * time.Millisecond, PlaybackDuration: 200 * time.Millisecond, Debounce: 30 * time.Millisecond}
	s, events := newTestScheduler(cfg, player)

	s.Start()
	assert.Equal(t, StateDetectionWindow, s.State())
	assert.True(t, s.timerArmed())

	feedSamples(s, emotion.Happiness, 8)

	require.Eventually(t, func() bool { return player.playCount() == 1 }, time.Second, 5*time.Millisecond)
	call := player.lastPlay()
	assert.Equal(t, emotion.Happiness, call.label)
	assert.True(t, call.primary, "unanimous window selects the primary set")
	assert.Equal(t, cfg.PlaybackDuration, call.duration)

	// Detection re-enters before playback ends (overlap = window duration).
	require.Eventually(t, func() bool { return s.State() == StateDetectionWindow },
		time.Second, 5*time.Millisecond)
	assert.True(t, s.timerArmed())

	playbackEvents := events.byKind(EventPlayback)
	require.NotEmpty(t, playbackEvents)
	assert.True(t, playbackEvents[0].Playing)
	assert.True(t, playbackEvents[0].Generated)
	assert.Equal(t, emotion.Happiness, playbackEvents[0].Label)

	s.Stop()
}

func TestNoSignalRestartsWindowIndefinitely(t *testing.T) {
	player := newFakePlayer()
	cfg := Config{Window: 30 * time.Millisecond, PlaybackDuration: 100 * time.Millisecond, Debounce: 20 * time.Millisecond}
	s, _ := newTestScheduler(cfg, player)

	s.Start()
	// Let several windows elapse with no samples and no history.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateDetectionWindow, s.State(), "keeps retrying, never fails")
	assert.Zero(t, player.playCount())
	s.Stop()
}

func TestSparseWindowFallsBackToLastObserved(t *testing.T) {
	player := newFakePlayer()
	cfg := Config{Window: 50 * time.Millisecond, PlaybackDuration: 150 * time.Millisecond, Debounce: 20 * time.Millisecond}
	s, _ := newTestScheduler(cfg, player)

	s.Start()
	// Two samples: below the 7-sample floor, but observed.
	feedSamples(s, emotion.Sadness, 2)

	require.Eventually(t, func() bool { return player.playCount() == 1 }, time.Second, 5*time.Millisecond)
	call := player.lastPlay()
	assert.Equal(t, emotion.Sadness, call.label)
	assert.False(t, call.primary, "no window summary defaults to the secondary set")
	s.Stop()
}

func TestPlaybackUnavailableRestartsDetection(t *testing.T) {
	player := newFakePlayer()
	player.playable = false
	cfg := Config{Window: 40 * time.Millisecond, PlaybackDuration: 150 * time.Millisecond, Debounce: 20 * time.Millisecond}
	s, events := newTestScheduler(cfg, player)

	s.Start()
	feedSamples(s, emotion.Anger, 8)

	// The decision point attempts playback, fails, and re-enters detection.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDetectionWindow, s.State())

	errs := events.byKind(EventError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "playback-unavailable")
	s.Stop()
}

func TestStopFromAnyStateConvergesToIdle(t *testing.T) {
	player := newFakePlayer()
	cfg := Config{Window: 40 * time.Millisecond, PlaybackDuration: 500 * time.Millisecond, Debounce: 20 * time.Millisecond}
	s, _ := newTestScheduler(cfg, player)

	// Idle: Stop is a safe no-op.
	s.Stop()
	assert.Equal(t, StateIdle, s.State())

	// Mid detection window.
	s.Start()
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.timerArmed(), "state timer cancelled on stop")

	// Mid playback: playback force-stopped without the completion callback.
	s.Start()
	feedSamples(s, emotion.Fear, 8)
	require.Eventually(t, func() bool { return player.playCount() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	player.mu.Lock()
	lastStop := player.stops[len(player.stops)-1]
	player.mu.Unlock()
	assert.False(t, lastStop, "completion callback suppressed")

	// Idempotent.
	s.Stop()
	assert.Equal(t, StateIdle, s.State())

	// No stale timer fires later.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateIdle, s.State())
}

type blockingPlayer struct {
	mu      sync.Mutex
	stops   []bool
	started chan struct{}
	release chan struct{}
}

func newBlockingPlayer() *blockingPlayer {
	return &blockingPlayer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (p *blockingPlayer) Play(emotion.Label, bool, time.Duration, func()) bool {
	p.started <- struct{}{}
	<-p.release
	return true
}

func (p *blockingPlayer) Stop(triggerCallback bool) {
	p.mu.Lock()
	p.stops = append(p.stops, triggerCallback)
	p.mu.Unlock()
}

func (p *blockingPlayer) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stops)
}

func TestStopDuringDecisionStopsPlayback(t *testing.T) {
	player := newBlockingPlayer()
	cfg := Config{Window: 30 * time.Millisecond, PlaybackDuration: 200 * time.Millisecond, Debounce: 20 * time.Millisecond}
	s, events := newTestScheduler(cfg, player)

	s.Start()
	feedSamples(s, emotion.Anger, 8)

	// The decision goroutine is now blocked inside Play.
	<-player.started
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	stopsBefore := player.stopCount()

	close(player.release)

	// Play returns into a dead session; the track it started must be stopped
	// rather than left playing unowned.
	require.Eventually(t, func() bool { return player.stopCount() > stopsBefore },
		time.Second, 5*time.Millisecond)
	player.mu.Lock()
	lastStop := player.stops[len(player.stops)-1]
	player.mu.Unlock()
	assert.False(t, lastStop, "completion callback suppressed")
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, events.byKind(EventPlayback), "no playback event for a stopped session")
}

func TestResetForgetsHistory(t *testing.T) {
	player := newFakePlayer()
	cfg := Config{Window: 30 * time.Millisecond, PlaybackDuration: 100 * time.Millisecond, Debounce: 20 * time.Millisecond}
	s, _ := newTestScheduler(cfg, player)

	s.Start()
	feedSamples(s, emotion.Surprise, 2)
	s.Reset()
	assert.Equal(t, StateIdle, s.State())

	// After a reset there is no carried-over candidate, so a silent window
	// restarts instead of playing the previously observed label.
	s.Start()
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, player.playCount())
	s.Stop()
}

func TestShortPlaybackReentersImmediately(t *testing.T) {
	player := newFakePlayer()
	// Playback shorter than the window: re-entry delay is non-positive.
	cfg := Config{Window: 80 * time.Millisecond, PlaybackDuration: 50 * time.Millisecond, Debounce: 20 * time.Millisecond}
	s, _ := newTestScheduler(cfg, player)

	s.Start()
	feedSamples(s, emotion.Neutral, 8)

	require.Eventually(t, func() bool { return player.playCount() == 1 }, time.Second, 5*time.Millisecond)
	// Immediately back in a detection window while playback runs out.
	require.Eventually(t, func() bool { return s.State() == StateDetectionWindow },
		time.Second, 5*time.Millisecond)

	// Natural completion after re-entry changes nothing.
	player.finish()
	assert.Equal(t, StateDetectionWindow, s.State())
	s.Stop()
}

func TestNoFaceDebounce(t *testing.T) {
	player := newFakePlayer()
	cfg := Config{Window: time.Second, PlaybackDuration: 2 * time.Second, Debounce: 40 * time.Millisecond}
	s, events := newTestScheduler(cfg, player)

	s.Start()
	s.OnResult(successResult(emotion.Happiness, 0.9))

	// A brief loss inside the debounce interval emits nothing.
	s.OnResult(pipeline.NoFace(nil))
	assert.Empty(t, events.byKind(EventNoFace))

	// A loss past the debounce interval emits exactly one event.
	time.Sleep(60 * time.Millisecond)
	s.OnResult(pipeline.NoFace(nil))
	s.OnResult(pipeline.NoFace(nil))
	assert.Len(t, events.byKind(EventNoFace), 1)
	s.Stop()
}

func TestSamplesIgnoredOutsideDetectionWindow(t *testing.T) {
	player := newFakePlayer()
	cfg := Config{Window: time.Second, PlaybackDuration: 2 * time.Second, Debounce: 20 * time.Millisecond}
	s, events := newTestScheduler(cfg, player)

	// Idle: results update observation state and events but not a window.
	s.OnResult(successResult(emotion.Disgust, 0.9))
	assert.Len(t, events.byKind(EventResult), 1)
	assert.Equal(t, StateIdle, s.State())
}

func TestErrorResultsSurfaceAsEvents(t *testing.T) {
	player := newFakePlayer()
	cfg := Config{Window: time.Second, PlaybackDuration: 2 * time.Second, Debounce: 20 * time.Millisecond}
	s, events := newTestScheduler(cfg, player)

	s.Start()
	s.OnResult(pipeline.Failure(pipeline.ErrorInferenceFailed, "inference failed", nil))

	errs := events.byKind(EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "inference-failed")
	s.Stop()
}
