// Package cadence drives the detect → decide → play cycle. A scheduler runs a
// detection window feeding the temporal aggregator, decides one emotion at
// the window boundary, hands it to the playback capability, and re-enters
// detection before playback ends so the next decision is ready in time.
package cadence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moodloop/moodloop/internal/aggregate"
	"github.com/moodloop/moodloop/internal/emotion"
	"github.com/moodloop/moodloop/internal/pipeline"
)

// State is the scheduler's cycle state. Exactly one is active at a time.
type State int32

const (
	StateIdle State = iota
	StateDetectionWindow
	StatePlayback
	StateAwaitingRestart
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetectionWindow:
		return "detection-window"
	case StatePlayback:
		return "playback"
	case StateAwaitingRestart:
		return "awaiting-restart"
	default:
		return "unknown"
	}
}

// Defaults for the cadence timing.
const (
	DefaultWindow           = 10 * time.Second
	DefaultPlaybackDuration = 30 * time.Second
	DefaultDebounce         = 1200 * time.Millisecond
)

// Config sets the cadence timing. Zero values fall back to the defaults.
type Config struct {
	Window           time.Duration
	PlaybackDuration time.Duration
	Debounce         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.PlaybackDuration <= 0 {
		c.PlaybackDuration = DefaultPlaybackDuration
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	return c
}

// Scheduler is the cadence state machine. Each state owns at most one timer;
// entering a new state cancels the previous state's timer before scheduling
// its own; two timers for different cycles must never be live at once, which
// the single timer slot plus the generation counter enforce.
type Scheduler struct {
	cfg    Config
	agg    *aggregate.Aggregator
	player Player
	sink   func(Event)
	log    *zap.SugaredLogger
	now    func() time.Time

	mu           sync.Mutex
	state        State
	sessionID    string
	gen          uint64
	timer        *time.Timer
	windowStart  time.Time
	lastObserved emotion.Label
	lastDecided  emotion.Label
	lastSeen     time.Time
	facePresent  bool
	playEmotion  emotion.Label
	playPrimary  bool
}

// NewScheduler wires the aggregator, the playback capability and an event
// sink. The sink is called outside the scheduler lock and may be slow-ish,
// but must not call back into the scheduler synchronously.
func NewScheduler(cfg Config, agg *aggregate.Aggregator, player Player, sink func(Event), log *zap.SugaredLogger) *Scheduler {
	if sink == nil {
		sink = func(Event) {}
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		agg:    agg,
		player: player,
		sink:   sink,
		log:    log,
		now:    time.Now,
	}
}

// State returns the current cycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot is the operational view served by the stats endpoint.
type Snapshot struct {
	State       string        `json:"state"`
	SessionID   string        `json:"session_id,omitempty"`
	FacePresent bool          `json:"face_present"`
	LastDecided emotion.Label `json:"last_decided,omitempty"`
}

// Snapshot returns the current scheduler view.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:       s.state.String(),
		SessionID:   s.sessionID,
		FacePresent: s.facePresent,
		LastDecided: s.lastDecided,
	}
}

// Start begins a session: Idle → DetectionWindow. No-op in any other state.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.sessionID = uuid.NewString()
	sessionID := s.sessionID
	s.enterDetectionWindowLocked()
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infow("session started", "session", sessionID)
	}
	s.emitState(StateDetectionWindow)
}

// Stop cancels the current state's timer, stops playback without its normal
// completion callback, resets the aggregator and converges to Idle.
// Idempotent and safe from any state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasIdle := s.state == StateIdle
	s.cancelTimerLocked()
	s.state = StateIdle
	s.sessionID = ""
	s.mu.Unlock()

	s.player.Stop(false)
	s.agg.Reset()
	if !wasIdle {
		s.emitState(StateIdle)
	}
}

// Reset behaves like Stop and additionally forgets remembered labels, so a
// following Start begins with no carried-over decision candidates.
func (s *Scheduler) Reset() {
	s.Stop()
	s.mu.Lock()
	s.lastObserved = ""
	s.lastDecided = ""
	s.lastSeen = time.Time{}
	s.facePresent = false
	s.mu.Unlock()
}

// OnResult feeds one pipeline result into the running session. Success
// samples reach the aggregator only during a detection window; no-face
// results update the presence debounce instead of the aggregator.
func (s *Scheduler) OnResult(res pipeline.Result) {
	now := s.now()
	switch res.Kind() {
	case pipeline.KindSuccess:
		s.mu.Lock()
		s.lastObserved = res.Label
		s.lastSeen = now
		s.facePresent = true
		inWindow := s.state == StateDetectionWindow
		sessionID := s.sessionID
		s.mu.Unlock()
		if inWindow {
			s.agg.Add(res.Label, res.Confidence, now)
		}
		s.sink(Event{
			Kind: EventResult, SessionID: sessionID,
			Label: res.Label, Confidence: res.Confidence, At: now,
		})

	case pipeline.KindNoFace:
		s.mu.Lock()
		lost := s.facePresent && now.Sub(s.lastSeen) > s.cfg.Debounce
		if lost {
			s.facePresent = false
		}
		sessionID := s.sessionID
		s.mu.Unlock()
		if lost {
			s.sink(Event{Kind: EventNoFace, SessionID: sessionID, At: now})
		}

	case pipeline.KindError:
		s.mu.Lock()
		sessionID := s.sessionID
		s.mu.Unlock()
		s.sink(Event{
			Kind: EventError, SessionID: sessionID,
			Message: res.ErrKind.String() + ": " + res.Message, At: now,
		})

	case pipeline.KindLoading:
		// Transient; the next frame will retry.
	}
}

// enterDetectionWindowLocked transitions into a fresh detection window.
// Caller holds s.mu.
func (s *Scheduler) enterDetectionWindowLocked() {
	s.cancelTimerLocked()
	s.state = StateDetectionWindow
	s.windowStart = s.now()
	s.agg.Reset()
	s.scheduleLocked(s.cfg.Window, s.onWindowElapsed)
}

// cancelTimerLocked stops the timer owned by the state being left and bumps
// the generation so any already-fired callback becomes a no-op.
func (s *Scheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// scheduleLocked arms the single timer slot for the current state.
func (s *Scheduler) scheduleLocked(d time.Duration, fn func(gen uint64)) {
	gen := s.gen
	s.timer = time.AfterFunc(d, func() { fn(gen) })
}

// timerArmed reports whether a timer is currently live. For tests.
func (s *Scheduler) timerArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// onWindowElapsed is the decision point at the end of a detection window.
func (s *Scheduler) onWindowElapsed(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateDetectionWindow {
		s.mu.Unlock()
		return
	}
	now := s.now()
	// Anchor the summary to the window entry time. The timer fires a full
	// window after entry, so trimming by age against now would expire the
	// samples collected early in this very window.
	summary, haveSummary := s.agg.SummarySince(s.windowStart)

	candidate := s.resolveCandidateLocked(summary, haveSummary)
	if candidate == "" {
		// No usable signal this cycle: try again, indefinitely.
		s.state = StateAwaitingRestart
		s.enterDetectionWindowLocked()
		s.mu.Unlock()
		if s.log != nil {
			s.log.Debugw("no decision candidate, restarting detection window")
		}
		s.emitState(StateDetectionWindow)
		return
	}

	primary := haveSummary && summary.TopShare >= 0.5
	s.cancelTimerLocked()
	s.state = StatePlayback
	s.playEmotion = candidate
	s.playPrimary = primary
	s.lastDecided = candidate
	playGen := s.gen
	sessionID := s.sessionID
	s.mu.Unlock()

	started := s.player.Play(candidate, primary, s.cfg.PlaybackDuration, func() {
		s.onPlaybackFinished(playGen)
	})
	if !started {
		if s.log != nil {
			s.log.Warnw("playback unavailable, restarting detection",
				"emotion", candidate, "primary", primary)
		}
		s.sink(Event{
			Kind: EventError, SessionID: sessionID,
			Message: "playback-unavailable: no track for " + candidate.String(), At: now,
		})
		s.mu.Lock()
		reentered := false
		if s.gen == playGen && s.state == StatePlayback {
			s.state = StateAwaitingRestart
			s.enterDetectionWindowLocked()
			reentered = true
		}
		s.mu.Unlock()
		if reentered {
			s.emitState(StateDetectionWindow)
		}
		return
	}

	// Re-enter detection before playback ends so the next decision is ready
	// when the next track must start. Overlap equals the window duration.
	s.mu.Lock()
	if s.gen != playGen || s.state != StatePlayback {
		s.mu.Unlock()
		// Stop raced with the decision point. The session is gone, so the
		// track just started must not keep playing unowned.
		s.player.Stop(false)
		return
	}
	reenterNow := false
	if delay := s.cfg.PlaybackDuration - s.cfg.Window; delay <= 0 {
		s.enterDetectionWindowLocked()
		reenterNow = true
	} else {
		s.scheduleLocked(delay, s.onReentry)
	}
	s.mu.Unlock()

	s.sink(Event{
		Kind: EventPlayback, SessionID: sessionID,
		Label: candidate, Generated: primary, Playing: true, At: now,
	})
	s.emitState(StatePlayback)
	if reenterNow {
		s.emitState(StateDetectionWindow)
	}
}

// resolveCandidateLocked picks the emotion to play, in priority order:
// the window majority, the most recent observed label, the last decision.
// Caller holds s.mu.
func (s *Scheduler) resolveCandidateLocked(summary aggregate.Summary, haveSummary bool) emotion.Label {
	if haveSummary {
		return summary.TopLabel
	}
	if s.lastObserved != "" {
		return s.lastObserved
	}
	return s.lastDecided
}

// onReentry re-enters the detection window while playback keeps running.
func (s *Scheduler) onReentry(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StatePlayback {
		s.mu.Unlock()
		return
	}
	s.enterDetectionWindowLocked()
	s.mu.Unlock()
	s.emitState(StateDetectionWindow)
}

// onPlaybackFinished fires when the player reports natural completion.
func (s *Scheduler) onPlaybackFinished(gen uint64) {
	s.mu.Lock()
	sessionID := s.sessionID
	label := s.playEmotion
	primary := s.playPrimary
	stillPlayback := gen == s.gen && s.state == StatePlayback
	if stillPlayback {
		// Normally re-entry happens first; this is the short-playback path.
		s.enterDetectionWindowLocked()
	}
	s.mu.Unlock()

	s.sink(Event{
		Kind: EventPlayback, SessionID: sessionID,
		Label: label, Generated: primary, Playing: false, At: s.now(),
	})
	if stillPlayback {
		s.emitState(StateDetectionWindow)
	}
}

func (s *Scheduler) emitState(state State) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	s.sink(Event{Kind: EventState, SessionID: sessionID, State: state.String(), At: s.now()})
}
