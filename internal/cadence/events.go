package cadence

import (
	"time"

	"github.com/moodloop/moodloop/internal/emotion"
)

// EventKind tags the scheduler's outbound status events.
type EventKind string

const (
	// EventResult is one classification observation: label + confidence.
	EventResult EventKind = "result"
	// EventNoFace signals the debounced loss of face presence.
	EventNoFace EventKind = "no_face"
	// EventError surfaces a classification or playback problem.
	EventError EventKind = "error"
	// EventPlayback reports playback starting or stopping.
	EventPlayback EventKind = "playback"
	// EventState reports a scheduler state change.
	EventState EventKind = "state"
)

// Event is one status notification for the UI/platform glue. Fields are
// populated per kind; unused ones are omitted from the wire form.
type Event struct {
	Kind       EventKind     `json:"kind"`
	SessionID  string        `json:"session_id,omitempty"`
	Label      emotion.Label `json:"label,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Generated  bool          `json:"generated,omitempty"`
	Playing    bool          `json:"playing,omitempty"`
	State      string        `json:"state,omitempty"`
	Message    string        `json:"message,omitempty"`
	At         time.Time     `json:"at"`
}
