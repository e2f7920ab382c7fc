package cadence

import (
	"time"

	"github.com/moodloop/moodloop/internal/emotion"
)

// Player starts and stops audio for a decided emotion. Implementations live
// outside this module (platform audio, asset resolution); the scheduler only
// depends on this contract.
type Player interface {
	// Play starts playback of a track matching label for roughly duration.
	// primary selects the generated track set; false selects the fallback
	// library. onFinished is invoked when playback ends on its own. Returns
	// false if nothing playable was found.
	Play(label emotion.Label, primary bool, duration time.Duration, onFinished func()) bool

	// Stop halts playback. When triggerCallback is false the pending
	// onFinished callback is dropped, not invoked.
	Stop(triggerCallback bool)
}
