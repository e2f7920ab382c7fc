package cadence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moodloop/moodloop/internal/emotion"
)

// LogPlayer is a Player that only logs playback and completes on a timer.
// It stands in until a real audio backend is wired up and doubles as the
// default for headless deployments.
type LogPlayer struct {
	log *zap.SugaredLogger

	mu         sync.Mutex
	timer      *time.Timer
	onFinished func()
}

func NewLogPlayer(log *zap.SugaredLogger) *LogPlayer {
	return &LogPlayer{log: log}
}

func (p *LogPlayer) Play(label emotion.Label, primary bool, duration time.Duration, onFinished func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	if p.log != nil {
		p.log.Infow("playback started",
			"emotion", label, "primary", primary, "duration", duration)
	}
	p.onFinished = onFinished
	p.timer = time.AfterFunc(duration, p.finish)
	return true
}

func (p *LogPlayer) Stop(triggerCallback bool) {
	p.mu.Lock()
	cb := p.onFinished
	p.stopLocked()
	p.mu.Unlock()

	if triggerCallback && cb != nil {
		cb()
	}
}

func (p *LogPlayer) finish() {
	p.mu.Lock()
	cb := p.onFinished
	p.onFinished = nil
	p.timer = nil
	p.mu.Unlock()

	if p.log != nil {
		p.log.Infow("playback finished")
	}
	if cb != nil {
		cb()
	}
}

// stopLocked cancels the pending completion without invoking it.
func (p *LogPlayer) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.onFinished = nil
}
