package office

import (
	"context"
	"time"

	"github.com/agentdesk/conductor/pkg/bus"
)

// rest counts down the check interval at one tick per second, publishing a
// countdown event each tick. The countdown freezes while paused; CancelRest
// and OverrideRestDuration adjust it live.
func (m *Manager) rest(ctx context.Context) error {
	total := m.cfg.CheckIntervalMinutes * 60
	if total <= 0 {
		return nil
	}
	cancelCh := make(chan struct{}, 1)
	overrideCh := make(chan int, 1)
	m.mu.Lock()
	m.restCancel = cancelCh
	m.restOverride = overrideCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.restCancel = nil
		m.restOverride = nil
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	remaining := total
	for remaining > 0 {
		m.bus.Publish(&bus.RestCountdownPayload{
			BasePayload:      bus.Base(bus.EventTypeRestCountdown, m.sess.ID),
			SecondsRemaining: remaining,
			TotalSeconds:     total,
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancelCh:
			return nil
		case minutes := <-overrideCh:
			total = minutes * 60
			remaining = total
		case <-ticker.C:
			m.mu.Lock()
			paused := m.paused
			m.mu.Unlock()
			if !paused {
				remaining--
			}
		}
	}
	return nil
}

// CancelRest skips the remainder of the current rest and starts the next
// iteration immediately. A no-op outside the rest phase.
func (m *Manager) CancelRest() {
	m.mu.Lock()
	ch := m.restCancel
	m.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// OverrideRestDuration restarts the current countdown with a new duration in
// minutes. A no-op outside the rest phase or for non-positive values.
func (m *Manager) OverrideRestDuration(minutes int) {
	if minutes <= 0 {
		return
	}
	m.mu.Lock()
	ch := m.restOverride
	m.mu.Unlock()
	if ch != nil {
		select {
		case ch <- minutes:
		default:
		}
	}
}
