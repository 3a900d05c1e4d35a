package feedback

import (
	"log/slog"
	"sync"
	"time"
)

// Toaster is a Surface that shows one toast at a time and dismisses it after
// a fixed duration. A newer toast replaces the current one and restarts the
// timer. Expiry does not depend on any later game event.
type Toaster struct {
	duration time.Duration
	renderer Renderer

	mutex       sync.Mutex
	current     *Request
	generation  uint64
	timer       *time.Timer
	celebrating bool
}

// NewToaster creates a toaster rendering to r
func NewToaster(duration time.Duration, r Renderer) *Toaster {
	if duration <= 0 {
		duration = 3 * time.Second
	}
	return &Toaster{duration: duration, renderer: r}
}

// Display shows req and schedules its dismissal
func (t *Toaster) Display(req Request) {
	if req.IssuedAt.IsZero() {
		req.IssuedAt = time.Now()
	}

	t.mutex.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	generation := t.generation
	t.current = &req
	t.timer = time.AfterFunc(t.duration, func() { t.expire(generation) })
	t.mutex.Unlock()

	slog.Debug("Toast displayed", "kind", req.Kind, "message", req.Message)
	t.renderer.Render(Event{Type: EventToast, Toast: &req})
}

func (t *Toaster) expire(generation uint64) {
	t.mutex.Lock()
	if generation != t.generation || t.current == nil {
		t.mutex.Unlock()
		return
	}
	t.current = nil
	t.timer = nil
	t.mutex.Unlock()

	t.renderer.Render(Event{Type: EventToastDismissed})
}

// Dismiss removes the current toast immediately
func (t *Toaster) Dismiss() {
	t.mutex.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	hadToast := t.current != nil
	t.current = nil
	t.mutex.Unlock()

	if hadToast {
		t.renderer.Render(Event{Type: EventToastDismissed})
	}
}

// Current returns the visible toast, if any
func (t *Toaster) Current() *Request {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.current == nil {
		return nil
	}
	req := *t.current
	return &req
}

// TriggerCelebration turns the confetti cue on
func (t *Toaster) TriggerCelebration() {
	t.setCelebrating(true)
}

// CancelCelebration turns the confetti cue off
func (t *Toaster) CancelCelebration() {
	t.setCelebrating(false)
}

// Celebrating reports whether the confetti cue is on
func (t *Toaster) Celebrating() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.celebrating
}

func (t *Toaster) setCelebrating(on bool) {
	t.mutex.Lock()
	changed := t.celebrating != on
	t.celebrating = on
	t.mutex.Unlock()

	if changed {
		t.renderer.Render(Event{Type: EventCelebration, Celebrating: &on})
	}
}

// Close cancels the pending dismissal without rendering
func (t *Toaster) Close() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
