package game

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/clapcount/internal/audio"
	"github.com/audiolibrelab/clapcount/internal/config"
	"github.com/audiolibrelab/clapcount/internal/feedback"
	"github.com/audiolibrelab/clapcount/internal/redirect"
)

var (
	ErrPermissionRequired = errors.New("microphone permission required")
	ErrGameComplete       = errors.New("countdown complete, reset to play again")
	ErrNotListening       = errors.New("not listening")
	ErrBusy               = errors.New("a detection request is in progress")
)

// Phase is the coarse game state
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseListening Phase = "LISTENING"
	PhaseComplete  Phase = "COMPLETE"
)

// ErrorKind classifies errors reported to the machine
type ErrorKind string

const (
	PermissionError ErrorKind = "permission"
	CaptureError    ErrorKind = "capture"
	TransportError  ErrorKind = "transport"
)

// Feedback messages shown to the player
const (
	MsgClapDetected      = "Clap detected! Keep going!"
	MsgVictory           = "Congratulations! You completed the countdown! Redirecting to YouTube..."
	MsgPermissionGranted = "Microphone access granted!"
	MsgPermissionDenied  = "Microphone access denied. Please allow microphone access."
	MsgCaptureFailed     = "Failed to access microphone. Please check permissions."
)

// Snapshot is a consistent copy of the game state
type Snapshot struct {
	Phase         Phase                 `json:"phase"`
	Countdown     int                   `json:"countdown"`
	Listening     bool                  `json:"listening"`
	Disabled      bool                  `json:"disabled"`
	Completed     bool                  `json:"completed"`
	Redirecting   bool                  `json:"redirecting"`
	Celebrating   bool                  `json:"celebrating"`
	Processing    bool                  `json:"processing"`
	Permission    audio.PermissionState `json:"permission"`
	LastScore     *float64              `json:"last_score,omitempty"`
	ClapIndicator bool                  `json:"clap_indicator"`
	StatusText    string                `json:"status_text"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("countdown %2d | %s", s.Countdown, s.StatusText)
}

// Options configures a Machine
type Options struct {
	StartCountdown        int
	RedirectURL           string
	RedirectDelay         time.Duration
	CelebrationDuration   time.Duration
	ClapIndicatorDuration time.Duration

	Surface feedback.Surface
	Opener  redirect.Opener
	Clock   Clock
}

// OptionsFromConfig fills timing options from a resolved profile
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StartCountdown:        cfg.Game.StartCountdown,
		RedirectURL:           cfg.Game.RedirectURL,
		RedirectDelay:         cfg.RedirectDelay(),
		CelebrationDuration:   cfg.CelebrationDuration(),
		ClapIndicatorDuration: cfg.ClapIndicatorDuration(),
	}
}

// dismisser is implemented by surfaces that can clear the current toast
type dismisser interface {
	Dismiss()
}

// Machine owns the countdown. Every mutation goes through its methods, which
// run effects (feedback, redirect, listeners) after releasing the lock.
type Machine struct {
	opts Options

	mutex         sync.Mutex
	countdown     int
	listening     bool
	redirecting   bool
	celebrating   bool
	processing    bool
	clapIndicator bool
	permission    audio.PermissionState
	lastScore     *float64

	// generation invalidates timers scheduled before the last Reset
	generation       uint64
	indicatorSeq     uint64
	redirectTimer    Timer
	celebrationTimer Timer
	indicatorTimer   Timer

	listeners []func(Snapshot)
}

// NewMachine creates a machine in the idle state
func NewMachine(opts Options) *Machine {
	opts = withDefaults(opts)
	return &Machine{
		opts:       opts,
		countdown:  opts.StartCountdown,
		permission: audio.PermissionUnrequested,
	}
}

func withDefaults(opts Options) Options {
	if opts.StartCountdown <= 0 {
		opts.StartCountdown = config.DefaultStartCountdown
	}
	if opts.RedirectURL == "" {
		opts.RedirectURL = config.DefaultRedirectURL
	}
	if opts.CelebrationDuration <= 0 {
		opts.CelebrationDuration = 5 * time.Second
	}
	if opts.ClapIndicatorDuration <= 0 {
		opts.ClapIndicatorDuration = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Opener == nil {
		opts.Opener = redirect.Log{}
	}
	return opts
}

// Reconfigure swaps timing options after a profile change. Collaborators left
// nil in opts are kept. Permission must be requested again and the game resets.
func (m *Machine) Reconfigure(opts Options) {
	m.mutex.Lock()
	if opts.Surface == nil {
		opts.Surface = m.opts.Surface
	}
	if opts.Opener == nil {
		opts.Opener = m.opts.Opener
	}
	if opts.Clock == nil {
		opts.Clock = m.opts.Clock
	}
	m.opts = withDefaults(opts)
	m.permission = audio.PermissionUnrequested
	m.mutex.Unlock()

	m.Reset()
}

// OnChange registers a listener called with a snapshot after every change
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Snapshot returns the current state
func (m *Machine) Snapshot() Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		Countdown:     m.countdown,
		Listening:     m.listening,
		Disabled:      m.countdown == 0,
		Completed:     m.countdown == 0,
		Redirecting:   m.redirecting,
		Celebrating:   m.celebrating,
		Processing:    m.processing,
		Permission:    m.permission,
		ClapIndicator: m.clapIndicator,
	}
	if m.lastScore != nil {
		score := *m.lastScore
		s.LastScore = &score
	}

	switch {
	case m.listening:
		s.Phase = PhaseListening
		s.StatusText = "Listening for claps..."
	case m.countdown > 0:
		s.Phase = PhaseIdle
		s.StatusText = "Ready to start"
	default:
		s.Phase = PhaseComplete
		s.StatusText = "Countdown complete!"
	}
	return s
}

// Listening reports whether claps are currently applied
func (m *Machine) Listening() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.listening
}

// Disabled reports whether the countdown reached zero
func (m *Machine) Disabled() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.countdown == 0
}

// effects are run in order once the lock is released
type effects []func()

func (m *Machine) run(fx effects) {
	for _, f := range fx {
		f()
	}
}

// notifyLocked queues listener calls with the current state
func (m *Machine) notifyLocked(fx effects) effects {
	snap := m.snapshotLocked()
	for _, fn := range m.listeners {
		fn := fn
		fx = append(fx, func() { fn(snap) })
	}
	return fx
}

func (m *Machine) displayLocked(fx effects, kind feedback.Kind, message string) effects {
	if m.opts.Surface == nil {
		return fx
	}
	req := feedback.Request{Kind: kind, Message: message, IssuedAt: m.opts.Clock.Now()}
	surface := m.opts.Surface
	return append(fx, func() { surface.Display(req) })
}

// StartListening begins applying claps. It is a no-op while already listening.
func (m *Machine) StartListening() error {
	m.mutex.Lock()
	if m.permission != audio.PermissionGranted {
		m.mutex.Unlock()
		return ErrPermissionRequired
	}
	if m.countdown == 0 {
		m.mutex.Unlock()
		return ErrGameComplete
	}
	if m.listening {
		m.mutex.Unlock()
		return nil
	}

	m.listening = true
	m.lastScore = nil
	m.clapIndicator = false
	countdown := m.countdown
	fx := m.notifyLocked(nil)
	m.mutex.Unlock()

	slog.Info("Listening for claps", "countdown", countdown)
	m.run(fx)
	return nil
}

// StopListening pauses the game without touching the countdown
func (m *Machine) StopListening() {
	m.mutex.Lock()
	if !m.listening {
		m.mutex.Unlock()
		return
	}
	m.listening = false
	fx := m.notifyLocked(nil)
	m.mutex.Unlock()

	slog.Info("Stopped listening")
	m.run(fx)
}

// ShowClap records the score of an accepted detection and lights the clap
// indicator for a short while.
func (m *Machine) ShowClap(score float64) {
	m.mutex.Lock()
	if !m.listening || m.countdown == 0 {
		m.mutex.Unlock()
		return
	}
	m.lastScore = &score
	m.clapIndicator = true
	if m.indicatorTimer != nil {
		m.indicatorTimer.Stop()
	}
	m.indicatorSeq++
	seq, generation := m.indicatorSeq, m.generation
	m.indicatorTimer = m.opts.Clock.AfterFunc(m.opts.ClapIndicatorDuration, func() {
		m.clearIndicator(generation, seq)
	})
	fx := m.notifyLocked(nil)
	m.mutex.Unlock()

	m.run(fx)
}

func (m *Machine) clearIndicator(generation, seq uint64) {
	m.mutex.Lock()
	if generation != m.generation || seq != m.indicatorSeq || !m.clapIndicator {
		m.mutex.Unlock()
		return
	}
	m.clapIndicator = false
	fx := m.notifyLocked(nil)
	m.mutex.Unlock()

	m.run(fx)
}

// ClapAccepted applies one accepted clap. It returns false when the clap was
// ignored because the game is not listening or already complete.
func (m *Machine) ClapAccepted() bool {
	m.mutex.Lock()
	if !m.listening || m.countdown == 0 {
		m.mutex.Unlock()
		return false
	}

	var fx effects
	if m.countdown > 1 {
		m.countdown--
		fx = m.displayLocked(fx, feedback.KindSuccess, MsgClapDetected)
		slog.Info("Clap accepted", "countdown", m.countdown)
	} else {
		fx = m.completeLocked(fx)
	}
	fx = m.notifyLocked(fx)
	m.mutex.Unlock()

	m.run(fx)
	return true
}

// completeLocked moves to Complete and schedules the redirect and celebration end
func (m *Machine) completeLocked(fx effects) effects {
	m.countdown = 0
	m.listening = false
	m.redirecting = true
	m.celebrating = true
	generation := m.generation

	slog.Info("Countdown complete", "redirect", m.opts.RedirectURL, "delay", m.opts.RedirectDelay)

	fx = m.displayLocked(fx, feedback.KindVictory, MsgVictory)
	if surface := m.opts.Surface; surface != nil {
		fx = append(fx, surface.TriggerCelebration)
	}

	if m.opts.RedirectDelay <= 0 {
		fx = append(fx, func() { m.openRedirect(generation) })
	} else {
		m.redirectTimer = m.opts.Clock.AfterFunc(m.opts.RedirectDelay, func() {
			m.openRedirect(generation)
		})
	}
	m.celebrationTimer = m.opts.Clock.AfterFunc(m.opts.CelebrationDuration, func() {
		m.endCelebration(generation)
	})
	return fx
}

func (m *Machine) openRedirect(generation uint64) {
	m.mutex.Lock()
	stale := generation != m.generation
	url := m.opts.RedirectURL
	m.mutex.Unlock()
	if stale {
		return
	}

	if err := m.opts.Opener.Open(url); err != nil {
		slog.Warn("Redirect failed", "url", url, "error", err)
	}
}

func (m *Machine) endCelebration(generation uint64) {
	m.mutex.Lock()
	if generation != m.generation || !m.celebrating {
		m.mutex.Unlock()
		return
	}
	m.celebrating = false
	var fx effects
	if surface := m.opts.Surface; surface != nil {
		fx = append(fx, surface.CancelCelebration)
	}
	fx = m.notifyLocked(fx)
	m.mutex.Unlock()

	m.run(fx)
}

// TestClap applies a clap without going through detection
func (m *Machine) TestClap() error {
	m.mutex.Lock()
	switch {
	case m.countdown == 0:
		m.mutex.Unlock()
		return ErrGameComplete
	case !m.listening:
		m.mutex.Unlock()
		return ErrNotListening
	case m.processing:
		m.mutex.Unlock()
		return ErrBusy
	}
	m.mutex.Unlock()

	if !m.ClapAccepted() {
		return ErrNotListening
	}
	return nil
}

// Reset returns to Idle from any state, cancelling pending timers and feedback
func (m *Machine) Reset() {
	m.mutex.Lock()
	m.generation++
	for _, t := range []Timer{m.redirectTimer, m.celebrationTimer, m.indicatorTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.redirectTimer, m.celebrationTimer, m.indicatorTimer = nil, nil, nil

	m.countdown = m.opts.StartCountdown
	m.listening = false
	m.redirecting = false
	m.celebrating = false
	m.clapIndicator = false
	m.lastScore = nil

	var fx effects
	if surface := m.opts.Surface; surface != nil {
		fx = append(fx, surface.CancelCelebration)
		if d, ok := surface.(dismisser); ok {
			fx = append(fx, d.Dismiss)
		}
	}
	fx = m.notifyLocked(fx)
	m.mutex.Unlock()

	slog.Info("Game reset")
	m.run(fx)
}

// PermissionChanged records the outcome of a permission request
func (m *Machine) PermissionChanged(state audio.PermissionState) {
	m.mutex.Lock()
	m.permission = state
	var fx effects
	switch state {
	case audio.PermissionGranted:
		fx = m.displayLocked(fx, feedback.KindSuccess, MsgPermissionGranted)
	case audio.PermissionDenied:
		fx = m.displayLocked(fx, feedback.KindError, MsgPermissionDenied)
	}
	fx = m.notifyLocked(fx)
	m.mutex.Unlock()

	m.run(fx)
}

// ReportError shows an error toast. Capture errors also stop listening.
func (m *Machine) ReportError(kind ErrorKind, message string) {
	m.mutex.Lock()
	if kind == CaptureError {
		m.listening = false
	}
	fx := m.displayLocked(nil, feedback.KindError, message)
	fx = m.notifyLocked(fx)
	m.mutex.Unlock()

	slog.Warn("Game error", "kind", kind, "message", message)
	m.run(fx)
}

// SetProcessing mirrors whether a detection request is in flight
func (m *Machine) SetProcessing(processing bool) {
	m.mutex.Lock()
	if m.processing == processing {
		m.mutex.Unlock()
		return
	}
	m.processing = processing
	fx := m.notifyLocked(nil)
	m.mutex.Unlock()

	m.run(fx)
}
