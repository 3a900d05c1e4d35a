package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/clapcount/internal/audio"
	"github.com/audiolibrelab/clapcount/internal/config"
	"github.com/audiolibrelab/clapcount/internal/detect"
	"github.com/audiolibrelab/clapcount/internal/feedback"
	"github.com/audiolibrelab/clapcount/internal/game"
	"github.com/audiolibrelab/clapcount/internal/redirect"
	"github.com/google/uuid"
)

// Service represents the core clap countdown service interface
type Service interface {
	// Permission operations
	RequestPermission(ctx context.Context) audio.PermissionState

	// Game operations
	StartListening() error
	StopListening() error
	TestClap() error
	Reset() error

	// Status operations
	Snapshot() game.Snapshot
	GetCaptureStatus() (audio.Status, *audio.SessionInfo)
	Levels() <-chan audio.Level
	OnChange(fn func(game.Snapshot))

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config
	GetLastError() string

	Close() error
}

// Detector scores chunks one at a time
type Detector interface {
	TrySubmit(ctx context.Context, chunk audio.Chunk, deliver func(detect.Result, error)) error
	InFlight() bool
}

// Dependencies overrides collaborators. Nil fields are built from the config.
type Dependencies struct {
	Backend  audio.Backend
	Encoder  audio.Encoder
	Detector Detector
	Surface  feedback.Surface
	Opener   redirect.Opener
	Clock    game.Clock
}

// ClapService wires capture, detection, debouncing and the game machine
type ClapService struct {
	cfg        *config.Config
	configFile string
	deps       Dependencies

	// mutex serializes control operations
	mutex     sync.Mutex
	gate      *audio.PermissionGate
	pipeline  *audio.Pipeline
	detector  Detector
	debouncer *game.Debouncer
	machine   *game.Machine
	levels    chan audio.Level
	listen    *listenLoop

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// listenLoop feeds one capture session's chunks through detection
type listenLoop struct {
	session *audio.CaptureSession
	cancel  context.CancelFunc
	done    chan struct{}

	// stopping is set before the microphone is released; results arriving
	// while the stream drains are discarded
	stopping atomic.Bool
}

func (l *listenLoop) running() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// scored is a detection outcome tagged with the session that produced it
type scored struct {
	sessionID uuid.UUID
	seq       int
	result    detect.Result
	err       error
}

// New creates a new clap countdown service instance
func New(cfg *config.Config, configFile string, deps Dependencies) *ClapService {
	if deps.Clock == nil {
		deps.Clock = game.SystemClock{}
	}
	if deps.Opener == nil {
		deps.Opener = redirect.Log{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ClapService{
		cfg:        cfg,
		configFile: configFile,
		deps:       deps,
		levels:     make(chan audio.Level, 1),
		baseCtx:    ctx,
		baseCancel: cancel,
	}

	opts := game.OptionsFromConfig(cfg)
	opts.Surface = deps.Surface
	opts.Opener = deps.Opener
	opts.Clock = deps.Clock
	s.machine = game.NewMachine(opts)

	s.buildComponents()
	return s
}

// buildComponents creates the config-dependent parts. Caller holds mutex or
// has exclusive access.
func (s *ClapService) buildComponents() {
	backend := s.deps.Backend
	if backend == nil {
		backend = audio.NewBackend(s.cfg)
	}
	encoder := s.deps.Encoder
	if encoder == nil {
		encoder = audio.NewEncoder(s.cfg.Capture.Container, s.cfg.Audio.FFmpegCommand)
	}
	detector := s.deps.Detector
	if detector == nil {
		detector = detect.NewClient(s.cfg)
	}

	format := audio.FormatFromConfig(s.cfg)
	s.gate = audio.NewPermissionGate(backend, format)
	s.pipeline = audio.NewPipeline(backend, s.gate, encoder, audio.PipelineOptions{
		Format:        format,
		ChunkDuration: s.cfg.ChunkDuration(),
		LevelInterval: s.cfg.LevelInterval(),
		Levels:        s.levels,
	})
	s.detector = detector
	s.debouncer = game.NewDebouncer(s.cfg.Cooldown())
}

// RequestPermission probes the microphone and records the outcome
func (s *ClapService) RequestPermission(ctx context.Context) audio.PermissionState {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	state := s.gate.RequestAccess(ctx)
	if state == audio.PermissionDenied {
		s.setLastError(game.MsgPermissionDenied)
	} else {
		s.clearLastError()
	}
	s.machine.PermissionChanged(state)
	return state
}

// StartListening opens a capture session and starts scoring its chunks. It is
// a no-op while already listening.
func (s *ClapService) StartListening() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listen != nil {
		if s.listen.running() && s.machine.Listening() {
			return nil
		}
		// the previous session ended on its own; collect it
		s.stopLocked()
	}

	if err := s.machine.StartListening(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	session, err := s.pipeline.Start(ctx)
	if err != nil {
		cancel()
		s.setLastError(fmt.Sprintf("Failed to start capture: %v", err))
		s.machine.ReportError(game.CaptureError, game.MsgCaptureFailed)
		return err
	}

	s.clearLastError()
	l := &listenLoop{session: session, cancel: cancel, done: make(chan struct{})}
	s.listen = l
	go s.run(ctx, l, s.pipeline, s.detector, s.debouncer, s.cfg.Threshold())
	return nil
}

// StopListening releases the microphone and pauses the game
func (s *ClapService) StopListening() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.machine.StopListening()
	return s.stopLocked()
}

// stopLocked ends the listen loop and waits for it to release the microphone
func (s *ClapService) stopLocked() error {
	l := s.listen
	s.listen = nil
	if l == nil {
		return nil
	}

	l.stopping.Store(true)
	err := s.pipeline.Stop()
	l.cancel()
	<-l.done
	s.machine.SetProcessing(false)

	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop capture: %v", err))
	}
	return err
}

// TestClap applies a clap without detection. Completing the countdown this
// way also stops capture.
func (s *ClapService) TestClap() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.machine.TestClap(); err != nil {
		return err
	}
	if s.machine.Disabled() {
		return s.stopLocked()
	}
	return nil
}

// Reset stops capture and returns the game to its initial state
func (s *ClapService) Reset() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := s.stopLocked()
	s.debouncer.Reset()
	s.machine.Reset()
	s.clearLastError()
	return err
}

// Snapshot returns the current game state
func (s *ClapService) Snapshot() game.Snapshot {
	return s.machine.Snapshot()
}

// OnChange registers a listener for game state changes
func (s *ClapService) OnChange(fn func(game.Snapshot)) {
	s.machine.OnChange(fn)
}

// GetCaptureStatus returns the pipeline status and session info
func (s *ClapService) GetCaptureStatus() (audio.Status, *audio.SessionInfo) {
	s.mutex.Lock()
	pipeline := s.pipeline
	s.mutex.Unlock()
	return pipeline.GetStatus()
}

// Levels delivers input meter readings while listening
func (s *ClapService) Levels() <-chan audio.Level {
	return s.levels
}

// LoadProfile loads a new configuration profile. Capture stops, the game
// resets and permission must be requested again.
func (s *ClapService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.stopLocked(); err != nil {
		slog.Warn("Failed to stop capture before profile switch", "error", err)
	}

	s.cfg = newCfg
	s.buildComponents()

	opts := game.OptionsFromConfig(newCfg)
	s.machine.Reconfigure(opts)
	s.clearLastError()

	slog.Info("Profile loaded", "profile", newCfg.Profile)
	return nil
}

// GetConfig returns the current configuration
func (s *ClapService) GetConfig() *config.Config {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cfg
}

// Close stops capture and cancels outstanding detection requests
func (s *ClapService) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := s.stopLocked()
	s.baseCancel()
	return err
}

// run owns one capture session. Chunks are submitted while no request is
// in flight; results are applied only while the game is still listening.
func (s *ClapService) run(ctx context.Context, l *listenLoop, pipeline *audio.Pipeline, detector Detector, debouncer *game.Debouncer, threshold float64) {
	defer close(l.done)
	defer l.cancel()

	results := make(chan scored, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case chunk, ok := <-l.session.Chunks():
			if !ok {
				s.sessionEnded(l.session)
				return
			}
			if l.stopping.Load() {
				continue
			}
			s.submit(ctx, detector, chunk, results)

		case r := <-results:
			s.machine.SetProcessing(false)
			if s.apply(l, debouncer, threshold, r) {
				if err := pipeline.Stop(); err != nil {
					slog.Warn("Failed to release microphone after countdown", "error", err)
				}
				return
			}
		}
	}
}

func (s *ClapService) submit(ctx context.Context, detector Detector, chunk audio.Chunk, results chan<- scored) {
	err := detector.TrySubmit(ctx, chunk, func(result detect.Result, err error) {
		select {
		case results <- scored{sessionID: chunk.SessionID, seq: chunk.Seq, result: result, err: err}:
		case <-ctx.Done():
		}
	})
	if errors.Is(err, detect.ErrInFlight) {
		slog.Debug("Detection busy, dropping chunk", "seq", chunk.Seq)
		return
	}
	if err != nil {
		slog.Warn("Failed to submit chunk", "seq", chunk.Seq, "error", err)
		return
	}
	s.machine.SetProcessing(true)
}

// apply runs one detection outcome through the debouncer and the machine.
// It reports whether the countdown completed.
func (s *ClapService) apply(l *listenLoop, debouncer *game.Debouncer, threshold float64, r scored) bool {
	if l.stopping.Load() || r.sessionID != l.session.ID() || !s.machine.Listening() {
		slog.Debug("Discarding late detection result", "seq", r.seq)
		return false
	}

	if r.err != nil {
		msg := fmt.Sprintf("Error processing audio: %v", r.err)
		s.setLastError(msg)
		s.machine.ReportError(game.TransportError, msg)
		return false
	}

	slog.Debug("Detection result", "seq", r.seq, "clap", r.result.ClapDetected, "score", r.result.Score)
	if !detect.IsCandidate(r.result, threshold) {
		return false
	}
	if !debouncer.Accept(s.deps.Clock.Now(), s.machine.Disabled()) {
		slog.Debug("Clap inside cooldown ignored", "seq", r.seq, "score", r.result.Score)
		return false
	}

	s.machine.ShowClap(r.result.Score)
	s.machine.ClapAccepted()
	return s.machine.Disabled()
}

// sessionEnded handles a chunk stream that closed on its own
func (s *ClapService) sessionEnded(session *audio.CaptureSession) {
	err := session.Err()
	if err == nil {
		return
	}
	s.setLastError(err.Error())
	s.machine.ReportError(game.CaptureError, game.MsgCaptureFailed)
}

// GetLastError returns the last error message (thread-safe)
func (s *ClapService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *ClapService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *ClapService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
