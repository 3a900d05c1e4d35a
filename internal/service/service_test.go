package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audiolibrelab/clapcount/internal/audio"
	"github.com/audiolibrelab/clapcount/internal/config"
	"github.com/audiolibrelab/clapcount/internal/detect"
	"github.com/audiolibrelab/clapcount/internal/feedback"
	"github.com/audiolibrelab/clapcount/internal/game"
	"github.com/google/go-cmp/cmp"
)

// silentStream yields zeroed PCM at a steady pace until closed. With
// failAfter > 0 it breaks after that many reads.
type silentStream struct {
	failAfter int
	reads     int
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *silentStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	case <-time.After(2 * time.Millisecond):
	}
	s.reads++
	if s.failAfter > 0 && s.reads > s.failAfter {
		return 0, errors.New("device unplugged")
	}
	clear(p)
	return len(p), nil
}

func (s *silentStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// lingeringStream keeps delivering PCM for a while after Close is called,
// the way ffmpeg flushes after SIGINT
type lingeringStream struct {
	silentStream
	linger time.Duration
}

func (s *lingeringStream) Close() error {
	time.Sleep(s.linger)
	return s.silentStream.Close()
}

type fakeBackend struct {
	mutex     sync.Mutex
	openErr   error
	failAfter int
	linger    time.Duration
	opened    int
}

func (b *fakeBackend) Open(ctx context.Context, format audio.Format) (audio.Stream, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.opened++
	if b.openErr != nil {
		return nil, b.openErr
	}
	if b.linger > 0 {
		return &lingeringStream{
			silentStream: silentStream{closed: make(chan struct{})},
			linger:       b.linger,
		}, nil
	}
	return &silentStream{failAfter: b.failAfter, closed: make(chan struct{})}, nil
}

func (b *fakeBackend) ListSources() ([]string, error) { return []string{"fake"}, nil }
func (b *fakeBackend) GetType() audio.BackendType     { return "fake" }

// steppingClock moves one second forward on every Now so no clap falls
// inside the cooldown
type steppingClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *steppingClock) AfterFunc(d time.Duration, f func()) game.Timer {
	return time.AfterFunc(d, f)
}

// manualClock only moves when told to and counts how often it was read
type manualClock struct {
	mutex sync.Mutex
	now   time.Time
	reads int
}

func (c *manualClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.reads++
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) game.Timer {
	return time.AfterFunc(d, f)
}

func (c *manualClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) Reads() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.reads
}

// recordingOpener remembers every URL it was asked to open
type recordingOpener struct {
	mutex sync.Mutex
	urls  []string
}

func (o *recordingOpener) Open(url string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.urls = append(o.urls, url)
	return nil
}

func (o *recordingOpener) Opened() []string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]string(nil), o.urls...)
}

// recordingSurface keeps every toast it was asked to show
type recordingSurface struct {
	mutex       sync.Mutex
	toasts      []feedback.Request
	celebration bool
}

func (s *recordingSurface) Display(req feedback.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.toasts = append(s.toasts, req)
}

func (s *recordingSurface) TriggerCelebration() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.celebration = true
}

func (s *recordingSurface) CancelCelebration() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.celebration = false
}

func (s *recordingSurface) messages() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var out []string
	for _, t := range s.toasts {
		out = append(out, t.Message)
	}
	return out
}

func (s *recordingSurface) has(message string) bool {
	for _, m := range s.messages() {
		if m == message {
			return true
		}
	}
	return false
}

// busyDetector never accepts a chunk, leaving the game to TestClap
type busyDetector struct{}

func (busyDetector) TrySubmit(context.Context, audio.Chunk, func(detect.Result, error)) error {
	return detect.ErrInFlight
}
func (busyDetector) InFlight() bool { return false }

type fixture struct {
	svc      *ClapService
	backend  *fakeBackend
	surface  *recordingSurface
	opener   *recordingOpener
	requests *atomic.Int32
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithProfile("", config.DefaultProfile)
	if err != nil {
		t.Fatalf("LoadWithProfile() error = %v", err)
	}
	cfg.Audio.SampleRate = 1000
	cfg.Audio.Channels = 1
	cfg.Capture.Container = "wav"
	cfg.Capture.ChunkMs = 20
	cfg.Capture.LevelIntervalMs = 10
	immediate := 0
	cfg.Game.RedirectDelayMs = &immediate
	return cfg
}

// newFixture starts a detection server answering with handler and a service
// pointed at it
func newFixture(t *testing.T, handler http.HandlerFunc, detector Detector) *fixture {
	t.Helper()
	return newFixtureWithClock(t, handler, detector, &steppingClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func newFixtureWithClock(t *testing.T, handler http.HandlerFunc, detector Detector, clock game.Clock) *fixture {
	t.Helper()

	requests := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(t)
	cfg.Detection.Endpoint = server.URL + "/api/detect"

	f := &fixture{
		backend:  &fakeBackend{},
		surface:  &recordingSurface{},
		opener:   &recordingOpener{},
		requests: requests,
	}
	f.svc = New(cfg, "", Dependencies{
		Backend:  f.backend,
		Detector: detector,
		Surface:  f.surface,
		Opener:   f.opener,
		Clock:    clock,
	})
	t.Cleanup(func() { f.svc.Close() })
	return f
}

func respond(body string, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestStartListeningRequiresPermission(t *testing.T) {
	f := newFixture(t, respond(`{"clapDetected":false,"score":0}`, http.StatusOK), nil)

	if err := f.svc.StartListening(); !errors.Is(err, game.ErrPermissionRequired) {
		t.Fatalf("StartListening() error = %v, want ErrPermissionRequired", err)
	}
	if f.backend.opened != 0 {
		t.Errorf("Microphone opened %d times without permission", f.backend.opened)
	}
}

func TestRequestPermissionDenied(t *testing.T) {
	f := newFixture(t, respond(`{}`, http.StatusOK), nil)
	f.backend.openErr = errors.New("no such device")

	if state := f.svc.RequestPermission(context.Background()); state != audio.PermissionDenied {
		t.Fatalf("RequestPermission() = %s, want DENIED", state)
	}
	if !f.surface.has(game.MsgPermissionDenied) {
		t.Errorf("Expected denial toast, got %v", f.surface.messages())
	}
	if f.svc.GetLastError() == "" {
		t.Error("Expected last error to be set")
	}
	if snap := f.svc.Snapshot(); snap.Permission != audio.PermissionDenied {
		t.Errorf("Snapshot permission = %s, want DENIED", snap.Permission)
	}
}

func TestCountdownCompletesFromDetections(t *testing.T) {
	f := newFixture(t, respond(`{"clapDetected":true,"score":0.9,"method":"fake"}`, http.StatusOK), nil)

	if state := f.svc.RequestPermission(context.Background()); state != audio.PermissionGranted {
		t.Fatalf("RequestPermission() = %s", state)
	}
	if err := f.svc.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	waitFor(t, "countdown completion", func() bool { return f.svc.Snapshot().Completed })

	snap := f.svc.Snapshot()
	if snap.Listening || !snap.Redirecting || !snap.Disabled {
		t.Errorf("Unexpected completed snapshot: %+v", snap)
	}
	waitFor(t, "victory toast", func() bool { return f.surface.has(game.MsgVictory) })
	waitFor(t, "redirect", func() bool { return len(f.opener.Opened()) > 0 })
	if diff := cmp.Diff([]string{config.DefaultRedirectURL}, f.opener.Opened()); diff != "" {
		t.Errorf("Redirect mismatch (-want +got):\n%s", diff)
	}
	waitFor(t, "capture release", func() bool {
		status, _ := f.svc.GetCaptureStatus()
		return status == audio.StatusStandby
	})

	// detections arriving after completion change nothing
	time.Sleep(50 * time.Millisecond)
	if got := f.svc.Snapshot().Countdown; got != 0 {
		t.Errorf("Countdown = %d after completion, want 0", got)
	}
	if err := f.svc.StartListening(); !errors.Is(err, game.ErrGameComplete) {
		t.Errorf("StartListening() after completion error = %v, want ErrGameComplete", err)
	}
}

func TestBelowThresholdKeepsCountdown(t *testing.T) {
	f := newFixture(t, respond(`{"clapDetected":true,"score":0.2}`, http.StatusOK), nil)
	f.svc.RequestPermission(context.Background())
	if err := f.svc.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	waitFor(t, "a few detection requests", func() bool { return f.requests.Load() >= 3 })

	if err := f.svc.StopListening(); err != nil {
		t.Fatalf("StopListening() error = %v", err)
	}
	snap := f.svc.Snapshot()
	if snap.Countdown != config.DefaultStartCountdown {
		t.Errorf("Countdown = %d, want %d", snap.Countdown, config.DefaultStartCountdown)
	}
	if snap.Listening || snap.Processing {
		t.Errorf("Expected idle after stop, got %+v", snap)
	}
	if status, _ := f.svc.GetCaptureStatus(); status != audio.StatusStandby {
		t.Errorf("Capture status = %s, want STANDBY", status)
	}
}

func TestDetectionErrorShowsToastAndKeepsListening(t *testing.T) {
	f := newFixture(t, respond(`{"error":"boom"}`, http.StatusInternalServerError), nil)
	f.svc.RequestPermission(context.Background())
	if err := f.svc.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	want := "Error processing audio: detection service returned HTTP 500: boom"
	waitFor(t, "transport error toast", func() bool { return f.surface.has(want) })

	snap := f.svc.Snapshot()
	if !snap.Listening {
		t.Error("Transport errors must not stop listening")
	}
	if snap.Countdown != config.DefaultStartCountdown {
		t.Errorf("Countdown = %d, want %d", snap.Countdown, config.DefaultStartCountdown)
	}
	if got := f.svc.GetLastError(); got != want {
		t.Errorf("GetLastError() = %q, want %q", got, want)
	}
}

func TestCaptureFailureStopsListening(t *testing.T) {
	f := newFixture(t, respond(`{"clapDetected":false,"score":0}`, http.StatusOK), nil)
	f.svc.RequestPermission(context.Background())
	f.backend.failAfter = 5

	if err := f.svc.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	waitFor(t, "capture failure", func() bool { return !f.svc.Snapshot().Listening })

	if !f.surface.has(game.MsgCaptureFailed) {
		t.Errorf("Expected capture failure toast, got %v", f.surface.messages())
	}
	if status, _ := f.svc.GetCaptureStatus(); status != audio.StatusError {
		t.Errorf("Capture status = %s, want ERROR", status)
	}

	// a fresh session can start once the device is back
	f.backend.mutex.Lock()
	f.backend.failAfter = 0
	f.backend.mutex.Unlock()
	if err := f.svc.StartListening(); err != nil {
		t.Fatalf("StartListening() after failure error = %v", err)
	}
	if !f.svc.Snapshot().Listening {
		t.Error("Expected listening after restart")
	}
}

func TestOpenFailureReportsCaptureError(t *testing.T) {
	f := newFixture(t, respond(`{}`, http.StatusOK), nil)
	f.svc.RequestPermission(context.Background())
	f.backend.mutex.Lock()
	f.backend.openErr = errors.New("device busy")
	f.backend.mutex.Unlock()

	err := f.svc.StartListening()
	var captureErr *audio.CaptureError
	if !errors.As(err, &captureErr) {
		t.Fatalf("StartListening() error = %v, want CaptureError", err)
	}
	if f.svc.Snapshot().Listening {
		t.Error("Expected not listening after open failure")
	}
	if !f.surface.has(game.MsgCaptureFailed) {
		t.Errorf("Expected capture failure toast, got %v", f.surface.messages())
	}
}

func TestTestClapCompletesAndStopsCapture(t *testing.T) {
	f := newFixture(t, respond(`{}`, http.StatusOK), busyDetector{})
	f.svc.RequestPermission(context.Background())

	if err := f.svc.TestClap(); !errors.Is(err, game.ErrNotListening) {
		t.Fatalf("TestClap() while idle error = %v, want ErrNotListening", err)
	}
	if err := f.svc.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}

	for i := 0; i < config.DefaultStartCountdown; i++ {
		if err := f.svc.TestClap(); err != nil {
			t.Fatalf("TestClap() #%d error = %v", i+1, err)
		}
	}

	if !f.svc.Snapshot().Completed {
		t.Fatal("Expected countdown complete")
	}
	if status, _ := f.svc.GetCaptureStatus(); status != audio.StatusStandby {
		t.Errorf("Capture status = %s, want STANDBY", status)
	}
	if err := f.svc.TestClap(); !errors.Is(err, game.ErrGameComplete) {
		t.Errorf("TestClap() after completion error = %v, want ErrGameComplete", err)
	}
	if f.requests.Load() != 0 {
		t.Errorf("Detection server saw %d requests, want 0", f.requests.Load())
	}
}

func TestResetWhileListening(t *testing.T) {
	f := newFixture(t, respond(`{}`, http.StatusOK), busyDetector{})
	f.svc.RequestPermission(context.Background())
	f.svc.StartListening()
	f.svc.TestClap()
	f.svc.TestClap()

	if err := f.svc.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	snap := f.svc.Snapshot()
	if snap.Countdown != config.DefaultStartCountdown || snap.Listening {
		t.Errorf("Unexpected snapshot after reset: %+v", snap)
	}
	if snap.Permission != audio.PermissionGranted {
		t.Errorf("Reset must keep permission, got %s", snap.Permission)
	}
	if status, _ := f.svc.GetCaptureStatus(); status != audio.StatusStandby {
		t.Errorf("Capture status = %s, want STANDBY", status)
	}
}

func TestLoadProfileResetsGameAndPermission(t *testing.T) {
	f := newFixture(t, respond(`{}`, http.StatusOK), busyDetector{})
	f.svc.RequestPermission(context.Background())
	f.svc.StartListening()
	f.svc.TestClap()

	if err := f.svc.LoadProfile(config.StrictProfile); err != nil {
		t.Fatalf("LoadProfile() error = %v", err)
	}

	if got := f.svc.GetConfig().Profile; got != config.StrictProfile {
		t.Errorf("Profile = %q, want %q", got, config.StrictProfile)
	}
	snap := f.svc.Snapshot()
	if snap.Permission != audio.PermissionUnrequested {
		t.Errorf("Permission = %s, want UNREQUESTED", snap.Permission)
	}
	if snap.Countdown != config.DefaultStartCountdown || snap.Listening {
		t.Errorf("Unexpected snapshot after profile switch: %+v", snap)
	}
	if err := f.svc.LoadProfile("missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestStopListeningDiscardsResultsInFlight(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		respond(`{"clapDetected":true,"score":0.9}`, http.StatusOK)(w, r)
	}, nil)
	f.svc.RequestPermission(context.Background())

	f.backend.mutex.Lock()
	f.backend.linger = 300 * time.Millisecond
	f.backend.mutex.Unlock()

	if err := f.svc.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}
	waitFor(t, "first detection request", func() bool { return f.requests.Load() >= 1 })

	// the answer lands while the stream is still draining
	if err := f.svc.StopListening(); err != nil {
		t.Fatalf("StopListening() error = %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	snap := f.svc.Snapshot()
	if snap.Countdown != config.DefaultStartCountdown {
		t.Errorf("Countdown = %d after StopListening, want %d", snap.Countdown, config.DefaultStartCountdown)
	}
	if snap.Listening || snap.Processing {
		t.Errorf("Expected idle after stop, got %+v", snap)
	}
	if f.surface.has(game.MsgClapDetected) {
		t.Errorf("Clap accepted after stop: %v", f.surface.messages())
	}
}

func TestCandidatesInsideCooldownCountOnce(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var served atomic.Int32
	var armed atomic.Int32
	release := make(chan struct{})

	clap := respond(`{"clapDetected":true,"score":0.9}`, http.StatusOK)
	quiet := respond(`{"clapDetected":false,"score":0.1}`, http.StatusOK)

	f := newFixtureWithClock(t, func(w http.ResponseWriter, r *http.Request) {
		switch served.Add(1) {
		case 1:
			clap(w, r)
		case 2:
			// wait until the first clap has been timestamped
			deadline := time.Now().Add(2 * time.Second)
			for clock.Reads() <= int(armed.Load()) && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			clock.Advance(100 * time.Millisecond)
			clap(w, r)
		case 6:
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
			clock.Advance(500 * time.Millisecond)
			clap(w, r)
		default:
			quiet(w, r)
		}
	}, nil, clock)

	f.svc.RequestPermission(context.Background())
	if err := f.svc.StartListening(); err != nil {
		t.Fatalf("StartListening() error = %v", err)
	}
	armed.Store(int32(clock.Reads()))

	// request 6 is only sent once the second clap has been applied
	waitFor(t, "sixth detection request", func() bool { return f.requests.Load() >= 6 })
	if got := f.svc.Snapshot().Countdown; got != 9 {
		t.Errorf("Countdown = %d after two claps 100ms apart, want 9", got)
	}

	close(release)
	waitFor(t, "clap after cooldown", func() bool { return f.svc.Snapshot().Countdown == 8 })

	if err := f.svc.StopListening(); err != nil {
		t.Fatalf("StopListening() error = %v", err)
	}
}
