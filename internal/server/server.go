package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/clapcount/internal/audio"
	"github.com/audiolibrelab/clapcount/internal/config"
	"github.com/audiolibrelab/clapcount/internal/feedback"
	"github.com/audiolibrelab/clapcount/internal/game"
	"github.com/audiolibrelab/clapcount/internal/redirect"
	"github.com/audiolibrelab/clapcount/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server exposes the game over HTTP and streams feedback over a websocket
type Server struct {
	service    service.Service
	hub        *feedback.Hub
	toaster    *feedback.Toaster
	echo       *echo.Echo
	configFile string
	port       string

	profileMutex  sync.RWMutex
	activeProfile string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status        string             `json:"status"`
	Message       string             `json:"message,omitempty"`
	Session       *audio.SessionInfo `json:"session,omitempty"`
	Game          game.Snapshot      `json:"game"`
	Config        *ResolvedConfig    `json:"resolved_config"`
	ActiveProfile string             `json:"active_profile"`
}

// ResolvedConfig contains configuration information for the UI
type ResolvedConfig struct {
	Endpoint       string  `json:"endpoint"`
	Threshold      float64 `json:"threshold"`
	CooldownMs     int     `json:"cooldown_ms"`
	ChunkMs        int     `json:"chunk_ms"`
	StartCountdown int     `json:"start_countdown"`
	RedirectURL    string  `json:"redirect_url"`
	Backend        string  `json:"backend"`
	SampleRate     int     `json:"sample_rate"`
	Container      string  `json:"container"`
}

// SourcesResponse lists capture devices known to the backend
type SourcesResponse struct {
	Backend string   `json:"backend"`
	Sources []string `json:"sources"`
}

// PermissionResponse reports the outcome of a permission request
type PermissionResponse struct {
	Permission audio.PermissionState `json:"permission"`
	Message    string                `json:"message"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type levelPayload struct {
	RMS     float64 `json:"rms"`
	Peak    float64 `json:"peak"`
	Percent int     `json:"percent"`
}

// Options tweaks how the server builds its service
type Options struct {
	// Headless logs the victory redirect instead of opening a browser
	Headless bool
	// Profile overrides active_config from the file
	Profile string
}

// New creates a new web server instance
func New(configFile, port string, opts Options) (*Server, error) {
	cfg, err := config.LoadWithProfile(configFile, opts.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	hub := feedback.NewHub()
	toaster := feedback.NewToaster(cfg.ToastDuration(), hub)
	svc := service.New(cfg, configFile, service.Dependencies{
		Surface: toaster,
		Opener:  redirect.ForMode(opts.Headless),
	})

	s := NewWithService(svc, hub, configFile, port)
	s.toaster = toaster
	return s, nil
}

// NewWithService wires handlers around an existing service. Game state
// changes are broadcast to hub subscribers.
func NewWithService(svc service.Service, hub *feedback.Hub, configFile, port string) *Server {
	s := &Server{
		service:       svc,
		hub:           hub,
		configFile:    configFile,
		port:          port,
		activeProfile: svc.GetConfig().Profile,
	}

	hub.Greeting = func() []feedback.Event {
		return []feedback.Event{{Type: feedback.EventState, Payload: svc.Snapshot()}}
	}
	svc.OnChange(func(snap game.Snapshot) {
		hub.Render(feedback.Event{Type: feedback.EventState, Payload: snap})
	})

	s.echo = newEcho()
	s.register(s.echo)
	return s
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	return e
}

func (s *Server) register(e *echo.Echo) {
	e.GET("/", s.handleIndex)
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/status", s.handleStatus)
	e.GET("/sources", s.handleSources)
	e.POST("/permission", s.handlePermission)
	e.POST("/listen/start", s.handleStartListening)
	e.POST("/listen/stop", s.handleStopListening)
	e.POST("/test-clap", s.handleTestClap)
	e.POST("/reset", s.handleReset)
	e.GET("/events", echo.WrapHandler(s.hub))
	e.GET("/config/profiles", s.handleProfiles)
	e.GET("/config/active", s.handleActiveProfile)
	e.POST("/config/select", s.handleSelectProfile)
}

// Handler returns the HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	localIP := getLocalIP()
	slog.Info("Starting Clap Countdown Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	go s.forwardLevels(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(":" + s.port)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.Close()
	if err := s.service.Close(); err != nil {
		slog.Warn("Failed to stop capture on shutdown", "error", err)
	}
	if s.toaster != nil {
		s.toaster.Close()
	}
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	slog.Info("Web server stopped")
	return nil
}

// forwardLevels streams meter readings to websocket subscribers
func (s *Server) forwardLevels(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case lvl := <-s.service.Levels():
			s.hub.Render(feedback.Event{
				Type:    feedback.EventLevel,
				Payload: levelPayload{RMS: lvl.RMS, Peak: lvl.Peak, Percent: lvl.Percent()},
			})
		}
	}
}

// handleIndex serves the game page
func (s *Server) handleIndex(c echo.Context) error {
	htmlPath := "web/static/index.html"
	htmlContent, err := os.ReadFile(htmlPath)
	if err != nil {
		htmlContent = []byte(defaultHTML)
	}

	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.HTMLBlob(http.StatusOK, htmlContent)
}

// handleStatus returns the game state and capture session info
func (s *Server) handleStatus(c echo.Context) error {
	status, session := s.service.GetCaptureStatus()
	snap := s.service.Snapshot()

	return c.JSON(http.StatusOK, StatusResponse{
		Status:        string(status),
		Message:       s.generateStatusMessage(status, snap),
		Session:       session,
		Game:          snap,
		Config:        s.resolvedConfig(),
		ActiveProfile: s.getActiveProfile(),
	})
}

func (s *Server) generateStatusMessage(status audio.Status, snap game.Snapshot) string {
	if lastErr := s.service.GetLastError(); lastErr != "" {
		return lastErr
	}
	switch {
	case status == audio.StatusRecording:
		return fmt.Sprintf("Listening, %d claps to go", snap.Countdown)
	case snap.Completed:
		return "Countdown complete"
	case snap.Permission != audio.PermissionGranted:
		return "Microphone permission required"
	default:
		return "Ready to start"
	}
}

func (s *Server) resolvedConfig() *ResolvedConfig {
	cfg := s.service.GetConfig()
	return &ResolvedConfig{
		Endpoint:       cfg.Detection.Endpoint,
		Threshold:      cfg.Threshold(),
		CooldownMs:     int(cfg.Cooldown().Milliseconds()),
		ChunkMs:        cfg.Capture.ChunkMs,
		StartCountdown: cfg.Game.StartCountdown,
		RedirectURL:    cfg.Game.RedirectURL,
		Backend:        cfg.Audio.Backend,
		SampleRate:     cfg.Audio.SampleRate,
		Container:      cfg.Capture.Container,
	}
}

// handleSources lists capture devices for the configured backend
func (s *Server) handleSources(c echo.Context) error {
	backend := audio.NewBackend(s.service.GetConfig())
	sources, err := backend.ListSources()
	if err != nil {
		return s.sendErrorResponse(c, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sources: %v", err), "backend", backend.GetType())
	}
	return c.JSON(http.StatusOK, SourcesResponse{
		Backend: string(backend.GetType()),
		Sources: sources,
	})
}

// handlePermission asks for microphone access
func (s *Server) handlePermission(c echo.Context) error {
	state := s.service.RequestPermission(c.Request().Context())
	message := game.MsgPermissionGranted
	if state != audio.PermissionGranted {
		message = game.MsgPermissionDenied
	}
	return c.JSON(http.StatusOK, PermissionResponse{Permission: state, Message: message})
}

func (s *Server) handleStartListening(c echo.Context) error {
	if err := s.service.StartListening(); err != nil {
		return s.sendGameError(c, err, "operation", "start_listening")
	}
	return c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Listening for claps"})
}

func (s *Server) handleStopListening(c echo.Context) error {
	if err := s.service.StopListening(); err != nil {
		return s.sendGameError(c, err, "operation", "stop_listening")
	}
	return c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Stopped listening"})
}

func (s *Server) handleTestClap(c echo.Context) error {
	if err := s.service.TestClap(); err != nil {
		return s.sendGameError(c, err, "operation", "test_clap")
	}
	snap := s.service.Snapshot()
	return c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: fmt.Sprintf("Clap applied, countdown %d", snap.Countdown),
	})
}

func (s *Server) handleReset(c echo.Context) error {
	if err := s.service.Reset(); err != nil {
		return s.sendGameError(c, err, "operation", "reset")
	}
	return c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Game reset"})
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(c echo.Context) error {
	profiles, err := config.AvailableProfiles(s.configFile)
	if err != nil {
		slog.Debug("Failed to read config file for profiles", "error", err)
		profiles = []string{config.DefaultProfile, config.StrictProfile}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"profiles": profiles,
		"active":   s.getActiveProfile(),
	})
}

// handleActiveProfile returns the currently active profile
func (s *Server) handleActiveProfile(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"profile": s.getActiveProfile(),
	})
}

// handleSelectProfile switches profile and persists the choice when a config
// file is in use
func (s *Server) handleSelectProfile(c echo.Context) error {
	profile := c.FormValue("profile")
	if profile == "" {
		return s.sendErrorResponse(c, http.StatusBadRequest, "Missing profile")
	}
	slog.Debug("Profile selection request", "profile", profile)

	if err := s.service.LoadProfile(profile); err != nil {
		return s.sendErrorResponse(c, http.StatusBadRequest, err.Error(), "profile", profile)
	}

	s.profileMutex.Lock()
	s.activeProfile = profile
	s.profileMutex.Unlock()

	if s.configFile != "" {
		if _, err := os.Stat(s.configFile); err == nil {
			if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
				return s.sendErrorResponse(c, http.StatusInternalServerError,
					fmt.Sprintf("Failed to save profile selection to config file: %v", err))
			}
		}
	}

	slog.Info("Profile changed", "profile", profile)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", profile),
		"profile": profile,
	})
}

func (s *Server) getActiveProfile() string {
	s.profileMutex.RLock()
	defer s.profileMutex.RUnlock()
	return s.activeProfile
}

// sendGameError maps game and capture errors to HTTP statuses
func (s *Server) sendGameError(c echo.Context, err error, logArgs ...any) error {
	status := http.StatusInternalServerError
	var captureErr *audio.CaptureError
	switch {
	case errors.Is(err, game.ErrPermissionRequired), errors.Is(err, audio.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, game.ErrGameComplete), errors.Is(err, game.ErrNotListening),
		errors.Is(err, game.ErrBusy), errors.Is(err, audio.ErrSessionActive):
		status = http.StatusConflict
	case errors.As(err, &captureErr):
		status = http.StatusServiceUnavailable
	}
	return s.sendErrorResponse(c, status, err.Error(), logArgs...)
}

// sendErrorResponse logs and writes a GenericResponse failure
func (s *Server) sendErrorResponse(c echo.Context, status int, message string, logArgs ...any) error {
	args := append([]any{"status", status, "error", message}, logArgs...)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", args...)
	} else {
		slog.Warn("Request rejected", args...)
	}
	return c.JSON(status, GenericResponse{Success: false, Error: message})
}

// getLocalIP returns the local IP address for network access
func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
