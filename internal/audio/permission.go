package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// PermissionState tracks whether the microphone may be used
type PermissionState string

const (
	PermissionUnrequested PermissionState = "UNREQUESTED"
	PermissionGranted     PermissionState = "GRANTED"
	PermissionDenied      PermissionState = "DENIED"
)

// ErrPermissionDenied is returned when capture is attempted without granted access
var ErrPermissionDenied = errors.New("microphone access denied")

// PermissionGate checks microphone access by briefly opening the device
type PermissionGate struct {
	backend Backend
	format  Format

	mutex sync.RWMutex
	state PermissionState
}

// NewPermissionGate creates a gate in the unrequested state
func NewPermissionGate(backend Backend, format Format) *PermissionGate {
	return &PermissionGate{
		backend: backend,
		format:  format,
		state:   PermissionUnrequested,
	}
}

// RequestAccess opens a stream only to test access and releases it at once.
// Any failure is reported as Denied. There is no automatic retry.
func (g *PermissionGate) RequestAccess(ctx context.Context) PermissionState {
	state := PermissionGranted

	stream, err := g.backend.Open(ctx, g.format)
	if err != nil {
		slog.Warn("Microphone access denied", "backend", g.backend.GetType(), "error", err)
		state = PermissionDenied
	} else if err := stream.Close(); err != nil {
		slog.Debug("Failed to release permission probe stream", "error", err)
	}

	g.mutex.Lock()
	g.state = state
	g.mutex.Unlock()

	slog.Info("Microphone permission resolved", "state", state)
	return state
}

// State returns the last resolved permission
func (g *PermissionGate) State() PermissionState {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.state
}

// Require returns ErrPermissionDenied unless access was granted
func (g *PermissionGate) Require() error {
	if g.State() != PermissionGranted {
		return ErrPermissionDenied
	}
	return nil
}
