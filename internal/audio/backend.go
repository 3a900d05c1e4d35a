package audio

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/clapcount/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeFFmpeg    BackendType = "ffmpeg"
	BackendTypePortAudio BackendType = "portaudio"
	BackendTypeAuto      BackendType = "auto"
)

// Format describes the PCM stream requested from a backend. Samples are
// always signed 16-bit little endian.
type Format struct {
	SampleRate int
	Channels   int
	// LatencyMs is a hint for the device buffer size, 0 lets the backend decide
	LatencyMs int
}

// BytesPerSecond of s16le PCM in this format
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Stream is a live microphone stream producing s16le PCM. Close releases the device.
type Stream interface {
	io.ReadCloser
}

// Backend defines the interface for audio backend implementations
type Backend interface {
	// Open acquires the microphone. It must not leave anything running on error.
	Open(ctx context.Context, format Format) (Stream, error)

	// List available capture devices
	ListSources() ([]string, error)

	// Get the backend type
	GetType() BackendType
}

// FormatFromConfig builds the capture format for the resolved profile
func FormatFromConfig(cfg *config.Config) Format {
	return Format{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		LatencyMs:  cfg.Audio.LatencyMs,
	}
}

// NewBackend creates the backend selected by configuration
func NewBackend(cfg *config.Config) Backend {
	switch determineBackend(cfg) {
	case BackendTypePortAudio:
		return NewPortAudioBackend()
	default:
		return NewFFmpegBackend(cfg.Audio.FFmpegCommand, cfg.Audio.InputFormat, cfg.Audio.InputDevice)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Audio.Backend) {
	case "ffmpeg":
		return BackendTypeFFmpeg
	case "portaudio":
		return BackendTypePortAudio
	}

	// auto: prefer ffmpeg when it is installed
	command := cfg.Audio.FFmpegCommand
	if command == "" {
		command = "ffmpeg"
	}
	if _, err := exec.LookPath(command); err == nil {
		return BackendTypeFFmpeg
	}
	slog.Debug("ffmpeg not found, falling back to PortAudio backend", "command", command)
	return BackendTypePortAudio
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends(ffmpegCommand string) []BackendType {
	backends := []BackendType{BackendTypePortAudio}
	if ffmpegCommand == "" {
		ffmpegCommand = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpegCommand); err == nil {
		backends = append([]BackendType{BackendTypeFFmpeg}, backends...)
	}
	return backends
}
