package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegBackend captures the microphone by running ffmpeg and reading s16le
// PCM from its stdout. Echo cancellation, noise suppression and gain control
// are never requested, so the raw signal reaches the scorer.
type FFmpegBackend struct {
	command     string
	inputFormat string
	inputDevice string

	// startProbe is how long Open waits for an early ffmpeg exit
	startProbe time.Duration
}

// NewFFmpegBackend creates a new ffmpeg capture backend
func NewFFmpegBackend(command, inputFormat, inputDevice string) *FFmpegBackend {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if inputDevice == "" {
		inputDevice = "default"
	}
	return &FFmpegBackend{
		command:     command,
		inputFormat: inputFormat,
		inputDevice: inputDevice,
		startProbe:  250 * time.Millisecond,
	}
}

// GetType returns the backend type
func (b *FFmpegBackend) GetType() BackendType {
	return BackendTypeFFmpeg
}

// captureArgs builds the ffmpeg command line for a capture
func (b *FFmpegBackend) captureArgs(format Format) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", b.inputFormat,
	}

	// PulseAudio takes a fragment size in bytes as its latency knob
	if format.LatencyMs > 0 && b.inputFormat == "pulse" {
		fragment := format.BytesPerSecond() * format.LatencyMs / 1000
		args = append(args, "-fragment_size", strconv.Itoa(fragment))
	}

	args = append(args,
		"-i", b.inputDevice,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	)
	return args
}

// Open starts ffmpeg and returns its PCM output. If ffmpeg exits during the
// start probe the capture is reported as failed and nothing is left running.
func (b *FFmpegBackend) Open(ctx context.Context, format Format) (Stream, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	args := b.captureArgs(format)
	slog.Debug("Starting ffmpeg capture", "command", b.command+" "+strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, b.command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	stream := &ffmpegStream{
		stdout:  stdout,
		process: cmd.Process,
		waitErr: make(chan error, 1),
	}
	stderrDone := make(chan struct{})
	go stream.readStderr(stderr, stderrDone)
	go func() {
		<-stderrDone
		stream.waitErr <- cmd.Wait()
		close(stream.waitErr)
	}()

	select {
	case err := <-stream.waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, stream.lastStderr())
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(b.startProbe):
	}

	return stream, nil
}

// ListSources asks ffmpeg for the capture devices of the configured input format
func (b *FFmpegBackend) ListSources() ([]string, error) {
	cmd := exec.Command(b.command, "-hide_banner", "-sources", b.inputFormat)
	output, err := cmd.Output()
	if err != nil && len(output) == 0 {
		return nil, fmt.Errorf("failed to list %s sources: %w", b.inputFormat, err)
	}
	return parseFFmpegSources(string(output)), nil
}

// parseFFmpegSources extracts device names from `ffmpeg -sources` output.
// Device lines are indented and the default device is prefixed with '*'.
func parseFFmpegSources(output string) []string {
	var sources []string
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "*") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "*"))
		if line == "" {
			continue
		}
		// "alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio Analog Stereo]"
		sources = append(sources, line)
	}
	return sources
}

type ffmpegStream struct {
	stdout  io.ReadCloser
	process *os.Process
	waitErr chan error

	stderrMutex sync.Mutex
	stderrTail  string

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// readStderr forwards ffmpeg diagnostics to the debug log and keeps the last line
func (s *ffmpegStream) readStderr(pipe io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("FFmpeg output", "stream", "stderr", "line", line)
		s.stderrMutex.Lock()
		s.stderrTail = line
		s.stderrMutex.Unlock()
	}
}

func (s *ffmpegStream) lastStderr() string {
	s.stderrMutex.Lock()
	defer s.stderrMutex.Unlock()
	return strings.TrimSpace(s.stderrTail)
}

// Close stops ffmpeg with SIGINT, falling back to SIGKILL
func (s *ffmpegStream) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			if err := s.process.Signal(os.Interrupt); err != nil {
				slog.Debug("Failed to send interrupt to FFmpeg", "error", err)
			}
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			slog.Warn("FFmpeg did not exit within timeout, force killing")
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil {
			if tail := s.lastStderr(); tail != "" {
				s.stopErr = fmt.Errorf("%w: %s", s.stopErr, tail)
			}
		}
	})

	return s.stopErr
}

// normalizeStopErr treats signal-induced exits as a clean stop
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
