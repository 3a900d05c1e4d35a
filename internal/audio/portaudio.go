package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend captures from the system default input device through PortAudio
type PortAudioBackend struct{}

// NewPortAudioBackend creates a new PortAudio capture backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// GetType returns the backend type
func (b *PortAudioBackend) GetType() BackendType {
	return BackendTypePortAudio
}

// Open initializes PortAudio and starts a mono int16 input stream. Every
// successful Open is paired with a Terminate in Close.
func (b *PortAudioBackend) Open(ctx context.Context, format Format) (Stream, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	framesPerBuffer := 1024
	if format.LatencyMs > 0 {
		framesPerBuffer = format.SampleRate * format.LatencyMs / 1000
	}
	buf := make([]int16, framesPerBuffer*format.Channels)

	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), framesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to open default input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("failed to start input stream: %w", err)
	}

	slog.Debug("PortAudio capture started", "sample_rate", format.SampleRate, "frames_per_buffer", framesPerBuffer)

	return &portAudioStream{
		ctx:    ctx,
		stream: stream,
		buf:    buf,
	}, nil
}

// ListSources returns the names of devices with at least one input channel
func (b *PortAudioBackend) ListSources() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list PortAudio devices: %w", err)
	}

	var sources []string
	for _, device := range devices {
		if device.MaxInputChannels > 0 {
			sources = append(sources, fmt.Sprintf("%s (%s)", device.Name, device.HostApi.Name))
		}
	}
	return sources, nil
}

// portAudioStream adapts the blocking PortAudio read API to io.Reader
type portAudioStream struct {
	ctx    context.Context
	stream *portaudio.Stream
	buf    []int16
	out    bytes.Buffer

	closeOnce sync.Once
	closeErr  error
	mutex     sync.Mutex
	closed    bool
}

func (s *portAudioStream) Read(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for s.out.Len() == 0 {
		if s.closed {
			return 0, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.stream.Read(); err != nil {
			return 0, fmt.Errorf("PortAudio read failed: %w", err)
		}
		if err := binary.Write(&s.out, binary.LittleEndian, s.buf); err != nil {
			return 0, err
		}
	}
	return s.out.Read(p)
}

// Close stops the stream and releases PortAudio
func (s *portAudioStream) Close() error {
	s.closeOnce.Do(func() {
		// Stop unblocks a pending Read before we take the mutex
		if err := s.stream.Stop(); err != nil {
			s.closeErr = err
		}
		s.mutex.Lock()
		s.closed = true
		s.mutex.Unlock()
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		if err := portaudio.Terminate(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
