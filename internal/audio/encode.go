package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Encoder wraps raw PCM into the container submitted to the detection service
type Encoder interface {
	Encode(ctx context.Context, pcm []byte, format Format) ([]byte, error)
	ContentType() string
	Extension() string
}

// NewEncoder returns the encoder for a configured container name
func NewEncoder(container, ffmpegCommand string) Encoder {
	if strings.EqualFold(container, "wav") {
		return WAVEncoder{}
	}
	return NewFFmpegEncoder(ffmpegCommand)
}

// WAVEncoder writes a canonical 44-byte RIFF header in front of the PCM
type WAVEncoder struct{}

func (WAVEncoder) ContentType() string { return "audio/wav" }
func (WAVEncoder) Extension() string   { return "wav" }

func (WAVEncoder) Encode(_ context.Context, pcm []byte, format Format) ([]byte, error) {
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	byteRate := format.SampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// FFmpegEncoder turns PCM into WebM/Opus by piping it through ffmpeg
type FFmpegEncoder struct {
	command string
}

// NewFFmpegEncoder creates a WebM/Opus encoder
func NewFFmpegEncoder(command string) *FFmpegEncoder {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegEncoder{command: command}
}

func (e *FFmpegEncoder) ContentType() string { return "audio/webm" }
func (e *FFmpegEncoder) Extension() string   { return "webm" }

// Check verifies the ffmpeg binary is available
func (e *FFmpegEncoder) Check() error {
	if _, err := exec.LookPath(e.command); err != nil {
		return fmt.Errorf("webm container requires %s: %w", e.command, err)
	}
	return nil
}

func (e *FFmpegEncoder) Encode(ctx context.Context, pcm []byte, format Format) ([]byte, error) {
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
		"-c:a", "libopus",
		"-f", "webm",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Stdin = bytes.NewReader(pcm)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg webm encode failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
