package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of the capture pipeline
type Status string

const (
	StatusStandby   Status = "STANDBY"
	StatusRecording Status = "RECORDING"
	StatusError     Status = "ERROR"
)

// ErrSessionActive is returned by Start while another session owns the microphone
var ErrSessionActive = errors.New("capture session already active")

// CaptureError reports a microphone failure after permission was granted
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s failed: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Chunk is one encoded, fixed-duration slice of captured audio
type Chunk struct {
	SessionID   uuid.UUID
	Seq         int
	Data        []byte
	ContentType string
	Filename    string
	Duration    time.Duration
	CapturedAt  time.Time
}

// SessionInfo contains information about the current capture session
type SessionInfo struct {
	ID            uuid.UUID     `json:"id"`
	StartTime     time.Time     `json:"start_time"`
	SampleRate    int           `json:"sample_rate"`
	ChunkDuration time.Duration `json:"chunk_duration"`
	Container     string        `json:"container"`
}

// PipelineOptions configures chunking and metering
type PipelineOptions struct {
	Format        Format
	ChunkDuration time.Duration
	LevelInterval time.Duration
	// Levels lets several pipelines share one meter channel
	Levels chan Level
}

// Pipeline owns at most one live CaptureSession and turns its PCM into chunks
type Pipeline struct {
	backend Backend
	gate    *PermissionGate
	encoder Encoder
	opts    PipelineOptions

	mutex   sync.RWMutex
	status  Status
	session *CaptureSession

	levels chan Level
}

// NewPipeline creates a pipeline in standby
func NewPipeline(backend Backend, gate *PermissionGate, encoder Encoder, opts PipelineOptions) *Pipeline {
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 500 * time.Millisecond
	}
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = 16 * time.Millisecond
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	if opts.Levels == nil {
		opts.Levels = make(chan Level, 1)
	}
	return &Pipeline{
		backend: backend,
		gate:    gate,
		encoder: encoder,
		opts:    opts,
		status:  StatusStandby,
		levels:  opts.Levels,
	}
}

// Levels delivers input meter readings from whichever session is active.
// Readings are dropped when nobody is receiving.
func (p *Pipeline) Levels() <-chan Level {
	return p.levels
}

// Start opens the microphone and begins chunking. It fails without side
// effects when access was not granted, a session is already active or the
// stream cannot be acquired.
func (p *Pipeline) Start(ctx context.Context) (*CaptureSession, error) {
	if err := p.gate.Require(); err != nil {
		return nil, fmt.Errorf("cannot start capture: %w", err)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.session != nil {
		return nil, ErrSessionActive
	}

	stream, err := p.backend.Open(ctx, p.opts.Format)
	if err != nil {
		p.status = StatusError
		return nil, &CaptureError{Op: "open", Err: err}
	}

	session := newCaptureSession(ctx, stream, p)
	p.session = session
	p.status = StatusRecording

	go session.readLoop()
	go session.encodeLoop()

	slog.Info("Capture session started",
		"session", session.id,
		"backend", p.backend.GetType(),
		"sample_rate", p.opts.Format.SampleRate,
		"chunk", p.opts.ChunkDuration)
	return session, nil
}

// Stop flushes the partial chunk, releases the stream and ends the session.
// Calling Stop without an active session is a no-op.
func (p *Pipeline) Stop() error {
	p.mutex.Lock()
	session := p.session
	p.session = nil
	if session != nil {
		p.status = StatusStandby
	}
	p.mutex.Unlock()

	if session == nil {
		return nil
	}

	err := session.stop()
	slog.Info("Capture session stopped", "session", session.id, "chunks", session.emitted())
	return err
}

// GetStatus returns the current status and session info
func (p *Pipeline) GetStatus() (Status, *SessionInfo) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.session == nil {
		return p.status, nil
	}
	return p.status, &SessionInfo{
		ID:            p.session.id,
		StartTime:     p.session.startTime,
		SampleRate:    p.opts.Format.SampleRate,
		ChunkDuration: p.opts.ChunkDuration,
		Container:     p.encoder.Extension(),
	}
}

// sessionFailed detaches a session that died on its own
func (p *Pipeline) sessionFailed(session *CaptureSession) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.session == session {
		p.session = nil
		p.status = StatusError
	}
}

func (p *Pipeline) publishLevel(level Level) {
	select {
	case p.levels <- level:
	default:
	}
}

// CaptureSession is one exclusive use of the microphone
type CaptureSession struct {
	id        uuid.UUID
	startTime time.Time
	ctx       context.Context
	stream    Stream
	pipeline  *Pipeline

	queue    chan []byte
	chunks   chan Chunk
	stopping chan struct{}
	done     chan struct{}

	stopOnce sync.Once
	stopErr  error

	mutex sync.Mutex
	err   error
	seq   int
}

func newCaptureSession(ctx context.Context, stream Stream, p *Pipeline) *CaptureSession {
	return &CaptureSession{
		id:        uuid.New(),
		startTime: time.Now(),
		ctx:       ctx,
		stream:    stream,
		pipeline:  p,
		queue:     make(chan []byte, 4),
		chunks:    make(chan Chunk, 2),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID identifies the session; chunks carry it so late results can be matched
func (s *CaptureSession) ID() uuid.UUID { return s.id }

// Chunks yields encoded chunks in capture order and is closed when the session ends
func (s *CaptureSession) Chunks() <-chan Chunk { return s.chunks }

// Done is closed once every session goroutine has exited
func (s *CaptureSession) Done() <-chan struct{} { return s.done }

// Err returns the CaptureError that ended the session, or nil after a normal stop
func (s *CaptureSession) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

func (s *CaptureSession) emitted() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.seq
}

func (s *CaptureSession) isStopping() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

func (s *CaptureSession) stop() error {
	s.stopOnce.Do(func() {
		close(s.stopping)
		if err := s.stream.Close(); err != nil {
			s.stopErr = fmt.Errorf("failed to release microphone: %w", err)
		}
		<-s.done
	})
	return s.stopErr
}

// readLoop segments the PCM stream into chunk-sized blocks and feeds the meter
func (s *CaptureSession) readLoop() {
	defer close(s.queue)

	opts := s.pipeline.opts
	bytesPerSecond := opts.Format.BytesPerSecond()
	frameSize := alignSample(int(int64(bytesPerSecond) * int64(opts.LevelInterval) / int64(time.Second)))
	chunkSize := alignSample(int(int64(bytesPerSecond) * int64(opts.ChunkDuration) / int64(time.Second)))

	frame := make([]byte, frameSize)
	pending := make([]byte, 0, chunkSize+frameSize)

	for {
		n, err := io.ReadFull(s.stream, frame)
		if n > 0 {
			rms, peak := measureLevel(frame[:n])
			s.pipeline.publishLevel(Level{RMS: rms, Peak: peak, At: time.Now()})

			pending = append(pending, frame[:n]...)
			for len(pending) >= chunkSize {
				block := make([]byte, chunkSize)
				copy(block, pending)
				pending = append(pending[:0], pending[chunkSize:]...)
				s.enqueue(block, false)
			}
		}
		if err == nil {
			continue
		}

		if s.isStopping() {
			if len(pending) > 0 {
				block := make([]byte, len(pending))
				copy(block, pending)
				s.enqueue(block, true)
			}
			return
		}
		if s.ctx.Err() != nil {
			slog.Debug("Capture session cancelled", "session", s.id)
			s.pipeline.sessionFailed(s)
			s.stream.Close()
			return
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errors.New("microphone stream ended unexpectedly")
		}
		s.fail(&CaptureError{Op: "read", Err: err})
		return
	}
}

func (s *CaptureSession) fail(err error) {
	slog.Error("Capture session failed", "session", s.id, "error", err)
	s.mutex.Lock()
	s.err = err
	s.mutex.Unlock()
	s.pipeline.sessionFailed(s)
	if closeErr := s.stream.Close(); closeErr != nil {
		slog.Debug("Failed to release microphone after error", "error", closeErr)
	}
}

// enqueue hands PCM to the encoder without ever stalling the reader. The
// final flush may wait because the reader is about to exit anyway.
func (s *CaptureSession) enqueue(block []byte, flush bool) {
	if flush {
		s.queue <- block
		return
	}
	select {
	case s.queue <- block:
	default:
		slog.Warn("Encoder backlog full, dropping chunk", "session", s.id, "bytes", len(block))
	}
}

// encodeLoop wraps queued PCM in the configured container
func (s *CaptureSession) encodeLoop() {
	defer close(s.done)
	defer close(s.chunks)

	opts := s.pipeline.opts
	encoder := s.pipeline.encoder
	bytesPerSecond := opts.Format.BytesPerSecond()

	for block := range s.queue {
		data, err := encoder.Encode(s.ctx, block, opts.Format)
		if err != nil {
			slog.Error("Failed to encode chunk", "session", s.id, "error", err)
			continue
		}

		s.mutex.Lock()
		seq := s.seq
		s.seq++
		s.mutex.Unlock()

		s.emit(Chunk{
			SessionID:   s.id,
			Seq:         seq,
			Data:        data,
			ContentType: encoder.ContentType(),
			Filename:    "audio." + encoder.Extension(),
			Duration:    time.Duration(int64(len(block)) * int64(time.Second) / int64(bytesPerSecond)),
			CapturedAt:  time.Now(),
		})
	}
}

// emit blocks while the session runs. Once stopping, a chunk is delivered
// only if the buffer has room.
func (s *CaptureSession) emit(chunk Chunk) {
	select {
	case s.chunks <- chunk:
		return
	case <-s.ctx.Done():
		return
	case <-s.stopping:
	}

	select {
	case s.chunks <- chunk:
	default:
		slog.Debug("Dropping flushed chunk with no reader", "session", s.id, "seq", chunk.Seq)
	}
}

// alignSample rounds a byte count down to whole 16-bit samples, minimum one
func alignSample(n int) int {
	n -= n % 2
	if n < 2 {
		return 2
	}
	return n
}
