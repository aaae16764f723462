// Package encoder turns raw frames into encoded packets. An Encoder owns one
// Backend (NVENC or VAAPI for video, Opus for audio) and enforces the
// submission contract shared by all of them.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/replayd/internal/media"
	"github.com/jmylchreest/replayd/internal/observability"
	"github.com/jmylchreest/replayd/internal/queue"
)

// Errors returned by Submit and Open.
var (
	// ErrOutOfOrder is returned for a frame whose capture time precedes the
	// previously accepted frame. The frame is not forwarded.
	ErrOutOfOrder = errors.New("frame capture time is out of order")

	// ErrFrameDropped is returned when a single frame could not be encoded.
	// The encoder remains usable.
	ErrFrameDropped = errors.New("frame dropped")

	// ErrInit wraps device or session initialization failures.
	ErrInit = errors.New("encoder initialization failed")

	// ErrBackendFailed is returned once the backend has stopped unexpectedly.
	// It is fatal to the session.
	ErrBackendFailed = errors.New("encoder backend failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("encoder closed")
)

// Default output queue sizing.
const (
	DefaultQueueCapacity = 512
	DefaultQueuePatience = 50 * time.Millisecond
	DefaultCloseTimeout  = 3 * time.Second
)

// Emitter receives packets produced by a backend. It is called from a single
// backend goroutine.
type Emitter func(media.EncodedPacket)

// BackendStats is the encoder-side view reported by a backend.
type BackendStats struct {
	BitrateKbps float64 `json:"bitrate_kbps"`
	Speed       float64 `json:"speed"`
	PID         int     `json:"pid,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemoryRSS   uint64  `json:"memory_rss_bytes,omitempty"`
}

// Backend is one concrete encoder implementation.
type Backend interface {
	// Name returns the encoder name, e.g. h264_nvenc.
	Name() string

	// Open initializes the device and starts producing packets through emit.
	Open(ctx context.Context, emit Emitter) error

	// Encode hands one validated frame to the backend. It may block while the
	// backend is busy.
	Encode(ctx context.Context, frame media.RawFrame) error

	// Close flushes pending output and releases the device.
	Close(timeout time.Duration) error

	// Done is closed once the backend will not emit any more packets.
	Done() <-chan struct{}

	// Err reports why the backend stopped when it was not closed.
	Err() error

	// Stats returns backend statistics.
	Stats(ctx context.Context) BackendStats
}

// Config configures an Encoder.
type Config struct {
	Stream        media.StreamKind
	QueueCapacity int
	QueuePatience time.Duration
	CloseTimeout  time.Duration
	Logger        *slog.Logger
}

// Stats holds encoder counters.
type Stats struct {
	Stream        string       `json:"stream"`
	Encoder       string       `json:"encoder"`
	FramesIn      uint64       `json:"frames_in"`
	PacketsOut    uint64       `json:"packets_out"`
	BytesOut      uint64       `json:"bytes_out"`
	DroppedFrames uint64       `json:"dropped_frames"`
	OutOfOrder    uint64       `json:"out_of_order"`
	QueueDropped  uint64       `json:"queue_dropped"`
	QueueLength   int          `json:"queue_length"`
	Backend       BackendStats `json:"backend"`
}

// Encoder wraps a Backend with ordering checks, validation, counters and a
// bounded output queue.
type Encoder struct {
	config  Config
	backend Backend
	logger  *slog.Logger
	out     *queue.Queue[media.EncodedPacket]

	submitMu     sync.Mutex
	lastCaptured time.Time

	ctx    context.Context
	cancel context.CancelFunc

	opened   atomic.Bool
	closed   atomic.Bool
	finished chan struct{}
	failErr  atomic.Pointer[error]

	framesIn   atomic.Uint64
	packetsOut atomic.Uint64
	bytesOut   atomic.Uint64
	dropped    atomic.Uint64
	outOfOrder atomic.Uint64
}

// New creates an Encoder for backend.
func New(backend Backend, config Config) *Encoder {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	if config.QueuePatience < 0 {
		config.QueuePatience = 0
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = DefaultCloseTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Encoder{
		config:   config,
		backend:  backend,
		logger:   logger.With(slog.String("stream", config.Stream.String()), slog.String("encoder", backend.Name())),
		out:      queue.New[media.EncodedPacket](config.QueueCapacity, config.QueuePatience),
		finished: make(chan struct{}),
	}
}

// Open initializes the backend. Failures are wrapped in ErrInit.
func (e *Encoder) Open(ctx context.Context) error {
	if !e.opened.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already open", ErrInit)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	if err := e.backend.Open(ctx, e.emit); err != nil {
		e.cancel()
		e.out.Close()
		close(e.finished)
		return fmt.Errorf("%w: %s: %w", ErrInit, e.backend.Name(), err)
	}

	go e.watch()

	e.logger.Info("encoder opened")
	return nil
}

// watch closes the output queue when the backend stops and records an
// unexpected stop as a fatal failure.
func (e *Encoder) watch() {
	<-e.backend.Done()

	if err := e.backend.Err(); err != nil && !e.closed.Load() {
		wrapped := fmt.Errorf("%w: %s: %w", ErrBackendFailed, e.backend.Name(), err)
		e.failErr.Store(&wrapped)
		observability.WithError(e.logger, err).Error("encoder backend stopped")
	}

	e.out.Close()
	close(e.finished)
}

func (e *Encoder) emit(pkt media.EncodedPacket) {
	pkt.Stream = e.config.Stream
	if _, err := e.out.Push(e.ctx, pkt); err != nil {
		return
	}
	e.packetsOut.Add(1)
	e.bytesOut.Add(uint64(pkt.Size()))
}

// Submit hands a frame to the encoder. Frames must arrive in non-decreasing
// capture order. It returns ErrOutOfOrder or ErrFrameDropped for frames that
// were not encoded, and ErrBackendFailed once the backend has died.
func (e *Encoder) Submit(ctx context.Context, frame media.RawFrame) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.Err(); err != nil {
		return err
	}
	if !e.opened.Load() {
		return fmt.Errorf("%w: not open", ErrInit)
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	if !e.lastCaptured.IsZero() && frame.Captured.Before(e.lastCaptured) {
		e.outOfOrder.Add(1)
		return fmt.Errorf("%w: %s after %s", ErrOutOfOrder,
			frame.Captured.Format(time.RFC3339Nano), e.lastCaptured.Format(time.RFC3339Nano))
	}

	if frame.Stream != e.config.Stream {
		return e.drop(fmt.Errorf("%s frame submitted to %s encoder", frame.Stream, e.config.Stream))
	}
	if err := frame.Validate(); err != nil {
		return e.drop(err)
	}

	if err := e.backend.Encode(ctx, frame); err != nil {
		if errors.Is(err, ErrBackendFailed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return e.drop(err)
	}

	e.lastCaptured = frame.Captured
	e.framesIn.Add(1)
	return nil
}

func (e *Encoder) drop(cause error) error {
	n := e.dropped.Add(1)
	observability.WithError(e.logger, cause).Warn("dropping frame",
		slog.Uint64("dropped_total", n))
	return fmt.Errorf("%w: %w", ErrFrameDropped, cause)
}

// Packets returns the bounded output channel. It is closed after Close, or
// when the backend stops.
func (e *Encoder) Packets() <-chan media.EncodedPacket {
	return e.out.C()
}

// Done is closed once the output channel has been closed.
func (e *Encoder) Done() <-chan struct{} {
	return e.finished
}

// Err returns the fatal backend failure, if any.
func (e *Encoder) Err() error {
	if p := e.failErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Close flushes the backend and closes the output channel. Packets already
// queued remain readable.
func (e *Encoder) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !e.opened.Load() {
		e.out.Close()
		return nil
	}

	// Serialize with in-flight Submit calls.
	e.submitMu.Lock()
	err := e.backend.Close(e.config.CloseTimeout)
	e.submitMu.Unlock()

	select {
	case <-e.finished:
	case <-time.After(e.config.CloseTimeout):
		e.logger.Warn("encoder backend did not finish in time")
	}
	e.cancel()

	e.logger.Info("encoder closed",
		slog.Uint64("frames_in", e.framesIn.Load()),
		slog.Uint64("packets_out", e.packetsOut.Load()),
		slog.Uint64("dropped_frames", e.dropped.Load()))

	if err != nil {
		return fmt.Errorf("closing %s: %w", e.backend.Name(), err)
	}
	return nil
}

// Stats returns encoder statistics.
func (e *Encoder) Stats(ctx context.Context) Stats {
	s := Stats{
		Stream:        e.config.Stream.String(),
		Encoder:       e.backend.Name(),
		FramesIn:      e.framesIn.Load(),
		PacketsOut:    e.packetsOut.Load(),
		BytesOut:      e.bytesOut.Load(),
		DroppedFrames: e.dropped.Load(),
		OutOfOrder:    e.outOfOrder.Load(),
		QueueDropped:  e.out.Dropped(),
		QueueLength:   e.out.Len(),
	}
	if e.opened.Load() {
		s.Backend = e.backend.Stats(ctx)
	}
	return s
}
