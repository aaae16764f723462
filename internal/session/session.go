// Package session wires sources, encoders, the synchronizer, the ring buffers
// and the export controller into one capture session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/replayd/internal/buffer"
	"github.com/jmylchreest/replayd/internal/encoder"
	"github.com/jmylchreest/replayd/internal/export"
	"github.com/jmylchreest/replayd/internal/media"
	"github.com/jmylchreest/replayd/internal/observability"
	"github.com/jmylchreest/replayd/internal/source"
	"github.com/jmylchreest/replayd/internal/timeline"
)

// Errors returned by the session.
var (
	ErrSessionActive   = errors.New("a capture session is already active in this process")
	ErrNotRunning      = errors.New("capture session is not running")
	ErrAlreadyStarted  = errors.New("capture session already started")
	ErrShutdownTimeout = errors.New("capture session did not stop in time")
)

// DefaultShutdownTimeout bounds Shutdown when no timeout is configured.
const DefaultShutdownTimeout = 10 * time.Second

// active guards the one-session-per-process rule.
var active atomic.Bool

// State is the lifecycle state of a session.
type State int32

// Session states.
const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a Session.
type Config struct {
	Window          time.Duration
	MaxBufferBytes  int64
	QueueCapacity   int
	QueuePatience   time.Duration
	ShutdownTimeout time.Duration
	Sync            timeline.Config
	Export          export.Config
	Logger          *slog.Logger
}

// Components are the pluggable parts of a session.
type Components struct {
	VideoSource  source.Source
	AudioSource  source.Source
	VideoBackend encoder.Backend
	AudioBackend encoder.Backend
}

// stream bundles the per-stream pipeline.
type stream struct {
	kind       media.StreamKind
	source     source.Source
	encoder    *encoder.Encoder
	ring       *buffer.Ring
	pushErrors atomic.Uint64
}

// Session is one capture session: two streams feeding rolling buffers, plus
// the export controller reading from them.
type Session struct {
	id     string
	config Config
	logger *slog.Logger

	sync    *timeline.Synchronizer
	video   *stream
	audio   *stream
	exports *export.Controller

	state     atomic.Int32
	startedAt atomic.Pointer[time.Time]

	mu          sync.Mutex
	stopSources context.CancelFunc
	runErr      error

	exportCtx     context.Context
	cancelExports context.CancelFunc

	done        chan struct{}
	releaseOnce sync.Once
}

// New creates the process's capture session. Only one session may exist at a
// time; a second call fails with ErrSessionActive until the first has stopped.
func New(config Config, components Components) (*Session, error) {
	if components.VideoSource == nil || components.AudioSource == nil ||
		components.VideoBackend == nil || components.AudioBackend == nil {
		return nil, errors.New("session needs a source and a backend for each stream")
	}
	if !active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if config.MaxBufferBytes <= 0 {
		config.MaxBufferBytes = buffer.DefaultMaxBytes
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = encoder.DefaultQueueCapacity
	}
	if config.QueuePatience <= 0 {
		config.QueuePatience = encoder.DefaultQueuePatience
	}

	id := uuid.New().String()
	logger := config.Logger.With(slog.String("session_id", id))

	newStream := func(kind media.StreamKind, src source.Source, backend encoder.Backend) *stream {
		ringCfg := buffer.DefaultConfig(kind, config.Window)
		ringCfg.MaxBytes = config.MaxBufferBytes
		return &stream{
			kind:   kind,
			source: src,
			encoder: encoder.New(backend, encoder.Config{
				Stream:        kind,
				QueueCapacity: config.QueueCapacity,
				QueuePatience: config.QueuePatience,
				Logger:        observability.WithComponent(logger, "encoder"),
			}),
			ring: buffer.New(ringCfg),
		}
	}

	s := &Session{
		id:     id,
		config: config,
		logger: logger,
		sync:   timeline.New(config.Sync),
		video:  newStream(media.Video, components.VideoSource, components.VideoBackend),
		audio:  newStream(media.Audio, components.AudioSource, components.AudioBackend),
		done:   make(chan struct{}),
	}

	exportCfg := config.Export
	if exportCfg.Logger == nil {
		exportCfg.Logger = observability.WithComponent(logger, "export")
	}
	s.exports = export.NewController(s.video.ring, s.audio.ring, exportCfg)
	s.exportCtx, s.cancelExports = context.WithCancel(context.Background())

	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error Run ended with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		active.Store(false)
	})
}

// Run opens both encoders and runs the capture and ingest workers until ctx
// is cancelled, Shutdown is called, or a fatal error occurs. Fatal errors are
// returned; a requested stop returns nil.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	defer func() {
		if err != nil {
			s.state.Store(int32(StateFailed))
			observability.WithError(s.logger, err).Error("capture session failed")
		} else {
			s.state.Store(int32(StateStopped))
			s.logger.Info("capture session stopped")
		}
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		s.release()
		close(s.done)
	}()

	srcCtx, stopSources := context.WithCancel(ctx)
	defer stopSources()
	s.mu.Lock()
	s.stopSources = stopSources
	s.mu.Unlock()

	if err := s.video.encoder.Open(ctx); err != nil {
		return fmt.Errorf("video: %w", err)
	}
	if err := s.audio.encoder.Open(ctx); err != nil {
		_ = s.video.encoder.Close()
		return fmt.Errorf("audio: %w", err)
	}

	now := time.Now()
	s.startedAt.Store(&now)
	s.logger.Info("capture session started",
		slog.Duration("window", s.config.Window),
		slog.String("video_encoder", s.video.encoder.Stats(ctx).Encoder),
		slog.String("audio_encoder", s.audio.encoder.Stats(ctx).Encoder))

	g, gctx := errgroup.WithContext(srcCtx)
	for _, st := range []*stream{s.video, s.audio} {
		g.Go(func() error { return s.capture(gctx, st) })
		g.Go(func() error { return s.ingest(st) })
	}

	err = g.Wait()

	// Exports in flight finish against the final ring contents.
	_ = s.exports.Wait(context.Background())
	return err
}

// capture feeds one source into its encoder. The encoder is closed when the
// source stops so that ingestion drains and ends.
func (s *Session) capture(ctx context.Context, st *stream) error {
	logger := s.logger.With(slog.String("stream", st.kind.String()))
	defer func() {
		if err := st.encoder.Close(); err != nil {
			observability.WithError(logger, err).Warn("encoder close failed")
		}
	}()

	err := st.source.Run(ctx, func(frame media.RawFrame) error {
		err := st.encoder.Submit(ctx, frame)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, encoder.ErrFrameDropped), errors.Is(err, encoder.ErrOutOfOrder):
			observability.WithError(logger, err).Debug("frame not encoded")
			return nil
		default:
			return err
		}
	})

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, encoder.ErrClosed) {
		return nil
	}
	return fmt.Errorf("%s capture: %w", st.kind, err)
}

// ingest stamps encoded packets and pushes them into the ring.
func (s *Session) ingest(st *stream) error {
	for pkt := range st.encoder.Packets() {
		pkt = s.sync.Stamp(pkt)
		if _, err := st.ring.Push(pkt); err != nil {
			st.pushErrors.Add(1)
			observability.WithError(s.logger, err).Debug("packet rejected by ring",
				slog.String("stream", st.kind.String()))
		}
	}
	if err := st.encoder.Err(); err != nil {
		return fmt.Errorf("%s encoder: %w", st.kind, err)
	}
	return nil
}

// Shutdown stops the sources, flushes the encoders, drains ingestion and
// waits for in-flight exports. When ctx or the configured shutdown timeout
// expires first, running exports are cancelled and ErrShutdownTimeout is
// returned.
func (s *Session) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if s.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
		s.release()
		s.cancelExports()
		close(s.done)
		return nil
	}
	s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))

	s.mu.Lock()
	stop := s.stopSources
	s.mu.Unlock()
	if stop != nil {
		stop()
	}

	select {
	case <-s.done:
		s.cancelExports()
		return nil
	case <-ctx.Done():
		s.cancelExports()
		s.logger.Warn("shutdown timed out, abandoning remaining work",
			slog.Duration("timeout", s.config.ShutdownTimeout))
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
	}
}

// Export saves the current replay window on the calling goroutine.
func (s *Session) Export(ctx context.Context) (*export.Result, error) {
	if s.State() != StateRunning {
		return nil, ErrNotRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.exportCtx, cancel)
	defer stop()

	return s.exports.Trigger(ctx)
}

// ExportAsync starts an export in the background. It reports false when the
// session is not running or the trigger was coalesced.
func (s *Session) ExportAsync() bool {
	if s.State() != StateRunning {
		return false
	}
	return s.exports.TriggerAsync(s.exportCtx)
}

// StreamStatus is the status of one stream.
type StreamStatus struct {
	Encoder    encoder.Stats `json:"encoder"`
	Buffer     buffer.Stats  `json:"buffer"`
	PushErrors uint64        `json:"push_errors"`
}

// Status is a point-in-time view of the session.
type Status struct {
	ID        string         `json:"id"`
	State     string         `json:"state"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Uptime    time.Duration  `json:"uptime"`
	Window    time.Duration  `json:"window"`
	Video     StreamStatus   `json:"video"`
	Audio     StreamStatus   `json:"audio"`
	Sync      timeline.Stats `json:"sync"`
	Export    export.Stats   `json:"export"`
	Error     string         `json:"error,omitempty"`
}

// Status returns the current session status.
func (s *Session) Status(ctx context.Context) Status {
	st := Status{
		ID:     s.id,
		State:  s.State().String(),
		Window: s.config.Window,
		Video:  s.streamStatus(ctx, s.video),
		Audio:  s.streamStatus(ctx, s.audio),
		Sync:   s.sync.Stats(),
		Export: s.exports.Stats(),
	}
	if started := s.startedAt.Load(); started != nil {
		st.StartedAt = started
		st.Uptime = time.Since(*started).Truncate(time.Second)
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (s *Session) streamStatus(ctx context.Context, st *stream) StreamStatus {
	return StreamStatus{
		Encoder:    st.encoder.Stats(ctx),
		Buffer:     st.ring.Stats(),
		PushErrors: st.pushErrors.Load(),
	}
}
