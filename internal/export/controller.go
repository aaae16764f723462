// Package export turns ring buffer snapshots into clip files.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/replayd/internal/media"
)

// Errors returned by Trigger.
var (
	ErrInsufficientData = errors.New("no video keyframe buffered yet")
	ErrMuxFailed        = errors.New("writing clip failed")
)

// cancelCheckEvery is how many packets are written between context checks.
const cancelCheckEvery = 256

// State is the export controller state.
type State int32

// Controller states.
const (
	StateIdle State = iota
	StateExporting
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExporting:
		return "exporting"
	default:
		return "unknown"
	}
}

// Snapshotter yields a consistent copy of a stream's buffered packets.
type Snapshotter interface {
	Snapshot() []media.EncodedPacket
}

// Recorder persists metadata about saved clips.
type Recorder interface {
	RecordClip(ctx context.Context, result Result) error
}

// Result describes one export.
type Result struct {
	ID           string        `json:"id,omitempty"`
	Path         string        `json:"path,omitempty"`
	Container    Container     `json:"container,omitempty"`
	Size         int64         `json:"size,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	VideoPackets int           `json:"video_packets,omitempty"`
	AudioPackets int           `json:"audio_packets,omitempty"`
	DroppedAudio int           `json:"dropped_audio,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Elapsed      time.Duration `json:"elapsed,omitempty"`

	// Coalesced is set when the trigger arrived during another export. No
	// file was written for it and the other fields are empty.
	Coalesced bool `json:"coalesced,omitempty"`
}

// Config configures a Controller.
type Config struct {
	OutputDir string
	Container Container
	Recorder  Recorder
	Logger    *slog.Logger

	// Now is the clock used for clip names. Defaults to time.Now.
	Now func() time.Time
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	State     string  `json:"state"`
	Exports   uint64  `json:"exports"`
	Failures  uint64  `json:"failures"`
	Coalesced uint64  `json:"coalesced"`
	Last      *Result `json:"last,omitempty"`
	LastError string  `json:"last_error,omitempty"`
}

// Controller runs single-flight exports of the current replay window.
type Controller struct {
	config Config
	video  Snapshotter
	audio  Snapshotter
	logger *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	inflight chan struct{}
	last     *Result
	lastErr  error

	exports   atomic.Uint64
	failures  atomic.Uint64
	coalesced atomic.Uint64
}

// NewController creates an export controller reading from the two rings.
func NewController(video, audio Snapshotter, config Config) *Controller {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Container == "" {
		config.Container = ContainerMP4
	}
	if config.OutputDir == "" {
		config.OutputDir = "clips"
	}
	return &Controller{
		config: config,
		video:  video,
		audio:  audio,
		logger: config.Logger,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Trigger exports the current window on the calling goroutine. A trigger that
// arrives while an export is running is a no-op: it returns at once with an
// empty result marked Coalesced and no error. The running export already
// covers the latest buffered data.
func (c *Controller) Trigger(ctx context.Context) (*Result, error) {
	done, ok := c.begin()
	if !ok {
		return &Result{Coalesced: true, CreatedAt: c.config.Now()}, nil
	}
	return c.run(ctx, done)
}

// TriggerAsync starts an export on a new goroutine. It reports false when the
// trigger was coalesced into a running export.
func (c *Controller) TriggerAsync(ctx context.Context) bool {
	done, ok := c.begin()
	if !ok {
		return false
	}
	go func() {
		_, _ = c.run(ctx, done)
	}()
	return true
}

// Wait blocks until no export is in flight or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.inflight
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns controller statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		State:     c.State().String(),
		Exports:   c.exports.Load(),
		Failures:  c.failures.Load(),
		Coalesced: c.coalesced.Load(),
	}
	if c.last != nil {
		last := *c.last
		s.Last = &last
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// begin claims the export slot. The state change and inflight are published
// together under mu so that Wait never sees Exporting without a channel.
func (c *Controller) begin() (chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateExporting)) {
		c.coalesced.Add(1)
		c.logger.Debug("export already running, trigger coalesced")
		return nil, false
	}
	done := make(chan struct{})
	c.inflight = done
	return done, true
}

func (c *Controller) run(ctx context.Context, done chan struct{}) (result *Result, err error) {
	defer func() {
		c.mu.Lock()
		if err != nil {
			c.lastErr = err
		} else {
			c.last = result
			c.lastErr = nil
		}
		c.inflight = nil
		c.state.Store(int32(StateIdle))
		c.mu.Unlock()

		close(done)
	}()

	result, err = c.export(ctx)
	if err != nil {
		c.failures.Add(1)
		c.logger.Error("export failed", slog.String("error", err.Error()))
		return nil, err
	}
	c.exports.Add(1)
	return result, nil
}

func (c *Controller) export(ctx context.Context) (*Result, error) {
	started := time.Now()

	plan, err := NewPlan(c.video.Snapshot(), c.audio.Snapshot())
	if err != nil {
		return nil, err
	}

	now := c.config.Now()
	path, size, err := writeFile(ctx, c.config.OutputDir, now, c.config.Container, func(w io.Writer) error {
		return c.mux(ctx, w, plan)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: export cancelled: %w", ErrMuxFailed, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMuxFailed, err)
	}

	result := &Result{
		ID:           ulid.Make().String(),
		Path:         path,
		Container:    c.config.Container,
		Size:         size,
		Duration:     plan.Duration,
		VideoPackets: plan.VideoPackets,
		AudioPackets: plan.AudioPackets,
		DroppedAudio: plan.DroppedAudio,
		CreatedAt:    now,
		Elapsed:      time.Since(started),
	}

	c.logger.Info("clip saved",
		slog.String("path", path),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Duration("duration", plan.Duration),
		slog.Int("video_packets", plan.VideoPackets),
		slog.Int("audio_packets", plan.AudioPackets),
		slog.Duration("elapsed", result.Elapsed))

	if c.config.Recorder != nil {
		if err := c.config.Recorder.RecordClip(ctx, *result); err != nil {
			c.logger.Warn("failed to record clip in catalog",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}

	return result, nil
}

func (c *Controller) mux(ctx context.Context, w io.Writer, plan *Plan) error {
	m, err := NewMuxer(c.config.Container, w, plan)
	if err != nil {
		return err
	}
	for i, pkt := range plan.Packets {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := m.WritePacket(pkt); err != nil {
			return fmt.Errorf("writing %s packet at %s: %w", pkt.Stream, pkt.PTS, err)
		}
	}
	return m.Close()
}
