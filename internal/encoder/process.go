package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/replayd/internal/ffmpeg"
	"github.com/jmylchreest/replayd/internal/media"
	"github.com/jmylchreest/replayd/internal/observability"
)

// startupGrace is how long Open waits for FFmpeg to fail on bad options or a
// missing device before reporting success.
const startupGrace = 300 * time.Millisecond

// trackHandler registers data callbacks for the tracks found in FFmpeg's
// output. It returns an error when no usable track exists.
type trackHandler func(r *mpegts.Reader, emit Emitter) error

// processBackend runs an FFmpeg child that reads raw frames on stdin and
// writes MPEG-TS on stdout.
type processBackend struct {
	name    string
	command *ffmpeg.Command
	logger  *slog.Logger
	attach  trackHandler

	proc *ffmpeg.Process

	writeMu sync.Mutex

	done    chan struct{}
	failErr atomic.Pointer[error]
	closing atomic.Bool
}

func newProcessBackend(name string, command *ffmpeg.Command, logger *slog.Logger, attach trackHandler) *processBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &processBackend{
		name:    name,
		command: command,
		logger:  logger.With(slog.String("encoder", name)),
		attach:  attach,
		done:    make(chan struct{}),
	}
}

// Open starts FFmpeg and the output reader.
func (b *processBackend) Open(ctx context.Context, emit Emitter) error {
	proc, err := ffmpeg.Start(context.WithoutCancel(ctx), b.command, ffmpeg.ProcessOptions{
		Stdin:  true,
		Logger: b.logger,
	})
	if err != nil {
		return err
	}
	b.proc = proc

	select {
	case <-proc.Done():
		err := proc.Err()
		if err == nil {
			err = errors.New("ffmpeg exited during startup")
		}
		return err
	case <-time.After(startupGrace):
	case <-ctx.Done():
		proc.Stop(time.Second)
		return ctx.Err()
	}

	go b.readLoop(emit)
	return nil
}

// Write sends raw bytes to FFmpeg's stdin. A broken pipe means FFmpeg has
// exited and is reported as ErrBackendFailed.
func (b *processBackend) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return fmt.Errorf("%w: %s is not running", ErrBackendFailed, b.name)
	default:
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if _, err := b.proc.Stdin().Write(data); err != nil {
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: writing to %s: %w", ErrBackendFailed, b.name, err)
		}
		return fmt.Errorf("writing to %s: %w", b.name, err)
	}
	return nil
}

// readLoop demuxes FFmpeg's output until EOF.
func (b *processBackend) readLoop(emit Emitter) {
	defer close(b.done)

	err := b.demux(emit)

	<-b.proc.Done()
	if b.closing.Load() {
		return
	}

	if perr := b.proc.Err(); perr != nil {
		err = perr
	}
	if err == nil {
		err = errors.New("ffmpeg exited unexpectedly")
	}
	b.failErr.Store(&err)
}

func (b *processBackend) demux(emit Emitter) error {
	r := &mpegts.Reader{R: b.proc.Stdout()}
	if err := r.Initialize(); err != nil {
		return fmt.Errorf("reading ffmpeg output: %w", err)
	}

	r.OnDecodeError(func(err error) {
		observability.WithError(b.logger, err).Debug("mpegts decode error")
	})

	if err := b.attach(r, emit); err != nil {
		return err
	}

	for {
		if err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("reading ffmpeg output: %w", err)
		}
	}
}

// Close closes stdin so FFmpeg flushes its remaining output, then waits for
// the reader to finish, escalating to interrupt and kill.
func (b *processBackend) Close(timeout time.Duration) error {
	if b.proc == nil {
		return nil
	}
	b.closing.Store(true)

	b.writeMu.Lock()
	_ = b.proc.Stdin().Close()
	b.writeMu.Unlock()

	select {
	case <-b.done:
	case <-time.After(timeout):
		b.logger.Warn("ffmpeg output did not drain in time")
	}
	b.proc.Stop(timeout)
	<-b.done
	return nil
}

func (b *processBackend) Done() <-chan struct{} {
	return b.done
}

func (b *processBackend) Err() error {
	if p := b.failErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *processBackend) stats(ctx context.Context) BackendStats {
	if b.proc == nil {
		return BackendStats{}
	}
	progress := b.proc.Progress()
	s := BackendStats{
		BitrateKbps: progress.BitrateKbps,
		Speed:       progress.Speed,
		PID:         b.proc.PID(),
	}
	if usage, err := b.proc.ResourceUsage(ctx); err == nil {
		s.CPUPercent = usage.CPUPercent
		s.MemoryRSS = usage.MemoryRSS
	}
	return s
}

// captureQueue maps encoder output back to capture times for encoders whose
// output order equals input order.
type captureQueue struct {
	mu    sync.Mutex
	times []time.Time
}

func (q *captureQueue) push(t time.Time) {
	q.mu.Lock()
	q.times = append(q.times, t)
	q.mu.Unlock()
}

// pop returns the oldest capture time, or false when the queue is empty.
func (q *captureQueue) pop() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.times) == 0 {
		return time.Time{}, false
	}
	t := q.times[0]
	q.times[0] = time.Time{}
	q.times = q.times[1:]
	if len(q.times) == 0 {
		q.times = nil
	}
	return t, true
}

// frameDuration returns the nominal frame duration for fps.
func frameDuration(fps int) time.Duration {
	if fps <= 0 {
		return 0
	}
	return (time.Second / time.Duration(fps)).Truncate(media.TimeUnit)
}
