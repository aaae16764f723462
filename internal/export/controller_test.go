package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/replayd/internal/media"
)

type staticSnapshot []media.EncodedPacket

func (s staticSnapshot) Snapshot() []media.EncodedPacket {
	return append([]media.EncodedPacket(nil), s...)
}

// gatedSnapshot blocks its first Snapshot call until released.
type gatedSnapshot struct {
	packets []media.EncodedPacket
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSnapshot(packets []media.EncodedPacket) *gatedSnapshot {
	return &gatedSnapshot{
		packets: packets,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedSnapshot) Snapshot() []media.EncodedPacket {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return append([]media.EncodedPacket(nil), g.packets...)
}

type recorderFunc func(ctx context.Context, r Result) error

func (f recorderFunc) RecordClip(ctx context.Context, r Result) error {
	return f(ctx, r)
}

func fixedClock() time.Time {
	return time.Unix(1_700_000_000, 0)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "exporting", StateExporting.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestController_Trigger(t *testing.T) {
	for _, container := range []Container{ContainerTS, ContainerMP4} {
		t.Run(string(container), func(t *testing.T) {
			dir := t.TempDir()
			video, audio := fixtureClip(t, 2, 5)

			var recorded []Result
			ctrl := NewController(staticSnapshot(video), staticSnapshot(audio), Config{
				OutputDir: dir,
				Container: container,
				Now:       fixedClock,
				Recorder: recorderFunc(func(_ context.Context, r Result) error {
					recorded = append(recorded, r)
					return nil
				}),
			})

			res, err := ctrl.Trigger(context.Background())
			require.NoError(t, err)
			require.NotNil(t, res)

			assert.False(t, res.Coalesced)
			assert.Len(t, res.ID, 26, "ULID")
			assert.Equal(t, filepath.Join(dir, "clip_1700000000."+container.Ext()), res.Path)
			assert.Equal(t, 10, res.VideoPackets)
			assert.Equal(t, 20, res.AudioPackets)
			assert.Equal(t, 400*time.Millisecond, res.Duration)

			info, err := os.Stat(res.Path)
			require.NoError(t, err)
			assert.Equal(t, info.Size(), res.Size)
			assert.Equal(t, []string{"clip_1700000000." + container.Ext()}, listDir(t, dir))

			require.Len(t, recorded, 1)
			assert.Equal(t, res.ID, recorded[0].ID)

			stats := ctrl.Stats()
			assert.Equal(t, "idle", stats.State)
			assert.Equal(t, uint64(1), stats.Exports)
			require.NotNil(t, stats.Last)
			assert.Equal(t, res.Path, stats.Last.Path)
		})
	}
}

func TestController_SecondExportGetsSuffix(t *testing.T) {
	dir := t.TempDir()
	video, audio := fixtureClip(t, 1, 3)
	ctrl := NewController(staticSnapshot(video), staticSnapshot(audio), Config{
		OutputDir: dir,
		Container: ContainerTS,
		Now:       fixedClock,
	})

	first, err := ctrl.Trigger(context.Background())
	require.NoError(t, err)
	second, err := ctrl.Trigger(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, filepath.Join(dir, "clip_1700000000_1.ts"), second.Path)
}

func TestController_InsufficientData(t *testing.T) {
	dir := t.TempDir()
	audio := staticSnapshot{apkt(0), apkt(ms(20))}
	ctrl := NewController(staticSnapshot(nil), audio, Config{OutputDir: dir})

	res, err := ctrl.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Nil(t, res)
	assert.Empty(t, listDir(t, dir))

	stats := ctrl.Stats()
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, StateIdle, ctrl.State())
	assert.NotEmpty(t, stats.LastError)
}

func TestController_MuxFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	// A keyframe without parameter sets cannot start an MP4.
	video := staticSnapshot{{
		Stream:   media.Video,
		Keyframe: true,
		Duration: 40 * time.Millisecond,
		Data:     annexB(t, fixtureIDR),
	}}
	ctrl := NewController(video, staticSnapshot(nil), Config{OutputDir: dir, Container: ContainerMP4})

	_, err := ctrl.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrMuxFailed)
	assert.Empty(t, listDir(t, dir))
	assert.Equal(t, StateIdle, ctrl.State(), "controller recovers after a failed export")
}

func TestController_CancelledExport(t *testing.T) {
	dir := t.TempDir()
	video, audio := fixtureClip(t, 1, 3)
	ctrl := NewController(staticSnapshot(video), staticSnapshot(audio), Config{OutputDir: dir})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctrl.Trigger(ctx)
	assert.ErrorIs(t, err, ErrMuxFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, listDir(t, dir))
}

func TestController_RecorderFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	video, audio := fixtureClip(t, 1, 3)
	ctrl := NewController(staticSnapshot(video), staticSnapshot(audio), Config{
		OutputDir: dir,
		Recorder: recorderFunc(func(context.Context, Result) error {
			return errors.New("database is locked")
		}),
	})

	res, err := ctrl.Trigger(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
}

func TestController_CoalescesConcurrentTriggers(t *testing.T) {
	dir := t.TempDir()
	videoPackets, audio := fixtureClip(t, 1, 3)
	video := newGatedSnapshot(videoPackets)
	ctrl := NewController(video, staticSnapshot(audio), Config{OutputDir: dir, Container: ContainerTS})
	ctx := context.Background()

	require.True(t, ctrl.TriggerAsync(ctx))
	<-video.entered
	assert.Equal(t, StateExporting, ctrl.State())

	res, err := ctrl.Trigger(ctx)
	require.NoError(t, err)
	assert.True(t, res.Coalesced)
	assert.Empty(t, res.Path)
	assert.Empty(t, res.ID)
	assert.Zero(t, res.Size)
	assert.False(t, ctrl.TriggerAsync(ctx))

	close(video.release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, ctrl.Wait(waitCtx))

	assert.Equal(t, StateIdle, ctrl.State())
	stats := ctrl.Stats()
	assert.Equal(t, uint64(1), stats.Exports)
	assert.Equal(t, uint64(2), stats.Coalesced)
	assert.Len(t, listDir(t, dir), 1)
}

func TestController_WaitBlocksAsSoonAsExportStarts(t *testing.T) {
	videoPackets, audio := fixtureClip(t, 1, 3)

	for i := 0; i < 20; i++ {
		video := newGatedSnapshot(videoPackets)
		ctrl := NewController(video, staticSnapshot(audio), Config{OutputDir: t.TempDir(), Container: ContainerTS})

		waited := make(chan error, 1)
		go func() {
			for ctrl.State() != StateExporting {
				runtime.Gosched()
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			waited <- ctrl.Wait(ctx)
		}()

		require.True(t, ctrl.TriggerAsync(context.Background()))
		assert.ErrorIs(t, <-waited, context.DeadlineExceeded, "iteration %d", i)

		close(video.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, ctrl.Wait(ctx))
		cancel()
		assert.Equal(t, StateIdle, ctrl.State())
	}
}

func TestController_WaitTimesOut(t *testing.T) {
	videoPackets, _ := fixtureClip(t, 1, 3)
	video := newGatedSnapshot(videoPackets)
	ctrl := NewController(video, staticSnapshot(nil), Config{OutputDir: t.TempDir()})

	require.True(t, ctrl.TriggerAsync(context.Background()))
	<-video.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ctrl.Wait(ctx), context.DeadlineExceeded)

	close(video.release)
	require.NoError(t, ctrl.Wait(context.Background()))
}

func TestController_WaitWhenIdle(t *testing.T) {
	ctrl := NewController(staticSnapshot(nil), staticSnapshot(nil), Config{})
	assert.NoError(t, ctrl.Wait(context.Background()))
}
