package source

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/replayd/internal/media"
)

func collect(t *testing.T, src Source) []media.RawFrame {
	t.Helper()
	var frames []media.RawFrame
	err := src.Run(context.Background(), func(f media.RawFrame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	return frames
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindSynthetic, k)

	k, err = ParseKind("GRAB")
	require.NoError(t, err)
	assert.Equal(t, KindGrab, k)

	_, err = ParseKind("v4l2")
	assert.Error(t, err)
}

func TestSyntheticVideo_FramesAreValid(t *testing.T) {
	src := NewSyntheticVideo(SyntheticVideoConfig{Width: 64, Height: 32, FPS: 1000, Frames: 3})
	assert.Equal(t, media.Video, src.Kind())

	frames := collect(t, src)
	require.Len(t, frames, 3)

	for i, f := range frames {
		require.NoError(t, f.Validate())
		assert.Equal(t, 64, f.Width)
		assert.Equal(t, 32, f.Height)
		if i > 0 {
			assert.False(t, f.Captured.Before(frames[i-1].Captured))
			assert.NotEqual(t, frames[i-1].Data, f.Data, "the bar moves")
		}
	}

	// Each frame owns its buffer.
	frames[0].Data[0] = 0x42
	assert.NotEqual(t, byte(0x42), frames[1].Data[0])
}

func TestSyntheticAudio_ChunksFollowSampleClock(t *testing.T) {
	src := NewSyntheticAudio(SyntheticAudioConfig{ChunkSamples: 480, Chunks: 4})
	base := time.Unix(1_700_000_000, 0)
	src.clock = func() time.Time { return base }
	assert.Equal(t, media.Audio, src.Kind())

	frames := collect(t, src)
	require.Len(t, frames, 4)

	for i, f := range frames {
		require.NoError(t, f.Validate())
		assert.Equal(t, 480, f.SampleCount())
		assert.Equal(t, base.Add(time.Duration(i)*10*time.Millisecond), f.Captured)
	}
}

func TestSyntheticAudio_ReanchorsAfterStall(t *testing.T) {
	src := NewSyntheticAudio(SyntheticAudioConfig{ChunkSamples: 480, Chunks: 4})
	base := time.Unix(1_700_000_000, 0)
	now := base
	src.clock = func() time.Time { return now }

	var frames []media.RawFrame
	err := src.Run(context.Background(), func(f media.RawFrame) error {
		frames = append(frames, f)
		if len(frames) == 2 {
			// The consumer held the second chunk for half a second.
			now = base.Add(500 * time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 4)

	assert.Equal(t, base, frames[0].Captured)
	assert.Equal(t, base.Add(10*time.Millisecond), frames[1].Captured)
	assert.Equal(t, base.Add(500*time.Millisecond), frames[2].Captured)
	assert.Equal(t, base.Add(510*time.Millisecond), frames[3].Captured)
}

func TestSyntheticAudio_IsContinuousSine(t *testing.T) {
	src := NewSyntheticAudio(SyntheticAudioConfig{Frequency: 1000, Amplitude: 0.5, ChunkSamples: 48})

	first := src.render(0)
	second := src.render(48)

	sample := func(data []byte, i, ch int) float64 {
		off := (i*media.AudioChannels + ch) * media.AudioBytesPerSample
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	}

	assert.InDelta(t, 0, sample(first, 0, 0), 1e-6)
	// 1 kHz at 48 kHz: sample 12 is a quarter period.
	assert.InDelta(t, 0.5, sample(first, 12, 0), 1e-6)
	assert.InDelta(t, sample(first, 12, 0), sample(first, 12, 1), 1e-9, "channels are identical")
	// A full period later the second chunk starts where the first did.
	assert.InDelta(t, sample(first, 0, 0), sample(second, 0, 0), 1e-5)
}

func TestSynthetic_StopsOnCancel(t *testing.T) {
	src := NewSyntheticVideo(SyntheticVideoConfig{Width: 16, Height: 16, FPS: 100})
	ctx, cancel := context.WithCancel(context.Background())

	n := 0
	err := src.Run(ctx, func(media.RawFrame) error {
		n++
		if n == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, n)
}

func TestSynthetic_EmitErrorStopsSource(t *testing.T) {
	src := NewSyntheticAudio(SyntheticAudioConfig{})
	stop := errors.New("encoder gone")

	err := src.Run(context.Background(), func(media.RawFrame) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestGrabVideoCommand(t *testing.T) {
	x11 := strings.Join(GrabVideoCommand(GrabVideoConfig{Width: 1920, Height: 1080, FPS: 60}).Args, " ")
	assert.Contains(t, x11, "-nostdin")
	assert.Contains(t, x11, "-f x11grab -framerate 60 -video_size 1920x1080 -i :0.0")
	assert.Contains(t, x11, "-vf format=bgra")
	assert.Contains(t, x11, "-f rawvideo -pix_fmt bgra pipe:1")

	kms := strings.Join(GrabVideoCommand(GrabVideoConfig{Grabber: GrabberKMS, Width: 1280, Height: 720}).Args, " ")
	assert.Contains(t, kms, "-device /dev/dri/card0 -f kmsgrab -framerate 60 -i -")
	assert.Contains(t, kms, "-vf hwdownload,format=bgr0,scale=1280:720,format=bgra")
}

func TestGrabAudioCommand(t *testing.T) {
	sys := strings.Join(GrabAudioCommand(GrabAudioConfig{Device: "alsa_output.monitor"}).Args, " ")
	assert.Contains(t, sys, "-f pulse -i alsa_output.monitor")
	assert.NotContains(t, sys, "amix")
	assert.Contains(t, sys, "-vn -f f32le -ar 48000 -ac 2 pipe:1")

	mixed := strings.Join(GrabAudioCommand(GrabAudioConfig{UseMic: true, MicDevice: "mic"}).Args, " ")
	assert.Contains(t, mixed, "-f pulse -i default -f pulse -i mic")
	assert.Contains(t, mixed, "-filter_complex [0:a][1:a]amix=inputs=2:duration=longest:normalize=0")
}

func TestGrab_FrameSizes(t *testing.T) {
	v := NewGrabVideo(GrabVideoConfig{Width: 64, Height: 48})
	assert.Equal(t, media.Video, v.Kind())
	assert.Equal(t, 64*48*4, v.frameSize)

	a := NewGrabAudio(GrabAudioConfig{})
	assert.Equal(t, media.Audio, a.Kind())
	assert.Equal(t, DefaultChunkSamples*2*4, a.frameSize)
}

func TestGrab_InvalidGeometryIsUnavailable(t *testing.T) {
	g := NewGrabVideo(GrabVideoConfig{})
	err := g.Run(context.Background(), func(media.RawFrame) error { return nil })
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGrab_MissingBinaryIsUnavailable(t *testing.T) {
	g := NewGrabAudio(GrabAudioConfig{FFmpegPath: "/nonexistent/ffmpeg"})
	err := g.Run(context.Background(), func(media.RawFrame) error { return nil })
	assert.ErrorIs(t, err, ErrUnavailable)
}
