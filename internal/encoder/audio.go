package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/replayd/internal/ffmpeg"
	"github.com/jmylchreest/replayd/internal/media"
)

// Opus framing.
const (
	OpusFrameSamples  = 960
	OpusFrameDuration = 20 * time.Millisecond
	DefaultAudioRate  = "128k"
)

// AudioConfig configures the Opus backend.
type AudioConfig struct {
	FFmpegPath string
	Bitrate    string
	Normalize  bool
	Logger     *slog.Logger
}

func (c *AudioConfig) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.Bitrate == "" {
		c.Bitrate = DefaultAudioRate
	}
}

// AudioCommand builds the FFmpeg invocation for the Opus backend: 48 kHz
// stereo float PCM on stdin, 20 ms Opus packets in MPEG-TS on stdout.
func AudioCommand(cfg AudioConfig) *ffmpeg.Command {
	cfg.applyDefaults()

	return ffmpeg.NewCommandBuilder(cfg.FFmpegPath).
		HideBanner().
		LogLevel("warning").
		Stats().
		RawAudioInput(media.AudioSampleRate, media.AudioChannels).
		Input("pipe:0").
		NoVideo().
		AudioCodec(EncoderOpus).
		AudioBitrate(cfg.Bitrate).
		AudioSampleRate(media.AudioSampleRate).
		AudioChannels(media.AudioChannels).
		OutputArgs("-frame_duration", "20", "-application", "audio").
		MpegtsArgs().
		FlushPackets().
		MuxDelay("0").
		Output("pipe:1").
		Build()
}

// audioBackend encodes Opus in an FFmpeg child. Output packets are mapped back
// to capture time through a sample clock.
type audioBackend struct {
	*processBackend
	config AudioConfig
	clock  sampleClock
}

// NewAudioBackend creates the Opus backend.
func NewAudioBackend(cfg AudioConfig) Backend {
	cfg.applyDefaults()
	a := &audioBackend{config: cfg}
	a.clock.rate = media.AudioSampleRate
	a.processBackend = newProcessBackend(EncoderOpus, AudioCommand(cfg), cfg.Logger, a.attachTracks)
	return a
}

func (a *audioBackend) Name() string {
	return a.name
}

func (a *audioBackend) Encode(ctx context.Context, frame media.RawFrame) error {
	if frame.SampleRate != media.AudioSampleRate || frame.Channels != media.AudioChannels {
		return fmt.Errorf("%w: %d Hz %d channels, encoder expects %d Hz %d channels", media.ErrFrameGeometry,
			frame.SampleRate, frame.Channels, media.AudioSampleRate, media.AudioChannels)
	}

	if a.config.Normalize {
		NormalizeVolume(frame.Data)
	}

	samples := frame.SampleCount()
	a.clock.add(frame.Captured, samples)
	if err := a.Write(ctx, frame.Data); err != nil {
		a.clock.removeLast(samples)
		return err
	}
	return nil
}

func (a *audioBackend) Stats(ctx context.Context) BackendStats {
	return a.stats(ctx)
}

func (a *audioBackend) attachTracks(r *mpegts.Reader, emit Emitter) error {
	for _, track := range r.Tracks() {
		if _, ok := track.Codec.(*mpegts.CodecOpus); ok {
			r.OnDataOpus(track, func(_ int64, packets [][]byte) error {
				for _, pkt := range packets {
					a.handlePacket(pkt, emit)
				}
				return nil
			})
			return nil
		}
	}
	return errors.New("ffmpeg output has no Opus track")
}

func (a *audioBackend) handlePacket(data []byte, emit Emitter) {
	if len(data) == 0 {
		return
	}
	emit(media.EncodedPacket{
		Stream:   media.Audio,
		Data:     data,
		Duration: OpusFrameDuration,
		Keyframe: true,
		Captured: a.clock.next(OpusFrameSamples),
	})
}

// sampleClock maps positions in the encoder's sample stream to the capture
// time of the raw chunk holding that sample.
type sampleClock struct {
	mu     sync.Mutex
	rate   int
	chunks []clockChunk
	total  int64 // samples submitted
	out    int64 // samples consumed by output packets
}

type clockChunk struct {
	captured time.Time
	start    int64
	samples  int
}

func (c *sampleClock) add(captured time.Time, samples int) {
	if samples <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, clockChunk{captured: captured, start: c.total, samples: samples})
	c.total += int64(samples)
}

func (c *sampleClock) removeLast(samples int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.chunks); n > 0 && c.chunks[n-1].samples == samples {
		c.chunks = c.chunks[:n-1]
		c.total -= int64(samples)
	}
}

// next returns the capture time of the first sample of the next output
// packet and advances the clock by samples.
func (c *sampleClock) next(samples int) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := c.out
	c.out += int64(samples)

	// Chunks wholly consumed are no longer needed.
	for len(c.chunks) > 1 && c.chunks[0].start+int64(c.chunks[0].samples) <= pos {
		c.chunks = c.chunks[1:]
	}
	if len(c.chunks) == 0 {
		return time.Now()
	}

	// Past the end of the last chunk only happens for encoder padding at
	// flush; extrapolate from the last chunk.
	ch := c.chunks[0]
	offset := pos - ch.start
	if offset < 0 {
		offset = 0
	}
	return ch.captured.Add(time.Duration(offset) * time.Second / time.Duration(c.rate))
}
