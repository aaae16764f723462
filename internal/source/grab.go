package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmylchreest/replayd/internal/ffmpeg"
	"github.com/jmylchreest/replayd/internal/media"
)

// Video grabbers.
const (
	GrabberX11 = "x11grab"
	GrabberKMS = "kmsgrab"
)

// GrabVideoConfig configures the FFmpeg screen grabber.
type GrabVideoConfig struct {
	FFmpegPath string
	Grabber    string
	Display    string // X11 display, or DRM card for kmsgrab
	Width      int
	Height     int
	FPS        int
	Logger     *slog.Logger
}

func (c *GrabVideoConfig) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.Grabber == "" {
		c.Grabber = GrabberX11
	}
	if c.Display == "" {
		if c.Grabber == GrabberKMS {
			c.Display = "/dev/dri/card0"
		} else {
			c.Display = ":0.0"
		}
	}
	if c.FPS <= 0 {
		c.FPS = 60
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// GrabVideoCommand builds the FFmpeg invocation that writes raw BGRA frames of
// the configured size to stdout.
func GrabVideoCommand(cfg GrabVideoConfig) *ffmpeg.Command {
	cfg.applyDefaults()
	size := fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)

	b := ffmpeg.NewCommandBuilder(cfg.FFmpegPath).
		HideBanner().
		NoStdin().
		LogLevel("warning")

	switch cfg.Grabber {
	case GrabberKMS:
		b.InputArgs("-device", cfg.Display, "-f", "kmsgrab", "-framerate", strconv.Itoa(cfg.FPS)).
			Input("-").
			VideoFilter("hwdownload").
			VideoFilter("format=bgr0").
			VideoFilter("scale=" + strconv.Itoa(cfg.Width) + ":" + strconv.Itoa(cfg.Height))
	default:
		b.InputArgs("-f", "x11grab", "-framerate", strconv.Itoa(cfg.FPS), "-video_size", size).
			Input(cfg.Display)
	}

	return b.VideoFilter("format=" + media.PixelFormatBGRA).
		NoAudio().
		RawOutput("rawvideo").
		OutputArgs("-pix_fmt", media.PixelFormatBGRA).
		Output("pipe:1").
		Build()
}

// GrabAudioConfig configures the FFmpeg audio grabber.
type GrabAudioConfig struct {
	FFmpegPath   string
	Device       string
	MicDevice    string
	UseMic       bool
	ChunkSamples int
	Logger       *slog.Logger
}

func (c *GrabAudioConfig) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.Device == "" {
		c.Device = "default"
	}
	if c.MicDevice == "" {
		c.MicDevice = "default"
	}
	if c.ChunkSamples <= 0 {
		c.ChunkSamples = DefaultChunkSamples
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// GrabAudioCommand builds the FFmpeg invocation that writes 48 kHz stereo
// float PCM to stdout. The microphone is mixed in when enabled.
func GrabAudioCommand(cfg GrabAudioConfig) *ffmpeg.Command {
	cfg.applyDefaults()

	b := ffmpeg.NewCommandBuilder(cfg.FFmpegPath).
		HideBanner().
		NoStdin().
		LogLevel("warning").
		InputArgs("-f", "pulse").
		Input(cfg.Device)

	if cfg.UseMic {
		b.InputArgs("-f", "pulse").
			Input(cfg.MicDevice).
			FilterComplex("[0:a][1:a]amix=inputs=2:duration=longest:normalize=0")
	}

	return b.NoVideo().
		RawOutput("f32le").
		AudioSampleRate(media.AudioSampleRate).
		AudioChannels(media.AudioChannels).
		Output("pipe:1").
		Build()
}

// Grab reads fixed-size raw frames from an FFmpeg capture process and stamps
// each with the time it was read.
type Grab struct {
	kind      media.StreamKind
	command   *ffmpeg.Command
	frameSize int
	logger    *slog.Logger
	stamp     func(data []byte, read time.Time) media.RawFrame
}

// NewGrabVideo creates a screen grabber.
func NewGrabVideo(cfg GrabVideoConfig) *Grab {
	cfg.applyDefaults()
	return &Grab{
		kind:      media.Video,
		command:   GrabVideoCommand(cfg),
		frameSize: media.FrameSize(cfg.Width, cfg.Height, media.PixelFormatBGRA),
		logger:    cfg.Logger.With(slog.String("source", "video")),
		stamp: func(data []byte, read time.Time) media.RawFrame {
			return media.RawFrame{
				Stream:      media.Video,
				Data:        data,
				Captured:    read,
				Width:       cfg.Width,
				Height:      cfg.Height,
				PixelFormat: media.PixelFormatBGRA,
			}
		},
	}
}

// NewGrabAudio creates an audio grabber.
func NewGrabAudio(cfg GrabAudioConfig) *Grab {
	cfg.applyDefaults()
	return &Grab{
		kind:      media.Audio,
		command:   GrabAudioCommand(cfg),
		frameSize: chunkBytes(cfg.ChunkSamples),
		logger:    cfg.Logger.With(slog.String("source", "audio")),
		stamp: func(data []byte, read time.Time) media.RawFrame {
			return media.RawFrame{
				Stream:     media.Audio,
				Data:       data,
				Captured:   read,
				SampleRate: media.AudioSampleRate,
				Channels:   media.AudioChannels,
			}
		},
	}
}

// Kind returns the stream produced by the grabber.
func (g *Grab) Kind() media.StreamKind {
	return g.kind
}

// Command returns the FFmpeg command the grabber runs.
func (g *Grab) Command() *ffmpeg.Command {
	return g.command
}

// Run starts FFmpeg and emits frames until ctx is done. If FFmpeg exits on its
// own the device is considered gone and ErrUnavailable is returned.
func (g *Grab) Run(ctx context.Context, emit EmitFunc) error {
	if g.frameSize <= 0 {
		return fmt.Errorf("%w: invalid frame geometry", ErrUnavailable)
	}

	proc, err := ffmpeg.Start(ctx, g.command, ffmpeg.ProcessOptions{Logger: g.logger})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer proc.Stop(2 * time.Second)

	g.logger.Info("capture started", slog.Int("pid", proc.PID()))

	stdout := proc.Stdout()
	for {
		data := make([]byte, g.frameSize)
		if _, err := io.ReadFull(stdout, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			<-proc.Done()
			if perr := proc.Err(); perr != nil {
				return fmt.Errorf("%w: %w", ErrUnavailable, perr)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: ffmpeg exited", ErrUnavailable)
			}
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		if err := emit(g.stamp(data, time.Now())); err != nil {
			return err
		}
	}
}
