package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/replayd/internal/ffmpeg"
	"github.com/jmylchreest/replayd/internal/media"
	"github.com/jmylchreest/replayd/internal/observability"
)

// VideoConfig configures a hardware H.264 backend.
type VideoConfig struct {
	Backend          media.Backend
	FFmpegPath       string
	Width            int
	Height           int
	PixelFormat      string
	FPS              int
	Quality          media.Quality
	GOPSize          int
	KeyframeInterval time.Duration
	VAAPIDevice      string
	Logger           *slog.Logger
}

func (c *VideoConfig) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.PixelFormat == "" {
		c.PixelFormat = media.PixelFormatBGRA
	}
	if c.FPS <= 0 {
		c.FPS = 60
	}
	if c.GOPSize <= 0 {
		c.GOPSize = DefaultGOPSize
	}
	if c.VAAPIDevice == "" {
		c.VAAPIDevice = DefaultVAAPIDevice
	}
	if c.Quality == "" {
		c.Quality = media.QualityHigh
	}
}

// VideoCommand builds the FFmpeg invocation for a video backend: raw frames
// on stdin stamped with wall-clock time, H.264 in MPEG-TS on stdout.
func VideoCommand(cfg VideoConfig) *ffmpeg.Command {
	cfg.applyDefaults()
	preset := Presets(cfg.Backend, cfg.Quality)

	b := ffmpeg.NewCommandBuilder(cfg.FFmpegPath).
		HideBanner().
		LogLevel("warning").
		Stats()

	if cfg.Backend == media.BackendFallback {
		b.InitHWDevice("vaapi", "va", cfg.VAAPIDevice)
	}

	b.RawVideoInput(cfg.PixelFormat, cfg.Width, cfg.Height).
		WallclockTimestamps().
		InputArgs("-framerate", strconv.Itoa(cfg.FPS)).
		Input("pipe:0").
		NoAudio()

	switch cfg.Backend {
	case media.BackendFallback:
		b.HWUploadFilter("vaapi").
			VideoCodec(EncoderVAAPI).
			OutputArgs("-rc_mode", "CQP", "-qp", strconv.Itoa(preset.QP))
	default:
		if cfg.PixelFormat != media.PixelFormatNV12 {
			b.VideoFilter("format=nv12")
		}
		b.VideoCodec(EncoderNVENC).
			VideoPreset(preset.Preset).
			OutputArgs("-tune", "hq", "-rc", "vbr", "-cq", strconv.Itoa(preset.CQ), "-forced-idr", "1").
			VideoBitrate(preset.Bitrate).
			MaxRate(preset.Bitrate)
	}

	return b.GOPSize(cfg.GOPSize).
		NoBFrames().
		ForceKeyFrames(cfg.KeyframeInterval).
		PassthroughTimestamps().
		MpegtsArgs().
		FlushPackets().
		MuxDelay("0").
		Output("pipe:1").
		Build()
}

// videoBackend is the NVENC or VAAPI encoder running in an FFmpeg child.
// B-frames are disabled, so access units leave FFmpeg in submission order and
// each one maps to the oldest outstanding capture time.
type videoBackend struct {
	*processBackend
	config   VideoConfig
	captures captureQueue
	duration time.Duration

	paramsMu sync.Mutex
	sps      []byte
	pps      []byte
}

// NewVideoBackend creates the backend selected by cfg.Backend.
func NewVideoBackend(cfg VideoConfig) Backend {
	cfg.applyDefaults()
	v := &videoBackend{
		config:   cfg,
		duration: frameDuration(cfg.FPS),
	}
	v.processBackend = newProcessBackend(EncoderName(cfg.Backend), VideoCommand(cfg), cfg.Logger, v.attachTracks)
	return v
}

func (v *videoBackend) Name() string {
	return v.name
}

func (v *videoBackend) Encode(ctx context.Context, frame media.RawFrame) error {
	if frame.Width != v.config.Width || frame.Height != v.config.Height || frame.PixelFormat != v.config.PixelFormat {
		return fmt.Errorf("%w: %dx%d %s, encoder configured for %dx%d %s", media.ErrFrameGeometry,
			frame.Width, frame.Height, frame.PixelFormat, v.config.Width, v.config.Height, v.config.PixelFormat)
	}

	v.captures.push(frame.Captured)
	if err := v.Write(ctx, frame.Data); err != nil {
		v.captures.popBack()
		return err
	}
	return nil
}

func (v *videoBackend) Stats(ctx context.Context) BackendStats {
	return v.stats(ctx)
}

func (v *videoBackend) attachTracks(r *mpegts.Reader, emit Emitter) error {
	for _, track := range r.Tracks() {
		if _, ok := track.Codec.(*mpegts.CodecH264); ok {
			r.OnDataH264(track, func(_, _ int64, au [][]byte) error {
				return v.handleAccessUnit(au, emit)
			})
			return nil
		}
	}
	return errors.New("ffmpeg output has no H.264 track")
}

func (v *videoBackend) handleAccessUnit(au [][]byte, emit Emitter) error {
	if len(au) == 0 {
		return nil
	}

	captured, ok := v.captures.pop()
	if !ok {
		captured = time.Now()
	}

	keyframe := h264.IsRandomAccess(au)
	if keyframe {
		au = v.withParameterSets(au)
	}

	data, err := h264.AnnexB(au).Marshal()
	if err != nil {
		observability.WithError(v.logger, err).Warn("dropping malformed access unit")
		return nil
	}

	emit(media.EncodedPacket{
		Stream:   media.Video,
		Data:     data,
		Duration: v.duration,
		Keyframe: keyframe,
		Captured: captured,
	})
	return nil
}

// withParameterSets records SPS/PPS from au and prepends the last seen ones
// when a random access unit lacks them, so every keyframe can start a clip.
func (v *videoBackend) withParameterSets(au [][]byte) [][]byte {
	v.paramsMu.Lock()
	defer v.paramsMu.Unlock()

	hasSPS, hasPPS := false, false
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			v.sps = nalu
			hasSPS = true
		case h264.NALUTypePPS:
			v.pps = nalu
			hasPPS = true
		}
	}

	if hasSPS && hasPPS {
		return au
	}

	out := make([][]byte, 0, len(au)+2)
	if v.sps != nil {
		out = append(out, v.sps)
	}
	if v.pps != nil {
		out = append(out, v.pps)
	}
	for _, nalu := range au {
		if len(nalu) > 0 {
			switch h264.NALUType(nalu[0] & 0x1F) {
			case h264.NALUTypeSPS, h264.NALUTypePPS:
				continue
			}
		}
		out = append(out, nalu)
	}
	return out
}

// popBack removes the newest capture time after a failed write.
func (q *captureQueue) popBack() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.times); n > 0 {
		q.times = q.times[:n-1]
	}
}
