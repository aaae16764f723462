// Package media defines the raw and encoded units that flow through the
// capture pipeline, and the enums shared by its configuration.
package media

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeUnit is the resolution of every presentation timestamp.
const TimeUnit = time.Microsecond

// Audio format produced by audio sources and expected by the audio encoder.
const (
	AudioSampleRate     = 48000
	AudioChannels       = 2
	AudioBytesPerSample = 4 // float32 little-endian, interleaved
)

// Pixel formats accepted by the video encoders.
const (
	PixelFormatBGRA = "bgra"
	PixelFormatNV12 = "nv12"
)

// Errors returned when validating raw frames.
var (
	ErrEmptyFrame    = errors.New("frame has no payload")
	ErrFrameGeometry = errors.New("frame payload does not match its geometry")
	ErrUnknownStream = errors.New("unknown stream kind")
)

// StreamKind tags a frame or packet with the stream it belongs to.
type StreamKind int

const (
	// Video is the screen capture stream.
	Video StreamKind = iota
	// Audio is the system (and optionally microphone) audio stream.
	Audio
)

// String returns a human-readable representation of the stream kind.
func (k StreamKind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return "unknown"
	}
}

// RawFrame is one unit of uncompressed input. Ownership of Data passes to the
// encoder on submit; the producer must not touch it afterwards.
type RawFrame struct {
	Stream   StreamKind
	Data     []byte
	Captured time.Time

	// Video geometry.
	Width       int
	Height      int
	PixelFormat string

	// Audio layout.
	SampleRate int
	Channels   int
}

// SampleCount returns the number of samples per channel held by an audio frame.
func (f RawFrame) SampleCount() int {
	if f.Stream != Audio || f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (AudioBytesPerSample * f.Channels)
}

// Duration returns the playback duration of an audio frame.
func (f RawFrame) Duration() time.Duration {
	if f.Stream != Audio || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SampleCount()) * time.Second / time.Duration(f.SampleRate)
}

// FrameSize returns the expected payload size of a video frame with the given
// geometry and pixel format, or 0 for an unknown format.
func FrameSize(width, height int, pixelFormat string) int {
	switch pixelFormat {
	case PixelFormatBGRA:
		return width * height * 4
	case PixelFormatNV12:
		return width * height * 3 / 2
	default:
		return 0
	}
}

// Validate checks that the payload is consistent with the frame's geometry.
func (f RawFrame) Validate() error {
	if len(f.Data) == 0 {
		return ErrEmptyFrame
	}
	switch f.Stream {
	case Video:
		want := FrameSize(f.Width, f.Height, f.PixelFormat)
		if want == 0 || len(f.Data) != want {
			return fmt.Errorf("%w: %dx%d %s wants %d bytes, got %d",
				ErrFrameGeometry, f.Width, f.Height, f.PixelFormat, want, len(f.Data))
		}
	case Audio:
		if f.Channels <= 0 || f.SampleRate <= 0 {
			return fmt.Errorf("%w: %d channels at %d Hz", ErrFrameGeometry, f.Channels, f.SampleRate)
		}
		if len(f.Data)%(AudioBytesPerSample*f.Channels) != 0 {
			return fmt.Errorf("%w: %d bytes is not a whole number of %d-channel samples",
				ErrFrameGeometry, len(f.Data), f.Channels)
		}
	default:
		return ErrUnknownStream
	}
	return nil
}

// EncodedPacket is one compressed unit. It is immutable once created: the
// payload is shared between the ring buffer and export snapshots.
type EncodedPacket struct {
	Stream   StreamKind
	Data     []byte
	PTS      time.Duration
	Duration time.Duration
	Keyframe bool

	// Captured is the wall-clock capture time of the source data, used by the
	// synchronizer to assign PTS.
	Captured time.Time
}

// Size returns the payload size in bytes.
func (p EncodedPacket) Size() int {
	return len(p.Data)
}

// End returns the presentation time at which the packet stops playing.
func (p EncodedPacket) End() time.Duration {
	return p.PTS + p.Duration
}

// Quality is the output quality tier mapped to encoder presets.
type Quality string

// Quality tiers.
const (
	QualityLow     Quality = "LOW"
	QualityMedium  Quality = "MEDIUM"
	QualityHigh    Quality = "HIGH"
	QualityHighest Quality = "HIGHEST"
)

// ParseQuality parses a quality tier case-insensitively. ULTRA is accepted as
// an alias of HIGHEST.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return QualityLow, nil
	case "MEDIUM":
		return QualityMedium, nil
	case "HIGH":
		return QualityHigh, nil
	case "HIGHEST", "ULTRA":
		return QualityHighest, nil
	default:
		return "", fmt.Errorf("unknown quality %q (want LOW, MEDIUM, HIGH or HIGHEST)", s)
	}
}

// Backend selects the video encoding backend for a session.
type Backend string

// Video backends.
const (
	// BackendPrimary is NVIDIA NVENC.
	BackendPrimary Backend = "primary"
	// BackendFallback is VAAPI.
	BackendFallback Backend = "fallback"
)

// ParseBackend parses a backend name. The encoder names are accepted too.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "nvenc", "h264_nvenc":
		return BackendPrimary, nil
	case "fallback", "vaapi", "h264_vaapi":
		return BackendFallback, nil
	default:
		return "", fmt.Errorf("unknown encoder backend %q (want primary or fallback)", s)
	}
}
