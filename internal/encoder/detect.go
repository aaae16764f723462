package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/jmylchreest/replayd/internal/ffmpeg"
	"github.com/jmylchreest/replayd/internal/media"
	"github.com/jmylchreest/replayd/internal/observability"
)

// BackendSupport describes whether one video backend can be used.
type BackendSupport struct {
	Backend   media.Backend `json:"backend"`
	Encoder   string        `json:"encoder"`
	Compiled  bool          `json:"compiled"`
	Device    string        `json:"device,omitempty"`
	Probed    bool          `json:"probed"`
	Usable    bool          `json:"usable"`
	ProbeNote string        `json:"probe_note,omitempty"`
}

// Detection is the result of Detect.
type Detection struct {
	FFmpegPath  string           `json:"ffmpeg_path"`
	Version     string           `json:"version"`
	Opus        bool             `json:"opus"`
	Backends    []BackendSupport `json:"backends"`
	Recommended media.Backend    `json:"recommended,omitempty"`
}

// DetectOptions configures Detect.
type DetectOptions struct {
	FFmpegPath  string
	VAAPIDevice string

	// Probe runs a one-frame test encode on each compiled-in backend.
	Probe bool

	Logger *slog.Logger
}

// Detect reports which video backends the local FFmpeg build supports.
func Detect(ctx context.Context, opts DetectOptions) (*Detection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.VAAPIDevice == "" {
		opts.VAAPIDevice = DefaultVAAPIDevice
	}

	info, err := ffmpeg.NewBinaryDetector(opts.FFmpegPath).Detect(ctx)
	if err != nil {
		return nil, err
	}

	d := &Detection{
		FFmpegPath: info.FFmpegPath,
		Version:    info.Version,
		Opus:       info.HasEncoder(EncoderOpus),
	}

	nvenc := BackendSupport{
		Backend:  media.BackendPrimary,
		Encoder:  EncoderNVENC,
		Compiled: info.HasEncoder(EncoderNVENC),
	}
	vaapi := BackendSupport{
		Backend:  media.BackendFallback,
		Encoder:  EncoderVAAPI,
		Compiled: info.HasEncoder(EncoderVAAPI) && info.HasHWAccel("vaapi"),
		Device:   opts.VAAPIDevice,
	}
	if vaapi.Compiled {
		if _, err := os.Stat(opts.VAAPIDevice); err != nil {
			vaapi.Compiled = false
			vaapi.ProbeNote = fmt.Sprintf("render node unavailable: %v", err)
		}
	}

	for _, s := range []*BackendSupport{&nvenc, &vaapi} {
		s.Usable = s.Compiled
		if !s.Compiled || !opts.Probe {
			continue
		}
		s.Probed = true
		if err := probe(ctx, info.FFmpegPath, s.Backend, opts.VAAPIDevice); err != nil {
			s.Usable = false
			s.ProbeNote = err.Error()
			observability.WithError(logger, err).Debug("encoder probe failed",
				slog.String("encoder", s.Encoder))
		}
	}

	d.Backends = []BackendSupport{nvenc, vaapi}
	switch {
	case nvenc.Usable:
		d.Recommended = media.BackendPrimary
	case vaapi.Usable:
		d.Recommended = media.BackendFallback
	}
	return d, nil
}

// ProbeCommand builds a one-frame test encode for backend.
func ProbeCommand(ffmpegPath string, backend media.Backend, vaapiDevice string) *ffmpeg.Command {
	b := ffmpeg.NewCommandBuilder(ffmpegPath).HideBanner().NoStdin()
	if backend == media.BackendFallback {
		b.InitHWDevice("vaapi", "va", vaapiDevice)
	}
	b.InputArgs("-f", "lavfi").
		Input("color=c=black:s=256x256:r=30:d=0.1")
	if backend == media.BackendFallback {
		b.HWUploadFilter("vaapi")
	} else {
		b.VideoFilter("format=nv12")
	}
	return b.VideoCodec(EncoderName(backend)).
		OutputArgs("-frames:v", "1").
		RawOutput("null").
		Output("-").
		Build()
}

func probe(ctx context.Context, ffmpegPath string, backend media.Backend, vaapiDevice string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := ProbeCommand(ffmpegPath, backend, vaapiDevice)
	out, err := exec.CommandContext(ctx, cmd.Binary, cmd.Args...).CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%w: %s", err, lastLine(string(out)))
		}
		return err
	}
	return nil
}

func lastLine(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	for i := end - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1 : end]
		}
	}
	return s[:end]
}
