package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary string
	Args   []string
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// input is one -i source with its own input options.
type input struct {
	args []string
	url  string
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary        string
	globalArgs    []string
	pendingInput  []string
	inputs        []input
	videoFilters  []string
	audioFilters  []string
	filterComplex string
	outputArgs    []string
	output        string
	logLevel      string
	overwrite     bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops FFmpeg from reading interactive commands from stdin.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Stats enables progress stats output.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-stats", "-stats_period", "1")
	return b
}

// GlobalArgs adds arbitrary global arguments.
func (b *CommandBuilder) GlobalArgs(args ...string) *CommandBuilder {
	b.globalArgs = append(b.globalArgs, args...)
	return b
}

// InitHWDevice initializes a named hardware device and makes it the filter
// device. Example: InitHWDevice("vaapi", "va", "/dev/dri/renderD128").
func (b *CommandBuilder) InitHWDevice(hwType, name, device string) *CommandBuilder {
	if hwType == "" || hwType == "none" || hwType == "auto" {
		return b
	}
	spec := hwType
	if name != "" {
		spec += "=" + name
	}
	if device != "" {
		spec += ":" + device
	}
	b.globalArgs = append(b.globalArgs, "-init_hw_device", spec)
	if name != "" {
		b.globalArgs = append(b.globalArgs, "-filter_hw_device", name)
	}
	return b
}

// HWUploadFilter adds the hardware upload filter for the given hwaccel type.
func (b *CommandBuilder) HWUploadFilter(hwType string) *CommandBuilder {
	if hwType == "" || hwType == "none" || hwType == "auto" {
		return b
	}

	var filter string
	switch hwType {
	case "vaapi":
		filter = "format=nv12,hwupload"
	case "cuda", "nvenc":
		filter = "format=nv12,hwupload_cuda"
	default:
		filter = "format=nv12,hwupload"
	}

	b.videoFilters = append(b.videoFilters, filter)
	return b
}

// InputArgs adds input options for the next Input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.pendingInput = append(b.pendingInput, args...)
	return b
}

// RawVideoInput configures the next input as headerless raw video.
func (b *CommandBuilder) RawVideoInput(pixFmt string, width, height int) *CommandBuilder {
	return b.InputArgs(
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-video_size", fmt.Sprintf("%dx%d", width, height),
	)
}

// RawAudioInput configures the next input as interleaved float32 PCM.
func (b *CommandBuilder) RawAudioInput(sampleRate, channels int) *CommandBuilder {
	return b.InputArgs(
		"-f", "f32le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
	)
}

// WallclockTimestamps stamps the next input's frames with the time they are
// read, which keeps keyframe intervals correct for variable frame rates.
func (b *CommandBuilder) WallclockTimestamps() *CommandBuilder {
	return b.InputArgs("-use_wallclock_as_timestamps", "1")
}

// Input adds an input source, consuming the pending input options.
func (b *CommandBuilder) Input(url string) *CommandBuilder {
	b.inputs = append(b.inputs, input{args: b.pendingInput, url: url})
	b.pendingInput = nil
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// NoVideo disables video output.
func (b *CommandBuilder) NoVideo() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-vn")
	return b
}

// NoAudio disables audio output.
func (b *CommandBuilder) NoAudio() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-an")
	return b
}

// VideoBitrate sets the video bitrate.
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	return b
}

// MaxRate sets the peak video bitrate.
func (b *CommandBuilder) MaxRate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-maxrate", bitrate)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-preset", preset)
	return b
}

// GOPSize sets the maximum distance between keyframes in frames.
func (b *CommandBuilder) GOPSize(frames int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-g", strconv.Itoa(frames))
	return b
}

// NoBFrames disables B-frames so output order equals input order.
func (b *CommandBuilder) NoBFrames() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-bf", "0")
	return b
}

// ForceKeyFrames forces a keyframe whenever interval has elapsed since the
// previous forced one, measured on input timestamps.
func (b *CommandBuilder) ForceKeyFrames(interval time.Duration) *CommandBuilder {
	if interval <= 0 {
		return b
	}
	secs := strconv.FormatFloat(interval.Seconds(), 'f', -1, 64)
	b.outputArgs = append(b.outputArgs, "-force_key_frames", "expr:gte(t,n_forced*"+secs+")")
	return b
}

// PassthroughTimestamps keeps input timestamps instead of resampling to a
// constant frame rate.
func (b *CommandBuilder) PassthroughTimestamps() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-fps_mode", "passthrough")
	return b
}

// VideoFilter adds a video filter.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.videoFilters = append(b.videoFilters, filter)
	return b
}

// AudioFilter adds an audio filter.
func (b *CommandBuilder) AudioFilter(filter string) *CommandBuilder {
	b.audioFilters = append(b.audioFilters, filter)
	return b
}

// FilterComplex sets a filter graph spanning several inputs.
func (b *CommandBuilder) FilterComplex(graph string) *CommandBuilder {
	b.filterComplex = graph
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// AudioSampleRate sets the output sample rate.
func (b *CommandBuilder) AudioSampleRate(rate int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ar", strconv.Itoa(rate))
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// MpegtsArgs adds MPEG-TS output arguments with timestamps left untouched.
func (b *CommandBuilder) MpegtsArgs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "mpegts",
		"-mpegts_copyts", "1",
		"-avoid_negative_ts", "disabled",
		"-mpegts_start_pid", "256",
		"-mpegts_pmt_start_pid", "4096",
	)
	return b
}

// RawOutput writes headerless raw media in the given format.
func (b *CommandBuilder) RawOutput(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", format)
	return b
}

// FlushPackets enables immediate packet flushing for low latency.
func (b *CommandBuilder) FlushPackets() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-flush_packets", "1")
	return b
}

// MuxDelay sets the muxer delay for live streaming.
func (b *CommandBuilder) MuxDelay(delay string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-muxdelay", delay)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	for _, in := range b.inputs {
		args = append(args, in.args...)
		args = append(args, "-i", in.url)
	}

	if b.filterComplex != "" {
		args = append(args, "-filter_complex", b.filterComplex)
	}
	if len(b.videoFilters) > 0 {
		args = append(args, "-vf", strings.Join(b.videoFilters, ","))
	}
	if len(b.audioFilters) > 0 {
		args = append(args, "-af", strings.Join(b.audioFilters, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
	}
}
