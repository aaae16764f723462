package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/jmylchreest/replayd/internal/media"
)

// Container selects the clip file format.
type Container string

// Supported containers.
const (
	ContainerMP4 Container = "mp4"
	ContainerTS  Container = "ts"
)

// ParseContainer parses a container name.
func ParseContainer(s string) (Container, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mp4", "fmp4":
		return ContainerMP4, nil
	case "ts", "mpegts", "mpeg-ts":
		return ContainerTS, nil
	default:
		return "", fmt.Errorf("unknown container %q (want mp4 or ts)", s)
	}
}

// Ext returns the file extension for the container.
func (c Container) Ext() string {
	if c == ContainerTS {
		return "ts"
	}
	return "mp4"
}

// Clock rates used by the muxers.
const (
	videoTimeScale = 90000
	audioTimeScale = media.AudioSampleRate
)

// Muxer writes the packets of a plan into a container.
type Muxer interface {
	// WritePacket writes one packet. Packets arrive in plan order.
	WritePacket(pkt media.EncodedPacket) error

	// Close flushes buffered samples. It does not close the underlying writer.
	Close() error
}

// NewMuxer creates the muxer for container writing to w. The plan decides
// which tracks are declared.
func NewMuxer(container Container, w io.Writer, plan *Plan) (Muxer, error) {
	switch container {
	case ContainerTS:
		return NewTSMuxer(w, plan.HasAudio())
	case ContainerMP4, "":
		return NewMP4Muxer(w, plan.HasAudio()), nil
	default:
		return nil, fmt.Errorf("unsupported container %q", container)
	}
}

// ticks converts a presentation time to units of timeScale.
func ticks(d time.Duration, timeScale int64) int64 {
	return d.Microseconds() * timeScale / 1_000_000
}

// accessUnit splits an Annex-B payload into NAL units.
func accessUnit(data []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parsing access unit: %w", err)
	}
	return au, nil
}
