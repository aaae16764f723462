package export

import (
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/replayd/internal/media"
)

// PID constants for MPEG-TS.
const (
	tsVideoPID = 0x0100
	tsAudioPID = 0x0101
)

// TSMuxer writes H.264 and Opus into MPEG-TS.
type TSMuxer struct {
	writer     *mpegts.Writer
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track
}

// NewTSMuxer creates an MPEG-TS muxer. The audio track is only declared when
// withAudio is set.
func NewTSMuxer(w io.Writer, withAudio bool) (*TSMuxer, error) {
	m := &TSMuxer{
		videoTrack: &mpegts.Track{
			PID:   tsVideoPID,
			Codec: &mpegts.CodecH264{},
		},
	}
	tracks := []*mpegts.Track{m.videoTrack}

	if withAudio {
		m.audioTrack = &mpegts.Track{
			PID:   tsAudioPID,
			Codec: &mpegts.CodecOpus{ChannelCount: media.AudioChannels},
		}
		tracks = append(tracks, m.audioTrack)
	}

	m.writer = &mpegts.Writer{
		W:      w,
		Tracks: tracks,
	}
	if err := m.writer.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer: %w", err)
	}
	return m, nil
}

// WritePacket writes one packet.
func (m *TSMuxer) WritePacket(pkt media.EncodedPacket) error {
	pts := ticks(pkt.PTS, videoTimeScale)

	switch pkt.Stream {
	case media.Video:
		au, err := accessUnit(pkt.Data)
		if err != nil {
			return err
		}
		// No B-frames, so DTS equals PTS.
		return m.writer.WriteH264(m.videoTrack, pts, pts, au)

	case media.Audio:
		if m.audioTrack == nil {
			return nil
		}
		return m.writer.WriteOpus(m.audioTrack, pts, [][]byte{pkt.Data})

	default:
		return media.ErrUnknownStream
	}
}

// Close is a no-op: the writer emits complete TS packets as it goes.
func (m *TSMuxer) Close() error {
	return nil
}
