package export

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/replayd/internal/media"
)

// Track IDs in the MP4 init segment.
const (
	mp4VideoTrackID = 1
	mp4AudioTrackID = 2
)

var errNoParameterSets = errors.New("first keyframe carries no SPS/PPS")

// MP4Muxer writes H.264 and Opus into fragmented MP4. The init segment is
// built from the parameter sets of the first keyframe and each GOP becomes
// one fragment.
type MP4Muxer struct {
	w         io.Writer
	withAudio bool

	initWritten bool
	seq         uint32

	video []media.EncodedPacket
	audio []media.EncodedPacket
}

// NewMP4Muxer creates a fragmented MP4 muxer.
func NewMP4Muxer(w io.Writer, withAudio bool) *MP4Muxer {
	return &MP4Muxer{
		w:         w,
		withAudio: withAudio,
		seq:       1,
	}
}

// WritePacket buffers one packet. A video keyframe closes the current
// fragment.
func (m *MP4Muxer) WritePacket(pkt media.EncodedPacket) error {
	switch pkt.Stream {
	case media.Video:
		if pkt.Keyframe {
			if !m.initWritten {
				if err := m.writeInit(pkt); err != nil {
					return err
				}
			} else if len(m.video) > 0 {
				if err := m.flush(pkt.PTS, true); err != nil {
					return err
				}
			}
		}
		if !m.initWritten {
			return fmt.Errorf("video packet at %s precedes the first keyframe", pkt.PTS)
		}
		m.video = append(m.video, pkt)

	case media.Audio:
		if m.withAudio {
			m.audio = append(m.audio, pkt)
		}

	default:
		return media.ErrUnknownStream
	}
	return nil
}

// Close writes the last fragment.
func (m *MP4Muxer) Close() error {
	if !m.initWritten {
		return nil
	}
	return m.flush(0, false)
}

func (m *MP4Muxer) writeInit(keyframe media.EncodedPacket) error {
	au, err := accessUnit(keyframe.Data)
	if err != nil {
		return err
	}

	var sps, pps []byte
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = nalu
		case h264.NALUTypePPS:
			pps = nalu
		}
	}
	if sps == nil || pps == nil {
		return errNoParameterSets
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        mp4VideoTrackID,
			TimeScale: videoTimeScale,
			Codec:     &mp4.CodecH264{SPS: sps, PPS: pps},
		}},
	}
	if m.withAudio {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        mp4AudioTrackID,
			TimeScale: audioTimeScale,
			Codec:     &mp4.CodecOpus{ChannelCount: media.AudioChannels},
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("marshaling init: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return err
	}
	m.initWritten = true
	return nil
}

// flush writes the buffered GOP as one fragment. When hasNext is set, next is
// the PTS of the keyframe that starts the following fragment and bounds the
// duration of the last video sample.
func (m *MP4Muxer) flush(next time.Duration, hasNext bool) error {
	if len(m.video) == 0 && len(m.audio) == 0 {
		return nil
	}

	part := fmp4.Part{SequenceNumber: m.seq}

	if len(m.video) > 0 {
		samples := make([]*fmp4.Sample, 0, len(m.video))
		for i, pkt := range m.video {
			end := pkt.End()
			switch {
			case i+1 < len(m.video):
				end = m.video[i+1].PTS
			case hasNext:
				end = next
			}

			au, err := accessUnit(pkt.Data)
			if err != nil {
				return err
			}
			sample := &fmp4.Sample{
				Duration: sampleDuration(pkt, end, videoTimeScale),
			}
			if err := sample.FillH264(0, au); err != nil {
				return fmt.Errorf("filling video sample: %w", err)
			}
			sample.IsNonSyncSample = !pkt.Keyframe
			samples = append(samples, sample)
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       mp4VideoTrackID,
			BaseTime: uint64(ticks(m.video[0].PTS, videoTimeScale)),
			Samples:  samples,
		})
	}

	if len(m.audio) > 0 {
		samples := make([]*fmp4.Sample, 0, len(m.audio))
		for i, pkt := range m.audio {
			end := pkt.End()
			if i+1 < len(m.audio) {
				end = m.audio[i+1].PTS
			}
			samples = append(samples, &fmp4.Sample{
				Duration: sampleDuration(pkt, end, audioTimeScale),
				Payload:  pkt.Data,
			})
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       mp4AudioTrackID,
			BaseTime: uint64(ticks(m.audio[0].PTS, audioTimeScale)),
			Samples:  samples,
		})
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("marshaling part: %w", err)
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		return err
	}

	m.seq++
	m.video = m.video[:0]
	m.audio = m.audio[:0]
	return nil
}

// sampleDuration returns the duration of pkt in ticks, measured up to end so
// that sample boundaries follow the PTS timeline.
func sampleDuration(pkt media.EncodedPacket, end time.Duration, timeScale int64) uint32 {
	d := ticks(end, timeScale) - ticks(pkt.PTS, timeScale)
	if d <= 0 {
		d = ticks(pkt.Duration, timeScale)
	}
	if d <= 0 {
		d = 1
	}
	return uint32(d)
}
