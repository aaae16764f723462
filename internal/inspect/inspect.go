// Package inspect reads MPEG-TS clips back and reports what they contain, to
// check a saved clip is playable from its first frame.
package inspect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// tsPacketSize is the MPEG-TS packet size.
const tsPacketSize = 188

// ptsClockRate is the MPEG-TS presentation clock.
const ptsClockRate = 90000

// ErrNoStreams is returned when no PMT was found.
var ErrNoStreams = errors.New("no elementary streams found")

// Stream describes one elementary stream.
type Stream struct {
	PID        uint16        `json:"pid" yaml:"pid"`
	StreamType uint8         `json:"stream_type" yaml:"stream_type"`
	Codec      string        `json:"codec" yaml:"codec"`
	Packets    int           `json:"packets" yaml:"packets"`
	Bytes      int64         `json:"bytes" yaml:"bytes"`
	Keyframes  int           `json:"keyframes,omitempty" yaml:"keyframes,omitempty"`
	FirstPTS   time.Duration `json:"first_pts" yaml:"first_pts"`
	LastPTS    time.Duration `json:"last_pts" yaml:"last_pts"`

	hasPTS bool
}

// Span returns the distance between the first and last PTS.
func (s Stream) Span() time.Duration {
	return s.LastPTS - s.FirstPTS
}

// Report is the result of inspecting a transport stream.
type Report struct {
	Path    string   `json:"path,omitempty" yaml:"path,omitempty"`
	Size    int64    `json:"size" yaml:"size"`
	Streams []Stream `json:"streams" yaml:"streams"`

	// StartsWithKeyframe is set when the first video access unit is an IDR.
	StartsWithKeyframe bool `json:"starts_with_keyframe" yaml:"starts_with_keyframe"`
	// RandomAccessFlag is set when the first video packet carries the
	// adaptation field random access indicator.
	RandomAccessFlag bool `json:"random_access_flag" yaml:"random_access_flag"`
}

// Video returns the first H.264 stream, if any.
func (r *Report) Video() (Stream, bool) {
	for _, s := range r.Streams {
		if s.StreamType == uint8(astits.StreamTypeH264Video) {
			return s, true
		}
	}
	return Stream{}, false
}

// InspectFile inspects the transport stream at path.
func InspectFile(ctx context.Context, path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening clip: %w", err)
	}
	defer f.Close()

	report, err := Inspect(ctx, bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	report.Path = path
	return report, nil
}

// Inspect demuxes a transport stream and reports its elementary streams.
func Inspect(ctx context.Context, r io.Reader) (*Report, error) {
	counter := &countingReader{r: r}
	dmx := astits.NewDemuxer(ctx, counter, astits.DemuxerOptPacketSize(tsPacketSize))

	streams := make(map[uint16]*Stream)
	report := &Report{}
	var sawVideo bool

	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return nil, fmt.Errorf("demuxing: %w", err)
		}

		if d.PMT != nil {
			for _, es := range d.PMT.ElementaryStreams {
				if _, ok := streams[es.ElementaryPID]; ok {
					continue
				}
				streams[es.ElementaryPID] = &Stream{
					PID:        es.ElementaryPID,
					StreamType: uint8(es.StreamType),
					Codec:      codecName(uint8(es.StreamType)),
				}
			}
			continue
		}

		if d.PES == nil {
			continue
		}
		s, ok := streams[d.PID]
		if !ok {
			continue
		}

		s.Packets++
		s.Bytes += int64(len(d.PES.Data))
		if pts, ok := pesPTS(d.PES); ok {
			if !s.hasPTS {
				s.FirstPTS = pts
				s.hasPTS = true
			}
			s.LastPTS = pts
		}

		if s.StreamType != uint8(astits.StreamTypeH264Video) {
			continue
		}
		keyframe := isKeyframe(d.PES.Data)
		if keyframe {
			s.Keyframes++
		}
		if !sawVideo {
			sawVideo = true
			report.StartsWithKeyframe = keyframe
			report.RandomAccessFlag = randomAccessFlag(d)
		}
	}

	if len(streams) == 0 {
		return nil, ErrNoStreams
	}

	report.Size = counter.n
	for _, s := range streams {
		report.Streams = append(report.Streams, *s)
	}
	sort.Slice(report.Streams, func(i, j int) bool {
		return report.Streams[i].PID < report.Streams[j].PID
	})
	return report, nil
}

func pesPTS(pes *astits.PESData) (time.Duration, bool) {
	if pes.Header == nil || pes.Header.OptionalHeader == nil || pes.Header.OptionalHeader.PTS == nil {
		return 0, false
	}
	base := pes.Header.OptionalHeader.PTS.Base
	return time.Duration(base) * time.Second / ptsClockRate, true
}

func isKeyframe(data []byte) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return false
	}
	return h264.IsRandomAccess(au)
}

func randomAccessFlag(d *astits.DemuxerData) bool {
	if d.FirstPacket == nil || d.FirstPacket.AdaptationField == nil {
		return false
	}
	return d.FirstPacket.AdaptationField.RandomAccessIndicator
}

func codecName(streamType uint8) string {
	switch streamType {
	case 0x1b:
		return "h264"
	case 0x24:
		return "h265"
	case 0x0f:
		return "aac"
	case 0x03, 0x04:
		return "mpeg_audio"
	case 0x06:
		return "private"
	default:
		return fmt.Sprintf("0x%02x", streamType)
	}
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
