package export

import (
	"time"

	"github.com/jmylchreest/replayd/internal/media"
)

// Plan is the ordered packet sequence for one clip, rebased so the first
// video packet is at 0.
type Plan struct {
	Packets      []media.EncodedPacket
	VideoPackets int
	AudioPackets int

	// Start is the PTS of the first video packet before rebasing.
	Start time.Duration

	// Duration is the playback length of the video track.
	Duration time.Duration

	// DroppedAudio counts audio packets outside the video span.
	DroppedAudio int
}

// HasAudio reports whether the plan carries an audio track.
func (p *Plan) HasAudio() bool {
	return p.AudioPackets > 0
}

// NewPlan builds a clip from video and audio snapshots. Both inputs must be in
// PTS order. The clip starts at the first video keyframe; audio before it or
// starting at or after the end of the last video packet is dropped.
func NewPlan(video, audio []media.EncodedPacket) (*Plan, error) {
	first := -1
	for i, pkt := range video {
		if pkt.Keyframe {
			first = i
			break
		}
	}
	if first < 0 {
		return nil, ErrInsufficientData
	}
	video = video[first:]

	start := video[0].PTS
	end := video[len(video)-1].End()

	lo := 0
	for lo < len(audio) && audio[lo].PTS < start {
		lo++
	}
	hi := len(audio)
	for hi > lo && audio[hi-1].PTS >= end {
		hi--
	}
	kept := audio[lo:hi]

	plan := &Plan{
		Packets:      make([]media.EncodedPacket, 0, len(video)+len(kept)),
		VideoPackets: len(video),
		AudioPackets: len(kept),
		Start:        start,
		Duration:     end - start,
		DroppedAudio: len(audio) - len(kept),
	}

	// Merge by PTS; video wins ties so a keyframe leads its audio.
	v, a := 0, 0
	for v < len(video) || a < len(kept) {
		var pkt media.EncodedPacket
		if a >= len(kept) || (v < len(video) && video[v].PTS <= kept[a].PTS) {
			pkt = video[v]
			v++
		} else {
			pkt = kept[a]
			a++
		}
		pkt.PTS -= start
		plan.Packets = append(plan.Packets, pkt)
	}

	return plan, nil
}
