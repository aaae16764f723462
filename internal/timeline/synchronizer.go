// Package timeline maps capture timestamps of both streams onto one shared,
// monotonic presentation timeline.
package timeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/replayd/internal/media"
)

// Default drift correction settings.
const (
	DefaultDriftCheckInterval = 5 * time.Second
	DefaultDriftThreshold     = 40 * time.Millisecond
)

// Config configures a Synchronizer.
type Config struct {
	// DriftCheckInterval is the wall-clock interval between audio drift checks.
	DriftCheckInterval time.Duration

	// DriftThreshold is the maximum tolerated divergence between the audio
	// sample timeline and wall clock. Corrections fire at half of it, so the
	// divergence accumulated between two checks stays below the threshold.
	DriftThreshold time.Duration
}

// DefaultConfig returns the default synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		DriftCheckInterval: DefaultDriftCheckInterval,
		DriftThreshold:     DefaultDriftThreshold,
	}
}

// Stats holds synchronizer counters.
type Stats struct {
	Origin            time.Time     `json:"origin"`
	VideoRepairs      uint64        `json:"video_repairs"`
	AudioRepairs      uint64        `json:"audio_repairs"`
	DriftCorrections  uint64        `json:"drift_corrections"`
	LastDivergence    time.Duration `json:"last_divergence"`
	LastVideoPTS      time.Duration `json:"last_video_pts"`
	LastAudioPTS      time.Duration `json:"last_audio_pts"`
	VideoPacketsTimed uint64        `json:"video_packets"`
	AudioPacketsTimed uint64        `json:"audio_packets"`
}

// streamClock is the per-stream state. Each stream has a single writer, but
// Stats may read concurrently, hence the mutex.
type streamClock struct {
	mu      sync.Mutex
	started bool
	last    time.Duration
	lastDur time.Duration
	repairs uint64
	packets uint64
}

// Synchronizer establishes the shared origin and assigns PTS values.
type Synchronizer struct {
	config Config

	origin atomic.Pointer[time.Time]

	video streamClock
	audio streamClock

	// Audio drift state, guarded by audio.mu.
	lastCheck   time.Duration
	divergence  time.Duration
	corrections uint64
}

// New creates a Synchronizer.
func New(config Config) *Synchronizer {
	if config.DriftCheckInterval <= 0 {
		config.DriftCheckInterval = DefaultDriftCheckInterval
	}
	if config.DriftThreshold <= 0 {
		config.DriftThreshold = DefaultDriftThreshold
	}
	return &Synchronizer{config: config}
}

// Origin returns the shared time origin and whether it has been set.
func (s *Synchronizer) Origin() (time.Time, bool) {
	if o := s.origin.Load(); o != nil {
		return *o, true
	}
	return time.Time{}, false
}

// originFor sets the origin on the first call across both streams and returns
// the winning value to every caller.
func (s *Synchronizer) originFor(captured time.Time) time.Time {
	if o := s.origin.Load(); o != nil {
		return *o
	}
	candidate := captured
	if s.origin.CompareAndSwap(nil, &candidate) {
		return candidate
	}
	return *s.origin.Load()
}

// wallPTS returns captured - origin, clamped at zero and truncated to the
// time unit.
func (s *Synchronizer) wallPTS(captured time.Time) time.Duration {
	d := captured.Sub(s.originFor(captured))
	if d < 0 {
		d = 0
	}
	return d.Truncate(media.TimeUnit)
}

// Normalize returns the PTS for a unit of the given stream captured at
// captured. duration is the unit's playback duration; it drives the audio
// sample timeline and may be zero for video.
//
// PTS values are strictly increasing per stream: a value that would not
// advance is bumped to previous + one time unit and counted as a repair.
func (s *Synchronizer) Normalize(stream media.StreamKind, captured time.Time, duration time.Duration) time.Duration {
	wall := s.wallPTS(captured)

	switch stream {
	case media.Audio:
		return s.normalizeAudio(wall, duration)
	default:
		return s.video.advance(wall, duration)
	}
}

func (c *streamClock) advance(pts, duration time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advanceLocked(pts, duration)
}

func (c *streamClock) advanceLocked(pts, duration time.Duration) time.Duration {
	if c.started && pts <= c.last {
		pts = c.last + media.TimeUnit
		c.repairs++
	}
	c.started = true
	c.last = pts
	c.lastDur = duration
	c.packets++
	return pts
}

// normalizeAudio follows the sample timeline (previous PTS + previous
// duration) and periodically pulls it back towards wall clock.
func (s *Synchronizer) normalizeAudio(wall, duration time.Duration) time.Duration {
	c := &s.audio
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		s.lastCheck = wall
		return c.advanceLocked(wall, duration)
	}

	pts := c.last + c.lastDur

	if wall-s.lastCheck >= s.config.DriftCheckInterval {
		s.lastCheck = wall
		div := pts - wall
		s.divergence = div
		if div > s.config.DriftThreshold/2 || div < -s.config.DriftThreshold/2 {
			pts -= div
			s.corrections++
		}
	}

	return c.advanceLocked(pts.Truncate(media.TimeUnit), duration)
}

// Stamp returns a copy of pkt with its PTS assigned from its capture time.
func (s *Synchronizer) Stamp(pkt media.EncodedPacket) media.EncodedPacket {
	pkt.PTS = s.Normalize(pkt.Stream, pkt.Captured, pkt.Duration)
	return pkt
}

// Stats returns synchronizer counters.
func (s *Synchronizer) Stats() Stats {
	var st Stats
	if o, ok := s.Origin(); ok {
		st.Origin = o
	}

	s.video.mu.Lock()
	st.VideoRepairs = s.video.repairs
	st.LastVideoPTS = s.video.last
	st.VideoPacketsTimed = s.video.packets
	s.video.mu.Unlock()

	s.audio.mu.Lock()
	st.AudioRepairs = s.audio.repairs
	st.LastAudioPTS = s.audio.last
	st.AudioPacketsTimed = s.audio.packets
	st.DriftCorrections = s.corrections
	st.LastDivergence = s.divergence
	s.audio.mu.Unlock()

	return st
}
