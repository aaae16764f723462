// Package buffer provides the rolling, time- and memory-bounded packet store
// that holds the replay window for one stream.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmylchreest/replayd/internal/media"
)

// DefaultMaxBytes is the default per-stream memory ceiling.
const DefaultMaxBytes = 1 << 30

// compactThreshold is the number of trimmed slots that triggers compaction of
// the backing slice.
const compactThreshold = 1024

// Errors returned by Push.
var (
	ErrNotMonotonic = errors.New("packet PTS does not follow the newest buffered packet")
	ErrWrongStream  = errors.New("packet belongs to another stream")
)

// Config configures a Ring.
type Config struct {
	// Stream is the stream stored in the ring.
	Stream media.StreamKind

	// Window is the maximum buffered duration.
	Window time.Duration

	// MaxBytes is the memory ceiling for packet payloads (0 = unlimited).
	MaxBytes int64

	// KeyframeHeaded makes snapshots start at the first retained keyframe and
	// discards packets that cannot be decoded because no keyframe precedes
	// them. Enabled for video.
	KeyframeHeaded bool
}

// DefaultConfig returns the configuration for a stream with the given window.
func DefaultConfig(stream media.StreamKind, window time.Duration) Config {
	return Config{
		Stream:         stream,
		Window:         window,
		MaxBytes:       DefaultMaxBytes,
		KeyframeHeaded: stream == media.Video,
	}
}

// Stats is a point-in-time view of a ring.
type Stats struct {
	Stream          string        `json:"stream"`
	Packets         int           `json:"packets"`
	Bytes           int64         `json:"bytes"`
	MaxBytes        int64         `json:"max_bytes"`
	Utilization     float64       `json:"utilization"`
	Span            time.Duration `json:"span"`
	ExportableSpan  time.Duration `json:"exportable_span"`
	Keyframes       int           `json:"keyframes"`
	EvictedByTime   uint64        `json:"evicted_by_time"`
	EvictedByBytes  uint64        `json:"evicted_by_bytes"`
	DiscardedNoHead uint64        `json:"discarded_no_keyframe"`
}

// Ring is a single-writer, many-reader packet store. Storage is append-only
// with head trim; readers copy a range under the read lock so a snapshot never
// observes a partially applied push or eviction.
type Ring struct {
	config Config

	mu      sync.RWMutex
	packets []media.EncodedPacket
	head    int // index of the oldest retained packet
	bytes   int64

	// newestKey is the index of the newest keyframe, or -1.
	newestKey int
	keyframes int

	evictedByTime   uint64
	evictedByBytes  uint64
	discardedNoHead uint64
}

// New creates an empty ring.
func New(config Config) *Ring {
	return &Ring{
		config:    config,
		packets:   make([]media.EncodedPacket, 0, 256),
		newestKey: -1,
	}
}

// Push appends a packet and evicts from the head. Byte-ceiling eviction runs
// first, then time-window eviction relative to the new packet. The span from
// the newest keyframe to the newest packet is never evicted.
//
// It reports whether the packet was retained; a non-keyframe arriving while
// a keyframe-headed ring holds no keyframe is discarded.
func (r *Ring) Push(pkt media.EncodedPacket) (bool, error) {
	if pkt.Stream != r.config.Stream {
		return false, fmt.Errorf("%w: %s ring got %s packet", ErrWrongStream, r.config.Stream, pkt.Stream)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.packets); n > r.head {
		if last := r.packets[n-1]; pkt.PTS <= last.PTS {
			return false, fmt.Errorf("%w: %v after %v", ErrNotMonotonic, pkt.PTS, last.PTS)
		}
	}

	if r.config.KeyframeHeaded && !pkt.Keyframe && r.newestKey < 0 {
		r.discardedNoHead++
		return false, nil
	}

	r.packets = append(r.packets, pkt)
	r.bytes += int64(pkt.Size())
	if pkt.Keyframe {
		r.newestKey = len(r.packets) - 1
		r.keyframes++
	}

	if r.config.MaxBytes > 0 {
		for r.bytes > r.config.MaxBytes && r.head < r.protectedFrom() {
			r.evictHead()
			r.evictedByBytes++
		}
	}

	if r.config.Window > 0 {
		r.evictOlderThan(pkt.PTS - r.config.Window)
	}

	r.compact()
	return true, nil
}

// EvictOlderThan removes head packets whose PTS is before deadline, subject to
// the same keyframe protection as Push. It returns the number evicted.
func (r *Ring) EvictOlderThan(deadline time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.evictOlderThan(deadline)
	r.compact()
	return n
}

func (r *Ring) evictOlderThan(deadline time.Duration) int {
	n := 0
	for r.head < r.protectedFrom() && r.packets[r.head].PTS < deadline {
		r.evictHead()
		r.evictedByTime++
		n++
	}
	return n
}

// protectedFrom returns the index from which packets may not be evicted.
func (r *Ring) protectedFrom() int {
	if r.config.KeyframeHeaded {
		if r.newestKey < 0 {
			return len(r.packets)
		}
		return r.newestKey
	}
	return len(r.packets) - 1
}

func (r *Ring) evictHead() {
	p := r.packets[r.head]
	r.bytes -= int64(p.Size())
	if p.Keyframe {
		r.keyframes--
	}
	r.packets[r.head] = media.EncodedPacket{}
	r.head++
}

// compact reclaims the trimmed prefix of the backing slice.
func (r *Ring) compact() {
	if r.head < compactThreshold || r.head < len(r.packets)/2 {
		return
	}
	live := make([]media.EncodedPacket, len(r.packets)-r.head, cap(r.packets))
	copy(live, r.packets[r.head:])
	if r.newestKey >= 0 {
		r.newestKey -= r.head
	}
	r.packets = live
	r.head = 0
}

// firstUsable returns the index a snapshot starts from.
func (r *Ring) firstUsable() int {
	if !r.config.KeyframeHeaded {
		return r.head
	}
	for i := r.head; i < len(r.packets); i++ {
		if r.packets[i].Keyframe {
			return i
		}
	}
	return len(r.packets)
}

// Snapshot returns a copy of the retained packets in PTS order. For
// keyframe-headed rings the copy starts at the first retained keyframe.
// Payloads are shared, not copied; packets are immutable.
func (r *Ring) Snapshot() []media.EncodedPacket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := r.firstUsable()
	if start >= len(r.packets) {
		return nil
	}
	out := make([]media.EncodedPacket, len(r.packets)-start)
	copy(out, r.packets[start:])
	return out
}

// Stats returns current ring statistics.
func (r *Ring) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Stream:          r.config.Stream.String(),
		Packets:         len(r.packets) - r.head,
		Bytes:           r.bytes,
		MaxBytes:        r.config.MaxBytes,
		Keyframes:       r.keyframes,
		EvictedByTime:   r.evictedByTime,
		EvictedByBytes:  r.evictedByBytes,
		DiscardedNoHead: r.discardedNoHead,
	}
	if r.config.MaxBytes > 0 {
		s.Utilization = float64(r.bytes) / float64(r.config.MaxBytes)
	}
	if s.Packets > 0 {
		last := r.packets[len(r.packets)-1]
		s.Span = last.End() - r.packets[r.head].PTS
		if start := r.firstUsable(); start < len(r.packets) {
			s.ExportableSpan = last.End() - r.packets[start].PTS
		}
	}
	return s
}
