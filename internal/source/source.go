// Package source produces raw video frames and audio chunks for the
// encoders.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmylchreest/replayd/internal/media"
)

// ErrUnavailable is returned by Run when the capture device is permanently
// gone.
var ErrUnavailable = errors.New("capture source unavailable")

// EmitFunc receives one raw frame. Ownership of frame.Data passes to the
// callee. A non-nil error stops the source and is returned from Run.
type EmitFunc func(frame media.RawFrame) error

// Source produces raw frames for one stream until its context is cancelled.
type Source interface {
	Kind() media.StreamKind
	Run(ctx context.Context, emit EmitFunc) error
}

// Kind selects how frames are produced.
type Kind string

// Source kinds.
const (
	KindSynthetic Kind = "synthetic"
	KindGrab      Kind = "grab"
)

// ParseKind parses a source kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "synthetic", "test":
		return KindSynthetic, nil
	case "grab", "ffmpeg":
		return KindGrab, nil
	default:
		return "", fmt.Errorf("unknown capture source %q (want synthetic or grab)", s)
	}
}

// Audio chunking shared by the audio sources.
const (
	// DefaultChunkSamples is the number of samples per channel in one audio
	// chunk.
	DefaultChunkSamples = 1024
)

// chunkBytes returns the payload size of an audio chunk.
func chunkBytes(samples int) int {
	return samples * media.AudioChannels * media.AudioBytesPerSample
}
