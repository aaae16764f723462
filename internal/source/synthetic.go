package source

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/jmylchreest/replayd/internal/media"
)

// SyntheticVideoConfig configures the test-pattern video source.
type SyntheticVideoConfig struct {
	Width  int
	Height int
	FPS    int

	// Frames stops the source after this many frames (0 = unlimited).
	Frames int
}

// SyntheticVideo renders a moving vertical bar over a gradient in BGRA.
type SyntheticVideo struct {
	config SyntheticVideoConfig
	clock  func() time.Time
}

// NewSyntheticVideo creates a test-pattern video source.
func NewSyntheticVideo(cfg SyntheticVideoConfig) *SyntheticVideo {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &SyntheticVideo{config: cfg, clock: time.Now}
}

// Kind returns media.Video.
func (s *SyntheticVideo) Kind() media.StreamKind {
	return media.Video
}

// Run emits frames at the configured rate until ctx is done.
func (s *SyntheticVideo) Run(ctx context.Context, emit EmitFunc) error {
	interval := time.Second / time.Duration(s.config.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; s.config.Frames == 0 || n < s.config.Frames; n++ {
		frame := media.RawFrame{
			Stream:      media.Video,
			Data:        s.render(n),
			Captured:    s.clock(),
			Width:       s.config.Width,
			Height:      s.config.Height,
			PixelFormat: media.PixelFormatBGRA,
		}
		if err := emit(frame); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// render draws frame n.
func (s *SyntheticVideo) render(n int) []byte {
	w, h := s.config.Width, s.config.Height
	data := make([]byte, media.FrameSize(w, h, media.PixelFormatBGRA))

	barWidth := max(w/16, 1)
	barX := (n * 8) % w

	for y := 0; y < h; y++ {
		row := data[y*w*4 : (y+1)*w*4]
		shade := byte(y * 255 / max(h-1, 1))
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			if x >= barX && x < barX+barWidth {
				px[0], px[1], px[2] = 255, 255, 255
			} else {
				px[0] = shade
				px[1] = byte(x * 255 / max(w-1, 1))
				px[2] = 64
			}
			px[3] = 255
		}
	}
	return data
}

// SyntheticAudioConfig configures the sine-tone audio source.
type SyntheticAudioConfig struct {
	Frequency    float64
	Amplitude    float64
	ChunkSamples int

	// Chunks stops the source after this many chunks (0 = unlimited).
	Chunks int
}

// SyntheticAudio produces a stereo sine tone as 48 kHz float PCM.
type SyntheticAudio struct {
	config SyntheticAudioConfig
	clock  func() time.Time
}

// NewSyntheticAudio creates a sine-tone audio source.
func NewSyntheticAudio(cfg SyntheticAudioConfig) *SyntheticAudio {
	if cfg.Frequency <= 0 {
		cfg.Frequency = 440
	}
	if cfg.Amplitude <= 0 {
		cfg.Amplitude = 0.25
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultChunkSamples
	}
	return &SyntheticAudio{config: cfg, clock: time.Now}
}

// Kind returns media.Audio.
func (s *SyntheticAudio) Kind() media.StreamKind {
	return media.Audio
}

// Run emits chunks paced by the sample clock. Capture times advance by exactly
// one chunk duration so the stream carries no jitter of its own. When emit
// blocks long enough for ticks to be lost, the sample clock is re-anchored to
// the wall clock so audio stays aligned with video.
func (s *SyntheticAudio) Run(ctx context.Context, emit EmitFunc) error {
	chunkDur := samplesDuration(int64(s.config.ChunkSamples))
	ticker := time.NewTicker(chunkDur)
	defer ticker.Stop()

	start := s.clock()
	var produced int64

	for n := 0; s.config.Chunks == 0 || n < s.config.Chunks; n++ {
		captured := start.Add(samplesDuration(produced))
		if now := s.clock(); now.Sub(captured) > chunkDur {
			start = now.Add(-samplesDuration(produced))
			captured = now
		}
		frame := media.RawFrame{
			Stream:     media.Audio,
			Data:       s.render(produced),
			Captured:   captured,
			SampleRate: media.AudioSampleRate,
			Channels:   media.AudioChannels,
		}
		produced += int64(s.config.ChunkSamples)

		if err := emit(frame); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func samplesDuration(samples int64) time.Duration {
	return time.Duration(samples) * time.Second / media.AudioSampleRate
}

// render produces the chunk starting at sample offset.
func (s *SyntheticAudio) render(offset int64) []byte {
	data := make([]byte, chunkBytes(s.config.ChunkSamples))
	step := 2 * math.Pi * s.config.Frequency / media.AudioSampleRate

	for i := 0; i < s.config.ChunkSamples; i++ {
		v := float32(s.config.Amplitude * math.Sin(step*float64(offset+int64(i))))
		bits := math.Float32bits(v)
		for ch := 0; ch < media.AudioChannels; ch++ {
			off := (i*media.AudioChannels + ch) * media.AudioBytesPerSample
			binary.LittleEndian.PutUint32(data[off:], bits)
		}
	}
	return data
}
