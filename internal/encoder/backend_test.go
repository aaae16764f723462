package encoder

import (
	"context"
	"encoding/binary"
	"math"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/replayd/internal/ffmpeg"
	"github.com/jmylchreest/replayd/internal/media"
)

func TestPresets(t *testing.T) {
	tests := []struct {
		backend  media.Backend
		quality  media.Quality
		expected Preset
	}{
		{media.BackendPrimary, media.QualityLow, Preset{Preset: "p2", CQ: 30, Bitrate: "20M"}},
		{media.BackendPrimary, media.QualityMedium, Preset{Preset: "p4", CQ: 25, Bitrate: "40M"}},
		{media.BackendPrimary, media.QualityHigh, Preset{Preset: "p7", CQ: 20, Bitrate: "80M"}},
		{media.BackendPrimary, media.QualityHighest, Preset{Preset: "p7", CQ: 15, Bitrate: "120M"}},
		{media.BackendFallback, media.QualityLow, Preset{QP: 30}},
		{media.BackendFallback, media.QualityMedium, Preset{QP: 25}},
		{media.BackendFallback, media.QualityHigh, Preset{QP: 20}},
		{media.BackendFallback, media.QualityHighest, Preset{QP: 15}},
		{media.BackendFallback, media.Quality("bogus"), Preset{QP: 20}},
	}

	for _, tt := range tests {
		t.Run(string(tt.backend)+"/"+string(tt.quality), func(t *testing.T) {
			assert.Equal(t, tt.expected, Presets(tt.backend, tt.quality))
		})
	}
}

func TestVideoCommand_NVENC(t *testing.T) {
	cmd := VideoCommand(VideoConfig{
		Backend:          media.BackendPrimary,
		FFmpegPath:       "/usr/bin/ffmpeg",
		Width:            1920,
		Height:           1080,
		FPS:              60,
		Quality:          media.QualityMedium,
		KeyframeInterval: 2 * time.Second,
	})
	args := strings.Join(cmd.Args, " ")

	assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
	assert.Contains(t, args, "-f rawvideo -pix_fmt bgra -video_size 1920x1080 -use_wallclock_as_timestamps 1 -framerate 60 -i pipe:0")
	assert.Contains(t, args, "-vf format=nv12")
	assert.Contains(t, args, "-c:v h264_nvenc -preset p4 -tune hq -rc vbr -cq 25")
	assert.Contains(t, args, "-b:v 40M")
	assert.Contains(t, args, "-g 30 -bf 0 -force_key_frames expr:gte(t,n_forced*2)")
	assert.Contains(t, args, "-f mpegts")
	assert.True(t, strings.HasSuffix(args, "pipe:1"))
	assert.NotContains(t, args, "vaapi")
}

func TestVideoCommand_VAAPI(t *testing.T) {
	cmd := VideoCommand(VideoConfig{
		Backend:          media.BackendFallback,
		Width:            1280,
		Height:           720,
		Quality:          media.QualityHighest,
		KeyframeInterval: time.Second,
		GOPSize:          60,
	})
	args := strings.Join(cmd.Args, " ")

	assert.Equal(t, "ffmpeg", cmd.Binary)
	assert.Contains(t, args, "-init_hw_device vaapi=va:/dev/dri/renderD128 -filter_hw_device va")
	assert.Contains(t, args, "-vf format=nv12,hwupload")
	assert.Contains(t, args, "-c:v h264_vaapi -rc_mode CQP -qp 15")
	assert.Contains(t, args, "-g 60 -bf 0 -force_key_frames expr:gte(t,n_forced*1)")
	assert.NotContains(t, args, "nvenc")
}

func TestAudioCommand(t *testing.T) {
	cmd := AudioCommand(AudioConfig{})
	args := strings.Join(cmd.Args, " ")

	assert.Contains(t, args, "-f f32le -ar 48000 -ac 2 -i pipe:0")
	assert.Contains(t, args, "-vn -c:a libopus -b:a 128k -ar 48000 -ac 2 -frame_duration 20")
	assert.Contains(t, args, "-f mpegts")
}

func TestProbeCommand(t *testing.T) {
	nv := strings.Join(ProbeCommand("ffmpeg", media.BackendPrimary, "").Args, " ")
	assert.Contains(t, nv, "-f lavfi -i color=")
	assert.Contains(t, nv, "-c:v h264_nvenc -frames:v 1 -f null -")

	va := strings.Join(ProbeCommand("ffmpeg", media.BackendFallback, "/dev/dri/renderD129").Args, " ")
	assert.Contains(t, va, "vaapi=va:/dev/dri/renderD129")
	assert.Contains(t, va, "-c:v h264_vaapi")
}

func pcm(samples ...float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func samplesOf(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func TestNormalizeVolume(t *testing.T) {
	tests := []struct {
		name     string
		in       []float32
		wantPeak float32
		wantGain float64
	}{
		{"quiet is raised to the lower bound", []float32{0.05, -0.1, 0.02}, 0.2, 2},
		{"loud is lowered to the upper bound", []float32{0.5, -1.0, 0.25}, 0.8, 0.8},
		{"in band is untouched", []float32{0.3, -0.5}, 0.5, 1},
		{"silence is untouched", []float32{0, 0, 0}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := pcm(tt.in...)
			gain := NormalizeVolume(data)
			assert.InDelta(t, tt.wantGain, gain, 1e-6)

			var peak float32
			for _, s := range samplesOf(data) {
				peak = max(peak, float32(math.Abs(float64(s))))
			}
			assert.InDelta(t, tt.wantPeak, peak, 1e-6)
		})
	}
}

func TestNormalizeVolume_PreservesSign(t *testing.T) {
	data := pcm(0.05, -0.1)
	NormalizeVolume(data)
	got := samplesOf(data)
	assert.InDelta(t, 0.1, got[0], 1e-6)
	assert.InDelta(t, -0.2, got[1], 1e-6)
}

func TestSampleClock(t *testing.T) {
	c := sampleClock{rate: 48000}
	base := time.Unix(1_700_000_000, 0)

	// Two 1024-sample chunks 30ms apart (the second one arrived late).
	c.add(base, 1024)
	c.add(base.Add(30*time.Millisecond), 1024)

	// Packet 0 starts at sample 0 of chunk 0.
	assert.Equal(t, base, c.next(OpusFrameSamples))
	// Packet 1 starts at sample 960, still inside chunk 0.
	assert.Equal(t, base.Add(20*time.Millisecond), c.next(OpusFrameSamples))
	// Packet 2 starts at sample 1920, which is sample 896 of chunk 1.
	assert.Equal(t, base.Add(30*time.Millisecond+896*time.Second/48000), c.next(OpusFrameSamples))
	// Packet 3 is past the submitted samples and extrapolates.
	assert.Equal(t, base.Add(30*time.Millisecond+1856*time.Second/48000), c.next(OpusFrameSamples))
}

func TestSampleClock_RemoveLast(t *testing.T) {
	c := sampleClock{rate: 48000}
	base := time.Unix(1_700_000_000, 0)

	c.add(base, 960)
	c.add(base.Add(time.Second), 960)
	c.removeLast(960)
	c.add(base.Add(2*time.Second), 960)

	assert.Equal(t, base, c.next(OpusFrameSamples))
	assert.Equal(t, base.Add(2*time.Second), c.next(OpusFrameSamples))
}

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9}
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00}
	testP   = []byte{0x41, 0x9a, 0x24}
)

func TestVideoBackend_MapsCaptureTimesInOrder(t *testing.T) {
	v := NewVideoBackend(VideoConfig{Width: 64, Height: 64, FPS: 30}).(*videoBackend)
	base := time.Unix(1_700_000_000, 0)

	v.captures.push(base)
	v.captures.push(base.Add(33 * time.Millisecond))

	var got []media.EncodedPacket
	emit := func(p media.EncodedPacket) { got = append(got, p) }

	require.NoError(t, v.handleAccessUnit([][]byte{testSPS, testPPS, testIDR}, emit))
	require.NoError(t, v.handleAccessUnit([][]byte{testP}, emit))
	require.NoError(t, v.handleAccessUnit(nil, emit))

	require.Len(t, got, 2)
	assert.True(t, got[0].Keyframe)
	assert.False(t, got[1].Keyframe)
	assert.Equal(t, base, got[0].Captured)
	assert.Equal(t, base.Add(33*time.Millisecond), got[1].Captured)
	assert.Equal(t, 33333*time.Microsecond, got[0].Duration)

	var au h264.AnnexB
	require.NoError(t, au.Unmarshal(got[0].Data))
	assert.Equal(t, [][]byte{testSPS, testPPS, testIDR}, [][]byte(au))
	_, pending := v.captures.pop()
	assert.False(t, pending, "every capture time was consumed")
}

func TestVideoBackend_PrependsParameterSetsToBareKeyframes(t *testing.T) {
	v := NewVideoBackend(VideoConfig{Width: 64, Height: 64}).(*videoBackend)

	first := v.withParameterSets([][]byte{testSPS, testPPS, testIDR})
	assert.Equal(t, [][]byte{testSPS, testPPS, testIDR}, first)

	bare := v.withParameterSets([][]byte{testIDR})
	assert.Equal(t, [][]byte{testSPS, testPPS, testIDR}, bare)

	// A keyframe with only a PPS still gets SPS first.
	partial := v.withParameterSets([][]byte{testPPS, testIDR})
	assert.Equal(t, [][]byte{testSPS, testPPS, testIDR}, partial)
}

func TestVideoBackend_RejectsGeometryMismatch(t *testing.T) {
	v := NewVideoBackend(VideoConfig{Width: 64, Height: 64})
	err := v.Encode(context.Background(), media.RawFrame{
		Stream:      media.Video,
		Width:       32,
		Height:      32,
		PixelFormat: media.PixelFormatBGRA,
		Data:        make([]byte, 32*32*4),
	})
	assert.ErrorIs(t, err, media.ErrFrameGeometry)
}

func skipUnlessEncoder(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	info, err := ffmpeg.NewBinaryDetector(path).Detect(context.Background())
	if err != nil || !info.HasEncoder(name) {
		t.Skipf("ffmpeg has no %s encoder", name)
	}
	return path
}

func TestIntegration_OpusEncoder(t *testing.T) {
	path := skipUnlessEncoder(t, EncoderOpus)

	enc := New(NewAudioBackend(AudioConfig{FFmpegPath: path, Normalize: true}),
		Config{Stream: media.Audio, QueueCapacity: 1024})
	require.NoError(t, enc.Open(context.Background()))

	ctx := context.Background()
	base := time.Now()
	chunk := 1024
	for i := 0; i < 100; i++ {
		samples := make([]float32, chunk*media.AudioChannels)
		for j := range samples {
			samples[j] = float32(0.1 * math.Sin(float64(i*chunk+j/2)*2*math.Pi*440/48000))
		}
		frame := media.RawFrame{
			Stream:     media.Audio,
			Data:       pcm(samples...),
			Captured:   base.Add(time.Duration(i*chunk) * time.Second / 48000),
			SampleRate: media.AudioSampleRate,
			Channels:   media.AudioChannels,
		}
		require.NoError(t, enc.Submit(ctx, frame))
	}
	require.NoError(t, enc.Close())

	var packets []media.EncodedPacket
	for pkt := range enc.Packets() {
		packets = append(packets, pkt)
	}
	require.NotEmpty(t, packets)
	assert.NoError(t, enc.Err())

	for i, pkt := range packets {
		assert.True(t, pkt.Keyframe)
		assert.Equal(t, OpusFrameDuration, pkt.Duration)
		if i > 0 {
			assert.False(t, pkt.Captured.Before(packets[i-1].Captured))
		}
	}
	assert.Equal(t, base, packets[0].Captured)
}
