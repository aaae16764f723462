package encoder

import (
	"github.com/jmylchreest/replayd/internal/media"
)

// Encoder names used by the two video backends.
const (
	EncoderNVENC = "h264_nvenc"
	EncoderVAAPI = "h264_vaapi"
	EncoderOpus  = "libopus"
)

// Defaults shared by the video backends.
const (
	DefaultGOPSize     = 30
	DefaultVAAPIDevice = "/dev/dri/renderD128"
)

// Preset holds the encoder options for one quality tier. Fields that do not
// apply to a backend are left empty.
type Preset struct {
	Preset  string `json:"preset,omitempty"`
	CQ      int    `json:"cq,omitempty"`
	QP      int    `json:"qp,omitempty"`
	Bitrate string `json:"bitrate,omitempty"`
}

var nvencPresets = map[media.Quality]Preset{
	media.QualityLow:     {Preset: "p2", CQ: 30, Bitrate: "20M"},
	media.QualityMedium:  {Preset: "p4", CQ: 25, Bitrate: "40M"},
	media.QualityHigh:    {Preset: "p7", CQ: 20, Bitrate: "80M"},
	media.QualityHighest: {Preset: "p7", CQ: 15, Bitrate: "120M"},
}

var vaapiPresets = map[media.Quality]Preset{
	media.QualityLow:     {QP: 30},
	media.QualityMedium:  {QP: 25},
	media.QualityHigh:    {QP: 20},
	media.QualityHighest: {QP: 15},
}

// Presets returns the preset for a backend and quality tier. Unknown tiers
// map to HIGH.
func Presets(backend media.Backend, quality media.Quality) Preset {
	table := nvencPresets
	if backend == media.BackendFallback {
		table = vaapiPresets
	}
	if p, ok := table[quality]; ok {
		return p
	}
	return table[media.QualityHigh]
}

// EncoderName returns the FFmpeg encoder used by a video backend.
func EncoderName(backend media.Backend) string {
	if backend == media.BackendFallback {
		return EncoderVAAPI
	}
	return EncoderNVENC
}
