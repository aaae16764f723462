package models

import (
	"path/filepath"
	"time"
)

// Clip container names, matching the export containers.
const (
	ClipContainerMP4 = "mp4"
	ClipContainerTS  = "ts"
)

// Clip is a saved replay on disk.
type Clip struct {
	BaseModel

	// Path is where the clip file lives. Removing the row does not remove it.
	Path      string `gorm:"not null;size:512;index" json:"path"`
	Container string `gorm:"not null;size:8" json:"container"`
	SizeBytes int64  `gorm:"not null;default:0" json:"size_bytes"`

	DurationMS   int64 `gorm:"not null;default:0" json:"duration_ms"`
	VideoPackets int   `gorm:"not null;default:0" json:"video_packets"`
	AudioPackets int   `gorm:"not null;default:0" json:"audio_packets"`
	DroppedAudio int   `gorm:"not null;default:0" json:"dropped_audio"`

	// SessionID is the capture session that produced the clip.
	SessionID string `gorm:"size:36;index" json:"session_id,omitempty"`
}

// TableName returns the table name for clips.
func (Clip) TableName() string {
	return "clips"
}

// Validate checks the clip fields before persisting.
func (c *Clip) Validate() error {
	if c.Path == "" {
		return ErrValidation{Field: "path", Message: ErrPathRequired.Error()}
	}
	switch c.Container {
	case ClipContainerMP4, ClipContainerTS:
	default:
		return ErrValidation{Field: "container", Message: ErrInvalidContainer.Error()}
	}
	if c.SizeBytes < 0 {
		return ErrValidation{Field: "size_bytes", Message: "must not be negative"}
	}
	return nil
}

// Duration returns the clip duration.
func (c *Clip) Duration() time.Duration {
	return time.Duration(c.DurationMS) * time.Millisecond
}

// FileName returns the base name of the clip file.
func (c *Clip) FileName() string {
	return filepath.Base(c.Path)
}
