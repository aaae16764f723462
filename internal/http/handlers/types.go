package handlers

import (
	"time"

	"github.com/jmylchreest/replayd/internal/models"
)

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	Offset     int   `json:"offset"`
	Limit      int   `json:"limit"`
	TotalItems int64 `json:"total_items"`
}

// Clip types

// ClipResponse represents a saved clip in API responses.
type ClipResponse struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Path         string    `json:"path"`
	FileName     string    `json:"file_name"`
	Container    string    `json:"container"`
	SizeBytes    int64     `json:"size_bytes"`
	Size         string    `json:"size"`
	DurationMS   int64     `json:"duration_ms"`
	VideoPackets int       `json:"video_packets"`
	AudioPackets int       `json:"audio_packets"`
	DroppedAudio int       `json:"dropped_audio"`
	SessionID    string    `json:"session_id,omitempty"`
	DownloadURL  string    `json:"download_url"`
}

// ClipListResponse is the paginated response for clip listings.
type ClipListResponse struct {
	Pagination PaginationMeta `json:"pagination"`
	TotalBytes int64          `json:"total_bytes"`
	Clips      []ClipResponse `json:"clips"`
}

// Health types

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Memory        MemoryInfo        `json:"memory"`
	Process       ProcessInfo       `json:"process"`
	Checks        map[string]string `json:"checks"`
}

// MemoryInfo describes system memory.
type MemoryInfo struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	AvailableMB float64 `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// ProcessInfo describes the daemon process and its ffmpeg children.
type ProcessInfo struct {
	PID                int     `json:"pid"`
	RSSMB              float64 `json:"rss_mb"`
	CPUPercent         float64 `json:"cpu_percent"`
	ChildProcessCount  int     `json:"child_process_count"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
}

// bytesToMB converts bytes to mebibytes.
func bytesToMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}

// clipFromModel converts a model to a response.
func clipFromModel(c *models.Clip, size string) ClipResponse {
	return ClipResponse{
		ID:           c.ID.String(),
		CreatedAt:    c.CreatedAt,
		Path:         c.Path,
		FileName:     c.FileName(),
		Container:    c.Container,
		SizeBytes:    c.SizeBytes,
		Size:         size,
		DurationMS:   c.DurationMS,
		VideoPackets: c.VideoPackets,
		AudioPackets: c.AudioPackets,
		DroppedAudio: c.DroppedAudio,
		SessionID:    c.SessionID,
		DownloadURL:  "/api/v1/clips/" + c.ID.String() + "/download",
	}
}
