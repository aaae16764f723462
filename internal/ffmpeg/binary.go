// Package ffmpeg provides FFmpeg binary detection, command building and child
// process management.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryEnvVar overrides the FFmpeg binary location.
const BinaryEnvVar = "REPLAYD_FFMPEG_BINARY"

// BinaryInfo contains information about the FFmpeg installation.
type BinaryInfo struct {
	FFmpegPath    string   `json:"ffmpeg_path"`
	Version       string   `json:"version"`
	MajorVersion  int      `json:"major_version"`
	MinorVersion  int      `json:"minor_version"`
	BuildDate     string   `json:"build_date,omitempty"`
	Configuration string   `json:"configuration,omitempty"`
	Encoders      []string `json:"encoders,omitempty"`
	HWAccels      []string `json:"hw_accels,omitempty"`
}

// BinaryDetector handles detection and caching of the FFmpeg binary.
type BinaryDetector struct {
	path string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. An empty path searches the
// environment, the working directory and PATH.
func NewBinaryDetector(path string) *BinaryDetector {
	return &BinaryDetector{
		path:     path,
		cacheTTL: 5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect detects the FFmpeg binary and its capabilities.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	ffmpegPath := d.path
	if ffmpegPath == "" {
		var err error
		ffmpegPath, err = FindBinary("ffmpeg", BinaryEnvVar)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
	}

	info := &BinaryInfo{FFmpegPath: ffmpegPath}

	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	if err := parseVersion(string(out), info); err != nil {
		return nil, err
	}

	if out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output(); err == nil {
		info.Encoders = parseEncoders(string(out))
	}
	if out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-hwaccels").Output(); err == nil {
		info.HWAccels = parseHWAccels(string(out))
	}

	return info, nil
}

var versionRe = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion fills version fields from `ffmpeg -version` output.
func parseVersion(output string, info *BinaryInfo) error {
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				info.Version = parts[2]
				if m := versionRe.FindStringSubmatch(parts[2]); len(m) >= 3 {
					info.MajorVersion, _ = strconv.Atoi(m[1])
					info.MinorVersion, _ = strconv.Atoi(m[2])
				}
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildDate = strings.TrimPrefix(line, "built with ")
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimPrefix(line, "configuration: ")
		}
	}

	if info.Version == "" {
		return fmt.Errorf("failed to parse ffmpeg version")
	}
	return nil
}

// parseEncoders extracts encoder names from `ffmpeg -encoders` output.
func parseEncoders(output string) []string {
	var encoders []string
	inList := false

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}

		// Format: V....D encoder_name description
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 {
			continue
		}
		if line[0] != 'V' && line[0] != 'A' && line[0] != 'S' {
			continue
		}

		if parts := strings.Fields(line[6:]); len(parts) >= 1 {
			encoders = append(encoders, parts[0])
		}
	}
	return encoders
}

// parseHWAccels extracts method names from `ffmpeg -hwaccels` output.
func parseHWAccels(output string) []string {
	var accels []string
	inList := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Hardware acceleration methods") {
			inList = true
			continue
		}
		if inList && line != "" {
			accels = append(accels, line)
		}
	}
	return accels
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// HasHWAccel returns true if the hardware acceleration method is compiled in.
func (info *BinaryInfo) HasHWAccel(name string) bool {
	return slices.Contains(info.HWAccels, name)
}

// SupportsMinVersion returns true if the FFmpeg version meets the minimum.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion > major {
		return true
	}
	return info.MajorVersion == major && info.MinorVersion >= minor
}

// JSON returns the binary info as JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// FindBinary searches for an executable binary by name.
// Search order:
//  1. Environment variable (if envVar is non-empty and set)
//  2. ./name (current directory, useful for development)
//  3. name on PATH
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

// isExecutable checks if a file exists and is executable by someone.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
