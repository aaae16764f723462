package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress is the state reported on FFmpeg's periodic stats line.
type Progress struct {
	Frame       int64         `json:"frame"`
	FPS         float64       `json:"fps"`
	BitrateKbps float64       `json:"bitrate_kbps"`
	TotalSize   int64         `json:"total_size"`
	Time        time.Duration `json:"time"`
	Speed       float64       `json:"speed"`
	DupFrames   int64         `json:"dup_frames"`
	DropFrames  int64         `json:"drop_frames"`
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*([kmg]?)bits/s`)
	sizeRe    = regexp.MustCompile(`size=\s*(\d+)\s*([kKmM]i?B)?`)
	timeRe    = regexp.MustCompile(`time=(-?\d+):(\d+):(\d+)\.(\d+)`)
	dupRe     = regexp.MustCompile(`dup=\s*(\d+)`)
	dropRe    = regexp.MustCompile(`drop=\s*(\d+)`)
)

// IsProgressLine reports whether line is a periodic stats line rather than a
// diagnostic message.
func IsProgressLine(line string) bool {
	return strings.Contains(line, "speed=") || strings.HasPrefix(strings.TrimSpace(line), "frame=")
}

// ParseProgress updates p with the fields present on a stats line and reports
// whether any field was found.
func ParseProgress(line string, p *Progress) bool {
	found := false

	if m := frameRe.FindStringSubmatch(line); len(m) > 1 {
		p.Frame, _ = strconv.ParseInt(m[1], 10, 64)
		found = true
	}
	if m := fpsRe.FindStringSubmatch(line); len(m) > 1 {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
		found = true
	}
	if m := bitrateRe.FindStringSubmatch(line); len(m) > 2 {
		v, _ := strconv.ParseFloat(m[1], 64)
		switch m[2] {
		case "":
			v /= 1000
		case "m":
			v *= 1000
		case "g":
			v *= 1000 * 1000
		}
		p.BitrateKbps = v
		found = true
	}
	if m := sizeRe.FindStringSubmatch(line); len(m) > 1 {
		v, _ := strconv.ParseInt(m[1], 10, 64)
		switch strings.ToLower(m[2]) {
		case "kb", "kib":
			v *= 1024
		case "mb", "mib":
			v *= 1024 * 1024
		}
		p.TotalSize = v
		found = true
	}
	if m := timeRe.FindStringSubmatch(line); len(m) > 4 {
		hours, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		secs, _ := strconv.Atoi(m[3])
		frac, _ := strconv.ParseFloat("0."+m[4], 64)
		p.Time = time.Duration(hours)*time.Hour +
			time.Duration(mins)*time.Minute +
			time.Duration(secs)*time.Second +
			time.Duration(frac*float64(time.Second))
		found = true
	}
	if speed := parseSpeed(line); speed > 0 {
		p.Speed = speed
		found = true
	}
	if m := dupRe.FindStringSubmatch(line); len(m) > 1 {
		p.DupFrames, _ = strconv.ParseInt(m[1], 10, 64)
		found = true
	}
	if m := dropRe.FindStringSubmatch(line); len(m) > 1 {
		p.DropFrames, _ = strconv.ParseInt(m[1], 10, 64)
		found = true
	}

	return found
}

// parseSpeed extracts the encoding speed (1.0 = realtime) from a stats line.
func parseSpeed(line string) float64 {
	idx := strings.Index(line, "speed=")
	if idx == -1 {
		return 0
	}

	speedStr := strings.TrimLeft(line[idx+6:], " ")
	if endIdx := strings.IndexAny(speedStr, "x \t"); endIdx > 0 {
		speedStr = speedStr[:endIdx]
	}

	speed, err := strconv.ParseFloat(strings.TrimSpace(speedStr), 64)
	if err != nil {
		return 0
	}
	return speed
}

// scanLinesWithCR handles both \r and \n as line delimiters; FFmpeg rewrites
// its stats line in place with \r.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}

	return 0, nil, nil
}
