package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// maxNameAttempts bounds the suffix search in clipPath.
const maxNameAttempts = 1000

// clipPath returns a path in dir that does not exist yet, adding a numeric
// suffix to the base name when needed.
func clipPath(dir string, t time.Time, container Container) (string, error) {
	base := fmt.Sprintf("clip_%d", t.Unix())
	ext := "." + container.Ext()

	for i := 0; i < maxNameAttempts; i++ {
		name := base + ext
		if i > 0 {
			name = base + "_" + strconv.Itoa(i) + ext
		}
		path := filepath.Join(dir, name)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free clip name for %s in %s", base, dir)
}

// countingWriter counts the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeFile runs fill against a temporary file in dir and renames it to a
// fresh clip name on success. On any failure the temporary file is removed.
// It returns the final path and the number of bytes written.
func writeFile(ctx context.Context, dir string, t time.Time, container Container, fill func(io.Writer) error) (path string, size int64, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".clip-*.partial")
	if err != nil {
		return "", 0, fmt.Errorf("creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	cw := &countingWriter{w: bw}
	if err = fill(cw); err != nil {
		return "", 0, err
	}
	if err = bw.Flush(); err != nil {
		return "", 0, err
	}
	if err = ctx.Err(); err != nil {
		return "", 0, err
	}
	if err = tmp.Sync(); err != nil {
		return "", 0, err
	}
	if err = tmp.Close(); err != nil {
		return "", 0, err
	}

	path, err = clipPath(dir, t, container)
	if err != nil {
		return "", 0, err
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return "", 0, err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return "", 0, fmt.Errorf("renaming clip: %w", err)
	}
	return path, cw.n, nil
}
