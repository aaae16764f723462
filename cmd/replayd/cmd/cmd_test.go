package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/replayd/internal/catalog"
	"github.com/jmylchreest/replayd/internal/config"
	"github.com/jmylchreest/replayd/internal/export"
	internalhttp "github.com/jmylchreest/replayd/internal/http"
	"github.com/jmylchreest/replayd/internal/http/handlers"
	"github.com/jmylchreest/replayd/internal/session"
)

type fakeCapture struct {
	result *export.Result
	err    error
	accept bool
}

func (f *fakeCapture) Status(context.Context) session.Status {
	return session.Status{ID: "3f1c2a5e-0000-4000-8000-000000000001", State: "running", Window: time.Minute}
}

func (f *fakeCapture) Export(context.Context) (*export.Result, error) {
	return f.result, f.err
}

func (f *fakeCapture) ExportAsync() bool {
	return f.accept
}

func startAPI(t *testing.T, capture *fakeCapture) *apiClient {
	t.Helper()

	server := internalhttp.NewServer(config.ServerConfig{}, nil, "test")
	handlers.NewCaptureHandler(capture).Register(server.API())

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	client := newAPIClient(strings.TrimPrefix(ts.URL, "http://"))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAPIClient_SaveClip(t *testing.T) {
	capture := &fakeCapture{
		result: &export.Result{Path: "/clips/clip_1.mp4", Container: export.ContainerMP4, Size: 2048},
		accept: true,
	}
	client := startAPI(t, capture)
	ctx := context.Background()

	resp, err := client.SaveClip(ctx, false)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	require.NotNil(t, resp.Clip)
	assert.Equal(t, "/clips/clip_1.mp4", resp.Clip.Path)
	assert.Equal(t, int64(2048), resp.Clip.Size)

	resp, err = client.SaveClip(ctx, true)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Nil(t, resp.Clip)
}

func TestAPIClient_SaveClipError(t *testing.T) {
	client := startAPI(t, &fakeCapture{err: export.ErrInsufficientData})

	_, err := client.SaveClip(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "not enough buffered data")
}

func TestAPIClient_Status(t *testing.T) {
	client := startAPI(t, &fakeCapture{})

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, time.Minute, status.Window)
}

func TestApplyServeFlags(t *testing.T) {
	cfg, err := config.Defaults()
	require.NoError(t, err)

	c := &cobra.Command{Use: "serve"}
	addServeFlags(c)
	require.NoError(t, c.Flags().Parse([]string{
		"--window", "90s",
		"--container", "ts",
		"--quality", "LOW",
		"--grpc-address", "127.0.0.1:9999",
	}))

	require.NoError(t, applyServeFlags(c, cfg))
	assert.Equal(t, 90*time.Second, cfg.Capture.Window)
	assert.Equal(t, "ts", cfg.Export.Container)
	assert.Equal(t, "LOW", cfg.Capture.Quality)
	assert.True(t, cfg.GRPC.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.GRPC.Address)
	// Untouched flags keep configured values.
	assert.Equal(t, "./clips", cfg.Export.OutputDir)
}

func TestApplyServeFlags_Invalid(t *testing.T) {
	cfg, err := config.Defaults()
	require.NoError(t, err)

	c := &cobra.Command{Use: "serve"}
	addServeFlags(c)
	require.NoError(t, c.Flags().Parse([]string{"--container", "mkv"}))

	err = applyServeFlags(c, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export.container")
}

func TestSessionConfig(t *testing.T) {
	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.Export.Container = "ts"

	rec := &sessionRecorder{}
	sc := sessionConfig(cfg, rec, nil)

	assert.Equal(t, cfg.Capture.Window, sc.Window)
	assert.Equal(t, cfg.Capture.MaxBufferBytes.Bytes(), sc.MaxBufferBytes)
	assert.Equal(t, cfg.Capture.QueueCapacity, sc.QueueCapacity)
	assert.Equal(t, cfg.Session.ShutdownTimeout, sc.ShutdownTimeout)
	assert.Equal(t, cfg.Sync.DriftThreshold, sc.Sync.DriftThreshold)
	assert.Equal(t, export.ContainerTS, sc.Export.Container)
	assert.Equal(t, cfg.Export.OutputDir, sc.Export.OutputDir)
	assert.Same(t, rec, sc.Export.Recorder)
}

func TestRender(t *testing.T) {
	value := map[string]int{"clips": 3}

	for _, tt := range []struct {
		format string
		want   string
	}{
		{"json", `"clips": 3`},
		{"yaml", "clips: 3"},
		{"text", "three clips"},
	} {
		t.Run(tt.format, func(t *testing.T) {
			c := &cobra.Command{}
			addOutputFlag(c)
			require.NoError(t, c.Flags().Set("output", tt.format))
			var buf bytes.Buffer
			c.SetOut(&buf)

			err := render(c, value, func(w io.Writer) error {
				_, err := w.Write([]byte("three clips\n"))
				return err
			})
			require.NoError(t, err)
			assert.Contains(t, buf.String(), tt.want)
		})
	}

	c := &cobra.Command{}
	addOutputFlag(c)
	require.NoError(t, c.Flags().Set("output", "xml"))
	assert.Error(t, render(c, value, nil))
}

func TestPrintStatus(t *testing.T) {
	status := &session.Status{
		ID:     "3f1c2a5e-0000-4000-8000-000000000001",
		State:  "running",
		Uptime: 90 * time.Second,
		Window: 5 * time.Minute,
	}
	status.Video.Encoder.Encoder = "h264_nvenc"
	status.Video.Buffer.Packets = 42
	status.Export.State = "idle"
	status.Export.Exports = 2
	status.Export.Last = &export.Result{Path: "/clips/clip_2.mp4"}

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, status))
	out := buf.String()
	assert.Contains(t, out, "3f1c2a5e-0000-4000-8000-000000000001")
	assert.Contains(t, out, "h264_nvenc, 42 packets buffered")
	assert.Contains(t, out, "idle, 2 saved")
	assert.Contains(t, out, "/clips/clip_2.mp4")
	assert.NotContains(t, out, "Error:")
}

func TestClipsListCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "catalog.db")
	t.Setenv("REPLAYD_DATABASE_DSN", dsn)

	ctx := context.Background()
	cat, err := catalog.Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: dsn, LogLevel: "silent"}, nil)
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, cat.RecordClip(ctx, export.Result{
			ID:        ulid.Make().String(),
			Path:      filepath.Join("/clips", "clip_"+string(rune('a'+i))+".mp4"),
			Container: export.ContainerMP4,
			Size:      int64(100 * (i + 1)),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, cat.Close())

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"clips", "list", "--limit", "2", "-o", "json"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, Execute())

	var list struct {
		Clips []struct {
			Path      string `json:"path"`
			SizeBytes int64  `json:"size_bytes"`
		} `json:"clips"`
		Total      int64 `json:"total"`
		TotalBytes int64 `json:"total_bytes"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &list))
	assert.Equal(t, int64(3), list.Total)
	assert.Equal(t, int64(600), list.TotalBytes)
	require.Len(t, list.Clips, 2)
	assert.Equal(t, "/clips/clip_c.mp4", list.Clips[0].Path)
}
