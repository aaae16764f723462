package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/replayd/internal/export"
	"github.com/jmylchreest/replayd/internal/http/handlers"
	"github.com/jmylchreest/replayd/internal/observability"
	"github.com/jmylchreest/replayd/internal/session"
)

type fakeCapture struct {
	result    *export.Result
	err       error
	accept    bool
	asyncHits atomic.Int32
}

func (f *fakeCapture) Status(context.Context) session.Status {
	return session.Status{ID: "3f1c2a5e-0000-4000-8000-000000000001", State: "running", Window: 30 * time.Second}
}

func (f *fakeCapture) Export(ctx context.Context) (*export.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.result, f.err
}

func (f *fakeCapture) ExportAsync() bool {
	f.asyncHits.Add(1)
	return f.accept
}

func TestCaptureHandler_GetStatus(t *testing.T) {
	_, api := humatest.New(t)
	handlers.NewCaptureHandler(&fakeCapture{}).Register(api)

	resp := api.Get("/api/v1/status")
	require.Equal(t, http.StatusOK, resp.Code)

	var body session.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body.State)
	assert.Equal(t, 30*time.Second, body.Window)
}

func TestCaptureHandler_SaveClip(t *testing.T) {
	saved := &export.Result{
		ID:        "01J0000000000000000000000A",
		Path:      "clips/clip_1700000000.mp4",
		Container: export.ContainerMP4,
		Size:      1024,
		Duration:  30 * time.Second,
	}

	tests := []struct {
		name       string
		capture    *fakeCapture
		wantStatus int
	}{
		{"saved", &fakeCapture{result: saved}, http.StatusOK},
		{"nothing buffered", &fakeCapture{err: export.ErrInsufficientData}, http.StatusConflict},
		{"session stopped", &fakeCapture{err: session.ErrNotRunning}, http.StatusServiceUnavailable},
		{"mux failure", &fakeCapture{err: fmt.Errorf("%w: disk full", export.ErrMuxFailed)}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, api := humatest.New(t)
			handlers.NewCaptureHandler(tt.capture).Register(api)

			resp := api.Post("/api/v1/export")
			assert.Equal(t, tt.wantStatus, resp.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}

			var body handlers.SaveClipResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.True(t, body.Accepted)
			require.NotNil(t, body.Clip)
			assert.Equal(t, saved.Path, body.Clip.Path)
			assert.Equal(t, saved.Size, body.Clip.Size)
		})
	}
}

func TestCaptureHandler_SaveClipAsync(t *testing.T) {
	capture := &fakeCapture{accept: true}
	_, api := humatest.New(t)
	handlers.NewCaptureHandler(capture).Register(api)

	resp := api.Post("/api/v1/export?async=true")
	require.Equal(t, http.StatusOK, resp.Code)

	var body handlers.SaveClipResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Accepted)
	assert.Nil(t, body.Clip)
	assert.Equal(t, int32(1), capture.asyncHits.Load())
}

func TestCaptureHandler_SaveClipOutlivesRequest(t *testing.T) {
	saved := &export.Result{Path: "clips/clip_1700000000.ts", Container: export.ContainerTS}
	h := handlers.NewCaptureHandler(&fakeCapture{result: saved})

	ctx, cancel := context.WithCancel(observability.ContextWithRequestID(context.Background(), "req-1"))
	cancel()

	out, err := h.SaveClip(ctx, &handlers.SaveClipInput{})
	require.NoError(t, err, "a client that went away must not cancel the export")
	assert.True(t, out.Body.Accepted)
	assert.Equal(t, saved.Path, out.Body.Clip.Path)
}
