package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/replayd/internal/catalog"
	"github.com/jmylchreest/replayd/internal/config"
	"github.com/jmylchreest/replayd/internal/http/handlers"
	"github.com/jmylchreest/replayd/internal/models"
)

func setupClipRouter(t *testing.T) (*chi.Mux, *catalog.Catalog) {
	t.Helper()

	cat, err := catalog.Open(context.Background(), config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	handler := handlers.NewClipHandler(cat)
	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	handler.Register(api)
	handler.RegisterChiRoutes(router)
	return router, cat
}

func addClip(t *testing.T, cat *catalog.Catalog, dir, name string, data []byte) *models.Clip {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	container := models.ClipContainerMP4
	if filepath.Ext(name) == ".ts" {
		container = models.ClipContainerTS
	}
	clip := &models.Clip{Path: path, Container: container, SizeBytes: int64(len(data)), DurationMS: 1000}
	require.NoError(t, cat.Create(context.Background(), clip))
	return clip
}

func serve(router http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestClipHandler_ListClips(t *testing.T) {
	t.Run("returns empty list", func(t *testing.T) {
		router, _ := setupClipRouter(t)

		rec := serve(router, "GET", "/api/v1/clips")
		require.Equal(t, http.StatusOK, rec.Code)

		var body handlers.ClipListResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Empty(t, body.Clips)
		assert.Equal(t, int64(0), body.Pagination.TotalItems)
		assert.Equal(t, 50, body.Pagination.Limit)
	})

	t.Run("returns clips with totals", func(t *testing.T) {
		router, cat := setupClipRouter(t)
		dir := t.TempDir()
		addClip(t, cat, dir, "clip_1.mp4", []byte("first"))
		addClip(t, cat, dir, "clip_2.ts", []byte("second!"))

		rec := serve(router, "GET", "/api/v1/clips?limit=1")
		require.Equal(t, http.StatusOK, rec.Code)

		var body handlers.ClipListResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Len(t, body.Clips, 1)
		assert.Equal(t, int64(2), body.Pagination.TotalItems)
		assert.Equal(t, int64(12), body.TotalBytes)
	})

	t.Run("rejects out of range limit", func(t *testing.T) {
		router, _ := setupClipRouter(t)
		rec := serve(router, "GET", "/api/v1/clips?limit=0")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestClipHandler_GetClip(t *testing.T) {
	router, cat := setupClipRouter(t)
	clip := addClip(t, cat, t.TempDir(), "clip_1.mp4", []byte("data"))

	rec := serve(router, "GET", "/api/v1/clips/"+clip.ID.String())
	require.Equal(t, http.StatusOK, rec.Code)

	var body handlers.ClipResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, clip.ID.String(), body.ID)
	assert.Equal(t, "clip_1.mp4", body.FileName)
	assert.Equal(t, "4 B", body.Size)
	assert.Equal(t, "/api/v1/clips/"+clip.ID.String()+"/download", body.DownloadURL)

	assert.Equal(t, http.StatusNotFound, serve(router, "GET", "/api/v1/clips/"+models.NewULID().String()).Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, "GET", "/api/v1/clips/not-an-id").Code)
}

func TestClipHandler_DeleteClip(t *testing.T) {
	router, cat := setupClipRouter(t)
	clip := addClip(t, cat, t.TempDir(), "clip_1.mp4", []byte("data"))

	rec := serve(router, "DELETE", "/api/v1/clips/"+clip.ID.String())
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoFileExists(t, clip.Path)

	rec = serve(router, "DELETE", "/api/v1/clips/"+clip.ID.String())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClipHandler_DownloadClip(t *testing.T) {
	router, cat := setupClipRouter(t)
	dir := t.TempDir()
	mp4 := addClip(t, cat, dir, "clip_1.mp4", []byte("0123456789"))
	ts := addClip(t, cat, dir, "clip_2.ts", []byte("transport"))

	t.Run("streams the file", func(t *testing.T) {
		rec := serve(router, "GET", "/api/v1/clips/"+mp4.ID.String()+"/download")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "0123456789", rec.Body.String())
		assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
		assert.Equal(t, `attachment; filename="clip_1.mp4"`, rec.Header().Get("Content-Disposition"))
	})

	t.Run("serves ranges", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/clips/"+mp4.ID.String()+"/download", nil)
		req.Header.Set("Range", "bytes=2-4")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "234", rec.Body.String())
	})

	t.Run("transport stream content type", func(t *testing.T) {
		rec := serve(router, "GET", "/api/v1/clips/"+ts.ID.String()+"/download")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	})

	t.Run("missing file", func(t *testing.T) {
		require.NoError(t, os.Remove(ts.Path))
		rec := serve(router, "GET", "/api/v1/clips/"+ts.ID.String()+"/download")
		assert.Equal(t, http.StatusGone, rec.Code)
	})

	t.Run("unknown clip", func(t *testing.T) {
		rec := serve(router, "GET", "/api/v1/clips/"+models.NewULID().String()+"/download")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
