package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/replayd/internal/catalog"
	"github.com/jmylchreest/replayd/internal/models"
)

// ClipStore is the clip catalog as seen by the API.
type ClipStore interface {
	List(ctx context.Context, offset, limit int) ([]*models.Clip, int64, error)
	Get(ctx context.Context, id models.ULID) (*models.Clip, error)
	Delete(ctx context.Context, id models.ULID) (*models.Clip, error)
	Summary(ctx context.Context) (catalog.Summary, error)
}

// ClipHandler handles saved clip endpoints.
type ClipHandler struct {
	store  ClipStore
	logger *slog.Logger
}

// NewClipHandler creates a new clip handler.
func NewClipHandler(store ClipStore) *ClipHandler {
	return &ClipHandler{
		store:  store,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *ClipHandler) WithLogger(logger *slog.Logger) *ClipHandler {
	h.logger = logger
	return h
}

// Register registers the clip routes with the API.
func (h *ClipHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listClips",
		Method:      "GET",
		Path:        "/api/v1/clips",
		Summary:     "List clips",
		Description: "Returns saved clips, newest first",
		Tags:        []string{"Clips"},
	}, h.ListClips)

	huma.Register(api, huma.Operation{
		OperationID: "getClip",
		Method:      "GET",
		Path:        "/api/v1/clips/{id}",
		Summary:     "Get clip by ID",
		Tags:        []string{"Clips"},
	}, h.GetClip)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteClip",
		Method:        "DELETE",
		Path:          "/api/v1/clips/{id}",
		Summary:       "Delete a clip",
		Description:   "Deletes the clip file and its catalog entry",
		Tags:          []string{"Clips"},
		DefaultStatus: http.StatusNoContent,
	}, h.DeleteClip)
}

// RegisterChiRoutes registers Chi-specific routes for file downloads.
func (h *ClipHandler) RegisterChiRoutes(r chi.Router) {
	r.Get("/api/v1/clips/{id}/download", h.DownloadClip)
}

// ListClipsInput is the input for listing clips.
type ListClipsInput struct {
	Offset int `query:"offset" default:"0" minimum:"0" doc:"Number of clips to skip"`
	Limit  int `query:"limit" default:"50" minimum:"1" maximum:"1000" doc:"Clips per page"`
}

// ListClipsOutput is the output for listing clips.
type ListClipsOutput struct {
	Body ClipListResponse
}

// ListClips returns saved clips.
func (h *ClipHandler) ListClips(ctx context.Context, input *ListClipsInput) (*ListClipsOutput, error) {
	clips, total, err := h.store.List(ctx, input.Offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list clips", err)
	}
	summary, err := h.store.Summary(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to summarise clips", err)
	}

	resp := ClipListResponse{
		Pagination: PaginationMeta{
			Offset:     input.Offset,
			Limit:      input.Limit,
			TotalItems: total,
		},
		TotalBytes: summary.TotalBytes,
		Clips:      make([]ClipResponse, 0, len(clips)),
	}
	for _, c := range clips {
		resp.Clips = append(resp.Clips, clipFromModel(c, humanize.IBytes(uint64(c.SizeBytes))))
	}

	return &ListClipsOutput{Body: resp}, nil
}

// ClipIDInput identifies a clip by path parameter.
type ClipIDInput struct {
	ID string `path:"id" doc:"Clip ID (ULID)"`
}

// GetClipOutput is the output for getting a clip.
type GetClipOutput struct {
	Body ClipResponse
}

// GetClip returns one clip.
func (h *ClipHandler) GetClip(ctx context.Context, input *ClipIDInput) (*GetClipOutput, error) {
	clip, err := h.lookup(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &GetClipOutput{Body: clipFromModel(clip, humanize.IBytes(uint64(clip.SizeBytes)))}, nil
}

// DeleteClipOutput is the output for deleting a clip.
type DeleteClipOutput struct{}

// DeleteClip removes a clip file and its catalog entry.
func (h *ClipHandler) DeleteClip(ctx context.Context, input *ClipIDInput) (*DeleteClipOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	if _, err := h.store.Delete(ctx, id); err != nil {
		if errors.Is(err, models.ErrClipNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("clip %s not found", input.ID))
		}
		return nil, huma.Error500InternalServerError("failed to delete clip", err)
	}
	return &DeleteClipOutput{}, nil
}

func (h *ClipHandler) lookup(ctx context.Context, rawID string) (*models.Clip, error) {
	id, err := models.ParseULID(rawID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	clip, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrClipNotFound) {
			return nil, huma.Error404NotFound(fmt.Sprintf("clip %s not found", rawID))
		}
		return nil, huma.Error500InternalServerError("failed to get clip", err)
	}
	return clip, nil
}

// DownloadClip streams a clip file.
// This uses Chi directly because Huma doesn't handle file streaming well.
func (h *ClipHandler) DownloadClip(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid ID format", http.StatusBadRequest)
		return
	}

	clip, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrClipNotFound) {
			http.Error(w, "clip not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get clip", http.StatusInternalServerError)
		return
	}

	file, err := os.Open(clip.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "clip file missing", http.StatusGone)
			return
		}
		http.Error(w, "failed to open clip", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "failed to stat clip file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType(clip.Container))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, clip.FileName()))

	// ServeContent handles Range requests so players can seek.
	http.ServeContent(w, r, clip.FileName(), info.ModTime(), file)
}

func contentType(container string) string {
	if container == models.ClipContainerTS {
		return "video/mp2t"
	}
	return "video/mp4"
}
