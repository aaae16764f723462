package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/replayd/internal/export"
	"github.com/jmylchreest/replayd/internal/observability"
	"github.com/jmylchreest/replayd/internal/session"
)

// Capture is the running capture session as seen by the API.
type Capture interface {
	Status(ctx context.Context) session.Status
	Export(ctx context.Context) (*export.Result, error)
	ExportAsync() bool
}

// CaptureHandler handles session status and clip export endpoints.
type CaptureHandler struct {
	capture Capture
	logger  *slog.Logger
}

// NewCaptureHandler creates a new capture handler.
func NewCaptureHandler(capture Capture) *CaptureHandler {
	return &CaptureHandler{
		capture: capture,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *CaptureHandler) WithLogger(logger *slog.Logger) *CaptureHandler {
	h.logger = logger
	return h
}

// Register registers the capture routes with the API.
func (h *CaptureHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      "GET",
		Path:        "/api/v1/status",
		Summary:     "Capture status",
		Description: "Returns the capture session state with encoder, buffer, sync and export statistics",
		Tags:        []string{"Capture"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "saveClip",
		Method:      "POST",
		Path:        "/api/v1/export",
		Summary:     "Save a clip",
		Description: "Writes the buffered replay window to a clip file. A trigger that arrives during another export is coalesced: it returns at once with coalesced=true and writes no file. With async=true the export runs in the background and the call returns immediately.",
		Tags:        []string{"Capture"},
	}, h.SaveClip)
}

// StatusInput is the input for the status endpoint.
type StatusInput struct{}

// StatusOutput is the output for the status endpoint.
type StatusOutput struct {
	Body session.Status
}

// GetStatus returns the capture session status.
func (h *CaptureHandler) GetStatus(ctx context.Context, _ *StatusInput) (*StatusOutput, error) {
	return &StatusOutput{Body: h.capture.Status(ctx)}, nil
}

// SaveClipInput is the input for the export endpoint.
type SaveClipInput struct {
	Async bool `query:"async" default:"false" doc:"Return immediately and export in the background"`
}

// SaveClipResponse is the body returned by the export endpoint.
type SaveClipResponse struct {
	Accepted bool           `json:"accepted"`
	Clip     *export.Result `json:"clip,omitempty"`
}

// SaveClipOutput is the output for the export endpoint.
type SaveClipOutput struct {
	Body SaveClipResponse
}

// SaveClip exports the current replay window.
func (h *CaptureHandler) SaveClip(ctx context.Context, input *SaveClipInput) (*SaveClipOutput, error) {
	if input.Async {
		return &SaveClipOutput{Body: SaveClipResponse{Accepted: h.capture.ExportAsync()}}, nil
	}

	h.logger.Debug("clip export requested",
		slog.String("request_id", observability.RequestIDFromContext(ctx)))

	// The export outlives the request; the session still cancels it on
	// shutdown.
	result, err := h.capture.Export(context.WithoutCancel(ctx))
	if err != nil {
		return nil, exportError(err)
	}
	return &SaveClipOutput{Body: SaveClipResponse{Accepted: true, Clip: result}}, nil
}

// exportError maps export failures onto HTTP errors.
func exportError(err error) error {
	switch {
	case errors.Is(err, export.ErrInsufficientData):
		return huma.Error409Conflict("not enough buffered data to save a clip", err)
	case errors.Is(err, session.ErrNotRunning):
		return huma.Error503ServiceUnavailable("capture session is not running", err)
	case errors.Is(err, export.ErrMuxFailed):
		return huma.Error500InternalServerError("failed to write clip", err)
	default:
		return huma.Error500InternalServerError("export failed", err)
	}
}
