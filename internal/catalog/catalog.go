// Package catalog records saved clips in a database so they can be listed,
// downloaded and pruned later.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmylchreest/replayd/internal/config"
	"github.com/jmylchreest/replayd/internal/database"
	"github.com/jmylchreest/replayd/internal/database/migrations"
	"github.com/jmylchreest/replayd/internal/export"
	"github.com/jmylchreest/replayd/internal/models"
	"github.com/jmylchreest/replayd/internal/observability"
	"github.com/jmylchreest/replayd/internal/repository"
)

// Catalog is the clip catalog.
type Catalog struct {
	db     *database.DB
	clips  repository.ClipRepository
	logger *slog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// Summary aggregates the catalog contents.
type Summary struct {
	Clips      int64 `json:"clips"`
	TotalBytes int64 `json:"total_bytes"`
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := database.New(cfg, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}

	c := New(db, logger)
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// New creates a catalog over an open database. The schema is not touched.
func New(db *database.DB, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		db:     db,
		clips:  repository.NewClipRepository(db.DB),
		logger: observability.WithComponent(logger, "catalog"),
		now:    time.Now,
	}
}

// Migrate applies pending schema migrations.
func (c *Catalog) Migrate(ctx context.Context) (err error) {
	done := observability.TimedOperationWithError(ctx, c.logger, "migrate_catalog", &err)
	defer done()

	migrator := migrations.NewMigrator(c.db.DB, c.logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("migrating catalog: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping checks the database connection.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.Ping(ctx)
}

// Create adds a clip to the catalog.
func (c *Catalog) Create(ctx context.Context, clip *models.Clip) error {
	return c.clips.Create(ctx, clip)
}

// Get returns a clip by ID, or models.ErrClipNotFound.
func (c *Catalog) Get(ctx context.Context, id models.ULID) (*models.Clip, error) {
	clip, err := c.clips.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if clip == nil {
		return nil, models.ErrClipNotFound
	}
	return clip, nil
}

// List returns clips newest first, plus the total count.
func (c *Catalog) List(ctx context.Context, offset, limit int) ([]*models.Clip, int64, error) {
	return c.clips.List(ctx, offset, limit)
}

// Summary returns the clip count and their total size.
func (c *Catalog) Summary(ctx context.Context) (Summary, error) {
	count, err := c.clips.Count(ctx)
	if err != nil {
		return Summary{}, err
	}
	size, err := c.clips.TotalSize(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Clips: count, TotalBytes: size}, nil
}

// Delete removes a clip file and its catalog row. A file that is already gone
// is not an error.
func (c *Catalog) Delete(ctx context.Context, id models.ULID) (*models.Clip, error) {
	clip, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := removeFile(clip.Path); err != nil {
		return nil, err
	}
	if err := c.clips.Delete(ctx, id); err != nil {
		return nil, err
	}

	c.logger.Info("clip deleted",
		slog.String("clip_id", id.String()),
		slog.String("path", clip.Path))
	return clip, nil
}

// OlderThan returns clips created more than age ago, oldest first.
func (c *Catalog) OlderThan(ctx context.Context, age time.Duration) ([]*models.Clip, error) {
	return c.clips.CreatedBefore(ctx, c.now().Add(-age))
}

// Excess returns the clips beyond the newest keep, oldest first.
func (c *Catalog) Excess(ctx context.Context, keep int) ([]*models.Clip, error) {
	return c.clips.BeyondNewest(ctx, keep)
}

// Recorder returns an export.Recorder that tags clips with sessionID.
func (c *Catalog) Recorder(sessionID string) export.Recorder {
	return &recorder{catalog: c, sessionID: sessionID}
}

// RecordClip stores an export result without a session ID.
func (c *Catalog) RecordClip(ctx context.Context, result export.Result) error {
	return c.record(ctx, result, "")
}

func (c *Catalog) record(ctx context.Context, result export.Result, sessionID string) error {
	clip := ClipFromResult(result)
	clip.SessionID = sessionID
	if err := c.Create(ctx, clip); err != nil {
		return fmt.Errorf("recording clip %s: %w", result.Path, err)
	}
	c.logger.Debug("clip recorded",
		slog.String("clip_id", clip.ID.String()),
		slog.String("path", clip.Path))
	return nil
}

// ClipFromResult maps an export result onto a catalog row. A missing or
// malformed result ID gets a fresh one on insert.
func ClipFromResult(result export.Result) *models.Clip {
	clip := &models.Clip{
		Path:         result.Path,
		Container:    string(result.Container),
		SizeBytes:    result.Size,
		DurationMS:   result.Duration.Milliseconds(),
		VideoPackets: result.VideoPackets,
		AudioPackets: result.AudioPackets,
		DroppedAudio: result.DroppedAudio,
	}
	if id, err := models.ParseULID(result.ID); err == nil {
		clip.ID = id
	}
	if !result.CreatedAt.IsZero() {
		clip.CreatedAt = result.CreatedAt.UTC()
	}
	return clip
}

type recorder struct {
	catalog   *Catalog
	sessionID string
}

func (r *recorder) RecordClip(ctx context.Context, result export.Result) error {
	return r.catalog.record(ctx, result, r.sessionID)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing clip file: %w", err)
	}
	return nil
}
