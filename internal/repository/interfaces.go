// Package repository defines data access interfaces for replayd entities.
// All database access goes through these interfaces.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/replayd/internal/models"
)

// ClipRepository defines operations for clip persistence.
type ClipRepository interface {
	// Create creates a new clip.
	Create(ctx context.Context, clip *models.Clip) error
	// GetByID retrieves a clip by ID. Returns nil, nil when it does not exist.
	GetByID(ctx context.Context, id models.ULID) (*models.Clip, error)
	// List retrieves clips newest first with pagination, plus the total count.
	List(ctx context.Context, offset, limit int) ([]*models.Clip, int64, error)
	// Delete deletes a clip row by ID.
	Delete(ctx context.Context, id models.ULID) error
	// Count returns the number of clips.
	Count(ctx context.Context) (int64, error)
	// CreatedBefore retrieves clips created before the cutoff, oldest first.
	CreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.Clip, error)
	// BeyondNewest retrieves every clip except the newest keep, oldest first.
	BeyondNewest(ctx context.Context, keep int) ([]*models.Clip, error)
	// TotalSize returns the summed size of all clips in bytes.
	TotalSize(ctx context.Context) (int64, error)
}
