package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/replayd/internal/models"
)

// clipRepo implements ClipRepository using GORM.
type clipRepo struct {
	db *gorm.DB
}

// NewClipRepository creates a new ClipRepository.
func NewClipRepository(db *gorm.DB) *clipRepo {
	return &clipRepo{db: db}
}

// Create creates a new clip.
func (r *clipRepo) Create(ctx context.Context, clip *models.Clip) error {
	if err := clip.Validate(); err != nil {
		return err
	}
	if !clip.CreatedAt.IsZero() {
		clip.CreatedAt = clip.CreatedAt.UTC()
	}
	if err := r.db.WithContext(ctx).Create(clip).Error; err != nil {
		return fmt.Errorf("creating clip: %w", err)
	}
	return nil
}

// GetByID retrieves a clip by ID.
func (r *clipRepo) GetByID(ctx context.Context, id models.ULID) (*models.Clip, error) {
	var clip models.Clip
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&clip).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting clip by ID: %w", err)
	}
	return &clip, nil
}

// List retrieves clips newest first with pagination.
func (r *clipRepo) List(ctx context.Context, offset, limit int) ([]*models.Clip, int64, error) {
	var clips []*models.Clip
	var total int64

	if err := r.db.WithContext(ctx).Model(&models.Clip{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting clips: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&clips).Error; err != nil {
		return nil, 0, fmt.Errorf("listing clips: %w", err)
	}

	return clips, total, nil
}

// Delete deletes a clip row by ID.
func (r *clipRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Clip{}).Error; err != nil {
		return fmt.Errorf("deleting clip: %w", err)
	}
	return nil
}

// Count returns the number of clips.
func (r *clipRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Clip{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting clips: %w", err)
	}
	return count, nil
}

// CreatedBefore retrieves clips created before the cutoff, oldest first.
func (r *clipRepo) CreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.Clip, error) {
	var clips []*models.Clip
	if err := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Order("created_at ASC").
		Order("id ASC").
		Find(&clips).Error; err != nil {
		return nil, fmt.Errorf("getting clips created before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return clips, nil
}

// BeyondNewest retrieves every clip except the newest keep, oldest first.
func (r *clipRepo) BeyondNewest(ctx context.Context, keep int) ([]*models.Clip, error) {
	if keep < 0 {
		keep = 0
	}

	var clips []*models.Clip
	// SQLite and MySQL need a LIMIT alongside OFFSET.
	const all = 1<<31 - 1
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Offset(keep).
		Limit(all).
		Find(&clips).Error; err != nil {
		return nil, fmt.Errorf("getting clips beyond newest %d: %w", keep, err)
	}

	// Oldest first so callers delete in age order.
	for i, j := 0, len(clips)-1; i < j; i, j = i+1, j-1 {
		clips[i], clips[j] = clips[j], clips[i]
	}
	return clips, nil
}

// TotalSize returns the summed size of all clips in bytes.
func (r *clipRepo) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.Clip{}).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("summing clip sizes: %w", err)
	}
	return total, nil
}
