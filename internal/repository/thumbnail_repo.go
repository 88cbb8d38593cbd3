package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bilimux/bilimux/internal/models"
)

// thumbnailRepo implements ThumbnailRepository using GORM.
type thumbnailRepo struct {
	db *gorm.DB
}

// NewThumbnailRepository creates a new ThumbnailRepository.
func NewThumbnailRepository(db *gorm.DB) ThumbnailRepository {
	return &thumbnailRepo{db: db}
}

// Get retrieves one thumbnail ref, or nil when absent.
func (r *thumbnailRepo) Get(ctx context.Context, id string) (*models.ThumbnailRef, error) {
	var ref models.ThumbnailRef
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&ref).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting thumbnail ref: %w", err)
	}
	return &ref, nil
}

// Upsert creates or replaces a thumbnail ref row.
func (r *thumbnailRepo) Upsert(ctx context.Context, ref *models.ThumbnailRef) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(ref).Error
	if err != nil {
		return fmt.Errorf("upserting thumbnail ref: %w", err)
	}
	return nil
}

// AdjustRefCount atomically adds delta to the refcount and returns the new
// value. The count never drops below zero.
func (r *thumbnailRepo) AdjustRefCount(ctx context.Context, id string, delta int) (int, error) {
	var newCount int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ref models.ThumbnailRef
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).First(&ref).Error; err != nil {
			return err
		}
		ref.RefCount += delta
		if ref.RefCount < 0 {
			ref.RefCount = 0
		}
		newCount = ref.RefCount
		return tx.Model(&models.ThumbnailRef{}).
			Where("id = ?", id).
			Update("ref_count", ref.RefCount).Error
	})
	if err != nil {
		return 0, fmt.Errorf("adjusting thumbnail refcount: %w", err)
	}
	return newCount, nil
}

// Delete removes a thumbnail ref row.
func (r *thumbnailRepo) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ThumbnailRef{}).Error; err != nil {
		return fmt.Errorf("deleting thumbnail ref: %w", err)
	}
	return nil
}

// ListOrphaned returns refs whose count has reached zero.
func (r *thumbnailRepo) ListOrphaned(ctx context.Context) ([]*models.ThumbnailRef, error) {
	var refs []*models.ThumbnailRef
	if err := r.db.WithContext(ctx).Where("ref_count <= 0").Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("listing orphaned thumbnails: %w", err)
	}
	return refs, nil
}
