package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/bilimux/bilimux/internal/models"
)

// assetRepo implements AssetRepository using GORM.
type assetRepo struct {
	db *gorm.DB
}

// NewAssetRepository creates a new AssetRepository.
func NewAssetRepository(db *gorm.DB) AssetRepository {
	return &assetRepo{db: db}
}

// Create records an asset.
func (r *assetRepo) Create(ctx context.Context, asset *models.Asset) error {
	if err := r.db.WithContext(ctx).Create(asset).Error; err != nil {
		return fmt.Errorf("creating asset: %w", err)
	}
	return nil
}

// Get retrieves one asset, or nil when absent.
func (r *assetRepo) Get(ctx context.Context, id string) (*models.Asset, error) {
	var asset models.Asset
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&asset).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting asset: %w", err)
	}
	return &asset, nil
}

// ListByKind returns all assets of one kind.
func (r *assetRepo) ListByKind(ctx context.Context, kind string) ([]*models.Asset, error) {
	var assets []*models.Asset
	if err := r.db.WithContext(ctx).Where("kind = ?", kind).Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}
	return assets, nil
}

// Delete removes an asset row.
func (r *assetRepo) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Asset{}).Error; err != nil {
		return fmt.Errorf("deleting asset: %w", err)
	}
	return nil
}
