package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/bilimux/bilimux/internal/models"
)

// historyRepo implements HistoryRepository using GORM.
type historyRepo struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &historyRepo{db: db}
}

// Create records a finished task.
func (r *historyRepo) Create(ctx context.Context, entry *models.HistoryEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("creating history entry: %w", err)
	}
	return nil
}

// GetByTaskUID retrieves one history entry, or nil when absent.
func (r *historyRepo) GetByTaskUID(ctx context.Context, uid models.ULID) (*models.HistoryEntry, error) {
	var entry models.HistoryEntry
	if err := r.db.WithContext(ctx).Where("task_uid = ?", uid).First(&entry).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting history entry: %w", err)
	}
	return &entry, nil
}

// List returns history entries newest first.
func (r *historyRepo) List(ctx context.Context, limit, offset int) ([]*models.HistoryEntry, error) {
	var entries []*models.HistoryEntry
	q := r.db.WithContext(ctx).Order("finished_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return entries, nil
}

// DeleteOlderThan prunes entries finished more than the given number of
// days ago, returning how many rows went away.
func (r *historyRepo) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res := r.db.WithContext(ctx).Where("finished_at < ?", cutoff).Delete(&models.HistoryEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
