package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/bilimux/bilimux/internal/models"
)

// queueRepo implements QueueRepository using GORM.
type queueRepo struct {
	db *gorm.DB
}

// NewQueueRepository creates a new QueueRepository.
func NewQueueRepository(db *gorm.DB) QueueRepository {
	return &queueRepo{db: db}
}

// Enqueue adds a pending task.
func (r *queueRepo) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if entry.Status == "" {
		entry.Status = models.TaskStatusPending
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("enqueueing task: %w", err)
	}
	return nil
}

// NextPending returns the oldest pending task, or nil when the queue is idle.
func (r *queueRepo) NextPending(ctx context.Context) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", models.TaskStatusPending).
		Order("created_at ASC").
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting next pending task: %w", err)
	}
	return &entry, nil
}

// MarkRunning transitions a task to running and bumps its attempt count.
func (r *queueRepo) MarkRunning(ctx context.Context, uid models.ULID) error {
	err := r.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("task_uid = ?", uid).
		Updates(map[string]any{
			"status":   models.TaskStatusRunning,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("marking task running: %w", err)
	}
	return nil
}

// Requeue puts a retryable failed task back to pending.
func (r *queueRepo) Requeue(ctx context.Context, uid models.ULID) error {
	err := r.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("task_uid = ?", uid).
		Update("status", models.TaskStatusPending).Error
	if err != nil {
		return fmt.Errorf("requeueing task: %w", err)
	}
	return nil
}

// Remove drops a task from the queue.
func (r *queueRepo) Remove(ctx context.Context, uid models.ULID) error {
	err := r.db.WithContext(ctx).Where("task_uid = ?", uid).Delete(&models.QueueEntry{}).Error
	if err != nil {
		return fmt.Errorf("removing queued task: %w", err)
	}
	return nil
}

// List returns the whole queue oldest first.
func (r *queueRepo) List(ctx context.Context) ([]*models.QueueEntry, error) {
	var entries []*models.QueueEntry
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	return entries, nil
}

// ResetRunning returns any task left running by a previous process to
// pending. Called once on startup.
func (r *queueRepo) ResetRunning(ctx context.Context) error {
	err := r.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("status = ?", models.TaskStatusRunning).
		Update("status", models.TaskStatusPending).Error
	if err != nil {
		return fmt.Errorf("resetting running tasks: %w", err)
	}
	return nil
}
