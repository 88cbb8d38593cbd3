// Package repository implements data access over the engine's four
// persistent tables, one repository per table.
package repository

import (
	"context"

	"github.com/bilimux/bilimux/internal/models"
)

// HistoryRepository stores finished tasks.
type HistoryRepository interface {
	Create(ctx context.Context, entry *models.HistoryEntry) error
	GetByTaskUID(ctx context.Context, uid models.ULID) (*models.HistoryEntry, error)
	List(ctx context.Context, limit, offset int) ([]*models.HistoryEntry, error)
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// QueueRepository stores pending tasks.
type QueueRepository interface {
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	NextPending(ctx context.Context) (*models.QueueEntry, error)
	MarkRunning(ctx context.Context, uid models.ULID) error
	Requeue(ctx context.Context, uid models.ULID) error
	Remove(ctx context.Context, uid models.ULID) error
	List(ctx context.Context) ([]*models.QueueEntry, error)
	ResetRunning(ctx context.Context) error
}

// ThumbnailRepository stores the thumbnail reference counts.
type ThumbnailRepository interface {
	Get(ctx context.Context, id string) (*models.ThumbnailRef, error)
	Upsert(ctx context.Context, ref *models.ThumbnailRef) error
	AdjustRefCount(ctx context.Context, id string, delta int) (int, error)
	Delete(ctx context.Context, id string) error
	ListOrphaned(ctx context.Context) ([]*models.ThumbnailRef, error)
}

// AssetRepository stores auxiliary files.
type AssetRepository interface {
	Create(ctx context.Context, asset *models.Asset) error
	Get(ctx context.Context, id string) (*models.Asset, error)
	ListByKind(ctx context.Context, kind string) ([]*models.Asset, error)
	Delete(ctx context.Context, id string) error
}
