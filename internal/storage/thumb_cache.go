package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bilimux/bilimux/internal/httpclient"
	"github.com/bilimux/bilimux/internal/models"
	"github.com/bilimux/bilimux/internal/repository"
)

// ThumbCache is the reference-counted thumbnail home: files live as
// {id}.avif in the sandbox root, counts live in the thumbnails table.
// Register and Deregister are idempotent per call pair — any interleaving
// ending with equal counts leaves refCount at 0 and the file absent.
type ThumbCache struct {
	sandbox *Sandbox
	repo    repository.ThumbnailRepository
	client  *httpclient.Client
	logger  *slog.Logger
}

// NewThumbCache creates a ThumbCache over the given sandbox root.
func NewThumbCache(sandbox *Sandbox, repo repository.ThumbnailRepository, client *httpclient.Client, logger *slog.Logger) *ThumbCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThumbCache{sandbox: sandbox, repo: repo, client: client, logger: logger}
}

// Path returns the sandbox-relative filename of a thumbnail.
func (c *ThumbCache) Path(id string) string {
	return id + ".avif"
}

// Register increments the reference count for id, fetching and storing the
// image on first reference.
func (c *ThumbCache) Register(ctx context.Context, id, url string) error {
	ref, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if ref == nil {
		if err := c.fetchInto(ctx, url, c.Path(id)); err != nil {
			return err
		}
		return c.repo.Upsert(ctx, &models.ThumbnailRef{
			ID:       id,
			URL:      url,
			Path:     c.Path(id),
			RefCount: 1,
		})
	}

	if _, err := c.repo.AdjustRefCount(ctx, id, 1); err != nil {
		return err
	}
	// Re-fetch if the file went missing underneath the row.
	if exists, _ := c.sandbox.Exists(c.Path(id)); !exists {
		if err := c.fetchInto(ctx, ref.URL, c.Path(id)); err != nil {
			c.logger.Warn("thumbnail re-fetch failed",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Deregister decrements the reference count for id; when it reaches zero
// the file and the row are removed.
func (c *ThumbCache) Deregister(ctx context.Context, id string) error {
	ref, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if ref == nil {
		return nil
	}

	count, err := c.repo.AdjustRefCount(ctx, id, -1)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if err := c.sandbox.Remove(c.Path(id)); err != nil {
		c.logger.Warn("removing thumbnail file failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
	return c.repo.Delete(ctx, id)
}

// Sweep removes any thumbnail whose refcount already sits at zero. Run at
// startup to pick up rows an interrupted Deregister left behind.
func (c *ThumbCache) Sweep(ctx context.Context) error {
	orphans, err := c.repo.ListOrphaned(ctx)
	if err != nil {
		return err
	}
	for _, ref := range orphans {
		if err := c.sandbox.Remove(c.Path(ref.ID)); err == nil {
			c.logger.Debug("swept orphaned thumbnail", slog.String("id", ref.ID))
		}
		if err := c.repo.Delete(ctx, ref.ID); err != nil {
			return err
		}
	}
	return nil
}

// fetchInto downloads url into the sandbox atomically.
func (c *ThumbCache) fetchInto(ctx context.Context, url, relPath string) error {
	if url == "" {
		return fmt.Errorf("thumbnail has no source url")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building thumbnail request: %w", err)
	}
	resp, err := c.client.DoWithContext(fetchCtx, req)
	if err != nil {
		return fmt.Errorf("fetching thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("thumbnail fetch returned status %d", resp.StatusCode)
	}
	return c.sandbox.AtomicWriteReader(relPath, resp.Body)
}
