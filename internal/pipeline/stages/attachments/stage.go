// Package attachments implements the final stage: persisting the task's
// cover thumbnail into the shared sandbox root and registering its
// reference with the thumbnail store.
package attachments

import (
	"context"
	"log/slog"

	"github.com/bilimux/bilimux/internal/pipeline/core"
	"github.com/bilimux/bilimux/internal/pipeline/shared"
)

// ThumbnailStore is the refcounting thumbnail home the stage registers into.
type ThumbnailStore interface {
	Register(ctx context.Context, id, url string) error
}

// Stage persists the task's attachments. The thumbnail is best-effort: a
// missing or failed cover never fails the task.
type Stage struct {
	shared.BaseStage
	thumbs ThumbnailStore
}

// New creates the attachments stage. thumbs may be nil when the engine runs
// without a thumbnail home.
func New(thumbs ThumbnailStore, logger *slog.Logger) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage("attachments", "Persist attachments", logger),
		thumbs:    thumbs,
	}
}

// Execute implements core.Stage.
func (s *Stage) Execute(ctx context.Context, state *core.State) error {
	if s.thumbs == nil || state.ThumbURL == "" || state.ThumbID == "" {
		return nil
	}
	if err := s.thumbs.Register(ctx, state.ThumbID, state.ThumbURL); err != nil {
		s.Logger().WarnContext(ctx, "thumbnail registration failed",
			slog.String("task_uid", state.Request.TaskUID),
			slog.String("thumb_id", state.ThumbID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
