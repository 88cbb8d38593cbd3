package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/bilimux/bilimux/internal/models"
	"github.com/bilimux/bilimux/internal/pipeline"
	"github.com/bilimux/bilimux/internal/repository"
	"github.com/bilimux/bilimux/internal/scheduler"
	"github.com/bilimux/bilimux/internal/service/progress"
)

// TaskHandler exposes the queue/history API.
type TaskHandler struct {
	sched    *scheduler.Scheduler
	queue    repository.QueueRepository
	history  repository.HistoryRepository
	progress *progress.Tracker
}

// NewTaskHandler creates the task API handler.
func NewTaskHandler(sched *scheduler.Scheduler, queue repository.QueueRepository, history repository.HistoryRepository) *TaskHandler {
	return &TaskHandler{sched: sched, queue: queue, history: history}
}

// WithProgress attaches the progress tracker backing the progress endpoint.
func (h *TaskHandler) WithProgress(tracker *progress.Tracker) *TaskHandler {
	h.progress = tracker
	return h
}

// EnqueueInput is the request body for creating a task.
type EnqueueInput struct {
	Body struct {
		BVID        string `json:"bvid,omitempty" doc:"UGC video id"`
		CID         int64  `json:"cid,omitempty" doc:"Part id within the video"`
		EpID        int64  `json:"ep_id,omitempty" doc:"PGC episode id"`
		Title       string `json:"title,omitempty"`
		Filename    string `json:"filename,omitempty" doc:"Output filename"`
		Mode        string `json:"mode,omitempty" enum:"raw,universal" doc:"raw re-emits DASH segments, universal muxes one MP4"`
		ThreadCount int    `json:"thread_count,omitempty" minimum:"0" maximum:"16"`
	}
}

// EnqueueOutput returns the created task uid.
type EnqueueOutput struct {
	Body struct {
		TaskUID string `json:"task_uid"`
	}
}

// QueueOutput lists pending and running tasks.
type QueueOutput struct {
	Body struct {
		Tasks []*models.QueueEntry `json:"tasks"`
	}
}

// HistoryOutput lists finished tasks.
type HistoryOutput struct {
	Body struct {
		Tasks []*models.HistoryEntry `json:"tasks"`
	}
}

// HistoryInput carries history pagination.
type HistoryInput struct {
	Limit  int `query:"limit" minimum:"0" maximum:"500" doc:"Max entries to return"`
	Offset int `query:"offset" minimum:"0"`
}

// CancelInput identifies a task to cancel.
type CancelInput struct {
	TaskUID string `path:"task_uid"`
}

// CancelOutput acknowledges a cancellation.
type CancelOutput struct {
	Body struct {
		Cancelled bool `json:"cancelled"`
	}
}

// ExportsInput identifies a task whose download URLs are requested.
type ExportsInput struct {
	TaskUID string `path:"task_uid"`
}

// ExportsOutput lists the registered virtual-download URLs for a task.
type ExportsOutput struct {
	Body struct {
		URLs []string `json:"urls"`
	}
}

// Register registers the task routes with the API.
func (h *TaskHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueueTask",
		Method:        http.MethodPost,
		Path:          "/api/tasks",
		Summary:       "Enqueue a download task",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusCreated,
	}, h.Enqueue)

	huma.Register(api, huma.Operation{
		OperationID: "listQueue",
		Method:      http.MethodGet,
		Path:        "/api/queue",
		Summary:     "List queued tasks",
		Tags:        []string{"Tasks"},
	}, h.ListQueue)

	huma.Register(api, huma.Operation{
		OperationID: "listHistory",
		Method:      http.MethodGet,
		Path:        "/api/history",
		Summary:     "List finished tasks",
		Tags:        []string{"Tasks"},
	}, h.ListHistory)

	huma.Register(api, huma.Operation{
		OperationID: "cancelTask",
		Method:      http.MethodDelete,
		Path:        "/api/tasks/{task_uid}",
		Summary:     "Cancel a queued or running task",
		Tags:        []string{"Tasks"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "getTaskExports",
		Method:      http.MethodGet,
		Path:        "/api/tasks/{task_uid}/exports",
		Summary:     "List a running task's download URLs",
		Tags:        []string{"Tasks"},
	}, h.Exports)

	huma.Register(api, huma.Operation{
		OperationID: "getTaskProgress",
		Method:      http.MethodGet,
		Path:        "/api/tasks/{task_uid}/progress",
		Summary:     "Get a running task's download progress",
		Tags:        []string{"Tasks"},
	}, h.Progress)
}

// ProgressInput identifies the task whose progress is requested.
type ProgressInput struct {
	TaskUID string `path:"task_uid"`
}

// ProgressOutput is the latest progress snapshot for a task.
type ProgressOutput struct {
	Body struct {
		progress.Snapshot
		Percent float64 `json:"percent"`
	}
}

// Progress returns the latest byte counts for a running task.
func (h *TaskHandler) Progress(ctx context.Context, input *ProgressInput) (*ProgressOutput, error) {
	if h.progress == nil {
		return nil, huma.Error404NotFound("progress tracking disabled")
	}
	snap, ok := h.progress.Get(input.TaskUID)
	if !ok {
		return nil, huma.Error404NotFound("no progress recorded for task")
	}
	out := &ProgressOutput{}
	out.Body.Snapshot = snap
	out.Body.Percent = snap.Percent()
	return out, nil
}

// Enqueue creates a new pending task.
func (h *TaskHandler) Enqueue(ctx context.Context, input *EnqueueInput) (*EnqueueOutput, error) {
	if input.Body.BVID == "" && input.Body.EpID == 0 {
		return nil, huma.Error422UnprocessableEntity("either bvid or ep_id is required")
	}
	mode := input.Body.Mode
	if mode == "" {
		mode = "universal"
	}

	entry := &models.QueueEntry{
		TaskUID:     models.NewULID(),
		BVID:        input.Body.BVID,
		CID:         input.Body.CID,
		EpID:        input.Body.EpID,
		Title:       input.Body.Title,
		Filename:    input.Body.Filename,
		Mode:        mode,
		ThreadCount: input.Body.ThreadCount,
	}
	if err := h.sched.Enqueue(ctx, entry); err != nil {
		return nil, huma.Error500InternalServerError("enqueueing task", err)
	}

	out := &EnqueueOutput{}
	out.Body.TaskUID = entry.TaskUID.String()
	return out, nil
}

// ListQueue returns all queued tasks oldest first.
func (h *TaskHandler) ListQueue(ctx context.Context, _ *struct{}) (*QueueOutput, error) {
	tasks, err := h.queue.List(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing queue", err)
	}
	out := &QueueOutput{}
	out.Body.Tasks = tasks
	return out, nil
}

// ListHistory returns finished tasks newest first.
func (h *TaskHandler) ListHistory(ctx context.Context, input *HistoryInput) (*HistoryOutput, error) {
	limit := input.Limit
	if limit == 0 {
		limit = 100
	}
	tasks, err := h.history.List(ctx, limit, input.Offset)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing history", err)
	}
	out := &HistoryOutput{}
	out.Body.Tasks = tasks
	return out, nil
}

// Cancel aborts a queued or running task.
func (h *TaskHandler) Cancel(ctx context.Context, input *CancelInput) (*CancelOutput, error) {
	uid, err := models.ParseULID(input.TaskUID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid task uid")
	}
	if err := h.sched.Cancel(ctx, uid); err != nil {
		return nil, huma.Error500InternalServerError("cancelling task", err)
	}
	out := &CancelOutput{}
	out.Body.Cancelled = true
	return out, nil
}

// Exports returns the download URLs registered for a task, once available.
func (h *TaskHandler) Exports(ctx context.Context, input *ExportsInput) (*ExportsOutput, error) {
	uid, err := models.ParseULID(input.TaskUID)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid task uid")
	}

	out := &ExportsOutput{}
	for _, entry := range h.exportsFor(uid) {
		out.Body.URLs = append(out.Body.URLs, entry.URLPath())
	}
	return out, nil
}

func (h *TaskHandler) exportsFor(uid models.ULID) []pipeline.Entry {
	if h.sched == nil {
		return nil
	}
	return h.sched.Exports(uid)
}
