package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/models"
	"github.com/bilimux/bilimux/internal/pipeline"
	"github.com/bilimux/bilimux/internal/repository"
	"github.com/bilimux/bilimux/pkg/format"
)

// Default pacing values.
const (
	DefaultCooldown     = 5 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 3
)

// Config tunes the scheduler loop.
type Config struct {
	// Cooldown is the pause between finishing one task and starting the next.
	Cooldown time.Duration

	// PollInterval is how often an idle scheduler re-checks the queue.
	PollInterval time.Duration

	// MaxAttempts bounds how often a retryable task is re-queued.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Scheduler pops queued tasks and executes them strictly one at a time.
type Scheduler struct {
	cfg      Config
	queue    repository.QueueRepository
	history  repository.HistoryRepository
	executor *Executor
	logger   *slog.Logger

	mu       sync.Mutex
	running  map[string]*pipeline.Pipeline
	exports  map[string][]pipeline.Entry
	wakeCh   chan struct{}
}

// New creates a Scheduler over the queue and history tables.
func New(cfg Config, queue repository.QueueRepository, history repository.HistoryRepository, executor *Executor, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cfg:      cfg,
		queue:    queue,
		history:  history,
		executor: executor,
		logger:   logger,
		running:  make(map[string]*pipeline.Pipeline),
		exports:  make(map[string][]pipeline.Entry),
	}
	s.wakeCh = make(chan struct{}, 1)
	executor.OnExportReady(func(entry *models.QueueEntry, exports []pipeline.Entry) {
		s.mu.Lock()
		s.exports[entry.TaskUID.String()] = exports
		s.mu.Unlock()
	})
	return s
}

// Enqueue adds a task and wakes the loop.
func (s *Scheduler) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		return err
	}
	s.wake()
	return nil
}

// Cancel aborts a task: a running pipeline is cancelled, a pending entry
// is removed outright. Cancelled tasks are never re-queued.
func (s *Scheduler) Cancel(ctx context.Context, uid models.ULID) error {
	s.mu.Lock()
	p := s.running[uid.String()]
	s.mu.Unlock()
	if p != nil {
		p.Cancel()
		return nil
	}
	return s.queue.Remove(ctx, uid)
}

// Exports returns the registered download URLs for a task, if any.
func (s *Scheduler) Exports(uid models.ULID) []pipeline.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exports[uid.String()]
}

// Run drives the loop until ctx ends. Tasks stranded in running state by a
// previous process are reset to pending first.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.queue.ResetRunning(ctx); err != nil {
		return err
	}

	for {
		entry, err := s.queue.NextPending(ctx)
		if err != nil {
			s.logger.Error("queue poll failed", slog.String("error", err.Error()))
		}
		if entry == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wakeCh:
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		s.runOne(ctx, entry)

		// Inter-task cooldown: a plain timer, interrupted only by shutdown.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Cooldown):
		}
	}
}

// runOne executes a single queue entry and settles its queue/history rows.
func (s *Scheduler) runOne(ctx context.Context, entry *models.QueueEntry) {
	uid := entry.TaskUID.String()
	if err := s.queue.MarkRunning(ctx, entry.TaskUID); err != nil {
		s.logger.Error("marking task running failed",
			slog.String("task_uid", uid),
			slog.String("error", err.Error()),
		)
		return
	}
	entry.Attempts++

	result := s.executor.Execute(ctx, entry, func(p *pipeline.Pipeline) {
		s.mu.Lock()
		s.running[uid] = p
		s.mu.Unlock()
	})

	s.mu.Lock()
	delete(s.running, uid)
	delete(s.exports, uid)
	s.mu.Unlock()

	s.settle(entry, result)
}

// settle decides the fate of a finished task: done, re-queued, or failed.
func (s *Scheduler) settle(entry *models.QueueEntry, result ExecResult) {
	// Settlement runs on its own context so a shutting-down scheduler
	// still records the outcome.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if result.Succeeded() {
		s.finish(ctx, entry, result, models.TaskStatusCompleted)
		return
	}

	perr := result.Err
	if perr.Kind == bilierrors.KindCancelled {
		s.finish(ctx, entry, result, models.TaskStatusCancelled)
		return
	}
	if perr.Retryable && entry.Attempts < s.cfg.MaxAttempts {
		s.logger.Warn("task failed, re-queueing",
			slog.String("task_uid", entry.TaskUID.String()),
			slog.String("kind", string(perr.Kind)),
			slog.Int("attempts", entry.Attempts),
		)
		if err := s.queue.Requeue(ctx, entry.TaskUID); err != nil {
			s.logger.Error("requeue failed", slog.String("error", err.Error()))
		}
		return
	}
	s.finish(ctx, entry, result, models.TaskStatusFailed)
}

// finish removes the queue row and writes the history record.
func (s *Scheduler) finish(ctx context.Context, entry *models.QueueEntry, result ExecResult, status models.TaskStatus) {
	if err := s.queue.Remove(ctx, entry.TaskUID); err != nil {
		s.logger.Error("removing finished task failed", slog.String("error", err.Error()))
	}

	record := &models.HistoryEntry{
		TaskUID:    entry.TaskUID,
		BVID:       entry.BVID,
		CID:        entry.CID,
		EpID:       entry.EpID,
		Title:      result.Title,
		Filename:   entry.Filename,
		Mode:       entry.Mode,
		Status:     status,
		TotalBytes: result.TotalBytes,
		ThumbID:    result.ThumbID,
		CreatedAt:  entry.CreatedAt,
		FinishedAt: time.Now(),
	}
	if result.Err != nil {
		record.ErrorKind = string(result.Err.Kind)
		record.ErrorMessage = result.Err.Message
		record.Code = result.Err.Code
	}
	if err := s.history.Create(ctx, record); err != nil {
		s.logger.Error("writing history failed", slog.String("error", err.Error()))
	}

	s.logger.Info("task settled",
		slog.String("task_uid", entry.TaskUID.String()),
		slog.String("status", string(status)),
		slog.String("size", format.Bytes(result.TotalBytes)),
	)
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}
