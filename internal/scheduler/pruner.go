package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bilimux/bilimux/internal/repository"
)

// DefaultPruneSchedule runs the history pruning job daily at 03:30.
const DefaultPruneSchedule = "30 3 * * *"

// Pruner periodically removes old history rows.
type Pruner struct {
	history       repository.HistoryRepository
	retentionDays int
	schedule      string
	logger        *slog.Logger
	cron          *cron.Cron
}

// NewPruner creates a Pruner. retentionDays <= 0 disables pruning.
func NewPruner(history repository.HistoryRepository, retentionDays int, schedule string, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	return &Pruner{
		history:       history,
		retentionDays: retentionDays,
		schedule:      schedule,
		logger:        logger,
	}
}

// Start schedules the pruning job. Returns immediately.
func (p *Pruner) Start() error {
	if p.retentionDays <= 0 {
		p.logger.Debug("history pruning disabled")
		return nil
	}
	p.cron = cron.New()
	_, err := p.cron.AddFunc(p.schedule, p.runOnce)
	if err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("history pruning scheduled",
		slog.String("schedule", p.schedule),
		slog.Int("retention_days", p.retentionDays),
	)
	return nil
}

// Stop cancels the scheduled job.
func (p *Pruner) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

func (p *Pruner) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pruned, err := p.history.DeleteOlderThan(ctx, p.retentionDays)
	if err != nil {
		p.logger.Error("history pruning failed", slog.String("error", err.Error()))
		return
	}
	if pruned > 0 {
		p.logger.Info("pruned history entries", slog.Int64("count", pruned))
	}
}
