package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// activeExecutions tracks which task uids have pipelines running.
var (
	activeExecutions   = make(map[string]bool)
	activeExecutionsMu sync.Mutex
)

// Orchestrator executes a task's stages in sequence.
type Orchestrator struct {
	stages           []Stage
	state            *State
	logger           *slog.Logger
	progressReporter ProgressReporter
}

// NewOrchestrator creates an Orchestrator over the given stages and state.
func NewOrchestrator(state *State, stages []Stage, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		stages: stages,
		state:  state,
		logger: logger,
	}
}

// SetProgressReporter sets an optional progress reporter.
func (o *Orchestrator) SetProgressReporter(reporter ProgressReporter) {
	o.progressReporter = reporter
}

// Execute runs all stages in sequence. Stage cleanup runs on every exit
// path, however far execution got.
func (o *Orchestrator) Execute(ctx context.Context) error {
	if !o.acquireExecution() {
		return ErrPipelineAlreadyRunning
	}
	defer o.releaseExecution()

	o.logger.InfoContext(ctx, "starting pipeline execution",
		slog.String("task_uid", o.state.Request.TaskUID),
		slog.String("mode", string(o.state.Request.Mode)),
		slog.Int("stage_count", len(o.stages)),
	)
	startTime := time.Now()

	for i, stage := range o.stages {
		select {
		case <-ctx.Done():
			o.cleanupStages(o.stages[:i+1])
			return ctx.Err()
		default:
		}

		if err := o.executeStage(ctx, i, stage); err != nil {
			o.cleanupStages(o.stages[:i+1])
			return NewStageError(stage.ID(), stage.Name(), err)
		}
	}

	o.logger.InfoContext(ctx, "pipeline execution completed",
		slog.String("task_uid", o.state.Request.TaskUID),
		slog.Int64("total_bytes", o.state.TotalBytes),
		slog.Duration("duration", time.Since(startTime)),
	)

	o.cleanupStages(o.stages)
	return nil
}

// executeStage runs a single stage and handles logging/progress.
func (o *Orchestrator) executeStage(ctx context.Context, index int, stage Stage) error {
	stageStart := time.Now()

	o.logger.InfoContext(ctx, "executing stage",
		slog.Int("stage_num", index+1),
		slog.Int("total_stages", len(o.stages)),
		slog.String("stage_id", stage.ID()),
	)

	err := stage.Execute(ctx, o.state)
	if err != nil {
		o.logger.ErrorContext(ctx, "stage failed",
			slog.String("stage_id", stage.ID()),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(stageStart)),
		)
		return err
	}

	o.logger.InfoContext(ctx, "stage completed",
		slog.String("stage_id", stage.ID()),
		slog.Duration("duration", time.Since(stageStart)),
	)
	return nil
}

// cleanupStages calls Cleanup on all given stages. Runs on a fresh context
// so cleanup still happens after cancellation.
func (o *Orchestrator) cleanupStages(stages []Stage) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, stage := range stages {
		if err := stage.Cleanup(ctx); err != nil {
			o.logger.Warn("stage cleanup failed",
				slog.String("stage_id", stage.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// acquireExecution tries to acquire the execution lock for this task uid.
func (o *Orchestrator) acquireExecution() bool {
	activeExecutionsMu.Lock()
	defer activeExecutionsMu.Unlock()

	if activeExecutions[o.state.Request.TaskUID] {
		return false
	}
	activeExecutions[o.state.Request.TaskUID] = true
	return true
}

// releaseExecution releases the execution lock for this task uid.
func (o *Orchestrator) releaseExecution() {
	activeExecutionsMu.Lock()
	defer activeExecutionsMu.Unlock()
	delete(activeExecutions, o.state.Request.TaskUID)
}

// State returns the pipeline state (for testing).
func (o *Orchestrator) State() *State {
	return o.state
}

// Stages returns the configured stages (for testing).
func (o *Orchestrator) Stages() []Stage {
	return o.stages
}
