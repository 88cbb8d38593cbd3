// Package shared holds helpers common to the pipeline stages.
package shared

import (
	"context"
	"log/slog"
)

// BaseStage provides the boilerplate every stage shares: identity, logging,
// and a default no-op Cleanup.
type BaseStage struct {
	id     string
	name   string
	logger *slog.Logger
}

// NewBaseStage creates a BaseStage with the given identity.
func NewBaseStage(id, name string, logger *slog.Logger) BaseStage {
	if logger == nil {
		logger = slog.Default()
	}
	return BaseStage{id: id, name: name, logger: logger.With(slog.String("stage", id))}
}

// ID returns the stage identifier.
func (s *BaseStage) ID() string { return s.id }

// Name returns the human-readable stage name.
func (s *BaseStage) Name() string { return s.name }

// Logger returns the stage-scoped logger.
func (s *BaseStage) Logger() *slog.Logger { return s.logger }

// Cleanup is a no-op by default; stages that acquire resources override it.
func (s *BaseStage) Cleanup(ctx context.Context) error { return nil }
