// Package scheduler serializes download tasks: it pops the queue, drives
// one pipeline at a time, registers the finished output as a virtual
// download, and decides whether a failed task is worth re-queueing.
package scheduler

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/models"
	"github.com/bilimux/bilimux/internal/pipeline"
	"github.com/bilimux/bilimux/internal/pipeline/core"
)

// ExecResult is the outcome of one executed task.
type ExecResult struct {
	Err        *bilierrors.PipelineError
	TotalBytes int64
	Title      string
	ThumbID    string
	Exports    []pipeline.Entry
}

// Succeeded reports whether the task completed and was consumed.
func (r *ExecResult) Succeeded() bool { return r.Err == nil }

// Executor runs one queue entry through a pipeline and its export.
type Executor struct {
	deps     pipeline.Deps
	registry *pipeline.Registry
	logger   *slog.Logger

	// onExportReady, when set, receives the registered download URLs as
	// soon as the output is available for consumption.
	onExportReady func(entry *models.QueueEntry, exports []pipeline.Entry)
}

// NewExecutor creates an Executor.
func NewExecutor(deps pipeline.Deps, registry *pipeline.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{deps: deps, registry: registry, logger: logger}
}

// OnExportReady installs the export-availability callback.
func (e *Executor) OnExportReady(fn func(entry *models.QueueEntry, exports []pipeline.Entry)) {
	e.onExportReady = fn
}

// Execute runs the entry's pipeline to completion, registers its outputs,
// and waits for the consumer (or the export timeout). Working files are
// always cleaned up before returning.
func (e *Executor) Execute(ctx context.Context, entry *models.QueueEntry, cancelFn func(*pipeline.Pipeline)) ExecResult {
	req := core.Request{
		TaskUID:     entry.TaskUID.String(),
		BVID:        entry.BVID,
		CID:         entry.CID,
		EpID:        entry.EpID,
		Mode:        core.Mode(entry.Mode),
		Filename:    entry.Filename,
		ThreadCount: entry.ThreadCount,
	}
	if req.Mode == "" {
		req.Mode = core.ModeMux
	}

	p := pipeline.New(e.deps, req)
	if cancelFn != nil {
		cancelFn(p)
	}
	defer p.Cleanup()

	if err := p.Run(ctx); err != nil {
		return ExecResult{Err: pipeline.Classify(err), Title: p.State().Title}
	}

	exports := e.register(p, req)
	if e.onExportReady != nil {
		e.onExportReady(entry, exports)
	}

	<-p.ExportDone()
	result := ExecResult{
		TotalBytes: p.State().TotalBytes,
		Title:      p.State().Title,
		ThumbID:    p.State().ThumbID,
		Exports:    exports,
	}
	if err := p.ExportErr(); err != nil {
		result.Err = pipeline.Classify(err)
	}
	return result
}

// register places the pipeline's outputs in the virtual-download registry:
// one muxed .mp4, or the raw video .m4s plus audio .m4a pair.
func (e *Executor) register(p *pipeline.Pipeline, req core.Request) []pipeline.Entry {
	base := strings.TrimSuffix(req.Filename, path.Ext(req.Filename))
	if base == "" {
		base = req.TaskUID
	}

	if req.Mode == core.ModeMux {
		return []pipeline.Entry{
			e.registry.Register(p, base+".mp4", req.Mode, pipeline.StreamMuxed),
		}
	}

	exports := []pipeline.Entry{
		e.registry.Register(p, base+".m4s", req.Mode, pipeline.StreamVideo),
	}
	if len(p.State().Audio.Parts) > 0 {
		exports = append(exports, e.registry.Register(p, base+".m4a", req.Mode, pipeline.StreamAudio))
	}
	p.SetExpectedExports(len(exports))
	return exports
}
