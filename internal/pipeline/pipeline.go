// Package pipeline implements the storage & mux pipeline (C5): it drives
// one download task through resolve, audio/video download, fragment
// processing and attachment persistence, then emits the result — raw DASH
// segments or a rebuilt flat MP4 — through a virtual download response.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bilimux/bilimux/internal/biliapi"
	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/fetch"
	"github.com/bilimux/bilimux/internal/iostore"
	"github.com/bilimux/bilimux/internal/pipeline/core"
	"github.com/bilimux/bilimux/internal/pipeline/shared"
	"github.com/bilimux/bilimux/internal/pipeline/stages/attachments"
	"github.com/bilimux/bilimux/internal/pipeline/stages/downloadaudio"
	"github.com/bilimux/bilimux/internal/pipeline/stages/downloadvideo"
	"github.com/bilimux/bilimux/internal/pipeline/stages/process"
	"github.com/bilimux/bilimux/internal/pipeline/stages/resolve"
)

// StreamKind selects which output a registry entry streams.
type StreamKind string

const (
	StreamMuxed StreamKind = "muxed"
	StreamVideo StreamKind = "video"
	StreamAudio StreamKind = "audio"
)

// Deps carries everything a pipeline needs; all are injected, none ambient.
type Deps struct {
	API      *biliapi.Client
	Fetcher  *fetch.Fetcher
	Store    *iostore.Handle
	Thumbs   attachments.ThumbnailStore
	Reporter core.ProgressReporter
	Logger   *slog.Logger
}

// Pipeline owns one download task: its working files, its parsed sample
// tables, and the transfer that hands the result to the consumer.
type Pipeline struct {
	deps  Deps
	state *core.State
	orch  *core.Orchestrator

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	exportsExpected atomic.Int32
	exportsFinished atomic.Int32
	exportOnce      sync.Once
	exportDone      chan struct{}
	exportErr       error
}

// New builds a pipeline for one request. The stage list follows the task
// state machine; raw mode skips fragment processing entirely.
func New(deps Deps, req core.Request) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With(slog.String("task_uid", req.TaskUID))

	state := &core.State{
		Request:    req,
		FilePrefix: path.Join("tasks", req.TaskUID),
		ThumbID:    req.TaskUID,
	}

	downloader := &shared.Downloader{Fetcher: deps.Fetcher, Logger: logger}

	stages := []core.Stage{
		resolve.New(deps.API, logger),
		downloadaudio.New(downloader, deps.Reporter, logger),
		downloadvideo.New(downloader, deps.Reporter, logger),
	}
	if req.Mode == core.ModeMux {
		stages = append(stages, process.New(deps.Store, logger))
	}
	stages = append(stages, attachments.New(deps.Thumbs, logger))

	orch := core.NewOrchestrator(state, stages, logger)
	orch.SetProgressReporter(deps.Reporter)

	p := &Pipeline{
		deps:       deps,
		state:      state,
		orch:       orch,
		exportDone: make(chan struct{}),
	}
	p.exportsExpected.Store(1)
	return p
}

// SetExpectedExports declares how many outputs will be transferred before
// the export counts as finished; raw mode registers one per stream.
func (p *Pipeline) SetExpectedExports(n int) {
	p.exportsExpected.Store(int32(n))
}

// State exposes the task state (read-only use by the status API and tests).
func (p *Pipeline) State() *core.State {
	return p.state
}

// Run executes the stage sequence. Any failure is reported as a
// PipelineError and the task's working files are cleaned up by the caller
// via Cleanup.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancelMu.Lock()
	p.cancel = cancel
	p.cancelMu.Unlock()
	defer cancel()

	if err := p.orch.Execute(runCtx); err != nil {
		return Classify(err)
	}
	return nil
}

// Cancel aborts the pipeline: in-flight downloads stop, the transfer (if
// one is running) errors out, and the consumer sees a stream error.
func (p *Pipeline) Cancel() {
	p.cancelMu.Lock()
	cancel := p.cancel
	p.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.finishExport(bilierrors.New(bilierrors.KindCancelled, "task cancelled"))
}

// Transfer streams the selected output to w. For muxed output it runs the
// layout pass and emits ftyp+moov+mdat; for raw output it copies the
// fetched stream byte-identically. The export result is recorded either way.
func (p *Pipeline) Transfer(ctx context.Context, w io.Writer, kind StreamKind) error {
	err := p.transfer(ctx, w, kind)
	p.finishExport(err)
	return err
}

func (p *Pipeline) transfer(ctx context.Context, w io.Writer, kind StreamKind) error {
	switch kind {
	case StreamMuxed:
		return p.transferMux(ctx, w)
	case StreamVideo:
		return p.transferRaw(ctx, w, p.state.Video)
	case StreamAudio:
		return p.transferRaw(ctx, w, p.state.Audio)
	default:
		return bilierrors.Fatal("unknown stream kind %q", kind)
	}
}

func (p *Pipeline) transferMux(ctx context.Context, w io.Writer) error {
	if p.state.VideoTrack == nil {
		return bilierrors.Fatal("transfer before fragment processing")
	}
	videoFile := shared.NewSegmentedFile(p.deps.Store, p.state.Video.Parts)
	var audioFile *shared.SegmentedFile
	if p.state.AudioTrack != nil {
		audioFile = shared.NewSegmentedFile(p.deps.Store, p.state.Audio.Parts)
	}

	plan, err := buildMuxPlan(p.state.VideoTrack, p.state.AudioTrack, p.state.Meta, videoFile, audioFile)
	if err != nil {
		return err
	}
	return plan.emit(ctx, w)
}

func (p *Pipeline) transferRaw(ctx context.Context, w io.Writer, files core.StreamFiles) error {
	if len(files.Parts) == 0 {
		return bilierrors.Fatal("transfer of a stream that was never downloaded")
	}
	sf := shared.NewSegmentedFile(p.deps.Store, files.Parts)

	var pos int64
	for pos < sf.Size() {
		if err := ctx.Err(); err != nil {
			return bilierrors.Wrap(bilierrors.KindCancelled, "raw transfer cancelled", err)
		}
		want := int64(emitChunkSize)
		if pos+want > sf.Size() {
			want = sf.Size() - pos
		}
		data, err := sf.ReadAt(ctx, pos, want)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		pos += int64(len(data))
	}
	return nil
}

// MuxedSize returns the exact emitted size of the muxed output, or 0 when
// the layout cannot be computed yet. Raw sizes come from RawSize instead.
func (p *Pipeline) MuxedSize() uint64 {
	if p.state.VideoTrack == nil {
		return 0
	}
	videoFile := shared.NewSegmentedFile(p.deps.Store, p.state.Video.Parts)
	var audioFile *shared.SegmentedFile
	if p.state.AudioTrack != nil {
		audioFile = shared.NewSegmentedFile(p.deps.Store, p.state.Audio.Parts)
	}
	plan, err := buildMuxPlan(p.state.VideoTrack, p.state.AudioTrack, p.state.Meta, videoFile, audioFile)
	if err != nil {
		return 0
	}
	return plan.OutputSize()
}

// RawSize returns the byte size of a raw stream output.
func (p *Pipeline) RawSize(kind StreamKind) int64 {
	switch kind {
	case StreamVideo:
		return p.state.Video.Total
	case StreamAudio:
		return p.state.Audio.Total
	default:
		return 0
	}
}

// finishExport records the export outcome. Any failure completes the
// export immediately; successes only complete it once every expected
// output has been transferred.
func (p *Pipeline) finishExport(err error) {
	if err == nil && p.exportsFinished.Add(1) < p.exportsExpected.Load() {
		return
	}
	p.exportOnce.Do(func() {
		p.exportErr = err
		close(p.exportDone)
	})
}

// ExportDone is closed when the transfer finished, failed, timed out, or
// the task was cancelled.
func (p *Pipeline) ExportDone() <-chan struct{} {
	return p.exportDone
}

// ExportErr returns the export outcome after ExportDone is closed.
func (p *Pipeline) ExportErr() error {
	return p.exportErr
}

// Cleanup closes and deletes every working file the task created. Safe to
// call more than once; always runs on its own context so a cancelled task
// still gets cleaned up.
func (p *Pipeline) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, name := range p.state.OpenFiles {
		if err := p.deps.Store.Delete(ctx, name); err != nil {
			p.deps.Logger.Warn("cleanup failed to delete file",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
		}
	}
	p.state.OpenFiles = nil
}

// Classify maps any error leaving the pipeline onto a PipelineError so the
// scheduler can decide retryability without re-parsing messages.
func Classify(err error) *bilierrors.PipelineError {
	var perr *bilierrors.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return bilierrors.Wrap(bilierrors.KindCancelled, "task cancelled", err)
	}
	return bilierrors.Wrap(bilierrors.KindNetwork, err.Error(), err)
}
