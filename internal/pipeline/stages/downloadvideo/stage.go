// Package downloadvideo implements the video download stage.
package downloadvideo

import (
	"context"
	"log/slog"
	"path"

	"github.com/bilimux/bilimux/internal/pipeline/core"
	"github.com/bilimux/bilimux/internal/pipeline/shared"
)

// Stage downloads the selected video representation into per-part files.
type Stage struct {
	shared.BaseStage
	downloader *shared.Downloader
	reporter   core.ProgressReporter
}

// New creates the video download stage.
func New(downloader *shared.Downloader, reporter core.ProgressReporter, logger *slog.Logger) *Stage {
	return &Stage{
		BaseStage:  shared.NewBaseStage("download_video", "Download video", logger),
		downloader: downloader,
		reporter:   reporter,
	}
}

// Execute implements core.Stage.
func (s *Stage) Execute(ctx context.Context, state *core.State) error {
	target := path.Join(state.FilePrefix, "video.m4s")
	files, err := s.downloader.DownloadStream(ctx, state.VideoMirrors, target, s.progress(state))
	if err != nil {
		return err
	}

	state.Video = files
	state.TotalBytes += files.Total
	state.WrittenBytes += files.Total
	for _, p := range files.Parts {
		state.AddFile(p.Name)
	}
	return nil
}

func (s *Stage) progress(state *core.State) func(written, total int64) {
	if s.reporter == nil {
		return nil
	}
	uid := state.Request.TaskUID
	return func(written, total int64) {
		s.reporter.ReportProgress(uid, s.ID(), written, total)
	}
}
