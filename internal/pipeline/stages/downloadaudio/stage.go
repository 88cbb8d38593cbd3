// Package downloadaudio implements the audio download stage. Audio runs
// before video so peak disk usage stays at max(audio,video)+init and any
// entitlement failure surfaces before the expensive video pull begins.
package downloadaudio

import (
	"context"
	"log/slog"
	"path"

	"github.com/bilimux/bilimux/internal/pipeline/core"
	"github.com/bilimux/bilimux/internal/pipeline/shared"
)

// Stage downloads the selected audio representation into per-part files.
type Stage struct {
	shared.BaseStage
	downloader *shared.Downloader
	reporter   core.ProgressReporter
}

// New creates the audio download stage.
func New(downloader *shared.Downloader, reporter core.ProgressReporter, logger *slog.Logger) *Stage {
	return &Stage{
		BaseStage:  shared.NewBaseStage("download_audio", "Download audio", logger),
		downloader: downloader,
		reporter:   reporter,
	}
}

// Execute implements core.Stage.
func (s *Stage) Execute(ctx context.Context, state *core.State) error {
	if len(state.AudioMirrors) == 0 {
		s.Logger().InfoContext(ctx, "no audio stream selected, skipping",
			slog.String("task_uid", state.Request.TaskUID))
		return nil
	}

	target := path.Join(state.FilePrefix, "audio.m4s")
	files, err := s.downloader.DownloadStream(ctx, state.AudioMirrors, target, s.progress(state))
	if err != nil {
		return err
	}

	state.Audio = files
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
