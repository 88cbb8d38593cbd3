// Package resolve implements the pipeline stage that turns a playback
// identifier into signed stream URLs: metadata lookup, playurl manifest
// fetch, and representation selection.
package resolve

import (
	"context"
	"log/slog"

	"github.com/bilimux/bilimux/internal/biliapi"
	"github.com/bilimux/bilimux/internal/pipeline/core"
	"github.com/bilimux/bilimux/internal/pipeline/shared"
)

// Stage resolves the task's stream manifest and picks the representations
// to download.
type Stage struct {
	shared.BaseStage
	api *biliapi.Client
}

// New creates the resolve stage.
func New(api *biliapi.Client, logger *slog.Logger) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage("resolve", "Resolve stream URLs", logger),
		api:       api,
	}
}

// Execute implements core.Stage.
func (s *Stage) Execute(ctx context.Context, state *core.State) error {
	req := state.Request

	// A UGC request without a cid needs one metadata round trip first.
	if req.EpID == 0 && req.CID == 0 {
		view, err := s.api.GetView(ctx, req.BVID)
		if err != nil {
			return err
		}
		req.CID = view.CID
		state.Request = req
		state.ThumbURL = view.Pic
		state.Title = view.Title
	}

	dash, err := s.api.GetPlayurl(ctx, biliapi.PlayurlRequest{
		BVID: req.BVID,
		CID:  req.CID,
		EpID: req.EpID,
	})
	if err != nil {
		return err
	}
	state.Dash = dash

	videos := dash.VideoCandidates()
	if len(videos) == 0 {
		return core.ErrNoStreams
	}
	picked := videos[0]
	state.VideoMirrors = picked.Mirrors()

	if audios := dash.AudioCandidates(); len(audios) > 0 {
		state.AudioMirrors = audios[0].Mirrors()
	}

	s.Logger().InfoContext(ctx, "resolved streams",
		slog.String("task_uid", req.TaskUID),
		slog.String("quality", biliapi.QualityLabel(picked.ID)),
		slog.String("codec", biliapi.CodecLabel(picked.CodecID)),
		slog.Int("video_mirrors", len(state.VideoMirrors)),
		slog.Int("audio_mirrors", len(state.AudioMirrors)),
	)
	return nil
}
