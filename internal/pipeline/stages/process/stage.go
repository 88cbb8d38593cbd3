// Package process implements the mux planning stage: it parses both init
// segments into tracks, recovers the per-sample tables from every fragment
// on disk, and leaves the pipeline ready to lay out and emit a flat MP4.
package process

import (
	"context"
	"log/slog"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/boxcodec"
	"github.com/bilimux/bilimux/internal/codec"
	"github.com/bilimux/bilimux/internal/iostore"
	"github.com/bilimux/bilimux/internal/pipeline/core"
	"github.com/bilimux/bilimux/internal/pipeline/shared"
)

// Stage parses fragments into sample tables for the mux.
type Stage struct {
	shared.BaseStage
	store *iostore.Handle
}

// New creates the process stage.
func New(store *iostore.Handle, logger *slog.Logger) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage("process", "Parse fragments", logger),
		store:     store,
	}
}

// Execute implements core.Stage.
func (s *Stage) Execute(ctx context.Context, state *core.State) error {
	if len(state.Video.Init) == 0 {
		return bilierrors.Fatal("video init segment missing")
	}

	videoTrack, err := boxcodec.ParseInitSegment(state.Video.Init, 1, boxcodec.TrackVideo)
	if err != nil {
		return err
	}
	state.VideoTrack = videoTrack
	if videoTrack.Meta != nil {
		state.Meta = videoTrack.Meta
	}

	// Cross-check the stsd header's dimensions against the SPS where the
	// codec has one; the SPS wins when the header carries zeros.
	if len(videoTrack.CodecPrivate) > 8 {
		if params, ok := codec.CrossCheckVideo(videoTrack.Codec, videoTrack.CodecPrivate[8:]); ok {
			if videoTrack.Width == 0 || videoTrack.Height == 0 {
				videoTrack.Width = uint16(params.Width)
				videoTrack.Height = uint16(params.Height)
			} else if int(videoTrack.Width) != params.Width || int(videoTrack.Height) != params.Height {
				s.Logger().WarnContext(ctx, "stsd dimensions disagree with SPS",
					slog.Int("stsd_width", int(videoTrack.Width)),
					slog.Int("sps_width", params.Width),
					slog.Int("stsd_height", int(videoTrack.Height)),
					slog.Int("sps_height", params.Height),
				)
			}
		}
	}

	videoFile := shared.NewSegmentedFile(s.store, state.Video.Parts)
	if err := populateTrack(ctx, videoTrack, videoFile, false); err != nil {
		return err
	}

	if len(state.Audio.Init) > 0 {
		audioTrack, err := boxcodec.ParseInitSegment(state.Audio.Init, 2, boxcodec.TrackAudio)
		if err != nil {
			return err
		}
		state.AudioTrack = audioTrack

		audioFile := shared.NewSegmentedFile(s.store, state.Audio.Parts)
		if err := populateTrack(ctx, audioTrack, audioFile, true); err != nil {
			return err
		}
	}

	s.Logger().InfoContext(ctx, "fragments parsed",
		slog.String("task_uid", state.Request.TaskUID),
		slog.Int("video_samples", len(videoTrack.Samples)),
		slog.Int("video_chunks", len(videoTrack.Chunks)),
		slog.Int("audio_samples", audioSampleCount(state.AudioTrack)),
	)
	return nil
}

// populateTrack scans the stream's fragments and fills the track's sample
// and chunk tables. Chunks reference the track sample slice by subrange so
// no sample is stored twice.
func populateTrack(ctx context.Context, track *boxcodec.Track, sf *shared.SegmentedFile, rewriteTrackID bool) error {
	fragments, err := shared.ScanFragments(ctx, sf, track.Defaults, rewriteTrackID)
	if err != nil {
		return err
	}
	if len(fragments) == 0 {
		return bilierrors.Fatal("stream carries no moof fragments")
	}

	var total int
	for _, f := range fragments {
		total += len(f.Samples)
	}
	track.Samples = make([]boxcodec.Sample, 0, total)
	track.Chunks = make([]boxcodec.Chunk, 0, len(fragments))

	for _, frag := range fragments {
		start := len(track.Samples)
		track.Samples = append(track.Samples, frag.Samples...)
		for _, sample := range frag.Samples {
			track.Duration += uint64(sample.Duration)
		}
		track.Chunks = append(track.Chunks, boxcodec.Chunk{
			Samples:           track.Samples[start : start+len(frag.Samples)],
			MdatOffsetInInput: frag.MdatOffset,
		})
	}
	return nil
}

func audioSampleCount(track *boxcodec.Track) int {
	if track == nil {
		return 0
	}
	return len(track.Samples)
}
