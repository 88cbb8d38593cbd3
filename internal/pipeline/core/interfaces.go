// Package core defines the stage/orchestrator machinery that drives one
// download task through its state machine: resolve, download audio, download
// video, process, attachments.
package core

import (
	"context"

	"github.com/bilimux/bilimux/internal/biliapi"
	"github.com/bilimux/bilimux/internal/boxcodec"
	"github.com/bilimux/bilimux/internal/fetch"
)

// Mode selects what the pipeline emits.
type Mode string

const (
	// ModeRaw re-emits the fetched DASH segments unchanged.
	ModeRaw Mode = "raw"
	// ModeMux rebuilds a single flat MP4 from the fragments.
	ModeMux Mode = "universal"
)

// Request identifies what one task downloads.
type Request struct {
	// TaskUID is the scheduler's unique id for this task.
	TaskUID string

	// BVID/CID identify a UGC video; EpID selects the PGC endpoint instead.
	BVID string
	CID  int64
	EpID int64

	// Mode selects raw or muxed output.
	Mode Mode

	// Filename is the user-facing output name (without directory).
	Filename string

	// ThreadCount overrides the fetcher's parallel part count when > 0.
	ThreadCount int
}

// Stage is one step of the task state machine.
type Stage interface {
	// ID returns a stable machine-readable identifier.
	ID() string

	// Name returns a human-readable stage name for logging.
	Name() string

	// Execute runs the stage, mutating the shared state.
	Execute(ctx context.Context, state *State) error

	// Cleanup releases any resources the stage acquired. Called on every
	// exit path, including error and cancellation.
	Cleanup(ctx context.Context) error
}

// ProgressReporter receives byte-level progress while a stage downloads.
type ProgressReporter interface {
	ReportProgress(taskUID, stageID string, written, total int64)
}

// StreamFiles holds everything recovered for one elementary stream.
type StreamFiles struct {
	// Init is the verbatim ftyp+moov prefix.
	Init []byte

	// Parts is the on-disk layout of the fetched file, in byte order.
	Parts []fetch.Part

	// Total is the full resource size in bytes.
	Total int64

	// Mirror is the URL the stream was fetched from.
	Mirror string
}

// State is the mutable task state owned by the pipeline goroutine. Stages
// are executed sequentially; no locking is needed.
type State struct {
	Request Request

	// FilePrefix is the iostore-relative directory all of this task's
	// working files live under.
	FilePrefix string

	// Manifest and selected mirrors, filled by the resolve stage.
	Dash         *biliapi.Dash
	VideoMirrors []string
	AudioMirrors []string
	ThumbURL     string
	ThumbID      string
	Title        string

	// Per-stream download results.
	Video StreamFiles
	Audio StreamFiles

	// Parsed tracks and user metadata, filled by the process stage.
	VideoTrack *boxcodec.Track
	AudioTrack *boxcodec.Track
	Meta       *boxcodec.Metadata
	ToolTag    string
	DescTag    string

	// Byte accounting across both streams.
	TotalBytes   int64
	WrittenBytes int64

	// OpenFiles lists every iostore filename the task created, for cleanup.
	OpenFiles []string
}

// AddFile records an iostore filename for end-of-task cleanup.
func (s *State) AddFile(name string) {
	s.OpenFiles = append(s.OpenFiles, name)
}
