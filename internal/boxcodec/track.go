package boxcodec

// TrackType distinguishes the two tracks this engine ever produces.
type TrackType int

const (
	TrackVideo TrackType = iota
	TrackAudio
)

// SampleDefaults mirrors a track's trex entry: the defaults trun/tfhd fall
// back to when a fragment omits an explicit per-sample value.
type SampleDefaults struct {
	DefaultDuration uint32
	DefaultSize     uint32
	DefaultFlags    uint32
}

// Sample is one media frame's timing/size table entry, produced by parsing a trun.
type Sample struct {
	DTS          int64
	PTS          int64
	CTO          int32
	Duration     uint32
	Size         uint32
	IsKeyframe   bool
	Flags        uint32
	OffsetInMdat uint64
}

// Chunk is one mdat payload: the samples it carries plus where it lives in
// the source file and, once the layout pass runs, in the emitted file.
type Chunk struct {
	Samples           []Sample
	MdatOffsetInInput int64
	OutputOffset      uint64
}

// Metadata holds the optional strings salvaged from udta/meta/ilst, together
// with the original 4-cc tags they were found under so the rebuilt udta
// round-trips them unchanged.
type Metadata struct {
	Tool        string
	Description string
	ToolTag     string
	DescTag     string
}

// Track accumulates everything needed to emit one flat-moov trak: identity,
// codec, defaults from trex, and the samples/chunks recovered from fragments.
type Track struct {
	ID           uint32
	Type         TrackType
	Timescale    uint32
	Duration     uint64
	Codec        string
	CodecPrivate []byte
	Width        uint16
	Height       uint16
	Defaults     SampleDefaults
	Meta         *Metadata
	Samples      []Sample
	Chunks       []Chunk
}

// TotalSampleSize sums sample.Size over every sample in the track, used to
// cross-check against the mdat payload per testable property 1(b).
func (t *Track) TotalSampleSize() uint64 {
	var total uint64
	for _, s := range t.Samples {
		total += uint64(s.Size)
	}
	return total
}

// DurationSeconds returns the track's accumulated duration in seconds.
func (t *Track) DurationSeconds() float64 {
	if t.Timescale == 0 {
		return 0
	}
	return float64(t.Duration) / float64(t.Timescale)
}
