package pipeline

import (
	"context"
	"io"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/boxcodec"
	"github.com/bilimux/bilimux/internal/pipeline/shared"
)

// emitChunkSize bounds each copy from the source files to the output.
const emitChunkSize = 64 * 1024

// plannedChunk is one mdat slice in output emission order.
type plannedChunk struct {
	file         *shared.SegmentedFile
	sourceOffset int64
	size         int64
}

// muxPlan is the fully laid-out output: header boxes plus the ordered list
// of source ranges whose concatenation forms the mdat payload.
type muxPlan struct {
	ftyp       []byte
	moov       []byte
	mdatHeader []byte
	chunks     []plannedChunk
	payload    uint64
}

// OutputSize returns the total size in bytes of the emitted file.
func (m *muxPlan) OutputSize() uint64 {
	return uint64(len(m.ftyp)+len(m.moov)+len(m.mdatHeader)) + m.payload
}

// chunkPayload sums the sample sizes of one chunk, which by invariant equals
// the number of bytes copied from the source for it.
func chunkPayload(c *boxcodec.Chunk) int64 {
	var total int64
	for _, s := range c.Samples {
		total += int64(s.Size)
	}
	return total
}

// buildMuxPlan lays out the output file. Chunks alternate one audio then one
// video per fragment. The chunk offsets inside moov depend on moov's own
// size, which only varies with the stco/co64 entry width, so the layout is
// computed once per width and re-checked.
func buildMuxPlan(videoTrack, audioTrack *boxcodec.Track, meta *boxcodec.Metadata, videoFile, audioFile *shared.SegmentedFile) (*muxPlan, error) {
	type orderedChunk struct {
		track *boxcodec.Track
		index int
		file  *shared.SegmentedFile
	}

	var order []orderedChunk
	maxChunks := len(videoTrack.Chunks)
	if audioTrack != nil && len(audioTrack.Chunks) > maxChunks {
		maxChunks = len(audioTrack.Chunks)
	}
	for i := 0; i < maxChunks; i++ {
		if audioTrack != nil && i < len(audioTrack.Chunks) {
			order = append(order, orderedChunk{track: audioTrack, index: i, file: audioFile})
		}
		if i < len(videoTrack.Chunks) {
			order = append(order, orderedChunk{track: videoTrack, index: i, file: videoFile})
		}
	}
	if len(order) == 0 {
		return nil, bilierrors.Fatal("mux plan has no chunks")
	}

	var payload uint64
	for _, oc := range order {
		payload += uint64(chunkPayload(&oc.track.Chunks[oc.index]))
	}

	ftyp := boxcodec.BuildFtyp(videoTrack.Codec)
	mdatHeader := boxcodec.BuildMdatHeader(payload)

	// Lay out offsets for a given chunk-offset width by probing with
	// provisional values that force that width, then verify the real
	// offsets still fit it.
	layout := func(force64 bool) (uint64, bool) {
		var probe uint64
		if force64 {
			probe = uint64(0xFFFFFFFF) + 1
		}
		for _, oc := range order {
			oc.track.Chunks[oc.index].OutputOffset = probe
		}
		moovLen := len(boxcodec.BuildMoov(videoTrack, audioTrack, meta))

		base := uint64(len(ftyp) + moovLen + len(mdatHeader))
		offset := base
		var last uint64
		for _, oc := range order {
			oc.track.Chunks[oc.index].OutputOffset = offset
			last = offset
			offset += uint64(chunkPayload(&oc.track.Chunks[oc.index]))
		}
		fits32 := last <= 0xFFFFFFFF
		return offset - base, force64 || fits32
	}

	total, ok := layout(false)
	if !ok {
		total, _ = layout(true)
	}
	if total != payload {
		return nil, bilierrors.Fatal("mux layout drifted: %d != %d payload bytes", total, payload)
	}

	moov := boxcodec.BuildMoov(videoTrack, audioTrack, meta)

	plan := &muxPlan{
		ftyp:       ftyp,
		moov:       moov,
		mdatHeader: mdatHeader,
		payload:    payload,
	}
	for _, oc := range order {
		c := &oc.track.Chunks[oc.index]
		plan.chunks = append(plan.chunks, plannedChunk{
			file:         oc.file,
			sourceOffset: c.MdatOffsetInInput,
			size:         chunkPayload(c),
		})
	}
	return plan, nil
}

// emit streams the planned output: ftyp, moov, mdat header, then every
// chunk's payload copied from the source files in emission order.
func (m *muxPlan) emit(ctx context.Context, w io.Writer) error {
	for _, header := range [][]byte{m.ftyp, m.moov, m.mdatHeader} {
		if _, err := w.Write(header); err != nil {
			return err
		}
	}

	for _, c := range m.chunks {
		remaining := c.size
		pos := c.sourceOffset
		for remaining > 0 {
			if err := ctx.Err(); err != nil {
				return bilierrors.Wrap(bilierrors.KindCancelled, "mux emit cancelled", err)
			}
			want := int64(emitChunkSize)
			if want > remaining {
				want = remaining
			}
			data, err := c.file.ReadAt(ctx, pos, want)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return bilierrors.Fatal("source exhausted %d bytes early", remaining)
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
			pos += int64(len(data))
			remaining -= int64(len(data))
		}
	}
	return nil
}
