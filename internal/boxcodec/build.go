package boxcodec

import (
	"bytes"
	"encoding/binary"
)

// box wraps payload in a standard 32-bit-size ISO-BMFF box header.
func box(boxType string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(payload)))
	copy(out[4:8], boxType)
	copy(out[8:], payload)
	return out
}

// fullBox wraps payload with a version/flags FullBox header, then a box header.
func fullBox(boxType string, version uint8, flags uint32, payload []byte) []byte {
	head := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(head[0:4], flags&0x00FFFFFF)
	head[0] = version
	copy(head[4:], payload)
	return box(boxType, head)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// ftypBrands returns the major brand and compatible-brands list for a codec,
// per §4.3.
func ftypBrands(codec string) (major string, compatible []string) {
	switch codec {
	case "av01":
		return "isom", []string{"isom", "iso2", "av01", "mp41"}
	case "hvc1", "hev1":
		return "mp42", []string{"isom", "iso2", "mp41", "hvc1"}
	case "avc1":
		return "isom", []string{"isom", "iso2", "avc1", "mp41"}
	default:
		return "isom", []string{"isom", "iso2", "avc1", "mp41"}
	}
}

// BuildFtyp constructs the ftyp box for the primary (video) codec.
func BuildFtyp(codec string) []byte {
	major, compatible := ftypBrands(codec)
	var payload bytes.Buffer
	payload.WriteString(major)
	payload.Write(u32(0)) // minor_version
	for _, b := range compatible {
		payload.WriteString(b)
	}
	return box("ftyp", payload.Bytes())
}

// movieTimescale is the fixed timescale of the output movie, per §4.5.
const movieTimescale = 1000

// identityMatrix is the unity transformation matrix shared by mvhd and tkhd.
var identityMatrix = []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func writeMatrix(buf *bytes.Buffer) {
	for _, v := range identityMatrix {
		buf.Write(u32(v))
	}
}

// BuildMvhd builds the movie header. durationUnits is already in movie-timescale units.
// nextTrackID is 3 when an audio track exists, else left at the video track's own ID + 1.
func BuildMvhd(durationUnits uint64, nextTrackID uint32) []byte {
	var p bytes.Buffer
	p.Write(u32(0)) // creation_time
	p.Write(u32(0)) // modification_time
	p.Write(u32(movieTimescale))
	p.Write(u32(uint32(durationUnits)))
	p.Write(u32(0x00010000)) // rate, 1.0
	p.Write(u16(0x0100))     // volume, 1.0
	p.Write(make([]byte, 2)) // reserved
	p.Write(make([]byte, 8)) // reserved[2]
	writeMatrix(&p)
	p.Write(make([]byte, 24)) // pre_defined[6]
	p.Write(u32(nextTrackID))
	return fullBox("mvhd", 0, 0, p.Bytes())
}

// BuildTkhd builds the track header. durationUnits is in movie-timescale units.
func BuildTkhd(track *Track, durationUnits uint64) []byte {
	var p bytes.Buffer
	p.Write(u32(0)) // creation_time
	p.Write(u32(0)) // modification_time
	p.Write(u32(track.ID))
	p.Write(u32(0)) // reserved
	p.Write(u32(uint32(durationUnits)))
	p.Write(make([]byte, 8)) // reserved[2]
	p.Write(u16(0))          // layer
	p.Write(u16(0))          // alternate_group
	if track.Type == TrackAudio {
		p.Write(u16(0x0100)) // volume 1.0
	} else {
		p.Write(u16(0))
	}
	p.Write(make([]byte, 2)) // reserved
	writeMatrix(&p)
	if track.Type == TrackVideo {
		p.Write(u32(uint32(track.Width) << 16))
		p.Write(u32(uint32(track.Height) << 16))
	} else {
		p.Write(u32(0))
		p.Write(u32(0))
	}
	// flags = 3 (track-enabled | in-movie)
	return fullBox("tkhd", 0, 3, p.Bytes())
}

// BuildEdts builds edts/elst when the track has positive duration, per §4.3.
// Returns nil when no edit list should be emitted.
func BuildEdts(track *Track, durationUnits uint64) []byte {
	if durationUnits == 0 {
		return nil
	}
	var entry bytes.Buffer
	entry.Write(u32(uint32(durationUnits)))
	entry.Write(u32(0))         // media_time
	entry.Write(u32(0x00010000)) // rate
	var elstPayload bytes.Buffer
	elstPayload.Write(u32(1)) // entry_count
	elstPayload.Write(entry.Bytes())
	elst := fullBox("elst", 0, 0, elstPayload.Bytes())
	return box("edts", elst)
}

// rleEntry is one run-length-encoded table entry shared by stts/stsc-style builders.
type rleEntry struct {
	count uint32
	value uint32
}

// rleSampleDurations collapses consecutive samples with identical durations.
func rleSampleDurations(samples []Sample) []rleEntry {
	var entries []rleEntry
	for _, s := range samples {
		if n := len(entries); n > 0 && entries[n-1].value == s.Duration {
			entries[n-1].count++
			continue
		}
		entries = append(entries, rleEntry{count: 1, value: s.Duration})
	}
	return entries
}

// BuildStts builds the time-to-sample table.
func BuildStts(samples []Sample) []byte {
	entries := rleSampleDurations(samples)
	var p bytes.Buffer
	p.Write(u32(uint32(len(entries))))
	for _, e := range entries {
		p.Write(u32(e.count))
		p.Write(u32(e.value))
	}
	return fullBox("stts", 0, 0, p.Bytes())
}

// anyNonZeroCTO reports whether ctts needs to be emitted at all.
func anyNonZeroCTO(samples []Sample) bool {
	for _, s := range samples {
		if s.CTO != 0 {
			return true
		}
	}
	return false
}

func anyNegativeCTO(samples []Sample) bool {
	for _, s := range samples {
		if s.CTO < 0 {
			return true
		}
	}
	return false
}

// BuildCtts builds the composition-time-to-sample table, or returns nil if
// every sample has cto==0 (in which case the box is omitted entirely).
// Version 1 is used whenever any sample has a negative cto.
func BuildCtts(samples []Sample) []byte {
	if !anyNonZeroCTO(samples) {
		return nil
	}
	version := uint8(0)
	if anyNegativeCTO(samples) {
		version = 1
	}

	type ctoRLE struct {
		count uint32
		value int32
	}
	var entries []ctoRLE
	for _, s := range samples {
		if n := len(entries); n > 0 && entries[n-1].value == s.CTO {
			entries[n-1].count++
			continue
		}
		entries = append(entries, ctoRLE{count: 1, value: s.CTO})
	}

	var p bytes.Buffer
	p.Write(u32(uint32(len(entries))))
	for _, e := range entries {
		p.Write(u32(e.count))
		p.Write(u32(uint32(e.value)))
	}
	return fullBox("ctts", version, 0, p.Bytes())
}

// BuildStss builds the sync-sample table: 1-based indices of keyframes.
// Returns nil for audio tracks, which never carry one.
func BuildStss(track *Track) []byte {
	if track.Type == TrackAudio {
		return nil
	}
	var indices []uint32
	for i, s := range track.Samples {
		if s.IsKeyframe {
			indices = append(indices, uint32(i+1))
		}
	}
	var p bytes.Buffer
	p.Write(u32(uint32(len(indices))))
	for _, idx := range indices {
		p.Write(u32(idx))
	}
	return fullBox("stss", 0, 0, p.Bytes())
}

// BuildStsc builds the sample-to-chunk table, RLE over samples-per-chunk.
func BuildStsc(chunks []Chunk) []byte {
	type stscRLE struct {
		firstChunk      uint32
		samplesPerChunk uint32
	}
	var entries []stscRLE
	for i, c := range chunks {
		n := uint32(len(c.Samples))
		if len(entries) > 0 && entries[len(entries)-1].samplesPerChunk == n {
			continue
		}
		entries = append(entries, stscRLE{firstChunk: uint32(i + 1), samplesPerChunk: n})
	}

	var p bytes.Buffer
	p.Write(u32(uint32(len(entries))))
	for _, e := range entries {
		p.Write(u32(e.firstChunk))
		p.Write(u32(e.samplesPerChunk))
		p.Write(u32(1)) // sample_description_index
	}
	return fullBox("stsc", 0, 0, p.Bytes())
}

// BuildStsz builds the sample-size table (one entry per sample, no common size).
func BuildStsz(samples []Sample) []byte {
	var p bytes.Buffer
	p.Write(u32(0)) // sample_size == 0 means per-sample sizes follow
	p.Write(u32(uint32(len(samples))))
	for _, s := range samples {
		p.Write(u32(s.Size))
	}
	return fullBox("stsz", 0, 0, p.Bytes())
}

// BuildChunkOffsets builds stco (32-bit) or co64 (64-bit) depending on
// whether the last chunk's output offset exceeds 2^32-1, per §4.3/testable property 4.
func BuildChunkOffsets(chunks []Chunk) []byte {
	use64 := false
	for _, c := range chunks {
		if c.OutputOffset > 0xFFFFFFFF {
			use64 = true
			break
		}
	}

	var p bytes.Buffer
	p.Write(u32(uint32(len(chunks))))
	if use64 {
		for _, c := range chunks {
			p.Write(u64(c.OutputOffset))
		}
		return fullBox("co64", 0, 0, p.Bytes())
	}
	for _, c := range chunks {
		p.Write(u32(uint32(c.OutputOffset)))
	}
	return fullBox("stco", 0, 0, p.Bytes())
}

// BuildStbl assembles the sample table box from a track's chunks/samples. The
// track's chunks must already have OutputOffset populated by the layout pass.
func BuildStbl(track *Track, stsdEntry []byte) []byte {
	var p bytes.Buffer
	p.Write(box("stsd", stsdPayload(stsdEntry)))
	p.Write(BuildStts(track.Samples))
	if ctts := BuildCtts(track.Samples); ctts != nil {
		p.Write(ctts)
	}
	if stss := BuildStss(track); stss != nil {
		p.Write(stss)
	}
	p.Write(BuildStsc(track.Chunks))
	p.Write(BuildStsz(track.Samples))
	p.Write(BuildChunkOffsets(track.Chunks))
	return box("stbl", p.Bytes())
}

func stsdPayload(entry []byte) []byte {
	var p bytes.Buffer
	p.Write(u32(0)) // version/flags
	p.Write(u32(1)) // entry_count
	p.Write(entry)
	return p.Bytes()
}

// BuildHdlr builds the handler-reference box identifying the track's media type.
func BuildHdlr(track *Track) []byte {
	handlerType := "vide"
	name := "VideoHandler"
	if track.Type == TrackAudio {
		handlerType = "soun"
		name = "SoundHandler"
	}
	var p bytes.Buffer
	p.Write(u32(0)) // pre_defined
	p.WriteString(handlerType)
	p.Write(make([]byte, 12)) // reserved[3]
	p.WriteString(name)
	p.WriteByte(0)
	return fullBox("hdlr", 0, 0, p.Bytes())
}

// BuildVmhd builds the video media header (flags must be 1 per spec).
func BuildVmhd() []byte {
	p := make([]byte, 8) // graphicsmode(2) + opcolor(3*2)
	return fullBox("vmhd", 0, 1, p)
}

// BuildSmhd builds the sound media header.
func BuildSmhd() []byte {
	p := make([]byte, 4) // balance(2) + reserved(2)
	return fullBox("smhd", 0, 0, p)
}

// BuildDinf builds a minimal data-information box with one self-contained url reference.
func BuildDinf() []byte {
	url := fullBox("url ", 0, 1, nil) // flag 1 == media data is in the same file
	var dref bytes.Buffer
	dref.Write(u32(1)) // entry_count
	dref.Write(url)
	return box("dinf", fullBox("dref", 0, 0, dref.Bytes()))
}

// BuildMdia assembles mdia = mdhd + hdlr + minf(vmhd|smhd + dinf + stbl).
func BuildMdia(track *Track, stsdEntry []byte, durationUnits uint64) []byte {
	var mdhdPayload bytes.Buffer
	mdhdPayload.Write(u32(0)) // creation_time
	mdhdPayload.Write(u32(0)) // modification_time
	mdhdPayload.Write(u32(track.Timescale))
	mdhdPayload.Write(u32(uint32(track.Duration)))
	mdhdPayload.Write(u16(0x55C4)) // language "und"
	mdhdPayload.Write(u16(0))
	mdhd := fullBox("mdhd", 0, 0, mdhdPayload.Bytes())

	var mediaHeader []byte
	if track.Type == TrackVideo {
		mediaHeader = BuildVmhd()
	} else {
		mediaHeader = BuildSmhd()
	}

	var minfPayload bytes.Buffer
	minfPayload.Write(mediaHeader)
	minfPayload.Write(BuildDinf())
	minfPayload.Write(BuildStbl(track, stsdEntry))
	minf := box("minf", minfPayload.Bytes())

	var p bytes.Buffer
	p.Write(mdhd)
	p.Write(BuildHdlr(track))
	p.Write(minf)
	return box("mdia", p.Bytes())
}

// BuildUdta builds udta/meta/ilst carrying the tool/description strings, or
// nil if there is nothing to carry. Each string is written back under the
// 4-cc tag it was originally found under.
func BuildUdta(meta *Metadata) []byte {
	if meta == nil || (meta.Tool == "" && meta.Description == "") {
		return nil
	}
	toolTag := meta.ToolTag
	if toolTag == "" {
		toolTag = "\xa9too"
	}
	descTag := meta.DescTag
	if descTag == "" {
		descTag = "desc"
	}

	var ilst bytes.Buffer
	if meta.Tool != "" {
		ilst.Write(ilstEntry(toolTag, meta.Tool))
	}
	if meta.Description != "" {
		ilst.Write(ilstEntry(descTag, meta.Description))
	}

	return box("udta", fullBox("meta", 0, 0, box("ilst", ilst.Bytes())))
}

func ilstEntry(tag, value string) []byte {
	var data bytes.Buffer
	data.Write(u32(1)) // type_indicator: UTF-8 text
	data.Write(u32(0)) // locale
	data.WriteString(value)
	return box(tag, box("data", data.Bytes()))
}

// BuildTrex builds one trex entry for mvex.
func BuildTrex(trackID uint32, defaults SampleDefaults) []byte {
	var p bytes.Buffer
	p.Write(u32(trackID))
	p.Write(u32(1)) // default_sample_description_index
	p.Write(u32(defaults.DefaultDuration))
	p.Write(u32(defaults.DefaultSize))
	p.Write(u32(defaults.DefaultFlags))
	return fullBox("trex", 0, 0, p.Bytes())
}

// BuildTrak assembles one complete trak box.
func BuildTrak(track *Track, stsdEntry []byte, durationUnits uint64) []byte {
	var p bytes.Buffer
	p.Write(BuildTkhd(track, durationUnits))
	if edts := BuildEdts(track, durationUnits); edts != nil {
		p.Write(edts)
	}
	p.Write(BuildMdia(track, stsdEntry, durationUnits))
	return box("trak", p.Bytes())
}

// BuildMoov assembles the flat moov box for the muxed output: mvhd, one trak
// per track, mvex/trex entries, and the copied udta metadata.
func BuildMoov(videoTrack, audioTrack *Track, meta *Metadata) []byte {
	videoDuration := roundSeconds(videoTrack.DurationSeconds() * movieTimescale)
	audioDuration := uint64(0)
	if audioTrack != nil {
		audioDuration = roundSeconds(audioTrack.DurationSeconds() * movieTimescale)
	}
	movieDuration := videoDuration
	if audioDuration > movieDuration {
		movieDuration = audioDuration
	}

	nextTrackID := videoTrack.ID + 1
	if audioTrack != nil {
		nextTrackID = 3
	}

	var p bytes.Buffer
	p.Write(BuildMvhd(movieDuration, nextTrackID))
	p.Write(BuildTrak(videoTrack, videoTrack.CodecPrivate, videoDuration))
	if audioTrack != nil {
		p.Write(BuildTrak(audioTrack, audioTrack.CodecPrivate, audioDuration))

		var mvexPayload bytes.Buffer
		mvexPayload.Write(BuildTrex(videoTrack.ID, videoTrack.Defaults))
		mvexPayload.Write(BuildTrex(audioTrack.ID, audioTrack.Defaults))
		p.Write(box("mvex", mvexPayload.Bytes()))
	}
	if udta := BuildUdta(meta); udta != nil {
		p.Write(udta)
	}
	return box("moov", p.Bytes())
}

// roundSeconds rounds to the nearest integer, matching mvhd.duration = round(seconds*1000).
func roundSeconds(seconds float64) uint64 {
	return uint64(seconds + 0.5)
}

// BuildMdatHeader returns the header for an mdat box of the given payload
// size, using the 64-bit large-size form when payload exceeds 2^32-1-8.
func BuildMdatHeader(payloadSize uint64) []byte {
	total := payloadSize + 8
	if total <= 0xFFFFFFFF {
		out := make([]byte, 8)
		binary.BigEndian.PutUint32(out[0:4], uint32(total))
		copy(out[4:8], "mdat")
		return out
	}
	out := make([]byte, 16)
	binary.BigEndian.PutUint32(out[0:4], 1)
	copy(out[4:8], "mdat")
	binary.BigEndian.PutUint64(out[8:16], payloadSize+16)
	return out
}
