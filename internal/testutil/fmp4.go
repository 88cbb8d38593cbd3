// Package testutil builds synthetic fragmented-MP4 fixtures for tests:
// minimal but structurally valid init segments and moof/mdat fragments
// whose sample tables are fully under the test's control.
package testutil

import (
	"bytes"
	"encoding/binary"
)

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Box wraps payload in a 32-bit-size box header.
func Box(boxType string, payloads ...[]byte) []byte {
	var body bytes.Buffer
	for _, p := range payloads {
		body.Write(p)
	}
	out := make([]byte, 8+body.Len())
	binary.BigEndian.PutUint32(out[0:4], uint32(8+body.Len()))
	copy(out[4:8], boxType)
	copy(out[8:], body.Bytes())
	return out
}

// FullBox wraps payload with a version/flags header, then a box header.
func FullBox(boxType string, version uint8, flags uint32, payloads ...[]byte) []byte {
	head := make([]byte, 4)
	binary.BigEndian.PutUint32(head, flags&0x00FFFFFF)
	head[0] = version
	all := append([][]byte{head}, payloads...)
	return Box(boxType, all...)
}

// VideoSampleEntry builds a minimal VisualSampleEntry of the given 4-cc.
func VideoSampleEntry(codec string, width, height uint16) []byte {
	var p bytes.Buffer
	p.Write(make([]byte, 6)) // reserved
	p.Write(u16(1))          // data_reference_index
	p.Write(make([]byte, 16)) // pre_defined + reserved
	p.Write(u16(width))
	p.Write(u16(height))
	p.Write(u32(0x00480000)) // horizresolution 72dpi
	p.Write(u32(0x00480000)) // vertresolution
	p.Write(u32(0))          // reserved
	p.Write(u16(1))          // frame_count
	p.Write(make([]byte, 32)) // compressorname
	p.Write(u16(0x0018))     // depth
	p.Write(u16(0xFFFF))     // pre_defined
	return Box(codec, p.Bytes())
}

// AudioSampleEntry builds a minimal AudioSampleEntry of the given 4-cc.
func AudioSampleEntry(codec string, sampleRate uint32) []byte {
	var p bytes.Buffer
	p.Write(make([]byte, 6)) // reserved
	p.Write(u16(1))          // data_reference_index
	p.Write(make([]byte, 8)) // reserved[2]
	p.Write(u16(2))          // channelcount
	p.Write(u16(16))         // samplesize
	p.Write(u16(0))          // pre_defined
	p.Write(u16(0))          // reserved
	p.Write(u32(sampleRate << 16))
	return Box(codec, p.Bytes())
}

// InitSpec describes a synthetic init segment.
type InitSpec struct {
	TrackID     uint32
	Timescale   uint32
	SampleEntry []byte
	Video       bool

	// Trex defaults; zero values emit a trex with all-zero defaults.
	DefaultDuration uint32
	DefaultSize     uint32
	DefaultFlags    uint32
}

// InitSegment builds ftyp + moov for one track.
func InitSegment(spec InitSpec) []byte {
	ftyp := Box("ftyp", []byte("isom"), u32(512), []byte("isomiso2mp41"))

	var mvhd bytes.Buffer
	mvhd.Write(u32(0)) // creation_time
	mvhd.Write(u32(0)) // modification_time
	mvhd.Write(u32(1000))
	mvhd.Write(u32(0))          // duration
	mvhd.Write(u32(0x00010000)) // rate
	mvhd.Write(u16(0x0100))     // volume
	mvhd.Write(make([]byte, 10))
	for _, v := range []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000} {
		mvhd.Write(u32(v))
	}
	mvhd.Write(make([]byte, 24))
	mvhd.Write(u32(spec.TrackID + 1))

	var tkhd bytes.Buffer
	tkhd.Write(u32(0))
	tkhd.Write(u32(0))
	tkhd.Write(u32(spec.TrackID))
	tkhd.Write(u32(0))
	tkhd.Write(u32(0)) // duration
	tkhd.Write(make([]byte, 8))
	tkhd.Write(u16(0))
	tkhd.Write(u16(0))
	tkhd.Write(u16(0))
	tkhd.Write(u16(0))
	for _, v := range []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000} {
		tkhd.Write(u32(v))
	}
	tkhd.Write(u32(0))
	tkhd.Write(u32(0))

	var mdhd bytes.Buffer
	mdhd.Write(u32(0))
	mdhd.Write(u32(0))
	mdhd.Write(u32(spec.Timescale))
	mdhd.Write(u32(0))
	mdhd.Write(u16(0x55C4))
	mdhd.Write(u16(0))

	handlerType := "soun"
	if spec.Video {
		handlerType = "vide"
	}
	var hdlr bytes.Buffer
	hdlr.Write(u32(0))
	hdlr.WriteString(handlerType)
	hdlr.Write(make([]byte, 12))
	hdlr.WriteByte(0)

	stsd := FullBox("stsd", 0, 0, u32(1), spec.SampleEntry)
	stbl := Box("stbl",
		stsd,
		FullBox("stts", 0, 0, u32(0)),
		FullBox("stsc", 0, 0, u32(0)),
		FullBox("stsz", 0, 0, u32(0), u32(0)),
		FullBox("stco", 0, 0, u32(0)),
	)

	var mediaHeader []byte
	if spec.Video {
		mediaHeader = FullBox("vmhd", 0, 1, make([]byte, 8))
	} else {
		mediaHeader = FullBox("smhd", 0, 0, make([]byte, 4))
	}
	dref := FullBox("dref", 0, 0, u32(1), FullBox("url ", 0, 1))
	minf := Box("minf", mediaHeader, Box("dinf", dref), stbl)

	mdia := Box("mdia",
		FullBox("mdhd", 0, 0, mdhd.Bytes()),
		FullBox("hdlr", 0, 0, hdlr.Bytes()),
		minf,
	)
	trak := Box("trak", FullBox("tkhd", 0, 3, tkhd.Bytes()), mdia)

	var trex bytes.Buffer
	trex.Write(u32(spec.TrackID))
	trex.Write(u32(1)) // default_sample_description_index
	trex.Write(u32(spec.DefaultDuration))
	trex.Write(u32(spec.DefaultSize))
	trex.Write(u32(spec.DefaultFlags))
	mvex := Box("mvex", FullBox("trex", 0, 0, trex.Bytes()))

	moov := Box("moov", FullBox("mvhd", 0, 0, mvhd.Bytes()), trak, mvex)
	return append(ftyp, moov...)
}

// SampleSpec describes one sample of a synthetic fragment.
type SampleSpec struct {
	Size     uint32
	Duration uint32
	CTO      int32
	Keyframe bool
}

// sample flag for a non-sync sample.
const nonSyncFlag = 0x00010000

// Fragment builds one moof+mdat pair. The trun always carries explicit
// per-sample duration, size and flags; the cto field is included only when
// any sample has a non-zero cto. The mdat payload is a deterministic byte
// pattern derived from the sequence number so round-trip copies can be
// compared byte-for-byte.
func Fragment(trackID, seq uint32, baseDecodeTime uint64, samples []SampleSpec) []byte {
	hasCTO := false
	for _, s := range samples {
		if s.CTO != 0 {
			hasCTO = true
			break
		}
	}

	trunFlags := uint32(0x000001 | 0x000100 | 0x000200 | 0x000400)
	if hasCTO {
		trunFlags |= 0x000800
	}

	var trun bytes.Buffer
	trun.Write(u32(uint32(len(samples))))
	dataOffsetPos := trun.Len()
	trun.Write(u32(0)) // data_offset, patched below
	for _, s := range samples {
		trun.Write(u32(s.Duration))
		trun.Write(u32(s.Size))
		if s.Keyframe {
			trun.Write(u32(0))
		} else {
			trun.Write(u32(nonSyncFlag))
		}
		if hasCTO {
			trun.Write(u32(uint32(s.CTO)))
		}
	}

	var tfhd bytes.Buffer
	tfhd.Write(u32(trackID))

	var tfdt bytes.Buffer
	tfdt.Write(u64(baseDecodeTime))

	traf := Box("traf",
		FullBox("tfhd", 0, 0, tfhd.Bytes()),
		FullBox("tfdt", 1, 0, tfdt.Bytes()),
		FullBox("trun", 0, trunFlags, trun.Bytes()),
	)
	moof := Box("moof", FullBox("mfhd", 0, 0, u32(seq)), traf)

	// data_offset points at the mdat payload relative to the moof start.
	patchDataOffset(moof, uint32(len(moof)+8), dataOffsetPos)

	var payloadSize uint32
	for _, s := range samples {
		payloadSize += s.Size
	}
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(seq + uint32(i))
	}
	mdat := Box("mdat", payload)

	return append(moof, mdat...)
}

// patchDataOffset rewrites the trun data_offset field in a finished moof.
func patchDataOffset(moof []byte, value uint32, fieldPosInTrunPayload int) {
	// Locate trun within moof/traf and rewrite 4 bytes at the field position
	// past its 12-byte box+fullbox header.
	traf := locate(moof[8:], "traf")
	if traf == nil {
		return
	}
	trun := locate(traf[8:], "trun")
	if trun == nil {
		return
	}
	off := 12 + fieldPosInTrunPayload
	binary.BigEndian.PutUint32(trun[off:off+4], value)
}

// locate returns the in-place subslice of the first child box of the given
// type, header included.
func locate(buf []byte, boxType string) []byte {
	off := 0
	for off+8 <= len(buf) {
		size := int(binary.BigEndian.Uint32(buf[off : off+4]))
		if size < 8 || off+size > len(buf) {
			return nil
		}
		if string(buf[off+4:off+8]) == boxType {
			return buf[off : off+size]
		}
		off += size
	}
	return nil
}

