package boxcodec

import (
	"encoding/binary"
	"fmt"
)

// trun flag bits (ISO/IEC 14496-12 §8.8.8).
const (
	trunDataOffsetPresent       = 0x000001
	trunFirstSampleFlagsPresent = 0x000004
	trunSampleDurationPresent   = 0x000100
	trunSampleSizePresent       = 0x000200
	trunSampleFlagsPresent      = 0x000400
	trunSampleCTOPresent        = 0x000800
)

// tfhd flag bits (ISO/IEC 14496-12 §8.8.7).
const (
	tfhdBaseDataOffsetPresent         = 0x000001
	tfhdSampleDescriptionIndexPresent = 0x000002
	tfhdDefaultDurationPresent        = 0x000008
	tfhdDefaultSizePresent            = 0x000010
	tfhdDefaultFlagsPresent           = 0x000020
)

// sampleIsNonSyncFlag marks a sample as not a random-access point. A sample
// is a keyframe exactly when this bit is clear (testable property 3).
const sampleIsNonSyncFlag = 0x00010000

func fullBoxVersionFlags(payload []byte) (version uint8, flags uint32, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("boxcodec: truncated full-box header")
	}
	version = payload[0]
	flags = binary.BigEndian.Uint32(payload[0:4]) & 0x00FFFFFF
	return version, flags, nil
}

// parseMdhdTimescale reads the track timescale from an mdhd payload,
// handling both version 0 (32-bit fields) and version 1 (64-bit fields).
func parseMdhdTimescale(mdhd []byte) (uint32, error) {
	version, _, err := fullBoxVersionFlags(mdhd)
	if err != nil {
		return 0, err
	}
	var off int
	if version == 1 {
		off = 4 + 8 + 8 // version/flags + creation_time + modification_time
	} else {
		off = 4 + 4 + 4
	}
	if len(mdhd) < off+4 {
		return 0, fmt.Errorf("boxcodec: truncated mdhd")
	}
	return binary.BigEndian.Uint32(mdhd[off : off+4]), nil
}

// parseTfdtTime reads the base media decode time, version-0/1 aware, always
// returned widened to u64.
func parseTfdtTime(tfdt []byte) (uint64, error) {
	version, _, err := fullBoxVersionFlags(tfdt)
	if err != nil {
		return 0, err
	}
	if version == 1 {
		if len(tfdt) < 12 {
			return 0, fmt.Errorf("boxcodec: truncated tfdt v1")
		}
		return binary.BigEndian.Uint64(tfdt[4:12]), nil
	}
	if len(tfdt) < 8 {
		return 0, fmt.Errorf("boxcodec: truncated tfdt v0")
	}
	return uint64(binary.BigEndian.Uint32(tfdt[4:8])), nil
}

// tfhdInfo is the per-fragment defaults a tfhd overrides, plus the track ID
// the fragment belongs to.
type tfhdInfo struct {
	TrackID         uint32
	DefaultDuration uint32
	DefaultSize     uint32
	DefaultFlags    uint32
	HasDuration     bool
	HasSize         bool
	HasFlags        bool
}

// parseTfhd reads the track ID and any flagged per-fragment defaults.
func parseTfhd(tfhd []byte) (tfhdInfo, error) {
	_, flags, err := fullBoxVersionFlags(tfhd)
	if err != nil {
		return tfhdInfo{}, err
	}
	if len(tfhd) < 8 {
		return tfhdInfo{}, fmt.Errorf("boxcodec: truncated tfhd")
	}
	info := tfhdInfo{TrackID: binary.BigEndian.Uint32(tfhd[4:8])}
	off := 8

	if flags&tfhdBaseDataOffsetPresent != 0 {
		off += 8
	}
	if flags&tfhdSampleDescriptionIndexPresent != 0 {
		off += 4
	}
	if flags&tfhdDefaultDurationPresent != 0 {
		if len(tfhd) < off+4 {
			return tfhdInfo{}, fmt.Errorf("boxcodec: truncated tfhd default-duration")
		}
		info.DefaultDuration = binary.BigEndian.Uint32(tfhd[off : off+4])
		info.HasDuration = true
		off += 4
	}
	if flags&tfhdDefaultSizePresent != 0 {
		if len(tfhd) < off+4 {
			return tfhdInfo{}, fmt.Errorf("boxcodec: truncated tfhd default-size")
		}
		info.DefaultSize = binary.BigEndian.Uint32(tfhd[off : off+4])
		info.HasSize = true
		off += 4
	}
	if flags&tfhdDefaultFlagsPresent != 0 {
		if len(tfhd) < off+4 {
			return tfhdInfo{}, fmt.Errorf("boxcodec: truncated tfhd default-flags")
		}
		info.DefaultFlags = binary.BigEndian.Uint32(tfhd[off : off+4])
		info.HasFlags = true
		off += 4
	}
	return info, nil
}

// rewriteTfhdTrackID returns a copy of tfhd with its track_ID field replaced.
// Offset-preserving: the box is the same length, only the 4-byte field changes.
func rewriteTfhdTrackID(tfhd []byte, trackID uint32) []byte {
	out := make([]byte, len(tfhd))
	copy(out, tfhd)
	if len(out) >= 8 {
		binary.BigEndian.PutUint32(out[4:8], trackID)
	}
	return out
}

// rewriteMfhdSequence returns a copy of mfhd with its sequence_number field replaced.
func rewriteMfhdSequence(mfhd []byte, seq uint32) []byte {
	out := make([]byte, len(mfhd))
	copy(out, mfhd)
	if len(out) >= 8 {
		binary.BigEndian.PutUint32(out[4:8], seq)
	}
	return out
}

// parseTrun decodes the per-sample table of one trun box against the
// fragment's tfhd defaults (falling back to the track's trex defaults). The
// first-sample-flags override, when present, applies only to sample index 0.
func parseTrun(trun []byte, tfhd tfhdInfo, trex SampleDefaults, baseDecodeTime uint64) ([]Sample, error) {
	_, flags, err := fullBoxVersionFlags(trun)
	if err != nil {
		return nil, err
	}
	if len(trun) < 8 {
		return nil, fmt.Errorf("boxcodec: truncated trun")
	}
	sampleCount := binary.BigEndian.Uint32(trun[4:8])
	off := 8

	if flags&trunDataOffsetPresent != 0 {
		off += 4
	}

	var firstSampleFlags uint32
	hasFirstSampleFlags := flags&trunFirstSampleFlagsPresent != 0
	if hasFirstSampleFlags {
		if len(trun) < off+4 {
			return nil, fmt.Errorf("boxcodec: truncated trun first-sample-flags")
		}
		firstSampleFlags = binary.BigEndian.Uint32(trun[off : off+4])
		off += 4
	}

	defaultDuration := trex.DefaultDuration
	if tfhd.HasDuration {
		defaultDuration = tfhd.DefaultDuration
	}
	defaultSize := trex.DefaultSize
	if tfhd.HasSize {
		defaultSize = tfhd.DefaultSize
	}
	defaultFlags := trex.DefaultFlags
	if tfhd.HasFlags {
		defaultFlags = tfhd.DefaultFlags
	}

	samples := make([]Sample, 0, sampleCount)
	var dts int64 = int64(baseDecodeTime)
	var mdatOffset uint64

	for i := uint32(0); i < sampleCount; i++ {
		var duration, size, sflags uint32
		var cto int32

		duration = defaultDuration
		if flags&trunSampleDurationPresent != 0 {
			if len(trun) < off+4 {
				return nil, fmt.Errorf("boxcodec: truncated trun sample duration at %d", i)
			}
			duration = binary.BigEndian.Uint32(trun[off : off+4])
			off += 4
		}

		size = defaultSize
		if flags&trunSampleSizePresent != 0 {
			if len(trun) < off+4 {
				return nil, fmt.Errorf("boxcodec: truncated trun sample size at %d", i)
			}
			size = binary.BigEndian.Uint32(trun[off : off+4])
			off += 4
		}

		sflags = defaultFlags
		if flags&trunSampleFlagsPresent != 0 {
			if len(trun) < off+4 {
				return nil, fmt.Errorf("boxcodec: truncated trun sample flags at %d", i)
			}
			sflags = binary.BigEndian.Uint32(trun[off : off+4])
			off += 4
		}
		if i == 0 && hasFirstSampleFlags {
			sflags = firstSampleFlags
		}

		if flags&trunSampleCTOPresent != 0 {
			if len(trun) < off+4 {
				return nil, fmt.Errorf("boxcodec: truncated trun cto at %d", i)
			}
			cto = int32(binary.BigEndian.Uint32(trun[off : off+4]))
			off += 4
		}

		samples = append(samples, Sample{
			DTS:          dts,
			PTS:          dts + int64(cto),
			CTO:          cto,
			Duration:     duration,
			Size:         size,
			IsKeyframe:   sflags&sampleIsNonSyncFlag == 0,
			Flags:        sflags,
			OffsetInMdat: mdatOffset,
		})

		dts += int64(duration)
		mdatOffset += uint64(size)
	}

	return samples, nil
}

// extractSequenceNumber reads mfhd.sequence_number.
func extractSequenceNumber(mfhd []byte) (uint32, error) {
	if len(mfhd) < 8 {
		return 0, fmt.Errorf("boxcodec: truncated mfhd")
	}
	return binary.BigEndian.Uint32(mfhd[4:8]), nil
}

// parseTrex reads one trex entry's track ID and sample defaults.
func parseTrex(trex []byte) (trackID uint32, defaults SampleDefaults, err error) {
	if len(trex) < 24 {
		return 0, SampleDefaults{}, fmt.Errorf("boxcodec: truncated trex")
	}
	trackID = binary.BigEndian.Uint32(trex[4:8])
	defaults = SampleDefaults{
		DefaultDuration: binary.BigEndian.Uint32(trex[12:16]),
		DefaultSize:     binary.BigEndian.Uint32(trex[16:20]),
		DefaultFlags:    binary.BigEndian.Uint32(trex[20:24]),
	}
	return trackID, defaults, nil
}
