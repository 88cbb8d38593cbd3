package boxcodec

import (
	"encoding/binary"

	"github.com/bilimux/bilimux/internal/bilierrors"
)

// StsdEntry is one parsed sample entry: its 4-cc codec, video dimensions (if
// any), and the entry's full raw bytes retained for output as codecPrivate.
type StsdEntry struct {
	Codec   string
	Width   uint16
	Height  uint16
	RawData []byte
}

// parseStsd reads the sample description box. Only the first entry is
// decoded; per the resolved Open Question in the design notes, an
// entry_count greater than 1 is rejected with Fatal rather than silently
// picking entry 0.
func parseStsd(stsd []byte, track TrackType) (StsdEntry, error) {
	if len(stsd) < 8 {
		return StsdEntry{}, bilierrors.Fatal("boxcodec: truncated stsd")
	}
	entryCount := binary.BigEndian.Uint32(stsd[4:8])
	if entryCount > 1 {
		return StsdEntry{}, bilierrors.Fatal("boxcodec: multi-entry stsd (entry_count=%d) is not supported", entryCount)
	}
	if entryCount == 0 {
		return StsdEntry{}, bilierrors.Fatal("boxcodec: stsd has no sample entries")
	}

	entryBuf := stsd[8:]
	hdr, err := peekHeader(entryBuf)
	if err != nil {
		return StsdEntry{}, bilierrors.Fatal("boxcodec: parsing stsd entry header: %v", err)
	}
	if int(hdr.Size) > len(entryBuf) {
		return StsdEntry{}, bilierrors.Fatal("boxcodec: stsd entry size exceeds buffer")
	}
	raw := entryBuf[:hdr.Size]
	codec := hdr.Type
	if codec == "hev1" {
		// rewritten in-place per §4.3: hev1 -> hvc1 before any further use.
		rewritten := make([]byte, len(raw))
		copy(rewritten, raw)
		copy(rewritten[4:8], []byte("hvc1"))
		raw = rewritten
		codec = "hvc1"
	}

	entry := StsdEntry{Codec: codec, RawData: raw}
	if track == TrackVideo {
		// VisualSampleEntry: 6 reserved + 2 data_reference_index, then 16
		// bytes of pre_defined/reserved before width/height.
		payload := raw[8:]
		if len(payload) >= 28 {
			entry.Width = binary.BigEndian.Uint16(payload[24:26])
			entry.Height = binary.BigEndian.Uint16(payload[26:28])
		}
	}
	return entry, nil
}
