package boxcodec

import (
	"fmt"

	"github.com/bilimux/bilimux/internal/bilierrors"
)

// ParseInitSegment scans an init segment's leading bytes for ftyp+moov and
// builds the Track it describes. id is the desired track ID (1 for video,
// 2 for audio); kind selects which flavor of stsd parsing to run.
func ParseInitSegment(data []byte, id uint32, kind TrackType) (*Track, error) {
	if _, err := findBox(data, []string{"ftyp"}); err != nil {
		return nil, bilierrors.Fatal("no ftyp found in init segment: %v", err)
	}
	moov, err := findBox(data, []string{"moov"})
	if err != nil {
		return nil, bilierrors.Fatal("no moov found in init segment: %v", err)
	}

	trak, err := findBox(moov.Payload, []string{"trak"})
	if err != nil {
		return nil, bilierrors.Fatal("no trak in moov: %v", err)
	}
	mdia, err := findBox(trak.Payload, []string{"mdia"})
	if err != nil {
		return nil, bilierrors.Fatal("no mdia in trak: %v", err)
	}
	mdhd, err := findBox(mdia.Payload, []string{"mdhd"})
	if err != nil {
		return nil, bilierrors.Fatal("no mdhd in mdia: %v", err)
	}
	timescale, err := parseMdhdTimescale(mdhd.Payload)
	if err != nil {
		return nil, bilierrors.Fatal("parsing mdhd: %v", err)
	}

	minf, err := findBox(mdia.Payload, []string{"minf"})
	if err != nil {
		return nil, bilierrors.Fatal("no minf in mdia: %v", err)
	}
	stbl, err := findBox(minf.Payload, []string{"stbl"})
	if err != nil {
		return nil, bilierrors.Fatal("no stbl in minf: %v", err)
	}
	stsd, err := findBox(stbl.Payload, []string{"stsd"})
	if err != nil {
		return nil, bilierrors.Fatal("no stsd in stbl: %v", err)
	}
	entry, err := parseStsd(stsd.Payload, kind)
	if err != nil {
		return nil, err
	}

	track := &Track{
		ID:           id,
		Type:         kind,
		Timescale:    timescale,
		Codec:        entry.Codec,
		CodecPrivate: entry.RawData,
		Width:        entry.Width,
		Height:       entry.Height,
	}

	if mvex, err := findBox(moov.Payload, []string{"mvex"}); err == nil {
		if trexes, err := findAllBoxes(mvex.Payload, "trex"); err == nil {
			for _, t := range trexes {
				trackID, defaults, err := parseTrex(t.Payload)
				if err != nil {
					continue
				}
				// A single-track init's trex applies regardless of the id
				// the caller renumbers the track to (audio becomes 2).
				if trackID == id || len(trexes) == 1 {
					track.Defaults = defaults
				}
			}
		}
	}

	if udta, err := findBox(trak.Payload, []string{"udta"}); err == nil {
		track.Meta = parseUserMetadata(udta.Payload)
	} else if udta, err := findBox(moov.Payload, []string{"udta"}); err == nil {
		// Some encoders hang udta off moov rather than the trak.
		track.Meta = parseUserMetadata(udta.Payload)
	}

	return track, nil
}

// Fragment is one parsed (moof, mdat) pair located within a source file.
type Fragment struct {
	SequenceNumber int
	Samples        []Sample
	MdatOffset     int64 // absolute offset of the mdat payload within the source file
	MdatLength     int64
}

// ExtractFragment parses one moof box together with the mdat box that
// immediately follows it, producing the per-sample table. This engine's
// fragments carry exactly one traf, so it is selected by position.
func ExtractFragment(moofBuf []byte, mdatHeaderBuf []byte, fileOffsetOfMdat int64, trex SampleDefaults) (Fragment, error) {
	mfhd, err := findBox(moofBuf, []string{"moof", "mfhd"})
	if err != nil {
		return Fragment{}, bilierrors.Fatal("no mfhd in moof: %v", err)
	}
	seq, err := extractSequenceNumber(mfhd.Payload)
	if err != nil {
		return Fragment{}, bilierrors.Fatal("parsing mfhd: %v", err)
	}

	traf, err := findBox(moofBuf, []string{"moof", "traf"})
	if err != nil {
		return Fragment{}, bilierrors.Fatal("no traf in moof: %v", err)
	}
	tfhdBox, err := findBox(traf.Payload, []string{"tfhd"})
	if err != nil {
		return Fragment{}, bilierrors.Fatal("no tfhd in traf: %v", err)
	}
	tfhd, err := parseTfhd(tfhdBox.Payload)
	if err != nil {
		return Fragment{}, bilierrors.Fatal("parsing tfhd: %v", err)
	}

	var baseDecodeTime uint64
	if tfdtBox, err := findBox(traf.Payload, []string{"tfdt"}); err == nil {
		baseDecodeTime, err = parseTfdtTime(tfdtBox.Payload)
		if err != nil {
			return Fragment{}, bilierrors.Fatal("parsing tfdt: %v", err)
		}
	}

	trunBox, err := findBox(traf.Payload, []string{"trun"})
	if err != nil {
		return Fragment{}, bilierrors.Fatal("no trun in traf: %v", err)
	}
	samples, err := parseTrun(trunBox.Payload, tfhd, trex, baseDecodeTime)
	if err != nil {
		return Fragment{}, bilierrors.Fatal("parsing trun: %v", err)
	}

	mdatHeader, err := peekHeader(mdatHeaderBuf)
	if err != nil {
		return Fragment{}, bilierrors.Fatal("parsing mdat header: %v", err)
	}
	if mdatHeader.Type != "mdat" {
		return Fragment{}, bilierrors.Fatal("expected mdat after moof, found %q", mdatHeader.Type)
	}

	return Fragment{
		SequenceNumber: int(seq),
		Samples:        samples,
		MdatOffset:     fileOffsetOfMdat + int64(mdatHeader.HeaderSize),
		MdatLength:     int64(mdatHeader.Size) - int64(mdatHeader.HeaderSize),
	}, nil
}

// RewriteAudioTrackID returns a copy of an audio fragment's moof with its
// tfhd.track_id patched to 2, per §4.3's fragment normalisation rule. The
// source bytes on disk are left untouched — this copy exists only so the
// parsed metadata reflects the post-mux track numbering.
func RewriteAudioTrackID(moofBuf []byte) ([]byte, error) {
	traf, err := findBox(moofBuf, []string{"moof", "traf"})
	if err != nil {
		return nil, fmt.Errorf("boxcodec: no traf in moof: %w", err)
	}
	tfhdBox, err := findBox(traf.Payload, []string{"tfhd"})
	if err != nil {
		return nil, fmt.Errorf("boxcodec: no tfhd in traf: %w", err)
	}

	// tfhdBox.Offset is relative to traf.Payload (a fresh findBox call), not
	// to moofBuf, so it has to be re-based through traf's own absolute offset.
	tfhdAbsStart := traf.Offset + traf.Header.HeaderSize + tfhdBox.Offset + tfhdBox.Header.HeaderSize

	out := make([]byte, len(moofBuf))
	copy(out, moofBuf)
	rewritten := rewriteTfhdTrackID(tfhdBox.Payload, 2)
	copy(out[tfhdAbsStart:], rewritten)
	return out, nil
}
