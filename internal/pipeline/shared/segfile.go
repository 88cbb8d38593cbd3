package shared

import (
	"context"
	"fmt"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/boxcodec"
	"github.com/bilimux/bilimux/internal/fetch"
	"github.com/bilimux/bilimux/internal/iostore"
)

// SegmentedFile presents the per-part files of one fetched stream as a
// single contiguous byte range, addressed by absolute resource offset.
// All reads go through the iostore worker.
type SegmentedFile struct {
	store *iostore.Handle
	parts []fetch.Part
	total int64
}

// NewSegmentedFile wraps a completed fetch's part layout.
func NewSegmentedFile(store *iostore.Handle, parts []fetch.Part) *SegmentedFile {
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	return &SegmentedFile{store: store, parts: parts, total: total}
}

// Size returns the total resource size in bytes.
func (s *SegmentedFile) Size() int64 { return s.total }

// ReadAt reads up to size bytes starting at the absolute offset, crossing
// part boundaries as needed. Short reads only happen at EOF.
func (s *SegmentedFile) ReadAt(ctx context.Context, offset, size int64) ([]byte, error) {
	if offset >= s.total {
		return nil, nil
	}
	if offset+size > s.total {
		size = s.total - offset
	}

	out := make([]byte, 0, size)
	remaining := size
	pos := offset
	for remaining > 0 {
		part := s.partAt(pos)
		if part == nil {
			return nil, fmt.Errorf("offset %d outside part layout", pos)
		}
		inPart := pos - part.Offset
		want := part.Size - inPart
		if want > remaining {
			want = remaining
		}
		// Parts are closed once downloaded; opening is a no-op if already open.
		if err := s.store.Open(ctx, part.Name); err != nil {
			return nil, err
		}
		data, err := s.store.Read(ctx, part.Name, inPart, want)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) < want {
			return nil, fmt.Errorf("short read from %s: got %d of %d bytes", part.Name, len(data), want)
		}
		out = append(out, data...)
		pos += want
		remaining -= want
	}
	return out, nil
}

func (s *SegmentedFile) partAt(offset int64) *fetch.Part {
	for i := range s.parts {
		p := &s.parts[i]
		if offset >= p.Offset && offset < p.Offset+p.Size {
			return p
		}
	}
	return nil
}

// ScanFragments walks the stream box-by-box and extracts the sample table
// of every (moof, mdat) pair. For the audio stream the moof copy is first
// normalised to track id 2; the bytes on disk stay untouched.
func ScanFragments(ctx context.Context, sf *SegmentedFile, trex boxcodec.SampleDefaults, rewriteTrackID bool) ([]boxcodec.Fragment, error) {
	var fragments []boxcodec.Fragment

	var offset int64
	for offset < sf.Size() {
		headerBuf, err := sf.ReadAt(ctx, offset, 16)
		if err != nil {
			return nil, err
		}
		if len(headerBuf) < 8 {
			break
		}
		hdr, err := boxcodec.PeekHeader(headerBuf)
		if err != nil {
			return nil, bilierrors.Fatal("walking stream at offset %d: %v", offset, err)
		}
		if hdr.Size == 0 || offset+int64(hdr.Size) > sf.Size() {
			return nil, bilierrors.Fatal("box %q at offset %d overruns the file", hdr.Type, offset)
		}

		if hdr.Type != "moof" {
			offset += int64(hdr.Size)
			continue
		}

		moofBuf, err := sf.ReadAt(ctx, offset, int64(hdr.Size))
		if err != nil {
			return nil, err
		}
		if rewriteTrackID {
			moofBuf, err = boxcodec.RewriteAudioTrackID(moofBuf)
			if err != nil {
				return nil, bilierrors.Fatal("normalising audio moof: %v", err)
			}
		}

		mdatOffset := offset + int64(hdr.Size)
		mdatHeaderBuf, err := sf.ReadAt(ctx, mdatOffset, 16)
		if err != nil {
			return nil, err
		}

		frag, err := boxcodec.ExtractFragment(moofBuf, mdatHeaderBuf, mdatOffset, trex)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, frag)

		offset = frag.MdatOffset + frag.MdatLength
	}

	return fragments, nil
}
