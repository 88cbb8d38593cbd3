// Package boxcodec implements ISO/IEC 14496-12 (ISO-BMFF) box parsing and
// building (C3): recursive-descent box lookup over fragmented-MP4 byte
// slices, per-sample table extraction from moof/mdat pairs, and construction
// of a flat moov covering the samples recovered from every fragment.
package boxcodec

import (
	"encoding/binary"
	"fmt"
)

// maxNestingDepth bounds findBox recursion so a malformed or hostile file
// cannot exhaust the stack.
const maxNestingDepth = 32

// Header is a parsed box header: the 8 (or 16, for a 64-bit size) leading
// bytes of any ISO-BMFF box.
type Header struct {
	Size       uint64 // total box size including the header
	Type       string // 4-character box type
	HeaderSize int    // 8 normally, 16 when a 64-bit large-size extension is present
}

// peekHeader reads a box header at the start of buf without consuming it.
func peekHeader(buf []byte) (Header, error) {
	if len(buf) < 8 {
		return Header{}, fmt.Errorf("boxcodec: truncated box header")
	}
	size := uint64(binary.BigEndian.Uint32(buf[0:4]))
	typ := string(buf[4:8])
	headerSize := 8

	switch size {
	case 1:
		if len(buf) < 16 {
			return Header{}, fmt.Errorf("boxcodec: truncated 64-bit box size for %q", typ)
		}
		size = binary.BigEndian.Uint64(buf[8:16])
		headerSize = 16
	case 0:
		// box-to-EOF: the box runs to the end of whatever buffer it was
		// found in. Callers only ever pass us a buffer scoped to the box's
		// own container, so len(buf) is the right EOF.
		size = uint64(len(buf))
	}

	if size < uint64(headerSize) {
		return Header{}, fmt.Errorf("boxcodec: box %q size %d smaller than header %d", typ, size, headerSize)
	}
	return Header{Size: size, Type: typ, HeaderSize: headerSize}, nil
}

// Box is a located box: its header plus the payload slice (header excluded),
// both as views into the caller's buffer — no copy is made.
type Box struct {
	Header  Header
	Offset  int // offset of the header's first byte within the original buffer
	Payload []byte
}

// findBox performs a recursive-descent lookup of path (e.g. []string{"moov","trak","mdia"})
// within buf, returning the deepest matching box. Each path element matches
// the first box of that type at its level.
func findBox(buf []byte, path []string) (Box, error) {
	return findBoxDepth(buf, 0, path, 0)
}

func findBoxDepth(buf []byte, baseOffset int, path []string, depth int) (Box, error) {
	if depth > maxNestingDepth {
		return Box{}, fmt.Errorf("boxcodec: box nesting exceeds %d levels", maxNestingDepth)
	}
	if len(path) == 0 {
		return Box{}, fmt.Errorf("boxcodec: empty box path")
	}

	want := path[0]
	offset := 0
	for offset < len(buf) {
		hdr, err := peekHeader(buf[offset:])
		if err != nil {
			return Box{}, err
		}
		end := offset + int(hdr.Size)
		if end > len(buf) {
			return Box{}, fmt.Errorf("boxcodec: box %q size %d exceeds remaining buffer", hdr.Type, hdr.Size)
		}
		payload := buf[offset+hdr.HeaderSize : end]

		if hdr.Type == want {
			box := Box{Header: hdr, Offset: baseOffset + offset, Payload: payload}
			if len(path) == 1 {
				return box, nil
			}
			return findBoxDepth(payload, baseOffset+offset+hdr.HeaderSize, path[1:], depth+1)
		}

		offset = end
	}

	return Box{}, fmt.Errorf("boxcodec: box %q not found", want)
}

// findAllBoxes returns every top-level box of the given type within buf, in
// the order they appear. Used for walking repeated siblings such as multiple
// (moof, mdat) fragment pairs.
func findAllBoxes(buf []byte, boxType string) ([]Box, error) {
	var out []Box
	offset := 0
	for offset < len(buf) {
		hdr, err := peekHeader(buf[offset:])
		if err != nil {
			return nil, err
		}
		end := offset + int(hdr.Size)
		if end > len(buf) {
			return nil, fmt.Errorf("boxcodec: box %q size %d exceeds remaining buffer", hdr.Type, hdr.Size)
		}
		if hdr.Type == boxType {
			out = append(out, Box{
				Header:  hdr,
				Offset:  offset,
				Payload: buf[offset+hdr.HeaderSize : end],
			})
		}
		offset = end
	}
	return out, nil
}

// FindBox exposes findBox for callers outside the package (e.g. pipeline scanning).
func FindBox(buf []byte, path ...string) (Box, error) {
	return findBox(buf, path)
}

// PeekHeader exposes peekHeader for callers walking a file box-by-box.
func PeekHeader(buf []byte) (Header, error) {
	return peekHeader(buf)
}

// FindAllBoxes exposes findAllBoxes for callers outside the package.
func FindAllBoxes(buf []byte, boxType string) ([]Box, error) {
	return findAllBoxes(buf, boxType)
}
