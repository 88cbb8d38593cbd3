// Package codec extracts codec parameters from sample-entry extradata.
// H.264/H.265 dimensions come from the SPS inside avcC/hvcC, decoded with
// mediacommon rather than hand-parsed exp-Golomb; AAC parameters come from
// the AudioSpecificConfig. Used to cross-check what the stsd header claims.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// VideoParams are the decoded stream properties of a video sample entry.
type VideoParams struct {
	Width  int
	Height int
}

// AudioParams are the decoded stream properties of an audio sample entry.
type AudioParams struct {
	SampleRate   int
	ChannelCount int
}

// ParseAVCC decodes the first SPS of an AVCDecoderConfigurationRecord.
func ParseAVCC(avcc []byte) (VideoParams, error) {
	if len(avcc) < 7 {
		return VideoParams{}, fmt.Errorf("codec: truncated avcC")
	}
	numSPS := int(avcc[5] & 0x1F)
	if numSPS == 0 {
		return VideoParams{}, fmt.Errorf("codec: avcC carries no SPS")
	}
	spsLen := int(binary.BigEndian.Uint16(avcc[6:8]))
	if len(avcc) < 8+spsLen {
		return VideoParams{}, fmt.Errorf("codec: truncated SPS in avcC")
	}

	var sps h264.SPS
	if err := sps.Unmarshal(avcc[8 : 8+spsLen]); err != nil {
		return VideoParams{}, fmt.Errorf("codec: parsing H.264 SPS: %w", err)
	}
	return VideoParams{Width: sps.Width(), Height: sps.Height()}, nil
}

// ParseHVCC decodes the first SPS of an HEVCDecoderConfigurationRecord.
func ParseHVCC(hvcc []byte) (VideoParams, error) {
	if len(hvcc) < 23 {
		return VideoParams{}, fmt.Errorf("codec: truncated hvcC")
	}
	numArrays := int(hvcc[22])
	offset := 23
	for i := 0; i < numArrays; i++ {
		if len(hvcc) < offset+3 {
			return VideoParams{}, fmt.Errorf("codec: truncated hvcC array header")
		}
		nalType := hvcc[offset] & 0x3F
		numNALs := int(binary.BigEndian.Uint16(hvcc[offset+1 : offset+3]))
		offset += 3
		for j := 0; j < numNALs; j++ {
			if len(hvcc) < offset+2 {
				return VideoParams{}, fmt.Errorf("codec: truncated hvcC nal header")
			}
			nalLen := int(binary.BigEndian.Uint16(hvcc[offset : offset+2]))
			offset += 2
			if len(hvcc) < offset+nalLen {
				return VideoParams{}, fmt.Errorf("codec: truncated hvcC nal")
			}
			if nalType == uint8(h265.NALUType_SPS_NUT) {
				var sps h265.SPS
				if err := sps.Unmarshal(hvcc[offset : offset+nalLen]); err != nil {
					return VideoParams{}, fmt.Errorf("codec: parsing H.265 SPS: %w", err)
				}
				return VideoParams{Width: sps.Width(), Height: sps.Height()}, nil
			}
			offset += nalLen
		}
	}
	return VideoParams{}, fmt.Errorf("codec: hvcC carries no SPS")
}

// ParseAudioSpecificConfig decodes an MPEG-4 AudioSpecificConfig blob.
func ParseAudioSpecificConfig(asc []byte) (AudioParams, error) {
	var conf mpeg4audio.Config
	if err := conf.Unmarshal(asc); err != nil {
		return AudioParams{}, fmt.Errorf("codec: parsing AudioSpecificConfig: %w", err)
	}
	return AudioParams{SampleRate: conf.SampleRate, ChannelCount: conf.ChannelCount}, nil
}

// CrossCheckVideo decodes the codec-specific configuration box inside a
// video sample entry and returns the stream's real dimensions, for
// validation against what the entry header claims. Codecs without a
// decodable SPS (AV1, VP9) report ok=false and are trusted as-is.
func CrossCheckVideo(codecFourCC string, entryPayload []byte) (VideoParams, bool) {
	switch codecFourCC {
	case "avc1":
		if cfg := findConfigBox(entryPayload, "avcC"); cfg != nil {
			if params, err := ParseAVCC(cfg); err == nil {
				return params, true
			}
		}
	case "hvc1", "hev1":
		if cfg := findConfigBox(entryPayload, "hvcC"); cfg != nil {
			if params, err := ParseHVCC(cfg); err == nil {
				return params, true
			}
		}
	}
	return VideoParams{}, false
}

// findConfigBox scans a VisualSampleEntry payload for the named child box
// and returns its payload. The fixed 78-byte entry prefix is skipped.
func findConfigBox(entryPayload []byte, boxType string) []byte {
	const visualEntryHeader = 78
	offset := visualEntryHeader
	for offset+8 <= len(entryPayload) {
		size := int(binary.BigEndian.Uint32(entryPayload[offset : offset+4]))
		if size < 8 || offset+size > len(entryPayload) {
			return nil
		}
		if string(entryPayload[offset+4:offset+8]) == boxType {
			return entryPayload[offset+8 : offset+size]
		}
		offset += size
	}
	return nil
}
