package boxcodec

// toolTags and descriptionTags are the 4-cc tags recognised under
// udta/meta/ilst that carry the tool/description strings this engine
// round-trips, per §4.3.
var toolTags = []string{"\xa9too", "tool"}
var descriptionTags = []string{"sdes", "desc", "\xa9des", "\xa9swr", "\xa9enc", "\xa9cmt", "sdesc"}

// parseUserMetadata pulls tool/description strings out of udta/meta/ilst.
// Each tag's value lives in a child `data` box whose payload begins with an
// 8-byte FullBox-like header (type_indicator, locale) followed by the UTF-8
// string, and is only honoured when that header's type field is 1 (UTF-8 text).
func parseUserMetadata(udta []byte) *Metadata {
	meta, err := findBox(udta, []string{"meta"})
	ilstBuf := udta
	if err == nil {
		// meta is a FullBox, so its children start after 4 bytes of
		// version/flags; tolerate writers that omit them.
		if ilst, err2 := findBox(skipFullBoxHeader(meta.Payload), []string{"ilst"}); err2 == nil {
			ilstBuf = ilst.Payload
		} else if ilst, err2 := findBox(meta.Payload, []string{"ilst"}); err2 == nil {
			ilstBuf = ilst.Payload
		} else {
			ilstBuf = meta.Payload
		}
	}

	var tool, toolTag, desc, descTag string
	for _, tag := range toolTags {
		if v, ok := readIlstString(ilstBuf, tag); ok {
			tool, toolTag = v, tag
			break
		}
	}
	for _, tag := range descriptionTags {
		if v, ok := readIlstString(ilstBuf, tag); ok {
			desc, descTag = v, tag
			break
		}
	}

	if tool == "" && desc == "" {
		return nil
	}
	return &Metadata{Tool: tool, Description: desc, ToolTag: toolTag, DescTag: descTag}
}

func skipFullBoxHeader(payload []byte) []byte {
	if len(payload) < 4 {
		return payload
	}
	return payload[4:]
}

// readIlstString reads the UTF-8 payload of <tag>/data within an ilst box.
func readIlstString(ilst []byte, tag string) (string, bool) {
	box, err := findBox(ilst, []string{tag})
	if err != nil {
		return "", false
	}
	data, err := findBox(box.Payload, []string{"data"})
	if err != nil {
		return "", false
	}
	if len(data.Payload) < 8 {
		return "", false
	}
	typeIndicator := data.Payload[3]
	if typeIndicator != 1 {
		return "", false
	}
	return string(data.Payload[8:]), true
}
