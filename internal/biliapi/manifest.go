package biliapi

import "sort"

// SortVideo orders video representations by descending quality id, breaking
// ties by descending codecid, so index 0 is always the preferred pick.
func SortVideo(streams []VideoStream) {
	sort.SliceStable(streams, func(i, j int) bool {
		if streams[i].ID != streams[j].ID {
			return streams[i].ID > streams[j].ID
		}
		return streams[i].CodecID > streams[j].CodecID
	})
}

// SortAudio orders audio representations by descending bandwidth.
func SortAudio(streams []AudioStream) {
	sort.SliceStable(streams, func(i, j int) bool {
		return streams[i].Bandwidth > streams[j].Bandwidth
	})
}

// AudioCandidates returns the manifest's audio list in selection order. A
// FLAC stream, when the manifest carries one, takes precedence over the
// whole regular list.
func (d *Dash) AudioCandidates() []AudioStream {
	regular := make([]AudioStream, len(d.Audio))
	copy(regular, d.Audio)
	SortAudio(regular)

	if d.Flac != nil && d.Flac.Audio != nil {
		return append([]AudioStream{*d.Flac.Audio}, regular...)
	}
	return regular
}

// VideoCandidates returns the manifest's video list in selection order.
func (d *Dash) VideoCandidates() []VideoStream {
	out := make([]VideoStream, len(d.Video))
	copy(out, d.Video)
	SortVideo(out)
	return out
}

// Mirrors flattens a representation's baseUrl and backup_url entries into the
// ordered mirror list the fetcher consumes.
func (v *VideoStream) Mirrors() []string {
	return mirrorList(v.BaseURL, v.BackupURL)
}

// Mirrors flattens an audio representation's URL set the same way.
func (a *AudioStream) Mirrors() []string {
	return mirrorList(a.BaseURL, a.BackupURL)
}

func mirrorList(base string, backups []string) []string {
	out := make([]string, 0, 1+len(backups))
	if base != "" {
		out = append(out, base)
	}
	for _, b := range backups {
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}
