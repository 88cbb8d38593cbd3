package shared

import (
	"context"
	"log/slog"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/boxcodec"
	"github.com/bilimux/bilimux/internal/fetch"
	"github.com/bilimux/bilimux/internal/pipeline/core"
)

// Init-segment probe tuning: the first range request doubles as the init
// fetch. The probe starts at 128 KiB and is extended in 128 KiB steps until
// moov is found or the 2 MiB ceiling is hit.
const (
	initProbeStep = 128 * 1024
	initProbeMax  = 2 * 1024 * 1024
)

// Downloader runs the shared download flow for one elementary stream:
// probe a mirror, pull and parse the init segment, then fetch the full
// resource into per-part files.
type Downloader struct {
	Fetcher *fetch.Fetcher
	Logger  *slog.Logger
}

// DownloadStream fetches the stream behind mirrors into iostore files named
// after target, returning the init segment and the on-disk part layout.
func (d *Downloader) DownloadStream(ctx context.Context, mirrors []string, target string, progress fetch.ProgressFunc) (core.StreamFiles, error) {
	ranked := fetch.RankMirrors(mirrors)
	if len(ranked) == 0 {
		return core.StreamFiles{}, bilierrors.New(bilierrors.KindNetwork, "no mirror urls for "+target)
	}

	mirror, total, err := d.Fetcher.Probe(ctx, ranked, nil)
	if err != nil {
		return core.StreamFiles{}, err
	}

	init, err := d.preloadInit(ctx, mirror, total)
	if err != nil {
		return core.StreamFiles{}, err
	}

	res, err := d.Fetcher.Fetch(ctx, mirrors, target, progress)
	if err != nil {
		return core.StreamFiles{}, err
	}

	return core.StreamFiles{
		Init:   init,
		Parts:  res.Parts,
		Total:  res.Total,
		Mirror: res.Mirror,
	}, nil
}

// preloadInit pulls the file prefix and scans it for ftyp+moov, growing the
// probe window until the init segment is complete.
func (d *Downloader) preloadInit(ctx context.Context, mirror *fetch.Mirror, total int64) ([]byte, error) {
	probeSize := int64(initProbeStep)
	for {
		if probeSize > total {
			probeSize = total
		}
		data, err := d.Fetcher.FetchRange(ctx, mirror, 0, probeSize)
		if err != nil {
			return nil, err
		}

		if init, ok := scanInit(data); ok {
			return init, nil
		}

		if probeSize >= initProbeMax || probeSize >= total {
			return nil, bilierrors.Fatal("no moov within the first %d bytes", probeSize)
		}
		probeSize += initProbeStep
		d.Logger.Debug("extending init probe",
			slog.String("host", mirror.Host),
			slog.Int64("probe_size", probeSize),
		)
	}
}

// scanInit looks for a complete ftyp+moov prefix in data, returning the
// verbatim init bytes when both boxes fit.
func scanInit(data []byte) ([]byte, bool) {
	if _, err := boxcodec.FindBox(data, "ftyp"); err != nil {
		return nil, false
	}
	moov, err := boxcodec.FindBox(data, "moov")
	if err != nil {
		return nil, false
	}
	end := moov.Offset + int(moov.Header.Size)
	if end > len(data) {
		return nil, false
	}
	return data[:end], true
}
