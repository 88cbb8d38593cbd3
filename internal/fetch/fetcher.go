// Package fetch implements the chunked range fetcher (C4): parallel part
// downloads of one remote resource across competing mirror URLs, with
// per-part retry, mirror failover, and progress reporting. Bytes are
// persisted through the iostore worker into one append-only file per part;
// the pipeline reads the parts back in order during mux/export.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/httpclient"
	"github.com/bilimux/bilimux/internal/iostore"
)

// Default tuning values.
const (
	DefaultThreadCount       = 4
	MaxThreadCount           = 16
	DefaultMinPartSize       = 256 * 1024
	DefaultChunkSize         = 64 * 1024
	DefaultMaxRetriesPerPart = 3
	DefaultProbeTimeout      = 15 * time.Second
)

// Options tunes one Fetcher instance.
type Options struct {
	// ThreadCount is the number of parallel part downloads (1..16).
	ThreadCount int

	// MinPartSize is the smallest byte range worth a dedicated part; the
	// effective thread count shrinks until every part is at least this big.
	MinPartSize int64

	// ChunkSize bounds how many bytes are buffered before each iostore write.
	ChunkSize int

	// MaxRetriesPerPart is how many times a failing range GET is retried on
	// the same mirror before the part fails over to the next one.
	MaxRetriesPerPart int

	// ProbeTimeout bounds the initial range-support probe per mirror.
	ProbeTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.ThreadCount <= 0 {
		o.ThreadCount = DefaultThreadCount
	}
	if o.ThreadCount > MaxThreadCount {
		o.ThreadCount = MaxThreadCount
	}
	if o.MinPartSize <= 0 {
		o.MinPartSize = DefaultMinPartSize
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxRetriesPerPart <= 0 {
		o.MaxRetriesPerPart = DefaultMaxRetriesPerPart
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
}

// ProgressFunc receives the running byte total after every persisted chunk.
// Totals are monotonically non-decreasing across the whole fetch.
type ProgressFunc func(written, total int64)

// Part describes one downloaded slice of the resource and the iostore file
// holding it.
type Part struct {
	Name   string
	Offset int64
	Size   int64
}

// Result reports a completed fetch.
type Result struct {
	Mirror string
	Total  int64
	Parts  []Part
}

// Fetcher downloads remote resources in parallel ranged parts.
type Fetcher struct {
	client   *httpclient.Client
	store    *iostore.Handle
	strategy MirrorStrategy
	logger   *slog.Logger
	opts     Options
}

// New creates a Fetcher writing through the given iostore handle.
func New(client *httpclient.Client, store *iostore.Handle, logger *slog.Logger, opts Options) *Fetcher {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:   client,
		store:    store,
		strategy: RankedStrategy{},
		logger:   logger,
		opts:     opts,
	}
}

// SetStrategy replaces the mirror selection strategy.
func (f *Fetcher) SetStrategy(s MirrorStrategy) {
	f.strategy = s
}

// PartName returns the iostore filename of one part of target.
func PartName(target string, index int) string {
	return fmt.Sprintf("%s.part%02d", target, index)
}

// Probe finds a working, range-capable mirror and the resource's total size.
// Hosts recorded in exclude are never probed; hosts that fail the probe are
// added to it. Blacklisted mirrors are only probed once every clean mirror
// is exhausted.
func (f *Fetcher) Probe(ctx context.Context, mirrors []Mirror, exclude map[string]bool) (*Mirror, int64, error) {
	if exclude == nil {
		exclude = make(map[string]bool)
	}
	for _, allowBlacklisted := range []bool{false, true} {
		for {
			m := f.strategy.Select(mirrors, SelectionCriteria{Exclude: exclude, AllowBlacklisted: allowBlacklisted})
			if m == nil {
				break
			}
			total, err := f.probeOne(ctx, m)
			if err != nil {
				if ctx.Err() != nil {
					return nil, 0, bilierrors.Wrap(bilierrors.KindCancelled, "probe cancelled", ctx.Err())
				}
				f.logger.Warn("mirror probe failed",
					slog.String("host", m.Host),
					slog.String("error", err.Error()),
				)
				exclude[m.Host] = true
				continue
			}
			return m, total, nil
		}
	}
	return nil, 0, bilierrors.New(bilierrors.KindNetwork, "no usable mirror")
}

// probeOne issues a Range: bytes=0-0 request and parses the total size out
// of the Content-Range header.
func (f *Fetcher) probeOne(ctx context.Context, m *Mirror) (int64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, f.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, m.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("Referer", "https://www.bilibili.com/")

	resp, err := f.client.DoWithContext(probeCtx, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("mirror does not support ranges: status %d", resp.StatusCode)
	}
	total, err := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if err != nil {
		return 0, err
	}
	return total, nil
}

// parseContentRangeTotal extracts N from "bytes 0-0/N".
func parseContentRangeTotal(header string) (int64, error) {
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 {
		return 0, fmt.Errorf("missing Content-Range header")
	}
	totalStr := header[idx+1:]
	if totalStr == "*" {
		return 0, fmt.Errorf("mirror did not report a total size")
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing Content-Range total: %w", err)
	}
	return total, nil
}

// FetchRange downloads one byte range from a specific mirror into memory.
// Used by the pipeline's init-segment preload, where the prefix has to be
// parsed before any file placement decisions are made.
func (f *Fetcher) FetchRange(ctx context.Context, m *Mirror, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	req.Header.Set("Referer", "https://www.bilibili.com/")

	resp, err := f.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, bilierrors.Wrap(bilierrors.KindNetwork, "range fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, bilierrors.New(bilierrors.KindNetwork, fmt.Sprintf("range fetch status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, bilierrors.Wrap(bilierrors.KindNetwork, "reading range body", err)
	}
	return data, nil
}

// Fetch downloads the resource behind the given mirror URLs into per-part
// files named PartName(target, i). It returns the completed part layout so
// the caller can read the bytes back in order.
func (f *Fetcher) Fetch(ctx context.Context, urls []string, target string, progress ProgressFunc) (Result, error) {
	mirrors := RankMirrors(urls)
	if len(mirrors) == 0 {
		return Result{}, bilierrors.New(bilierrors.KindNetwork, "no mirror urls")
	}

	excluded := make(map[string]bool)
	primary, total, err := f.Probe(ctx, mirrors, excluded)
	if err != nil {
		return Result{}, err
	}

	parts := partition(target, total, f.opts.ThreadCount, f.opts.MinPartSize)

	f.logger.Info("starting chunked fetch",
		slog.String("target", target),
		slog.String("mirror", primary.Host),
		slog.Int64("total_bytes", total),
		slog.Int("parts", len(parts)),
	)

	var written atomic.Int64
	report := func(n int64) {
		if progress != nil {
			progress(written.Add(n), total)
		} else {
			written.Add(n)
		}
	}

	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := range parts {
		wg.Add(1)
		go func(p Part) {
			defer wg.Done()
			if err := f.downloadPart(dlCtx, p, mirrors, primary, excluded, &mu, report); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
			}
		}(parts[i])
	}
	wg.Wait()

	if ctx.Err() != nil {
		f.cleanupParts(target, len(parts))
		return Result{}, bilierrors.Wrap(bilierrors.KindCancelled, "fetch cancelled", ctx.Err())
	}
	if firstErr != nil {
		return Result{}, firstErr
	}

	return Result{Mirror: primary.URL, Total: total, Parts: parts}, nil
}

// partition splits [0, total) into ranged parts, shrinking the thread count
// until every part is at least minPartSize. The last part absorbs the
// remainder.
func partition(target string, total int64, threads int, minPartSize int64) []Part {
	for threads > 1 && total/int64(threads) < minPartSize {
		threads--
	}
	partSize := total / int64(threads)

	parts := make([]Part, 0, threads)
	for i := 0; i < threads; i++ {
		offset := int64(i) * partSize
		size := partSize
		if i == threads-1 {
			size = total - offset
		}
		parts = append(parts, Part{Name: PartName(target, i), Offset: offset, Size: size})
	}
	return parts
}

// downloadPart pulls one part's byte range, resuming from whatever is
// already persisted and failing over mirrors when retries are exhausted.
func (f *Fetcher) downloadPart(ctx context.Context, part Part, mirrors []Mirror, primary *Mirror, excluded map[string]bool, mu *sync.Mutex, report func(int64)) error {
	if err := f.store.Open(ctx, part.Name); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.store.Close(closeCtx, part.Name)
	}()

	var persisted int64
	if ok, size, err := f.store.Check(ctx, part.Name); err == nil && ok {
		persisted = size
	}

	mirror := primary
	retries := 0
	for persisted < part.Size {
		n, err := f.streamRange(ctx, mirror, part, persisted, report)
		persisted += n
		if persisted >= part.Size {
			break
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if ctx.Err() != nil {
			return bilierrors.Wrap(bilierrors.KindCancelled, "part download cancelled", ctx.Err())
		}
		// Storage errors are never retried here: C2 does not retry and
		// neither do we on its behalf.
		var perr *bilierrors.PipelineError
		if errors.As(err, &perr) && (perr.Kind == bilierrors.KindQuota || perr.Kind == bilierrors.KindFileBusy) {
			return err
		}

		retries++
		if retries <= f.opts.MaxRetriesPerPart {
			f.logger.Debug("retrying part on same mirror",
				slog.String("part", part.Name),
				slog.String("host", mirror.Host),
				slog.Int("attempt", retries),
				slog.Int64("persisted", persisted),
			)
			continue
		}

		// Retries exhausted: fail over to the next mirror, keeping what is
		// already on disk.
		mu.Lock()
		excluded[mirror.Host] = true
		next := f.strategy.Select(mirrors, SelectionCriteria{Exclude: excluded})
		if next == nil {
			next = f.strategy.Select(mirrors, SelectionCriteria{Exclude: excluded, AllowBlacklisted: true})
		}
		mu.Unlock()
		if next == nil {
			return bilierrors.Wrap(bilierrors.KindNetwork, "all mirrors exhausted for "+part.Name, err)
		}
		f.logger.Warn("part failing over to next mirror",
			slog.String("part", part.Name),
			slog.String("from", mirror.Host),
			slog.String("to", next.Host),
			slog.Int64("persisted", persisted),
		)
		mirror = next
		retries = 0
	}
	return nil
}

// streamRange issues one range GET covering the part's unwritten suffix and
// appends its body to the part file in bounded chunks. Returns how many
// bytes were persisted by this attempt.
func (f *Fetcher) streamRange(ctx context.Context, mirror *Mirror, part Part, persisted int64, report func(int64)) (int64, error) {
	start := part.Offset + persisted
	end := part.Offset + part.Size - 1

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mirror.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("building range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	req.Header.Set("Referer", "https://www.bilibili.com/")

	resp, err := f.client.DoWithContext(ctx, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("range request returned status %d", resp.StatusCode)
	}

	var n int64
	buf := make([]byte, f.opts.ChunkSize)
	remaining := part.Size - persisted
	for remaining > 0 {
		want := int64(len(buf))
		if want > remaining {
			want = remaining
		}
		read, rerr := io.ReadFull(resp.Body, buf[:want])
		if read > 0 {
			if werr := f.store.Write(ctx, part.Name, buf[:read]); werr != nil {
				return n, werr
			}
			n += int64(read)
			remaining -= int64(read)
			report(int64(read))
		}
		if rerr != nil {
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				if remaining == 0 {
					return n, nil
				}
				return n, io.ErrUnexpectedEOF
			}
			return n, rerr
		}
	}
	return n, nil
}

// cleanupParts deletes every part file after a cancelled fetch. Runs on a
// fresh context because the fetch context is already dead.
func (f *Fetcher) cleanupParts(target string, numParts int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < numParts; i++ {
		if err := f.store.Delete(ctx, PartName(target, i)); err != nil {
			f.logger.Warn("failed to delete part file",
				slog.String("part", PartName(target, i)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Cleanup removes the part files of a completed or abandoned fetch.
func (f *Fetcher) Cleanup(ctx context.Context, parts []Part) error {
	var firstErr error
	for _, p := range parts {
		if err := f.store.Delete(ctx, p.Name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
