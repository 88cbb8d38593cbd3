package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/httpclient"
	"github.com/bilimux/bilimux/internal/iostore"
)

// newTestStore starts an iostore worker rooted at a fresh temp dir.
func newTestStore(t *testing.T) (*iostore.Handle, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := iostore.New(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	return iostore.NewHandle(w), dir
}

func newTestFetcher(t *testing.T, opts Options) (*Fetcher, string) {
	t.Helper()
	store, dir := newTestStore(t)
	client := httpclient.New(httpclient.Config{
		RetryAttempts: 0,
		Timeout:       10 * time.Second,
	})
	return New(client, store, nil, opts), dir
}

// rangeHandler serves blob with full range support via http.ServeContent.
func rangeHandler(blob []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob.m4s", time.Time{}, bytes.NewReader(blob))
	}
}

// readParts concatenates the on-disk part files in order.
func readParts(t *testing.T, dir string, parts []Part) []byte {
	t.Helper()
	var out bytes.Buffer
	for _, p := range parts {
		data, err := os.ReadFile(filepath.Join(dir, p.Name))
		require.NoError(t, err)
		out.Write(data)
	}
	return out.Bytes()
}

func testBlob(size int) []byte {
	blob := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(blob)
	return blob
}

func TestFetchSingleMirror(t *testing.T) {
	blob := testBlob(2 * 1024 * 1024)
	srv := httptest.NewServer(rangeHandler(blob))
	defer srv.Close()

	f, dir := newTestFetcher(t, Options{ThreadCount: 4})

	var lastWritten, lastTotal atomic.Int64
	res, err := f.Fetch(context.Background(), []string{srv.URL + "/v.m4s"}, "v.m4s",
		func(written, total int64) {
			lastWritten.Store(written)
			lastTotal.Store(total)
		})
	require.NoError(t, err)

	assert.Equal(t, int64(len(blob)), res.Total)
	require.Len(t, res.Parts, 4)
	assert.Equal(t, blob, readParts(t, dir, res.Parts))
	assert.Equal(t, int64(len(blob)), lastWritten.Load())
	assert.Equal(t, int64(len(blob)), lastTotal.Load())
}

func TestFetchFailover429(t *testing.T) {
	blob := testBlob(1024 * 1024)

	var m1Hits atomic.Int64
	m1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m1Hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer m1.Close()
	m2 := httptest.NewServer(rangeHandler(blob))
	defer m2.Close()

	f, dir := newTestFetcher(t, Options{ThreadCount: 2})

	res, err := f.Fetch(context.Background(), []string{m1.URL + "/v.m4s", m2.URL + "/v.m4s"}, "v.m4s", nil)
	require.NoError(t, err)
	assert.Equal(t, blob, readParts(t, dir, res.Parts))

	// M1 failed its probe once and must not be touched again for this fetch.
	assert.Equal(t, int64(1), m1Hits.Load())
	assert.True(t, strings.HasPrefix(res.Mirror, m2.URL))
}

// dyingHandler serves ranges but aborts the connection after sending at most
// limit bytes of any response body.
func dyingHandler(blob []byte, limit int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		var start, end int64
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
			// Probe shape bytes=0-0 still matches; anything else dies now.
			panic(http.ErrAbortHandler)
		}
		if end >= int64(len(blob)) {
			end = int64(len(blob)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(blob)))
		w.WriteHeader(http.StatusPartialContent)

		body := blob[start : end+1]
		if int64(len(body)) <= limit {
			w.Write(body)
			return
		}
		w.Write(body[:limit])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}
}

func TestFetchMidStreamMirrorDeath(t *testing.T) {
	// Two 512 KiB parts; M1 yields at most 64 KiB per attempt, so even with
	// every same-mirror retry it cannot finish a part before failover.
	blob := testBlob(1024 * 1024)

	m1 := httptest.NewServer(dyingHandler(blob, 64*1024))
	defer m1.Close()
	m2 := httptest.NewServer(rangeHandler(blob))
	defer m2.Close()

	f, dir := newTestFetcher(t, Options{ThreadCount: 2, MaxRetriesPerPart: 3})

	res, err := f.Fetch(context.Background(), []string{m1.URL + "/v.m4s", m2.URL + "/v.m4s"}, "v.m4s", nil)
	require.NoError(t, err)

	// Output must be byte-identical to the full resource: the suffix of
	// every affected part restarted on M2 from the offset M1 persisted.
	assert.Equal(t, blob, readParts(t, dir, res.Parts))
}

// slowHandler trickles the body so a cancellation can land mid-download.
func slowHandler(blob []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var start, end int64
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if end >= int64(len(blob)) {
			end = int64(len(blob)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(blob)))
		w.WriteHeader(http.StatusPartialContent)
		flusher, _ := w.(http.Flusher)
		for pos := start; pos <= end; pos += 4096 {
			chunkEnd := pos + 4096
			if chunkEnd > end+1 {
				chunkEnd = end + 1
			}
			if _, err := w.Write(blob[pos:chunkEnd]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestFetchCancellationHygiene(t *testing.T) {
	blob := testBlob(4 * 1024 * 1024)
	srv := httptest.NewServer(slowHandler(blob))
	defer srv.Close()

	f, dir := newTestFetcher(t, Options{ThreadCount: 2})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := f.Fetch(ctx, []string{srv.URL + "/v.m4s"}, "v.m4s", nil)
	require.Error(t, err)

	var perr *bilierrors.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, bilierrors.KindCancelled, perr.Kind)

	// No part files may survive a cancelled fetch.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchNoMirrors(t *testing.T) {
	f, _ := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), nil, "v.m4s", nil)
	require.Error(t, err)

	var perr *bilierrors.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, bilierrors.KindNetwork, perr.Kind)
}
