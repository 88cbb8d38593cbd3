package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilimux/bilimux/internal/biliapi"
	"github.com/bilimux/bilimux/internal/bilierrors"
	"github.com/bilimux/bilimux/internal/boxcodec"
	"github.com/bilimux/bilimux/internal/fetch"
	"github.com/bilimux/bilimux/internal/httpclient"
	"github.com/bilimux/bilimux/internal/iostore"
	"github.com/bilimux/bilimux/internal/pipeline/core"
	"github.com/bilimux/bilimux/internal/testutil"
	"github.com/bilimux/bilimux/internal/wbi"
)

const navBody = `{"code":0,"message":"0","data":{"wbi_img":{
	"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png",
	"sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`

// buildVideoFile assembles the scenario's AV1 stream: init + one fragment
// with four 2048-byte keyframe samples of duration 1001 at timescale 30000.
func buildVideoFile() []byte {
	init := testutil.InitSegment(testutil.InitSpec{
		TrackID:     1,
		Timescale:   30000,
		SampleEntry: testutil.VideoSampleEntry("av01", 1920, 1080),
		Video:       true,
	})
	frag := testutil.Fragment(1, 1, 0, []testutil.SampleSpec{
		{Size: 2048, Duration: 1001, Keyframe: true},
		{Size: 2048, Duration: 1001, Keyframe: true},
		{Size: 2048, Duration: 1001, Keyframe: true},
		{Size: 2048, Duration: 1001, Keyframe: true},
	})
	return append(init, frag...)
}

// buildAudioFile assembles the AAC stream: four 512-byte samples of
// duration 1024 at timescale 48000.
func buildAudioFile() []byte {
	init := testutil.InitSegment(testutil.InitSpec{
		TrackID:     1,
		Timescale:   48000,
		SampleEntry: testutil.AudioSampleEntry("mp4a", 48000),
	})
	frag := testutil.Fragment(1, 2, 0, []testutil.SampleSpec{
		{Size: 512, Duration: 1024, Keyframe: true},
		{Size: 512, Duration: 1024, Keyframe: true},
		{Size: 512, Duration: 1024, Keyframe: true},
		{Size: 512, Duration: 1024, Keyframe: true},
	})
	return append(init, frag...)
}

// testEnv wires a full pipeline against stub upstream servers.
type testEnv struct {
	deps    Deps
	baseDir string
	video   []byte
	audio   []byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{video: buildVideoFile(), audio: buildAudioFile()}

	mux := http.NewServeMux()
	mux.HandleFunc("/nav", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(navBody))
	})
	mux.HandleFunc("/video.m4s", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "video.m4s", time.Time{}, bytes.NewReader(env.video))
	})
	mux.HandleFunc("/audio.m4s", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "audio.m4s", time.Time{}, bytes.NewReader(env.audio))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/playurl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":0,"message":"0","data":{"dash":{
			"video":[{"id":80,"baseUrl":"%s/video.m4s","codecid":13}],
			"audio":[{"id":30280,"baseUrl":"%s/audio.m4s","bandwidth":192000}]}}}`,
			srv.URL, srv.URL)
	})

	hc := httpclient.New(httpclient.Config{RetryAttempts: 0, Timeout: 10 * time.Second})
	signer := wbi.New(hc)
	signer.NavURL = srv.URL + "/nav"
	api := biliapi.New(hc, signer, nil)
	api.PlayurlURL = srv.URL + "/playurl"

	env.baseDir = t.TempDir()
	worker, err := iostore.New(env.baseDir)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.Run(ctx)
	store := iostore.NewHandle(worker)

	env.deps = Deps{
		API:     api,
		Fetcher: fetch.New(hc, store, nil, fetch.Options{ThreadCount: 2}),
		Store:   store,
	}
	return env
}

func TestPipelineMuxSingleUGC(t *testing.T) {
	env := newTestEnv(t)

	p := New(env.deps, core.Request{
		TaskUID:  "task-s1",
		BVID:     "BV1xx411c7mD",
		CID:      1176840,
		Mode:     core.ModeMux,
		Filename: "clip.mp4",
	})
	require.NoError(t, p.Run(context.Background()))

	var out bytes.Buffer
	require.NoError(t, p.Transfer(context.Background(), &out, StreamMuxed))
	emitted := out.Bytes()

	// ftyp brands for av01.
	ftyp, err := boxcodec.FindBox(emitted, "ftyp")
	require.NoError(t, err)
	assert.Equal(t, "isom", string(ftyp.Payload[0:4]))
	assert.Contains(t, string(ftyp.Payload), "av01")

	moov, err := boxcodec.FindBox(emitted, "moov")
	require.NoError(t, err)

	mvhd, err := boxcodec.FindBox(moov.Payload, "mvhd")
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), binary.BigEndian.Uint32(mvhd.Payload[12:16]), "movie timescale")
	// round(4*1001/30000*1000) movie-timescale units.
	assert.Equal(t, uint32(133), binary.BigEndian.Uint32(mvhd.Payload[16:20]))

	traks, err := boxcodec.FindAllBoxes(moov.Payload, "trak")
	require.NoError(t, err)
	require.Len(t, traks, 2)

	// Video stss lists all four samples; no ctts anywhere.
	videoStbl, err := boxcodec.FindBox(traks[0].Payload, "mdia", "minf", "stbl")
	require.NoError(t, err)
	stss, err := boxcodec.FindBox(videoStbl.Payload, "stss")
	require.NoError(t, err)
	require.Equal(t, uint32(4), binary.BigEndian.Uint32(stss.Payload[4:8]))
	for i := uint32(0); i < 4; i++ {
		assert.Equal(t, i+1, binary.BigEndian.Uint32(stss.Payload[8+i*4:]))
	}
	_, err = boxcodec.FindBox(videoStbl.Payload, "ctts")
	assert.Error(t, err, "no ctts when every cto is zero")

	// mdat payload is audio chunk then video chunk: 512*4 + 2048*4.
	mdat, err := boxcodec.FindBox(emitted, "mdat")
	require.NoError(t, err)
	require.Equal(t, 512*4+2048*4, len(mdat.Payload))

	// Byte-for-byte: payload equals the source mdat payloads in emission
	// order (audio fragment seq 2, then video fragment seq 1).
	audioMdat, err := boxcodec.FindBox(env.audio, "mdat")
	require.NoError(t, err)
	videoMdat, err := boxcodec.FindBox(env.video, "mdat")
	require.NoError(t, err)
	assert.Equal(t, audioMdat.Payload, mdat.Payload[:len(audioMdat.Payload)])
	assert.Equal(t, videoMdat.Payload, mdat.Payload[len(audioMdat.Payload):])

	// stsz sums match the per-track payload shares; stco strictly increases.
	for i, trak := range traks {
		stbl, err := boxcodec.FindBox(trak.Payload, "mdia", "minf", "stbl")
		require.NoError(t, err)
		stsz, err := boxcodec.FindBox(stbl.Payload, "stsz")
		require.NoError(t, err)
		count := binary.BigEndian.Uint32(stsz.Payload[8:12])
		var sum uint32
		for j := uint32(0); j < count; j++ {
			sum += binary.BigEndian.Uint32(stsz.Payload[12+j*4:])
		}
		if i == 0 {
			assert.Equal(t, uint32(2048*4), sum)
		} else {
			assert.Equal(t, uint32(512*4), sum)
		}

		stco, err := boxcodec.FindBox(stbl.Payload, "stco")
		require.NoError(t, err)
		n := binary.BigEndian.Uint32(stco.Payload[4:8])
		var prev uint32
		for j := uint32(0); j < n; j++ {
			off := binary.BigEndian.Uint32(stco.Payload[8+j*4:])
			assert.Greater(t, off, prev)
			prev = off
		}
	}

	assert.Equal(t, uint64(len(emitted)), p.MuxedSize())
}

func TestPipelineRawMode(t *testing.T) {
	env := newTestEnv(t)

	p := New(env.deps, core.Request{
		TaskUID:  "task-s2",
		BVID:     "BV1xx411c7mD",
		CID:      1176840,
		Mode:     core.ModeRaw,
		Filename: "clip.m4s",
	})
	require.NoError(t, p.Run(context.Background()))

	var video bytes.Buffer
	require.NoError(t, p.transfer(context.Background(), &video, StreamVideo))
	assert.Equal(t, env.video, video.Bytes(), "raw output is byte-identical to the source")

	var audio bytes.Buffer
	require.NoError(t, p.transfer(context.Background(), &audio, StreamAudio))
	assert.Equal(t, env.audio, audio.Bytes())

	assert.Equal(t, int64(len(env.video)), p.RawSize(StreamVideo))
	assert.Equal(t, int64(len(env.audio)), p.RawSize(StreamAudio))

	// Raw mode never parsed any fragments.
	assert.Nil(t, p.State().VideoTrack)
}

// cancellingWriter cancels the transfer context after the first write.
type cancellingWriter struct {
	cancel  context.CancelFunc
	written int
}

func (w *cancellingWriter) Write(p []byte) (int, error) {
	w.written += len(p)
	w.cancel()
	return len(p), nil
}

func TestPipelineCancelDuringTransfer(t *testing.T) {
	env := newTestEnv(t)

	p := New(env.deps, core.Request{
		TaskUID: "task-s6",
		BVID:    "BV1xx411c7mD",
		CID:     1176840,
		Mode:    core.ModeMux,
	})
	require.NoError(t, p.Run(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &cancellingWriter{cancel: cancel}

	err := p.Transfer(ctx, w, StreamMuxed)
	require.Error(t, err, "the consumer sees a stream error, not EOF")

	var perr *bilierrors.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, bilierrors.KindCancelled, perr.Kind)

	// Cleanup leaves the task's work directory empty.
	p.Cleanup()
	if entries, readErr := os.ReadDir(filepath.Join(env.baseDir, "tasks", "task-s6")); readErr == nil {
		assert.Empty(t, entries)
	}

	select {
	case <-p.ExportDone():
		assert.Error(t, p.ExportErr())
	default:
		t.Fatal("export must be recorded as finished after a failed transfer")
	}
}

// blockingStage parks until released, to hold the execution slot.
type blockingStage struct {
	release chan struct{}
	started chan struct{}
}

func (s *blockingStage) ID() string   { return "block" }
func (s *blockingStage) Name() string { return "Block" }
func (s *blockingStage) Execute(ctx context.Context, state *core.State) error {
	close(s.started)
	<-s.release
	return nil
}
func (s *blockingStage) Cleanup(ctx context.Context) error { return nil }

func TestDuplicateExecutionRejected(t *testing.T) {
	stage := &blockingStage{release: make(chan struct{}), started: make(chan struct{})}
	state1 := &core.State{Request: core.Request{TaskUID: "task-dup"}}
	state2 := &core.State{Request: core.Request{TaskUID: "task-dup"}}

	o1 := core.NewOrchestrator(state1, []core.Stage{stage}, nil)
	o2 := core.NewOrchestrator(state2, nil, nil)

	done := make(chan error, 1)
	go func() { done <- o1.Execute(context.Background()) }()
	<-stage.started

	err := o2.Execute(context.Background())
	assert.True(t, errors.Is(err, core.ErrPipelineAlreadyRunning))

	close(stage.release)
	require.NoError(t, <-done)
}
