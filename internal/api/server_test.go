package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/classifier"
	"vigil/internal/config"
	"vigil/internal/manager"
	"vigil/internal/pipeline"
	"vigil/internal/store"
	"vigil/internal/ws"
)

type stubClassifier struct{ loaded bool }

func (c stubClassifier) Classify(ctx context.Context, frames []*pipeline.FramePacket) (classifier.Result, error) {
	return classifier.Result{}, classifier.ErrNotLoaded
}
func (c stubClassifier) Loaded() bool { return c.loaded }
func (c stubClassifier) Info() classifier.Info {
	return classifier.Info{Loaded: c.loaded, ModelName: "stub"}
}

type fixture struct {
	srv   *httptest.Server
	st    *store.Store
	mgr   *manager.Manager
	clips string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		FrameBufferSize:         64,
		SlidingWindowSeconds:    2,
		FrameSampleRate:         16,
		InferenceIntervalMS:     200,
		TargetFPS:               30,
		ResizeWidth:             64,
		ResizeHeight:            48,
		ViolenceThreshold:       0.5,
		ViolenceAlertThreshold:  0.9,
		MinConsecutiveFrames:    2,
		EndConsecutiveFrames:    3,
		SmoothingWindow:         3,
		AlertCooldownSeconds:    5,
		ClipDurationBefore:      5,
		ClipDurationAfter:       10,
		ReconnectDelaySeconds:   0.05,
		MaxReconnectAttempts:    1,
		ReadTimeoutSeconds:      1,
		MLServiceTimeoutSeconds: 1,
	}

	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	mgr := manager.New(cfg, st, hub, stubClassifier{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.StopAll(ctx)
	})

	clips := t.TempDir()
	s := New(cfg, mgr, st, stubClassifier{}, hub, clips)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, st: st, mgr: mgr, clips: clips}
}

type apiResponse struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
	Pagination *Pagination     `json:"pagination"`
}

func decode(t *testing.T, resp *http.Response) *apiResponse {
	t.Helper()
	defer resp.Body.Close()
	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (f *fixture) createStream(t *testing.T, body map[string]any) string {
	t.Helper()
	resp := f.post(t, "/api/v1/streams", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode(t, resp)
	var data struct {
		StreamID string `json:"stream_id"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &data))
	require.NotEmpty(t, data.StreamID)
	return data.StreamID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode(t, resp)
	assert.True(t, out.Success)
	var data struct {
		Status       string `json:"status"`
		StreamsCount int    `json:"streams_count"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &data))
	assert.Equal(t, "ok", data.Status)
	assert.Zero(t, data.StreamsCount)
}

func TestCreateStream(t *testing.T) {
	f := newFixture(t)

	id := f.createStream(t, map[string]any{"name": "front", "url": "rtsp://cam.local/s1"})

	resp := f.get(t, "/api/v1/streams/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	var st manager.StreamStatus
	require.NoError(t, json.Unmarshal(out.Data, &st))
	assert.Equal(t, "front", st.Stream.Name)
	assert.Equal(t, "rtsp", st.Stream.Type)
	assert.False(t, st.Running)

	// Missing URL is a client fault.
	resp = f.post(t, "/api/v1/streams", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Malformed JSON too.
	raw, err := http.Post(f.srv.URL+"/api/v1/streams", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	raw.Body.Close()
}

func TestGetStream_NotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/api/v1/streams/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	out := decode(t, resp)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)
}

func TestPatchStream(t *testing.T) {
	f := newFixture(t)
	id := f.createStream(t, map[string]any{"name": "old", "url": "rtsp://cam/1"})

	resp := f.do(t, http.MethodPatch, "/api/v1/streams/"+id, map[string]any{"name": "new"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	var data struct {
		Stream          *store.StreamRecord `json:"stream"`
		RestartRequired bool                `json:"restart_required"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &data))
	assert.Equal(t, "new", data.Stream.Name)
	assert.False(t, data.RestartRequired)
}

func TestStartStopDelete(t *testing.T) {
	f := newFixture(t)
	id := f.createStream(t, map[string]any{
		"name": "file", "url": filepath.Join(t.TempDir(), "absent.mp4"),
	})

	resp := f.post(t, "/api/v1/streams/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, f.mgr.IsRunning(id))

	resp = f.post(t, "/api/v1/streams/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/api/v1/streams/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.False(t, f.mgr.IsRunning(id))

	resp = f.do(t, http.MethodDelete, "/api/v1/streams/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/v1/streams/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSnapshot_NoFramesYet(t *testing.T) {
	f := newFixture(t)
	id := f.createStream(t, map[string]any{"name": "c", "url": "rtsp://cam/void"})

	resp := f.get(t, "/api/v1/streams/"+id+"/snapshot")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestPrediction_NoScoreYet(t *testing.T) {
	f := newFixture(t)
	id := f.createStream(t, map[string]any{"name": "c", "url": "rtsp://cam/void"})

	resp := f.get(t, "/api/v1/streams/"+id+"/prediction")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	var data struct {
		StreamID string                   `json:"stream_id"`
		Score    *pipeline.InferenceScore `json:"score"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &data))
	assert.Equal(t, id, data.StreamID)
	assert.Nil(t, data.Score)
}

func TestMJPEG(t *testing.T) {
	f := newFixture(t)
	id := f.createStream(t, map[string]any{
		"name": "file", "url": filepath.Join(t.TempDir(), "absent.mp4"), "auto_start": true,
	})

	resp := f.get(t, "/api/v1/streams/"+id+"/mjpeg?fps=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/v1/streams/"+id+"/mjpeg?fps=20", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()

	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", stream.Header.Get("Content-Type"))
	assert.Contains(t, stream.Header.Get("Cache-Control"), "no-cache")

	// No decoder frames exist, so the first part is the placeholder JPEG.
	reader := bufio.NewReader(stream.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", line)
}

type fakeLatest struct {
	frame *pipeline.FramePacket
}

func (f *fakeLatest) Latest() *pipeline.FramePacket                      { return f.frame }
func (f *fakeLatest) LastConsecutive(k int) []*pipeline.FramePacket      { return nil }
func (f *fakeLatest) LastWindow(d time.Duration) []*pipeline.FramePacket { return nil }
func (f *fakeLatest) UniformSampled(k int) []*pipeline.FramePacket       { return nil }
func (f *fakeLatest) Status() pipeline.SourceStatus                      { return pipeline.SourceStatus{} }

func TestMJPEG_NeverRepeatsFrameNumber(t *testing.T) {
	src := &fakeLatest{}

	// No frame yet.
	assert.Nil(t, latestNew(src, 0))

	src.frame = &pipeline.FramePacket{FrameNumber: 7}
	frame := latestNew(src, 0)
	require.NotNil(t, frame)
	assert.Equal(t, uint64(7), frame.FrameNumber)

	// Same decoder frame still buffered: nothing to send this tick.
	assert.Nil(t, latestNew(src, 7))

	src.frame = &pipeline.FramePacket{FrameNumber: 8}
	frame = latestNew(src, 7)
	require.NotNil(t, frame)
	assert.Equal(t, uint64(8), frame.FrameNumber)
}

func TestMJPEG_UnknownStream(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/api/v1/streams/nope/mjpeg")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func seedEvent(t *testing.T, f *fixture) *store.Event {
	t.Helper()
	rec := &store.StreamRecord{
		ID: "s-ev", Name: "cam", URL: "rtsp://cam/1", Type: "rtsp",
		TargetFPS: 30, ResizeWidth: 640, ResizeHeight: 360,
	}
	if _, err := f.st.Streams().GetByID(rec.ID); err != nil {
		require.NoError(t, f.st.Streams().Create(rec))
	}
	ev := &store.Event{
		ID:            fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		StreamID:      rec.ID,
		StreamName:    rec.Name,
		StartTime:     time.Now().UTC(),
		MaxConfidence: 0.9,
		AvgConfidence: 0.9,
		MinConfidence: 0.9,
		Severity:      store.SeverityHigh,
		Status:        store.EventStatusPending,
	}
	require.NoError(t, f.st.Events().Create(ev))
	return ev
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)
	seedEvent(t, f)
	seedEvent(t, f)

	resp := f.get(t, "/api/v1/events?limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	var events []*store.Event
	require.NoError(t, json.Unmarshal(out.Data, &events))
	assert.Len(t, events, 1)
	require.NotNil(t, out.Pagination)
	assert.Equal(t, 2, out.Pagination.Total)
	assert.Equal(t, 1, out.Pagination.Limit)

	resp = f.get(t, "/api/v1/events?status=BOGUS")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/v1/events?limit=oops")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPendingEvents(t *testing.T) {
	f := newFixture(t)
	first := seedEvent(t, f)
	second := seedEvent(t, f)

	resp := f.get(t, "/api/v1/events/pending")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	var events []*store.Event
	require.NoError(t, json.Unmarshal(out.Data, &events))
	assert.Len(t, events, 2)

	// A reviewed event leaves the queue.
	resp = f.post(t, "/api/v1/events/"+first.ID+"/dismiss", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/v1/events/pending")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode(t, resp)
	events = nil
	require.NoError(t, json.Unmarshal(out.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, second.ID, events[0].ID)

	resp = f.get(t, "/api/v1/events/pending?limit=oops")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestEventTransitions(t *testing.T) {
	f := newFixture(t)
	ev := seedEvent(t, f)

	resp := f.post(t, "/api/v1/events/"+ev.ID+"/confirm", map[string]any{
		"reviewed_by": "operator", "notes": "verified on playback",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	var got store.Event
	require.NoError(t, json.Unmarshal(out.Data, &got))
	assert.Equal(t, store.EventStatusConfirmed, got.Status)
	require.NotNil(t, got.ReviewedBy)
	assert.Equal(t, "operator", *got.ReviewedBy)

	// The review decision is terminal.
	resp = f.post(t, "/api/v1/events/"+ev.ID+"/dismiss", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/api/v1/events/missing/confirm", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestEventStatistics(t *testing.T) {
	f := newFixture(t)
	seedEvent(t, f)

	resp := f.get(t, "/api/v1/events/statistics?days=30")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	var stats store.Statistics
	require.NoError(t, json.Unmarshal(out.Data, &stats))
	assert.Equal(t, 30, stats.Days)
	assert.Equal(t, 1, stats.TotalEvents)
}

func TestClips_RangeRequests(t *testing.T) {
	f := newFixture(t)
	payload := []byte("0123456789abcdef")
	require.NoError(t, os.WriteFile(filepath.Join(f.clips, "clip.mp4"), payload, 0o644))

	resp := f.get(t, "/api/v1/clips/clip.mp4")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/clips/clip.mp4", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=4-7")
	ranged, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ranged.Body.Close()
	require.Equal(t, http.StatusPartialContent, ranged.StatusCode)
	assert.Equal(t, "bytes 4-7/16", ranged.Header.Get("Content-Range"))
	body, err := io.ReadAll(ranged.Body)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(body))

	resp = f.get(t, "/api/v1/clips/absent.mp4")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestThumbnails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.clips, "t.jpg"), []byte{0xff, 0xd8, 0xff}, 0o644))

	resp := f.get(t, "/api/v1/thumbnails/t.jpg")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	resp.Body.Close()
}

func TestInferenceLog(t *testing.T) {
	f := newFixture(t)
	id := f.createStream(t, map[string]any{"name": "c", "url": "rtsp://cam/1"})

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.st.InferenceLogs().Insert(&store.InferenceLog{
			StreamID:      id,
			ViolenceScore: 0.1 * float64(i),
			SmoothedScore: 0.1 * float64(i),
			InferenceMs:   12,
			FrameCount:    16,
			WindowStart:   now.Add(-2 * time.Second),
			WindowEnd:     now,
		}))
	}

	resp := f.get(t, "/api/v1/streams/"+id+"/inference-log?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	var logs []*store.InferenceLog
	require.NoError(t, json.Unmarshal(out.Data, &logs))
	assert.Len(t, logs, 2)

	resp = f.get(t, "/api/v1/streams/"+id+"/inference-log?limit=oops")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/v1/streams/nope/inference-log")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestModelStatus(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/api/v1/model/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	var data struct {
		Loaded       bool    `json:"loaded"`
		Threshold    float64 `json:"threshold"`
		EndThreshold float64 `json:"end_threshold"`
		WindowSize   int     `json:"window_size"`
		AlertThresh  float64 `json:"alert_threshold"`
		IntervalMS   int     `json:"inference_interval_ms"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &data))
	assert.False(t, data.Loaded)
	assert.Equal(t, 0.5, data.Threshold)
	assert.InDelta(t, 0.4, data.EndThreshold, 1e-9)
	assert.Equal(t, 16, data.WindowSize)
}
