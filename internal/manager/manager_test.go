package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/classifier"
	"vigil/internal/config"
	"vigil/internal/pipeline"
	"vigil/internal/store"
	"vigil/internal/ws"
)

type stubClassifier struct{}

func (stubClassifier) Classify(ctx context.Context, frames []*pipeline.FramePacket) (classifier.Result, error) {
	return classifier.Result{}, classifier.ErrNotLoaded
}
func (stubClassifier) Loaded() bool          { return false }
func (stubClassifier) Info() classifier.Info { return classifier.Info{} }

func testManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		FrameBufferSize:         64,
		SlidingWindowSeconds:    2,
		FrameSampleRate:         16,
		InferenceIntervalMS:     200,
		TargetFPS:               30,
		ResizeWidth:             640,
		ResizeHeight:            360,
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
	return New(cfg, st, hub, stubClassifier{}, nil)
}

func TestCreate_AutodetectsType(t *testing.T) {
	m := testManager(t)

	rec, err := m.Create(CreateParams{Name: "front", URL: "rtsp://cam.local/stream"})
	require.NoError(t, err)
	assert.Equal(t, "rtsp", rec.Type)
	assert.Equal(t, store.StreamStatusCreated, rec.Status)
	assert.Equal(t, 30, rec.TargetFPS, "defaults applied")
	assert.False(t, m.IsRunning(rec.ID))

	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	all, err := m.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreate_Validation(t *testing.T) {
	m := testManager(t)

	_, err := m.Create(CreateParams{Name: "x"})
	assert.Error(t, err, "url required")

	bad := 1.5
	_, err = m.Create(CreateParams{URL: "rtsp://c", CustomThreshold: &bad})
	assert.Error(t, err)

	_, err = m.Create(CreateParams{URL: "rtsp://c", Type: "multicast"})
	assert.Error(t, err, "unknown type rejected")
}

func TestCreate_DefaultName(t *testing.T) {
	m := testManager(t)
	rec, err := m.Create(CreateParams{URL: "rtmp://cam/live"})
	require.NoError(t, err)
	assert.Contains(t, rec.Name, "stream-")
	assert.Equal(t, "rtmp", rec.Type)
}

func TestUpdate_URLChangeRequiresRestart(t *testing.T) {
	m := testManager(t)
	rec, err := m.Create(CreateParams{Name: "c", URL: "rtsp://old/stream"})
	require.NoError(t, err)

	name := "renamed"
	got, restart, err := m.Update(rec.ID, UpdateParams{Name: &name})
	require.NoError(t, err)
	assert.False(t, restart)
	assert.Equal(t, "renamed", got.Name)

	// Not running: the new URL is persisted, no restart needed.
	url := "rtmp://new/live"
	got, restart, err = m.Update(rec.ID, UpdateParams{URL: &url})
	require.NoError(t, err)
	assert.False(t, restart)
	assert.Equal(t, "rtmp", got.Type, "type re-detected from the new URL")

	_, _, err = m.Update("missing", UpdateParams{Name: &name})
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestStartStop_Lifecycle(t *testing.T) {
	m := testManager(t)
	rec, err := m.Create(CreateParams{Name: "f", URL: filepath.Join(t.TempDir(), "missing.mp4")})
	require.NoError(t, err)
	assert.Equal(t, "file", rec.Type)

	require.NoError(t, m.Start(rec.ID))
	assert.True(t, m.IsRunning(rec.ID))
	assert.Equal(t, 1, m.RunningCount())

	assert.ErrorIs(t, m.Start(rec.ID), ErrStreamAlreadyRunning)

	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	st, err := m.Status(rec.ID)
	require.NoError(t, err)
	assert.True(t, st.Running)
	require.NotNil(t, st.Source)
	require.NotNil(t, st.Detector)

	require.NoError(t, m.Stop(rec.ID))
	assert.False(t, m.IsRunning(rec.ID))

	got, err = m.Get(rec.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, store.StreamStatusStopped, got.Status)

	// Stopping again is a no-op.
	require.NoError(t, m.Stop(rec.ID))

	assert.ErrorIs(t, m.Start("missing"), store.ErrStreamNotFound)
}

func TestSnapshot_NoFrames(t *testing.T) {
	m := testManager(t)
	rec, err := m.Create(CreateParams{Name: "c", URL: "rtsp://cam/void"})
	require.NoError(t, err)

	_, err = m.Snapshot(rec.ID)
	assert.ErrorIs(t, err, ErrNoFrames)

	_, err = m.Snapshot("missing")
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestLastScore_NotRunning(t *testing.T) {
	m := testManager(t)
	rec, err := m.Create(CreateParams{Name: "c", URL: "rtsp://cam/void"})
	require.NoError(t, err)

	sc, err := m.LastScore(rec.ID)
	require.NoError(t, err)
	assert.Nil(t, sc)
}

func TestDelete_StopsAndRemoves(t *testing.T) {
	m := testManager(t)
	rec, err := m.Create(CreateParams{Name: "f", URL: filepath.Join(t.TempDir(), "gone.mp4")})
	require.NoError(t, err)
	require.NoError(t, m.Start(rec.ID))

	require.NoError(t, m.Delete(rec.ID))
	assert.False(t, m.IsRunning(rec.ID))
	_, err = m.Get(rec.ID)
	assert.ErrorIs(t, err, store.ErrStreamNotFound)

	assert.ErrorIs(t, m.Delete(rec.ID), store.ErrStreamNotFound)
}

func TestStopAll(t *testing.T) {
	m := testManager(t)
	dir := t.TempDir()
	for _, name := range []string{"a", "b"} {
		rec, err := m.Create(CreateParams{Name: name, URL: filepath.Join(dir, name+".mp4"), AutoStart: true})
		require.NoError(t, err)
		require.True(t, m.IsRunning(rec.ID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	assert.Zero(t, m.RunningCount())
}

func TestLoad_AutoStartsActiveStreams(t *testing.T) {
	m := testManager(t)
	dir := t.TempDir()
	active, err := m.Create(CreateParams{Name: "a", URL: filepath.Join(dir, "a.mp4"), AutoStart: true})
	require.NoError(t, err)
	idle, err := m.Create(CreateParams{Name: "b", URL: filepath.Join(dir, "b.mp4")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))

	// StopAll leaves is_active untouched, modelling a process restart.
	require.NoError(t, m.Load())
	assert.True(t, m.IsRunning(active.ID))
	assert.False(t, m.IsRunning(idle.ID))

	require.NoError(t, m.StopAll(ctx))
}

func TestReaderFor_DefaultIsConsecutiveTail(t *testing.T) {
	src := &fakeFrames{}
	base := time.Now()
	// 60 frames at ~30fps, two seconds of footage.
	for i := 0; i < 60; i++ {
		src.frames = append(src.frames, &pipeline.FramePacket{
			FrameNumber: uint64(i + 1),
			Timestamp:   base.Add(time.Duration(i) * 33 * time.Millisecond),
		})
	}

	// No override: the window is the newest 16 decoder frames, untouched.
	got := readerFor(src, nil).LastConsecutive(16)
	require.Len(t, got, 16)
	for i, p := range got {
		assert.Equal(t, uint64(45+i), p.FrameNumber)
	}

	// Only an explicit per-stream window spreads the sample.
	span := 2.0
	sampled := readerFor(src, &span).LastConsecutive(16)
	require.Len(t, sampled, 16)
	assert.Equal(t, uint64(1), sampled[0].FrameNumber)
	assert.Equal(t, uint64(60), sampled[15].FrameNumber)
}

func TestSpanReader_UniformSampling(t *testing.T) {
	src := &fakeFrames{}
	base := time.Now()
	for i := 0; i < 40; i++ {
		src.frames = append(src.frames, &pipeline.FramePacket{
			FrameNumber: uint64(i + 1),
			Timestamp:   base.Add(time.Duration(i) * 50 * time.Millisecond),
		})
	}

	r := newSpanReader(src, time.Second)
	got := r.LastConsecutive(16)
	require.Len(t, got, 16)
	// First and last frames of the span are always included.
	assert.Equal(t, src.frames[len(src.frames)-1].FrameNumber, got[15].FrameNumber)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].FrameNumber, got[i-1].FrameNumber)
	}

	// Too few frames in the span: fall back to the consecutive tail.
	short := newSpanReader(src, 100*time.Millisecond)
	tail := short.LastConsecutive(16)
	require.Len(t, tail, 16)
	assert.Equal(t, uint64(40), tail[15].FrameNumber)
}

type fakeFrames struct {
	frames []*pipeline.FramePacket
}

func (f *fakeFrames) Latest() *pipeline.FramePacket {
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeFrames) LastConsecutive(k int) []*pipeline.FramePacket {
	if k > len(f.frames) {
		k = len(f.frames)
	}
	return f.frames[len(f.frames)-k:]
}

func (f *fakeFrames) LastWindow(d time.Duration) []*pipeline.FramePacket {
	if len(f.frames) == 0 {
		return nil
	}
	cutoff := f.frames[len(f.frames)-1].Timestamp.Add(-d)
	var out []*pipeline.FramePacket
	for _, p := range f.frames {
		if !p.Timestamp.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeFrames) UniformSampled(k int) []*pipeline.FramePacket { return f.LastConsecutive(k) }

func (f *fakeFrames) Status() pipeline.SourceStatus {
	return pipeline.SourceStatus{Phase: pipeline.PhaseConnected}
}
