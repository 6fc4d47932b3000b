package detector_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/detector"
	"vigil/internal/pipeline"
	"vigil/internal/recorder"
	"vigil/internal/store"
)

// fakeSource is a minimal FrameReader backed by a growing frame list.
type fakeSource struct {
	mu     sync.Mutex
	frames []*pipeline.FramePacket
}

func (f *fakeSource) push(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := uint64(len(f.frames))
	for i := 0; i < n; i++ {
		next++
		f.frames = append(f.frames, &pipeline.FramePacket{
			StreamID:    "s1",
			FrameNumber: next,
			Timestamp:   time.Now(),
		})
	}
}

func (f *fakeSource) Latest() *pipeline.FramePacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeSource) LastConsecutive(k int) []*pipeline.FramePacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k > len(f.frames) {
		k = len(f.frames)
	}
	if k <= 0 {
		return nil
	}
	return append([]*pipeline.FramePacket(nil), f.frames[len(f.frames)-k:]...)
}

func (f *fakeSource) LastWindow(d time.Duration) []*pipeline.FramePacket {
	return f.LastConsecutive(10)
}

func (f *fakeSource) UniformSampled(k int) []*pipeline.FramePacket {
	return f.LastConsecutive(k)
}

func (f *fakeSource) Status() pipeline.SourceStatus {
	return pipeline.SourceStatus{Phase: pipeline.PhaseConnected}
}

// fakeRepo records created and finalized events.
type fakeRepo struct {
	mu           sync.Mutex
	created      []*store.Event
	finalized    map[string]store.FinalizeParams
	failFinalize bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{finalized: make(map[string]store.FinalizeParams)}
}

func (r *fakeRepo) Create(ev *store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ev
	r.created = append(r.created, &cp)
	return nil
}

func (r *fakeRepo) Finalize(id string, p store.FinalizeParams) (*store.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFinalize {
		return nil, errors.New("db down")
	}
	if _, dup := r.finalized[id]; dup {
		return nil, errors.New("finalized twice")
	}
	r.finalized[id] = p

	var ev *store.Event
	for _, c := range r.created {
		if c.ID == id {
			cp := *c
			ev = &cp
		}
	}
	if ev == nil {
		return nil, store.ErrEventNotFound
	}

	maxS, minS, sum := p.Scores[0], p.Scores[0], 0.0
	for _, v := range p.Scores {
		if v > maxS {
			maxS = v
		}
		if v < minS {
			minS = v
		}
		sum += v
	}
	end := p.EndTime.UTC()
	dur := end.Sub(ev.StartTime).Seconds()
	ev.EndTime = &end
	ev.DurationSeconds = &dur
	ev.MaxConfidence = maxS
	ev.MinConfidence = minS
	ev.AvgConfidence = sum / float64(len(p.Scores))
	ev.Severity = store.SeverityFor(maxS)
	ev.FrameCount = p.FrameCount
	ev.ClipPath = p.ClipPath
	ev.ClipDuration = p.ClipDuration
	ev.ThumbnailPath = p.ThumbnailPath
	ev.PersonImages = p.PersonImages
	return ev, nil
}

func (r *fakeRepo) createdCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func (r *fakeRepo) finalizedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finalized)
}

type fakeClipRecorder struct {
	mu     sync.Mutex
	fail   bool
	calls  int
	frames int
}

func (f *fakeClipRecorder) Record(frames []*pipeline.FramePacket, streamName, eventID string, fps int) (recorder.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.frames = len(frames)
	if f.fail {
		return recorder.Artifact{}, errors.New("encode failed")
	}
	return recorder.Artifact{
		ClipPath:      streamName + "_" + eventID + ".mp4",
		ThumbnailPath: streamName + "_" + eventID + "_thumb.jpg",
		Duration:      float64(len(frames)) / float64(fps),
	}, nil
}

func (f *fakeClipRecorder) PersonCrops(frames []*pipeline.FramePacket, streamName, eventID string) []string {
	return nil
}

// collector gathers lifecycle callbacks.
type collector struct {
	mu      sync.Mutex
	started []*store.Event
	ended   []*store.Event
	alerts  []float64
	endedCh chan *store.Event
}

func newCollector() *collector {
	return &collector{endedCh: make(chan *store.Event, 8)}
}

func (c *collector) callbacks() detector.Callbacks {
	return detector.Callbacks{
		OnEventStarted: func(ev *store.Event) {
			c.mu.Lock()
			c.started = append(c.started, ev)
			c.mu.Unlock()
		},
		OnEventEnded: func(ev *store.Event) {
			c.mu.Lock()
			c.ended = append(c.ended, ev)
			c.mu.Unlock()
			c.endedCh <- ev
		},
		OnAlert: func(ev *store.Event, confidence float64, message string) {
			c.mu.Lock()
			c.alerts = append(c.alerts, confidence)
			c.mu.Unlock()
		},
	}
}

func (c *collector) waitEnded(t *testing.T) *store.Event {
	t.Helper()
	select {
	case ev := <-c.endedCh:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event did not finalize in time")
		return nil
	}
}

func testConfig() detector.Config {
	return detector.Config{
		StreamID:       "s1",
		StreamName:     "cam",
		Threshold:      0.5,
		AlertThreshold: 0.9,
		MinConsecutive: 2,
		EndConsecutive: 3,
		Cooldown:       60 * time.Millisecond,
		ClipBefore:     time.Second,
		ClipAfter:      50 * time.Millisecond,
		TargetFPS:      30,
	}
}

type harness struct {
	det  *detector.Detector
	src  *fakeSource
	repo *fakeRepo
	rec  *fakeClipRecorder
	col  *collector
	seq  uint64
}

func newHarness(t *testing.T, cfg detector.Config) *harness {
	t.Helper()
	h := &harness{
		src:  &fakeSource{},
		repo: newFakeRepo(),
		rec:  &fakeClipRecorder{},
		col:  newCollector(),
	}
	h.src.push(32)
	h.det = detector.New(cfg, h.src, h.repo, h.rec, h.col.callbacks())
	return h
}

// observe feeds one raw score with a fresh, later window.
func (h *harness) observe(raw float64) {
	h.seq++
	h.src.push(1)
	h.det.Observe(&pipeline.InferenceScore{
		StreamID:       "s1",
		RawScore:       raw,
		ViolenceScore:  raw,
		SmoothedScore:  raw,
		FrameCount:     16,
		WindowEnd:      time.Now(),
		FrameNumberEnd: h.seq,
		Timestamp:      time.Now(),
	})
}

func TestDetector_FlickerRejected(t *testing.T) {
	h := newHarness(t, testConfig())

	h.observe(0.9)
	assert.Equal(t, detector.PhaseTriggered, h.det.Status().Phase)

	h.observe(0.1)
	assert.Equal(t, detector.PhaseIdle, h.det.Status().Phase)
	assert.Zero(t, h.repo.createdCount())
}

func TestDetector_OpensAfterMinConsecutive(t *testing.T) {
	h := newHarness(t, testConfig())

	h.observe(0.5) // exactly at threshold counts as violent
	assert.Equal(t, detector.PhaseTriggered, h.det.Status().Phase)
	assert.Zero(t, h.repo.createdCount())

	h.observe(0.8)
	st := h.det.Status()
	assert.Equal(t, detector.PhaseActive, st.Phase)
	assert.NotEmpty(t, st.CurrentEventID)
	require.Equal(t, 1, h.repo.createdCount())

	ev := h.repo.created[0]
	assert.Equal(t, store.EventStatusPending, ev.Status)
	assert.Equal(t, 0.8, ev.MaxConfidence)
	assert.Equal(t, 16, ev.FrameCount)

	// Opening fires both the started callback and the alert.
	h.col.mu.Lock()
	assert.Len(t, h.col.started, 1)
	assert.Len(t, h.col.alerts, 1)
	h.col.mu.Unlock()
}

func TestDetector_MinConsecutiveOne(t *testing.T) {
	cfg := testConfig()
	cfg.MinConsecutive = 1
	h := newHarness(t, cfg)

	h.observe(0.6)
	assert.Equal(t, detector.PhaseActive, h.det.Status().Phase)
	assert.Equal(t, 1, h.repo.createdCount())
}

func TestDetector_SingleActiveEventPerStream(t *testing.T) {
	h := newHarness(t, testConfig())

	for i := 0; i < 10; i++ {
		h.observe(0.95)
	}
	assert.Equal(t, 1, h.repo.createdCount(), "no overlapping events")
	assert.Equal(t, detector.PhaseActive, h.det.Status().Phase)
}

func TestDetector_HysteresisHoldsAtEndThreshold(t *testing.T) {
	h := newHarness(t, testConfig())
	h.observe(0.9)
	h.observe(0.9)
	require.Equal(t, detector.PhaseActive, h.det.Status().Phase)

	// end_threshold = 0.4; exactly at it keeps the event open.
	for i := 0; i < 6; i++ {
		h.observe(0.4)
	}
	assert.Equal(t, detector.PhaseActive, h.det.Status().Phase)
}

func TestDetector_FullLifecycle(t *testing.T) {
	h := newHarness(t, testConfig())

	h.observe(0.9)
	h.observe(0.96)
	h.observe(0.7)
	require.Equal(t, detector.PhaseActive, h.det.Status().Phase)

	// Three consecutive sub-end_threshold ticks enter ENDING.
	h.observe(0.3)
	h.observe(0.2)
	assert.Equal(t, detector.PhaseActive, h.det.Status().Phase)
	h.observe(0.1)
	assert.Equal(t, detector.PhaseEnding, h.det.Status().Phase)

	ev := h.col.waitEnded(t)
	h.det.Drain()

	require.NotNil(t, ev.EndTime)
	assert.InDelta(t, 0.96, ev.MaxConfidence, 1e-9)
	assert.InDelta(t, 0.1, ev.MinConfidence, 1e-9)
	// Scores: opening 0.96 plus 0.7, 0.3, 0.2, 0.1.
	assert.InDelta(t, (0.96+0.7+0.3+0.2+0.1)/5, ev.AvgConfidence, 1e-9)
	assert.Equal(t, store.SeverityCritical, ev.Severity)
	require.NotNil(t, ev.ClipPath)
	assert.Contains(t, *ev.ClipPath, ".mp4")
	assert.Equal(t, 1, h.repo.finalizedCount())
	assert.Equal(t, detector.PhaseCooldown, h.det.Status().Phase)

	// frame_count is the deduped clip capture, matching what the recorder
	// was handed.
	h.rec.mu.Lock()
	clipFrames := h.rec.frames
	h.rec.mu.Unlock()
	assert.Positive(t, clipFrames)
	assert.Equal(t, clipFrames, ev.FrameCount)
}

func TestDetector_ResumeDuringEnding(t *testing.T) {
	cfg := testConfig()
	cfg.ClipAfter = 150 * time.Millisecond
	h := newHarness(t, cfg)

	h.observe(0.9)
	h.observe(0.9)
	h.observe(0.3)
	h.observe(0.3)
	h.observe(0.3)
	require.Equal(t, detector.PhaseEnding, h.det.Status().Phase)

	// Violence resumes before the post-roll fires: same event continues.
	h.observe(0.85)
	assert.Equal(t, detector.PhaseActive, h.det.Status().Phase)

	// The cancelled timer must not finalize.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 0, h.repo.finalizedCount())
	assert.Equal(t, 1, h.repo.createdCount())

	// Now let it end for real.
	h.observe(0.1)
	h.observe(0.1)
	h.observe(0.1)
	ev := h.col.waitEnded(t)
	h.det.Drain()

	assert.Equal(t, 1, h.repo.finalizedCount())
	// avg covers every observed score after opening.
	assert.InDelta(t, (0.9+0.3+0.3+0.3+0.85+0.1+0.1+0.1)/8, ev.AvgConfidence, 1e-9)
}

func TestDetector_CooldownBlocksReopen(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 300 * time.Millisecond
	h := newHarness(t, cfg)

	h.observe(0.9)
	h.observe(0.9)
	h.observe(0.1)
	h.observe(0.1)
	h.observe(0.1)
	h.col.waitEnded(t)
	h.det.Drain()
	require.Equal(t, detector.PhaseCooldown, h.det.Status().Phase)

	// A burst inside the cooldown opens nothing.
	h.observe(0.95)
	h.observe(0.95)
	assert.Equal(t, 1, h.repo.createdCount())

	// After the cooldown elapses a new burst opens a second event.
	time.Sleep(350 * time.Millisecond)
	h.observe(0.95)
	h.observe(0.95)
	assert.Equal(t, 2, h.repo.createdCount())
}

func TestDetector_ForcedEndOnStop(t *testing.T) {
	h := newHarness(t, testConfig())

	h.observe(0.9)
	h.observe(0.9)
	require.Equal(t, detector.PhaseActive, h.det.Status().Phase)

	h.det.Stop()
	ev := h.col.waitEnded(t)
	h.det.Drain()

	assert.Equal(t, 1, h.repo.finalizedCount())
	require.NotNil(t, ev.EndTime)

	// Stop is idempotent and the detector is inert afterwards.
	h.det.Stop()
	h.observe(0.99)
	h.observe(0.99)
	assert.Equal(t, 1, h.repo.createdCount())
}

func TestDetector_EncodeFailureStillFinalizes(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rec.fail = true

	h.observe(0.9)
	h.observe(0.9)
	h.observe(0.1)
	h.observe(0.1)
	h.observe(0.1)
	ev := h.col.waitEnded(t)
	h.det.Drain()

	assert.Equal(t, 1, h.repo.finalizedCount())
	assert.Nil(t, ev.ClipPath)
	assert.Nil(t, ev.ThumbnailPath)
	require.NotNil(t, ev.EndTime)
}

func TestDetector_RepoFinalizeFailureStillBroadcasts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.repo.failFinalize = true

	h.observe(0.9)
	h.observe(0.97)
	h.observe(0.1)
	h.observe(0.1)
	h.observe(0.1)
	ev := h.col.waitEnded(t)
	h.det.Drain()

	// The in-memory copy still carries the final stats.
	require.NotNil(t, ev.EndTime)
	assert.InDelta(t, 0.97, ev.MaxConfidence, 1e-9)
	assert.Equal(t, store.SeverityCritical, ev.Severity)
}

func TestDetector_AlertRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = time.Hour // alerts rate-limited by the same cooldown
	h := newHarness(t, cfg)

	h.observe(0.95)
	h.observe(0.95) // opens, alert #1
	for i := 0; i < 5; i++ {
		h.observe(0.99)
	}

	h.col.mu.Lock()
	defer h.col.mu.Unlock()
	assert.Len(t, h.col.alerts, 1, "in-event alerts are rate-limited by the cooldown")
}
