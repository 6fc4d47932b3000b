// Package manager owns the per-stream processing graphs: one ffmpeg source,
// one inference scheduler and one event detector per running stream, wired
// to the WebSocket hub and the repositories.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vigil/internal/classifier"
	"vigil/internal/config"
	"vigil/internal/detector"
	"vigil/internal/log"
	"vigil/internal/pipeline"
	"vigil/internal/recorder"
	"vigil/internal/store"
	"vigil/internal/telegram"
	"vigil/internal/ws"
)

var (
	// ErrStreamAlreadyRunning means Start was called on a live stream.
	ErrStreamAlreadyRunning = errors.New("stream is already running")
	// ErrNoFrames means the stream has not produced a frame yet.
	ErrNoFrames = errors.New("no frames captured yet")
)

// CreateParams is the payload for registering a stream.
type CreateParams struct {
	Name                string
	URL                 string
	Type                string
	Location            string
	TargetFPS           int
	ResizeWidth         int
	ResizeHeight        int
	CustomThreshold     *float64
	CustomWindowSeconds *float64
	AutoStart           bool
}

// UpdateParams is a partial update; nil fields are left unchanged.
type UpdateParams struct {
	Name                *string
	URL                 *string
	Type                *string
	Location            *string
	TargetFPS           *int
	ResizeWidth         *int
	ResizeHeight        *int
	CustomThreshold     *float64
	CustomWindowSeconds *float64
}

// StreamStatus aggregates the persisted record with the live graph state.
type StreamStatus struct {
	Stream       *store.StreamRecord      `json:"stream"`
	Running      bool                     `json:"running"`
	Source       *pipeline.SourceStatus   `json:"source,omitempty"`
	Detector     *detector.Status         `json:"detector,omitempty"`
	LastScore    *pipeline.InferenceScore `json:"last_score,omitempty"`
	SkippedTicks uint64                   `json:"skipped_ticks"`
	FailedTicks  uint64                   `json:"failed_ticks"`
}

// graph is one running stream: source, scheduler, detector.
type graph struct {
	source *pipeline.Source
	sched  *pipeline.Scheduler
	det    *detector.Detector

	mu        sync.Mutex
	lastScore *pipeline.InferenceScore
}

func (g *graph) setScore(sc *pipeline.InferenceScore) {
	g.mu.Lock()
	g.lastScore = sc
	g.mu.Unlock()
}

func (g *graph) score() *pipeline.InferenceScore {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastScore
}

// Manager registers streams and runs at most one graph per stream id.
type Manager struct {
	cfg      *config.Config
	streams  *store.StreamRepository
	events   *store.EventRepository
	logs     *store.InferenceLogRepository
	hub      *ws.Hub
	cls      classifier.Classifier
	rec      *recorder.Recorder
	notifier *telegram.Notifier
	lg       zerolog.Logger

	mu      sync.RWMutex
	running map[string]*graph
}

// New wires the manager to its collaborators.
func New(cfg *config.Config, st *store.Store, hub *ws.Hub, cls classifier.Classifier, rec *recorder.Recorder) *Manager {
	return &Manager{
		cfg:     cfg,
		streams: st.Streams(),
		events:  st.Events(),
		logs:    st.InferenceLogs(),
		hub:     hub,
		cls:     cls,
		rec:     rec,
		lg:      log.WithComponent("manager"),
		running: make(map[string]*graph),
	}
}

// SetNotifier attaches the alert notifier. Call before any stream starts.
func (m *Manager) SetNotifier(n *telegram.Notifier) {
	m.notifier = n
}

// Load reconciles persisted streams at startup: everything is marked stopped,
// then streams flagged active are started again.
func (m *Manager) Load() error {
	records, err := m.streams.GetAll()
	if err != nil {
		return fmt.Errorf("load streams: %w", err)
	}

	started := 0
	for _, rec := range records {
		if rec.Status == store.StreamStatusRunning && !rec.IsActive {
			_ = m.streams.UpdateStatus(rec.ID, store.StreamStatusStopped, nil, "")
		}
		if !rec.IsActive {
			continue
		}
		if err := m.Start(rec.ID); err != nil {
			m.lg.Warn().Err(err).Str("stream_id", rec.ID).Msg("auto-start failed")
			continue
		}
		started++
	}

	m.lg.Info().Int("streams", len(records)).Int("auto_started", started).Msg("streams loaded")
	return nil
}

// Create registers a stream, auto-detecting the type from the URL when not
// given, and optionally starts it immediately.
func (m *Manager) Create(p CreateParams) (*store.StreamRecord, error) {
	if p.URL == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	streamType := p.Type
	if streamType == "" {
		streamType = string(pipeline.DetectStreamType(p.URL))
	}
	if err := validateType(streamType); err != nil {
		return nil, err
	}

	rec := &store.StreamRecord{
		ID:                  uuid.NewString(),
		Name:                p.Name,
		URL:                 p.URL,
		Type:                streamType,
		Location:            p.Location,
		TargetFPS:           orDefault(p.TargetFPS, m.cfg.TargetFPS),
		ResizeWidth:         orDefault(p.ResizeWidth, m.cfg.ResizeWidth),
		ResizeHeight:        orDefault(p.ResizeHeight, m.cfg.ResizeHeight),
		CustomThreshold:     p.CustomThreshold,
		CustomWindowSeconds: p.CustomWindowSeconds,
		IsActive:            p.AutoStart,
		Status:              store.StreamStatusCreated,
	}
	if rec.Name == "" {
		rec.Name = "stream-" + rec.ID[:8]
	}
	if err := validateOverrides(rec); err != nil {
		return nil, err
	}

	if err := m.streams.Create(rec); err != nil {
		return nil, err
	}
	m.lg.Info().Str("stream_id", rec.ID).Str("type", rec.Type).Msg("stream registered")

	if p.AutoStart {
		if err := m.Start(rec.ID); err != nil {
			return rec, fmt.Errorf("stream created but not started: %w", err)
		}
		return m.streams.GetByID(rec.ID)
	}
	return rec, nil
}

// Get returns the persisted record.
func (m *Manager) Get(id string) (*store.StreamRecord, error) {
	return m.streams.GetByID(id)
}

// List returns all persisted records.
func (m *Manager) List() ([]*store.StreamRecord, error) {
	return m.streams.GetAll()
}

// Update applies a partial update. URL or type changes are persisted but do
// not touch a running graph; the second return value tells the caller a
// restart is needed for them to take effect.
func (m *Manager) Update(id string, p UpdateParams) (*store.StreamRecord, bool, error) {
	rec, err := m.streams.GetByID(id)
	if err != nil {
		return nil, false, err
	}

	restart := false
	if p.URL != nil && *p.URL != rec.URL {
		rec.URL = *p.URL
		rec.Type = string(pipeline.DetectStreamType(rec.URL))
		restart = true
	}
	if p.Type != nil && *p.Type != rec.Type {
		if err := validateType(*p.Type); err != nil {
			return nil, false, err
		}
		rec.Type = *p.Type
		restart = true
	}
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.Location != nil {
		rec.Location = *p.Location
	}
	if p.TargetFPS != nil {
		rec.TargetFPS = *p.TargetFPS
	}
	if p.ResizeWidth != nil {
		rec.ResizeWidth = *p.ResizeWidth
	}
	if p.ResizeHeight != nil {
		rec.ResizeHeight = *p.ResizeHeight
	}
	if p.CustomThreshold != nil {
		rec.CustomThreshold = p.CustomThreshold
	}
	if p.CustomWindowSeconds != nil {
		rec.CustomWindowSeconds = p.CustomWindowSeconds
	}
	if err := validateOverrides(rec); err != nil {
		return nil, false, err
	}

	if err := m.streams.Update(rec); err != nil {
		return nil, false, err
	}
	restart = restart && m.IsRunning(id)
	return rec, restart, nil
}

// Delete stops the stream if running and removes the record; the stream's
// events go with it.
func (m *Manager) Delete(id string) error {
	if _, err := m.streams.GetByID(id); err != nil {
		return err
	}
	if err := m.Stop(id); err != nil && !errors.Is(err, store.ErrStreamNotFound) {
		return err
	}
	return m.streams.Delete(id)
}

// Start spins up the processing graph for a stream.
func (m *Manager) Start(id string) error {
	rec, err := m.streams.GetByID(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, live := m.running[id]; live {
		m.mu.Unlock()
		return ErrStreamAlreadyRunning
	}
	g := m.buildGraph(rec)
	m.running[id] = g
	m.mu.Unlock()

	g.source.Start()
	g.sched.Start()

	rec.IsActive = true
	rec.Status = store.StreamStatusRunning
	if err := m.streams.Update(rec); err != nil {
		m.lg.Warn().Err(err).Str("stream_id", id).Msg("persist running status failed")
	}
	m.hub.BroadcastStreamStarted(rec)
	m.lg.Info().Str("stream_id", id).Str("url", rec.URL).Msg("stream started")
	return nil
}

// Stop tears the graph down, forcing any in-flight event to finalize.
// Stopping a stream that is not running is a no-op.
func (m *Manager) Stop(id string) error {
	rec, err := m.streams.GetByID(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	g, live := m.running[id]
	delete(m.running, id)
	m.mu.Unlock()

	if live {
		m.stopGraph(g)
	}

	rec.IsActive = false
	rec.Status = store.StreamStatusStopped
	if err := m.streams.Update(rec); err != nil {
		m.lg.Warn().Err(err).Str("stream_id", id).Msg("persist stopped status failed")
	}
	if live {
		m.hub.BroadcastStreamStopped(rec)
		m.lg.Info().Str("stream_id", id).Msg("stream stopped")
	}
	return nil
}

// StopAll stops every running stream in parallel, bounded by ctx.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	graphs := make(map[string]*graph, len(m.running))
	for id, g := range m.running {
		graphs[id] = g
	}
	m.running = make(map[string]*graph)
	m.mu.Unlock()

	eg, _ := errgroup.WithContext(ctx)
	for id, g := range graphs {
		id, g := id, g
		eg.Go(func() error {
			m.stopGraph(g)
			if err := m.streams.UpdateStatus(id, store.StreamStatusStopped, nil, ""); err != nil {
				m.lg.Warn().Err(err).Str("stream_id", id).Msg("persist stopped status failed")
			}
			return nil
		})
	}
	return eg.Wait()
}

// stopGraph halts the workers in dependency order and waits for post-event
// work to drain.
func (m *Manager) stopGraph(g *graph) {
	g.sched.Stop()
	g.det.Stop()
	g.source.Stop()
	g.det.Drain()
}

// IsRunning reports whether a graph is live for the stream.
func (m *Manager) IsRunning(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.running[id]
	return ok
}

// RunningCount returns the number of live graphs.
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.running)
}

// Reader exposes the live frame reader for previews and snapshots.
func (m *Manager) Reader(id string) (pipeline.FrameReader, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.running[id]
	if !ok {
		return nil, false
	}
	return g.source, true
}

// Snapshot returns the newest decoded frame of a running stream.
func (m *Manager) Snapshot(id string) (*pipeline.FramePacket, error) {
	m.mu.RLock()
	g, ok := m.running[id]
	m.mu.RUnlock()
	if !ok {
		if _, err := m.streams.GetByID(id); err != nil {
			return nil, err
		}
		return nil, ErrNoFrames
	}
	frame := g.source.Latest()
	if frame == nil {
		return nil, ErrNoFrames
	}
	return frame, nil
}

// LastScore returns the most recent inference result, if any.
func (m *Manager) LastScore(id string) (*pipeline.InferenceScore, error) {
	m.mu.RLock()
	g, ok := m.running[id]
	m.mu.RUnlock()
	if !ok {
		if _, err := m.streams.GetByID(id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return g.score(), nil
}

// Status aggregates record and live state for one stream.
func (m *Manager) Status(id string) (*StreamStatus, error) {
	rec, err := m.streams.GetByID(id)
	if err != nil {
		return nil, err
	}

	st := &StreamStatus{Stream: rec}
	m.mu.RLock()
	g, ok := m.running[id]
	m.mu.RUnlock()
	if !ok {
		return st, nil
	}

	st.Running = true
	src := g.source.Status()
	st.Source = &src
	det := g.det.Status()
	st.Detector = &det
	st.LastScore = g.score()
	st.SkippedTicks, st.FailedTicks = g.sched.Stats()
	return st, nil
}

// buildGraph assembles source, scheduler and detector for one stream.
// Caller holds the lock; nothing is started yet.
func (m *Manager) buildGraph(rec *store.StreamRecord) *graph {
	cfg := m.cfg
	g := &graph{}

	g.source = pipeline.NewSource(pipeline.SourceConfig{
		StreamID:             rec.ID,
		URL:                  rec.URL,
		Type:                 pipeline.StreamType(rec.Type),
		TargetFPS:            rec.TargetFPS,
		Width:                rec.ResizeWidth,
		Height:               rec.ResizeHeight,
		BufferSize:           cfg.FrameBufferSize,
		ReconnectDelay:       cfg.ReconnectDelay(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReadTimeout:          cfg.ReadTimeout(),
	})

	threshold := cfg.ViolenceThreshold
	if rec.CustomThreshold != nil {
		threshold = *rec.CustomThreshold
	}
	alertThreshold := cfg.ViolenceAlertThreshold
	if alertThreshold < threshold {
		alertThreshold = threshold
	}

	// A typed nil must not reach the detector as a non-nil interface.
	var clips detector.ClipRecorder
	if m.rec != nil {
		clips = m.rec
	}

	g.det = detector.New(detector.Config{
		StreamID:       rec.ID,
		StreamName:     rec.Name,
		Threshold:      threshold,
		AlertThreshold: alertThreshold,
		MinConsecutive: cfg.MinConsecutiveFrames,
		EndConsecutive: cfg.EndConsecutiveFrames,
		Cooldown:       cfg.AlertCooldown(),
		ClipBefore:     cfg.ClipBefore(),
		ClipAfter:      cfg.ClipAfter(),
		TargetFPS:      rec.TargetFPS,
	}, g.source, m.events, clips, detector.Callbacks{
		OnEventStarted: m.hub.BroadcastEventStarted,
		OnEventEnded: func(ev *store.Event) {
			m.hub.BroadcastEventEnded(ev)
			m.notifyEnded(ev)
		},
		OnAlert: func(ev *store.Event, confidence float64, message string) {
			m.hub.BroadcastAlert(ev, confidence, message)
			m.notifyAlert(ev, confidence)
		},
	})

	reader := readerFor(g.source, rec.CustomWindowSeconds)

	var veto *pipeline.ShakeVeto
	if cfg.MotionVetoEnabled {
		veto = pipeline.NewShakeVeto()
	}

	g.sched = pipeline.NewScheduler(pipeline.SchedulerConfig{
		StreamID:    rec.ID,
		Interval:    cfg.InferenceInterval(),
		WindowSize:  cfg.FrameSampleRate,
		Timeout:     cfg.MLTimeout(),
		Veto:        veto,
		Smoothing:   cfg.SmoothingWindow,
		Threshold:   threshold,
		AlertThresh: alertThreshold,
	}, reader, func(ctx context.Context, frames []*pipeline.FramePacket) (pipeline.ClassifyResult, error) {
		res, err := m.cls.Classify(ctx, frames)
		return pipeline.ClassifyResult{
			Violence:    res.ViolenceScore,
			NonViolence: res.NonViolenceScore,
			InferenceMs: res.InferenceMs,
		}, err
	}, func(sc *pipeline.InferenceScore) {
		g.det.Observe(sc)
		g.setScore(sc)
		m.hub.BroadcastScore(sc)
		m.logInference(sc)
	})

	g.source.OnStatusChange = func(phase pipeline.SourcePhase, detail string) {
		m.hub.BroadcastStreamStatus(rec.ID, phase, detail)
		m.persistPhase(rec.ID, g.source, phase, detail)
	}

	return g
}

// persistPhase mirrors source phase changes into the stream row,
// best-effort.
func (m *Manager) persistPhase(id string, src *pipeline.Source, phase pipeline.SourcePhase, detail string) {
	var status string
	switch phase {
	case pipeline.PhaseConnected:
		status = store.StreamStatusRunning
	case pipeline.PhaseError:
		status = store.StreamStatusError
	case pipeline.PhaseStopped:
		status = store.StreamStatusStopped
	default:
		return
	}
	lastFrameAt := src.Status().LastFrameAt
	if err := m.streams.UpdateStatus(id, status, lastFrameAt, detail); err != nil {
		m.lg.Debug().Err(err).Str("stream_id", id).Msg("persist phase failed")
	}
}

// notifyAlert pushes the alert to Telegram off the detector goroutine.
func (m *Manager) notifyAlert(ev *store.Event, confidence float64) {
	if m.notifier == nil || !m.notifier.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := m.notifier.Alert(ctx, ev, confidence); err != nil {
			m.lg.Warn().Err(err).Str("event_id", ev.ID).Msg("telegram alert failed")
		}
	}()
}

// notifyEnded posts the event summary with its thumbnail, best-effort.
func (m *Manager) notifyEnded(ev *store.Event) {
	if m.notifier == nil || !m.notifier.Enabled() {
		return
	}
	var thumb []byte
	if ev.ThumbnailPath != nil && m.rec != nil {
		if data, err := os.ReadFile(filepath.Join(m.rec.Dir(), *ev.ThumbnailPath)); err == nil {
			thumb = data
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := m.notifier.EventEnded(ctx, ev, thumb); err != nil {
			m.lg.Warn().Err(err).Str("event_id", ev.ID).Msg("telegram summary failed")
		}
	}()
}

// logInference writes the tick to the inference log, best-effort.
func (m *Manager) logInference(sc *pipeline.InferenceScore) {
	err := m.logs.Insert(&store.InferenceLog{
		StreamID:      sc.StreamID,
		ViolenceScore: sc.RawScore,
		SmoothedScore: sc.SmoothedScore,
		InferenceMs:   sc.InferenceMs,
		FrameCount:    sc.FrameCount,
		WindowStart:   sc.WindowStart,
		WindowEnd:     sc.WindowEnd,
	})
	if err != nil {
		m.lg.Debug().Err(err).Str("stream_id", sc.StreamID).Msg("inference log write failed")
	}
}

func validateType(t string) error {
	switch pipeline.StreamType(t) {
	case pipeline.StreamTypeRTSP, pipeline.StreamTypeRTMP, pipeline.StreamTypeWebcam, pipeline.StreamTypeFile:
		return nil
	}
	return fmt.Errorf("unknown stream type %q", t)
}

func validateOverrides(rec *store.StreamRecord) error {
	if rec.TargetFPS < 1 || rec.TargetFPS > 120 {
		return fmt.Errorf("invalid target_fps %d", rec.TargetFPS)
	}
	if rec.ResizeWidth < 16 || rec.ResizeHeight < 16 {
		return fmt.Errorf("invalid resize %dx%d", rec.ResizeWidth, rec.ResizeHeight)
	}
	if rec.CustomThreshold != nil && (*rec.CustomThreshold <= 0 || *rec.CustomThreshold > 1) {
		return fmt.Errorf("custom_threshold %v outside (0,1]", *rec.CustomThreshold)
	}
	if rec.CustomWindowSeconds != nil && *rec.CustomWindowSeconds <= 0 {
		return fmt.Errorf("custom_window_seconds %v must be > 0", *rec.CustomWindowSeconds)
	}
	return nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
