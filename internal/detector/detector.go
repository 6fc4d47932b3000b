// Package detector turns per-stream inference scores into violence events:
// confirmation at opening, hysteresis and a cancellable post-roll wait at
// closing, and a refractory cooldown between events.
package detector

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vigil/internal/log"
	"vigil/internal/pipeline"
	"vigil/internal/recorder"
	"vigil/internal/store"
)

// Phase is the detector state for one stream.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseTriggered Phase = "TRIGGERED"
	PhaseActive    Phase = "ACTIVE"
	PhaseEnding    Phase = "ENDING"
	PhaseCooldown  Phase = "COOLDOWN"
)

// Config holds the per-stream detector tunables. Threshold may be a stream
// override; EndThreshold is derived from it.
type Config struct {
	StreamID       string
	StreamName     string
	Threshold      float64
	AlertThreshold float64
	MinConsecutive int
	EndConsecutive int
	Cooldown       time.Duration
	ClipBefore     time.Duration
	ClipAfter      time.Duration
	TargetFPS      int
}

// EndThreshold returns the hysteresis level required to keep an event open.
func (c Config) EndThreshold() float64 {
	return c.Threshold * 0.8
}

// EventRepo is the slice of the event repository the detector needs.
// *store.EventRepository satisfies it.
type EventRepo interface {
	Create(ev *store.Event) error
	Finalize(id string, p store.FinalizeParams) (*store.Event, error)
}

// ClipRecorder produces the on-disk artifacts for a finalized event.
// *recorder.Recorder satisfies it; a nil recorder disables clip output.
type ClipRecorder interface {
	Record(frames []*pipeline.FramePacket, streamName, eventID string, fps int) (recorder.Artifact, error)
	PersonCrops(frames []*pipeline.FramePacket, streamName, eventID string) []string
}

// Callbacks are injected by the stream manager; the detector never imports
// it. All callbacks must be non-blocking.
type Callbacks struct {
	OnEventStarted func(ev *store.Event)
	OnEventEnded   func(ev *store.Event)
	OnAlert        func(ev *store.Event, confidence float64, message string)
}

// Status is a point-in-time snapshot for the API.
type Status struct {
	Phase          Phase      `json:"phase"`
	Consecutive    int        `json:"consecutive_violent_count"`
	CurrentEventID string     `json:"current_event_id,omitempty"`
	PeakScore      float64    `json:"peak_score"`
	ScoreCount     int        `json:"score_count"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
	EventsOpened   uint64     `json:"events_opened"`
}

// Detector is the per-stream event state machine. Observe is called by the
// inference worker; the finalize timer fires on its own goroutine; the mutex
// serializes the two.
type Detector struct {
	cfg    Config
	source pipeline.FrameReader
	events EventRepo
	rec    ClipRecorder
	cb     Callbacks
	lg     zerolog.Logger

	mu            sync.Mutex
	phase         Phase
	consecutive   int
	lowStreak     int
	event         *store.Event
	scores        []float64
	preFrames     []*pipeline.FramePacket
	eventFrames   []*pipeline.FramePacket
	cooldownUntil time.Time
	finalizeTimer *time.Timer
	finalizeGen   uint64
	lastAlertAt   time.Time
	eventsOpened  uint64
	stopped       bool

	// post-event encode work in flight, so Drain can wait for it
	wg sync.WaitGroup
}

// New creates an idle detector.
func New(cfg Config, source pipeline.FrameReader, events EventRepo, rec ClipRecorder, cb Callbacks) *Detector {
	return &Detector{
		cfg:    cfg,
		source: source,
		events: events,
		rec:    rec,
		cb:     cb,
		lg:     log.WithStream("detector", cfg.StreamID),
		phase:  PhaseIdle,
	}
}

// Observe consumes one inference score. Scores must arrive in window order;
// the scheduler guarantees that per stream.
func (d *Detector) Observe(sc *pipeline.InferenceScore) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()
	if d.phase == PhaseCooldown {
		if now.Before(d.cooldownUntil) {
			return
		}
		d.phase = PhaseIdle
	}

	raw := sc.RawScore

	switch d.phase {
	case PhaseIdle, PhaseTriggered:
		// The pre-roll snapshot is refreshed every tick until an event
		// opens, so ACTIVE entry sees the freshest window.
		d.preFrames = d.source.LastWindow(d.cfg.ClipBefore)

		if raw >= d.cfg.Threshold {
			d.consecutive++
			d.phase = PhaseTriggered
			if d.consecutive >= d.cfg.MinConsecutive {
				d.openEvent(sc, now)
			}
		} else {
			d.consecutive = 0
			d.phase = PhaseIdle
		}

	case PhaseActive:
		d.scores = append(d.scores, raw)
		d.captureEventFrame()
		d.maybeAlert(raw, now)

		if raw < d.cfg.EndThreshold() {
			d.lowStreak++
			if d.lowStreak >= d.cfg.EndConsecutive {
				d.phase = PhaseEnding
				d.scheduleFinalize()
				d.lg.Info().Str("event_id", d.event.ID).
					Dur("post_roll", d.cfg.ClipAfter).Msg("violence subsided, post-roll wait started")
			}
		} else {
			d.lowStreak = 0
		}

	case PhaseEnding:
		d.scores = append(d.scores, raw)
		d.captureEventFrame()

		if raw >= d.cfg.Threshold {
			// Violence resumed before the post-roll elapsed; same event
			// continues.
			d.cancelFinalizeLocked()
			d.phase = PhaseActive
			d.lowStreak = 0
			d.lg.Info().Str("event_id", d.event.ID).Msg("violence resumed, finalize cancelled")
		}
	}
}

// Stop force-finalizes any open event with the frames buffered right now
// and makes the detector inert. Called when the stream stops.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.phase == PhaseActive || d.phase == PhaseEnding {
		d.cancelFinalizeLocked()
		d.finalizeLocked(time.Now(), true)
	}
	d.phase = PhaseIdle
	d.preFrames = nil
	d.mu.Unlock()
}

// Drain blocks until in-flight post-event work (clip encode, person crops,
// repository finalize) has completed.
func (d *Detector) Drain() {
	d.wg.Wait()
}

// Status returns a snapshot for the API.
func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{
		Phase:        d.phase,
		Consecutive:  d.consecutive,
		ScoreCount:   len(d.scores),
		EventsOpened: d.eventsOpened,
	}
	if d.event != nil {
		st.CurrentEventID = d.event.ID
		st.PeakScore = peak(d.scores)
	}
	if d.phase == PhaseCooldown {
		until := d.cooldownUntil
		st.CooldownUntil = &until
	}
	return st
}

// openEvent creates and persists a new event. Caller holds the lock.
func (d *Detector) openEvent(sc *pipeline.InferenceScore, now time.Time) {
	raw := sc.RawScore
	ev := &store.Event{
		ID:            uuid.NewString(),
		StreamID:      d.cfg.StreamID,
		StreamName:    d.cfg.StreamName,
		StartTime:     sc.WindowEnd.UTC(),
		MaxConfidence: raw,
		AvgConfidence: raw,
		MinConfidence: raw,
		FrameCount:    sc.FrameCount,
		Severity:      store.SeverityFor(raw),
		Status:        store.EventStatusPending,
	}

	if err := d.events.Create(ev); err != nil {
		// In-memory state stays authoritative; the row is lost but the
		// pipeline keeps running.
		d.lg.Error().Err(err).Msg("persist event failed")
	}

	d.phase = PhaseActive
	d.event = ev
	d.scores = []float64{raw}
	d.eventFrames = nil
	d.lowStreak = 0
	d.eventsOpened++
	d.captureEventFrame()

	d.lg.Warn().Str("event_id", ev.ID).Float64("confidence", raw).
		Str("severity", string(ev.Severity)).Msg("violence event opened")

	if d.cb.OnEventStarted != nil {
		d.cb.OnEventStarted(ev)
	}
	d.lastAlertAt = now
	if d.cb.OnAlert != nil {
		d.cb.OnAlert(ev, raw, "violence detected")
	}
}

// maybeAlert re-raises the alert for sustained high confidence, rate-limited
// by the cooldown. Caller holds the lock.
func (d *Detector) maybeAlert(raw float64, now time.Time) {
	if raw < d.cfg.AlertThreshold {
		return
	}
	if now.Sub(d.lastAlertAt) < d.cfg.Cooldown {
		return
	}
	d.lastAlertAt = now
	if d.cb.OnAlert != nil {
		d.cb.OnAlert(d.event, raw, "violence ongoing")
	}
}

// captureEventFrame appends the newest frame to the in-event capture list.
// Duplicates are dropped at finalization. Caller holds the lock.
func (d *Detector) captureEventFrame() {
	frames := d.source.LastConsecutive(1)
	if len(frames) == 1 {
		d.eventFrames = append(d.eventFrames, frames[0])
	}
}

func (d *Detector) scheduleFinalize() {
	d.finalizeGen++
	gen := d.finalizeGen
	d.finalizeTimer = time.AfterFunc(d.cfg.ClipAfter, func() {
		d.onFinalizeTimer(gen)
	})
}

// cancelFinalizeLocked invalidates any scheduled finalize. Caller holds the
// lock.
func (d *Detector) cancelFinalizeLocked() {
	d.finalizeGen++
	if d.finalizeTimer != nil {
		d.finalizeTimer.Stop()
		d.finalizeTimer = nil
	}
}

func (d *Detector) onFinalizeTimer(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || gen != d.finalizeGen || d.phase != PhaseEnding {
		return
	}
	d.finalizeLocked(time.Now(), false)
}

// finalizeLocked snapshots the event state, resets the machine into
// COOLDOWN and hands the heavy work (encode, crops, repository write) to a
// background goroutine. Caller holds the lock.
func (d *Detector) finalizeLocked(end time.Time, forced bool) {
	ev := d.event
	if ev == nil {
		return
	}
	scores := d.scores
	frames := dedupFrames(d.preFrames, d.eventFrames, d.postRollFrames(forced))

	d.event = nil
	d.scores = nil
	d.preFrames = nil
	d.eventFrames = nil
	d.consecutive = 0
	d.lowStreak = 0
	d.phase = PhaseCooldown
	d.cooldownUntil = time.Now().Add(d.cfg.Cooldown)

	d.lg.Info().Str("event_id", ev.ID).Int("frames", len(frames)).
		Int("scores", len(scores)).Bool("forced", forced).Msg("finalizing event")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.finishEvent(ev, scores, frames, end)
	}()
}

// postRollFrames collects the post-roll. A forced end takes whatever is
// buffered instead of waiting. Caller holds the lock.
func (d *Detector) postRollFrames(forced bool) []*pipeline.FramePacket {
	if forced {
		return d.source.LastConsecutive(int(d.cfg.ClipAfter.Seconds()) * d.cfg.TargetFPS)
	}
	return d.source.LastWindow(d.cfg.ClipAfter)
}

// finishEvent runs outside the lock: encodes the clip, extracts person
// crops and writes the final record. Encode failure still finalizes the
// event, just without artifact paths.
func (d *Detector) finishEvent(ev *store.Event, scores []float64, frames []*pipeline.FramePacket, end time.Time) {
	// frame_count is the deduped capture that goes into the clip, not the
	// number of inference ticks.
	params := store.FinalizeParams{
		EndTime:    end,
		Scores:     scores,
		FrameCount: len(frames),
	}

	if d.rec != nil && len(frames) > 0 {
		art, err := d.rec.Record(frames, d.cfg.StreamName, ev.ID, d.cfg.TargetFPS)
		if err != nil {
			d.lg.Warn().Err(err).Str("event_id", ev.ID).Msg("clip encode failed, event kept without clip")
		} else {
			params.ClipPath = &art.ClipPath
			params.ClipDuration = &art.Duration
			params.ThumbnailPath = &art.ThumbnailPath
		}
		params.PersonImages = d.rec.PersonCrops(frames, d.cfg.StreamName, ev.ID)
	}

	final, err := d.events.Finalize(ev.ID, params)
	if err != nil {
		d.lg.Error().Err(err).Str("event_id", ev.ID).Msg("finalize write failed")
		// Broadcast from the in-memory copy so subscribers still see the end.
		final = ev
		endUTC := end.UTC()
		final.EndTime = &endUTC
		dur := endUTC.Sub(ev.StartTime).Seconds()
		if dur < 0 {
			dur = 0
		}
		final.DurationSeconds = &dur
		final.MaxConfidence = peak(scores)
		final.Severity = store.SeverityFor(final.MaxConfidence)
		final.ClipPath = params.ClipPath
		final.ClipDuration = params.ClipDuration
		final.ThumbnailPath = params.ThumbnailPath
		final.PersonImages = params.PersonImages
	}

	d.lg.Info().Str("event_id", final.ID).Str("severity", string(final.Severity)).
		Float64("max_confidence", final.MaxConfidence).Msg("event finalized")

	if d.cb.OnEventEnded != nil {
		d.cb.OnEventEnded(final)
	}
}

// dedupFrames merges the capture lists, drops duplicate frame numbers and
// sorts ascending.
func dedupFrames(lists ...[]*pipeline.FramePacket) []*pipeline.FramePacket {
	seen := make(map[uint64]*pipeline.FramePacket)
	for _, list := range lists {
		for _, p := range list {
			if p != nil {
				seen[p.FrameNumber] = p
			}
		}
	}
	out := make([]*pipeline.FramePacket, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameNumber < out[j].FrameNumber })
	return out
}

func peak(scores []float64) float64 {
	max := 0.0
	for _, v := range scores {
		if v > max {
			max = v
		}
	}
	return max
}
