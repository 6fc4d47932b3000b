package pipeline

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/log"
)

// ClassifyResult is what the classifier callback returns for one window.
type ClassifyResult struct {
	Violence    float64
	NonViolence float64
	InferenceMs float64
}

// ClassifyFunc scores a window of frames. It must honour the context
// deadline.
type ClassifyFunc func(ctx context.Context, frames []*FramePacket) (ClassifyResult, error)

// SchedulerConfig bundles the scheduler tunables.
type SchedulerConfig struct {
	StreamID    string
	Interval    time.Duration
	WindowSize  int
	Timeout     time.Duration
	Veto        *ShakeVeto // nil disables the camera-shake veto
	Smoothing   int
	Threshold   float64 // is_violent boundary for the smoothed score
	AlertThresh float64
}

// Scheduler drives the classifier at a fixed cadence over the newest window
// of consecutive frames and forwards each InferenceScore to the emit
// callback in strict window order.
type Scheduler struct {
	cfg      SchedulerConfig
	source   FrameReader
	classify ClassifyFunc
	emit     func(*InferenceScore)
	smoother *Smoother
	lg       zerolog.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	lastProcessed uint64
	skippedTicks  atomic.Uint64
	failedTicks   atomic.Uint64
}

// NewScheduler wires a scheduler to its source, classifier and sink.
func NewScheduler(cfg SchedulerConfig, source FrameReader, classify ClassifyFunc, emit func(*InferenceScore)) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		source:   source,
		classify: classify,
		emit:     emit,
		smoother: NewSmoother(cfg.Smoothing, cfg.AlertThresh),
		lg:       log.WithStream("scheduler", cfg.StreamID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the cadence loop. Idempotent.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

// Stop halts the loop within one tick. An in-flight classifier call may
// complete but its result is discarded.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.running.Load() {
		<-s.doneCh
	}
	s.smoother.Reset()
}

// Stats returns skip and failure counters.
func (s *Scheduler) Stats() (skipped, failed uint64) {
	return s.skippedTicks.Load(), s.failedTicks.Load()
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	if s.source.Status().Phase != PhaseConnected {
		s.skippedTicks.Add(1)
		return
	}

	frames := s.source.LastConsecutive(s.cfg.WindowSize)
	if len(frames) < s.cfg.WindowSize {
		s.skippedTicks.Add(1)
		return
	}
	last := frames[len(frames)-1]
	if last.FrameNumber == s.lastProcessed {
		s.skippedTicks.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	res, err := s.classify(ctx, frames)
	cancel()

	select {
	case <-s.stopCh:
		// Stopped while the call was in flight; discard the result.
		return
	default:
	}

	if err != nil {
		s.failedTicks.Add(1)
		s.lg.Warn().Err(err).Msg("classifier call failed, tick skipped")
		return
	}

	raw := sanitizeScore(res.Violence, s.lg)
	if s.cfg.Veto != nil && s.cfg.Veto.Shaking(frames) {
		s.lg.Debug().Float64("raw", raw).Msg("camera shake veto zeroed score")
		raw = 0
	}

	smoothed, consecutiveHigh := s.smoother.Observe(raw)

	// The published violence_score is the smoothed value; the unsmoothed
	// classifier output stays in raw_score for the detector.
	score := &InferenceScore{
		StreamID:         s.cfg.StreamID,
		ViolenceScore:    smoothed,
		NonViolenceScore: 1 - smoothed,
		RawScore:         raw,
		SmoothedScore:    smoothed,
		IsViolent:        smoothed >= s.cfg.Threshold,
		ConsecutiveHigh:  consecutiveHigh,
		FrameCount:       len(frames),
		WindowStart:      frames[0].Timestamp,
		WindowEnd:        last.Timestamp,
		FrameNumberEnd:   last.FrameNumber,
		InferenceMs:      res.InferenceMs,
		Timestamp:        time.Now(),
	}
	s.lastProcessed = last.FrameNumber

	if s.emit != nil {
		s.emit(score)
	}
}

// sanitizeScore clamps classifier output into [0,1]; NaN and out-of-range
// values become 0 so a misbehaving model cannot open events.
func sanitizeScore(v float64, lg zerolog.Logger) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		lg.Warn().Float64("score", v).Msg("classifier returned invalid score, treating as 0")
		return 0
	}
	return v
}
