package pipeline

// Smoother keeps a short history of raw classifier scores and derives the
// moving average plus a consecutive-high counter. It is owned by a single
// scheduler goroutine and is not safe for concurrent use.
type Smoother struct {
	window         int
	alertThreshold float64

	history         []float64
	consecutiveHigh int
}

// NewSmoother creates a smoother averaging the last window raw scores.
func NewSmoother(window int, alertThreshold float64) *Smoother {
	if window < 1 {
		window = 1
	}
	return &Smoother{
		window:         window,
		alertThreshold: alertThreshold,
	}
}

// Observe records a raw score and returns the smoothed score and the number
// of consecutive observations at or above the alert threshold.
func (s *Smoother) Observe(raw float64) (smoothed float64, consecutiveHigh int) {
	s.history = append(s.history, raw)
	if len(s.history) > s.window {
		s.history = s.history[len(s.history)-s.window:]
	}

	sum := 0.0
	for _, v := range s.history {
		sum += v
	}
	smoothed = sum / float64(len(s.history))

	if raw >= s.alertThreshold {
		s.consecutiveHigh++
	} else {
		s.consecutiveHigh = 0
	}
	return smoothed, s.consecutiveHigh
}

// Reset clears the history, used when the stream stops.
func (s *Smoother) Reset() {
	s.history = s.history[:0]
	s.consecutiveHigh = 0
}
