package manager

import (
	"time"

	"vigil/internal/pipeline"
)

// spanReader presents a frame source to the scheduler so that a "window of
// k frames" means k frames uniformly sampled across the sliding time span,
// not the newest k decoder frames. It only wraps streams that carry a
// custom_window_seconds override.
type spanReader struct {
	src  pipeline.FrameReader
	span time.Duration
}

func newSpanReader(src pipeline.FrameReader, span time.Duration) *spanReader {
	return &spanReader{src: src, span: span}
}

// readerFor picks the scheduler's frame source. The default is the raw
// buffer: the newest k consecutive decoder frames, exactly as captured.
// Only an explicit custom_window_seconds override spreads the window by
// sampling across that span.
func readerFor(src pipeline.FrameReader, customWindowSeconds *float64) pipeline.FrameReader {
	if customWindowSeconds == nil {
		return src
	}
	return newSpanReader(src, time.Duration(*customWindowSeconds*float64(time.Second)))
}

func (r *spanReader) LastConsecutive(k int) []*pipeline.FramePacket {
	if r.span <= 0 {
		return r.src.LastConsecutive(k)
	}
	window := r.src.LastWindow(r.span)
	if len(window) < k {
		// The span does not hold a full window yet; let the buffer decide.
		return r.src.LastConsecutive(k)
	}
	if k == 1 {
		return window[len(window)-1:]
	}
	out := make([]*pipeline.FramePacket, 0, k)
	n := len(window)
	for i := 0; i < k; i++ {
		out = append(out, window[i*(n-1)/(k-1)])
	}
	return out
}

func (r *spanReader) Latest() *pipeline.FramePacket { return r.src.Latest() }

func (r *spanReader) LastWindow(d time.Duration) []*pipeline.FramePacket {
	return r.src.LastWindow(d)
}

func (r *spanReader) UniformSampled(k int) []*pipeline.FramePacket {
	return r.src.UniformSampled(k)
}

func (r *spanReader) Status() pipeline.SourceStatus { return r.src.Status() }

var _ pipeline.FrameReader = (*spanReader)(nil)
