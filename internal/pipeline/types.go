package pipeline

import (
	"strings"
	"time"
)

// StreamType identifies how a stream URL is ingested.
type StreamType string

const (
	StreamTypeRTSP   StreamType = "rtsp"
	StreamTypeRTMP   StreamType = "rtmp"
	StreamTypeWebcam StreamType = "webcam"
	StreamTypeFile   StreamType = "file"
)

// DetectStreamType guesses the stream type from the URL prefix.
func DetectStreamType(url string) StreamType {
	switch {
	case strings.HasPrefix(url, "rtsp://"):
		return StreamTypeRTSP
	case strings.HasPrefix(url, "rtmp://"), strings.HasPrefix(url, "rtmps://"):
		return StreamTypeRTMP
	case strings.HasPrefix(url, "/dev/video"), url == "0", url == "1":
		return StreamTypeWebcam
	default:
		return StreamTypeFile
	}
}

// FramePacket is a single decoded frame. Data is raw BGR24 bytes,
// Width*Height*3 long. FrameNumber is monotonic per stream starting at 1.
type FramePacket struct {
	StreamID    string
	Data        []byte
	Width       int
	Height      int
	FrameNumber uint64
	Timestamp   time.Time
}

// InferenceScore is the output of one classifier call over a frame window.
type InferenceScore struct {
	StreamID         string    `json:"stream_id"`
	ViolenceScore    float64   `json:"violence_score"`
	NonViolenceScore float64   `json:"non_violence_score"`
	RawScore         float64   `json:"raw_score"`
	SmoothedScore    float64   `json:"smoothed_score"`
	IsViolent        bool      `json:"is_violent"`
	ConsecutiveHigh  int       `json:"consecutive_high"`
	FrameCount       int       `json:"frame_count"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	FrameNumberEnd   uint64    `json:"frame_number_end"`
	InferenceMs      float64   `json:"inference_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// SourcePhase is the connection state of a frame source.
type SourcePhase string

const (
	PhaseDisconnected SourcePhase = "DISCONNECTED"
	PhaseConnecting   SourcePhase = "CONNECTING"
	PhaseConnected    SourcePhase = "CONNECTED"
	PhaseReconnecting SourcePhase = "RECONNECTING"
	PhaseStopped      SourcePhase = "STOPPED"
	PhaseError        SourcePhase = "ERROR"
)

// SourceStatus is a point-in-time snapshot of a frame source.
type SourceStatus struct {
	Phase        SourcePhase `json:"phase"`
	FrameCount   uint64      `json:"frame_count"`
	DroppedReads uint64      `json:"dropped_reads"`
	Reconnects   uint64      `json:"reconnects"`
	LastFrameAt  *time.Time  `json:"last_frame_at,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
}

// FrameReader is the read side of a running source, consumed by the
// scheduler, the detector and the MJPEG preview.
type FrameReader interface {
	Latest() *FramePacket
	LastConsecutive(k int) []*FramePacket
	LastWindow(d time.Duration) []*FramePacket
	UniformSampled(k int) []*FramePacket
	Status() SourceStatus
}
