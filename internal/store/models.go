package store

import (
	"time"
)

// StreamStatus is the persisted lifecycle state of a stream.
const (
	StreamStatusCreated = "created"
	StreamStatusRunning = "running"
	StreamStatusStopped = "stopped"
	StreamStatusError   = "error"
)

// StreamRecord is a persisted stream configuration.
type StreamRecord struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	Type                string     `json:"stream_type"`
	Location            string     `json:"location,omitempty"`
	TargetFPS           int        `json:"target_fps"`
	ResizeWidth         int        `json:"resize_width"`
	ResizeHeight        int        `json:"resize_height"`
	CustomThreshold     *float64   `json:"custom_threshold,omitempty"`
	CustomWindowSeconds *float64   `json:"custom_window_seconds,omitempty"`
	IsActive            bool       `json:"is_active"`
	Status              string     `json:"status"`
	LastFrameAt         *time.Time `json:"last_frame_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// EventStatus is the review state of an event. PENDING is the only
// non-terminal status.
type EventStatus string

const (
	EventStatusPending          EventStatus = "PENDING"
	EventStatusConfirmed        EventStatus = "CONFIRMED"
	EventStatusDismissed        EventStatus = "DISMISSED"
	EventStatusAutoDismissed    EventStatus = "AUTO_DISMISSED"
	EventStatusActionExecuted   EventStatus = "ACTION_EXECUTED"
	EventStatusNoActionRequired EventStatus = "NO_ACTION_REQUIRED"
)

// ValidEventStatus reports whether s is a known review status.
func ValidEventStatus(s EventStatus) bool {
	switch s {
	case EventStatusPending, EventStatusConfirmed, EventStatusDismissed,
		EventStatusAutoDismissed, EventStatusActionExecuted, EventStatusNoActionRequired:
		return true
	}
	return false
}

// Severity is the categorical label derived from an event's peak confidence.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityFor maps a peak confidence to its severity band.
func SeverityFor(peak float64) Severity {
	switch {
	case peak >= 0.95:
		return SeverityCritical
	case peak >= 0.85:
		return SeverityHigh
	case peak >= 0.75:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Event is a persisted violence event.
type Event struct {
	ID              string      `json:"id"`
	StreamID        string      `json:"stream_id"`
	StreamName      string      `json:"stream_name"`
	StartTime       time.Time   `json:"start_time"`
	EndTime         *time.Time  `json:"end_time,omitempty"`
	DurationSeconds *float64    `json:"duration_seconds,omitempty"`
	MaxConfidence   float64     `json:"max_confidence"`
	AvgConfidence   float64     `json:"avg_confidence"`
	MinConfidence   float64     `json:"min_confidence"`
	FrameCount      int         `json:"frame_count"`
	Severity        Severity    `json:"severity"`
	Status          EventStatus `json:"status"`
	ClipPath        *string     `json:"clip_path,omitempty"`
	ClipDuration    *float64    `json:"clip_duration,omitempty"`
	ThumbnailPath   *string     `json:"thumbnail_path,omitempty"`
	PersonImages    []string    `json:"person_images,omitempty"`
	ReviewedAt      *time.Time  `json:"reviewed_at,omitempty"`
	ReviewedBy      *string     `json:"reviewed_by,omitempty"`
	Notes           string      `json:"notes,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// EventFilter narrows event listings.
type EventFilter struct {
	Status      EventStatus
	StreamID    string
	Limit       int
	Offset      int
	StartAfter  *time.Time
	StartBefore *time.Time
}

// FinalizeParams carries everything written atomically at event
// finalization.
type FinalizeParams struct {
	EndTime       time.Time
	Scores        []float64
	FrameCount    int
	ClipPath      *string
	ClipDuration  *float64
	ThumbnailPath *string
	PersonImages  []string
}

// Statistics summarises events over a trailing window of days.
type Statistics struct {
	Days          int            `json:"days"`
	TotalEvents   int            `json:"total_events"`
	ByStatus      map[string]int `json:"by_status"`
	BySeverity    map[string]int `json:"by_severity"`
	MaxConfidence float64        `json:"max_confidence"`
	AvgConfidence float64        `json:"avg_confidence"`
}

// InferenceLog is one persisted inference tick, written best-effort.
type InferenceLog struct {
	ID            int64     `json:"id"`
	StreamID      string    `json:"stream_id"`
	ViolenceScore float64   `json:"violence_score"`
	SmoothedScore float64   `json:"smoothed_score"`
	InferenceMs   float64   `json:"inference_ms"`
	FrameCount    int       `json:"frame_count"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	CreatedAt     time.Time `json:"created_at"`
}
