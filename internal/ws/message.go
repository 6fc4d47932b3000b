package ws

import (
	"encoding/json"
	"time"

	"vigil/internal/pipeline"
	"vigil/internal/store"
)

// MessageType tags every frame sent to subscribers.
type MessageType string

const (
	TypeInferenceScore MessageType = "inference_score"
	TypeStreamStatus   MessageType = "stream_status"
	TypeStreamStarted  MessageType = "stream_started"
	TypeStreamStopped  MessageType = "stream_stopped"
	TypeEventStarted   MessageType = "event_started"
	TypeViolenceAlert  MessageType = "violence_alert"
	TypeEventEnded     MessageType = "event_ended"
)

// Message is the wire envelope. Data carries the type-specific payload.
type Message struct {
	Type      MessageType `json:"type"`
	StreamID  string      `json:"stream_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

func newMessage(t MessageType, streamID string, data any) *Message {
	return &Message{
		Type:      t,
		StreamID:  streamID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func (m *Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

// StatusPayload describes a source phase change.
type StatusPayload struct {
	Phase  pipeline.SourcePhase `json:"phase"`
	Detail string               `json:"detail,omitempty"`
}

// AlertPayload carries a high-confidence alert tied to an open event.
type AlertPayload struct {
	Event      *store.Event `json:"event"`
	Confidence float64      `json:"confidence"`
	Message    string       `json:"message"`
}
