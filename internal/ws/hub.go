// Package ws fans detection traffic out to WebSocket subscribers. Every
// client receives every message; slow clients are dropped rather than
// allowed to stall the pipeline.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vigil/internal/log"
	"vigil/internal/pipeline"
	"vigil/internal/store"
)

const (
	// sendBuffer is the per-client queue; overflow evicts the client.
	sendBuffer  = 64
	sendTimeout = time.Second
	writeWait   = 10 * time.Second
)

// client's send channel is never closed: broadcasters may still be queueing
// into it when the client goes away. done signals the write pump to stop and
// broadcasters to give up.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub broadcasts encoded messages to all registered clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	lg      zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		lg:      log.WithComponent("ws"),
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.lg.Info().Int("clients", n).Msg("client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.lg.Info().Int("clients", n).Msg("client disconnected")
}

// broadcast queues data to every client. A client whose queue is full after
// sendTimeout is evicted; detection must never block on a slow reader.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case <-c.done:
			continue
		default:
		}
		select {
		case c.send <- data:
		default:
			timer := time.NewTimer(sendTimeout)
			select {
			case c.send <- data:
				timer.Stop()
			case <-c.done:
				timer.Stop()
			case <-timer.C:
				h.lg.Warn().Msg("slow client evicted")
				h.unregister(c)
			}
		}
	}
}

func (h *Hub) send(m *Message) {
	if h.ClientCount() == 0 {
		return
	}
	data, err := m.encode()
	if err != nil {
		h.lg.Error().Err(err).Str("type", string(m.Type)).Msg("encode message failed")
		return
	}
	h.broadcast(data)
}

// BroadcastScore publishes one inference result.
func (h *Hub) BroadcastScore(sc *pipeline.InferenceScore) {
	h.send(newMessage(TypeInferenceScore, sc.StreamID, sc))
}

// BroadcastStreamStatus publishes a source phase change.
func (h *Hub) BroadcastStreamStatus(streamID string, phase pipeline.SourcePhase, detail string) {
	h.send(newMessage(TypeStreamStatus, streamID, StatusPayload{Phase: phase, Detail: detail}))
}

// BroadcastStreamStarted announces a stream going live.
func (h *Hub) BroadcastStreamStarted(rec *store.StreamRecord) {
	h.send(newMessage(TypeStreamStarted, rec.ID, rec))
}

// BroadcastStreamStopped announces a stream shutting down.
func (h *Hub) BroadcastStreamStopped(rec *store.StreamRecord) {
	h.send(newMessage(TypeStreamStopped, rec.ID, rec))
}

// BroadcastEventStarted announces a newly opened violence event.
func (h *Hub) BroadcastEventStarted(ev *store.Event) {
	h.send(newMessage(TypeEventStarted, ev.StreamID, ev))
}

// BroadcastAlert announces a high-confidence alert for an open event.
func (h *Hub) BroadcastAlert(ev *store.Event, confidence float64, message string) {
	h.send(newMessage(TypeViolenceAlert, ev.StreamID, AlertPayload{
		Event:      ev,
		Confidence: confidence,
		Message:    message,
	}))
}

// BroadcastEventEnded announces a finalized event with its artifacts.
func (h *Hub) BroadcastEventEnded(ev *store.Event) {
	h.send(newMessage(TypeEventEnded, ev.StreamID, ev))
}
