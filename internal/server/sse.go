package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sitetrack/internal/domain"
	"sitetrack/internal/logging"
)

const (
	streamBuffer    = 64
	streamHeartbeat = 30 * time.Second

	EventStatusChanged = "status_changed"
)

// StreamEvent is one server-sent event.
type StreamEvent struct {
	Type string
	Data []byte
}

type streamClient struct {
	id      string
	actorID string
	events  chan StreamEvent
}

// Hub fans committed status changes out to connected /stream clients.
// A client whose buffer is full misses the event.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*streamClient
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logging.OrNop(logger),
		clients: make(map[string]*streamClient),
	}
}

func (h *Hub) register(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	h.logger.Debug("stream client registered", zap.String("client_id", c.id), zap.String("actor_id", c.actorID), zap.Int("total", len(h.clients)))
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		close(c.events)
		delete(h.clients, id)
		h.logger.Debug("stream client unregistered", zap.String("client_id", id), zap.Int("total", len(h.clients)))
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(evt StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.events <- evt:
		default:
			h.logger.Warn("stream client buffer full, skipping event", zap.String("client_id", c.id), zap.String("event", evt.Type))
		}
	}
}

type statusChangedData struct {
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Version     int64  `json:"version"`
	ChangedBy   string `json:"changedBy,omitempty"`
}

// Observe matches engine.Observer and broadcasts the change.
func (h *Hub) Observe(_ context.Context, p domain.Project, target string) error {
	data := statusChangedData{
		ProjectID:   p.ID,
		ProjectName: p.Name,
		Status:      target,
		Progress:    p.Progress,
		Version:     p.Version,
	}
	if last, ok := p.LastChange(); ok {
		data.ChangedBy = last.ChangedBy
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	h.Broadcast(StreamEvent{Type: EventStatusChanged, Data: raw})
	return nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
		return
	}
	actorID, _ := actorIDFromContext(r.Context())
	c := &streamClient{
		id:      uuid.NewString(),
		actorID: actorID,
		events:  make(chan StreamEvent, streamBuffer),
	}
	h.register(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":%q}\n\n", c.id)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.unregister(c.id)
			return
		case evt, ok := <-c.events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
