// Package sse fans progress events out to connected clients, keyed by
// client session so multiple tabs of one session all receive updates.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/framelens/asset-training-backend/bus"
	"github.com/framelens/asset-training-backend/logger"
)

// Client is one live connection belonging to a session
type Client struct {
	ID        string
	SessionID string
	Outbound  chan bus.ProgressEvent
	done      chan struct{}
}

// Hub is the session-keyed connection registry
type Hub struct {
	mu       sync.RWMutex
	log      *logger.Logger
	sessions map[string]map[*Client]bool
}

// NewHub creates an empty hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:      log.With("component", "SSEHub"),
		sessions: make(map[string]map[*Client]bool),
	}
}

// Register adds a connection for the given session
func (h *Hub) Register(sessionID string) *Client {
	client := &Client{
		ID:        uuid.New().String(),
		SessionID: strings.TrimSpace(sessionID),
		Outbound:  make(chan bus.ProgressEvent, 16),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	clients, exists := h.sessions[client.SessionID]
	if !exists {
		clients = make(map[*Client]bool)
		h.sessions[client.SessionID] = clients
	}
	clients[client] = true

	h.log.Debug("client registered", "client_id", client.ID, "session_id", client.SessionID)
	return client
}

// Unregister removes a connection; the last connection leaving a session
// removes the session entry entirely
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.sessions[client.SessionID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.sessions, client.SessionID)
	}
}

// Close shuts down a connection and removes it from the registry
func (h *Hub) Close(client *Client) {
	select {
	case <-client.done:
		// already closed
	default:
		close(client.done)
	}
	h.Unregister(client)
}

// Dispatch delivers one event. Events carrying a client session id go
// only to that session's connections; everything else is broadcast to
// all connections. Dead connections found during delivery are pruned,
// and a full outbound buffer drops the event for that connection only.
func (h *Hub) Dispatch(event bus.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if event.ClientSessionID != "" {
		h.sendToLocked(h.sessions[event.ClientSessionID], event)
		return
	}
	for _, clients := range h.sessions {
		h.sendToLocked(clients, event)
	}
}

func (h *Hub) sendToLocked(clients map[*Client]bool, event bus.ProgressEvent) {
	for c := range clients {
		select {
		case <-c.done:
			h.removeLocked(c)
		case c.Outbound <- event:
		default:
			h.log.Warn("dropping progress event, outbound buffer full", "client_id", c.ID)
		}
	}
}

// SessionCount reports how many sessions currently hold connections
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Serve streams a client's events as server-sent events until the
// request context ends or the client is closed
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, client *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event := <-client.Outbound:
			raw, err := json.Marshal(event)
			if err != nil {
				h.log.Warn("failed to marshal progress event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", raw)
			flusher.Flush()
		}
	}
}
