// Package notify pushes job progress to connected owners over WebSocket.
package notify

import (
	"context"
	"sync"

	"github.com/fetchrelay/backend/internal/queue"
)

// Hub maintains the set of active clients and routes progress messages to
// the clients of the owner they belong to.
type Hub struct {
	// Registered clients by owner ID
	clients map[string]map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Broadcast channel for progress updates
	broadcast chan *ProgressMessage

	mu sync.RWMutex
}

// ProgressMessage is the wire form of a job update sent to clients.
type ProgressMessage struct {
	Type        string `json:"type"`
	JobID       string `json:"job_id"`
	OwnerID     string `json:"-"` // Not sent to the client, used for routing
	State       string `json:"state"`
	Progress    int    `json:"progress"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error,omitempty"`
	ArtifactKey string `json:"artifact_key,omitempty"`
}

// messageFromJob converts a job record into its client-facing form.
func messageFromJob(job *queue.Job) *ProgressMessage {
	return &ProgressMessage{
		Type:        "job_progress",
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		State:       job.State,
		Progress:    job.Progress,
		Attempt:     job.Attempt,
		Error:       job.LastError,
		ArtifactKey: job.ArtifactKey,
	}
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ProgressMessage, 64),
	}
}

// Run starts the hub's main loop. It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.ownerID] == nil {
				h.clients[client.ownerID] = make(map[*Client]bool)
			}
			h.clients[client.ownerID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.ownerID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.ownerID)
					}
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[message.OwnerID]; ok {
				for client := range clients {
					select {
					case client.send <- message:
					default:
						// Client's buffer is full, drop the connection
						close(client.send)
						delete(clients, client)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, message.OwnerID)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for owner, clients := range h.clients {
		for client := range clients {
			close(client.send)
		}
		delete(h.clients, owner)
	}
}

// BroadcastProgress sends a progress update to all clients of one owner.
// Drops the message if the hub's buffer is saturated; progress is advisory
// and the next update supersedes it.
func (h *Hub) BroadcastProgress(msg *ProgressMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// Notify pushes a job update to the owner's connected clients. Implements
// the worker pool's Notifier.
func (h *Hub) Notify(ctx context.Context, job *queue.Job) error {
	h.BroadcastProgress(messageFromJob(job))
	return nil
}

// ClientCount returns the number of connected clients for an owner.
func (h *Hub) ClientCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[ownerID]; ok {
		return len(clients)
	}
	return 0
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
