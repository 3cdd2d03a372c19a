// Sessionguard - Emby Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionguard

package websocket

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sessionguard/internal/detection"
	"github.com/tomtom215/sessionguard/internal/logging"
	"github.com/tomtom215/sessionguard/internal/monitor"
)

// ErrBroadcastFull is returned when a message is dropped because the hub is
// not keeping up.
var ErrBroadcastFull = errors.New("websocket broadcast buffer full")

// ShutdownReason identifies why the hub stopped.
type ShutdownReason string

const (
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Message types for WebSocket communication
const (
	MessageTypeAlert = "alert"
	MessageTypeCycle = "cycle"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

// Message is the envelope of every frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// MarshalMessage converts a message to JSON.
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

var (
	_ detection.Notifier    = (*Hub)(nil)
	_ monitor.CycleListener = (*Hub)(nil)
)

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a Hub. Nothing is delivered until RunWithContext runs.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// RunWithContext serves the hub until ctx is cancelled, then closes every
// client. Lifecycle events are handled before broadcasts so a message never
// reaches a client that already left.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Uint64("client_id", c.id).Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		logging.Info().Uint64("client_id", c.id).Int("total_clients", total).Msg("websocket client disconnected")
	}
}

// unregister hands c back to the hub, or removes it directly when the hub
// loop is not running.
func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-time.After(writeWait):
		h.removeClient(c)
	}
}

// shutdown closes all clients in ID order.
func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := h.sortedClientsLocked()
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	reason := ShutdownReasonContextCanceled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = ShutdownReasonContextDeadline
	}
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", string(reason)).
		Int("clients_closed", len(clients)).
		Msg("websocket hub stopped")
}

func (h *Hub) sortedClientsLocked() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	return clients
}

// broadcastToClients queues message on every client. Clients with a full
// queue are dropped.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.sortedClientsLocked() {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(h.clients, client)
			logging.Warn().Uint64("client_id", client.id).Msg("websocket client too slow, dropped")
		}
	}
}

// publish queues message without blocking.
func (h *Hub) publish(message Message) error {
	select {
	case h.broadcast <- message:
		return nil
	default:
		logging.Warn().Str("message_type", message.Type).Msg("broadcast channel full, dropping message")
		return ErrBroadcastFull
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Name implements detection.Notifier.
func (h *Hub) Name() string {
	return "websocket"
}

// Enabled implements detection.Notifier. Alerts are only delivered while
// someone is listening.
func (h *Hub) Enabled() bool {
	return h.GetClientCount() > 0
}

// Send implements detection.Notifier.
func (h *Hub) Send(_ context.Context, alert *detection.Alert) error {
	return h.publish(Message{Type: MessageTypeAlert, Data: alert})
}

// CycleCompleted implements monitor.CycleListener.
func (h *Hub) CycleCompleted(status monitor.Status) {
	if h.GetClientCount() == 0 {
		return
	}
	_ = h.publish(Message{Type: MessageTypeCycle, Data: status})
}
