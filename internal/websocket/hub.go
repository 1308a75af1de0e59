// Package websocket pushes event log records to connected clients in real
// time. Clients subscribe to the firehose topic or to per-entity-type topics
// and receive every matching event as one JSON frame.
//
// Topic naming convention:
//
//	events           — every record appended to the event log
//	entity:<type>    — records for one entity type (entity:resource, ...)
package websocket

import (
	"context"
	"sync"

	"github.com/perfectstorm-io/storm/internal/db"
)

// TopicAll is the firehose topic carrying every event.
const TopicAll = "events"

// TopicEntity returns the per-entity-type topic for entityType.
func TopicEntity(entityType string) string { return "entity:" + entityType }

// Frame is the envelope for every WebSocket message sent to clients.
type Frame struct {
	Topic string   `json:"topic"`
	Event db.Event `json:"event"`
}

// Hub is the pub/sub broker between the event log and WebSocket clients.
// Registry mutations are serialised through the Run loop; Publish takes a
// read lock only long enough to copy the target set so a slow client cannot
// stall the loop.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

// Run is the hub's event loop. It must be called exactly once, in its own
// goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast is the event log listener: it fans one event out to the firehose
// topic and the matching entity topic.
func (h *Hub) Broadcast(ev db.Event) {
	h.publish(TopicAll, ev)
	h.publish(TopicEntity(ev.EntityType), ev)
}

// publish queues the event for every client on topic. Clients whose send
// buffer is full are disconnected so one slow consumer cannot back up the
// rest.
func (h *Hub) publish(topic string, ev db.Event) {
	h.mu.RLock()
	var targets []*Client
	for c := range h.topics[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	frame := Frame{Topic: topic, Event: ev}
	for _, c := range targets {
		select {
		case c.send <- frame:
		default:
			h.unregister <- c
		}
	}
}

// ConnectedCount returns the number of connected clients, for metrics.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
