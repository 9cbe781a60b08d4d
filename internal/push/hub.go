// Package push fans broadcast messages out to WebSocket subscribers.
//
// Each subscriber gets a buffered channel. Delivery is non-blocking: a
// subscriber whose buffer is full gets its connection closed instead of
// stalling the broadcast path for everyone else.
package push

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/casscope/casscope/internal/broadcast"
)

const (
	// DefaultSubscriberBuffer is how many messages a subscriber may lag
	// behind before it is considered dead.
	DefaultSubscriberBuffer = 16

	// DefaultWriteTimeout bounds a single WebSocket write.
	DefaultWriteTimeout = 5 * time.Second

	// ChannelCluster carries the engine's cluster broadcast feed.
	ChannelCluster = "cluster"
)

// subscriber is one connected client.
type subscriber struct {
	id       string
	channels map[string]struct{}
	msgs     chan broadcast.Message

	dropOnce sync.Once
	drop     func(code websocket.StatusCode, reason string)
}

// wants reports whether the subscriber asked for the channel.
func (s *subscriber) wants(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

// evict closes the subscriber's connection at most once.
func (s *subscriber) evict(code websocket.StatusCode, reason string) {
	s.dropOnce.Do(func() { s.drop(code, reason) })
}

// Config holds configuration for creating a new Hub.
type Config struct {
	SubscriberBuffer int           // Per-subscriber channel depth (default: 16)
	WriteTimeout     time.Duration // Per-write deadline (default: 5s)
	Logger           *slog.Logger
}

// Hub tracks WebSocket subscribers and implements broadcast.Sink.
//
// Thread-safe: all methods can be called concurrently.
type Hub struct {
	buffer       int
	writeTimeout time.Duration
	logger       *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub.
func NewHub(cfg Config) *Hub {
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		buffer:       buffer,
		writeTimeout: writeTimeout,
		logger:       logger,
		subscribers:  make(map[string]*subscriber),
	}
}

// Broadcast publishes msg on the cluster channel. Implements the
// broadcast scheduler's sink.
func (h *Hub) Broadcast(msg broadcast.Message) {
	h.Publish(ChannelCluster, msg)
}

// Publish sends msg to every subscriber of the channel without blocking.
// A subscriber with a full buffer has stopped reading; it is closed so
// its pump goroutine unregisters it.
func (h *Hub) Publish(channel string, msg broadcast.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		if !sub.wants(channel) {
			continue
		}
		select {
		case sub.msgs <- msg:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Warn("subscriber_evicted_slow", "subscriber_id", sub.id)
			go sub.evict(websocket.StatusPolicyViolation, "subscriber too slow")
		}
	}
}

// ServeWS upgrades the request and streams broadcast messages until the
// client goes away or the hub closes the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket_accept_failed",
			"remote", r.RemoteAddr,
			"error", err,
		)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// The feed is write-only; CloseRead watches for the client closing.
	ctx := conn.CloseRead(r.Context())

	sub := h.subscribe(parseChannels(r.URL.Query().Get("channels")),
		func(code websocket.StatusCode, reason string) {
			conn.Close(code, reason)
		})
	defer h.unsubscribe(sub.id)

	h.logger.Debug("subscriber_connected",
		"subscriber_id", sub.id,
		"remote", r.RemoteAddr,
		"channels", len(sub.channels),
	)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			h.logger.Debug("subscriber_disconnected", "subscriber_id", sub.id)
			return
		case msg := <-sub.msgs:
			if err := h.write(ctx, conn, msg); err != nil {
				h.logger.Debug("subscriber_write_failed",
					"subscriber_id", sub.id,
					"error", err,
				)
				return
			}
		}
	}
}

// write sends one message with the hub's write deadline.
func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg broadcast.Message) error {
	wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}

// parseChannels splits a comma-separated channel list. An empty value
// subscribes to the cluster channel.
func parseChannels(raw string) []string {
	if raw == "" {
		return []string{ChannelCluster}
	}
	var channels []string
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			channels = append(channels, name)
		}
	}
	if len(channels) == 0 {
		return []string{ChannelCluster}
	}
	return channels
}

// subscribe registers a new subscriber for the given channels.
func (h *Hub) subscribe(channels []string, drop func(code websocket.StatusCode, reason string)) *subscriber {
	if len(channels) == 0 {
		channels = []string{ChannelCluster}
	}
	set := make(map[string]struct{}, len(channels))
	for _, name := range channels {
		set[name] = struct{}{}
	}

	sub := &subscriber{
		id:       uuid.NewString(),
		channels: set,
		msgs:     make(chan broadcast.Message, h.buffer),
		drop:     drop,
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()

	return sub
}

// unsubscribe removes a subscriber.
func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	delete(h.subscribers, id)
	h.mu.Unlock()
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close evicts every subscriber. New subscriptions after Close are not
// prevented; stop accepting requests first.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.evict(websocket.StatusGoingAway, "server shutting down")
	}
	h.logger.Debug("push_hub_closed", "evicted", len(subs))
}

// Stats holds hub counters.
type Stats struct {
	Subscribers int
	Delivered   uint64
	Dropped     uint64
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.SubscriberCount(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}
