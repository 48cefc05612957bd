// Package events implements the process-local publish-subscribe bus whose
// sinks are long-lived SSE connections. Publishing is non-blocking: a
// subscriber that cannot keep up is dropped rather than slowing writers down.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the event kinds the bus carries.
type Type string

const (
	MemoryStored          Type = "memory_stored"
	MemoryDeleted         Type = "memory_deleted"
	SearchCompleted       Type = "search_completed"
	HealthUpdate          Type = "health_update"
	Heartbeat             Type = "heartbeat"
	ConnectionEstablished Type = "connection_established"
	ConnectionClosed      Type = "connection_closed"
)

// Event is the envelope delivered to subscribers. ID and Timestamp are
// assigned by the bus at publication time, not by the publisher.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// DefaultQueueSize bounds each subscriber's in-flight events.
const DefaultQueueSize = 64

// DefaultHeartbeatInterval matches SSE_HEARTBEAT_INTERVAL's default.
const DefaultHeartbeatInterval = 30 * time.Second

// Subscription is one subscriber's handle on the bus.
type Subscription struct {
	ID          string
	ConnectedAt time.Time
	Meta        map[string]string // client ip, user agent, ...

	ch     chan Event
	closed bool // guarded by the owning bus mutex
}

// Events is the subscriber's receive channel. It is closed when the
// subscription is cancelled or dropped.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Bus fans events out to all registered subscribers.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	queueSize int
	interval  time.Duration
	logger    *slog.Logger
	started   sync.Once
}

// Options configures a Bus.
type Options struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// NewBus creates an event bus. The heartbeat loop starts with Run.
func NewBus(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: opts.QueueSize,
		interval:  opts.HeartbeatInterval,
		logger:    opts.Logger.With("component", "events"),
	}
}

// HeartbeatInterval reports the configured heartbeat period. SSE handlers
// include it in the connection_established payload so clients can tune their
// dead-peer detection.
func (b *Bus) HeartbeatInterval() time.Duration { return b.interval }

// Subscribe registers a new subscriber and announces it on the bus.
func (b *Bus) Subscribe(meta map[string]string) *Subscription {
	sub := &Subscription{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		Meta:        meta,
		ch:          make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "id", sub.ID, "active", n)
	b.Publish(ConnectionEstablished, map[string]any{
		"connection_id":      sub.ID,
		"active_connections": n,
	})
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call for
// already-dropped subscriptions.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	removed := b.removeLocked(sub)
	n := len(b.subs)
	b.mu.Unlock()

	if !removed {
		return
	}
	b.logger.Debug("subscriber removed", "id", sub.ID, "active", n)
	b.Publish(ConnectionClosed, map[string]any{
		"connection_id":      sub.ID,
		"active_connections": n,
	})
}

func (b *Bus) removeLocked(sub *Subscription) bool {
	if sub.closed {
		return false
	}
	sub.closed = true
	delete(b.subs, sub.ID)
	close(sub.ch)
	return true
}

// Publish broadcasts an event. It never fails and never blocks: subscribers
// with a full queue are dropped. The event id and ISO timestamp are assigned
// here so every subscriber sees identical envelopes.
func (b *Bus) Publish(t Type, data map[string]any) {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		Data:      data,
	}

	b.mu.Lock()
	// Broadcast over a snapshot so subscribers can come and go while their
	// peers are being served.
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	var dropped []*Subscription
	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		default:
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		b.mu.Lock()
		removed := b.removeLocked(sub)
		b.mu.Unlock()
		if removed {
			b.logger.Warn("subscriber queue full, dropping", "id", sub.ID, "event", string(t))
		}
	}
}

// ActiveConnections returns the current subscriber count.
func (b *Bus) ActiveConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscriptions returns a snapshot of the current subscribers, for the SSE
// introspection endpoint.
func (b *Bus) Subscriptions() []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub)
	}
	return out
}

// Run drives the heartbeat loop until ctx is cancelled. It is the bus's only
// time-driven behaviour.
func (b *Bus) Run(ctx context.Context) {
	b.started.Do(func() {
		go b.heartbeatLoop(ctx)
	})
}

func (b *Bus) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("heartbeat loop stopped")
			return
		case <-ticker.C:
			b.Publish(Heartbeat, map[string]any{
				"timestamp":          time.Now().UTC().Format(time.RFC3339),
				"active_connections": b.ActiveConnections(),
				"server_status":      "running",
			})
		}
	}
}
