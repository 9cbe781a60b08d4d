// Package broadcast emits periodic cluster snapshots to push subscribers.
//
// The scheduler runs on a fixed interval, fully decoupled from the query
// path: a tick publishes registry metadata only and never touches the
// management connections. When the registry has nothing to share the tick
// still produces a message, typed connection_pending, so subscribers can
// tell "cluster unknown" from "feed down".
package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/casscope/casscope/internal/registry"
)

// DefaultInterval is the gap between broadcast ticks.
const DefaultInterval = 5 * time.Second

// Message types, carried in the envelope's type discriminator.
const (
	TypeClusterSnapshot   = "cluster_snapshot"
	TypeConnectionPending = "connection_pending"
)

// Message is the envelope pushed to subscribers. Exactly one of Snapshot
// or Pending is set, matching Type.
type Message struct {
	ID       string                  `json:"id"`
	Type     string                  `json:"type"`
	SentAt   time.Time               `json:"sent_at"`
	Snapshot *registry.BasicSnapshot `json:"snapshot,omitempty"`
	Pending  *PendingInfo            `json:"pending,omitempty"`
}

// PendingInfo explains a tick that had no snapshot to share.
type PendingInfo struct {
	Reason string `json:"reason"`
}

// Sink receives every scheduled message.
type Sink interface {
	Broadcast(msg Message)
}

// Config holds configuration for creating a new Scheduler.
type Config struct {
	Interval time.Duration // Gap between ticks (default: 5s)
	Logger   *slog.Logger
}

// Scheduler emits one message per interval, built from the registry
// source alone.
type Scheduler struct {
	interval time.Duration
	source   registry.Source
	sink     Sink
	logger   *slog.Logger

	ticks     atomic.Uint64
	snapshots atomic.Uint64
	pendings  atomic.Uint64

	now func() time.Time
}

// New creates a scheduler. The source and sink must be non-nil.
func New(source registry.Source, sink Sink, cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		interval: interval,
		source:   source,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// Interval returns the configured tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Run emits messages until the context is cancelled. The first message
// goes out immediately so subscribers never wait a full interval after
// startup. Always returns the context's error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("broadcast_scheduler_starting", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.emit(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("broadcast_scheduler_stopped",
				"ticks", s.ticks.Load(),
			)
			return ctx.Err()
		case <-ticker.C:
			s.emit(ctx)
		}
	}
}

// emit builds one message from the registry and hands it to the sink.
func (s *Scheduler) emit(ctx context.Context) {
	s.ticks.Add(1)
	s.sink.Broadcast(s.build(ctx))
}

// build assembles the next envelope. A registry failure or an empty node
// list produces a connection_pending message instead of a snapshot.
func (s *Scheduler) build(ctx context.Context) Message {
	msg := Message{
		ID:     uuid.NewString(),
		SentAt: s.now(),
	}

	nodes, err := s.source.Snapshot(ctx)
	if err != nil || len(nodes) == 0 {
		reason := "no nodes registered"
		if err != nil {
			reason = err.Error()
			s.logger.Warn("broadcast_registry_unavailable", "error", err)
		}
		msg.Type = TypeConnectionPending
		msg.Pending = &PendingInfo{Reason: reason}
		s.pendings.Add(1)
		return msg
	}

	snap := registry.Basic(msg.SentAt, nodes)
	msg.Type = TypeClusterSnapshot
	msg.Snapshot = &snap
	s.snapshots.Add(1)
	return msg
}

// Stats holds scheduler counters.
type Stats struct {
	Ticks     uint64
	Snapshots uint64
	Pendings  uint64
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:     s.ticks.Load(),
		Snapshots: s.snapshots.Load(),
		Pendings:  s.pendings.Load(),
	}
}
