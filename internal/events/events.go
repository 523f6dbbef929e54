// Package events carries domain events from snapshot reconciliation to the
// replication engine over a bounded in-process queue.
package events

import (
	"log/slog"
	"sync/atomic"

	"copyarena/pkg/types"
)

// Kind names a domain event.
type Kind string

const (
	// MasterPositionOpened fires when a master's position first appears (or
	// is re-dispatched during backfill).
	MasterPositionOpened Kind = "master_position_opened"
	// MasterPositionClosed fires when one master position leaves the book.
	MasterPositionClosed Kind = "master_position_closed"
	// MasterPositionsCleared fires when the master's whole book empties in
	// one snapshot.
	MasterPositionsCleared Kind = "master_positions_cleared"
)

// Event is one reconciliation outcome worth replicating. FollowerID
// restricts fan-out to a single follower when non-zero; zero targets every
// active follower of the owner.
type Event struct {
	Kind          Kind
	OwnerID       int64
	OwnerUsername string
	Trade         *types.Trade
	Ticket        types.Ticket
	FollowerID    int64
}

// Queue is a bounded event channel. Publishing never blocks ingestion: when
// replication falls behind, events drop and the loss is logged. Closures are
// re-derived from the ledger on the next snapshot or reconnect, so a dropped
// event delays replication rather than corrupting it.
type Queue struct {
	ch      chan Event
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		ch:     make(chan Event, size),
		logger: logger.With("component", "events"),
	}
}

// Publish enqueues ev without blocking. Returns false if the queue was full.
func (q *Queue) Publish(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		n := q.dropped.Add(1)
		q.logger.Warn("event queue full, dropping event",
			"kind", ev.Kind, "owner_id", ev.OwnerID, "dropped_total", n)
		return false
	}
}

// C is the consumer side. It is closed by Close.
func (q *Queue) C() <-chan Event {
	return q.ch
}

// Close ends the stream. Call only after every publisher has stopped.
func (q *Queue) Close() {
	close(q.ch)
}

// Dropped reports how many events were lost to backpressure.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
