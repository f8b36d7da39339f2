// Package queue provides the FIFO outbound queue used to hold messages until a channel is ready.
package queue

import (
	"fmt"
	"log/slog"
)

const logPrefix = "queue:queue"

// DefaultWarnThreshold is the queue length above which a warning is logged.
const DefaultWarnThreshold = 256

// Queue is an unbounded FIFO queue. It is not safe for concurrent use; the owner serializes access.
type Queue[T any] struct {
	name          string
	items         []T
	warnThreshold int
	warned        bool
	log           *slog.Logger
}

// New creates a queue. name is used in log output; a non-positive warnThreshold uses
// DefaultWarnThreshold and a nil log uses slog.Default().
func New[T any](name string, warnThreshold int, log *slog.Logger) *Queue[T] {
	if warnThreshold <= 0 {
		warnThreshold = DefaultWarnThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue[T]{name: name, warnThreshold: warnThreshold, log: log}
}

// Push appends item to the tail of the queue.
func (q *Queue[T]) Push(item T) {
	q.items = append(q.items, item)
	if len(q.items) > q.warnThreshold && !q.warned {
		q.warned = true
		q.log.Warn(fmt.Sprintf("%s - queue %s grew beyond %d items; producer is outpacing the channel", logPrefix, q.name, q.warnThreshold))
	}
}

// Drain removes and returns every queued item in insertion order.
func (q *Queue[T]) Drain() []T {
	items := q.items
	q.items = nil
	q.warned = false
	return items
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	n := len(q.items)
	q.items = nil
	q.warned = false
	return n
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}
