// Package relay queues forward requests and dispatches them to the
// outbound smarthost with bounded retries.
package relay

import (
	"time"
)

// Priority orders forward requests in the queue. Higher priority is
// dispatched first; requests of equal priority leave in FIFO order.
type Priority int

// Queue priorities.
const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// State tracks one request through the dispatch machine:
// Queued -> Attempting -> Delivered | Retrying -> Attempting | Bounced.
type State int

// Dispatch states.
const (
	StateQueued State = iota
	StateAttempting
	StateRetrying
	StateDelivered
	StateBounced
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateAttempting:
		return "attempting"
	case StateRetrying:
		return "retrying"
	case StateDelivered:
		return "delivered"
	case StateBounced:
		return "bounced"
	default:
		return "unknown"
	}
}

// ForwardRequest is one unit of outbound work: a rebuilt message and the
// full deduplicated target set it goes to. Requests are queue-resident
// only and consumed exactly once.
type ForwardRequest struct {
	ID           string
	EnvelopeFrom string
	Targets      []string
	Message      []byte
	Priority     Priority

	// Audit context carried into activity records.
	Sender            string
	Subject           string
	OriginalRecipient string
}

// Attempt is the queue-internal delivery state for one ForwardRequest.
// It is created on enqueue, mutated by the dispatcher on each try, and
// discarded on a terminal state.
type Attempt struct {
	Request       *ForwardRequest
	State         State
	Attempts      int
	NextAttemptAt time.Time
	LastError     error

	// remaining holds the targets still awaiting delivery; it shrinks
	// as targets are accepted or bounced.
	remaining []string
}

func newAttempt(req *ForwardRequest) *Attempt {
	remaining := make([]string, len(req.Targets))
	copy(remaining, req.Targets)
	return &Attempt{
		Request:   req,
		State:     StateQueued,
		remaining: remaining,
	}
}

// Remaining returns the targets still awaiting a terminal outcome.
func (a *Attempt) Remaining() []string {
	return a.remaining
}
