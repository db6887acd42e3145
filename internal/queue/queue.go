// ABOUTME: Per-recipient delivery queue with at-least-once semantics
// ABOUTME: Tracks pending/in-flight tickets, visibility timeouts, and dead-lettering

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrUnknownTicket is returned by Ack when no matching in-flight ticket
// exists. Acks race with timeout-triggered redelivery, so callers should
// log this and move on rather than treat it as fatal.
var ErrUnknownTicket = errors.New("unknown ticket")

// ErrDeliveryFailed marks a ticket that exceeded its maximum delivery
// attempts and was moved to the dead-letter set.
var ErrDeliveryFailed = errors.New("delivery failed")

// ErrInvalidTicket is returned by Enqueue for malformed ticket fields.
var ErrInvalidTicket = errors.New("invalid ticket")

// Ticket tracks the delivery of one message to one recipient. Tickets hold
// only the (conversation, seq) reference, never the payload; the message
// log remains the single owner of message content.
type Ticket struct {
	Recipient      string
	ConversationID string
	Seq            int64
	Attempts       int       // Number of times the ticket has been handed out
	EnqueuedAt     time.Time
	DeadAt         time.Time // Set when the ticket is dead-lettered
}

// ticket states
const (
	statePending  = iota // Waiting to be handed out
	stateInFlight        // Handed out, waiting for ack or timeout
	stateAcked           // Acknowledged; kept only as an idempotence marker
	stateDead            // Exceeded max attempts; held for inspection
)

type ticket struct {
	Ticket
	state    int
	deadline time.Time // In-flight visibility deadline
}

// Options configures queue behavior.
type Options struct {
	// VisibilityTimeout is how long a polled ticket stays in-flight before
	// it returns to pending for redelivery.
	VisibilityTimeout time.Duration

	// SweepInterval is how often the background sweep checks for expired
	// in-flight tickets.
	SweepInterval time.Duration

	// MaxAttempts caps delivery attempts. A ticket whose attempts reach
	// the cap without an ack is dead-lettered.
	MaxAttempts int
}

// DefaultOptions returns the queue defaults used when an Options field is zero.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 30 * time.Second,
		SweepInterval:     5 * time.Second,
		MaxAttempts:       5,
	}
}

// recipientQueue holds all tickets for one recipient. Each recipient has
// its own lock, so queues for different recipients never contend.
type recipientQueue struct {
	mu      sync.Mutex
	tickets map[ticketKey]*ticket
}

type ticketKey struct {
	conversationID string
	seq            int64
}

// Queue guarantees at-least-once delivery of message references to each
// recipient, ordered by (conversationID, seq). Redelivery is driven by a
// background sweep, not by caller threads.
type Queue struct {
	mu         sync.RWMutex
	recipients map[string]*recipientQueue
	opts       Options
	logger     *slog.Logger
	done       chan struct{}
	closed     bool
}

// New creates a delivery queue and starts its redelivery sweep goroutine.
func New(opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = def.VisibilityTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}

	q := &Queue{
		recipients: make(map[string]*recipientQueue),
		opts:       opts,
		logger:     logger.With("component", "queue"),
		done:       make(chan struct{}),
	}
	go q.sweep()
	return q
}

// forRecipient returns the recipient's queue, creating it if needed.
func (q *Queue) forRecipient(recipient string) *recipientQueue {
	q.mu.RLock()
	rq, ok := q.recipients[recipient]
	q.mu.RUnlock()
	if ok {
		return rq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if rq, ok := q.recipients[recipient]; ok {
		return rq
	}
	rq = &recipientQueue{tickets: make(map[ticketKey]*ticket)}
	q.recipients[recipient] = rq
	return rq
}

// Enqueue adds a pending ticket for the recipient. It is idempotent:
// if a ticket for (recipient, conversationID, seq) already exists in any
// state, the call is a no-op.
func (q *Queue) Enqueue(recipient, conversationID string, seq int64) error {
	if recipient == "" || conversationID == "" {
		return fmt.Errorf("%w: recipient and conversation required", ErrInvalidTicket)
	}
	if seq < 1 {
		return fmt.Errorf("%w: seq must be >= 1, got %d", ErrInvalidTicket, seq)
	}

	rq := q.forRecipient(recipient)
	rq.mu.Lock()
	defer rq.mu.Unlock()

	key := ticketKey{conversationID, seq}
	if _, exists := rq.tickets[key]; exists {
		q.logger.Debug("duplicate enqueue ignored",
			"recipient", recipient,
			"conversation_id", conversationID,
			"seq", seq)
		return nil
	}

	rq.tickets[key] = &ticket{
		Ticket: Ticket{
			Recipient:      recipient,
			ConversationID: conversationID,
			Seq:            seq,
			EnqueuedAt:     time.Now(),
		},
		state: statePending,
	}

	q.logger.Debug("ticket enqueued",
		"recipient", recipient,
		"conversation_id", conversationID,
		"seq", seq)
	return nil
}

// Poll returns up to maxItems pending tickets for the recipient, ordered
// by (conversationID, seq) ascending. Returned tickets are marked
// in-flight with a visibility deadline; unacknowledged tickets return to
// pending after the timeout. A ticket is never in-flight twice at once,
// so concurrent pollers cannot receive the same ticket.
//
// Poll honors the caller's context: an expired or cancelled context yields
// an empty result, not an error.
func (q *Queue) Poll(ctx context.Context, recipient string, maxItems int) []Ticket {
	if ctx.Err() != nil {
		return nil
	}
	if maxItems <= 0 {
		return nil
	}

	rq := q.forRecipient(recipient)
	rq.mu.Lock()
	defer rq.mu.Unlock()

	var pending []*ticket
	for _, t := range rq.tickets {
		if t.state == statePending {
			pending = append(pending, t)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].ConversationID != pending[j].ConversationID {
			return pending[i].ConversationID < pending[j].ConversationID
		}
		return pending[i].Seq < pending[j].Seq
	})

	if len(pending) > maxItems {
		pending = pending[:maxItems]
	}

	now := time.Now()
	out := make([]Ticket, 0, len(pending))
	for _, t := range pending {
		t.state = stateInFlight
		t.Attempts++
		t.deadline = now.Add(q.opts.VisibilityTimeout)
		out = append(out, t.Ticket)
	}

	if len(out) > 0 {
		q.logger.Debug("tickets polled", "recipient", recipient, "count", len(out))
	}
	return out
}

// Ack acknowledges an in-flight ticket, removing it from the active set.
// Returns ErrUnknownTicket if no matching in-flight ticket exists, which
// happens when the ack races a timeout-triggered redelivery or repeats a
// previous ack.
func (q *Queue) Ack(recipient, conversationID string, seq int64) error {
	rq := q.forRecipient(recipient)
	rq.mu.Lock()
	defer rq.mu.Unlock()

	key := ticketKey{conversationID, seq}
	t, ok := rq.tickets[key]
	if !ok || t.state != stateInFlight {
		return ErrUnknownTicket
	}

	// The acked marker stays behind so Enqueue remains idempotent for
	// messages that were already delivered.
	t.state = stateAcked
	t.deadline = time.Time{}

	q.logger.Debug("ticket acknowledged",
		"recipient", recipient,
		"conversation_id", conversationID,
		"seq", seq,
		"attempts", t.Attempts)
	return nil
}

// Discard drops an in-flight ticket without acknowledgment. Used for
// corrupt tickets whose message cannot be hydrated; they must not be
// retried. Returns ErrUnknownTicket if no matching in-flight ticket exists.
func (q *Queue) Discard(recipient, conversationID string, seq int64) error {
	rq := q.forRecipient(recipient)
	rq.mu.Lock()
	defer rq.mu.Unlock()

	key := ticketKey{conversationID, seq}
	t, ok := rq.tickets[key]
	if !ok || t.state != stateInFlight {
		return ErrUnknownTicket
	}

	t.state = stateDead
	t.DeadAt = time.Now()
	t.deadline = time.Time{}

	q.logger.Warn("ticket discarded",
		"recipient", recipient,
		"conversation_id", conversationID,
		"seq", seq)
	return nil
}

// DeadLetters returns the dead-lettered tickets for a recipient, for
// operator inspection. Dead tickets never reappear in Poll.
func (q *Queue) DeadLetters(recipient string) []Ticket {
	rq := q.forRecipient(recipient)
	rq.mu.Lock()
	defer rq.mu.Unlock()

	var dead []Ticket
	for _, t := range rq.tickets {
		if t.state == stateDead {
			dead = append(dead, t.Ticket)
		}
	}

	sort.Slice(dead, func(i, j int) bool {
		if dead[i].ConversationID != dead[j].ConversationID {
			return dead[i].ConversationID < dead[j].ConversationID
		}
		return dead[i].Seq < dead[j].Seq
	})
	return dead
}

// PendingCount returns the number of pending tickets for a recipient.
func (q *Queue) PendingCount(recipient string) int {
	rq := q.forRecipient(recipient)
	rq.mu.Lock()
	defer rq.mu.Unlock()

	count := 0
	for _, t := range rq.tickets {
		if t.state == statePending {
			count++
		}
	}
	return count
}

// sweep runs in a background goroutine, returning expired in-flight
// tickets to pending or dead-lettering them when attempts are exhausted.
// Slow consumers never block the sweep; it only takes per-recipient locks.
func (q *Queue) sweep() {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.runSweep()
		case <-q.done:
			return
		}
	}
}

// runSweep performs a single redelivery pass over all recipients.
func (q *Queue) runSweep() {
	q.mu.RLock()
	queues := make(map[string]*recipientQueue, len(q.recipients))
	for recipient, rq := range q.recipients {
		queues[recipient] = rq
	}
	q.mu.RUnlock()

	now := time.Now()
	for recipient, rq := range queues {
		rq.mu.Lock()
		for _, t := range rq.tickets {
			if t.state != stateInFlight || now.Before(t.deadline) {
				continue
			}
			if t.Attempts >= q.opts.MaxAttempts {
				t.state = stateDead
				t.DeadAt = now
				t.deadline = time.Time{}
				q.logger.Warn("ticket dead-lettered",
					"error", ErrDeliveryFailed,
					"recipient", recipient,
					"conversation_id", t.ConversationID,
					"seq", t.Seq,
					"attempts", t.Attempts)
				continue
			}
			t.state = statePending
			t.deadline = time.Time{}
			q.logger.Debug("ticket returned to pending",
				"recipient", recipient,
				"conversation_id", t.ConversationID,
				"seq", t.Seq,
				"attempts", t.Attempts)
		}
		rq.mu.Unlock()
	}
}

// Close stops the background sweep goroutine. It is safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		close(q.done)
		q.closed = true
	}
}
