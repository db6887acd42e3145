// ABOUTME: Package documentation for the queue package
// ABOUTME: Describes delivery tickets, visibility timeouts, and the redelivery sweep

// Package queue provides per-recipient delivery queues with at-least-once
// semantics.
//
// # Tickets
//
// A Ticket references one message for one recipient by (conversationID,
// seq). Tickets never carry payloads; the message log owns content, the
// queue owns delivery state. Enqueue is idempotent per (recipient,
// conversationID, seq).
//
// # Lifecycle
//
//	Enqueue -> pending -> Poll -> in-flight -> Ack (done)
//	                                   |
//	                                   +-- timeout -> pending (redelivery)
//	                                   +-- attempts exhausted -> dead-letter
//
// Poll hands out pending tickets in (conversationID, seq) order and marks
// them in-flight with a visibility deadline. A background sweep returns
// expired in-flight tickets to pending, incrementing their attempt count,
// until the configured maximum is reached; after that the ticket is
// dead-lettered and surfaced through DeadLetters for operator inspection.
//
// # Concurrency
//
// Each recipient has its own lock, so delivery to different recipients
// proceeds fully in parallel. The sweep goroutine only takes
// per-recipient locks and is never blocked by slow consumers.
package queue
