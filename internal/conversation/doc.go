// ABOUTME: Package documentation for the conversation package
// ABOUTME: Describes the service facade and its delivery guarantees

// Package conversation provides the public conversation API, composing
// the message log, conversation index, and delivery queue.
//
// # Service
//
// The Service is the single entry point for clients:
//
//	svc := conversation.New(store, queue, logger)
//
// Key operations:
//
//   - Send(ctx, sender, recipient, kind, payload): resolve the
//     conversation, append to the log, enqueue delivery
//   - Receive(ctx, user, maxItems): poll tickets and hydrate messages
//   - Ack(ctx, user, conversationID, seq): confirm receipt
//   - History(ctx, conversationID): the full ordered log
//   - Conversations(ctx, user): all conversations involving a user
//
// # Ordering
//
// Send appends before it enqueues, so every ticket references an
// already-durable sequence number. Written and delivered are separate
// facts: a message is durably recorded even while its recipient is
// offline, and redelivery retries independently of the immutable log.
//
// # Failure Handling
//
// Validation errors return to the caller immediately. Redelivery is
// internal to the queue until attempts are exhausted. A ticket whose
// message cannot be hydrated is corrupt: it is logged, discarded, and
// never retried, while the rest of the batch keeps flowing.
package conversation
