// ABOUTME: Package documentation for the store package
// ABOUTME: Describes the message log, conversation index, and SQLite backend

// Package store provides durable persistence for conversations and messages.
//
// # Overview
//
// The store combines two concerns behind one interface:
//
//   - Message log: an append-only, per-conversation log. Append assigns
//     monotonic sequence numbers starting at 1; History reads the log in
//     order. Messages are immutable once appended, except for their
//     delivery state.
//   - Conversation index: Resolve maps an unordered user pair to its
//     single conversation, creating it lazily. The pair is stored in
//     canonical (lexicographic) order so Resolve(A, B) and Resolve(B, A)
//     hit the same row.
//
// # Sequencing
//
// Append reads the current maximum sequence number and inserts the new
// message inside a single write transaction. SQLite serializes write
// transactions, so concurrent appends to the same conversation always see
// gap-free, strictly increasing sequence numbers, and a message is never
// visible without its sequence number.
//
// # SQLite Backend
//
// SQLiteStore is the production implementation, using modernc.org/sqlite
// with WAL mode and foreign keys enabled. The schema is created
// automatically on open:
//
//	s, err := store.NewSQLiteStore("/var/lib/courier/courier.db")
//
// Creation races on Resolve are arbitrated by the UNIQUE(user_lo, user_hi)
// constraint: the losing inserter re-reads the winning row.
package store
