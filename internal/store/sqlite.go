// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite permits one writer at a time. Funnel every statement through a
	// single pooled connection so concurrent appends queue on the pool and
	// serialize, instead of racing on separate connections and failing with
	// SQLITE_BUSY. A busy handler would not cover the append transaction:
	// upgrading a deferred read to a write after another commit returns
	// SQLITE_BUSY_SNAPSHOT without consulting it.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Wait for locks held by other processes rather than failing fast
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user_lo    TEXT NOT NULL,
			user_hi    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			UNIQUE(user_lo, user_hi),
			CHECK (user_lo <= user_hi)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user_lo ON conversations(user_lo);
		CREATE INDEX IF NOT EXISTS idx_conversations_user_hi ON conversations(user_hi);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender          TEXT NOT NULL,
			kind            TEXT NOT NULL,
			payload         TEXT NOT NULL,
			delivery_state  TEXT NOT NULL DEFAULT 'pending',
			created_at      TEXT NOT NULL,

			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (kind IN ('text', 'image', 'voice')),
			CHECK (delivery_state IN ('pending', 'delivered', 'acknowledged'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// canonicalPair returns the user pair in canonical order, lexicographically
// smaller identifier first. Resolve(A,B) and Resolve(B,A) hit the same row.
func canonicalPair(userA, userB string) (lo, hi string) {
	if userA <= userB {
		return userA, userB
	}
	return userB, userA
}

// Resolve returns the conversation for the unordered pair (userA, userB),
// creating it if it doesn't exist. Concurrent calls for the same pair all
// return the same conversation; the UNIQUE(user_lo, user_hi) constraint
// arbitrates creation races.
func (s *SQLiteStore) Resolve(ctx context.Context, userA, userB string) (*Conversation, error) {
	if userA == "" || userB == "" {
		return nil, ErrInvalidUser
	}

	lo, hi := canonicalPair(userA, userB)

	conv, err := s.getConversationByPair(ctx, lo, hi)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv = &Conversation{
		ID:        uuid.New().String(),
		UserLo:    lo,
		UserHi:    hi,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO conversations (id, user_lo, user_hi, created_at)
		VALUES (?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.UserLo,
		conv.UserHi,
		conv.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		// Another caller may have created the conversation between our
		// lookup and insert. Re-read the winning row.
		if isConstraintViolation(err) {
			existing, lookupErr := s.getConversationByPair(ctx, lo, hi)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, lookupErr
		}
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "user_lo", lo, "user_hi", hi)
	return conv, nil
}

// getConversationByPair retrieves a conversation by its canonical user pair.
func (s *SQLiteStore) getConversationByPair(ctx context.Context, lo, hi string) (*Conversation, error) {
	query := `
		SELECT id, user_lo, user_hi, created_at
		FROM conversations
		WHERE user_lo = ? AND user_hi = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, lo, hi))
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, user_lo, user_hi, created_at
		FROM conversations
		WHERE id = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var createdAtStr string

	err := row.Scan(&conv.ID, &conv.UserLo, &conv.UserHi, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &conv, nil
}

// ListFor returns all conversations involving user, most recent first.
func (s *SQLiteStore) ListFor(ctx context.Context, user string) ([]*Conversation, error) {
	if user == "" {
		return nil, ErrInvalidUser
	}

	query := `
		SELECT id, user_lo, user_hi, created_at
		FROM conversations
		WHERE user_lo = ? OR user_hi = ?
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, user, user)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr string

		if err := rows.Scan(&conv.ID, &conv.UserLo, &conv.UserHi, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}

		conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		convs = append(convs, &conv)
	}

	return convs, rows.Err()
}

// Append adds a message to the conversation's log and returns its sequence
// number. Sequence numbers start at 1 and increase by exactly 1 per
// successful append. The seq read and the insert happen in one write
// transaction, so appends are serialized per conversation and a message is
// never visible without its sequence number.
func (s *SQLiteStore) Append(ctx context.Context, conversationID, sender, kind, payload string) (int64, error) {
	if payload == "" {
		return 0, ErrInvalidPayload
	}
	if !ValidKind(kind) {
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, kind)
	}
	if sender == "" {
		return 0, ErrInvalidUser
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	// Verify the conversation exists before assigning a sequence number
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("checking conversation: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("assigning sequence number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, sender, kind, payload, delivery_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		conversationID,
		seq,
		sender,
		kind,
		payload,
		DeliveryPending,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("message appended", "conversation_id", conversationID, "seq", seq, "sender", sender, "kind", kind)
	return seq, nil
}

// History returns all messages with seq >= fromSeq in ascending order.
// An unknown conversation or an exhausted range yields an empty slice,
// not an error.
func (s *SQLiteStore) History(ctx context.Context, conversationID string, fromSeq int64) ([]*Message, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	query := `
		SELECT conversation_id, seq, sender, kind, payload, delivery_state, created_at
		FROM messages
		WHERE conversation_id = ? AND seq >= ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

// GetMessage retrieves a single message by conversation and sequence number.
// Returns ErrNotFound if no such message exists.
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID string, seq int64) (*Message, error) {
	query := `
		SELECT conversation_id, seq, sender, kind, payload, delivery_state, created_at
		FROM messages
		WHERE conversation_id = ? AND seq = ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, seq)
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying message: %w", err)
		}
		return nil, ErrNotFound
	}

	return scanMessage(rows)
}

// MarkDeliveryState transitions a message's delivery state. The message
// payload and sequencing are immutable; this is the only permitted update.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) MarkDeliveryState(ctx context.Context, conversationID string, seq int64, state string) error {
	switch state {
	case DeliveryPending, DeliveryDelivered, DeliveryAcknowledged:
	default:
		return fmt.Errorf("unknown delivery state %q", state)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET delivery_state = ?
		WHERE conversation_id = ? AND seq = ?
	`, state, conversationID, seq)
	if err != nil {
		return fmt.Errorf("updating delivery state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("delivery state updated", "conversation_id", conversationID, "seq", seq, "state", state)
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var createdAtStr string

	err := row.Scan(
		&msg.ConversationID,
		&msg.Seq,
		&msg.Sender,
		&msg.Kind,
		&msg.Payload,
		&msg.DeliveryState,
		&createdAtStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &msg, nil
}
