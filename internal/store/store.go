// ABOUTME: Store interface and data types for courier-core persistence
// ABOUTME: Defines Conversation, Message structs and the MessageStore/ConversationIndex contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidPayload is returned when an append carries an empty payload
// or an unrecognized message kind
var ErrInvalidPayload = errors.New("invalid payload")

// ErrInvalidUser is returned when a user identifier is empty
var ErrInvalidUser = errors.New("invalid user")

// MessageKind constants for the message kind tag
const (
	KindText  = "text"  // Plain text message
	KindImage = "image" // Opaque reference to an image
	KindVoice = "voice" // Opaque reference to a voice note
)

// ValidKind reports whether kind is one of the recognized message kinds.
func ValidKind(kind string) bool {
	switch kind {
	case KindText, KindImage, KindVoice:
		return true
	}
	return false
}

// Delivery state constants for a message
const (
	DeliveryPending      = "pending"      // Appended, not yet handed to the recipient
	DeliveryDelivered    = "delivered"    // Handed to the recipient at least once
	DeliveryAcknowledged = "acknowledged" // Recipient confirmed receipt
)

// Conversation is the durable association between exactly two users.
// Exactly one conversation exists per unordered user pair; UserLo and
// UserHi hold the pair in canonical (lexicographic) order.
type Conversation struct {
	ID        string
	UserLo    string
	UserHi    string
	CreatedAt time.Time
}

// Other returns the participant that is not user. If user is not a
// participant it returns the empty string.
func (c *Conversation) Other(user string) string {
	switch user {
	case c.UserLo:
		return c.UserHi
	case c.UserHi:
		return c.UserLo
	}
	return ""
}

// Message is a single entry in a conversation's append-only log.
// Seq is assigned at append time, starts at 1 per conversation and is
// never reused. Everything except DeliveryState is immutable once
// appended.
type Message struct {
	ConversationID string
	Seq            int64
	Sender         string
	Kind           string // "text", "image", "voice"
	Payload        string // text body or opaque reference string
	DeliveryState  string // "pending", "delivered", "acknowledged"
	CreatedAt      time.Time
}

// Store defines the persistence contract for conversations and messages.
// It combines the message log (Append/History) with the conversation
// index (Resolve/ListFor).
type Store interface {
	// Message log
	Append(ctx context.Context, conversationID, sender, kind, payload string) (int64, error)
	History(ctx context.Context, conversationID string, fromSeq int64) ([]*Message, error)
	GetMessage(ctx context.Context, conversationID string, seq int64) (*Message, error)
	MarkDeliveryState(ctx context.Context, conversationID string, seq int64, state string) error

	// Conversation index
	Resolve(ctx context.Context, userA, userB string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListFor(ctx context.Context, user string) ([]*Conversation, error)

	// Close releases any resources held by the store
	Close() error
}
