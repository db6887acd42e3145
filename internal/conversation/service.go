// ABOUTME: ConversationService is the public facade over store and delivery queue
// ABOUTME: All sends flow through here - append to the log first, then enqueue delivery

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/courier-core/internal/queue"
	"github.com/2389/courier-core/internal/store"
)

// markStateTimeout bounds delivery-state writes so they outlive a
// cancelled request context without hanging forever.
const markStateTimeout = 5 * time.Second

// ErrCorruptTicket marks a delivery ticket whose message cannot be found
// in the log. This is an internal invariant violation: the ticket is
// dropped and logged, never retried, and other tickets keep flowing.
var ErrCorruptTicket = errors.New("corrupt ticket")

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	Append(ctx context.Context, conversationID, sender, kind, payload string) (int64, error)
	History(ctx context.Context, conversationID string, fromSeq int64) ([]*store.Message, error)
	GetMessage(ctx context.Context, conversationID string, seq int64) (*store.Message, error)
	MarkDeliveryState(ctx context.Context, conversationID string, seq int64, state string) error

	Resolve(ctx context.Context, userA, userB string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListFor(ctx context.Context, user string) ([]*store.Conversation, error)
}

// DeliveryQueue defines what the service needs from the delivery layer
type DeliveryQueue interface {
	Enqueue(recipient, conversationID string, seq int64) error
	Poll(ctx context.Context, recipient string, maxItems int) []queue.Ticket
	Ack(recipient, conversationID string, seq int64) error
	Discard(recipient, conversationID string, seq int64) error
	DeadLetters(recipient string) []queue.Ticket
}

// Service composes the message log, conversation index, and delivery
// queue into the public conversation API. State lives entirely in the
// injected collaborators, so independent Service instances never
// interfere with each other.
type Service struct {
	store  ConversationStore
	queue  DeliveryQueue
	logger *slog.Logger
}

// New creates a new ConversationService
func New(st ConversationStore, dq DeliveryQueue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		queue:  dq,
		logger: logger.With("component", "conversation"),
	}
}

// Receipt identifies a durably appended message.
type Receipt struct {
	ConversationID string
	Seq            int64
}

// Delivery pairs a hydrated message with its delivery ticket.
type Delivery struct {
	Message *store.Message
	Ticket  queue.Ticket
}

// Send resolves the conversation for (sender, recipient), appends the
// message to the log, and enqueues delivery for the recipient.
//
// Key principle: append first, then enqueue. The ticket references an
// already-durable sequence number, so a message is never deliverable
// before it is recorded.
func (s *Service) Send(ctx context.Context, sender, recipient, kind, payload string) (Receipt, error) {
	if sender == "" || recipient == "" {
		return Receipt{}, store.ErrInvalidUser
	}

	conv, err := s.store.Resolve(ctx, sender, recipient)
	if err != nil {
		return Receipt{}, fmt.Errorf("resolving conversation: %w", err)
	}

	seq, err := s.store.Append(ctx, conv.ID, sender, kind, payload)
	if err != nil {
		return Receipt{}, err
	}

	if err := s.queue.Enqueue(recipient, conv.ID, seq); err != nil {
		// The message is durable in the log either way
		return Receipt{}, fmt.Errorf("enqueueing delivery: %w", err)
	}

	s.logger.Debug("message sent",
		"conversation_id", conv.ID,
		"seq", seq,
		"sender", sender,
		"recipient", recipient,
		"kind", kind)

	return Receipt{ConversationID: conv.ID, Seq: seq}, nil
}

// Receive polls the delivery queue for the user and hydrates each ticket
// from the message log. A ticket whose message cannot be found is dropped
// as corrupt - logged, discarded, never retried - without stopping the
// rest of the batch. Deadline expiry on ctx yields an empty result.
func (s *Service) Receive(ctx context.Context, user string, maxItems int) ([]Delivery, error) {
	if user == "" {
		return nil, store.ErrInvalidUser
	}

	tickets := s.queue.Poll(ctx, user, maxItems)
	if len(tickets) == 0 {
		return nil, nil
	}

	deliveries := make([]Delivery, 0, len(tickets))
	for _, tk := range tickets {
		msg, err := s.store.GetMessage(ctx, tk.ConversationID, tk.Seq)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.logger.Error("dropping ticket with no backing message",
					"error", ErrCorruptTicket,
					"recipient", user,
					"conversation_id", tk.ConversationID,
					"seq", tk.Seq)
				if derr := s.queue.Discard(user, tk.ConversationID, tk.Seq); derr != nil {
					s.logger.Error("failed to discard corrupt ticket", "error", derr)
				}
				continue
			}
			// Transient store failure: leave the ticket in-flight, the
			// visibility timeout will bring it back
			s.logger.Error("failed to hydrate ticket",
				"error", err,
				"conversation_id", tk.ConversationID,
				"seq", tk.Seq)
			continue
		}

		s.markDeliveryState(tk.ConversationID, tk.Seq, store.DeliveryDelivered)
		deliveries = append(deliveries, Delivery{Message: msg, Ticket: tk})
	}

	return deliveries, nil
}

// Ack confirms receipt of a delivered message. queue.ErrUnknownTicket is
// returned when the ack races a timeout-triggered redelivery or repeats;
// callers should report it, not treat it as fatal.
func (s *Service) Ack(ctx context.Context, user, conversationID string, seq int64) error {
	if err := s.queue.Ack(user, conversationID, seq); err != nil {
		if errors.Is(err, queue.ErrUnknownTicket) {
			s.logger.Warn("ack for unknown ticket",
				"recipient", user,
				"conversation_id", conversationID,
				"seq", seq)
		}
		return err
	}

	s.markDeliveryState(conversationID, seq, store.DeliveryAcknowledged)
	return nil
}

// History returns the full ordered message log for a conversation.
// Unknown conversations yield an empty history, not an error.
func (s *Service) History(ctx context.Context, conversationID string) ([]*store.Message, error) {
	return s.store.History(ctx, conversationID, 1)
}

// Conversations lists all conversations involving the user.
func (s *Service) Conversations(ctx context.Context, user string) ([]*store.Conversation, error) {
	return s.store.ListFor(ctx, user)
}

// DeadLetters returns the user's dead-lettered tickets for inspection.
func (s *Service) DeadLetters(user string) []queue.Ticket {
	return s.queue.DeadLetters(user)
}

// markDeliveryState records a delivery-state transition in the log.
// Best effort: the queue is authoritative for delivery, so a failed
// update is logged and delivery continues.
func (s *Service) markDeliveryState(conversationID string, seq int64, state string) {
	ctx, cancel := context.WithTimeout(context.Background(), markStateTimeout)
	defer cancel()

	if err := s.store.MarkDeliveryState(ctx, conversationID, seq, state); err != nil {
		s.logger.Error("failed to update delivery state",
			"error", err,
			"conversation_id", conversationID,
			"seq", seq,
			"state", state)
	}
}
