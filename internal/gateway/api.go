// ABOUTME: HTTP API handlers translating JSON requests into ConversationService calls
// ABOUTME: The authenticated user from the bearer token is always the acting party

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/courier-core/internal/auth"
	"github.com/2389/courier-core/internal/dedupe"
	"github.com/2389/courier-core/internal/queue"
	"github.com/2389/courier-core/internal/store"
)

// SendRequest is the JSON request body for POST /api/send. The sender is
// taken from the verified token, never from the body. IdempotencyKey is
// optional; retries carrying the same key replay the original receipt.
type SendRequest struct {
	Recipient      string `json:"recipient"`
	Kind           string `json:"kind"`
	Payload        string `json:"payload"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SendResponse is the JSON response for POST /api/send.
type SendResponse struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
}

// ReceiveRequest is the JSON request body for POST /api/receive.
type ReceiveRequest struct {
	MaxItems int `json:"max_items,omitempty"`
}

// DeliveryResponse is one delivered message in a receive batch.
type DeliveryResponse struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	Sender         string `json:"sender"`
	Kind           string `json:"kind"`
	Payload        string `json:"payload"`
	Attempts       int    `json:"attempts"`
	CreatedAt      string `json:"created_at"`
}

// ReceiveResponse is the JSON response for POST /api/receive.
type ReceiveResponse struct {
	Deliveries []DeliveryResponse `json:"deliveries"`
}

// AckRequest is the JSON request body for POST /api/ack.
type AckRequest struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
}

// MessageResponse is one message in a history listing.
type MessageResponse struct {
	Seq           int64  `json:"seq"`
	Sender        string `json:"sender"`
	Kind          string `json:"kind"`
	Payload       string `json:"payload"`
	DeliveryState string `json:"delivery_state"`
	CreatedAt     string `json:"created_at"`
}

// HistoryResponse is the JSON response for GET /api/history.
type HistoryResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// ConversationResponse is one conversation in a listing.
type ConversationResponse struct {
	ID        string `json:"id"`
	Peer      string `json:"peer"`
	CreatedAt string `json:"created_at"`
}

// DeadLetterResponse is one dead-lettered ticket.
type DeadLetterResponse struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	Attempts       int    `json:"attempts"`
	DeadAt         string `json:"dead_at"`
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// sendJSON writes a JSON response body.
func (g *Gateway) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// handleSend handles POST /api/send requests.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sender := auth.MustUserFromContext(r.Context())

	var req SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Recipient == "" {
		g.sendJSONError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	send := func() (dedupe.Receipt, error) {
		rcpt, err := g.service.Send(r.Context(), sender, req.Recipient, req.Kind, req.Payload)
		if err != nil {
			return dedupe.Receipt{}, err
		}
		return dedupe.Receipt{ConversationID: rcpt.ConversationID, Seq: rcpt.Seq}, nil
	}

	var receipt dedupe.Receipt
	var err error
	if req.IdempotencyKey != "" {
		// The cache claims the key before the append runs, so concurrent
		// retries carrying the same key collapse to a single message: one
		// request appends, the rest replay its receipt.
		receipt, err = g.dedupe.Do(sender+"|"+req.IdempotencyKey, send)
	} else {
		receipt, err = send()
	}
	if err != nil {
		if errors.Is(err, store.ErrInvalidPayload) || errors.Is(err, store.ErrInvalidUser) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("send failed", "error", err, "sender", sender)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, SendResponse{ConversationID: receipt.ConversationID, Seq: receipt.Seq})
}

// handleReceive handles POST /api/receive requests.
func (g *Gateway) handleReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user := auth.MustUserFromContext(r.Context())

	var req ReceiveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	maxItems := req.MaxItems
	if maxItems <= 0 || maxItems > g.cfg.Delivery.MaxPollItems {
		maxItems = g.cfg.Delivery.MaxPollItems
	}

	deliveries, err := g.service.Receive(r.Context(), user, maxItems)
	if err != nil {
		g.logger.Error("receive failed", "error", err, "user", user)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ReceiveResponse{Deliveries: make([]DeliveryResponse, 0, len(deliveries))}
	for _, d := range deliveries {
		resp.Deliveries = append(resp.Deliveries, DeliveryResponse{
			ConversationID: d.Message.ConversationID,
			Seq:            d.Message.Seq,
			Sender:         d.Message.Sender,
			Kind:           d.Message.Kind,
			Payload:        d.Message.Payload,
			Attempts:       d.Ticket.Attempts,
			CreatedAt:      d.Message.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.sendJSON(w, resp)
}

// handleAck handles POST /api/ack requests. An unknown ticket is reported
// with 409 rather than 500: acks legitimately race redelivery timeouts.
func (g *Gateway) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user := auth.MustUserFromContext(r.Context())

	var req AckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.Seq < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id and seq are required")
		return
	}

	if err := g.service.Ack(r.Context(), user, req.ConversationID, req.Seq); err != nil {
		if errors.Is(err, queue.ErrUnknownTicket) {
			g.sendJSONError(w, http.StatusConflict, "unknown ticket")
			return
		}
		g.logger.Error("ack failed", "error", err, "user", user)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHistory handles GET /api/history?conversation_id=X requests.
// Only participants of the conversation may read its history.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user := auth.MustUserFromContext(r.Context())

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	conv, err := g.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("conversation lookup failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if conv.UserLo != user && conv.UserHi != user {
		g.sendJSONError(w, http.StatusForbidden, "not a participant")
		return
	}

	msgs, err := g.service.History(r.Context(), conversationID)
	if err != nil {
		g.logger.Error("history failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := HistoryResponse{
		ConversationID: conversationID,
		Messages:       make([]MessageResponse, 0, len(msgs)),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, MessageResponse{
			Seq:           m.Seq,
			Sender:        m.Sender,
			Kind:          m.Kind,
			Payload:       m.Payload,
			DeliveryState: m.DeliveryState,
			CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.sendJSON(w, resp)
}

// handleConversations handles GET /api/conversations requests.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user := auth.MustUserFromContext(r.Context())

	convs, err := g.service.Conversations(r.Context(), user)
	if err != nil {
		g.logger.Error("conversation listing failed", "error", err, "user", user)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		resp = append(resp, ConversationResponse{
			ID:        c.ID,
			Peer:      c.Other(user),
			CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.sendJSON(w, resp)
}

// handleDeadLetters handles GET /api/deadletters requests, returning the
// caller's own dead-lettered tickets for inspection.
func (g *Gateway) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user := auth.MustUserFromContext(r.Context())

	dead := g.service.DeadLetters(user)
	resp := make([]DeadLetterResponse, 0, len(dead))
	for _, tk := range dead {
		resp = append(resp, DeadLetterResponse{
			ConversationID: tk.ConversationID,
			Seq:            tk.Seq,
			Attempts:       tk.Attempts,
			DeadAt:         tk.DeadAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.sendJSON(w, resp)
}
