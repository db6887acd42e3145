// ABOUTME: Tests for ConversationService
// ABOUTME: Verifies send/receive/ack flows, history, and corrupt ticket handling

package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier-core/internal/queue"
	"github.com/2389/courier-core/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(queue.Options{
		VisibilityTimeout: 20 * time.Millisecond,
		SweepInterval:     time.Hour,
		MaxAttempts:       3,
	}, nil)
	t.Cleanup(q.Close)
	return q
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(createTestStore(t), createTestQueue(t), nil)
}

func TestService_SendRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	receipt, err := svc.Send(ctx, "alice", "bob", store.KindText, "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(1), receipt.Seq)
	require.NotEmpty(t, receipt.ConversationID)

	msgs, err := svc.History(ctx, receipt.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Payload)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, int64(1), msgs[0].Seq)
}

func TestService_BidirectionalSharedSequence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Both directions land in the same conversation and sequence space
	first, err := svc.Send(ctx, "alice", "bob", store.KindText, "hello")
	require.NoError(t, err)
	second, err := svc.Send(ctx, "bob", "alice", store.KindText, "hi")
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
}

func TestService_ReceiveAndAck(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	receipt, err := svc.Send(ctx, "alice", "bob", store.KindText, "hello")
	require.NoError(t, err)

	deliveries, err := svc.Receive(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "hello", deliveries[0].Message.Payload)
	assert.Equal(t, "alice", deliveries[0].Message.Sender)
	assert.Equal(t, int64(1), deliveries[0].Ticket.Seq)
	assert.Equal(t, 1, deliveries[0].Ticket.Attempts)

	require.NoError(t, svc.Ack(ctx, "bob", receipt.ConversationID, receipt.Seq))

	// Acked message never comes back
	deliveries, err = svc.Receive(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestService_Receive_MarksDelivered(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	receipt, err := svc.Send(ctx, "alice", "bob", store.KindText, "hello")
	require.NoError(t, err)

	_, err = svc.Receive(ctx, "bob", 10)
	require.NoError(t, err)

	msgs, err := svc.History(ctx, receipt.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.DeliveryDelivered, msgs[0].DeliveryState)

	require.NoError(t, svc.Ack(ctx, "bob", receipt.ConversationID, receipt.Seq))

	msgs, err = svc.History(ctx, receipt.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryAcknowledged, msgs[0].DeliveryState)
}

func TestService_SenderNotEnqueuedToSelf(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "alice", "bob", store.KindText, "hello")
	require.NoError(t, err)

	// Only the recipient gets a delivery
	deliveries, err := svc.Receive(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestService_Send_InvalidPayload(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "alice", "bob", store.KindText, "")
	assert.ErrorIs(t, err, store.ErrInvalidPayload)

	_, err = svc.Send(ctx, "alice", "bob", "sticker", "ref")
	assert.ErrorIs(t, err, store.ErrInvalidPayload)
}

func TestService_Send_InvalidUsers(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "", "bob", store.KindText, "hi")
	assert.ErrorIs(t, err, store.ErrInvalidUser)

	_, err = svc.Send(ctx, "alice", "", store.KindText, "hi")
	assert.ErrorIs(t, err, store.ErrInvalidUser)
}

func TestService_Ack_UnknownTicket(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.Ack(ctx, "bob", "conv-1", 1)
	assert.ErrorIs(t, err, queue.ErrUnknownTicket)
}

func TestService_Receive_CorruptTicket(t *testing.T) {
	st := createTestStore(t)
	q := createTestQueue(t)
	svc := New(st, q, nil)
	ctx := context.Background()

	// A ticket referencing a message that was never appended
	require.NoError(t, q.Enqueue("bob", "ghost-conv", 1))

	// And a healthy one to prove the batch keeps flowing
	receipt, err := svc.Send(ctx, "alice", "bob", store.KindText, "real")
	require.NoError(t, err)

	deliveries, err := svc.Receive(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, receipt.ConversationID, deliveries[0].Message.ConversationID)

	// The corrupt ticket is discarded, not retried
	time.Sleep(30 * time.Millisecond)
	deliveries, err = svc.Receive(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	dead := q.DeadLetters("bob")
	require.Len(t, dead, 1)
	assert.Equal(t, "ghost-conv", dead[0].ConversationID)
}

func TestService_Receive_ExpiredContext(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Send(context.Background(), "alice", "bob", store.KindText, "hello")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Deadline expiry yields an empty result, not an error
	deliveries, err := svc.Receive(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestService_Conversations(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "alice", "bob", store.KindText, "hi")
	require.NoError(t, err)
	_, err = svc.Send(ctx, "alice", "carol", store.KindImage, "img://pic")
	require.NoError(t, err)

	convs, err := svc.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 2)

	convs, err = svc.Conversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "alice", convs[0].Other("bob"))
}

func TestService_History_UnknownConversation(t *testing.T) {
	svc := newTestService(t)

	msgs, err := svc.History(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
