// ABOUTME: Tests for the delivery queue
// ABOUTME: Covers enqueue idempotence, poll ordering, visibility timeout, and dead-lettering

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestQueue returns a queue with a short visibility timeout and a sweep
// interval long enough that tests drive redelivery via runSweep directly.
func newTestQueue(t *testing.T, maxAttempts int) *Queue {
	t.Helper()
	q := New(Options{
		VisibilityTimeout: 20 * time.Millisecond,
		SweepInterval:     time.Hour,
		MaxAttempts:       maxAttempts,
	}, nil)
	t.Cleanup(q.Close)
	return q
}

func TestEnqueueAndPoll(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("bob", "conv-1", 1))
	require.NoError(t, q.Enqueue("bob", "conv-1", 2))

	tickets := q.Poll(ctx, "bob", 10)
	require.Len(t, tickets, 2)
	assert.Equal(t, int64(1), tickets[0].Seq)
	assert.Equal(t, int64(2), tickets[1].Seq)
	assert.Equal(t, 1, tickets[0].Attempts)
	assert.Equal(t, "bob", tickets[0].Recipient)
}

func TestEnqueue_Idempotent(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("bob", "conv-1", 1))
	require.NoError(t, q.Enqueue("bob", "conv-1", 1))

	tickets := q.Poll(ctx, "bob", 10)
	assert.Len(t, tickets, 1, "duplicate enqueue must produce one pending ticket")
}

func TestEnqueue_IdempotentAfterAck(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("bob", "conv-1", 1))
	tickets := q.Poll(ctx, "bob", 10)
	require.Len(t, tickets, 1)
	require.NoError(t, q.Ack("bob", "conv-1", 1))

	// Re-enqueueing a delivered ticket is a no-op
	require.NoError(t, q.Enqueue("bob", "conv-1", 1))
	assert.Empty(t, q.Poll(ctx, "bob", 10))
}

func TestEnqueue_Invalid(t *testing.T) {
	q := newTestQueue(t, 5)

	assert.ErrorIs(t, q.Enqueue("", "conv-1", 1), ErrInvalidTicket)
	assert.ErrorIs(t, q.Enqueue("bob", "", 1), ErrInvalidTicket)
	assert.ErrorIs(t, q.Enqueue("bob", "conv-1", 0), ErrInvalidTicket)
}

func TestPoll_Ordering(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	// Enqueue out of order across two conversations
	require.NoError(t, q.Enqueue("bob", "conv-b", 2))
	require.NoError(t, q.Enqueue("bob", "conv-a", 1))
	require.NoError(t, q.Enqueue("bob", "conv-b", 1))
	require.NoError(t, q.Enqueue("bob", "conv-a", 2))

	tickets := q.Poll(ctx, "bob", 10)
	require.Len(t, tickets, 4)

	want := []struct {
		conv string
		seq  int64
	}{
		{"conv-a", 1}, {"conv-a", 2}, {"conv-b", 1}, {"conv-b", 2},
	}
	for i, w := range want {
		assert.Equal(t, w.conv, tickets[i].ConversationID, "position %d", i)
		assert.Equal(t, w.seq, tickets[i].Seq, "position %d", i)
	}
}

func TestPoll_MaxItems(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, q.Enqueue("bob", "conv-1", seq))
	}

	tickets := q.Poll(ctx, "bob", 3)
	require.Len(t, tickets, 3)
	assert.Equal(t, int64(1), tickets[0].Seq)
	assert.Equal(t, int64(3), tickets[2].Seq)

	// Remaining two are still pending
	rest := q.Poll(ctx, "bob", 10)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(4), rest[0].Seq)
}

func TestPoll_NoDoubleInFlight(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	const total = 50
	for seq := int64(1); seq <= total; seq++ {
		require.NoError(t, q.Enqueue("bob", "conv-1", seq))
	}

	// Two concurrent pollers must never receive the same ticket
	var mu sync.Mutex
	seen := make(map[int64]int)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tickets := q.Poll(ctx, "bob", total)
			mu.Lock()
			defer mu.Unlock()
			for _, tk := range tickets {
				seen[tk.Seq]++
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for seq, count := range seen {
		assert.Equal(t, 1, count, "seq %d handed out %d times", seq, count)
	}
}

func TestPoll_ExpiredContext(t *testing.T) {
	q := newTestQueue(t, 5)
	require.NoError(t, q.Enqueue("bob", "conv-1", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Empty result, not an error, and the ticket stays pending
	assert.Empty(t, q.Poll(ctx, "bob", 10))
	assert.Equal(t, 1, q.PendingCount("bob"))
}

func TestAck(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("bob", "conv-1", 1))
	tickets := q.Poll(ctx, "bob", 10)
	require.Len(t, tickets, 1)

	require.NoError(t, q.Ack("bob", "conv-1", 1))

	// Acked ticket never comes back
	q.runSweep()
	assert.Empty(t, q.Poll(ctx, "bob", 10))
}

func TestAck_UnknownTicket(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	// Never enqueued
	assert.ErrorIs(t, q.Ack("bob", "conv-1", 1), ErrUnknownTicket)

	// Pending but not in-flight
	require.NoError(t, q.Enqueue("bob", "conv-1", 1))
	assert.ErrorIs(t, q.Ack("bob", "conv-1", 1), ErrUnknownTicket)

	// Double ack
	q.Poll(ctx, "bob", 10)
	require.NoError(t, q.Ack("bob", "conv-1", 1))
	assert.ErrorIs(t, q.Ack("bob", "conv-1", 1), ErrUnknownTicket)
}

func TestRedelivery_AfterVisibilityTimeout(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("bob", "conv-1", 1))
	first := q.Poll(ctx, "bob", 10)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Attempts)

	// Before the timeout the ticket is in-flight and invisible
	q.runSweep()
	assert.Empty(t, q.Poll(ctx, "bob", 10))

	// After the timeout the sweep returns it to pending
	time.Sleep(30 * time.Millisecond)
	q.runSweep()

	second := q.Poll(ctx, "bob", 10)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Attempts, "attempt count increments on redelivery")
}

func TestDeadLetter_AfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("bob", "conv-1", 1))

	// Exhaust both attempts without acking
	for i := 0; i < 2; i++ {
		tickets := q.Poll(ctx, "bob", 10)
		require.Len(t, tickets, 1, "attempt %d", i+1)
		time.Sleep(30 * time.Millisecond)
		q.runSweep()
	}

	// Ticket is dead-lettered and no longer polled
	assert.Empty(t, q.Poll(ctx, "bob", 10))

	dead := q.DeadLetters("bob")
	require.Len(t, dead, 1)
	assert.Equal(t, "conv-1", dead[0].ConversationID)
	assert.Equal(t, int64(1), dead[0].Seq)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.False(t, dead[0].DeadAt.IsZero())
}

func TestDiscard(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("bob", "conv-1", 1))
	require.Len(t, q.Poll(ctx, "bob", 10), 1)

	require.NoError(t, q.Discard("bob", "conv-1", 1))

	// Discarded tickets are never retried but remain inspectable
	time.Sleep(30 * time.Millisecond)
	q.runSweep()
	assert.Empty(t, q.Poll(ctx, "bob", 10))
	assert.Len(t, q.DeadLetters("bob"), 1)

	assert.ErrorIs(t, q.Discard("bob", "conv-1", 1), ErrUnknownTicket)
}

func TestRecipientIsolation(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("bob", "conv-1", 1))
	require.NoError(t, q.Enqueue("carol", "conv-1", 2))

	bobTickets := q.Poll(ctx, "bob", 10)
	require.Len(t, bobTickets, 1)
	assert.Equal(t, int64(1), bobTickets[0].Seq)

	carolTickets := q.Poll(ctx, "carol", 10)
	require.Len(t, carolTickets, 1)
	assert.Equal(t, int64(2), carolTickets[0].Seq)
}

func TestClose_Idempotent(t *testing.T) {
	q := New(DefaultOptions(), nil)
	q.Close()
	q.Close()
}
