package graph

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *BoltQueue {
	t.Helper()
	q, err := NewBoltQueue(t.TempDir())
	require.NoError(t, err)
	q.pollInterval = 10 * time.Millisecond
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestBoltQueueSendDedupesBySingletonKey(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Send(ctx, "q", TickJob{GraphID: "g-1"}, SendOptions{SingletonKey: "g-1", ExpireInSeconds: 60}))
	require.NoError(t, q.Send(ctx, "q", TickJob{GraphID: "g-1"}, SendOptions{SingletonKey: "g-1", ExpireInSeconds: 60}))

	var count atomic.Int32
	ctx2, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_ = q.Work(ctx2, "q", 10, func(context.Context, TickJob) error {
		count.Add(1)
		return nil
	})
	require.Equal(t, int32(1), count.Load())
}

func TestBoltQueueWorkDeliversAndRetriesOnError(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Send(ctx, "q", TickJob{GraphID: "g-retry"}, SendOptions{ExpireInSeconds: 60}))

	var attempts atomic.Int32
	ctx2, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_ = q.Work(ctx2, "q", 10, func(_ context.Context, job TickJob) error {
		n := attempts.Add(1)
		if n == 1 {
			return errFirstAttempt
		}
		return nil
	})
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestBoltQueueIgnoresOtherQueues(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Send(ctx, "other", TickJob{GraphID: "g-1"}, SendOptions{ExpireInSeconds: 60}))

	var count atomic.Int32
	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = q.Work(ctx2, "mine", 10, func(context.Context, TickJob) error {
		count.Add(1)
		return nil
	})
	require.Equal(t, int32(0), count.Load())
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errFirstAttempt = sentinelError("first attempt fails")
