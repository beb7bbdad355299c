package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_SendReceiveDelete(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "tx-request", []byte(`{"requestId":"r1"}`), map[string]string{"retryCount": "0"}))

	msgs, err := q.Receive(ctx, "tx-request", 10, 50*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, `{"requestId":"r1"}`, string(msgs[0].Body))
	require.Equal(t, 0, msgs[0].RetryCountAttr())

	require.NoError(t, q.Delete(ctx, "tx-request", msgs[0].ReceiptHandle))
	require.Equal(t, 0, q.Depth("tx-request"))
}

func TestMemoryQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "signed-tx", []byte("body"), nil))

	msgs, err := q.Receive(ctx, "signed-tx", 10, 10*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Don't delete; wait past visibility, message should come back.
	time.Sleep(30 * time.Millisecond)

	redelivered, err := q.Receive(ctx, "signed-tx", 10, 50*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	require.Equal(t, "body", string(redelivered[0].Body))
}

func TestMemoryQueue_SendToDLQ(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.SendToDLQ(ctx, "broadcast-tx", []byte("bad"), "ERR_GAS_TOO_LOW"))

	msgs, err := q.Receive(ctx, DLQName("broadcast-tx"), 10, 10*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "ERR_GAS_TOO_LOW", msgs[0].Attributes["error"])
}

func TestMemoryQueue_ReceiveTimesOutWhenEmpty(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	start := time.Now()
	msgs, err := q.Receive(ctx, "empty", 10, 30*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
