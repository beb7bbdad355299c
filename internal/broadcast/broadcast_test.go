package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/queue"
	"github.com/arcsign/withdrawalengine/internal/signing"
	"github.com/arcsign/withdrawalengine/internal/store"
)

type fakeChainClient struct {
	err error
}

func (f *fakeChainClient) SendRawTransaction(ctx context.Context, rawTx string) error {
	return f.err
}

type staticClientFactory struct {
	client ChainClient
	err    error
}

func (f *staticClientFactory) ClientFor(ctx context.Context, chain, network string) (ChainClient, error) {
	return f.client, f.err
}

func newWorker(t *testing.T, q queue.Queue, s store.RequestStore, client ChainClient) *Broadcaster {
	t.Helper()
	return &Broadcaster{
		Queue:          q,
		Store:          s,
		Clients:        &staticClientFactory{client: client},
		SignedQueue:    "signed-tx-queue",
		BroadcastQueue: "broadcast-tx-queue",
		InstanceID:     "instance-a",
		Logger:         zap.NewNop(),
		ReceiveMax:     10,
		Wait:           time.Millisecond,
		Visibility:     time.Minute,
	}
}

func sendSigned(t *testing.T, q queue.Queue, m signing.SignedTxMessage) {
	t.Helper()
	body, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, q.Send(context.Background(), "signed-tx-queue", body, nil))
}

func TestProcess_SuccessfulBroadcastRecordsAndEmits(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	requestID := "r1"
	seed := model.WithdrawalRequest{
		RequestID: requestID,
		Chain:     "polygon",
		Network:   "mainnet",
		Status:    model.StatusSigned,
	}
	s := store.NewMemoryRequestStore(seed)
	b := newWorker(t, q, s, &fakeChainClient{})

	sendSigned(t, q, signing.SignedTxMessage{
		Kind:      model.ModeSingle,
		RequestID: &requestID,
		TxHash:    "0xabc",
		Chain:     "polygon",
		Network:   "mainnet",
	})

	require.NoError(t, b.Run(ctx))
	require.Equal(t, 0, q.Depth("signed-tx-queue"))
	require.Equal(t, 1, q.Depth("broadcast-tx-queue"))

	row, err := s.Get(ctx, requestID)
	require.NoError(t, err)
	require.Equal(t, model.StatusBroadcasting, row.Status)
}

func TestProcess_AlreadyKnownIsTreatedAsSuccess(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	requestID := "r1"
	s := store.NewMemoryRequestStore(model.WithdrawalRequest{
		RequestID: requestID, Chain: "polygon", Network: "mainnet", Status: model.StatusSigned,
	})
	b := newWorker(t, q, s, &fakeChainClient{err: errors.New("already known")})

	sendSigned(t, q, signing.SignedTxMessage{Kind: model.ModeSingle, RequestID: &requestID, TxHash: "0xabc", Chain: "polygon", Network: "mainnet"})

	require.NoError(t, b.Run(ctx))
	require.Equal(t, 1, q.Depth("broadcast-tx-queue"))
	require.Equal(t, 0, q.Depth(queue.DLQName("signed-tx-queue")))

	row, err := s.Get(ctx, requestID)
	require.NoError(t, err)
	require.Equal(t, model.StatusBroadcasting, row.Status)
}

func TestProcess_AlreadyKnownMatchesCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	requestID := "r1"
	s := store.NewMemoryRequestStore(model.WithdrawalRequest{
		RequestID: requestID, Chain: "polygon", Network: "mainnet", Status: model.StatusSigned,
	})
	b := newWorker(t, q, s, &fakeChainClient{err: errors.New("Already Known")})

	sendSigned(t, q, signing.SignedTxMessage{Kind: model.ModeSingle, RequestID: &requestID, TxHash: "0xabc", Chain: "polygon", Network: "mainnet"})

	require.NoError(t, b.Run(ctx))
	require.Equal(t, 1, q.Depth("broadcast-tx-queue"))
}

func TestProcess_HardFailureRoutesToDLQWithoutRetry(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	requestID := "r1"
	s := store.NewMemoryRequestStore(model.WithdrawalRequest{
		RequestID: requestID, Chain: "polygon", Network: "mainnet", Status: model.StatusSigned,
	})
	b := newWorker(t, q, s, &fakeChainClient{err: errors.New("insufficient funds for gas")})

	sendSigned(t, q, signing.SignedTxMessage{Kind: model.ModeSingle, RequestID: &requestID, TxHash: "0xabc", Chain: "polygon", Network: "mainnet"})

	require.NoError(t, b.Run(ctx))
	require.Equal(t, 0, q.Depth("signed-tx-queue"))
	require.Equal(t, 1, q.Depth(queue.DLQName("signed-tx-queue")))
	require.Equal(t, 0, q.Depth("broadcast-tx-queue"))

	row, err := s.Get(ctx, requestID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, row.Status)
}

func TestProcess_MalformedMessageGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	s := store.NewMemoryRequestStore()
	b := newWorker(t, q, s, &fakeChainClient{})

	require.NoError(t, q.Send(ctx, "signed-tx-queue", []byte("not json"), nil))

	require.NoError(t, b.Run(ctx))
	require.Equal(t, 0, q.Depth("signed-tx-queue"))
	require.Equal(t, 1, q.Depth(queue.DLQName("signed-tx-queue")))
}
