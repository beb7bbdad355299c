package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcsign/withdrawalengine/internal/metrics"
	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/queue"
)

func TestClassify_NonceTooLow(t *testing.T) {
	c := Classify("nonce too low: next 5, tx 3")
	require.Equal(t, ErrorNonceTooLow, c.Type)
	require.True(t, c.IsRetryable)
}

func TestClassify_NonceTooHighExtractsNonces(t *testing.T) {
	c := Classify("nonce too high: next 5, tx 8")
	require.Equal(t, ErrorNonceTooHigh, c.Type)
	require.NotNil(t, c.ExpectedNonce)
	require.NotNil(t, c.ActualNonce)
	require.EqualValues(t, 5, *c.ExpectedNonce)
	require.EqualValues(t, 8, *c.ActualNonce)

	gap, within := IsNonceGapWithin(c, 10)
	require.True(t, within)
	require.Equal(t, 3, gap)
}

func TestClassify_InsufficientFundsIsTerminal(t *testing.T) {
	c := Classify("insufficient funds for gas * price + value")
	require.Equal(t, ErrorInsufficientFunds, c.Type)
	require.False(t, c.IsRetryable)
}

func TestClassify_NetworkError(t *testing.T) {
	c := Classify("dial tcp: connection refused")
	require.Equal(t, ErrorNetwork, c.Type)
	require.True(t, c.IsRetryable)
}

func TestClassify_UnknownFallsThrough(t *testing.T) {
	c := Classify("the sky fell down")
	require.Equal(t, ErrorUnknown, c.Type)
	require.True(t, c.IsRetryable)
}

func TestPriorityQueue_PopsHighestPriorityFirst(t *testing.T) {
	q := NewPriorityQueue(10)
	low := &model.PriorityMessage{ID: "low", Priority: 1}
	high := &model.PriorityMessage{ID: "high", Priority: 10}
	mid := &model.PriorityMessage{ID: "mid", Priority: 5}

	require.NoError(t, q.Push(low))
	require.NoError(t, q.Push(high))
	require.NoError(t, q.Push(mid))

	first, ok := q.Pop(time.Now())
	require.True(t, ok)
	require.Equal(t, "high", first.ID)

	second, ok := q.Pop(time.Now())
	require.True(t, ok)
	require.Equal(t, "mid", second.ID)
}

func TestPriorityQueue_RespectsRetryAfter(t *testing.T) {
	q := NewPriorityQueue(10)
	now := time.Now()
	future := now.Add(time.Hour)
	msg := &model.PriorityMessage{ID: "delayed", Priority: 10, RetryAfter: &future}
	require.NoError(t, q.Push(msg))

	_, ok := q.Pop(now)
	require.False(t, ok, "not ready until RetryAfter elapses")
}

func TestPriorityQueue_FailsLoudlyWhenFull(t *testing.T) {
	q := NewPriorityQueue(2)
	require.NoError(t, q.Push(&model.PriorityMessage{ID: "a", Priority: 1}))
	require.NoError(t, q.Push(&model.PriorityMessage{ID: "b", Priority: 1}))
	err := q.Push(&model.PriorityMessage{ID: "c", Priority: 1})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestComputePriority_ClampsToCritical(t *testing.T) {
	p := ComputePriority(model.PriorityCritical, model.QueueBroadcastTx, 2*time.Hour)
	require.Equal(t, int(model.PriorityCritical), p)
}

func TestComputePriority_AppliesQueueAndAgeBonuses(t *testing.T) {
	p := ComputePriority(model.PriorityNormal, model.QueueSignedTx, 15*time.Minute)
	require.Equal(t, int(model.PriorityNormal)+1+1, p)
}

func TestNetworkStrategy_RequeuesWithIncrementedRetryCount(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	s := &NetworkStrategy{Queue: q, InitialDelay: time.Second}
	msg := &model.PriorityMessage{
		DLQMessage: model.DLQMessage{Origin: model.QueueTxRequest, Payload: []byte(`{}`), RetryCount: 2},
	}

	result := s.Recover(ctx, msg, Classification{Type: ErrorNetwork, IsRetryable: true})
	require.True(t, result.Success)
	require.Equal(t, 1, q.Depth("tx-request-queue"))
}

func TestNonceHighStrategy_FailsWhenGapTooLarge(t *testing.T) {
	s := &NonceHighStrategy{EnableDummyTx: true, MaxGap: 5}
	expected := uint64(1)
	actual := uint64(20)
	c := Classification{Type: ErrorNonceTooHigh, ExpectedNonce: &expected, ActualNonce: &actual}

	result := s.Recover(context.Background(), &model.PriorityMessage{}, c)
	require.False(t, result.Success)
	require.Equal(t, "NONCE_GAP_TOO_LARGE", result.Reason)
}

func TestNonceHighStrategy_FailsWhenDummyTxDisabled(t *testing.T) {
	s := &NonceHighStrategy{EnableDummyTx: false, MaxGap: 10}
	expected := uint64(1)
	actual := uint64(3)
	c := Classification{Type: ErrorNonceTooHigh, ExpectedNonce: &expected, ActualNonce: &actual}

	result := s.Recover(context.Background(), &model.PriorityMessage{}, c)
	require.False(t, result.Success)
	require.Equal(t, "DUMMY_TX_DISABLED", result.Reason)
}

func TestNonceLowStrategy_SurfacesAsAlreadyProcessed(t *testing.T) {
	s := &NonceLowStrategy{}
	result := s.Recover(context.Background(), &model.PriorityMessage{}, Classification{Type: ErrorNonceTooLow})
	require.True(t, result.Success)
	require.Equal(t, "NONCE_ALREADY_PROCESSED", result.Action)
}

func TestStrategyRegistry_RoutesByErrorType(t *testing.T) {
	q := queue.NewMemoryQueue()
	reg := NewStrategyRegistry(q, nil, 8, time.Second, true, 10)

	require.IsType(t, &NetworkStrategy{}, reg.For(ErrorNetwork))
	require.IsType(t, &NonceHighStrategy{}, reg.For(ErrorNonceTooHigh))
	require.IsType(t, &TerminalStrategy{}, reg.For(ErrorInsufficientFunds))
	require.IsType(t, &TerminalStrategy{}, reg.For(ErrorType("SOMETHING_NEVER_REGISTERED")))
}

func TestEngine_AdmitsDLQMessageAndProcessesNetworkError(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	reg := NewStrategyRegistry(q, nil, 8, time.Second, true, 10)
	pq := NewPriorityQueue(100)
	mc := NewMetricsCollector(metrics.New())

	e := &Engine{
		Queue:        q,
		Strategies:   reg,
		PriorityQ:    pq,
		Metrics:      mc,
		PollInterval: time.Millisecond,
		ReceiveMax:   10,
		Wait:         time.Millisecond,
		Visibility:   time.Minute,
	}

	require.NoError(t, q.SendToDLQ(ctx, "tx-request-queue", []byte(`{"requestId":"r1"}`), "connection refused"))

	require.NoError(t, e.PollDLQs(ctx))
	require.Equal(t, 1, pq.Len())

	require.True(t, e.ProcessOne(ctx))
	require.Equal(t, 1, q.Depth("tx-request-queue"), "network error requeues to the original forward queue")

	snap := mc.Snapshot()
	require.Equal(t, 1, snap.Processed)
	require.Equal(t, 1, snap.Succeeded)
}

func TestEngine_TerminalFailureIsNotRequeued(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	reg := NewStrategyRegistry(q, nil, 8, time.Second, true, 10)
	pq := NewPriorityQueue(100)
	mc := NewMetricsCollector(metrics.New())

	e := &Engine{Queue: q, Strategies: reg, PriorityQ: pq, Metrics: mc, PollInterval: time.Millisecond, ReceiveMax: 10, Wait: time.Millisecond, Visibility: time.Minute}

	require.NoError(t, q.SendToDLQ(ctx, "signed-tx-queue", []byte(`{}`), "insufficient funds for gas"))
	require.NoError(t, e.PollDLQs(ctx))
	require.True(t, e.ProcessOne(ctx))

	require.Equal(t, 0, q.Depth("signed-tx-queue"))
	require.Equal(t, 0, pq.Len())

	snap := mc.Snapshot()
	require.Equal(t, 1, snap.Failed)
}

func TestMetricsCollector_EvictsSamplesOlderThanRetention(t *testing.T) {
	mc := NewMetricsCollector(metrics.New())
	mc.retention = 10 * time.Millisecond
	mc.RecordCompletion(model.QueueTxRequest, ErrorNetwork, time.Millisecond, true)

	time.Sleep(20 * time.Millisecond)
	snap := mc.Snapshot()
	require.Equal(t, 1, snap.Processed, "aggregate counters are not evicted")
	require.Equal(t, time.Duration(0), snap.P50, "sample window is evicted past retention")
}
