package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/queue"
)

// Engine ties the DLQ monitor, classifier, strategy registry, priority
// queue and metrics collector into the recovery loop of spec.md §4.8.
// Grounded on the teacher's errgroup fan-out shape (the same primitive
// internal/signing uses for concurrent work under one cancellable group).
type Engine struct {
	Queue        queue.Queue
	Strategies   *StrategyRegistry
	PriorityQ    *PriorityQueue
	Metrics      *MetricsCollector
	Logger       *zap.Logger
	PollInterval time.Duration
	ReceiveMax   int
	Wait         time.Duration
	Visibility   time.Duration

	// Forward queue names the three DLQs are derived from. Default to
	// the fixed spec.md §4.1 names when left unset.
	TxRequestQueue   string
	SignedTxQueue    string
	BroadcastTxQueue string
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// dlqTargets is the set of DLQs the engine long-polls in parallel,
// derived from the engine's configured forward queue names.
func (e *Engine) dlqTargets() []struct {
	origin model.QueueTag
	name   string
} {
	txRequest := e.TxRequestQueue
	if txRequest == "" {
		txRequest = "tx-request-queue"
	}
	signedTx := e.SignedTxQueue
	if signedTx == "" {
		signedTx = "signed-tx-queue"
	}
	broadcastTx := e.BroadcastTxQueue
	if broadcastTx == "" {
		broadcastTx = "broadcast-tx-queue"
	}
	return []struct {
		origin model.QueueTag
		name   string
	}{
		{model.QueueTxRequest, queue.DLQName(txRequest)},
		{model.QueueSignedTx, queue.DLQName(signedTx)},
		{model.QueueBroadcastTx, queue.DLQName(broadcastTx)},
	}
}

// PollDLQs drains every DLQ once, in parallel, and admits each message
// into the priority queue.
func (e *Engine) PollDLQs(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range e.dlqTargets() {
		target := target
		g.Go(func() error {
			msgs, err := e.Queue.Receive(gctx, target.name, e.ReceiveMax, e.Wait, e.Visibility)
			if err != nil {
				return nil
			}
			for _, m := range msgs {
				e.admit(target.origin, target.name, m)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) admit(origin model.QueueTag, dlqName string, m queue.Message) {
	now := time.Now()
	pm := &model.PriorityMessage{
		DLQMessage: model.DLQMessage{
			Origin:        origin,
			Payload:       m.Body,
			Error:         m.Attributes["error"],
			RetryCount:    m.RetryCountAttr(),
			ReceiptHandle: m.ReceiptHandle,
		},
		ID:         uuid.NewString(),
		EnqueuedAt: now,
	}
	pm.Priority = ComputePriority(model.PriorityNormal, origin, 0)

	if err := e.PriorityQ.Push(pm); err != nil {
		e.logger().Error("priority queue full, dropping DLQ message", zap.String("origin", string(origin)), zap.Error(err))
		return
	}
	if err := e.Queue.Delete(context.Background(), dlqName, m.ReceiptHandle); err != nil {
		e.logger().Warn("delete DLQ message after admission failed", zap.Error(err))
	}
	e.Metrics.RecordReceived(origin)
}

// ProcessOne pops the highest-priority ready message and dispatches it
// through the classifier and strategy registry, per spec.md §4.8.
func (e *Engine) ProcessOne(ctx context.Context) bool {
	msg, ok := e.PriorityQ.Pop(time.Now())
	if !ok {
		return false
	}

	start := time.Now()
	classification := Classify(msg.Error)
	strategy := e.Strategies.For(classification.Type)
	result := strategy.Recover(ctx, msg, classification)

	e.Metrics.RecordCompletion(msg.Origin, classification.Type, time.Since(start), result.Success)

	if result.Success {
		return true
	}
	if result.ShouldRetry {
		msg.RetryCount++
		ScheduleRetry(msg, time.Now(), retryDelay(msg.RetryCount))
		msg.Priority = ComputePriority(model.PriorityNormal, msg.Origin, time.Since(msg.EnqueuedAt))
		if err := e.PriorityQ.Push(msg); err != nil {
			e.logger().Error("failed to reschedule retry, message dropped", zap.String("id", msg.ID), zap.Error(err))
		}
		return true
	}

	e.logger().Warn("recovery terminal failure", zap.String("id", msg.ID), zap.String("reason", result.Reason))
	return true
}

func retryDelay(retryCount int) time.Duration {
	d := time.Second * time.Duration(1<<uint(retryCount))
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// Run loops PollDLQs/ProcessOne until ctx is canceled, matching the
// Worker/Broadcaster Run(ctx) convention the rest of the pipeline uses.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.PollDLQs(ctx); err != nil {
				e.logger().Warn("poll DLQs failed", zap.Error(err))
			}
			for e.ProcessOne(ctx) {
			}
		}
	}
}
