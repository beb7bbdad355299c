package main

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/monitor"
	"github.com/arcsign/withdrawalengine/internal/queue"
	"github.com/arcsign/withdrawalengine/internal/signing"
	"github.com/arcsign/withdrawalengine/internal/store"
)

// stuckBridge forwards monitor.StuckTransaction events into the
// recovery engine's normal DLQ intake, rather than having internal/monitor
// and internal/recovery import each other directly. It resets the
// request's store row to PENDING and re-submits the original request
// body to the tx-request DLQ. The DLQ reason names "max fee per gas",
// which the recovery classifier reads as GAS_ERROR, so the next recovery
// pass routes it through GasStrategy like any other retryable failure
// and the signing worker redoes it with a fresh nonce and fee.
type stuckBridge struct {
	monitor *monitor.Monitor
	store   store.RequestStore
	queue   queue.Queue
	txQueue string
	logger  *zap.Logger
}

func (b *stuckBridge) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-b.monitor.Stuck():
			if !ok {
				return
			}
			b.handle(ctx, st)
		}
	}
}

func (b *stuckBridge) handle(ctx context.Context, st monitor.StuckTransaction) {
	requestID := ""
	if st.RequestID != nil {
		requestID = *st.RequestID
	}
	if requestID == "" {
		// Batch-member stuck transactions have no single owning request;
		// nothing in the pipeline currently resubmits a batch, so these
		// are logged for operator follow-up rather than silently dropped.
		b.logger.Warn("stuck batch transaction has no single-request replay path",
			zap.String("txHash", st.TxHash), zap.String("chain", st.Chain))
		return
	}

	req, err := b.store.Get(ctx, requestID)
	if err != nil || req == nil {
		b.logger.Warn("stuck transaction: request row not found", zap.String("requestId", requestID), zap.Error(err))
		return
	}

	if err := b.store.ResetForRecovery(ctx, requestID, model.StatusPending); err != nil {
		b.logger.Warn("stuck transaction: reset for recovery failed", zap.String("requestId", requestID), zap.Error(err))
		return
	}

	body, err := json.Marshal(signing.RequestMessage{
		RequestID:   req.RequestID,
		Destination: req.Destination,
		Amount:      req.AmountBaseUnits,
		Token:       req.TokenAddress,
		Chain:       req.Chain,
		Network:     req.Network,
	})
	if err != nil {
		b.logger.Warn("stuck transaction: marshal replay request failed", zap.Error(err))
		return
	}

	reason := "stuck transaction: max fee per gas at most half the current gas price after " + st.Age.Round(time.Second).String()
	if err := b.queue.SendToDLQ(ctx, b.txQueue, body, reason); err != nil {
		b.logger.Warn("stuck transaction: send to DLQ failed", zap.String("requestId", requestID), zap.Error(err))
	}
}
