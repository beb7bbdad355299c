// Package broadcast implements the Broadcaster (C6): consume a signed-tx
// message, submit it to the chain, persist the result, and emit a
// BroadcastResult. Grounded on the teacher's chainadapter.ChainAdapter.
// Broadcast contract (idempotent on "already known") and error.go's
// ErrorClassification (retryable vs terminal), generalized so the
// Broadcaster itself never retries — spec.md §4.6 assigns that to the
// recovery engine.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/queue"
	"github.com/arcsign/withdrawalengine/internal/signing"
	"github.com/arcsign/withdrawalengine/internal/store"
)

// ChainClient is the subset of chain RPC the Broadcaster needs.
type ChainClient interface {
	SendRawTransaction(ctx context.Context, rawTx string) error
}

// ChainClientFactory resolves the right client for a (chain,network).
type ChainClientFactory interface {
	ClientFor(ctx context.Context, chain, network string) (ChainClient, error)
}

// Broadcaster consumes signed-tx messages and submits them on-chain.
type Broadcaster struct {
	Queue        queue.Queue
	Store        store.RequestStore
	Clients      ChainClientFactory
	SignedQueue  string
	BroadcastQueue string
	InstanceID   string
	Logger       *zap.Logger
	ReceiveMax   int
	Wait         time.Duration
	Visibility   time.Duration
}

func (b *Broadcaster) logger() *zap.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return zap.NewNop()
}

// Run performs one receive-and-broadcast cycle.
func (b *Broadcaster) Run(ctx context.Context) error {
	msgs, err := b.Queue.Receive(ctx, b.SignedQueue, b.ReceiveMax, b.Wait, b.Visibility)
	if err != nil {
		return fmt.Errorf("broadcast: receive: %w", err)
	}
	for _, m := range msgs {
		b.process(ctx, m)
	}
	return nil
}

func (b *Broadcaster) process(ctx context.Context, m queue.Message) {
	var signed signing.SignedTxMessage
	if err := json.Unmarshal(m.Body, &signed); err != nil {
		b.sendToDLQ(ctx, m, fmt.Sprintf("malformed signed-tx message: %v", err))
		return
	}

	client, err := b.Clients.ClientFor(ctx, signed.Chain, signed.Network)
	if err != nil {
		b.sendToDLQ(ctx, m, fmt.Sprintf("no chain client for %s/%s: %v", signed.Chain, signed.Network, err))
		return
	}

	sendErr := client.SendRawTransaction(ctx, signed.RawTransaction)
	alreadyKnown := sendErr != nil && strings.Contains(strings.ToLower(sendErr.Error()), "already known")
	if sendErr != nil && !alreadyKnown {
		b.recordFailure(ctx, signed, sendErr.Error())
		b.sendToDLQ(ctx, m, sendErr.Error())
		return
	}

	sent := model.SentTransaction{
		TxHash:        signed.TxHash,
		Kind:          signed.Kind,
		RequestID:     signed.RequestID,
		BatchID:       signed.BatchID,
		Chain:         signed.Chain,
		Network:       signed.Network,
		Status:        model.SentBroadcasted,
		BroadcastedAt: time.Now(),
	}
	if err := b.Store.RecordSent(ctx, sent); err != nil {
		b.logger().Warn("record sent failed", zap.String("txHash", signed.TxHash), zap.Error(err))
	}

	result := buildResult(signed, nil)
	body, err := json.Marshal(result)
	if err != nil {
		b.logger().Warn("marshal broadcast result failed", zap.Error(err))
	} else if err := b.Queue.Send(ctx, b.BroadcastQueue, body, nil); err != nil {
		b.logger().Warn("emit broadcast result failed", zap.Error(err))
	}

	if err := b.Queue.Delete(ctx, b.SignedQueue, m.ReceiptHandle); err != nil {
		b.logger().Warn("delete signed-tx message failed", zap.Error(err))
	}
}

func (b *Broadcaster) recordFailure(ctx context.Context, signed signing.SignedTxMessage, reason string) {
	sent := model.SentTransaction{
		TxHash:    signed.TxHash,
		Kind:      signed.Kind,
		RequestID: signed.RequestID,
		BatchID:   signed.BatchID,
		Chain:     signed.Chain,
		Network:   signed.Network,
		Status:    model.SentFailed,
		Error:     &reason,
	}
	if err := b.Store.RecordSent(ctx, sent); err != nil {
		b.logger().Warn("record broadcast failure failed", zap.String("txHash", signed.TxHash), zap.Error(err))
	}
}

// sendToDLQ forwards the message verbatim with the failure attribute and
// removes it from the signed-tx queue — the Broadcaster never retries
// locally (spec.md §4.6).
func (b *Broadcaster) sendToDLQ(ctx context.Context, m queue.Message, reason string) {
	if err := b.Queue.SendToDLQ(ctx, b.SignedQueue, m.Body, reason); err != nil {
		b.logger().Warn("send to DLQ failed", zap.Error(err))
	}
	if err := b.Queue.Delete(ctx, b.SignedQueue, m.ReceiptHandle); err != nil {
		b.logger().Warn("delete after DLQ failed", zap.Error(err))
	}
}

func buildResult(signed signing.SignedTxMessage, failure *string) model.BroadcastResult {
	txType := "SINGLE"
	if signed.Kind == model.ModeBatch {
		txType = "BATCH"
	}
	status := "broadcasted"
	if failure != nil {
		status = "failed"
	}
	now := time.Now()
	var affected []string
	if signed.RequestID != nil {
		affected = []string{*signed.RequestID}
	}
	return model.BroadcastResult{
		ID:                      signed.TxHash,
		TransactionType:         txType,
		WithdrawalID:            signed.RequestID,
		BatchID:                 signed.BatchID,
		OriginalTransactionHash: signed.TxHash,
		Status:                  status,
		Error:                   failure,
		BroadcastedAt:           &now,
		Chain:                   signed.Chain,
		Network:                 signed.Network,
		AffectedRequests:        affected,
		MaxFeePerGas:            signed.MaxFeePerGas,
	}
}
