package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/queue"
)

// Intake consumes the broadcast-tx queue and admits each successfully
// broadcast transaction into the Monitor's active set, the wiring point
// that closes the loop from internal/broadcast's BroadcastResult to
// this package's Admit, following the same Run(ctx) receive-cycle shape
// as internal/signing.Worker and internal/broadcast.Broadcaster.
type Intake struct {
	Monitor        *Monitor
	Queue          queue.Queue
	BroadcastQueue string
	Logger         *zap.Logger
	ReceiveMax     int
	Wait           time.Duration
	Visibility     time.Duration
}

func (i *Intake) logger() *zap.Logger {
	if i.Logger != nil {
		return i.Logger
	}
	return zap.NewNop()
}

// Run performs one receive-and-admit cycle.
func (i *Intake) Run(ctx context.Context) error {
	msgs, err := i.Queue.Receive(ctx, i.BroadcastQueue, i.ReceiveMax, i.Wait, i.Visibility)
	if err != nil {
		return fmt.Errorf("monitor intake: receive: %w", err)
	}
	for _, m := range msgs {
		i.admit(ctx, m)
	}
	return nil
}

func (i *Intake) admit(ctx context.Context, m queue.Message) {
	var result model.BroadcastResult
	if err := json.Unmarshal(m.Body, &result); err != nil {
		i.logger().Warn("monitor intake: malformed broadcast result", zap.Error(err))
		_ = i.Queue.Delete(ctx, i.BroadcastQueue, m.ReceiptHandle)
		return
	}

	if result.Status != "broadcasted" {
		_ = i.Queue.Delete(ctx, i.BroadcastQueue, m.ReceiptHandle)
		return
	}

	var originalFee *big.Int
	if result.MaxFeePerGas != "" {
		if v, ok := new(big.Int).SetString(result.MaxFeePerGas, 10); ok {
			originalFee = v
		}
	}

	i.Monitor.Admit(ctx, &model.MonitoredTransaction{
		TxHash:      result.OriginalTransactionHash,
		Chain:       result.Chain,
		Network:     result.Network,
		RequestID:   result.WithdrawalID,
		BatchID:     result.BatchID,
		OriginalFee: originalFee,
	})

	if err := i.Queue.Delete(ctx, i.BroadcastQueue, m.ReceiptHandle); err != nil {
		i.logger().Warn("monitor intake: delete after admit failed", zap.Error(err))
	}
}
