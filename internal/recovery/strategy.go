package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/queue"
)

// Result is a strategy's verdict for one recovery attempt, per
// spec.md §4.8.
type Result struct {
	Success     bool
	Action      string
	ShouldRetry bool
	Reason      string
}

// Strategy is the common contract every recovery strategy implements.
type Strategy interface {
	CanRecover(c Classification) bool
	Recover(ctx context.Context, msg *model.PriorityMessage, c Classification) Result
	MaxRetries() int
}

// StrategyRegistry is the single coupling point between the classifier
// and the six strategies of spec.md §4.8 (the redesign note of §9:
// strategies are looked up by ErrorType, never type-switched inline).
type StrategyRegistry struct {
	byType map[ErrorType]Strategy
}

// NewStrategyRegistry wires the default strategy set.
func NewStrategyRegistry(q queue.Queue, fees FeeRecompute, maxAttempts int, initialDelay time.Duration, enableDummyTx bool, maxDummyGap int) *StrategyRegistry {
	terminal := &TerminalStrategy{}
	r := &StrategyRegistry{byType: map[ErrorType]Strategy{
		ErrorNetwork:           &NetworkStrategy{Queue: q, InitialDelay: initialDelay},
		ErrorTimeout:           &NetworkStrategy{Queue: q, InitialDelay: initialDelay},
		ErrorNonceTooLow:       &NonceLowStrategy{},
		ErrorNonce:             &NonceLowStrategy{},
		ErrorNonceTooHigh:      &NonceHighStrategy{EnableDummyTx: enableDummyTx, MaxGap: maxDummyGap},
		ErrorGas:               &GasStrategy{Queue: q, Fees: fees},
		ErrorUnknown:           &UnknownStrategy{Queue: q, MaxAttempts: maxAttempts},
		ErrorInsufficientFunds: terminal,
		ErrorInvalidAddress:    terminal,
		ErrorContract:          terminal,
	}}
	return r
}

// For returns the strategy registered for an ErrorType, or the terminal
// strategy if none is registered.
func (r *StrategyRegistry) For(t ErrorType) Strategy {
	if s, ok := r.byType[t]; ok {
		return s
	}
	return &TerminalStrategy{}
}

// FeeRecompute supplies a fee bump for the Gas strategy.
type FeeRecompute interface {
	CurrentFee(ctx context.Context, chain, network string) (maxFeePerGas, maxPriorityFeePerGas string, err error)
}

// NetworkStrategy requeues a NETWORK_ERROR/TIMEOUT message to its
// original forward queue after waiting InitialDelay, incrementing
// retryCount.
type NetworkStrategy struct {
	Queue        queue.Queue
	InitialDelay time.Duration
}

func (s *NetworkStrategy) CanRecover(c Classification) bool {
	return c.IsRetryable && (c.Type == ErrorNetwork || c.Type == ErrorTimeout)
}

func (s *NetworkStrategy) MaxRetries() int { return 10 }

func (s *NetworkStrategy) Recover(ctx context.Context, msg *model.PriorityMessage, c Classification) Result {
	if s.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return Result{Success: false, ShouldRetry: true, Reason: fmt.Sprintf("requeue delay interrupted: %v", ctx.Err())}
		case <-time.After(s.InitialDelay):
		}
	}
	forwardQueue := originQueueName(msg.Origin)
	attrs := map[string]string{"retryCount": fmt.Sprintf("%d", msg.RetryCount+1)}
	if err := s.Queue.Send(ctx, forwardQueue, msg.Payload, attrs); err != nil {
		return Result{Success: false, ShouldRetry: true, Reason: fmt.Sprintf("requeue failed: %v", err)}
	}
	return Result{Success: true, Action: "REQUEUED_AFTER_NETWORK_ERROR"}
}

// NonceLowStrategy treats NONCE_TOO_LOW as the transaction almost
// certainly already mined under a different path.
type NonceLowStrategy struct{}

func (s *NonceLowStrategy) CanRecover(c Classification) bool {
	return c.Type == ErrorNonceTooLow || c.Type == ErrorNonce
}
func (s *NonceLowStrategy) MaxRetries() int { return 1 }
func (s *NonceLowStrategy) Recover(ctx context.Context, msg *model.PriorityMessage, c Classification) Result {
	return Result{Success: true, Action: "NONCE_ALREADY_PROCESSED"}
}

// NonceHighStrategy plans dummy transactions to fill a small nonce gap,
// or fails with a descriptive reason when the gap is too large or the
// feature is disabled.
type NonceHighStrategy struct {
	EnableDummyTx bool
	MaxGap        int
}

func (s *NonceHighStrategy) CanRecover(c Classification) bool { return c.Type == ErrorNonceTooHigh }
func (s *NonceHighStrategy) MaxRetries() int                  { return 3 }

func (s *NonceHighStrategy) Recover(ctx context.Context, msg *model.PriorityMessage, c Classification) Result {
	gap, within := IsNonceGapWithin(c, s.MaxGap)
	if !s.EnableDummyTx {
		return Result{Success: false, ShouldRetry: false, Reason: "DUMMY_TX_DISABLED"}
	}
	if !within {
		return Result{Success: false, ShouldRetry: false, Reason: "NONCE_GAP_TOO_LARGE"}
	}
	return Result{Success: true, Action: fmt.Sprintf("DUMMY_TX_PLANNED_GAP_%d", gap)}
}

// GasStrategy requeues the payload to its original forward queue with an
// incremented retryCount and a feeBumped=true attribute. It does not call
// Fees and does not change the payload's fees.
type GasStrategy struct {
	Queue queue.Queue
	Fees  FeeRecompute
}

func (s *GasStrategy) CanRecover(c Classification) bool { return c.IsRetryable && c.Type == ErrorGas }
func (s *GasStrategy) MaxRetries() int                  { return 5 }

func (s *GasStrategy) Recover(ctx context.Context, msg *model.PriorityMessage, c Classification) Result {
	attrs := map[string]string{"retryCount": fmt.Sprintf("%d", msg.RetryCount+1), "feeBumped": "true"}
	if err := s.Queue.Send(ctx, originQueueName(msg.Origin), msg.Payload, attrs); err != nil {
		return Result{Success: false, ShouldRetry: true, Reason: fmt.Sprintf("requeue failed: %v", err)}
	}
	return Result{Success: true, Action: "REQUEUED_WITH_FEE_BUMP"}
}

// UnknownStrategy requeues to the original forward queue and caps
// retries at max(2, maxAttempts/2). It applies no delay before the
// requeue; the 2X_DELAY in its action tag does not reflect a wait.
type UnknownStrategy struct {
	Queue       queue.Queue
	MaxAttempts int
}

func (s *UnknownStrategy) CanRecover(c Classification) bool { return c.IsRetryable }
func (s *UnknownStrategy) MaxRetries() int {
	limit := s.MaxAttempts / 2
	if limit < 2 {
		limit = 2
	}
	return limit
}

func (s *UnknownStrategy) Recover(ctx context.Context, msg *model.PriorityMessage, c Classification) Result {
	if msg.RetryCount >= s.MaxRetries() {
		return Result{Success: false, ShouldRetry: false, Reason: "max retries exceeded for unknown error"}
	}
	attrs := map[string]string{"retryCount": fmt.Sprintf("%d", msg.RetryCount+1)}
	if err := s.Queue.Send(ctx, originQueueName(msg.Origin), msg.Payload, attrs); err != nil {
		return Result{Success: false, ShouldRetry: true, Reason: fmt.Sprintf("requeue failed: %v", err)}
	}
	return Result{Success: true, Action: "REQUEUED_UNKNOWN_2X_DELAY"}
}

// TerminalStrategy marks non-retryable classes FAILED without requeue.
type TerminalStrategy struct{}

func (s *TerminalStrategy) CanRecover(c Classification) bool { return !c.IsRetryable }
func (s *TerminalStrategy) MaxRetries() int                  { return 0 }
func (s *TerminalStrategy) Recover(ctx context.Context, msg *model.PriorityMessage, c Classification) Result {
	return Result{Success: false, ShouldRetry: false, Reason: string(c.Type)}
}

func originQueueName(origin model.QueueTag) string {
	switch origin {
	case model.QueueTxRequest:
		return "tx-request-queue"
	case model.QueueSignedTx:
		return "signed-tx-queue"
	case model.QueueBroadcastTx:
		return "broadcast-tx-queue"
	default:
		return string(origin)
	}
}
