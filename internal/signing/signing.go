// Package signing implements the Signing Worker (C5): receive → validate
// → claim → classify → sign → enqueue, exactly per spec.md §4.5. Grounded
// on the teacher's chainadapter.ChainAdapter.Sign contract (the Signer
// interface here is the same external collaborator, not reimplemented)
// and ethereum/builder.go's validateRequest pattern for message
// validation.
package signing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arcsign/withdrawalengine/internal/chainregistry"
	"github.com/arcsign/withdrawalengine/internal/evm"
	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/multicall"
	"github.com/arcsign/withdrawalengine/internal/noncecache"
	"github.com/arcsign/withdrawalengine/internal/queue"
	"github.com/arcsign/withdrawalengine/internal/store"
)

// RequestMessage is the wire body of a tx-request-queue message.
type RequestMessage struct {
	RequestID   string  `json:"requestId"`
	Destination string  `json:"destination"`
	Amount      string  `json:"amount"`
	Token       *string `json:"token"`
	Chain       string  `json:"chain"`
	Network     string  `json:"network"`
}

// SignedTxMessage is the wire body emitted to the signed-tx queue.
type SignedTxMessage struct {
	Kind                 model.ProcessingMode `json:"kind"`
	RequestID            *string              `json:"requestId,omitempty"`
	BatchID              *string              `json:"batchId,omitempty"`
	TxHash               string               `json:"txHash"`
	RawTransaction       string               `json:"rawTransaction"`
	Nonce                uint64               `json:"nonce"`
	GasLimit             uint64               `json:"gasLimit"`
	MaxFeePerGas         string               `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string               `json:"maxPriorityFeePerGas"`
	From                 string               `json:"from"`
	To                   string               `json:"to"`
	Value                string               `json:"value"`
	Data                 string               `json:"data"`
	Chain                string               `json:"chain"`
	ChainID              int64                `json:"chainId"`
	Network              string               `json:"network"`
}

// UnsignedTx is what the Worker asks a Signer to sign.
type UnsignedTx struct {
	Chain                string
	Network              string
	ChainID              int64
	From                 string
	To                   string
	Value                string
	Data                 []byte
	Nonce                uint64
	GasLimit             uint64
	MaxFeePerGas         string
	MaxPriorityFeePerGas string
}

// SignedTx is the Signer's output.
type SignedTx struct {
	TxHash string
	RawTx  string
}

// Signer is the external per-(chain,network) signing primitive — the
// same collaborator the teacher's ChainAdapter.Sign names, not
// reimplemented here.
type Signer interface {
	Sign(ctx context.Context, unsigned UnsignedTx) (SignedTx, error)
	Address() string
}

// SignerFactory lazily constructs and caches one Signer per (chain,network).
type SignerFactory interface {
	SignerFor(ctx context.Context, chain, network string) (Signer, error)
}

// FeeSource supplies current fee data for a (chain,network); backed by
// the chain registry's RPC client in production.
type FeeSource interface {
	CurrentFee(ctx context.Context, chain, network string) (maxFeePerGas, maxPriorityFeePerGas string, err error)
}

// Tunables carries the batch-vs-single decision constants of spec.md §4.5.
type Tunables struct {
	BatchEnabled         bool
	MinBatchSize         int
	BatchThreshold       int
	MinGasSavingsPercent float64
	BaseBatchGas         uint64
	PerBatchTx           uint64
	SinglePerTxGas       uint64
}

// Worker implements the signing loop.
type Worker struct {
	Queue         queue.Queue
	Store         store.RequestStore
	Nonces        noncecache.NonceCache
	Registry      *chainregistry.Registry
	Batcher       func(chain string) *multicall.Batcher
	Signers       SignerFactory
	Fees          FeeSource
	InstanceID    string
	Tunables      Tunables
	RequestQueue  string
	SignedQueue   string
	Logger        *zap.Logger
	ReceiveMax    int
	Wait          time.Duration
	Visibility    time.Duration
}

// Run executes one receive-and-process cycle; callers loop this under
// internal/schedule or their own ticker.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.Queue.Receive(ctx, w.RequestQueue, w.ReceiveMax, w.Wait, w.Visibility)
	if err != nil {
		return fmt.Errorf("signing: receive: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	claimed := make([]claimedMessage, 0, len(msgs))
	for _, m := range msgs {
		cm, ok := w.validateAndClaim(ctx, m)
		if ok {
			claimed = append(claimed, cm)
		}
	}
	if len(claimed) == 0 {
		return nil
	}

	batchGroup, singles := w.partitionForBatching(claimed)

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range batchGroup {
		group := group
		g.Go(func() error { return w.processBatch(gctx, group) })
	}
	for _, cm := range singles {
		cm := cm
		g.Go(func() error { return w.processSingle(gctx, cm) })
	}
	return g.Wait()
}

type claimedMessage struct {
	msg     queue.Message
	request RequestMessage
	row     *model.WithdrawalRequest
}

// validateAndClaim performs validation, then the atomic claim, deleting
// the queue message for every terminal outcome (invalid, NOT_OURS, row
// missing) so it never redelivers. Only CLAIMED messages are returned.
func (w *Worker) validateAndClaim(ctx context.Context, m queue.Message) (claimedMessage, bool) {
	var req RequestMessage
	if err := json.Unmarshal(m.Body, &req); err != nil {
		w.failAndDelete(ctx, m, "", fmt.Sprintf("malformed message: %v", err))
		return claimedMessage{}, false
	}

	if errMsg := validateRequest(req); errMsg != "" {
		w.failAndDelete(ctx, m, req.RequestID, errMsg)
		return claimedMessage{}, false
	}

	outcome, row, err := w.Store.Claim(ctx, req.RequestID, w.InstanceID)
	if err != nil {
		w.logger().Warn("claim failed", zap.String("requestId", req.RequestID), zap.Error(err))
		return claimedMessage{}, false
	}
	switch outcome {
	case store.ClaimWon:
		return claimedMessage{msg: m, request: req, row: row}, true
	case store.ClaimOwnedByUs:
		return claimedMessage{msg: m, request: req, row: row}, true
	case store.ClaimNotOurs, store.ClaimMissing:
		_ = w.Queue.Delete(ctx, w.RequestQueue, m.ReceiptHandle)
		return claimedMessage{}, false
	default:
		return claimedMessage{}, false
	}
}

func (w *Worker) failAndDelete(ctx context.Context, m queue.Message, requestID, reason string) {
	if requestID != "" {
		if err := w.Store.MarkFailed(ctx, requestID, reason); err != nil {
			w.logger().Warn("mark failed error", zap.String("requestId", requestID), zap.Error(err))
		}
	}
	if err := w.Queue.Delete(ctx, w.RequestQueue, m.ReceiptHandle); err != nil {
		w.logger().Warn("delete invalid message error", zap.Error(err))
	}
	w.logger().Info("request validation failed", zap.String("requestId", requestID), zap.String("reason", reason))
}

// validateRequest checks chain/network presence, address well-formedness
// and a positive numeric amount, per spec.md §4.5.
func validateRequest(r RequestMessage) string {
	if r.RequestID == "" {
		return "missing requestId"
	}
	if r.Chain == "" || r.Network == "" {
		return "missing chain/network"
	}
	if !evm.IsValidAddress(r.Destination) {
		return fmt.Sprintf("malformed destination %q", r.Destination)
	}
	if r.Token != nil && *r.Token != "" && !evm.IsValidAddress(*r.Token) {
		return fmt.Sprintf("malformed token %q", *r.Token)
	}
	if !evm.IsPositiveDecimalOrInteger(r.Amount) {
		return fmt.Sprintf("invalid amount %q", r.Amount)
	}
	return ""
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return zap.NewNop()
}

func newBatchID() string { return uuid.NewString() }

func noncecacheSigner(chain, network, address string) noncecache.SignerKey {
	return noncecache.SignerKey{Address: address, Chain: chain, Network: network}
}

func evmAddressOrZero(s string) common.Address {
	if !evm.IsValidAddress(s) {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
