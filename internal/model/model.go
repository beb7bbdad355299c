// Package model defines the entities that flow through the withdrawal
// pipeline. These are plain data holders — invariants are enforced by the
// components that mutate them (internal/signing, internal/broadcast,
// internal/monitor, internal/recovery), not by this package.
package model

import (
	"math/big"
	"time"
)

// WithdrawalStatus is the lifecycle state of a WithdrawalRequest.
type WithdrawalStatus string

const (
	StatusPending      WithdrawalStatus = "PENDING"
	StatusValidating   WithdrawalStatus = "VALIDATING"
	StatusSigning      WithdrawalStatus = "SIGNING"
	StatusSigned       WithdrawalStatus = "SIGNED"
	StatusBroadcasting WithdrawalStatus = "BROADCASTING"
	StatusConfirming   WithdrawalStatus = "CONFIRMING"
	StatusConfirmed    WithdrawalStatus = "CONFIRMED"
	StatusFailed       WithdrawalStatus = "FAILED"
)

// ProcessingMode records whether a request is being signed alone or as part
// of a multicall batch.
type ProcessingMode string

const (
	ModeSingle ProcessingMode = "SINGLE"
	ModeBatch  ProcessingMode = "BATCH"
)

// WithdrawalRequest is the unit of work submitted by an external caller.
//
// Invariant: a request in VALIDATING..BROADCASTING is owned by exactly one
// instance and carries that instance's id in ProcessingInstanceID.
type WithdrawalRequest struct {
	RequestID            string
	Destination           string
	AmountBaseUnits       string
	TokenAddress          *string // nil => native asset
	Chain                 string
	Network                string
	Status                WithdrawalStatus
	TryCount               int
	ProcessingInstanceID  *string
	ProcessingMode         ProcessingMode
	BatchID                *string
	FailureReason          *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsNative reports whether the withdrawal moves the chain's native asset.
func (r *WithdrawalRequest) IsNative() bool {
	return r.TokenAddress == nil || *r.TokenAddress == ""
}

// BatchStatus is the lifecycle state of a BatchTransaction.
type BatchStatus string

const (
	BatchPending     BatchStatus = "PENDING"
	BatchSigned      BatchStatus = "SIGNED"
	BatchBroadcasted BatchStatus = "BROADCASTED"
	BatchConfirmed   BatchStatus = "CONFIRMED"
	BatchFailed      BatchStatus = "FAILED"
)

// BatchTransaction aggregates several WithdrawalRequests behind one
// on-chain aggregator call.
//
// Invariant: while Status is PENDING, SIGNED or BROADCASTED every member
// request carries BatchID == this batch's BatchID; once Status becomes
// FAILED the batch is dissolved and no request may carry this BatchID.
type BatchTransaction struct {
	BatchID           string
	AggregatorAddress string
	MemberRequestIDs  []string
	TotalAmount       string
	TokenFingerprint  string
	Status            BatchStatus
	TxHash            *string
	Chain             string
	Network           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SignedTransaction is the immutable artifact produced by the Signing Worker.
type SignedTransaction struct {
	TxHash               string
	Kind                 ProcessingMode // SINGLE or BATCH
	RequestID            *string
	BatchID              *string
	From                 string
	To                   string
	Value                *big.Int
	Data                 []byte
	Nonce                uint64
	GasLimit             uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	ChainID              *big.Int
	Chain                string
	Network              string
	Raw                  []byte
	SignedAt             time.Time
}

// SentTransactionStatus is the Broadcaster's persisted result.
type SentTransactionStatus string

const (
	SentBroadcasted SentTransactionStatus = "broadcasted"
	SentFailed      SentTransactionStatus = "failed"
)

// SentTransaction is the row the Broadcaster writes after submission.
type SentTransaction struct {
	TxHash        string
	Kind          ProcessingMode
	RequestID     *string
	BatchID       *string
	Chain         string
	Network       string
	Status        SentTransactionStatus
	Error         *string
	BroadcastedAt time.Time
	BlockNumber   *uint64
	GasUsed       *uint64
}

// BroadcastResult is the message the Broadcaster emits to the broadcast
// queue, per spec.md §6.
type BroadcastResult struct {
	ID                       string
	TransactionType          string // "SINGLE" | "BATCH"
	WithdrawalID             *string
	BatchID                  *string
	OriginalTransactionHash  string
	BroadcastTransactionHash *string
	Status                   string // "broadcasted" | "failed"
	Error                    *string
	BroadcastedAt            *time.Time
	BlockNumber              *uint64
	GasUsed                  *uint64
	Chain                    string
	Network                  string
	AffectedRequests         []string
	MaxFeePerGas             string
}

// MonitorStatus is the lifecycle state of a MonitoredTransaction.
type MonitorStatus string

const (
	MonitorSent       MonitorStatus = "SENT"
	MonitorConfirming MonitorStatus = "CONFIRMING"
	MonitorConfirmed  MonitorStatus = "CONFIRMED"
	MonitorFailed     MonitorStatus = "FAILED"
	MonitorCanceled   MonitorStatus = "CANCELED"
)

// MonitoredTransaction is the Monitor's in-memory record of a submitted
// transaction. It is never persisted directly; terminal transitions are
// reflected back into the request/batch/sent-tx rows.
type MonitoredTransaction struct {
	TxHash            string
	Chain             string
	Network           string
	Status            MonitorStatus
	LastObservedBlock uint64
	Confirmations     uint64
	LastChecked       time.Time
	RetryCount        int
	Nonce             uint64
	RequestID         *string
	BatchID           *string
	OriginalFee       *big.Int
	CreatedAt         time.Time
}

func (t *MonitoredTransaction) Age() time.Duration {
	return time.Since(t.CreatedAt)
}

// IsTerminal reports whether the status is one the monitor removes on.
func (t *MonitoredTransaction) IsTerminal() bool {
	return t.Status == MonitorConfirmed || t.Status == MonitorFailed || t.Status == MonitorCanceled
}

// QueueTag identifies one of the three forward queues / their DLQs.
type QueueTag string

const (
	QueueTxRequest   QueueTag = "tx-request"
	QueueSignedTx    QueueTag = "signed-tx"
	QueueBroadcastTx QueueTag = "broadcast-tx"
)

// DLQMessage is a message that exceeded its own queue's retry bound.
type DLQMessage struct {
	Origin        QueueTag
	Payload       []byte
	Error         string
	RetryCount    int
	ReceiptHandle string
}

// Priority is the recovery engine's coarse base priority enum.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

// PriorityMessage augments a DLQMessage with the recovery engine's
// computed dynamic priority and optional retry-after deadline.
type PriorityMessage struct {
	DLQMessage
	ID         string
	Priority   int
	RetryAfter *time.Time
	EnqueuedAt time.Time
}
