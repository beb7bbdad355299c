// Package store defines RequestStore, the persistence boundary the
// signing worker, broadcaster and recovery engine claim and mutate
// withdrawal requests and batches through. Grounded on the teacher's
// chainadapter/storage/store.go (interface + Get/Set/List/Clean
// contract shape), generalized from transaction-hash idempotency
// tracking to the full request lifecycle and the atomic claim spec.md
// §4.5 requires.
package store

import (
	"context"
	"time"

	"github.com/arcsign/withdrawalengine/internal/model"
)

// ClaimOutcome is the result of Claim's single transactional section.
type ClaimOutcome string

const (
	ClaimWon       ClaimOutcome = "CLAIMED"
	ClaimOwnedByUs ClaimOutcome = "ALREADY_OWNED"
	ClaimNotOurs   ClaimOutcome = "NOT_OURS"
	ClaimMissing   ClaimOutcome = "ROW_MISSING"
)

// RequestStore is the persistence boundary for WithdrawalRequest and
// BatchTransaction rows. Every method that mutates state is atomic
// relative to concurrent callers claiming the same rows.
type RequestStore interface {
	// Get returns the request, or nil if it does not exist.
	Get(ctx context.Context, requestID string) (*model.WithdrawalRequest, error)

	// Claim performs the single transactional claim section of spec.md
	// §4.5: a PENDING, unowned request transitions to VALIDATING under
	// instanceID and returns ClaimWon; a request already owned by
	// instanceID returns ClaimOwnedByUs without mutation; anything else
	// returns ClaimNotOurs or ClaimMissing.
	Claim(ctx context.Context, requestID, instanceID string) (ClaimOutcome, *model.WithdrawalRequest, error)

	// MarkFailed sets status=FAILED and records reason. Used for
	// validation failures and unrecoverable signing/broadcast errors.
	MarkFailed(ctx context.Context, requestID, reason string) error

	// TransitionOwned performs a status transition on a request this
	// instance owns, re-verifying ownership first (the "process-
	// ownership recheck" of spec.md §4.5). Returns false, nil if the
	// request is no longer owned by instanceID (no error, just skip).
	TransitionOwned(ctx context.Context, requestID, instanceID string, to model.WithdrawalStatus) (bool, error)

	// FormBatch re-reads every member request inside one transaction,
	// confirms each is still VALIDATING and owned by instanceID, and if
	// (and only if) every member matches, creates the batch row and
	// advances every member to SIGNING with TryCount+1, BatchID set and
	// ProcessingMode=BATCH. Returns the ids that did NOT match (the
	// losers the caller must fall back to single processing for) — a
	// non-empty losers slice with a nil error means the batch was
	// aborted and no row was mutated.
	FormBatch(ctx context.Context, batch *model.BatchTransaction, instanceID string) (losers []string, err error)

	// DissolveBatch reverts every member of a failed batch to PENDING
	// with BatchID cleared and records the error (spec.md §4.5/§4.6).
	DissolveBatch(ctx context.Context, batchID, errMsg string) error

	// MarkSigned persists a successful single-mode signing result.
	MarkSigned(ctx context.Context, requestID string) error

	// MarkBatchSigned persists a successful batch-mode signing result.
	MarkBatchSigned(ctx context.Context, batchID string, txHash string) error

	// RecordSent persists the Broadcaster's SentTransaction row and
	// advances the owning request/batch to BROADCASTING, or to FAILED when
	// the send failed.
	RecordSent(ctx context.Context, sent model.SentTransaction) error

	// UpdateStatus advances a request or batch (identified by whichever
	// of requestID/batchID is non-empty) to a terminal or intermediate
	// status, used by the monitor on confirmation/failure.
	UpdateStatus(ctx context.Context, requestID, batchID string, status model.WithdrawalStatus, failureReason *string) error

	// ResetForRecovery clears ownership and optionally reverts status,
	// used by the recovery engine's strategies (spec.md §4.8).
	ResetForRecovery(ctx context.Context, requestID string, to model.WithdrawalStatus) error
}

// ErrNotFound is returned by methods that require an existing row.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "store: request not found" }

// clock is overridable in tests; defaults to time.Now.
var clock = func() time.Time { return time.Now() }
