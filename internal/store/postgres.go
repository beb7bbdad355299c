package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arcsign/withdrawalengine/internal/model"
)

// PostgresRequestStore backs RequestStore with a pgx connection pool. The
// atomic claim is a single `UPDATE ... WHERE ... RETURNING` statement so
// the transactional section spec.md §4.5 describes needs no explicit
// application-level locking — Postgres' row-level locking on the UPDATE
// serializes concurrent claimants.
type PostgresRequestStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRequestStore wraps an already-configured pgx pool.
func NewPostgresRequestStore(pool *pgxpool.Pool) *PostgresRequestStore {
	return &PostgresRequestStore{pool: pool}
}

func (s *PostgresRequestStore) Get(ctx context.Context, requestID string) (*model.WithdrawalRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request_id, destination, amount_base_units, token_address, chain, network,
		       status, try_count, processing_instance_id, processing_mode, batch_id,
		       failure_reason, created_at, updated_at
		FROM withdrawal_requests WHERE request_id = $1`, requestID)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get request: %w", err)
	}
	return r, nil
}

func scanRequest(row pgx.Row) (*model.WithdrawalRequest, error) {
	var r model.WithdrawalRequest
	err := row.Scan(&r.RequestID, &r.Destination, &r.AmountBaseUnits, &r.TokenAddress, &r.Chain,
		&r.Network, &r.Status, &r.TryCount, &r.ProcessingInstanceID, &r.ProcessingMode, &r.BatchID,
		&r.FailureReason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Claim implements the atomic claim as a single conditional UPDATE,
// distinguishing CLAIMED / ALREADY_OWNED / NOT_OURS / ROW_MISSING from
// the rows it did and did not touch.
func (s *PostgresRequestStore) Claim(ctx context.Context, requestID, instanceID string) (ClaimOutcome, *model.WithdrawalRequest, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE withdrawal_requests
		SET status = 'VALIDATING', processing_instance_id = $2, updated_at = now()
		WHERE request_id = $1 AND status = 'PENDING' AND processing_instance_id IS NULL
		RETURNING request_id, destination, amount_base_units, token_address, chain, network,
		          status, try_count, processing_instance_id, processing_mode, batch_id,
		          failure_reason, created_at, updated_at`, requestID, instanceID)
	if r, err := scanRequest(row); err == nil {
		return ClaimWon, r, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", nil, fmt.Errorf("store: claim: %w", err)
	}

	existing, err := s.Get(ctx, requestID)
	if err != nil {
		return "", nil, err
	}
	if existing == nil {
		return ClaimMissing, nil, nil
	}
	if existing.ProcessingInstanceID != nil && *existing.ProcessingInstanceID == instanceID {
		return ClaimOwnedByUs, existing, nil
	}
	return ClaimNotOurs, existing, nil
}

func (s *PostgresRequestStore) MarkFailed(ctx context.Context, requestID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET status = 'FAILED', failure_reason = $2, updated_at = now()
		WHERE request_id = $1`, requestID, reason)
	return wrapExecErr(err, "mark failed")
}

func (s *PostgresRequestStore) TransitionOwned(ctx context.Context, requestID, instanceID string, to model.WithdrawalStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET status = $3, updated_at = now()
		WHERE request_id = $1 AND processing_instance_id = $2`, requestID, instanceID, to)
	if err != nil {
		return false, fmt.Errorf("store: transition owned: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FormBatch runs inside a single pgx transaction: it re-reads every
// member with FOR UPDATE, checks eligibility, and either commits the
// batch creation + member transitions, or rolls back and reports losers.
func (s *PostgresRequestStore) FormBatch(ctx context.Context, batch *model.BatchTransaction, instanceID string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: form batch begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var losers []string
	for _, id := range batch.MemberRequestIDs {
		var status, owner string
		err := tx.QueryRow(ctx, `
			SELECT status, COALESCE(processing_instance_id, '') FROM withdrawal_requests
			WHERE request_id = $1 FOR UPDATE`, id).Scan(&status, &owner)
		if err != nil || status != string(model.StatusValidating) || owner != instanceID {
			losers = append(losers, id)
		}
	}
	if len(losers) > 0 {
		return losers, nil
	}

	if batch.BatchID == "" {
		return nil, fmt.Errorf("store: form batch requires a batch id")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO batch_transactions (batch_id, aggregator_address, total_amount, token_fingerprint, status, chain, network, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', $5, $6, now(), now())`,
		batch.BatchID, batch.AggregatorAddress, batch.TotalAmount, batch.TokenFingerprint, batch.Chain, batch.Network); err != nil {
		return nil, fmt.Errorf("store: insert batch: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = 'SIGNING', try_count = try_count + 1, batch_id = $2, processing_mode = 'BATCH', updated_at = now()
		WHERE request_id = ANY($1)`, batch.MemberRequestIDs, batch.BatchID); err != nil {
		return nil, fmt.Errorf("store: update batch members: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: form batch commit: %w", err)
	}
	return nil, nil
}

func (s *PostgresRequestStore) DissolveBatch(ctx context.Context, batchID, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: dissolve batch begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE batch_transactions SET status = 'FAILED', updated_at = now() WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("store: dissolve batch: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = 'PENDING', batch_id = NULL, processing_mode = 'SINGLE', failure_reason = $2, updated_at = now()
		WHERE batch_id = $1`, batchID, errMsg); err != nil {
		return fmt.Errorf("store: revert batch members: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresRequestStore) MarkSigned(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE withdrawal_requests SET status = 'SIGNED', updated_at = now() WHERE request_id = $1`, requestID)
	return wrapExecErr(err, "mark signed")
}

func (s *PostgresRequestStore) MarkBatchSigned(ctx context.Context, batchID string, txHash string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: mark batch signed begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `UPDATE batch_transactions SET status = 'SIGNED', tx_hash = $2, updated_at = now() WHERE batch_id = $1`, batchID, txHash); err != nil {
		return fmt.Errorf("store: mark batch signed: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE withdrawal_requests SET status = 'SIGNED', updated_at = now() WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("store: mark batch members signed: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresRequestStore) RecordSent(ctx context.Context, sent model.SentTransaction) error {
	status := model.StatusBroadcasting
	if sent.Status == model.SentFailed {
		status = model.StatusFailed
	}
	if sent.RequestID != nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE withdrawal_requests SET status = $2, failure_reason = $3, updated_at = now()
			WHERE request_id = $1`, *sent.RequestID, status, sent.Error)
		return wrapExecErr(err, "record sent (single)")
	}
	if sent.BatchID != nil {
		batchStatus := model.BatchBroadcasted
		if sent.Status == model.SentFailed {
			batchStatus = model.BatchFailed
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("store: record sent begin: %w", err)
		}
		defer tx.Rollback(ctx)
		if _, err := tx.Exec(ctx, `UPDATE batch_transactions SET status = $2, updated_at = now() WHERE batch_id = $1`, *sent.BatchID, batchStatus); err != nil {
			return fmt.Errorf("store: record sent batch: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE withdrawal_requests SET status = $2, failure_reason = $3, updated_at = now()
			WHERE batch_id = $1`, *sent.BatchID, status, sent.Error); err != nil {
			return fmt.Errorf("store: record sent batch members: %w", err)
		}
		return tx.Commit(ctx)
	}
	return fmt.Errorf("store: RecordSent requires RequestID or BatchID")
}

func (s *PostgresRequestStore) UpdateStatus(ctx context.Context, requestID, batchID string, status model.WithdrawalStatus, failureReason *string) error {
	if requestID != "" {
		_, err := s.pool.Exec(ctx, `
			UPDATE withdrawal_requests SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = now()
			WHERE request_id = $1`, requestID, status, failureReason)
		return wrapExecErr(err, "update status (request)")
	}
	if batchID != "" {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("store: update status begin: %w", err)
		}
		defer tx.Rollback(ctx)
		var batchStatus model.BatchStatus
		switch status {
		case model.StatusConfirmed:
			batchStatus = model.BatchConfirmed
		case model.StatusFailed:
			batchStatus = model.BatchFailed
		}
		if batchStatus != "" {
			if _, err := tx.Exec(ctx, `UPDATE batch_transactions SET status = $2, updated_at = now() WHERE batch_id = $1`, batchID, batchStatus); err != nil {
				return fmt.Errorf("store: update batch status: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE withdrawal_requests SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = now()
			WHERE batch_id = $1`, batchID, status, failureReason); err != nil {
			return fmt.Errorf("store: update status (batch members): %w", err)
		}
		return tx.Commit(ctx)
	}
	return fmt.Errorf("store: UpdateStatus requires requestID or batchID")
}

func (s *PostgresRequestStore) ResetForRecovery(ctx context.Context, requestID string, to model.WithdrawalStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = $2, processing_instance_id = NULL, batch_id = NULL, processing_mode = 'SINGLE', updated_at = now()
		WHERE request_id = $1`, requestID, to)
	return wrapExecErr(err, "reset for recovery")
}

func wrapExecErr(err error, op string) error {
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return nil
}
