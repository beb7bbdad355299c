package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/arcsign/withdrawalengine/internal/model"
)

// MemoryRequestStore implements RequestStore with a single mutex guarding
// two maps, mirroring the teacher's MemoryTxStore copy-on-read/copy-on-
// write discipline so callers can never observe a half-mutated row.
type MemoryRequestStore struct {
	mu       sync.Mutex
	requests map[string]*model.WithdrawalRequest
	batches  map[string]*model.BatchTransaction
}

// NewMemoryRequestStore constructs an empty store, optionally seeded with
// requests (tests commonly seed PENDING rows before exercising a worker).
func NewMemoryRequestStore(seed ...model.WithdrawalRequest) *MemoryRequestStore {
	s := &MemoryRequestStore{
		requests: make(map[string]*model.WithdrawalRequest),
		batches:  make(map[string]*model.BatchTransaction),
	}
	for i := range seed {
		r := seed[i]
		s.requests[r.RequestID] = &r
	}
	return s
}

func copyRequest(r *model.WithdrawalRequest) *model.WithdrawalRequest {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

func (s *MemoryRequestStore) Get(ctx context.Context, requestID string) (*model.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRequest(s.requests[requestID]), nil
}

func (s *MemoryRequestStore) Claim(ctx context.Context, requestID, instanceID string) (ClaimOutcome, *model.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return ClaimMissing, nil, nil
	}

	if r.Status == model.StatusPending && r.ProcessingInstanceID == nil {
		r.Status = model.StatusValidating
		id := instanceID
		r.ProcessingInstanceID = &id
		return ClaimWon, copyRequest(r), nil
	}
	if r.ProcessingInstanceID != nil && *r.ProcessingInstanceID == instanceID {
		return ClaimOwnedByUs, copyRequest(r), nil
	}
	return ClaimNotOurs, copyRequest(r), nil
}

func (s *MemoryRequestStore) MarkFailed(ctx context.Context, requestID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	r.Status = model.StatusFailed
	r.FailureReason = &reason
	return nil
}

func (s *MemoryRequestStore) TransitionOwned(ctx context.Context, requestID, instanceID string, to model.WithdrawalStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return false, ErrNotFound
	}
	if r.ProcessingInstanceID == nil || *r.ProcessingInstanceID != instanceID {
		return false, nil
	}
	r.Status = to
	return true, nil
}

func (s *MemoryRequestStore) FormBatch(ctx context.Context, batch *model.BatchTransaction, instanceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var losers []string
	for _, id := range batch.MemberRequestIDs {
		r, ok := s.requests[id]
		if !ok || r.Status != model.StatusValidating || r.ProcessingInstanceID == nil || *r.ProcessingInstanceID != instanceID {
			losers = append(losers, id)
		}
	}
	if len(losers) > 0 {
		return losers, nil
	}

	if batch.BatchID == "" {
		batch.BatchID = uuid.NewString()
	}
	batch.Status = model.BatchPending
	s.batches[batch.BatchID] = batch

	batchID := batch.BatchID
	for _, id := range batch.MemberRequestIDs {
		r := s.requests[id]
		r.Status = model.StatusSigning
		r.TryCount++
		r.BatchID = &batchID
		r.ProcessingMode = model.ModeBatch
	}
	return nil, nil
}

func (s *MemoryRequestStore) DissolveBatch(ctx context.Context, batchID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = model.BatchFailed
	for _, id := range b.MemberRequestIDs {
		r, ok := s.requests[id]
		if !ok {
			continue
		}
		r.Status = model.StatusPending
		r.BatchID = nil
		r.ProcessingMode = model.ModeSingle
		reason := errMsg
		r.FailureReason = &reason
	}
	return nil
}

func (s *MemoryRequestStore) MarkSigned(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	r.Status = model.StatusSigned
	return nil
}

func (s *MemoryRequestStore) MarkBatchSigned(ctx context.Context, batchID string, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = model.BatchSigned
	b.TxHash = &txHash
	for _, id := range b.MemberRequestIDs {
		if r, ok := s.requests[id]; ok {
			r.Status = model.StatusSigned
		}
	}
	return nil
}

func (s *MemoryRequestStore) RecordSent(ctx context.Context, sent model.SentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := model.StatusBroadcasting
	if sent.Status == model.SentFailed {
		status = model.StatusFailed
	}

	if sent.RequestID != nil {
		r, ok := s.requests[*sent.RequestID]
		if !ok {
			return ErrNotFound
		}
		r.Status = status
		if sent.Error != nil {
			r.FailureReason = sent.Error
		}
		return nil
	}
	if sent.BatchID != nil {
		b, ok := s.batches[*sent.BatchID]
		if !ok {
			return ErrNotFound
		}
		if sent.Status == model.SentFailed {
			b.Status = model.BatchFailed
		} else {
			b.Status = model.BatchBroadcasted
		}
		for _, id := range b.MemberRequestIDs {
			if r, ok := s.requests[id]; ok {
				r.Status = status
				if sent.Error != nil {
					r.FailureReason = sent.Error
				}
			}
		}
		return nil
	}
	return fmt.Errorf("store: RecordSent requires RequestID or BatchID")
}

func (s *MemoryRequestStore) UpdateStatus(ctx context.Context, requestID, batchID string, status model.WithdrawalStatus, failureReason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requestID != "" {
		r, ok := s.requests[requestID]
		if !ok {
			return ErrNotFound
		}
		r.Status = status
		if failureReason != nil {
			r.FailureReason = failureReason
		}
		return nil
	}
	if batchID != "" {
		b, ok := s.batches[batchID]
		if !ok {
			return ErrNotFound
		}
		switch status {
		case model.StatusConfirmed:
			b.Status = model.BatchConfirmed
		case model.StatusFailed:
			b.Status = model.BatchFailed
		}
		for _, id := range b.MemberRequestIDs {
			if r, ok := s.requests[id]; ok {
				r.Status = status
				if failureReason != nil {
					r.FailureReason = failureReason
				}
			}
		}
		return nil
	}
	return fmt.Errorf("store: UpdateStatus requires requestID or batchID")
}

func (s *MemoryRequestStore) ResetForRecovery(ctx context.Context, requestID string, to model.WithdrawalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	r.Status = to
	r.ProcessingInstanceID = nil
	r.BatchID = nil
	r.ProcessingMode = model.ModeSingle
	return nil
}

// Batch returns a copy of a batch row, for tests asserting batch state.
func (s *MemoryRequestStore) Batch(batchID string) *model.BatchTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}
