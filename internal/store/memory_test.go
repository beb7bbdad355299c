package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcsign/withdrawalengine/internal/model"
)

func seedRequest(id string) model.WithdrawalRequest {
	return model.WithdrawalRequest{
		RequestID:       id,
		Destination:     "0x0000000000000000000000000000000000dead",
		AmountBaseUnits: "1000",
		Chain:           "polygon",
		Network:         "mainnet",
		Status:          model.StatusPending,
		ProcessingMode:  model.ModeSingle,
	}
}

func TestClaim_WinsUnownedPendingRequest(t *testing.T) {
	s := NewMemoryRequestStore(seedRequest("r1"))
	ctx := context.Background()

	outcome, r, err := s.Claim(ctx, "r1", "instance-a")
	require.NoError(t, err)
	require.Equal(t, ClaimWon, outcome)
	require.Equal(t, model.StatusValidating, r.Status)
	require.Equal(t, "instance-a", *r.ProcessingInstanceID)
}

func TestClaim_SecondInstanceGetsNotOurs(t *testing.T) {
	s := NewMemoryRequestStore(seedRequest("r1"))
	ctx := context.Background()

	_, _, err := s.Claim(ctx, "r1", "instance-a")
	require.NoError(t, err)

	outcome, _, err := s.Claim(ctx, "r1", "instance-b")
	require.NoError(t, err)
	require.Equal(t, ClaimNotOurs, outcome)
}

func TestClaim_SameInstanceGetsAlreadyOwned(t *testing.T) {
	s := NewMemoryRequestStore(seedRequest("r1"))
	ctx := context.Background()

	_, _, _ = s.Claim(ctx, "r1", "instance-a")
	outcome, _, err := s.Claim(ctx, "r1", "instance-a")
	require.NoError(t, err)
	require.Equal(t, ClaimOwnedByUs, outcome)
}

func TestClaim_MissingRowReturnsClaimMissing(t *testing.T) {
	s := NewMemoryRequestStore()
	ctx := context.Background()
	outcome, r, err := s.Claim(ctx, "ghost", "instance-a")
	require.NoError(t, err)
	require.Equal(t, ClaimMissing, outcome)
	require.Nil(t, r)
}

func TestFormBatch_AllMembersEligible(t *testing.T) {
	s := NewMemoryRequestStore(seedRequest("r1"), seedRequest("r2"), seedRequest("r3"))
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		_, _, _ = s.Claim(ctx, id, "instance-a")
	}

	batch := &model.BatchTransaction{
		BatchID:          "batch-1",
		MemberRequestIDs: []string{"r1", "r2", "r3"},
		Chain:            "polygon",
		Network:          "mainnet",
	}
	losers, err := s.FormBatch(ctx, batch, "instance-a")
	require.NoError(t, err)
	require.Empty(t, losers)

	for _, id := range []string{"r1", "r2", "r3"} {
		r, _ := s.Get(ctx, id)
		require.Equal(t, model.StatusSigning, r.Status)
		require.Equal(t, 1, r.TryCount)
		require.Equal(t, "batch-1", *r.BatchID)
		require.Equal(t, model.ModeBatch, r.ProcessingMode)
	}
}

func TestFormBatch_AbortsAndReportsLosersWhenPartiallyClaimed(t *testing.T) {
	s := NewMemoryRequestStore(seedRequest("r1"), seedRequest("r2"))
	ctx := context.Background()
	_, _, _ = s.Claim(ctx, "r1", "instance-a")
	_, _, _ = s.Claim(ctx, "r2", "instance-b") // different owner

	batch := &model.BatchTransaction{BatchID: "batch-1", MemberRequestIDs: []string{"r1", "r2"}}
	losers, err := s.FormBatch(ctx, batch, "instance-a")
	require.NoError(t, err)
	require.Equal(t, []string{"r2"}, losers)

	r1, _ := s.Get(ctx, "r1")
	require.Equal(t, model.StatusValidating, r1.Status, "batch abort must not mutate any member")
}

func TestDissolveBatch_RevertsMembersToPending(t *testing.T) {
	s := NewMemoryRequestStore(seedRequest("r1"), seedRequest("r2"))
	ctx := context.Background()
	_, _, _ = s.Claim(ctx, "r1", "instance-a")
	_, _, _ = s.Claim(ctx, "r2", "instance-a")
	batch := &model.BatchTransaction{BatchID: "batch-1", MemberRequestIDs: []string{"r1", "r2"}}
	_, err := s.FormBatch(ctx, batch, "instance-a")
	require.NoError(t, err)

	err = s.DissolveBatch(ctx, "batch-1", "signing failed")
	require.NoError(t, err)

	for _, id := range []string{"r1", "r2"} {
		r, _ := s.Get(ctx, id)
		require.Equal(t, model.StatusPending, r.Status)
		require.Nil(t, r.BatchID)
		require.Equal(t, model.ModeSingle, r.ProcessingMode)
	}
	require.Equal(t, model.BatchFailed, s.Batch("batch-1").Status)
}

func TestTransitionOwned_RejectsWhenNotOwner(t *testing.T) {
	s := NewMemoryRequestStore(seedRequest("r1"))
	ctx := context.Background()
	_, _, _ = s.Claim(ctx, "r1", "instance-a")

	ok, err := s.TransitionOwned(ctx, "r1", "instance-b", model.StatusSigning)
	require.NoError(t, err)
	require.False(t, ok)

	r, _ := s.Get(ctx, "r1")
	require.Equal(t, model.StatusValidating, r.Status)
}

func TestResetForRecovery_ClearsOwnershipAndBatch(t *testing.T) {
	s := NewMemoryRequestStore(seedRequest("r1"))
	ctx := context.Background()
	_, _, _ = s.Claim(ctx, "r1", "instance-a")

	err := s.ResetForRecovery(ctx, "r1", model.StatusPending)
	require.NoError(t, err)

	r, _ := s.Get(ctx, "r1")
	require.Equal(t, model.StatusPending, r.Status)
	require.Nil(t, r.ProcessingInstanceID)
}
