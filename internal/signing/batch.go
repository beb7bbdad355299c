package signing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/arcsign/withdrawalengine/internal/evm"
	"github.com/arcsign/withdrawalengine/internal/model"
	"github.com/arcsign/withdrawalengine/internal/multicall"
)

// partitionForBatching groups claimed messages into candidate batches
// (by chain, network and token fingerprint) and a leftover singles list,
// applying the four conditions of spec.md §4.5. Any message whose row
// has TryCount>0 is always diverted to single processing.
func (w *Worker) partitionForBatching(claimed []claimedMessage) ([][]claimedMessage, []claimedMessage) {
	if !w.Tunables.BatchEnabled {
		return nil, claimed
	}

	groups := map[string][]claimedMessage{}
	var singles []claimedMessage
	for _, cm := range claimed {
		if cm.row.TryCount > 0 {
			singles = append(singles, cm)
			continue
		}
		fp := evm.Fingerprint(cm.request.Token)
		k := cm.request.Chain + "/" + cm.request.Network + "/" + fp
		groups[k] = append(groups[k], cm)
	}

	var batches [][]claimedMessage
	for _, members := range groups {
		if w.qualifiesForBatch(members) {
			batches = append(batches, members)
		} else {
			singles = append(singles, members...)
		}
	}
	return batches, singles
}

func (w *Worker) qualifiesForBatch(members []claimedMessage) bool {
	n := len(members)
	if n < w.Tunables.MinBatchSize {
		return false
	}
	if n < w.Tunables.BatchThreshold {
		return false
	}
	singlePerTx := float64(w.Tunables.SinglePerTxGas)
	savings := (singlePerTx*float64(n) - (float64(w.Tunables.BaseBatchGas) + float64(w.Tunables.PerBatchTx)*float64(n))) / (singlePerTx * float64(n))
	return savings >= w.Tunables.MinGasSavingsPercent
}

// processBatch forms a batch row under locking, signs it, and falls back
// to single processing for any losers the lock revealed.
func (w *Worker) processBatch(ctx context.Context, members []claimedMessage) error {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.request.RequestID
	}

	first := members[0].request
	aggregator := ""
	if cfg, ok := w.Registry.Config(first.Chain, first.Network); ok {
		aggregator = cfg.AggregatorAddress
	}
	batch := &model.BatchTransaction{
		BatchID:           newBatchID(),
		MemberRequestIDs:  ids,
		Chain:             first.Chain,
		Network:           first.Network,
		TokenFingerprint:  evm.Fingerprint(first.Token),
		AggregatorAddress: aggregator,
	}

	losers, err := w.Store.FormBatch(ctx, batch, w.InstanceID)
	if err != nil {
		w.logger().Warn("form batch failed", zap.String("batchId", batch.BatchID), zap.Error(err))
		for _, m := range members {
			_ = w.processSingle(ctx, m)
		}
		return nil
	}
	if len(losers) > 0 {
		loserSet := make(map[string]bool, len(losers))
		for _, id := range losers {
			loserSet[id] = true
		}
		var winners []claimedMessage
		for _, m := range members {
			if loserSet[m.request.RequestID] {
				_ = w.processSingle(ctx, m)
			} else {
				winners = append(winners, m)
			}
		}
		if len(winners) == 0 {
			return nil
		}
		// Winners remain VALIDATING; retry the batch on a subsequent
		// cycle rather than racing a half-formed batch now.
		return nil
	}

	return w.signBatch(ctx, batch, members)
}

func (w *Worker) signBatch(ctx context.Context, batch *model.BatchTransaction, members []claimedMessage) error {
	signer, err := w.Signers.SignerFor(ctx, batch.Chain, batch.Network)
	if err != nil {
		return w.revertBatch(ctx, batch, fmt.Sprintf("signer unavailable: %v", err))
	}

	batcher := w.Batcher(batch.Chain)
	transfers := make([]multicall.Transfer, len(members))
	for i, m := range members {
		transfers[i] = multicall.Transfer{
			Token:         m.request.Token,
			To:            m.request.Destination,
			Amount:        m.request.Amount,
			TransactionID: m.request.RequestID,
		}
	}
	normalized, err := batcher.Normalize(ctx, transfers)
	if err != nil {
		return w.revertBatch(ctx, batch, fmt.Sprintf("normalize failed: %v", err))
	}

	sender := evmAddressOrZero(signer.Address())
	_, encoded, err := batcher.Encode(sender, normalized, true)
	if err != nil {
		return w.revertBatch(ctx, batch, fmt.Sprintf("encode failed: %v", err))
	}

	total := big.NewInt(0)
	for _, t := range normalized {
		amt, ok := new(big.Int).SetString(t.BaseUnitsAmount, 10)
		if ok {
			total.Add(total, amt)
		}
	}
	batch.TotalAmount = total.String()

	nonceSigner := noncecacheSigner(batch.Chain, batch.Network, signer.Address())
	nonce, err := w.Nonces.IncrementAndGet(ctx, nonceSigner)
	if err != nil {
		return w.revertBatch(ctx, batch, fmt.Sprintf("nonce allocation failed: %v", err))
	}

	maxFee, maxPriority, err := w.feeData(ctx, batch.Chain, batch.Network)
	if err != nil {
		return w.revertBatch(ctx, batch, fmt.Sprintf("fee lookup failed: %v", err))
	}

	unsigned := UnsignedTx{
		Chain:                batch.Chain,
		Network:              batch.Network,
		From:                 signer.Address(),
		To:                   batch.AggregatorAddress,
		Value:                "0",
		Data:                 encoded,
		Nonce:                nonce,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
	}
	signed, err := signer.Sign(ctx, unsigned)
	if err != nil {
		return w.revertBatch(ctx, batch, fmt.Sprintf("signing failed: %v", err))
	}

	if err := w.Store.MarkBatchSigned(ctx, batch.BatchID, signed.TxHash); err != nil {
		return err
	}

	batchID := batch.BatchID
	out := SignedTxMessage{
		Kind:                 model.ModeBatch,
		BatchID:              &batchID,
		TxHash:               signed.TxHash,
		RawTransaction:       signed.RawTx,
		Nonce:                nonce,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
		From:                 signer.Address(),
		To:                   batch.AggregatorAddress,
		Value:                "0",
		Data:                 hex.EncodeToString(encoded),
		Chain:                batch.Chain,
		Network:              batch.Network,
	}
	body, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := w.Queue.Send(ctx, w.SignedQueue, body, nil); err != nil {
		return err
	}

	for _, m := range members {
		_ = w.Queue.Delete(ctx, w.RequestQueue, m.msg.ReceiptHandle)
	}
	return nil
}

// revertBatch dissolves the batch and leaves the source messages on the
// queue — their visibility timeout will requeue them (spec.md §4.5).
func (w *Worker) revertBatch(ctx context.Context, batch *model.BatchTransaction, reason string) error {
	w.logger().Warn("batch signing reverted", zap.String("batchId", batch.BatchID), zap.String("reason", reason))
	return w.Store.DissolveBatch(ctx, batch.BatchID, reason)
}

// processSingle signs one claimed request directly.
func (w *Worker) processSingle(ctx context.Context, cm claimedMessage) error {
	ok, err := w.Store.TransitionOwned(ctx, cm.request.RequestID, w.InstanceID, model.StatusSigning)
	if err != nil {
		w.logger().Warn("transition to signing failed", zap.String("requestId", cm.request.RequestID), zap.Error(err))
		return nil
	}
	if !ok {
		// Another instance took over between claim and signing.
		return nil
	}

	signer, err := w.Signers.SignerFor(ctx, cm.request.Chain, cm.request.Network)
	if err != nil {
		return w.requeueSingle(ctx, cm, fmt.Sprintf("signer unavailable: %v", err))
	}

	decimals := 18
	amount, err := evm.ToBaseUnits(cm.request.Amount, decimals)
	if err != nil {
		return w.requeueSingle(ctx, cm, fmt.Sprintf("normalize amount failed: %v", err))
	}

	var data []byte
	to := cm.request.Destination
	value := amount
	if cm.request.Token != nil && *cm.request.Token != "" {
		sender := evmAddressOrZero(signer.Address())
		recipient, perr := evm.ParseAddress(cm.request.Destination)
		if perr != nil {
			return w.requeueSingle(ctx, cm, fmt.Sprintf("invalid destination: %v", perr))
		}
		amt, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return w.requeueSingle(ctx, cm, "invalid normalized amount")
		}
		calldata, eerr := evm.EncodeTransferFrom(sender, recipient, amt)
		if eerr != nil {
			return w.requeueSingle(ctx, cm, fmt.Sprintf("encode transfer failed: %v", eerr))
		}
		data = calldata
		to = *cm.request.Token
		value = "0"
	}

	nonceSigner := noncecacheSigner(cm.request.Chain, cm.request.Network, signer.Address())
	nonce, err := w.Nonces.IncrementAndGet(ctx, nonceSigner)
	if err != nil {
		return w.requeueSingle(ctx, cm, fmt.Sprintf("nonce allocation failed: %v", err))
	}

	maxFee, maxPriority, err := w.feeData(ctx, cm.request.Chain, cm.request.Network)
	if err != nil {
		return w.requeueSingle(ctx, cm, fmt.Sprintf("fee lookup failed: %v", err))
	}

	unsigned := UnsignedTx{
		Chain:                cm.request.Chain,
		Network:              cm.request.Network,
		From:                 signer.Address(),
		To:                   to,
		Value:                value,
		Data:                 data,
		Nonce:                nonce,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
	}
	signed, err := signer.Sign(ctx, unsigned)
	if err != nil {
		return w.requeueSingle(ctx, cm, fmt.Sprintf("signing failed: %v", err))
	}

	if err := w.Store.MarkSigned(ctx, cm.request.RequestID); err != nil {
		return err
	}

	requestID := cm.request.RequestID
	out := SignedTxMessage{
		Kind:                 model.ModeSingle,
		RequestID:            &requestID,
		TxHash:               signed.TxHash,
		RawTransaction:       signed.RawTx,
		Nonce:                nonce,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
		From:                 signer.Address(),
		To:                   to,
		Value:                value,
		Data:                 hex.EncodeToString(data),
		Chain:                cm.request.Chain,
		Network:              cm.request.Network,
	}
	body, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := w.Queue.Send(ctx, w.SignedQueue, body, nil); err != nil {
		return err
	}
	return w.Queue.Delete(ctx, w.RequestQueue, cm.msg.ReceiptHandle)
}

// requeueSingle logs the failure and leaves the message in place; the
// visibility timeout requeues it naturally, matching batch revert
// semantics (spec.md §4.5).
func (w *Worker) requeueSingle(ctx context.Context, cm claimedMessage, reason string) error {
	w.logger().Warn("single signing failed, will requeue on visibility timeout",
		zap.String("requestId", cm.request.RequestID), zap.String("reason", reason))
	_ = w.Store.ResetForRecovery(ctx, cm.request.RequestID, model.StatusPending)
	return nil
}

func (w *Worker) feeData(ctx context.Context, chain, network string) (maxFee, maxPriority string, err error) {
	if w.Fees == nil {
		return "0", "0", nil
	}
	return w.Fees.CurrentFee(ctx, chain, network)
}
