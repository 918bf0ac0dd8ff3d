package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"payment-switch/internal/models"
)

// ProcessRefund queues a refund of a completed transaction at elevated priority.
func (o *Orchestrator) ProcessRefund(ctx context.Context, txnID string, req RefundRequest, rc models.RequestContext) (Result, error) {
	original, err := o.txns.GetTransactionByTxnID(ctx, txnID)
	if errors.Is(err, models.ErrNotFound) {
		return Result{}, fmt.Errorf("original transaction %s: %w", txnID, ErrNotFound)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load original transaction: %w", err)
	}
	if original.Status != models.TxnCompleted {
		return Result{}, fmt.Errorf("%w: can only refund completed transactions, %s is %s", ErrRefundNotAllowed, txnID, original.Status)
	}
	if original.Type == models.TxnRefund || original.Type == models.TxnOffline {
		return Result{}, fmt.Errorf("%w: %s transactions cannot be refunded", ErrRefundNotAllowed, original.Type)
	}

	amount := req.Amount
	if amount == 0 {
		amount = original.Amount
	}
	if amount < 0 || amount > original.Amount {
		return Result{}, fmt.Errorf("%w: refund amount must be between 0 and %v", ErrValidation, original.Amount)
	}

	meta := provenance(rc)
	meta["originalTxnId"] = original.TxnID
	meta["originalTransactionId"] = original.ID
	meta["refundReason"] = req.Reason
	txn, err := o.txns.CreateRefund(ctx, original.ID, models.NewTransaction{
		UserID:      original.UserID,
		Amount:      amount,
		Currency:    original.Currency,
		Type:        models.TxnRefund,
		MerchantID:  original.MerchantID,
		Description: fmt.Sprintf("Refund for %s: %s", original.TxnID, req.Reason),
		Metadata:    meta,
	})
	if errors.Is(err, models.ErrRefundExceedsOriginal) {
		return Result{}, fmt.Errorf("%w: %v", ErrRefundNotAllowed, err)
	}
	if err != nil {
		return Result{}, fmt.Errorf("create refund transaction: %w", err)
	}

	o.logger.Info("refund accepted",
		zap.String("event", "refund_accepted"),
		zap.String("txn_id", txn.TxnID),
		zap.String("original_txn_id", original.TxnID),
		zap.Float64("amount", amount),
	)
	return o.submit(ctx, txn, models.JobRefundPayment,
		jobPayload{TransactionID: txn.ID, Context: rc, OriginalTxnID: original.TxnID, Reason: req.Reason},
		o.settings.RefundPriority, rc.Synchronous,
		Result{OriginalTxnID: original.TxnID, Message: "Refund request received and queued for processing"})
}

// processRefund settles the refund and credits the user. Markers in the transaction metadata
// keep a retry from settling or crediting twice; the credit and its marker commit together.
func (o *Orchestrator) processRefund(ctx context.Context, job models.Job) (any, error) {
	_, txn, done, err := o.begin(ctx, job)
	if err != nil {
		return nil, err
	}
	if done {
		return terminalOutcome(txn), nil
	}

	settlement := models.Settlement{
		Success:       true,
		Rail:          txn.MetaString("paymentRail"),
		ExternalTxnID: txn.MetaString("externalRefundId"),
	}
	if !txn.MetaBool("refundSettled") {
		settlement, err = o.rail.Settle(ctx, txn)
		if err != nil {
			return nil, o.recordAttempt(ctx, txn, job, "rail", err)
		}
		if !settlement.Success {
			return nil, o.recordAttempt(ctx, txn, job, "rail", fmt.Errorf("%s: %s", settlement.Rail, settlement.Error))
		}
		txn, err = o.txns.UpdateTransactionStatus(ctx, txn.ID, models.TxnProcessing, map[string]any{
			"refundSettled":    true,
			"paymentRail":      settlement.Rail,
			"externalRefundId": settlement.ExternalTxnID,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: record refund settlement: %v", ErrTransient, err)
		}
	}

	if !txn.MetaBool("balanceCredited") && txn.UserID != "" {
		credited, err := o.txns.CreditRefund(ctx, txn.ID)
		if err != nil {
			return nil, o.recordAttempt(ctx, txn, job, "credit", err)
		}
		txn = credited
	}

	txn, err = o.finalize(ctx, txn, models.TxnCompleted, map[string]any{
		"paymentRail":      settlement.Rail,
		"externalRefundId": settlement.ExternalTxnID,
		"completedAt":      o.now().UTC().Format(time.RFC3339),
	}, "")
	if err != nil {
		return nil, err
	}
	o.archive(ctx, txn, settlement)

	out := terminalOutcome(txn)
	out["paymentRail"] = settlement.Rail
	out["externalRefundId"] = settlement.ExternalTxnID
	return out, nil
}
