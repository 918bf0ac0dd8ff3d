package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"payment-switch/internal/models"
	"payment-switch/internal/plugin"
)

// ProcessOfflinePayment records an offline token operation and queues it for the token handler.
func (o *Orchestrator) ProcessOfflinePayment(ctx context.Context, operation string, req OfflineRequest, rc models.RequestContext) (Result, error) {
	if err := validateOffline(operation, req); err != nil {
		return Result{}, err
	}
	currency := req.Currency
	if currency == "" {
		currency = o.settings.BaseCurrency
	}
	if err := o.validateCurrency(currency); err != nil {
		return Result{}, err
	}

	var userID string
	if operation == plugin.OpGenerateToken || req.UserID != "" || req.Email != "" || req.Phone != "" {
		user, err := o.resolveUser(ctx, req.UserID, req.Email, req.Phone)
		if err != nil {
			return Result{}, err
		}
		userID = user.ID
	}

	rc.Operation = operation
	rc.Token = req.Token
	rc.MerchantID = req.MerchantID
	rc.MerchantType = req.MerchantType
	rc.ExpiryHours = req.ExpiryHours
	rc.AllowedMerchants = req.AllowedMerchants
	rc.BlockedMerchants = req.BlockedMerchants

	meta := provenance(rc)
	meta["operation"] = operation
	if req.Token != "" {
		meta["token"] = req.Token
	}
	txn, err := o.txns.CreateTransaction(ctx, models.NewTransaction{
		UserID:      userID,
		Amount:      req.Amount,
		Currency:    currency,
		Type:        models.TxnOffline,
		MerchantID:  req.MerchantID,
		Description: "Offline " + operation,
		Metadata:    meta,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create transaction: %w", err)
	}

	o.logger.Info("offline operation accepted",
		zap.String("event", "offline_accepted"),
		zap.String("txn_id", txn.TxnID),
		zap.String("operation", operation),
	)
	return o.submit(ctx, txn, models.JobProcessOfflinePayment,
		jobPayload{TransactionID: txn.ID, Context: rc, Operation: operation}, req.Priority, rc.Synchronous,
		Result{Operation: operation, Message: fmt.Sprintf("Offline payment %s received and queued for processing", operation)})
}

// processOffline is the ProcessOfflinePayment job handler. It never touches the rail.
func (o *Orchestrator) processOffline(ctx context.Context, job models.Job) (any, error) {
	p, txn, done, err := o.begin(ctx, job)
	if err != nil {
		return nil, err
	}
	if done {
		return terminalOutcome(txn), nil
	}

	result, err := o.offline.Run(ctx, txn, p.Context)
	if err != nil {
		return nil, o.recordAttempt(ctx, txn, job, "token", err)
	}
	if result.Blocked {
		txn, err = o.finalize(ctx, txn, models.TxnBlocked, map[string]any{
			"operation":   p.Operation,
			"blockReason": result.BlockReason,
		}, result.BlockReason)
		if err != nil {
			return nil, err
		}
		return terminalOutcome(txn), nil
	}
	if !result.Success {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error)
		}
		return nil, o.recordAttempt(ctx, txn, job, "token", fmt.Errorf("token %s failed: %s", p.Operation, strings.Join(msgs, "; ")))
	}

	output, _ := result.Output("token-handler")
	txn, err = o.finalize(ctx, txn, models.TxnCompleted, map[string]any{
		"operation":   p.Operation,
		"result":      output,
		"processedAt": o.now().UTC().Format(time.RFC3339),
	}, "")
	if err != nil {
		return nil, err
	}
	out := terminalOutcome(txn)
	out["operation"] = p.Operation
	out["result"] = output
	return out, nil
}
