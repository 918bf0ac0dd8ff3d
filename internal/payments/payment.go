package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"payment-switch/internal/models"
	"payment-switch/internal/queue"
)

// ProcessPayment validates the request, creates a pending transaction and queues it.
// With rc.Synchronous the call waits for the queued job's outcome instead of returning early.
func (o *Orchestrator) ProcessPayment(ctx context.Context, req PaymentRequest, rc models.RequestContext) (Result, error) {
	if err := o.validatePayment(req); err != nil {
		return Result{}, err
	}
	user, err := o.resolveUser(ctx, req.UserID, req.Email, req.Phone)
	if err != nil {
		return Result{}, err
	}
	if !user.CanTransact(req.Amount) {
		return Result{}, fmt.Errorf("%w: insufficient balance or limits exceeded", ErrAuthorization)
	}

	txnType := req.Type
	if txnType == "" {
		txnType = models.TxnPayment
	}
	txn, err := o.txns.CreateTransaction(ctx, models.NewTransaction{
		UserID:        user.ID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Type:          txnType,
		PaymentMethod: req.PaymentMethod,
		MerchantID:    req.MerchantID,
		MerchantName:  req.MerchantName,
		Description:   req.Description,
		Metadata:      models.MergeMetadata(req.Metadata, provenance(rc)),
	})
	if err != nil {
		return Result{}, fmt.Errorf("create transaction: %w", err)
	}

	o.logger.Info("payment accepted",
		zap.String("event", "payment_accepted"),
		zap.String("txn_id", txn.TxnID),
		zap.Float64("amount", txn.Amount),
		zap.String("currency", txn.Currency),
		zap.Bool("synchronous", rc.Synchronous),
	)
	return o.submit(ctx, txn, models.JobProcessPayment, jobPayload{TransactionID: txn.ID, Context: rc}, req.Priority, rc.Synchronous,
		Result{Message: "Payment request received and queued for processing"})
}

// submit queues the job for txn and either acknowledges it or waits for its outcome.
func (o *Orchestrator) submit(ctx context.Context, txn models.Transaction, jobType models.JobType, p jobPayload, priority int, sync bool, res Result) (Result, error) {
	payload, err := p.encode()
	if err != nil {
		return Result{}, err
	}

	var wait <-chan queue.Event
	if sync {
		wait = o.waiters.register(txn.ID)
	}

	jobID, err := o.queue.AddJob(jobType, payload, priority)
	if err != nil {
		o.waiters.cancel(txn.ID)
		o.markFailed(txn.ID, map[string]any{"reason": "enqueue failed", "lastError": err.Error()})
		return Result{}, fmt.Errorf("enqueue %s: %w", txn.TxnID, err)
	}

	summary := txn.Summary()
	res.Success = true
	res.TxnID = txn.TxnID
	res.TransactionID = txn.ID
	res.Status = txn.Status
	res.JobID = jobID
	res.Transaction = &summary
	if !sync {
		return res, nil
	}
	return o.await(ctx, txn, res, wait), nil
}

// processTransaction is the ProcessPayment job handler: plugins, then the rail.
func (o *Orchestrator) processTransaction(ctx context.Context, job models.Job) (any, error) {
	p, txn, done, err := o.begin(ctx, job)
	if err != nil {
		return nil, err
	}
	if done {
		return terminalOutcome(txn), nil
	}

	result, err := o.payments.Run(ctx, txn, p.Context)
	if err != nil {
		return nil, o.recordAttempt(ctx, txn, job, "plugins", err)
	}
	if result.Blocked {
		txn, err = o.finalize(ctx, txn, models.TxnBlocked, map[string]any{
			"blockReason":   result.BlockReason,
			"pluginResults": result.PluginResults,
		}, result.BlockReason)
		if err != nil {
			return nil, err
		}
		return terminalOutcome(txn), nil
	}
	if !result.Success {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Plugin+": "+e.Error)
		}
		return nil, o.recordAttempt(ctx, txn, job, "plugins", fmt.Errorf("plugin processing failed: %s", strings.Join(msgs, "; ")))
	}

	// Plugins may have converted the amount.
	txn, err = o.txns.GetTransaction(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: reload transaction: %v", ErrTransient, err)
	}

	settlement, err := o.rail.Settle(ctx, txn)
	if err != nil {
		return nil, o.recordAttempt(ctx, txn, job, "rail", err)
	}
	if !settlement.Success {
		return nil, o.recordAttempt(ctx, txn, job, "rail", fmt.Errorf("%s: %s", settlement.Rail, settlement.Error))
	}

	txn, err = o.finalize(ctx, txn, models.TxnCompleted, map[string]any{
		"paymentRail":   settlement.Rail,
		"externalTxnId": settlement.ExternalTxnID,
		"completedAt":   o.now().UTC().Format(time.RFC3339),
	}, "")
	if err != nil {
		return nil, err
	}
	o.archive(ctx, txn, settlement)

	out := terminalOutcome(txn)
	out["paymentRail"] = settlement.Rail
	out["externalTxnId"] = settlement.ExternalTxnID
	return out, nil
}
