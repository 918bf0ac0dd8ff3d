package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"payment-switch/internal/models"
)

// GetTransactionStatus returns the transaction with its ordered plugin audit trail.
// A missing transaction is reported in the result, not as an error.
func (o *Orchestrator) GetTransactionStatus(ctx context.Context, txnID string) (StatusResult, error) {
	txn, err := o.txns.GetTransactionByTxnID(ctx, txnID)
	if errors.Is(err, models.ErrNotFound) {
		return StatusResult{Success: false, NotFound: true, Error: "Transaction not found"}, nil
	}
	if err != nil {
		return StatusResult{}, fmt.Errorf("load transaction %s: %w", txnID, err)
	}
	logs, err := o.logs.ListPluginLogs(ctx, txn.ID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("load plugin logs %s: %w", txnID, err)
	}

	summary := txn.Summary()
	out := StatusResult{
		Success:     true,
		Status:      string(txn.Status),
		Transaction: &summary,
		Metadata:    txn.Metadata,
		PluginLogs:  make([]PluginLogSummary, 0, len(logs)),
	}
	for _, l := range logs {
		out.PluginLogs = append(out.PluginLogs, PluginLogSummary{
			Plugin:          l.PluginName,
			Status:          l.Status,
			Error:           l.ErrorMessage,
			ExecutionTimeMs: l.ExecutionTime.Milliseconds(),
			CreatedAt:       l.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out, nil
}

// ScheduleTokenCleanup queues a CleanupTokens job.
func (o *Orchestrator) ScheduleTokenCleanup() (string, error) {
	if o.tokens == nil {
		return "", errors.New("payments: no token store configured")
	}
	return o.queue.AddJob(models.JobCleanupTokens, nil, 0)
}

func (o *Orchestrator) cleanupTokens(ctx context.Context, _ models.Job) (any, error) {
	n, err := o.tokens.ExpireTokens(ctx, o.now())
	if err != nil {
		return nil, fmt.Errorf("%w: expire tokens: %v", ErrTransient, err)
	}
	if n > 0 {
		o.logger.Info("expired offline tokens", zap.String("event", "tokens_expired"), zap.Int("count", n))
	}
	return map[string]any{"expired": n}, nil
}
