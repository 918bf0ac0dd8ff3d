package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payment-switch/internal/models"
	"payment-switch/internal/queue"
)

// waiters hands terminal job events to synchronous callers, keyed by transaction id.
// A waiter is registered before the job is queued so a fast job cannot finish unobserved.
type waiters struct {
	mu      sync.Mutex
	pending map[string]chan queue.Event
}

func newWaiters() *waiters {
	return &waiters{pending: make(map[string]chan queue.Event)}
}

func (w *waiters) register(transactionID string) <-chan queue.Event {
	ch := make(chan queue.Event, 1)
	w.mu.Lock()
	w.pending[transactionID] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiters) resolve(transactionID string, evt queue.Event) {
	w.mu.Lock()
	ch, ok := w.pending[transactionID]
	delete(w.pending, transactionID)
	w.mu.Unlock()
	if ok {
		ch <- evt
	}
}

func (w *waiters) cancel(transactionID string) {
	w.mu.Lock()
	delete(w.pending, transactionID)
	w.mu.Unlock()
}

// await blocks until the job for txn is terminal, ctx ends or the sync timeout passes.
// It never returns an error: failures are folded into the result.
func (o *Orchestrator) await(ctx context.Context, txn models.Transaction, res Result, done <-chan queue.Event) Result {
	timer := time.NewTimer(o.settings.SyncTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-ctx.Done():
		o.waiters.cancel(txn.ID)
		return o.syncResult(context.WithoutCancel(ctx), txn.ID, res, fmt.Sprintf("request ended before processing finished: %v", ctx.Err()))
	case <-timer.C:
		o.waiters.cancel(txn.ID)
		return o.syncResult(ctx, txn.ID, res, fmt.Sprintf("processing did not finish within %s", o.settings.SyncTimeout))
	}
	return o.syncResult(ctx, txn.ID, res, "")
}

func (o *Orchestrator) syncResult(ctx context.Context, transactionID string, res Result, pendingMsg string) Result {
	txn, err := o.txns.GetTransaction(ctx, transactionID)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		res.Message = "processing outcome unavailable"
		return res
	}
	summary := txn.Summary()
	res.Transaction = &summary
	res.Status = txn.Status
	if data, ok := txn.Metadata["result"].(map[string]any); ok {
		res.Data = data
	}

	switch txn.Status {
	case models.TxnCompleted:
		res.Success = true
		res.Message = "processed successfully"
	case models.TxnBlocked:
		res.Success = false
		res.Error = txn.MetaString("blockReason")
		res.Message = "transaction blocked: " + res.Error
	case models.TxnFailed:
		res.Success = false
		res.Error = txn.MetaString("lastError")
		if res.Error == "" {
			res.Error = txn.MetaString("reason")
		}
		res.Message = "processing failed: " + res.Error
	default:
		res.Success = false
		res.Message = pendingMsg
		res.Error = pendingMsg
	}
	return res
}
