package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"payment-switch/internal/config"
	"payment-switch/internal/events"
	"payment-switch/internal/logging"
	"payment-switch/internal/models"
	"payment-switch/internal/queue"
	"payment-switch/internal/telemetry"
)

type TransactionStore interface {
	CreateTransaction(ctx context.Context, p models.NewTransaction) (models.Transaction, error)
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	GetTransactionByTxnID(ctx context.Context, txnID string) (models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status models.TransactionStatus, details map[string]any) (models.Transaction, error)
	// CreateRefund inserts a pending refund of originalID, failing with
	// models.ErrRefundExceedsOriginal once its refunds would pass the original amount.
	CreateRefund(ctx context.Context, originalID string, p models.NewTransaction) (models.Transaction, error)
	// CreditRefund credits the refund's user and records balanceCredited atomically.
	CreditRefund(ctx context.Context, transactionID string) (models.Transaction, error)
}

type UserStore interface {
	FindUserByID(ctx context.Context, id string) (models.User, error)
	FindUserByEmail(ctx context.Context, email string) (models.User, error)
	FindUserByPhone(ctx context.Context, phone string) (models.User, error)
}

type PluginLogStore interface {
	ListPluginLogs(ctx context.Context, transactionID string) ([]models.PluginLog, error)
}

type TokenStore interface {
	ExpireTokens(ctx context.Context, now time.Time) (int, error)
}

// Pipeline runs the ordered plugin checks for a transaction. It may be invoked again for
// the same transaction when a job is retried.
type Pipeline interface {
	Run(ctx context.Context, txn models.Transaction, rc models.RequestContext) (models.PluginResult, error)
}

type PaymentRail interface {
	Settle(ctx context.Context, txn models.Transaction) (models.Settlement, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, evt events.TransactionEvent) error
}

type ReceiptArchiver interface {
	Archive(ctx context.Context, txn models.Transaction, settlement models.Settlement) (string, error)
}

// Queue is the part of the job engine the orchestrator drives.
type Queue interface {
	RegisterHandler(jobType models.JobType, handler queue.Handler) error
	AddListener(l queue.Listener)
	AddJob(jobType models.JobType, payload map[string]any, priority int, opts ...queue.JobOption) (string, error)
}

// Settings are the business limits applied to requests.
type Settings struct {
	MinAmount           float64
	MaxAmount           float64
	BaseCurrency        string
	SupportedCurrencies []string
	RefundPriority      int
	SyncTimeout         time.Duration
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		MinAmount:           cfg.MinAmount,
		MaxAmount:           cfg.MaxAmount,
		BaseCurrency:        cfg.BaseCurrency,
		SupportedCurrencies: cfg.SupportedCurrencies,
		RefundPriority:      cfg.RefundPriority,
		SyncTimeout:         cfg.SyncTimeout,
	}
}

// Dependencies are the collaborators the orchestrator is built from. Events, Receipts and
// Tokens are optional.
type Dependencies struct {
	Queue           Queue
	Transactions    TransactionStore
	Users           UserStore
	PluginLogs      PluginLogStore
	Tokens          TokenStore
	PaymentPipeline Pipeline
	OfflinePipeline Pipeline
	Rail            PaymentRail
	Events          EventPublisher
	Receipts        ReceiptArchiver
	Logger          *zap.Logger
}

// Orchestrator turns client requests into transactions and drives them through the job queue.
// Transaction status only becomes failed once the queue gives up on the job.
type Orchestrator struct {
	settings Settings
	queue    Queue
	txns     TransactionStore
	users    UserStore
	logs     PluginLogStore
	tokens   TokenStore
	payments Pipeline
	offline  Pipeline
	rail     PaymentRail
	events   EventPublisher
	receipts ReceiptArchiver
	logger   *zap.Logger
	waiters  *waiters
	now      func() time.Time
}

// New wires the orchestrator and registers its job handlers and queue listener.
func New(settings Settings, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("payments: queue is required")
	case deps.Transactions == nil || deps.Users == nil || deps.PluginLogs == nil:
		return nil, errors.New("payments: transaction, user and plugin log stores are required")
	case deps.PaymentPipeline == nil || deps.OfflinePipeline == nil:
		return nil, errors.New("payments: payment and offline pipelines are required")
	case deps.Rail == nil:
		return nil, errors.New("payments: payment rail is required")
	}
	if settings.SyncTimeout <= 0 {
		settings.SyncTimeout = 30 * time.Second
	}
	if settings.BaseCurrency == "" {
		settings.BaseCurrency = "MYR"
	}

	o := &Orchestrator{
		settings: settings,
		queue:    deps.Queue,
		txns:     deps.Transactions,
		users:    deps.Users,
		logs:     deps.PluginLogs,
		tokens:   deps.Tokens,
		payments: deps.PaymentPipeline,
		offline:  deps.OfflinePipeline,
		rail:     deps.Rail,
		events:   deps.Events,
		receipts: deps.Receipts,
		logger:   logging.Resolve(deps.Logger).With(zap.String("module", "payments")),
		waiters:  newWaiters(),
		now:      time.Now,
	}

	handlers := map[models.JobType]queue.Handler{
		models.JobProcessPayment:        o.processTransaction,
		models.JobProcessOfflinePayment: o.processOffline,
		models.JobRefundPayment:         o.processRefund,
	}
	if o.tokens != nil {
		handlers[models.JobCleanupTokens] = o.cleanupTokens
	}
	for jobType, h := range handlers {
		if err := o.queue.RegisterHandler(jobType, h); err != nil {
			return nil, fmt.Errorf("register %s handler: %w", jobType, err)
		}
	}
	o.queue.AddListener(o.onJobEvent)
	return o, nil
}

// onJobEvent settles the business outcome of jobs the queue has given up on and wakes
// synchronous callers.
func (o *Orchestrator) onJobEvent(evt queue.Event) {
	if !evt.Type.Terminal() {
		return
	}
	txnID := payloadTransactionID(evt.Job)
	if txnID == "" {
		return
	}

	switch evt.Type {
	case queue.EventFailed:
		o.markFailed(txnID, map[string]any{
			"reason":    "retries exhausted",
			"lastError": evt.Job.LastError(),
			"attempts":  evt.Job.Attempts,
			"jobId":     evt.Job.ID,
		})
	case queue.EventCancelled:
		o.markFailed(txnID, map[string]any{
			"reason": "job cancelled",
			"jobId":  evt.Job.ID,
		})
	}
	o.waiters.resolve(txnID, evt)
}

func (o *Orchestrator) markFailed(txnID string, details map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	txn, err := o.txns.UpdateTransactionStatus(ctx, txnID, models.TxnFailed, details)
	switch {
	case errors.Is(err, models.ErrTerminalStatus), errors.Is(err, models.ErrNotFound):
		return
	case err != nil:
		o.logger.Error("failed to mark transaction failed",
			zap.String("event", "txn_fail_update_error"),
			zap.String("transaction_id", txnID),
			zap.Error(err),
		)
		return
	}
	reason, _ := details["reason"].(string)
	o.recordTerminal(ctx, txn, reason)
}

// finalize moves txn to a terminal status. A concurrent finalization wins silently.
func (o *Orchestrator) finalize(ctx context.Context, txn models.Transaction, status models.TransactionStatus, details map[string]any, reason string) (models.Transaction, error) {
	updated, err := o.txns.UpdateTransactionStatus(ctx, txn.ID, status, details)
	if errors.Is(err, models.ErrTerminalStatus) {
		return o.txns.GetTransaction(ctx, txn.ID)
	}
	if err != nil {
		return txn, fmt.Errorf("%w: set %s on %s: %v", ErrTransient, status, txn.TxnID, err)
	}
	o.recordTerminal(ctx, updated, reason)
	return updated, nil
}

func (o *Orchestrator) recordTerminal(ctx context.Context, txn models.Transaction, reason string) {
	telemetry.Transactions.WithLabelValues(string(txn.Type), string(txn.Status)).Inc()
	o.logger.Info("transaction finished",
		zap.String("event", "txn_"+string(txn.Status)),
		zap.String("txn_id", txn.TxnID),
		zap.String("type", string(txn.Type)),
		zap.String("reason", reason),
	)
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, events.FromTransaction(txn, reason)); err != nil {
		o.logger.Warn("publish transaction event failed",
			zap.String("event", "txn_event_publish_error"),
			zap.String("txn_id", txn.TxnID),
			zap.Error(err),
		)
	}
}

// recordAttempt appends an audit entry for a failed attempt without failing the transaction.
func (o *Orchestrator) recordAttempt(ctx context.Context, txn models.Transaction, job models.Job, stage string, cause error) error {
	_, err := o.txns.UpdateTransactionStatus(ctx, txn.ID, models.TxnProcessing, map[string]any{
		"lastError":   cause.Error(),
		"failedStage": stage,
		"attempt":     job.Attempts,
	})
	if err != nil && !errors.Is(err, models.ErrTerminalStatus) {
		o.logger.Warn("failed to record attempt",
			zap.String("event", "txn_attempt_audit_error"),
			zap.String("txn_id", txn.TxnID),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, stage, cause)
}

// begin loads the job's transaction and moves it to processing. done is true when the
// transaction is already terminal and there is nothing left to do.
func (o *Orchestrator) begin(ctx context.Context, job models.Job) (p jobPayload, txn models.Transaction, done bool, err error) {
	p, err = decodePayload(job)
	if err != nil {
		return p, txn, false, queue.Permanent(err)
	}
	txn, err = o.txns.GetTransaction(ctx, p.TransactionID)
	if errors.Is(err, models.ErrNotFound) {
		return p, txn, false, queue.Permanent(fmt.Errorf("transaction %s: %w", p.TransactionID, ErrNotFound))
	}
	if err != nil {
		return p, txn, false, fmt.Errorf("%w: load transaction: %v", ErrTransient, err)
	}
	if txn.Status.Terminal() {
		return p, txn, true, nil
	}
	if txn.Status == models.TxnPending {
		txn, err = o.txns.UpdateTransactionStatus(ctx, txn.ID, models.TxnProcessing, map[string]any{
			"jobId":   job.ID,
			"attempt": job.Attempts,
		})
		if errors.Is(err, models.ErrTerminalStatus) {
			txn, err = o.txns.GetTransaction(ctx, p.TransactionID)
			return p, txn, err == nil, err
		}
		if err != nil {
			return p, txn, false, fmt.Errorf("%w: mark processing: %v", ErrTransient, err)
		}
	}
	return p, txn, false, nil
}

func (o *Orchestrator) archive(ctx context.Context, txn models.Transaction, settlement models.Settlement) {
	if o.receipts == nil {
		return
	}
	if _, err := o.receipts.Archive(ctx, txn, settlement); err != nil {
		o.logger.Warn("receipt archive failed",
			zap.String("event", "receipt_error"),
			zap.String("txn_id", txn.TxnID),
			zap.Error(err),
		)
	}
}

func terminalOutcome(txn models.Transaction) map[string]any {
	return map[string]any{
		"txnId":  txn.TxnID,
		"status": string(txn.Status),
	}
}

func provenance(rc models.RequestContext) map[string]any {
	source := rc.Source
	if source == "" {
		source = "api"
	}
	return map[string]any{
		"requestSource": source,
		"userAgent":     rc.UserAgent,
		"ipAddress":     rc.IPAddress,
	}
}
