package plugin

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"payment-switch/internal/logging"
	"payment-switch/internal/models"
	"payment-switch/internal/telemetry"
)

// Plugin is one ordered check in the pipeline.
type Plugin interface {
	Name() string
	Enabled(txn models.Transaction, rc models.RequestContext) bool
	// Critical failures stop the pipeline and mark the run unsuccessful.
	Critical(txn models.Transaction, rc models.RequestContext) bool
	Run(ctx context.Context, txn models.Transaction, rc models.RequestContext) (Outcome, error)
}

// Outcome is what a plugin decided for a transaction.
type Outcome struct {
	Action      string
	Output      map[string]any
	Block       bool
	BlockReason string
	Conversion  *Conversion
}

// Conversion is an FX result to persist on the transaction.
type Conversion struct {
	Amount   float64
	Currency string
	Rate     float64
}

// Recorder persists plugin side effects.
type Recorder interface {
	CreatePluginLog(ctx context.Context, entry models.PluginLog) error
	UpdateConversion(ctx context.Context, id string, amount float64, currency string) (models.Transaction, error)
}

// Pipeline runs a fixed, ordered list of plugins composed at startup.
type Pipeline struct {
	plugins  []Plugin
	recorder Recorder
	logger   *zap.Logger
}

func NewPipeline(recorder Recorder, logger *zap.Logger, plugins ...Plugin) *Pipeline {
	return &Pipeline{
		plugins:  plugins,
		recorder: recorder,
		logger:   logging.Resolve(logger).With(zap.String("module", "plugin")),
	}
}

// Names lists the plugins in execution order.
func (p *Pipeline) Names() []string {
	out := make([]string, 0, len(p.plugins))
	for _, pl := range p.plugins {
		out = append(out, pl.Name())
	}
	return out
}

// Run executes each enabled plugin in order. Every execution, including skips, is logged.
// A block decision stops the run; a critical failure stops it and clears Success.
// The returned error is reserved for failures to persist plugin side effects.
func (p *Pipeline) Run(ctx context.Context, txn models.Transaction, rc models.RequestContext) (models.PluginResult, error) {
	result := models.PluginResult{Success: true}
	for _, pl := range p.plugins {
		name := pl.Name()
		if !pl.Enabled(txn, rc) {
			if err := p.record(ctx, txn, name, models.PluginSkipped, nil, "", 0); err != nil {
				return result, err
			}
			continue
		}

		start := time.Now()
		out, err := pl.Run(ctx, txn, rc)
		elapsed := time.Since(start)

		if err != nil {
			critical := pl.Critical(txn, rc)
			if recErr := p.record(ctx, txn, name, models.PluginErrored, nil, err.Error(), elapsed); recErr != nil {
				return result, recErr
			}
			result.Errors = append(result.Errors, models.PluginError{Plugin: name, Error: err.Error()})
			p.logger.Warn("plugin failed",
				zap.String("event", "plugin_failed"),
				zap.String("plugin", name),
				zap.String("txn_id", txn.TxnID),
				zap.Bool("critical", critical),
				zap.Error(err),
			)
			if critical {
				result.Success = false
				return result, nil
			}
			continue
		}

		if out.Conversion != nil {
			updated, err := p.recorder.UpdateConversion(ctx, txn.ID, out.Conversion.Amount, out.Conversion.Currency)
			if err != nil {
				return result, fmt.Errorf("record conversion for %s: %w", txn.TxnID, err)
			}
			txn = updated
		}
		if err := p.record(ctx, txn, name, models.PluginSucceeded, out.Output, "", elapsed); err != nil {
			return result, err
		}
		result.PluginResults = append(result.PluginResults, models.PluginOutput{Plugin: name, Action: out.Action, Output: out.Output})

		if out.Block {
			result.Blocked = true
			result.BlockReason = out.BlockReason
			p.logger.Info("transaction blocked by plugin",
				zap.String("event", "plugin_blocked"),
				zap.String("plugin", name),
				zap.String("txn_id", txn.TxnID),
				zap.String("reason", out.BlockReason),
			)
			return result, nil
		}
	}
	return result, nil
}

func (p *Pipeline) record(ctx context.Context, txn models.Transaction, name string, status models.PluginStatus, output map[string]any, errMsg string, elapsed time.Duration) error {
	telemetry.PluginRuns.WithLabelValues(name, string(status)).Inc()
	err := p.recorder.CreatePluginLog(ctx, models.PluginLog{
		TransactionID: txn.ID,
		PluginName:    name,
		Status:        status,
		Input: map[string]any{
			"txnId":    txn.TxnID,
			"amount":   txn.Amount,
			"currency": txn.Currency,
			"type":     string(txn.Type),
		},
		Output:        output,
		ErrorMessage:  errMsg,
		ExecutionTime: elapsed,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("write plugin log %s for %s: %w", name, txn.TxnID, err)
	}
	return nil
}
