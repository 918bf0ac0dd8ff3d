package models

import "time"

// RequestContext carries request provenance and per-request processing switches.
type RequestContext struct {
	Synchronous bool   `json:"synchronous,omitempty"`
	Source      string `json:"source,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`

	SkipRiskCheck   bool      `json:"skip_risk_check,omitempty"`
	ForceConversion bool      `json:"force_conversion,omitempty"`
	AllowFXFailure  bool      `json:"allow_fx_failure,omitempty"`
	TargetCurrency  string    `json:"target_currency,omitempty"`
	UserLocation    *Location `json:"user_location,omitempty"`

	// Offline token fields.
	Operation        string   `json:"operation,omitempty"`
	Token            string   `json:"token,omitempty"`
	MerchantID       string   `json:"merchant_id,omitempty"`
	MerchantType     string   `json:"merchant_type,omitempty"`
	ExpiryHours      int      `json:"expiry_hours,omitempty"`
	AllowedMerchants []string `json:"allowed_merchants,omitempty"`
	BlockedMerchants []string `json:"blocked_merchants,omitempty"`
}

type Location struct {
	Country string `json:"country"`
	City    string `json:"city,omitempty"`
}

type PluginStatus string

const (
	PluginSucceeded PluginStatus = "success"
	PluginErrored   PluginStatus = "failed"
	PluginSkipped   PluginStatus = "skipped"
)

// PluginLog is the audit row written for every plugin execution.
type PluginLog struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	PluginName    string         `json:"plugin_name"`
	Status        PluginStatus   `json:"status"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time_ns"`
	CreatedAt     time.Time      `json:"created_at"`
}

// PluginError names the plugin that failed and why.
type PluginError struct {
	Plugin string `json:"plugin"`
	Error  string `json:"error"`
}

// PluginOutput is one plugin's contribution to a pipeline run.
type PluginOutput struct {
	Plugin string         `json:"plugin"`
	Action string         `json:"action"`
	Output map[string]any `json:"output,omitempty"`
}

// PluginResult is the aggregate outcome of a pipeline run.
type PluginResult struct {
	Success       bool           `json:"success"`
	Errors        []PluginError  `json:"errors,omitempty"`
	PluginResults []PluginOutput `json:"plugin_results,omitempty"`
	Blocked       bool           `json:"blocked"`
	BlockReason   string         `json:"block_reason,omitempty"`
}

// Output returns the named plugin's output, if it ran.
func (r PluginResult) Output(plugin string) (map[string]any, bool) {
	for _, p := range r.PluginResults {
		if p.Plugin == plugin {
			return p.Output, true
		}
	}
	return nil, false
}

// Settlement is a payment rail's answer for one transaction.
type Settlement struct {
	Success       bool   `json:"success"`
	Rail          string `json:"rail"`
	ExternalTxnID string `json:"external_txn_id,omitempty"`
	Error         string `json:"error,omitempty"`
}
