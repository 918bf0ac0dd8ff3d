package payments

import (
	"encoding/json"
	"errors"
	"fmt"

	"payment-switch/internal/models"
)

// PaymentRequest is a client request to move funds.
type PaymentRequest struct {
	UserID        string                 `json:"userId,omitempty"`
	Email         string                 `json:"userEmail,omitempty"`
	Phone         string                 `json:"userPhone,omitempty"`
	Amount        float64                `json:"amount"`
	Currency      string                 `json:"currency"`
	Type          models.TransactionType `json:"type,omitempty"`
	PaymentMethod string                 `json:"paymentMethod,omitempty"`
	MerchantID    string                 `json:"merchantId,omitempty"`
	MerchantName  string                 `json:"merchantName,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Priority      int                    `json:"priority,omitempty"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
}

// OfflineRequest carries the fields used by the offline token operations.
type OfflineRequest struct {
	UserID           string   `json:"userId,omitempty"`
	Email            string   `json:"userEmail,omitempty"`
	Phone            string   `json:"userPhone,omitempty"`
	Amount           float64  `json:"amount,omitempty"`
	Currency         string   `json:"currency,omitempty"`
	Token            string   `json:"token,omitempty"`
	MerchantID       string   `json:"merchantId,omitempty"`
	MerchantType     string   `json:"merchantType,omitempty"`
	ExpiryHours      int      `json:"expiryHours,omitempty"`
	AllowedMerchants []string `json:"allowedMerchants,omitempty"`
	BlockedMerchants []string `json:"blockedMerchants,omitempty"`
	Priority         int      `json:"priority,omitempty"`
}

// RefundRequest refunds all or part of a completed transaction. A zero amount refunds in full.
type RefundRequest struct {
	Amount float64 `json:"amount,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// Result is the response for payment, offline and refund submissions. In synchronous
// mode it reports the terminal outcome; otherwise it acknowledges the queued job.
type Result struct {
	Success       bool                     `json:"success"`
	TxnID         string                   `json:"txnId"`
	TransactionID string                   `json:"transactionId"`
	Status        models.TransactionStatus `json:"status"`
	JobID         string                   `json:"jobId"`
	Message       string                   `json:"message,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Operation     string                   `json:"operation,omitempty"`
	OriginalTxnID string                   `json:"originalTxnId,omitempty"`
	Transaction   *models.Summary          `json:"transaction,omitempty"`
	Data          map[string]any           `json:"data,omitempty"`
}

// StatusResult is the read-only view of a transaction and its plugin audit trail.
type StatusResult struct {
	Success     bool               `json:"success"`
	NotFound    bool               `json:"-"`
	Error       string             `json:"error,omitempty"`
	Status      string             `json:"status,omitempty"`
	Transaction *models.Summary    `json:"transaction,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	PluginLogs  []PluginLogSummary `json:"pluginLogs,omitempty"`
}

type PluginLogSummary struct {
	Plugin          string              `json:"plugin"`
	Status          models.PluginStatus `json:"status"`
	Error           string              `json:"error,omitempty"`
	ExecutionTimeMs int64               `json:"executionTimeMs"`
	CreatedAt       string              `json:"createdAt"`
}

// jobPayload is what every transaction job carries.
type jobPayload struct {
	TransactionID string                `json:"transactionId"`
	Context       models.RequestContext `json:"context"`
	Operation     string                `json:"operation,omitempty"`
	OriginalTxnID string                `json:"originalTxnId,omitempty"`
	Reason        string                `json:"reason,omitempty"`
}

func (p jobPayload) encode() (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

func decodePayload(job models.Job) (jobPayload, error) {
	var payload jobPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.TransactionID == "" {
		return payload, errors.New("transactionId is required")
	}
	return payload, nil
}

// payloadTransactionID reads the transaction id without a full decode. Jobs that do not
// operate on a transaction return "".
func payloadTransactionID(job models.Job) string {
	id, _ := job.Payload["transactionId"].(string)
	return id
}
