package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrTerminalStatus     = errors.New("transaction already in terminal status")
	ErrInsufficientFunds  = errors.New("insufficient wallet balance")
	ErrTokenNotRedeemable = errors.New("token cannot be redeemed")

	ErrRefundExceedsOriginal = errors.New("refunds would exceed the original amount")
)

type TransactionType string

const (
	TxnPayment  TransactionType = "payment"
	TxnTransfer TransactionType = "transfer"
	TxnOffline  TransactionType = "offline"
	TxnRefund   TransactionType = "refund"
)

type TransactionStatus string

const (
	TxnPending    TransactionStatus = "pending"
	TxnProcessing TransactionStatus = "processing"
	TxnCompleted  TransactionStatus = "completed"
	TxnFailed     TransactionStatus = "failed"
	TxnBlocked    TransactionStatus = "blocked"
)

// Terminal reports whether the status is final.
func (s TransactionStatus) Terminal() bool {
	return s == TxnCompleted || s == TxnFailed || s == TxnBlocked
}

// CanTransition reports whether a status update from s to next is allowed.
// Terminal states never change; processing may be re-recorded to append audit detail.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == TxnPending {
		return s == TxnPending
	}
	return true
}

// Transaction is the durable business record of a payment, refund or offline operation.
type Transaction struct {
	ID                string            `json:"id"`
	TxnID             string            `json:"txn_id"`
	UserID            string            `json:"user_id"`
	Amount            float64           `json:"amount"`
	Currency          string            `json:"currency"`
	ConvertedAmount   *float64          `json:"converted_amount,omitempty"`
	ConvertedCurrency string            `json:"converted_currency,omitempty"`
	Type              TransactionType   `json:"type"`
	Status            TransactionStatus `json:"status"`
	PaymentMethod     string            `json:"payment_method,omitempty"`
	MerchantID        string            `json:"merchant_id,omitempty"`
	MerchantName      string            `json:"merchant_name,omitempty"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]any    `json:"metadata"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// EffectiveAmount is the converted amount when FX ran, else the original amount.
func (t Transaction) EffectiveAmount() float64 {
	if t.ConvertedAmount != nil {
		return *t.ConvertedAmount
	}
	return t.Amount
}

// MetaString reads a string metadata value.
func (t Transaction) MetaString(key string) string {
	v, _ := t.Metadata[key].(string)
	return v
}

// MetaBool reads a boolean metadata value.
func (t Transaction) MetaBool(key string) bool {
	v, _ := t.Metadata[key].(bool)
	return v
}

// Summary is the client-facing projection of a transaction.
type Summary struct {
	ID                string            `json:"id"`
	TxnID             string            `json:"txn_id"`
	Amount            float64           `json:"amount"`
	Currency          string            `json:"currency"`
	ConvertedAmount   *float64          `json:"converted_amount,omitempty"`
	ConvertedCurrency string            `json:"converted_currency,omitempty"`
	Type              TransactionType   `json:"type"`
	Status            TransactionStatus `json:"status"`
	MerchantName      string            `json:"merchant_name,omitempty"`
	Description       string            `json:"description,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (t Transaction) Summary() Summary {
	return Summary{
		ID:                t.ID,
		TxnID:             t.TxnID,
		Amount:            t.Amount,
		Currency:          t.Currency,
		ConvertedAmount:   t.ConvertedAmount,
		ConvertedCurrency: t.ConvertedCurrency,
		Type:              t.Type,
		Status:            t.Status,
		MerchantName:      t.MerchantName,
		Description:       t.Description,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

// NewTransaction collects the fields needed to create a transaction.
type NewTransaction struct {
	UserID        string
	Amount        float64
	Currency      string
	Type          TransactionType
	PaymentMethod string
	MerchantID    string
	MerchantName  string
	Description   string
	Metadata      map[string]any
}

// StatusEvent is one entry of a transaction's append-only status history.
type StatusEvent struct {
	TransactionID string            `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	Details       map[string]any    `json:"details,omitempty"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

// NewTxnID builds the public identifier TXN-<unix ms>-<8 hex>.
func NewTxnID(now time.Time) string {
	short := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("TXN-%d-%s", now.UnixMilli(), short)
}

// RoundAmount rounds to two decimal places.
func RoundAmount(v float64) float64 {
	return math.Round(v*100) / 100
}

// MergeMetadata returns a copy of base with extra applied on top.
func MergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
