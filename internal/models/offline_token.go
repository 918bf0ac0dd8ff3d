package models

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TokenStatus string

const (
	TokenActive    TokenStatus = "active"
	TokenUsed      TokenStatus = "used"
	TokenExpired   TokenStatus = "expired"
	TokenCancelled TokenStatus = "cancelled"
)

// MerchantRestrictions limits where an offline token can be spent.
type MerchantRestrictions struct {
	Allowed []string `json:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

// OfflineToken is prepaid value a user can redeem at a merchant without connectivity.
// IssuedFor and RedeemedBy name the generating and redeeming transactions, so a retried
// job can find the effect of its earlier attempt.
type OfflineToken struct {
	ID             string               `json:"id"`
	Token          string               `json:"token"`
	UserID         string               `json:"user_id"`
	Amount         float64              `json:"amount"`
	Currency       string               `json:"currency"`
	Status         TokenStatus          `json:"status"`
	Restrictions   MerchantRestrictions `json:"restrictions"`
	ExpiresAt      time.Time            `json:"expires_at"`
	UsedAt         *time.Time           `json:"used_at,omitempty"`
	UsedByMerchant string               `json:"used_by_merchant,omitempty"`
	IssuedFor      string               `json:"issued_for,omitempty"`
	RedeemedBy     string               `json:"redeemed_by,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t OfflineToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RedeemedByTxn reports whether transactionID is the transaction that used the token.
func (t OfflineToken) RedeemedByTxn(transactionID string) bool {
	return transactionID != "" && t.Status == TokenUsed && t.RedeemedBy == transactionID
}

// CanRedeem reports whether merchantID may redeem the token at now, with a reason when not.
func (t OfflineToken) CanRedeem(merchantID string, now time.Time) (bool, string) {
	switch {
	case t.Status != TokenActive:
		return false, fmt.Sprintf("token is %s", t.Status)
	case t.Expired(now):
		return false, "token has expired"
	case len(t.Restrictions.Allowed) > 0 && !slices.Contains(t.Restrictions.Allowed, merchantID):
		return false, "merchant not allowed for this token"
	case slices.Contains(t.Restrictions.Blocked, merchantID):
		return false, "merchant is blocked for this token"
	}
	return true, ""
}

// NewTokenCode builds OT-<base36 ms>-<random>-<uuid8> in upper case.
func NewTokenCode(now time.Time) string {
	n, err := rand.Int(rand.Reader, big.NewInt(36*36*36*36*36*36))
	if err != nil {
		n = big.NewInt(now.UnixNano() % (36 * 36 * 36 * 36 * 36 * 36))
	}
	code := fmt.Sprintf("OT-%s-%s-%s",
		strconv.FormatInt(now.UnixMilli(), 36),
		strconv.FormatInt(n.Int64(), 36),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
	)
	return strings.ToUpper(code)
}
