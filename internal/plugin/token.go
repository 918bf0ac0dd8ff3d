package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"payment-switch/internal/models"
)

// Offline token operations.
const (
	OpGenerateToken = "generateToken"
	OpRedeemToken   = "redeemToken"
	OpValidateToken = "validateToken"
)

// ValidTokenOperation reports whether op is a supported offline operation.
func ValidTokenOperation(op string) bool {
	return op == OpGenerateToken || op == OpRedeemToken || op == OpValidateToken
}

type TokenStore interface {
	CreateToken(ctx context.Context, tok models.OfflineToken) (models.OfflineToken, error)
	GetToken(ctx context.Context, code string) (models.OfflineToken, error)
	FindTokenIssuedFor(ctx context.Context, transactionID string) (models.OfflineToken, error)
	RedeemToken(ctx context.Context, code, merchantID, transactionID string, now time.Time) (models.OfflineToken, error)
}

// TokenPolicy bounds what offline tokens may be issued for.
type TokenPolicy struct {
	MinAmount               float64
	MaxAmount               float64
	DefaultExpiry           time.Duration
	MaxExpiry               time.Duration
	RestrictedMerchantTypes []string
}

// TokenHandler issues, redeems and validates offline tokens. Policy violations block the
// transaction rather than fail it.
type TokenHandler struct {
	tokens TokenStore
	policy TokenPolicy
	now    func() time.Time
}

func NewTokenHandler(tokens TokenStore, policy TokenPolicy) *TokenHandler {
	return &TokenHandler{tokens: tokens, policy: policy, now: time.Now}
}

func (h *TokenHandler) Name() string { return "token-handler" }

func (h *TokenHandler) Enabled(_ models.Transaction, rc models.RequestContext) bool {
	return rc.Operation != ""
}

func (h *TokenHandler) Critical(models.Transaction, models.RequestContext) bool { return true }

func (h *TokenHandler) Run(ctx context.Context, txn models.Transaction, rc models.RequestContext) (Outcome, error) {
	switch rc.Operation {
	case OpGenerateToken:
		return h.generate(ctx, txn, rc)
	case OpRedeemToken:
		return h.redeem(ctx, txn, rc)
	case OpValidateToken:
		return h.validate(ctx, rc)
	}
	return Outcome{}, fmt.Errorf("unsupported token operation %q", rc.Operation)
}

// generate issues one token per transaction; a retried job gets back the token its
// earlier attempt created.
func (h *TokenHandler) generate(ctx context.Context, txn models.Transaction, rc models.RequestContext) (Outcome, error) {
	if txn.ID != "" {
		tok, err := h.tokens.FindTokenIssuedFor(ctx, txn.ID)
		if err == nil {
			return generated(tok), nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return Outcome{}, fmt.Errorf("look up issued token: %w", err)
		}
	}
	if txn.Amount < h.policy.MinAmount || txn.Amount > h.policy.MaxAmount {
		return blocked(fmt.Sprintf("token amount must be between %.2f and %.2f", h.policy.MinAmount, h.policy.MaxAmount)), nil
	}
	expiry := h.policy.DefaultExpiry
	if rc.ExpiryHours > 0 {
		expiry = time.Duration(rc.ExpiryHours) * time.Hour
	}
	if expiry > h.policy.MaxExpiry {
		return blocked(fmt.Sprintf("token expiry cannot exceed %s", h.policy.MaxExpiry)), nil
	}
	if h.restricted(rc.MerchantType) {
		return blocked(fmt.Sprintf("merchant type %s is not allowed for offline tokens", rc.MerchantType)), nil
	}

	now := h.now().UTC()
	tok, err := h.tokens.CreateToken(ctx, models.OfflineToken{
		Token:    models.NewTokenCode(now),
		UserID:   txn.UserID,
		Amount:   txn.Amount,
		Currency: txn.Currency,
		Status:   models.TokenActive,
		Restrictions: models.MerchantRestrictions{
			Allowed: rc.AllowedMerchants,
			Blocked: rc.BlockedMerchants,
		},
		ExpiresAt: now.Add(expiry),
		IssuedFor: txn.ID,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create offline token: %w", err)
	}
	return generated(tok), nil
}

func generated(tok models.OfflineToken) Outcome {
	return Outcome{
		Action: "generated",
		Output: map[string]any{
			"token":     tok.Token,
			"tokenId":   tok.ID,
			"amount":    tok.Amount,
			"currency":  tok.Currency,
			"expiresAt": tok.ExpiresAt,
		},
	}
}

// redeem marks the token used by txn. Redeeming again for the same transaction repeats the
// original outcome instead of blocking on an already-used token.
func (h *TokenHandler) redeem(ctx context.Context, txn models.Transaction, rc models.RequestContext) (Outcome, error) {
	if h.restricted(rc.MerchantType) {
		return blocked(fmt.Sprintf("merchant type %s is not allowed for offline tokens", rc.MerchantType)), nil
	}
	tok, err := h.tokens.RedeemToken(ctx, rc.Token, rc.MerchantID, txn.ID, h.now())
	switch {
	case errors.Is(err, models.ErrNotFound):
		return blocked("token not found"), nil
	case errors.Is(err, models.ErrTokenNotRedeemable):
		return blocked(err.Error()), nil
	case err != nil:
		return Outcome{}, fmt.Errorf("redeem offline token: %w", err)
	}
	return Outcome{
		Action: "redeemed",
		Output: map[string]any{
			"token":      tok.Token,
			"amount":     tok.Amount,
			"currency":   tok.Currency,
			"merchantId": tok.UsedByMerchant,
			"userId":     tok.UserID,
			"usedAt":     tok.UsedAt,
		},
	}, nil
}

func (h *TokenHandler) validate(ctx context.Context, rc models.RequestContext) (Outcome, error) {
	tok, err := h.tokens.GetToken(ctx, rc.Token)
	if errors.Is(err, models.ErrNotFound) {
		return Outcome{Action: "validated", Output: map[string]any{"valid": false, "reason": "token not found"}}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load offline token: %w", err)
	}
	ok, reason := tok.CanRedeem(rc.MerchantID, h.now())
	return Outcome{
		Action: "validated",
		Output: map[string]any{
			"valid":     ok,
			"reason":    reason,
			"amount":    tok.Amount,
			"currency":  tok.Currency,
			"status":    string(tok.Status),
			"expiresAt": tok.ExpiresAt,
		},
	}, nil
}

func (h *TokenHandler) restricted(merchantType string) bool {
	return merchantType != "" && slices.Contains(h.policy.RestrictedMerchantTypes, merchantType)
}

func blocked(reason string) Outcome {
	return Outcome{Action: "blocked", Block: true, BlockReason: reason}
}
