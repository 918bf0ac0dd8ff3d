package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestUserCanTransact(t *testing.T) {
	u := User{Status: UserActive, WalletBalance: 500, DailyLimit: 1000}
	if !u.CanTransact(500) {
		t.Fatalf("expected 500 allowed")
	}
	if u.CanTransact(500.01) {
		t.Fatalf("expected over-balance amount rejected")
	}
	u.WalletBalance = 5000
	if u.CanTransact(1500) {
		t.Fatalf("expected over-limit amount rejected")
	}
	u.Status = UserSuspended
	if u.CanTransact(1) {
		t.Fatalf("expected suspended user rejected")
	}
}

func TestApplyBalance(t *testing.T) {
	u := User{WalletBalance: 10}
	if got, _ := u.ApplyBalance(5.25, BalanceAdd); got != 15.25 {
		t.Fatalf("expected 15.25 got %v", got)
	}
	if _, err := u.ApplyBalance(11, BalanceSubtract); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds got %v", err)
	}
}

func TestTransactionStatusTransitions(t *testing.T) {
	if TxnCompleted.CanTransition(TxnFailed) {
		t.Fatalf("terminal status must not change")
	}
	if !TxnProcessing.CanTransition(TxnProcessing) {
		t.Fatalf("processing must accept audit re-records")
	}
	if TxnProcessing.CanTransition(TxnPending) {
		t.Fatalf("processing must not revert to pending")
	}
	if !TxnPending.CanTransition(TxnBlocked) {
		t.Fatalf("pending may block")
	}
}

func TestNewTxnID(t *testing.T) {
	id := NewTxnID(time.UnixMilli(1700000000000))
	if !strings.HasPrefix(id, "TXN-1700000000000-") || len(id) != len("TXN-1700000000000-")+8 {
		t.Fatalf("unexpected txn id %q", id)
	}
}

func TestOfflineTokenCanRedeem(t *testing.T) {
	now := time.Now()
	tok := OfflineToken{
		Status:       TokenActive,
		ExpiresAt:    now.Add(time.Hour),
		Restrictions: MerchantRestrictions{Allowed: []string{"m1", "m2"}, Blocked: []string{"m2"}},
	}
	if ok, reason := tok.CanRedeem("m1", now); !ok {
		t.Fatalf("expected m1 redeemable: %s", reason)
	}
	if ok, _ := tok.CanRedeem("m3", now); ok {
		t.Fatalf("expected m3 not in allow list")
	}
	if ok, _ := tok.CanRedeem("m2", now); ok {
		t.Fatalf("expected blocked merchant rejected")
	}
	if ok, _ := tok.CanRedeem("m1", now.Add(2*time.Hour)); ok {
		t.Fatalf("expected expired token rejected")
	}
	tok.Status = TokenUsed
	if ok, _ := tok.CanRedeem("m1", now); ok {
		t.Fatalf("expected used token rejected")
	}
}

func TestNewTokenCode(t *testing.T) {
	code := NewTokenCode(time.Now())
	if !strings.HasPrefix(code, "OT-") || strings.ToUpper(code) != code {
		t.Fatalf("unexpected token code %q", code)
	}
	if parts := strings.Split(code, "-"); len(parts) != 4 || len(parts[3]) != 8 {
		t.Fatalf("unexpected token shape %q", code)
	}
}
