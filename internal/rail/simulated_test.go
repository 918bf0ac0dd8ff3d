package rail

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"payment-switch/internal/models"
)

func testSettings(success float64) Settings {
	return Settings{
		BaseCurrency:      "MYR",
		SuccessRate:       success,
		RefundSuccessRate: success,
		CorporateAbove:    1000,
	}
}

func TestSelectRail(t *testing.T) {
	s := NewSimulated(testSettings(1), nil)
	cases := []struct {
		txn  models.Transaction
		want string
	}{
		{models.Transaction{Type: models.TxnPayment, Currency: "MYR", Amount: 50}, RailDuitNow},
		{models.Transaction{Type: models.TxnPayment, Currency: "MYR", Amount: 1500}, RailDuitNowCorporate},
		{models.Transaction{Type: models.TxnPayment, Currency: "USD", Amount: 50}, RailInternational},
		{models.Transaction{Type: models.TxnRefund, Currency: "MYR", Amount: 5000}, RailDuitNowRefund},
		{models.Transaction{Type: models.TxnRefund, Currency: "SGD", Amount: 5}, RailInternationalRefund},
	}
	for _, c := range cases {
		if got := s.SelectRail(c.txn); got != c.want {
			t.Fatalf("%+v: got %s want %s", c.txn, got, c.want)
		}
	}
}

func TestSettleOutcomes(t *testing.T) {
	ok, err := NewSimulated(testSettings(1), nil).Settle(context.Background(), models.Transaction{Type: models.TxnPayment, Currency: "MYR", Amount: 10})
	if err != nil || !ok.Success || !strings.HasPrefix(ok.ExternalTxnID, "EXT-") {
		t.Fatalf("expected settlement got %+v err=%v", ok, err)
	}

	ref, _ := NewSimulated(testSettings(1), nil).Settle(context.Background(), models.Transaction{Type: models.TxnRefund, Currency: "MYR", Amount: 10})
	if !strings.HasPrefix(ref.ExternalTxnID, "REF-") {
		t.Fatalf("refund reference should use REF prefix: %+v", ref)
	}

	declined, err := NewSimulated(testSettings(0), nil).Settle(context.Background(), models.Transaction{Type: models.TxnPayment, Currency: "MYR", Amount: 10})
	if err != nil || declined.Success || declined.Error == "" || declined.Rail != RailDuitNow {
		t.Fatalf("expected decline got %+v err=%v", declined, err)
	}
}

func TestSettleHonoursCancellation(t *testing.T) {
	settings := testSettings(1)
	settings.LatencyMin = time.Second
	settings.LatencyMax = 2 * time.Second
	s := NewSimulated(settings, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Settle(ctx, models.Transaction{Type: models.TxnPayment, Currency: "MYR", Amount: 10})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("settle did not return promptly on cancellation")
	}
}
