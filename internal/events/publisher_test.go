package events

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"payment-switch/internal/models"
)

func TestMessageKeyedByTxnID(t *testing.T) {
	evt := FromTransaction(models.Transaction{ID: "id-1", TxnID: "TXN-9", Type: models.TxnRefund, Status: models.TxnCompleted, Amount: 20, Currency: "MYR"}, "")
	msg, err := message(evt)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if string(msg.Key) != "TXN-9" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "completed" {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}
	var decoded TransactionEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != models.TxnRefund || decoded.Amount != 20 {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))
	evt := FromTransaction(models.Transaction{TxnID: "TXN-1", Status: models.TxnBlocked}, "risk score too high")
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	entries := logs.FilterField(zap.String("event", "transaction_blocked")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged event got %d", len(entries))
	}
}
