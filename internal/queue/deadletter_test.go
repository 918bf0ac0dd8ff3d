package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"payment-switch/internal/models"
)

func newDeadLetter(t *testing.T, maxLen int64) *DeadLetter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewDeadLetter(client, "test:dlq", maxLen)
}

func TestDeadLetterPushAndPeek(t *testing.T) {
	ctx := context.Background()
	dlq := newDeadLetter(t, 2)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		job := models.Job{
			ID:       id,
			Type:     models.JobProcessPayment,
			Attempts: 3,
			Payload:  map[string]any{"transactionId": "txn-" + id},
			Errors:   []models.JobError{{Message: "rail down", Timestamp: time.Now()}},
		}
		if err := dlq.Push(ctx, job); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	depth, err := dlq.Depth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2 got %d err=%v", depth, err)
	}
	entries, err := dlq.Peek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 2 || entries[0].JobID != "job-2" || entries[1].JobID != "job-3" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Payload["transactionId"] != "txn-job-2" || entries[0].Errors[0].Message != "rail down" {
		t.Fatalf("entry lost data: %+v", entries[0])
	}
}

func TestDeadLetterListenerOnlyRecordsFailures(t *testing.T) {
	ctx := context.Background()
	dlq := newDeadLetter(t, 0)
	listener := dlq.Listener(nil)

	listener(Event{Type: EventRetrying, Job: models.Job{ID: "a"}})
	listener(Event{Type: EventCompleted, Job: models.Job{ID: "b"}})
	listener(Event{Type: EventFailed, Job: models.Job{ID: "c", Type: models.JobRefundPayment}})

	entries, err := dlq.Peek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != "c" || entries[0].Type != models.JobRefundPayment {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
