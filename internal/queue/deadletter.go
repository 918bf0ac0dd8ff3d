package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payment-switch/internal/models"
)

// DeadLetter keeps failed jobs in a capped Redis list for operational inspection.
// The queue itself stays in memory; this list outlives the process.
type DeadLetter struct {
	client *redis.Client
	key    string
	maxLen int64
}

// DeadLetterEntry is the stored form of a failed job.
type DeadLetterEntry struct {
	JobID    string            `json:"job_id"`
	Type     models.JobType    `json:"type"`
	Priority int               `json:"priority"`
	Attempts int               `json:"attempts"`
	Payload  map[string]any    `json:"payload"`
	Errors   []models.JobError `json:"errors"`
	FailedAt time.Time         `json:"failed_at"`
}

func NewDeadLetter(client *redis.Client, key string, maxLen int64) *DeadLetter {
	if key == "" {
		key = "queue:dlq"
	}
	return &DeadLetter{client: client, key: key, maxLen: maxLen}
}

// Push appends a failed job, trimming the oldest entries past maxLen.
func (d *DeadLetter) Push(ctx context.Context, job models.Job) error {
	failedAt := time.Now().UTC()
	if job.CompletedAt != nil {
		failedAt = job.CompletedAt.UTC()
	}
	raw, err := json.Marshal(DeadLetterEntry{
		JobID:    job.ID,
		Type:     job.Type,
		Priority: job.Priority,
		Attempts: job.Attempts,
		Payload:  job.Payload,
		Errors:   job.Errors,
		FailedAt: failedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := d.client.TxPipeline()
	pipe.RPush(ctx, d.key, raw)
	if d.maxLen > 0 {
		pipe.LTrim(ctx, d.key, -d.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// Peek reads up to count of the oldest retained entries.
func (d *DeadLetter) Peek(ctx context.Context, count int64) ([]DeadLetterEntry, error) {
	if count <= 0 {
		return nil, nil
	}
	items, err := d.client.LRange(ctx, d.key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetterEntry, 0, len(items))
	for _, item := range items {
		var entry DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Depth returns the number of retained entries.
func (d *DeadLetter) Depth(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, d.key).Result()
}

// Listener records every Failed event in the list.
func (d *DeadLetter) Listener(logger *zap.Logger) Listener {
	return func(evt Event) {
		if evt.Type != EventFailed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.Push(ctx, evt.Job); err != nil && logger != nil {
			logger.Error("dead letter push failed",
				zap.String("event", "dead_letter_failed"),
				zap.String("job_id", evt.Job.ID),
				zap.Error(err),
			)
		}
	}
}
