package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"payment-switch/internal/models"
)

func fastOptions() Options {
	return Options{
		MaxConcurrency: 5,
		MaxAttempts:    3,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		IdleInterval:   10 * time.Millisecond,
		JobTimeout:     time.Second,
	}
}

func startQueue(t *testing.T, q *JobQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// terminalEvents collects Completed, Failed and Cancelled events.
func terminalEvents(q *JobQueue) <-chan Event {
	ch := make(chan Event, 64)
	q.AddListener(func(evt Event) {
		if evt.Type.Terminal() {
			ch <- evt
		}
	})
	return ch
}

func awaitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for terminal event")
	}
	return Event{}
}

func noop(context.Context, models.Job) (any, error) { return nil, nil }

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	cases := map[int]time.Duration{
		0: time.Second,
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		5: 16 * time.Second,
		6: 30 * time.Second,
		40: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := backoff(base, max, attempt); got != want {
			t.Fatalf("attempt %d: expected %s got %s", attempt, want, got)
		}
	}
}

func TestAddJobStableInsertion(t *testing.T) {
	q := New(fastOptions(), nil)
	if err := q.RegisterHandler(models.JobProcessPayment, noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	priorities := []int{0, 5, 1, 5, 0}
	ids := make([]string, len(priorities))
	for i, p := range priorities {
		id, err := q.AddJob(models.JobProcessPayment, nil, p)
		if err != nil {
			t.Fatalf("add job: %v", err)
		}
		ids[i] = id
	}
	want := []string{ids[1], ids[3], ids[2], ids[0], ids[4]}
	status := q.GetStatus()
	if status.QueueLength != 5 || len(status.Upcoming) != 5 {
		t.Fatalf("unexpected status %+v", status)
	}
	for i, preview := range status.Upcoming {
		if preview.ID != want[i] {
			t.Fatalf("position %d: expected %s got %s", i, want[i], preview.ID)
		}
	}
}

func TestAddJobUnknownType(t *testing.T) {
	q := New(fastOptions(), nil)
	if _, err := q.AddJob(models.JobType("t"), nil, 0); !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("expected unknown job type got %v", err)
	}
	if _, err := q.AddJob(models.JobCleanupTokens, nil, 0); !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("expected unknown job type for unregistered handler got %v", err)
	}
	if q.GetStatus().QueueLength != 0 {
		t.Fatalf("rejected jobs must not be queued")
	}
}

func TestPriorityNoPreemption(t *testing.T) {
	opts := fastOptions()
	opts.MaxConcurrency = 1
	q := New(opts, nil)

	var mu sync.Mutex
	var highEnd, lowStart time.Time
	_ = q.RegisterHandler(models.JobProcessPayment, func(_ context.Context, job models.Job) (any, error) {
		if job.Priority == 5 {
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			highEnd = time.Now()
			mu.Unlock()
			return nil, nil
		}
		mu.Lock()
		lowStart = time.Now()
		mu.Unlock()
		return nil, nil
	})
	events := terminalEvents(q)
	startQueue(t, q)

	if _, err := q.AddJob(models.JobProcessPayment, nil, 5); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.AddJob(models.JobProcessPayment, nil, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	first := awaitEvent(t, events)
	second := awaitEvent(t, events)
	if first.Job.Priority != 5 || second.Job.Priority != 1 {
		t.Fatalf("expected priority 5 then 1, got %d then %d", first.Job.Priority, second.Job.Priority)
	}
	mu.Lock()
	defer mu.Unlock()
	if lowStart.Before(highEnd) {
		t.Fatalf("priority 1 started before priority 5 finished")
	}
}

func TestRetryThenComplete(t *testing.T) {
	q := New(fastOptions(), nil)
	var mu sync.Mutex
	calls := 0
	_ = q.RegisterHandler(models.JobProcessPayment, func(context.Context, models.Job) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return nil, errors.New("rail timeout")
		}
		return "settled", nil
	})
	events := terminalEvents(q)
	startQueue(t, q)

	if _, err := q.AddJob(models.JobProcessPayment, nil, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	evt := awaitEvent(t, events)
	if evt.Type != EventCompleted {
		t.Fatalf("expected completed got %s", evt.Type)
	}
	if evt.Job.Attempts != 3 || len(evt.Job.Errors) != 2 {
		t.Fatalf("expected 3 attempts and 2 errors got %d/%d", evt.Job.Attempts, len(evt.Job.Errors))
	}
	if evt.Job.Result != "settled" || evt.Job.Status != models.JobCompleted {
		t.Fatalf("unexpected job %+v", evt.Job)
	}
	if stats := q.GetStatus().Stats; stats.Processed != 1 || stats.LastProcessedAt == nil {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRetriesExhausted(t *testing.T) {
	q := New(fastOptions(), nil)
	_ = q.RegisterHandler(models.JobRefundPayment, func(context.Context, models.Job) (any, error) {
		return nil, errors.New("provider unavailable")
	})
	events := terminalEvents(q)
	startQueue(t, q)

	id, _ := q.AddJob(models.JobRefundPayment, map[string]any{"transactionId": "t1"}, 2)
	evt := awaitEvent(t, events)
	if evt.Type != EventFailed || evt.Job.ID != id {
		t.Fatalf("expected failed event for %s got %+v", id, evt)
	}
	if evt.Job.Attempts != 3 || len(evt.Job.Errors) != 3 {
		t.Fatalf("expected attempts == errors == 3 got %d/%d", evt.Job.Attempts, len(evt.Job.Errors))
	}
	if evt.Job.LastError() != "provider unavailable" {
		t.Fatalf("unexpected last error %q", evt.Job.LastError())
	}
	if _, ok := q.GetJob(id); ok {
		t.Fatalf("failed job should no longer be retrievable")
	}
	if stats := q.GetStatus().Stats; stats.Failed != 1 || stats.Processed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestQueueStats(t *testing.T) {
	q := New(fastOptions(), nil)
	durations := make(chan time.Duration, 2)
	durations <- 20 * time.Millisecond
	durations <- 60 * time.Millisecond
	_ = q.RegisterHandler(models.JobProcessPayment, func(context.Context, models.Job) (any, error) {
		time.Sleep(<-durations)
		return nil, nil
	})
	_ = q.RegisterHandler(models.JobRefundPayment, func(context.Context, models.Job) (any, error) {
		return nil, Permanent(errors.New("rejected"))
	})
	events := terminalEvents(q)
	startQueue(t, q)

	before := time.Now()
	_, _ = q.AddJob(models.JobProcessPayment, nil, 0)
	awaitEvent(t, events)
	first := q.GetStatus().Stats
	if first.Processed != 1 || first.Failed != 0 || first.AverageProcessingTime < 20*time.Millisecond {
		t.Fatalf("unexpected stats after first completion %+v", first)
	}
	if first.LastProcessedAt == nil || first.LastProcessedAt.Before(before) {
		t.Fatalf("last processed time not recorded: %+v", first.LastProcessedAt)
	}

	_, _ = q.AddJob(models.JobProcessPayment, nil, 0)
	awaitEvent(t, events)
	second := q.GetStatus().Stats
	if second.Processed != 2 || second.AverageProcessingTime < 40*time.Millisecond {
		t.Fatalf("expected rolling average of at least 40ms got %+v", second)
	}

	_, _ = q.AddJob(models.JobRefundPayment, nil, 0)
	if evt := awaitEvent(t, events); evt.Type != EventFailed {
		t.Fatalf("expected failed got %s", evt.Type)
	}
	third := q.GetStatus().Stats
	if third.Processed != 2 || third.Failed != 1 || third.AverageProcessingTime != second.AverageProcessingTime {
		t.Fatalf("failure must count without moving the average: %+v", third)
	}
	if third.LastProcessedAt.Before(*second.LastProcessedAt) {
		t.Fatalf("last processed time went backwards")
	}
}

func TestCancelRetryPendingJob(t *testing.T) {
	opts := fastOptions()
	opts.BackoffInitial = time.Second
	opts.BackoffMax = time.Second
	q := New(opts, nil)
	_ = q.RegisterHandler(models.JobProcessPayment, func(context.Context, models.Job) (any, error) {
		return nil, errors.New("rail timeout")
	})
	events := terminalEvents(q)
	startQueue(t, q)

	id, _ := q.AddJob(models.JobProcessPayment, nil, 0)
	waitFor(t, "job to wait for retry", func() bool {
		job, ok := q.GetJob(id)
		return ok && job.Status == models.JobRetrying
	})
	if !q.CancelJob(id) {
		t.Fatalf("retry-pending job should be cancellable")
	}
	if evt := awaitEvent(t, events); evt.Type != EventCancelled || evt.Job.Attempts != 1 {
		t.Fatalf("expected cancellation after one attempt got %+v", evt)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	q := New(fastOptions(), nil)
	_ = q.RegisterHandler(models.JobProcessPayment, func(context.Context, models.Job) (any, error) {
		return nil, Permanent(errors.New("transaction not found"))
	})
	events := terminalEvents(q)
	startQueue(t, q)

	_, _ = q.AddJob(models.JobProcessPayment, nil, 0)
	evt := awaitEvent(t, events)
	if evt.Type != EventFailed || evt.Job.Attempts != 1 {
		t.Fatalf("expected single failed attempt got %s attempts=%d", evt.Type, evt.Job.Attempts)
	}
	if !IsPermanent(evt.Err) {
		t.Fatalf("expected permanent error got %v", evt.Err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	q := New(fastOptions(), nil)
	_ = q.RegisterHandler(models.JobProcessPayment, noop)
	events := terminalEvents(q)

	id, _ := q.AddJob(models.JobProcessPayment, nil, 0)
	if !q.CancelJob(id) {
		t.Fatalf("expected queued job to be cancelled")
	}
	if _, ok := q.GetJob(id); ok {
		t.Fatalf("cancelled job should be unretrievable")
	}
	if evt := awaitEvent(t, events); evt.Type != EventCancelled || evt.Job.Status != models.JobCancelled {
		t.Fatalf("expected cancelled event got %+v", evt)
	}
	if q.CancelJob(id) {
		t.Fatalf("second cancel should fail")
	}
}

func TestCancelActiveJobFails(t *testing.T) {
	q := New(fastOptions(), nil)
	release := make(chan struct{})
	_ = q.RegisterHandler(models.JobProcessPayment, func(context.Context, models.Job) (any, error) {
		<-release
		return nil, nil
	})
	events := terminalEvents(q)
	startQueue(t, q)

	id, _ := q.AddJob(models.JobProcessPayment, nil, 0)
	waitFor(t, "job to start", func() bool {
		job, ok := q.GetJob(id)
		return ok && job.Status == models.JobProcessing
	})
	if q.CancelJob(id) {
		t.Fatalf("active job must not be cancellable")
	}
	close(release)
	if evt := awaitEvent(t, events); evt.Type != EventCompleted {
		t.Fatalf("expected completion got %s", evt.Type)
	}
}

func TestClearQueue(t *testing.T) {
	q := New(fastOptions(), nil)
	_ = q.RegisterHandler(models.JobCleanupTokens, noop)
	for i := 0; i < 3; i++ {
		if _, err := q.AddJob(models.JobCleanupTokens, nil, i); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if n := q.ClearQueue(); n != 3 {
		t.Fatalf("expected 3 removed got %d", n)
	}
	if status := q.GetStatus(); status.QueueLength != 0 || len(status.Upcoming) != 0 {
		t.Fatalf("expected empty queue got %+v", status)
	}
}

func TestSetMaxConcurrency(t *testing.T) {
	opts := fastOptions()
	opts.MaxConcurrency = 1
	q := New(opts, nil)
	if err := q.SetMaxConcurrency(0); !errors.Is(err, ErrInvalidConcurrency) {
		t.Fatalf("expected invalid concurrency got %v", err)
	}

	release := make(chan struct{})
	_ = q.RegisterHandler(models.JobProcessPayment, func(context.Context, models.Job) (any, error) {
		<-release
		return nil, nil
	})
	startQueue(t, q)
	defer close(release)

	for i := 0; i < 3; i++ {
		_, _ = q.AddJob(models.JobProcessPayment, nil, 0)
	}
	waitFor(t, "one active job", func() bool {
		s := q.GetStatus()
		return s.ActiveJobs == 1 && s.QueueLength == 2
	})
	if err := q.SetMaxConcurrency(3); err != nil {
		t.Fatalf("resize: %v", err)
	}
	waitFor(t, "three active jobs", func() bool {
		s := q.GetStatus()
		return s.ActiveJobs == 3 && s.QueueLength == 0 && s.MaxConcurrency == 3
	})
}

func TestRetryReinsertedAtFront(t *testing.T) {
	opts := fastOptions()
	opts.MaxConcurrency = 1
	opts.BackoffInitial = 80 * time.Millisecond
	opts.BackoffMax = 80 * time.Millisecond
	q := New(opts, nil)

	var mu sync.Mutex
	var starts []string
	failedOnce := false
	release := make(chan struct{})
	_ = q.RegisterHandler(models.JobProcessPayment, func(_ context.Context, job models.Job) (any, error) {
		name, _ := job.Payload["name"].(string)
		mu.Lock()
		starts = append(starts, name)
		first := name == "retry" && !failedOnce
		if first {
			failedOnce = true
		}
		mu.Unlock()
		switch {
		case first:
			return nil, errors.New("transient")
		case name == "blocker":
			<-release
		}
		return nil, nil
	})
	startQueue(t, q)

	retryID, _ := q.AddJob(models.JobProcessPayment, map[string]any{"name": "retry"}, 0)
	waitFor(t, "retry scheduled", func() bool {
		job, ok := q.GetJob(retryID)
		return ok && job.Status == models.JobRetrying
	})
	_, _ = q.AddJob(models.JobProcessPayment, map[string]any{"name": "blocker"}, 10)
	waitFor(t, "blocker active", func() bool { return q.GetStatus().ActiveJobs == 1 })
	_, _ = q.AddJob(models.JobProcessPayment, map[string]any{"name": "high"}, 10)

	waitFor(t, "retry promoted to front", func() bool {
		s := q.GetStatus()
		return s.RetryingJobs == 0 && len(s.Upcoming) == 2 && s.Upcoming[0].ID == retryID
	})
	close(release)
	waitFor(t, "all jobs done", func() bool {
		s := q.GetStatus()
		return s.Stats.Processed == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"retry", "blocker", "retry", "high"}
	if strings.Join(starts, ",") != strings.Join(want, ",") {
		t.Fatalf("expected start order %v got %v", want, starts)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	opts := fastOptions()
	opts.MaxAttempts = 1
	q := New(opts, nil)
	_ = q.RegisterHandler(models.JobProcessPayment, func(context.Context, models.Job) (any, error) {
		panic("boom")
	})
	_ = q.RegisterHandler(models.JobCleanupTokens, noop)
	events := terminalEvents(q)
	startQueue(t, q)

	_, _ = q.AddJob(models.JobProcessPayment, nil, 0)
	_, _ = q.AddJob(models.JobCleanupTokens, nil, 0)

	seen := map[models.JobType]EventType{}
	for i := 0; i < 2; i++ {
		evt := awaitEvent(t, events)
		seen[evt.Job.Type] = evt.Type
	}
	if seen[models.JobProcessPayment] != EventFailed || seen[models.JobCleanupTokens] != EventCompleted {
		t.Fatalf("unexpected outcomes %v", seen)
	}
}

func TestHandlerDeadline(t *testing.T) {
	opts := fastOptions()
	opts.MaxAttempts = 1
	opts.JobTimeout = 20 * time.Millisecond
	q := New(opts, nil)
	_ = q.RegisterHandler(models.JobProcessPayment, func(ctx context.Context, _ models.Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	events := terminalEvents(q)
	startQueue(t, q)

	_, _ = q.AddJob(models.JobProcessPayment, nil, 0)
	evt := awaitEvent(t, events)
	if evt.Type != EventFailed || !errors.Is(evt.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline failure got %s %v", evt.Type, evt.Err)
	}
}

func TestWithMaxAttempts(t *testing.T) {
	q := New(fastOptions(), nil)
	_ = q.RegisterHandler(models.JobProcessPayment, func(context.Context, models.Job) (any, error) {
		return nil, errors.New("nope")
	})
	events := terminalEvents(q)
	startQueue(t, q)

	_, _ = q.AddJob(models.JobProcessPayment, nil, 0, WithMaxAttempts(1))
	if evt := awaitEvent(t, events); evt.Job.Attempts != 1 || evt.Job.MaxAttempts != 1 {
		t.Fatalf("expected one attempt got %d/%d", evt.Job.Attempts, evt.Job.MaxAttempts)
	}
}

func TestRunTwice(t *testing.T) {
	q := New(fastOptions(), nil)
	startQueue(t, q)
	waitFor(t, "queue running", func() bool { return q.GetStatus().Running })
	if err := q.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected already running got %v", err)
	}
}
