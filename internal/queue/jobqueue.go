package queue

import (
	"container/heap"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-switch/internal/config"
	"payment-switch/internal/logging"
	"payment-switch/internal/models"
	"payment-switch/internal/telemetry"
)

// Handler executes one attempt of a job. The returned value becomes the job result.
type Handler func(ctx context.Context, job models.Job) (any, error)

// Options tunes the engine.
type Options struct {
	MaxConcurrency int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	IdleInterval   time.Duration
	JobTimeout     time.Duration
	PreviewSize    int
}

// OptionsFromConfig maps process configuration onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxConcurrency: cfg.QueueMaxConcurrency,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		IdleInterval:   cfg.QueueIdleInterval,
		JobTimeout:     cfg.JobTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 5
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	if o.PreviewSize <= 0 {
		o.PreviewSize = 5
	}
	return o
}

// JobOption adjusts a job at enqueue time.
type JobOption func(*models.Job)

// WithMaxAttempts overrides the queue-wide attempt limit for one job.
func WithMaxAttempts(n int) JobOption {
	return func(j *models.Job) {
		j.MaxAttempts = n
	}
}

// JobQueue is an in-memory priority queue drained by a bounded pool of workers.
// The ready list, active set and retry heap are only touched under mu.
type JobQueue struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu             sync.Mutex
	handlers       map[models.JobType]Handler
	ready          []*models.Job
	active         map[string]*models.Job
	retries        retryHeap
	retrySeq       uint64
	maxConcurrency int
	stats          models.QueueStats
	running        bool
	baseCtx        context.Context
	listeners      []Listener

	wake chan struct{}
	wg   sync.WaitGroup
}

// New constructs an idle queue. Call Run to start dispatching.
func New(opts Options, logger *zap.Logger) *JobQueue {
	opts = opts.withDefaults()
	return &JobQueue{
		opts:           opts,
		logger:         logging.Resolve(logger).With(zap.String("module", "queue")),
		now:            time.Now,
		handlers:       make(map[models.JobType]Handler),
		active:         make(map[string]*models.Job),
		maxConcurrency: opts.MaxConcurrency,
		baseCtx:        context.Background(),
		wake:           make(chan struct{}, 1),
	}
}

// RegisterHandler binds a handler to a job type.
func (q *JobQueue) RegisterHandler(jobType models.JobType, handler Handler) error {
	if !jobType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for %q", jobType)
	}
	q.mu.Lock()
	q.handlers[jobType] = handler
	q.mu.Unlock()
	return nil
}

// AddListener subscribes to job lifecycle events. Listeners run outside the queue lock
// on the goroutine that produced the event.
func (q *JobQueue) AddListener(l Listener) {
	if l == nil {
		return
	}
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// AddJob queues a job behind every job of strictly higher priority and ahead of every
// job of strictly lower priority; equal priorities keep arrival order.
func (q *JobQueue) AddJob(jobType models.JobType, payload map[string]any, priority int, opts ...JobOption) (string, error) {
	if !jobType.Valid() {
		q.logger.Error("rejected job with unknown type", zap.String("event", "job_rejected"), zap.String("job_type", string(jobType)))
		return "", fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	q.mu.Lock()
	if _, ok := q.handlers[jobType]; !ok {
		q.mu.Unlock()
		q.logger.Error("rejected job without handler", zap.String("event", "job_rejected"), zap.String("job_type", string(jobType)))
		return "", fmt.Errorf("%w: no handler registered for %q", ErrUnknownJobType, jobType)
	}
	now := q.now()
	job := &models.Job{
		ID:          newJobID(now),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		Status:      models.JobQueued,
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   now,
	}
	for _, opt := range opts {
		opt(job)
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	q.insertLocked(job)
	snapshot := cloneJob(job)
	listeners := slices.Clone(q.listeners)
	q.gaugesLocked()
	q.mu.Unlock()

	q.signal()
	telemetry.JobsEnqueued.WithLabelValues(string(jobType)).Inc()
	q.logger.Debug("job queued",
		zap.String("event", "job_queued"),
		zap.String("job_id", snapshot.ID),
		zap.String("job_type", string(jobType)),
		zap.Int("priority", priority),
	)
	q.emit(listeners, Event{Type: EventQueued, Job: snapshot})
	return snapshot.ID, nil
}

func (q *JobQueue) insertLocked(job *models.Job) {
	idx := len(q.ready)
	for i, queued := range q.ready {
		if queued.Priority < job.Priority {
			idx = i
			break
		}
	}
	q.ready = slices.Insert(q.ready, idx, job)
}

// Run drives dispatch until ctx is cancelled, then waits for in-flight handlers.
// Handlers run on a context that is not cancelled by shutdown; only their own deadline applies.
func (q *JobQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.baseCtx = context.WithoutCancel(ctx)
	concurrency := q.maxConcurrency
	q.mu.Unlock()

	q.logger.Info("job queue started",
		zap.String("event", "queue_started"),
		zap.Int("max_concurrency", concurrency),
		zap.Int("max_attempts", q.opts.MaxAttempts),
	)

	timer := time.NewTimer(q.opts.IdleInterval)
	defer timer.Stop()
	for {
		wait := q.dispatch()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			q.wg.Wait()
			q.logger.Info("job queue stopped", zap.String("event", "queue_stopped"))
			return ctx.Err()
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// dispatch promotes due retries, fills free worker slots and returns how long the loop may sleep.
func (q *JobQueue) dispatch() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for q.retries.Len() > 0 && !q.retries[0].eligibleAt.After(now) {
		entry := heap.Pop(&q.retries).(*retryEntry)
		q.ready = slices.Insert(q.ready, 0, entry.job)
	}

	for q.running && len(q.active) < q.maxConcurrency && len(q.ready) > 0 {
		job := q.ready[0]
		q.ready[0] = nil
		q.ready = q.ready[1:]
		q.startLocked(job, now)
	}
	q.gaugesLocked()

	wait := q.opts.IdleInterval
	if q.retries.Len() > 0 {
		if d := q.retries[0].eligibleAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (q *JobQueue) startLocked(job *models.Job, now time.Time) {
	started := now
	job.Status = models.JobProcessing
	job.Attempts++
	job.StartedAt = &started
	q.active[job.ID] = job

	handler := q.handlers[job.Type]
	snapshot := cloneJob(job)
	listeners := slices.Clone(q.listeners)
	q.wg.Add(1)
	go q.execute(q.baseCtx, handler, snapshot, listeners)
}

func (q *JobQueue) execute(base context.Context, handler Handler, job models.Job, listeners []Listener) {
	defer q.wg.Done()
	q.emit(listeners, Event{Type: EventStarted, Job: job})

	ctx, cancel := context.WithTimeout(base, q.opts.JobTimeout)
	start := time.Now()
	result, err := runHandler(ctx, handler, job)
	elapsed := time.Since(start)
	cancel()

	telemetry.JobDuration.WithLabelValues(string(job.Type)).Observe(elapsed.Seconds())
	q.finish(job.ID, result, err, elapsed)
}

func runHandler(ctx context.Context, handler Handler, job models.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *JobQueue) finish(jobID string, result any, err error, elapsed time.Duration) {
	q.mu.Lock()
	job, ok := q.active[jobID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.active, jobID)
	now := q.now()

	evt := Event{Err: err}
	switch {
	case err == nil:
		job.Status = models.JobCompleted
		job.CompletedAt = &now
		job.Result = result
		job.ProcessingTime = elapsed
		q.recordLocked(now, elapsed, false)
		evt.Type = EventCompleted
	case !IsPermanent(err) && job.Attempts < job.MaxAttempts:
		job.Errors = append(job.Errors, models.JobError{Message: err.Error(), Timestamp: now})
		job.Status = models.JobRetrying
		evt.Delay = backoff(q.opts.BackoffInitial, q.opts.BackoffMax, job.Attempts)
		q.retrySeq++
		heap.Push(&q.retries, &retryEntry{job: job, eligibleAt: now.Add(evt.Delay), seq: q.retrySeq})
		evt.Type = EventRetrying
	default:
		job.Errors = append(job.Errors, models.JobError{Message: err.Error(), Timestamp: now})
		job.Status = models.JobFailed
		job.CompletedAt = &now
		job.ProcessingTime = elapsed
		q.recordLocked(now, elapsed, true)
		evt.Type = EventFailed
	}
	evt.Job = cloneJob(job)
	listeners := slices.Clone(q.listeners)
	q.gaugesLocked()
	q.mu.Unlock()

	q.signal()

	fields := []zap.Field{
		zap.String("job_id", jobID),
		zap.String("job_type", string(evt.Job.Type)),
		zap.Int("attempts", evt.Job.Attempts),
		zap.Duration("elapsed", elapsed),
	}
	switch evt.Type {
	case EventCompleted:
		telemetry.JobsCompleted.WithLabelValues(string(evt.Job.Type)).Inc()
		q.logger.Debug("job completed", append(fields, zap.String("event", "job_completed"))...)
	case EventRetrying:
		telemetry.JobsRetried.WithLabelValues(string(evt.Job.Type)).Inc()
		q.logger.Warn("job attempt failed, retry scheduled",
			append(fields, zap.String("event", "job_retry_scheduled"), zap.Duration("delay", evt.Delay), zap.Error(err))...)
	case EventFailed:
		telemetry.JobsFailed.WithLabelValues(string(evt.Job.Type)).Inc()
		q.logger.Error("job failed",
			append(fields, zap.String("event", "job_failed"), zap.Bool("permanent", IsPermanent(err)), zap.Error(err))...)
	}
	q.emit(listeners, evt)
}

// recordLocked folds one terminal outcome into the stats. Average is a rolling (avg+t)/2.
func (q *JobQueue) recordLocked(now time.Time, elapsed time.Duration, failed bool) {
	processedAt := now
	q.stats.LastProcessedAt = &processedAt
	if failed {
		q.stats.Failed++
		return
	}
	q.stats.Processed++
	if q.stats.Processed == 1 {
		q.stats.AverageProcessingTime = elapsed
		return
	}
	q.stats.AverageProcessingTime = (q.stats.AverageProcessingTime + elapsed) / 2
}

// GetJob returns an active, queued or retry-pending job.
func (q *JobQueue) GetJob(id string) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.active[id]; ok {
		return cloneJob(job), true
	}
	for _, job := range q.ready {
		if job.ID == id {
			return cloneJob(job), true
		}
	}
	if entry, ok := q.retries.find(id); ok {
		return cloneJob(entry.job), true
	}
	return models.Job{}, false
}

// CancelJob removes a job that is not executing. That includes a job waiting out a retry
// backoff even though it has already run once. It returns false for active or unknown jobs.
func (q *JobQueue) CancelJob(id string) bool {
	q.mu.Lock()
	var job *models.Job
	if idx := slices.IndexFunc(q.ready, func(j *models.Job) bool { return j.ID == id }); idx >= 0 {
		job = q.ready[idx]
		q.ready = slices.Delete(q.ready, idx, idx+1)
	} else if entry, ok := q.retries.find(id); ok {
		heap.Remove(&q.retries, entry.index)
		job = entry.job
	}
	if job == nil {
		q.mu.Unlock()
		return false
	}
	snapshot := q.cancelLocked(job)
	listeners := slices.Clone(q.listeners)
	q.gaugesLocked()
	q.mu.Unlock()

	telemetry.JobsCancelled.Inc()
	q.logger.Info("job cancelled", zap.String("event", "job_cancelled"), zap.String("job_id", id))
	q.emit(listeners, Event{Type: EventCancelled, Job: snapshot})
	return true
}

// ClearQueue cancels every job waiting in the ready list and returns how many were dropped.
// Jobs waiting out a retry backoff are kept.
func (q *JobQueue) ClearQueue() int {
	q.mu.Lock()
	dropped := make([]models.Job, 0, len(q.ready))
	for _, job := range q.ready {
		dropped = append(dropped, q.cancelLocked(job))
	}
	q.ready = nil
	listeners := slices.Clone(q.listeners)
	q.gaugesLocked()
	q.mu.Unlock()

	telemetry.JobsCancelled.Add(float64(len(dropped)))
	q.logger.Info("queue cleared", zap.String("event", "queue_cleared"), zap.Int("dropped", len(dropped)))
	for _, job := range dropped {
		q.emit(listeners, Event{Type: EventCancelled, Job: job})
	}
	return len(dropped)
}

func (q *JobQueue) cancelLocked(job *models.Job) models.Job {
	now := q.now()
	job.Status = models.JobCancelled
	job.CompletedAt = &now
	return cloneJob(job)
}

// SetMaxConcurrency resizes the worker pool and fills any newly freed slots.
func (q *JobQueue) SetMaxConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidConcurrency, n)
	}
	q.mu.Lock()
	q.maxConcurrency = n
	q.mu.Unlock()
	q.signal()
	q.logger.Info("max concurrency updated", zap.String("event", "concurrency_updated"), zap.Int("max_concurrency", n))
	return nil
}

// GetStatus returns a snapshot of queue depth, workers and stats.
func (q *JobQueue) GetStatus() models.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	upcoming := make([]models.JobPreview, 0, q.opts.PreviewSize)
	for _, job := range q.ready {
		if len(upcoming) == q.opts.PreviewSize {
			break
		}
		upcoming = append(upcoming, models.JobPreview{
			ID:        job.ID,
			Type:      job.Type,
			Priority:  job.Priority,
			Attempts:  job.Attempts,
			CreatedAt: job.CreatedAt,
		})
	}
	stats := q.stats
	if stats.LastProcessedAt != nil {
		last := *stats.LastProcessedAt
		stats.LastProcessedAt = &last
	}
	return models.QueueStatus{
		Running:        q.running,
		QueueLength:    len(q.ready),
		ActiveJobs:     len(q.active),
		RetryingJobs:   q.retries.Len(),
		MaxConcurrency: q.maxConcurrency,
		Stats:          stats,
		Upcoming:       upcoming,
	}
}

func (q *JobQueue) gaugesLocked() {
	telemetry.QueueDepth.Set(float64(len(q.ready)))
	telemetry.ActiveJobs.Set(float64(len(q.active)))
}

func (q *JobQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func newJobID(now time.Time) string {
	return fmt.Sprintf("job_%d_%s", now.UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func cloneJob(job *models.Job) models.Job {
	out := *job
	out.Payload = maps.Clone(job.Payload)
	out.Errors = slices.Clone(job.Errors)
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
