package models

import (
	"time"
)

// JobType names a kind of asynchronous work the queue knows how to run.
type JobType string

const (
	JobProcessPayment        JobType = "processPayment"
	JobProcessOfflinePayment JobType = "processOfflinePayment"
	JobRefundPayment         JobType = "refundPayment"
	JobCleanupTokens         JobType = "cleanupTokens"
)

// Valid reports whether t is one of the known job kinds.
func (t JobType) Valid() bool {
	switch t {
	case JobProcessPayment, JobProcessOfflinePayment, JobRefundPayment, JobCleanupTokens:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states held by the queue.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobRetrying   JobStatus = "retrying"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobError records one failed attempt.
type JobError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is a unit of work tracked by the in-memory queue.
type Job struct {
	ID             string         `json:"id"`
	Type           JobType        `json:"type"`
	Payload        map[string]any `json:"payload"`
	Priority       int            `json:"priority"`
	Status         JobStatus      `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Errors         []JobError     `json:"errors,omitempty"`
	Result         any            `json:"result,omitempty"`
	ProcessingTime time.Duration  `json:"processing_time_ns,omitempty"`
}

// LastError returns the most recent attempt error message, if any.
func (j Job) LastError() string {
	if len(j.Errors) == 0 {
		return ""
	}
	return j.Errors[len(j.Errors)-1].Message
}

// JobPreview is the short form used in queue status listings.
type JobPreview struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	Priority  int       `json:"priority"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueStats aggregates completed job outcomes.
type QueueStats struct {
	Processed             int64         `json:"processed"`
	Failed                int64         `json:"failed"`
	AverageProcessingTime time.Duration `json:"average_processing_time_ns"`
	LastProcessedAt       *time.Time    `json:"last_processed_at,omitempty"`
}

// QueueStatus is a point-in-time snapshot of the queue.
type QueueStatus struct {
	Running        bool         `json:"running"`
	QueueLength    int          `json:"queue_length"`
	ActiveJobs     int          `json:"active_jobs"`
	RetryingJobs   int          `json:"retrying_jobs"`
	MaxConcurrency int          `json:"max_concurrency"`
	Stats          QueueStats   `json:"stats"`
	Upcoming       []JobPreview `json:"upcoming"`
}
