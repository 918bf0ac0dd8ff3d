package queue

import (
	"time"

	"go.uber.org/zap"

	"payment-switch/internal/models"
)

type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventRetrying  EventType = "retrying"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Terminal reports whether the event ends the job's lifecycle.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// Event describes one job lifecycle change. Job is a snapshot taken when the event fired.
type Event struct {
	Type  EventType
	Job   models.Job
	Err   error
	Delay time.Duration
}

// Listener receives job lifecycle events.
type Listener func(Event)

func (q *JobQueue) emit(listeners []Listener, evt Event) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("job listener panicked",
						zap.String("event", "listener_panic"),
						zap.String("job_id", evt.Job.ID),
						zap.Any("panic", r),
					)
				}
			}()
			l(evt)
		}()
	}
}
