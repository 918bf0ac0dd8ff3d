package queue

import (
	"math"
	"time"

	"payment-switch/internal/models"
)

// backoff returns min(base * 2^(attempt-1), max).
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(max) {
		return max
	}
	return time.Duration(exp)
}

// retryEntry is a failed job waiting out its backoff.
type retryEntry struct {
	job        *models.Job
	eligibleAt time.Time
	seq        uint64
	index      int
}

// retryHeap is a min-heap on eligibleAt, ties broken by scheduling order.
type retryHeap []*retryEntry

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	if h[i].eligibleAt.Equal(h[j].eligibleAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].eligibleAt.Before(h[j].eligibleAt)
}

func (h retryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *retryHeap) Push(x any) {
	entry := x.(*retryEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

func (h retryHeap) find(jobID string) (*retryEntry, bool) {
	for _, e := range h {
		if e.job.ID == jobID {
			return e, true
		}
	}
	return nil, false
}
