// Package admission bounds how many jobs may run at once. Callers that find
// every slot taken wait in strict FIFO order.
package admission

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/Mirai3103/playground-runner/internal/metrics"
)

// Stats is a point-in-time view of a Queue.
type Stats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Limit  int `json:"limit"`
}

// Queue is a counting semaphore with a FIFO list of waiters.
type Queue struct {
	name  string
	limit int

	mu      sync.Mutex
	active  int
	waiters *list.List // of chan struct{}, closed when the slot is handed over
}

// New returns a Queue admitting at most limit concurrent holders. A limit
// below one is raised to one.
func New(name string, limit int) *Queue {
	if limit < 1 {
		limit = 1
	}
	q := &Queue{name: name, limit: limit, waiters: list.New()}
	q.publish()
	return q
}

// Acquire blocks until a slot is free or ctx is done. On success the caller
// owns the returned Ticket and must Release it.
func (q *Queue) Acquire(ctx context.Context) (*Ticket, error) {
	start := time.Now()

	q.mu.Lock()
	if q.active < q.limit {
		q.active++
		q.publish()
		q.mu.Unlock()
		metrics.AdmissionWait.WithLabelValues(q.name).Observe(0)
		return q.ticket(), nil
	}
	ready := make(chan struct{})
	elem := q.waiters.PushBack(ready)
	q.publish()
	q.mu.Unlock()

	select {
	case <-ready:
		metrics.AdmissionWait.WithLabelValues(q.name).Observe(time.Since(start).Seconds())
		return q.ticket(), nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	select {
	case <-ready:
		// Release handed us the slot while ctx was being cancelled; pass it on.
		q.mu.Unlock()
		q.release()
	default:
		q.waiters.Remove(elem)
		q.publish()
		q.mu.Unlock()
	}
	return nil, ctx.Err()
}

// TryAcquire takes a slot only if one is free right now.
func (q *Queue) TryAcquire() (*Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active >= q.limit {
		return nil, false
	}
	q.active++
	q.publish()
	return q.ticket(), true
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Active: q.active, Queued: q.waiters.Len(), Limit: q.limit}
}

// Name identifies the queue in metrics.
func (q *Queue) Name() string { return q.name }

func (q *Queue) ticket() *Ticket {
	return &Ticket{queue: q, acquired: time.Now()}
}

// release gives the slot to the oldest waiter, or frees it.
func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front := q.waiters.Front(); front != nil {
		q.waiters.Remove(front)
		close(front.Value.(chan struct{}))
	} else {
		q.active--
	}
	q.publish()
}

// publish must be called with q.mu held.
func (q *Queue) publish() {
	metrics.AdmissionActive.WithLabelValues(q.name).Set(float64(q.active))
	metrics.AdmissionQueued.WithLabelValues(q.name).Set(float64(q.waiters.Len()))
}

// Ticket is one occupied slot. Release may be called any number of times;
// only the first call frees the slot.
type Ticket struct {
	queue    *Queue
	acquired time.Time
	once     sync.Once
}

// Release returns the slot to the queue.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(t.queue.release)
}

// Held reports how long ago the ticket was acquired.
func (t *Ticket) Held() time.Duration {
	return time.Since(t.acquired)
}
