package orchestrator

import "github.com/Toonzaza/cart-sensor/internal/config"

// jobQueue is the bounded FIFO of accepted jobs waiting to become current.
type jobQueue struct {
	items    []*Job
	capacity int
	overflow string
}

func newJobQueue(capacity int, overflow string) *jobQueue {
	if overflow == "" {
		overflow = config.OverflowRejectNew
	}
	return &jobQueue{capacity: capacity, overflow: overflow}
}

// push appends j. At capacity it fails with ErrQueueFull (reject_new) or
// evicts and returns the oldest job (drop_oldest).
func (q *jobQueue) push(j *Job) (*Job, error) {
	if q.capacity <= 0 || len(q.items) < q.capacity {
		q.items = append(q.items, j)
		return nil, nil
	}
	if q.overflow == config.OverflowDropOldest {
		evicted := q.items[0]
		q.items = append(q.items[1:], j)
		return evicted, nil
	}
	return nil, ErrQueueFull
}

// pushFront puts a requeued job back at the head. It never fails; a
// requeue may leave the queue one over capacity.
func (q *jobQueue) pushFront(j *Job) {
	q.items = append([]*Job{j}, q.items...)
}

func (q *jobQueue) pop() *Job {
	if len(q.items) == 0 {
		return nil
	}
	j := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return j
}

func (q *jobQueue) len() int { return len(q.items) }

// list copies the queue, head first.
func (q *jobQueue) list() []Job {
	out := make([]Job, len(q.items))
	for i, j := range q.items {
		out[i] = *j
	}
	return out
}
