package downloader

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// JobQueue is an unbounded FIFO shared by every producer and worker.
type JobQueue struct {
	mu     sync.Mutex
	jobs   deque.Deque[Job]
	signal chan struct{}
}

func NewJobQueue() *JobQueue {
	return &JobQueue{signal: make(chan struct{}, 1)}
}

// Submit appends job and never blocks.
func (q *JobQueue) Submit(job Job) {
	q.mu.Lock()
	q.jobs.PushBack(job)
	q.mu.Unlock()
	q.wake()
}

// Take blocks until a job is available or ctx is done. A wakeup consumed by a
// caller whose ctx is already done is handed back to the other workers.
func (q *JobQueue) Take(ctx context.Context) (Job, error) {
	woken := false
	for {
		if err := ctx.Err(); err != nil {
			if woken {
				q.wake()
			}
			return Job{}, err
		}
		q.mu.Lock()
		if q.jobs.Len() > 0 {
			job := q.jobs.PopFront()
			more := q.jobs.Len() > 0
			q.mu.Unlock()
			if more {
				// pass the wakeup on so a second idle worker picks up the rest
				q.wake()
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
			woken = true
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
}

// Remove drops the queued job for taskID if no worker has taken it yet.
func (q *JobQueue) Remove(taskID int) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.jobs.Index(func(j Job) bool { return j.TaskID == taskID })
	if i < 0 {
		return Job{}, false
	}
	return q.jobs.Remove(i), true
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

func (q *JobQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
