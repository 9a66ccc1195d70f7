package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Coordinator owns every piece of shared scheduling state: the active URL set,
// the per URL waiter lists, the task registry and the completed task set. All of
// it sits behind mu. Methods only mutate maps while holding mu and hand back what
// the caller has to do next; queue submission and listener calls happen after unlock.
type Coordinator struct {
	mu        sync.Mutex
	active    map[string]int
	waiters   map[string]*deque.Deque[Job]
	tasks     map[int]*TaskEntry
	order     deque.Deque[int]
	completed map[int]struct{}
	stops     map[int]context.CancelFunc
	confirms  map[int]pendingConfirm
	maxTasks  int
}

type pendingConfirm struct {
	job          Job
	existingFile string
}

// Cancellation describes what a cancelled task was doing when Cancel ran.
type Cancellation struct {
	TaskID int
	URL    string
	State  TaskState
	Stop   context.CancelFunc
}

func NewCoordinator(maxTasks int) *Coordinator {
	return &Coordinator{
		active:    make(map[string]int),
		waiters:   make(map[string]*deque.Deque[Job]),
		tasks:     make(map[int]*TaskEntry),
		completed: make(map[int]struct{}),
		stops:     make(map[int]context.CancelFunc),
		confirms:  make(map[int]pendingConfirm),
		maxTasks:  maxTasks,
	}
}

// Admit decides whether job runs now or waits behind an active download of the
// same URL. It returns true when the job was parked. A job that is not parked now
// owns the URL and must be submitted to the queue by the caller.
func (c *Coordinator) Admit(job Job) (parked bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, done := c.completed[job.TaskID]; done {
		return false, fmt.Errorf("admit task %d: %w", job.TaskID, ErrTaskFinished)
	}
	entry := c.tasks[job.TaskID]
	if _, busy := c.active[job.URL]; busy {
		w, ok := c.waiters[job.URL]
		if !ok {
			w = new(deque.Deque[Job])
			c.waiters[job.URL] = w
		}
		w.PushBack(job)
		if entry != nil {
			entry.State = TaskParked
		}
		return true, nil
	}
	c.active[job.URL] = job.TaskID
	if entry != nil {
		entry.State = TaskQueued
	}
	return false, nil
}

// Release frees url if taskID still owns it and promotes the next waiter, which
// becomes the new owner. The promoted job has to be submitted by the caller.
func (c *Coordinator) Release(url string, taskID int) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.active[url]
	if !ok || owner != taskID {
		return Job{}, false
	}
	delete(c.active, url)

	w, ok := c.waiters[url]
	if !ok || w.Len() == 0 {
		delete(c.waiters, url)
		return Job{}, false
	}
	next := w.PopFront()
	if w.Len() == 0 {
		delete(c.waiters, url)
	}
	c.active[url] = next.TaskID
	if entry, ok := c.tasks[next.TaskID]; ok {
		entry.State = TaskQueued
	}
	return next, true
}

// BeginRun registers the stop function of a job a worker is about to execute.
// It returns false when the task was cancelled while it sat in the queue.
func (c *Coordinator) BeginRun(taskID int, stop context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, done := c.completed[taskID]; done {
		return false
	}
	c.stops[taskID] = stop
	if entry, ok := c.tasks[taskID]; ok {
		entry.State = TaskRunning
	}
	return true
}

func (c *Coordinator) EndRun(taskID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stops, taskID)
}

// MarkComplete records the terminal outcome of taskID. Only the first call for a
// known task returns true.
func (c *Coordinator) MarkComplete(taskID int, filePath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markCompleteLocked(taskID, filePath)
}

func (c *Coordinator) markCompleteLocked(taskID int, filePath string) bool {
	entry, ok := c.tasks[taskID]
	if !ok {
		return false
	}
	if _, done := c.completed[taskID]; done {
		return false
	}
	c.completed[taskID] = struct{}{}
	entry.State = TaskDone
	if filePath != "" {
		entry.FilePath = filePath
	}
	c.evictLocked()
	return true
}

// Cancel marks taskID finished and removes it from whatever waiting structure it
// sits in. Queue removal and stopping a running extractor are left to the caller.
func (c *Coordinator) Cancel(taskID int) (Cancellation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.tasks[taskID]
	if !ok {
		return Cancellation{}, fmt.Errorf("cancel task %d: %w", taskID, ErrTaskNotFound)
	}
	if _, done := c.completed[taskID]; done {
		return Cancellation{}, fmt.Errorf("cancel task %d: %w", taskID, ErrTaskFinished)
	}

	out := Cancellation{TaskID: taskID, URL: entry.SourceURL, State: entry.State}
	switch entry.State {
	case TaskParked:
		if w, ok := c.waiters[entry.SourceURL]; ok {
			if i := w.Index(func(j Job) bool { return j.TaskID == taskID }); i >= 0 {
				w.Remove(i)
			}
			if w.Len() == 0 {
				delete(c.waiters, entry.SourceURL)
			}
		}
	case TaskConfirm:
		delete(c.confirms, taskID)
	case TaskRunning:
		out.Stop = c.stops[taskID]
	}
	c.markCompleteLocked(taskID, "")
	return out, nil
}

// HoldForConfirm parks job until the user decides whether existingFile may be
// replaced. A task that finished in the meantime, such as one cancelled while
// its existing file check ran, is not held.
func (c *Coordinator) HoldForConfirm(job Job, existingFile string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.completed[job.TaskID]; done {
		return fmt.Errorf("hold task %d: %w", job.TaskID, ErrTaskFinished)
	}
	c.confirms[job.TaskID] = pendingConfirm{job: job, existingFile: existingFile}
	if entry, ok := c.tasks[job.TaskID]; ok {
		entry.State = TaskConfirm
	}
	return nil
}

// TakeConfirm removes and returns the job held for taskID.
func (c *Coordinator) TakeConfirm(taskID int) (Job, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.confirms[taskID]
	if !ok {
		return Job{}, "", fmt.Errorf("confirm task %d: %w", taskID, ErrNoPendingConfirm)
	}
	delete(c.confirms, taskID)
	return p.job, p.existingFile, nil
}

// ActiveTask reports which task currently owns url.
func (c *Coordinator) ActiveTask(url string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[url]
	return id, ok
}

// Waiting returns the task ids parked behind url in promotion order.
func (c *Coordinator) Waiting(url string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[url]
	if !ok {
		return nil
	}
	ids := make([]int, 0, w.Len())
	for i := 0; i < w.Len(); i++ {
		ids = append(ids, w.At(i).TaskID)
	}
	return ids
}

func (c *Coordinator) evictLocked() {
	if c.maxTasks <= 0 {
		return
	}
	for len(c.tasks) > c.maxTasks {
		i := c.order.Index(func(id int) bool {
			_, done := c.completed[id]
			_, running := c.stops[id]
			return done && !running
		})
		if i < 0 {
			return
		}
		id := c.order.Remove(i)
		delete(c.tasks, id)
		delete(c.completed, id)
	}
}

func now() time.Time {
	return time.Now().UTC()
}
