package downloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/gcottom/go-zaplog"
	"go.uber.org/zap"
)

// Handler executes one job taken off the queue.
type Handler func(ctx context.Context, job Job)

// Pool runs a fixed number of workers against a JobQueue. Workers belong to a
// generation; Resize retires the current generation and starts a new one. A
// retired worker finishes the job it holds and then exits.
type Pool struct {
	queue   *JobQueue
	handler Handler

	mu      sync.Mutex
	size    int
	base    context.Context
	retire  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewPool(queue *JobQueue, size int, handler Handler) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{queue: queue, size: size, handler: handler}
}

// Start launches the workers. Jobs run under ctx, so cancelling it stops them too.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already started")
	}
	p.base = ctx
	p.running = true
	p.spawnLocked()
	return nil
}

// Resize replaces the worker generation with n workers.
func (p *Pool) Resize(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == p.size {
		return
	}
	p.size = n
	if !p.running {
		return
	}
	zaplog.InfoC(p.base, "resizing worker pool", zap.Int("workers", n))
	p.retire()
	p.spawnLocked()
}

// Stop retires every worker and waits until all of them have exited.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.retire()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) spawnLocked() {
	gen, cancel := context.WithCancel(p.base)
	p.retire = cancel
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(gen, p.base, i)
	}
}

func (p *Pool) work(gen, base context.Context, id int) {
	defer p.wg.Done()
	for {
		job, err := p.queue.Take(gen)
		if err != nil {
			return
		}
		p.run(base, id, job)
	}
}

func (p *Pool) run(ctx context.Context, worker int, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			zaplog.ErrorC(ctx, "worker recovered from panic", zap.Int("worker", worker), zap.Int("task_id", job.TaskID), zap.Any("panic", rec))
		}
	}()
	p.handler(ctx, job)
}
