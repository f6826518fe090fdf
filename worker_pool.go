package ecs

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// WorkerPool is the shared pool that executes entity-level work inside a stage.
// A nil *WorkerPool is valid and runs every job inline on the caller.
type WorkerPool struct {
	size   int
	jobs   chan jobRequest
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type jobRequest struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// NewWorkerPool starts size workers. A non-positive size yields a nil pool.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		return nil
	}
	p := &WorkerPool{
		size:   size,
		jobs:   make(chan jobRequest),
		closed: make(chan struct{}),
	}
	p.start()
	return p
}

// Size reports the number of workers; zero for a nil pool.
func (p *WorkerPool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

func (p *WorkerPool) start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(job)
		case <-p.closed:
			return
		}
	}
}

func (p *WorkerPool) execute(job jobRequest) {
	defer close(job.result)
	select {
	case <-job.ctx.Done():
		job.result <- job.ctx.Err()
	default:
		job.result <- runJob(job.ctx, job.fn)
	}
}

func runJob(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrJobPanicked, "%v", r)
		}
	}()
	return fn(ctx)
}

// Submit schedules fn and returns a handle to wait on.
func (p *WorkerPool) Submit(ctx context.Context, fn func(context.Context) error) *JobHandle {
	if fn == nil {
		return completedJob(nil)
	}
	if p == nil {
		return completedJob(runJob(ctx, fn))
	}
	select {
	case <-p.closed:
		return completedJob(ErrWorkerPoolClosed)
	case <-ctx.Done():
		return completedJob(ctx.Err())
	default:
	}
	result := make(chan error, 1)
	if safeSendJob(p.jobs, jobRequest{ctx: ctx, fn: fn, result: result}) {
		return &JobHandle{result: result}
	}
	return completedJob(ErrWorkerPoolClosed)
}

// ParallelFor splits [0, n) into batches of at most batch items, runs fn on
// every batch through the pool and waits for all of them. It returns the first
// job error in batch order. Callers own disjoint result slots per index, so fn
// never needs synchronisation for per-item output.
func (p *WorkerPool) ParallelFor(ctx context.Context, n, batch int, fn func(lo, hi int)) error {
	if n <= 0 {
		return nil
	}
	if batch <= 0 {
		batch = n
	}
	handles := make([]*JobHandle, 0, (n+batch-1)/batch)
	for lo := 0; lo < n; lo += batch {
		lo, hi := lo, min(lo+batch, n)
		handles = append(handles, p.Submit(ctx, func(context.Context) error {
			fn(lo, hi)
			return nil
		}))
	}
	var first error
	for _, h := range handles {
		if err := h.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close stops the workers after in-flight jobs finish.
func (p *WorkerPool) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		close(p.closed)
		close(p.jobs)
	})
	p.wg.Wait()
}

// JobHandle is returned by Submit.
type JobHandle struct {
	result chan error
}

func completedJob(err error) *JobHandle {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return &JobHandle{result: ch}
}

// Wait blocks until the job finished and returns its error.
func (h *JobHandle) Wait() error {
	if h == nil || h.result == nil {
		return nil
	}
	return <-h.result
}

func safeSendJob(ch chan jobRequest, job jobRequest) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	ch <- job
	return true
}
