package node

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
)

// Future is the result of a task submitted to a WorkerPool.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed once the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task has finished and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

type task struct {
	fn     func() error
	future *Future
}

func (t *task) run() {
	defer close(t.future.done)
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("task panicked", zap.Any("panic", r))
			t.future.err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	t.future.err = t.fn()
}

// WorkerPool runs submitted tasks on a fixed number of goroutines.
// The queue is unbounded: Submit never waits for a free worker.
type WorkerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue // of *task, nil is the stop sentinel
	closed bool

	size     int
	wg       sync.WaitGroup
	shutdown sync.Once
}

func NewWorkerPool(n int) (*WorkerPool, error) {
	if n < 1 {
		return nil, ErrInvalidWorkers
	}

	p := &WorkerPool{
		tasks: queue.New(),
		size:  n,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p, nil
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 {
			p.cond.Wait()
		}
		t, _ := p.tasks.Remove().(*task)
		p.mu.Unlock()

		if t == nil {
			// pass the sentinel on so every worker sees one
			p.pushStop()
			return
		}
		t.run()
	}
}

func (p *WorkerPool) pushStop() {
	p.mu.Lock()
	p.tasks.Add((*task)(nil))
	p.mu.Unlock()
	p.cond.Signal()
}

// Submit enqueues fn. It returns ErrPoolClosed once Shutdown has been called;
// the task is then never run.
func (p *WorkerPool) Submit(fn func() error) (*Future, error) {
	t := &task{fn: fn, future: &Future{done: make(chan struct{})}}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.tasks.Add(t)
	p.mu.Unlock()
	p.cond.Signal()

	return t.future, nil
}

// Shutdown stops accepting tasks, runs everything already queued and waits for
// all workers to exit. It is safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.shutdown.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.tasks.Add((*task)(nil))
		p.mu.Unlock()
		p.cond.Signal()

		p.wg.Wait()

		p.mu.Lock()
		p.tasks = queue.New()
		p.mu.Unlock()
	})
}

// Len returns the number of queued tasks.
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}
