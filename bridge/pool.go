package bridge

import (
	"context"
	"sync"

	"chainbridge/observability"
)

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 4

// workerPool runs tasks on a fixed set of goroutines fed by an unbounded FIFO
// so that submitting from the host loop never blocks.
type workerPool struct {
	metrics *observability.BridgeMetrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

func newWorkerPool(workers int, metrics *observability.BridgeMetrics) *workerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &workerPool{metrics: metrics}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *workerPool) submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, task)
	p.metrics.SetQueueDepth(len(p.queue))
	p.cond.Signal()
	return nil
}

func (p *workerPool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.metrics.SetQueueDepth(len(p.queue))
		p.mu.Unlock()
		task()
	}
}

// close stops accepting tasks and waits for queued and running ones.
func (p *workerPool) close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
