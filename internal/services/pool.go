package services

import (
	"sync"
)

// downloadPool executes submitted tasks on a fixed number of worker
// goroutines. Submit blocks while all workers are busy, so a stage loop that
// stops submitting (after observing a pause) leaves only the in-flight
// downloads to run to completion before Close returns.
type downloadPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// newDownloadPool starts a pool with the given worker count
func newDownloadPool(workers int) *downloadPool {
	if workers <= 0 {
		workers = 1
	}
	p := &downloadPool{tasks: make(chan func())}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *downloadPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// Submit hands a task to the pool, blocking until a worker accepts it
func (p *downloadPool) Submit(task func()) {
	p.tasks <- task
}

// Close stops accepting work and blocks until the pool has drained
func (p *downloadPool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
