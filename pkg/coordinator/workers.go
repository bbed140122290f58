package coordinator

import (
	"hash/fnv"
	"sync"
)

// workerPool partitions dispatch work by saga id: all events for one saga
// hash to the same worker, so intra-saga dispatch is serialized without
// locks while different sagas proceed in parallel.
type workerPool struct {
	queues []chan func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newWorkerPool(workers, queueSize int) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 128
	}
	p := &workerPool{
		queues: make([]chan func(), workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), queueSize)
		p.wg.Add(1)
		go p.run(p.queues[i])
	}
	return p
}

func (p *workerPool) run(queue chan func()) {
	defer p.wg.Done()
	for task := range queue {
		task()
	}
}

// Submit enqueues a task on the saga's worker, blocking when the worker's
// queue is full. Returns false after Close.
func (p *workerPool) Submit(sagaID string, task func()) bool {
	// The read lock is held across the send so Close cannot close the
	// channel under an in-flight Submit.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.queues[p.workerFor(sagaID)] <- task
	return true
}

func (p *workerPool) workerFor(sagaID string) int {
	h := fnv.New32a()
	h.Write([]byte(sagaID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Close stops accepting tasks and waits for queued work to drain.
func (p *workerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, queue := range p.queues {
		close(queue)
	}
	p.wg.Wait()
}
