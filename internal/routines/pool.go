// Package routines provides a fixed-size goroutine pool.
package routines

import "sync"

// Pool runs queued functions on a fixed number of goroutines.
type Pool struct {
	work chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewPool(size uint) *Pool {
	p := Pool{
		work: make(chan func()),
	}

	for i := uint(0); i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return &p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for fn := range p.work {
		fn()
	}
}

// Queue schedules fn for execution.
// It blocks until a goroutine of the pool is able to accept the work.
// Queue panics when it is called after Wait().
func (p *Pool) Queue(fn func()) {
	p.work <- fn
}

// Wait stops accepting new work and blocks until all queued functions
// finished.
// It can be called multiple times.
func (p *Pool) Wait() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.work)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
