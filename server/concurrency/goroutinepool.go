/******************************************************************************
 *
 *  Description :
 *    A basic bounded pool of goroutines for offloading blocking work
 *    (database writes) from connection loops.
 *
 *****************************************************************************/

// Package concurrency contains small synchronization primitives used by the server.
package concurrency

import "sync"

// Task represents a work task to be run on the specified goroutine pool.
type Task func()

// GoRoutinePool runs tasks on at most numWorkers goroutines.
type GoRoutinePool struct {
	// Work queue.
	work chan Task
	// Counter to control the number of already allocated/running goroutines.
	sem chan struct{}
	// Exit knob.
	stop chan struct{}
	// Tracks scheduled but not yet completed tasks.
	pending sync.WaitGroup
}

// NewGoRoutinePool allocates a new pool with up to `numWorkers` goroutines.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}),
	}
}

// Schedule enqueues a closure to run on the pool's goroutines. Blocks if all workers are busy.
func (p *GoRoutinePool) Schedule(task Task) {
	p.pending.Add(1)
	wrapped := func() {
		defer p.pending.Done()
		task()
	}
	select {
	case p.work <- wrapped:
	case p.sem <- struct{}{}:
		go p.worker(wrapped)
	}
}

// Wait blocks until every task scheduled so far has completed.
func (p *GoRoutinePool) Wait() {
	p.pending.Wait()
}

// Stop waits for scheduled tasks then terminates idle workers.
func (p *GoRoutinePool) Stop() {
	p.pending.Wait()
	close(p.stop)
}

func (p *GoRoutinePool) worker(task Task) {
	defer func() { <-p.sem }()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.stop:
			return
		}
	}
}
