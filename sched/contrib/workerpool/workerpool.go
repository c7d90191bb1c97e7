// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package workerpool provides the persistent worker pool that cost models
// use to evaluate a batch of enqueued candidates. A Pool is created once per
// scheduling run and reused for every evaluation round, so the hot loop of
// the beam search does not spawn goroutines.
//
// Batch calls block until every item is done, and a panic raised by an item
// (such as a failed invariant) is re-raised on the calling goroutine:
//
//	pool := workerpool.New(params.Parallelism)
//	defer pool.Close()
//
//	for round := range rounds {
//	    pool.ParallelFor(len(slots), func(start, end int) {
//	        evaluate(slots[start:end])
//	    })
//	}
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a persistent worker pool. Workers are spawned once at creation and
// reused.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

// workItem is one chunk of a batch.
type workItem struct {
	fn    func()
	batch *batch
}

// batch tracks the chunks of one blocking call.
type batch struct {
	wg       sync.WaitGroup
	panicked atomic.Bool
	value    any
}

func (b *batch) run(fn func()) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil && b.panicked.CompareAndSwap(false, true) {
			b.value = r
		}
	}()
	fn()
}

// wait blocks until every chunk is done and re-raises the first panic.
func (b *batch) wait() {
	b.wg.Wait()
	if b.panicked.Load() {
		panic(b.value)
	}
}

// New creates a pool with numWorkers workers. If numWorkers <= 0, uses
// GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan workItem, numWorkers*2),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.batch.run(item.fn)
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close shuts down the pool. Pending work completes. Calling Close more
// than once is safe, and a closed pool runs batches on the caller.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// ParallelFor calls fn over contiguous chunks covering [0, n), one chunk per
// worker, and blocks until all chunks are done.
func (p *Pool) ParallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := min(p.numWorkers, n)
	if workers == 1 || p.closed.Load() {
		fn(0, n)
		return
	}

	chunkSize := (n + workers - 1) / workers
	b := &batch{}
	for i := range workers {
		start := i * chunkSize
		if start >= n {
			break
		}
		end := min(start+chunkSize, n)
		b.wg.Add(1)
		p.workC <- workItem{fn: func() { fn(start, end) }, batch: b}
	}
	b.wait()
}

// ParallelForAtomicBatched hands out batches of batchSize indices to
// workers as they become free. It balances load better than ParallelFor
// when items differ in cost, such as cost evaluations of loop nests of very
// different depths.
func (p *Pool) ParallelForAtomicBatched(n int, batchSize int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	numBatches := (n + batchSize - 1) / batchSize
	workers := min(p.numWorkers, numBatches)
	if workers == 1 || p.closed.Load() {
		fn(0, n)
		return
	}

	var next atomic.Int32
	b := &batch{}
	b.wg.Add(workers)
	for range workers {
		p.workC <- workItem{
			fn: func() {
				for {
					start := int(next.Add(1)-1) * batchSize
					if start >= n {
						return
					}
					fn(start, min(start+batchSize, n))
				}
			},
			batch: b,
		}
	}
	b.wait()
}
