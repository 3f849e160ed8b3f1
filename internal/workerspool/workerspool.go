// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent frame-rendering tasks with bounded parallelism.
package workerspool

import (
	"context"
	"runtime"
	"sync"
)

// Pool bounds the number of tasks running at the same time.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel.
	// 0 disables parallelism, and a negative value means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool running at most maxParallelism tasks at a time.
// If set to 0, tasks are run inline, one at a time. If negative, parallelism is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of tasks running in parallel.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available and runs task in a new goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Run calls task(idx) for idx in [0, numTasks), in parallel, and waits for all started tasks to finish.
//
// It returns the error of the lowest index task that failed. After the first failure, or once ctx is
// done, no new tasks are started; in the latter case ctx.Err() is returned.
func (w *Pool) Run(ctx context.Context, numTasks int, task func(idx int) error) error {
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
		errIdx   = numTasks
	)
	setErr := func(idx int, err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if idx < errIdx {
			firstErr, errIdx = err, idx
		}
	}
	failed := func() bool {
		errMu.Lock()
		defer errMu.Unlock()
		return firstErr != nil
	}

	for idx := range numTasks {
		if err := ctx.Err(); err != nil {
			setErr(idx, err)
			break
		}
		if failed() {
			break
		}
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			if err := task(idx); err != nil {
				setErr(idx, err)
			}
		})
	}
	wg.Wait()
	return firstErr
}
