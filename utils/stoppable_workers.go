// Package utils holds small concurrency helpers shared by the motor components.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a collection of goroutines that share one cancellation context and
// can all be stopped and joined together.
type StoppableWorkers interface {
	// Add starts f in a new goroutine. It reports false, without starting anything, once
	// Stop has been called.
	Add(f func(context.Context)) bool
	Stop()
}

// A value copy would copy the WaitGroup, so callers only ever see the interface.
type stoppableWorkersImpl struct {
	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc func()
	active     sync.WaitGroup
}

// NewStoppableWorkers runs the functions in separate goroutines. They can be stopped later.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	workers := &stoppableWorkersImpl{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	for _, f := range funcs {
		workers.Add(f)
	}
	return workers
}

func (sw *stoppableWorkersImpl) Add(f func(context.Context)) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.cancelCtx.Err() != nil {
		return false
	}

	sw.active.Add(1)
	goutils.PanicCapturingGo(func() {
		defer sw.active.Done()
		f(sw.cancelCtx)
	})
	return true
}

// Stop cancels the shared context and waits for every goroutine to return.
func (sw *stoppableWorkersImpl) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.cancelFunc()
	sw.active.Wait()
}
