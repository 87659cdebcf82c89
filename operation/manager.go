// Package operation tracks the single blocking command a motor may be executing.
package operation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// SingleOperationManager lets at most one blocking command run per motor. Starting a new
// command cancels the one in flight. Commands may nest: a context that already carries an
// operation reuses it instead of cancelling itself.
type SingleOperationManager struct {
	mu        sync.Mutex
	currentOp *anOp
}

type somCtxKey byte

const somCtxKeySingleOp = somCtxKey(iota)

// New creates a new operation, cancels the previous one and returns the operation's context
// along with the function to call when it is done.
func (sm *SingleOperationManager) New(ctx context.Context) (context.Context, func()) {
	if ctx.Value(somCtxKeySingleOp) != nil {
		return ctx, func() {}
	}

	sm.mu.Lock()
	sm.cancelInLock(ctx)

	theOp := &anOp{}
	ctx = context.WithValue(ctx, somCtxKeySingleOp, theOp)
	theOp.ctx, theOp.cancelFunc = context.WithCancel(ctx)
	sm.currentOp = theOp
	sm.mu.Unlock()

	return theOp.ctx, func() {
		theOp.cancelFunc()
		sm.mu.Lock()
		if theOp == sm.currentOp {
			sm.currentOp = nil
		}
		sm.mu.Unlock()
	}
}

// CancelRunning cancels the current operation unless ctx belongs to it.
func (sm *SingleOperationManager) CancelRunning(ctx context.Context) {
	if ctx.Value(somCtxKeySingleOp) != nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cancelInLock(ctx)
}

// Superseded reports whether the operation ctx belongs to was cancelled by a newer command,
// as opposed to by its caller. A superseded command must leave the motor to the newer one.
func (sm *SingleOperationManager) Superseded(ctx context.Context) bool {
	op, _ := ctx.Value(somCtxKeySingleOp).(*anOp)
	if op == nil {
		return false
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return op.superseded
}

// IsMovingInterface is anything that can report whether it is still in motion.
type IsMovingInterface interface {
	IsMoving(ctx context.Context) (bool, error)
}

// WaitTillStopped polls IsMoving until it reports false. If the caller's context is
// cancelled, stop is called before returning. Being superseded by another command does not
// call stop, since the motor now belongs to that command.
func (sm *SingleOperationManager) WaitTillStopped(
	ctx context.Context,
	pollTime time.Duration,
	moving IsMovingInterface,
	stop func(context.Context) error,
) (err error) {
	ctx, finish := sm.New(ctx)
	defer finish()

	defer func() {
		if ctx.Err() == nil {
			return
		}
		var errStop error
		if !sm.Superseded(ctx) {
			// ctx is already done; stopping must not depend on it.
			errStop = stop(context.WithoutCancel(ctx))
		}
		err = multierr.Combine(err, errStop)
	}()

	return sm.WaitForSuccess(ctx, pollTime, func(ctx context.Context) (bool, error) {
		res, err := moving.IsMoving(ctx)
		return !res, err
	})
}

// WaitForSuccess calls testFunc every pollTime until it returns true or an error.
func (sm *SingleOperationManager) WaitForSuccess(
	ctx context.Context,
	pollTime time.Duration,
	testFunc func(ctx context.Context) (bool, error),
) error {
	ctx, finish := sm.New(ctx)
	defer finish()

	for {
		res, err := testFunc(ctx)
		if err != nil {
			return err
		}
		if res {
			return nil
		}

		if !utils.SelectContextOrWait(ctx, pollTime) {
			return ctx.Err()
		}
	}
}

func (sm *SingleOperationManager) cancelInLock(ctx context.Context) {
	myOp := ctx.Value(somCtxKeySingleOp)
	op := sm.currentOp

	if op == nil || myOp == op {
		return
	}

	op.superseded = true
	op.cancelFunc()
	sm.currentOp = nil
}

type anOp struct {
	ctx        context.Context
	cancelFunc context.CancelFunc
	superseded bool
}
