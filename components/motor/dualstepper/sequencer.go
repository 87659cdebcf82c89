package dualstepper

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"
)

// stopPollInterval is how often Stop checks whether a cancelled step task has exited.
const stopPollInterval = 10 * time.Millisecond

// stepTask is one position move. The controller owns it; the goroutine running it only
// reads its parameters and writes remaining and active.
type stepTask struct {
	rate       int64
	forward    bool
	halfPeriod time.Duration

	remaining       atomic.Int64
	cancelRequested atomic.Bool
	active          atomic.Bool
}

func newStepTask(steps, rate int64, forward bool) *stepTask {
	t := &stepTask{
		rate:       rate,
		forward:    forward,
		halfPeriod: time.Duration(0.5 / float64(rate) * float64(time.Second)),
	}
	t.remaining.Store(steps)
	t.active.Store(true)
	return t
}

func (t *stepTask) running() bool {
	return t != nil && t.active.Load()
}

// runStepTask emits the task's pulses. Cancellation is checked before every pulse, so a
// stop takes effect within one step period.
func (m *Motor) runStepTask(ctx context.Context, t *stepTask) {
	defer t.active.Store(false)

	delta := int64(1)
	if !t.forward {
		delta = -1
	}
	for t.remaining.Load() > 0 {
		if t.cancelRequested.Load() {
			m.logger.Debugw("step task cancelled", "remaining", t.remaining.Load())
			return
		}
		if err := m.pulse(ctx, t.halfPeriod); err != nil {
			if ctx.Err() != nil {
				m.logger.Debugw("step task interrupted by shutdown", "remaining", t.remaining.Load())
				return
			}
			m.logger.Errorw("step task aborted", "remaining", t.remaining.Load(), "error", err)
			return
		}
		m.position.Add(delta)
		t.remaining.Dec()
	}
	m.logger.Debugw("step task finished", "position", m.position.Load())
}

// pulse drives one full step: high for half a period, then low for half a period.
func (m *Motor) pulse(ctx context.Context, halfPeriod time.Duration) error {
	if err := m.stepPin.Set(ctx, true); err != nil {
		return errors.Wrap(err, "failed to raise step pin")
	}
	if !goutils.SelectContextOrWait(ctx, halfPeriod) {
		//nolint:errcheck
		m.stepPin.Set(context.Background(), false)
		return ctx.Err()
	}
	if err := m.stepPin.Set(ctx, false); err != nil {
		return errors.Wrap(err, "failed to lower step pin")
	}
	if !goutils.SelectContextOrWait(ctx, halfPeriod) {
		return ctx.Err()
	}
	return nil
}

// stopTaskInLock cancels the active step task, if any, and blocks until it has exited.
func (m *Motor) stopTaskInLock(ctx context.Context) error {
	t := m.task.Load()
	if t == nil {
		return nil
	}
	if t.active.Load() {
		t.cancelRequested.Store(true)
		for t.active.Load() {
			if !goutils.SelectContextOrWait(ctx, stopPollInterval) {
				return errors.Wrapf(ctx.Err(), "motor %s: gave up waiting for step task to stop", m.name)
			}
		}
	}
	m.task.Store(nil)
	return nil
}
