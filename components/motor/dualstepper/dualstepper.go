// Package dualstepper implements a stepper motor that runs either in position mode, where a
// background task emits an exact number of step pulses, or in speed mode, where the step
// pin is driven as an oscillator whose frequency is the speed.
//
// The step pin doubles as the oscillator, so the two modes are mutually exclusive: a motor
// never has an active step task while its oscillator is programmed.
package dualstepper

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/dualstepper/components/board"
	"go.viam.com/dualstepper/components/motor"
	"go.viam.com/dualstepper/logging"
	"go.viam.com/dualstepper/operation"
	"go.viam.com/dualstepper/utils"
)

// waitPollInterval is how often blocking moves check whether the motor has come to rest.
const waitPollInterval = time.Millisecond

var _ = motor.SpeedRefresher(&Motor{})

// A Motor is the mode state machine for one stepper.
type Motor struct {
	name             string
	id               motor.ID
	minRate, maxRate uint
	dirFlip          bool
	logger           logging.Logger

	stepPin, dirPin             board.GPIOPin
	enablePinHigh, enablePinLow board.GPIOPin

	// mu serializes commands and coordinator refreshes. Step tasks never take it.
	mu         sync.Mutex
	opMgr      operation.SingleOperationManager
	workers    utils.StoppableWorkers
	mode       motor.Mode
	dirKnown   bool
	dirForward bool
	closed     bool

	task         atomic.Pointer[stepTask]
	speedRunning atomic.Bool
	targetRate   atomic.Int64
	position     atomic.Int64
}

// NewMotor wires a motor to its pins on b and leaves it idle in position mode with the
// oscillator off and the step pin low.
func NewMotor(ctx context.Context, b board.Board, conf Config, name string, logger logging.Logger) (*Motor, error) {
	if err := conf.Validate(name); err != nil {
		return nil, err
	}
	minRate, maxRate := conf.rateBounds()
	m := &Motor{
		name:    name,
		id:      motor.ID(conf.Pins.Step),
		minRate: minRate,
		maxRate: maxRate,
		dirFlip: conf.DirectionFlip,
		logger:  logger,
		mode:    motor.PositionMode,
	}

	var err error
	// only set enable pins if they exist
	if conf.Pins.EnablePinHigh != "" {
		if m.enablePinHigh, err = b.GPIOPinByName(conf.Pins.EnablePinHigh); err != nil {
			return nil, err
		}
	}
	if conf.Pins.EnablePinLow != "" {
		if m.enablePinLow, err = b.GPIOPinByName(conf.Pins.EnablePinLow); err != nil {
			return nil, err
		}
	}
	if m.stepPin, err = b.GPIOPinByName(conf.Pins.Step); err != nil {
		return nil, err
	}
	if m.dirPin, err = b.GPIOPinByName(conf.Pins.Direction); err != nil {
		return nil, err
	}

	if err := m.enterModeInLock(ctx); err != nil {
		return nil, err
	}
	m.workers = utils.NewStoppableWorkers()
	return m, nil
}

// Name returns the motor's configured name.
func (m *Motor) Name() string {
	return m.name
}

// ID returns the motor's identity, the name of its step pin.
func (m *Motor) ID() motor.ID {
	return m.id
}

// Mode returns the output mode the step pin is configured for.
func (m *Motor) Mode() motor.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// State reports what the motor is doing. It never blocks.
func (m *Motor) State() motor.State {
	if m.task.Load().running() {
		return motor.PositionRunning
	}
	if m.speedRunning.Load() {
		return motor.SpeedRunning
	}
	return motor.Idle
}

// Position returns the step count accumulated by position moves since the last reset.
func (m *Motor) Position() int64 {
	return m.position.Load()
}

// IsMoving returns if the motor is running in either mode.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	return m.State() != motor.Idle, nil
}

// SetMode reconfigures the step pin for mode. Leaving position mode cancels an active step
// task and waits for it; leaving speed mode turns the oscillator off. Setting the current
// mode does nothing.
func (m *Motor) SetMode(ctx context.Context, mode motor.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return motor.NewClosedError(m.name)
	}
	m.opMgr.CancelRunning(ctx)
	return m.setModeInLock(ctx, mode)
}

func (m *Motor) setModeInLock(ctx context.Context, mode motor.Mode) error {
	if mode == m.mode {
		return nil
	}
	m.logger.Debugw("switching mode", "from", m.mode, "to", mode)

	var err error
	if m.mode == motor.SpeedMode {
		err = m.stopSpeedInLock(ctx)
	} else {
		err = m.stopTaskInLock(ctx)
	}
	if err != nil {
		return err
	}
	m.mode = mode
	return m.enterModeInLock(ctx)
}

func (m *Motor) enterModeInLock(ctx context.Context) error {
	if m.mode == motor.SpeedMode {
		// frequency stays as it was until a speed is requested
		return errors.Wrapf(m.stepPin.SetPWM(ctx, speedDutyCycle), "motor %s: failed to arm oscillator", m.name)
	}
	return errors.Wrapf(
		multierr.Combine(m.stepPin.SetPWM(ctx, 0), m.stepPin.Set(ctx, false)),
		"motor %s: failed to release step pin", m.name)
}

// Move starts a relative move of |steps| steps at |rate| steps per second and returns without
// waiting for it. The direction is the sign of rate; the sign of steps is ignored. An active
// move is stopped first. A speed program must be stopped before moving.
func (m *Motor) Move(ctx context.Context, steps, rate int64) error {
	if rate == 0 {
		return motor.NewInvalidRateError(m.name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPositionInLock("move"); err != nil {
		return err
	}
	m.opMgr.CancelRunning(ctx)
	return m.moveInLock(ctx, steps, rate)
}

// checkPositionInLock refuses a position command on a closed motor or while a speed program
// runs.
func (m *Motor) checkPositionInLock(op string) error {
	if m.closed {
		return motor.NewClosedError(m.name)
	}
	if m.speedRunning.Load() {
		return motor.NewModeConflictError(m.name, op, motor.SpeedRunning)
	}
	return nil
}

func (m *Motor) moveInLock(ctx context.Context, steps, rate int64) error {
	if err := m.stopTaskInLock(ctx); err != nil {
		return err
	}
	if err := m.setModeInLock(ctx, motor.PositionMode); err != nil {
		return err
	}
	forward := rate > 0
	if err := m.setDirectionInLock(ctx, forward); err != nil {
		return err
	}

	n := motor.Abs(steps)
	if n == 0 {
		return nil
	}
	if err := m.enable(ctx, true); err != nil {
		return err
	}

	t := newStepTask(n, motor.Abs(rate), forward)
	m.task.Store(t)
	if !m.workers.Add(func(ctx context.Context) { m.runStepTask(ctx, t) }) {
		t.active.Store(false)
		return motor.NewClosedError(m.name)
	}
	m.logger.Debugw("move started", "steps", n, "rate", t.rate, "forward", forward)
	return nil
}

// startOpInLock registers a blocking command as the motor's operation and starts it. The
// caller has already checked the command is allowed, so a refused command never cancels the
// one in flight.
func (m *Motor) startOpInLock(
	ctx context.Context,
	start func(ctx context.Context) error,
) (context.Context, func(), error) {
	ctx, done := m.opMgr.New(ctx)
	if err := start(ctx); err != nil {
		done()
		return nil, nil, err
	}
	return ctx, done, nil
}

// GoFor is Move, but blocks until the move finishes. If ctx is cancelled first the motor is
// stopped; if another command supersedes the move, GoFor returns without stopping it.
func (m *Motor) GoFor(ctx context.Context, steps, rate int64) error {
	if rate == 0 {
		return motor.NewInvalidRateError(m.name)
	}

	m.mu.Lock()
	if err := m.checkPositionInLock("move"); err != nil {
		m.mu.Unlock()
		return err
	}
	ctx, done, err := m.startOpInLock(ctx, func(ctx context.Context) error {
		return m.moveInLock(ctx, steps, rate)
	})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	defer done()

	if steps == 0 {
		return nil
	}
	return m.opMgr.WaitTillStopped(ctx, waitPollInterval, m, m.Stop)
}

// GoTo moves to an absolute step position at |rate| steps per second and blocks until there.
func (m *Motor) GoTo(ctx context.Context, position, rate int64) error {
	if rate == 0 {
		return motor.NewInvalidRateError(m.name)
	}

	var distance int64
	m.mu.Lock()
	if err := m.checkPositionInLock("go to a position"); err != nil {
		m.mu.Unlock()
		return err
	}
	ctx, done, err := m.startOpInLock(ctx, func(ctx context.Context) error {
		// settle first so the distance is measured from where the motor actually is
		if err := m.stopTaskInLock(ctx); err != nil {
			return err
		}
		distance = position - m.position.Load()
		if distance == 0 {
			return m.enable(ctx, false)
		}
		return m.moveInLock(ctx, distance, motor.GetSign(distance)*motor.Abs(rate))
	})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	defer done()

	if distance == 0 {
		m.logger.Debugw("already at target position", "position", position)
		return nil
	}
	return m.opMgr.WaitTillStopped(ctx, waitPollInterval, m, m.Stop)
}

// Rotate runs the motor continuously at rate steps per second, signed for direction.
// Rates are clamped to the configured bounds and rates below the minimum turn the output
// off while keeping the speed program running. A running position move must be stopped
// first.
func (m *Motor) Rotate(ctx context.Context, rate int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkSpeedInLock(); err != nil {
		return err
	}
	m.opMgr.CancelRunning(ctx)
	return m.rotateInLock(ctx, rate)
}

// checkSpeedInLock refuses a speed command on a closed motor or while a step task runs.
func (m *Motor) checkSpeedInLock() error {
	if m.closed {
		return motor.NewClosedError(m.name)
	}
	if m.task.Load().running() {
		return motor.NewModeConflictError(m.name, "rotate", motor.PositionRunning)
	}
	return nil
}

func (m *Motor) rotateInLock(ctx context.Context, rate int64) error {
	if err := m.setModeInLock(ctx, motor.SpeedMode); err != nil {
		return err
	}
	if err := m.enable(ctx, true); err != nil {
		return err
	}
	m.targetRate.Store(rate)
	m.speedRunning.Store(true)
	return m.applySpeedInLock(ctx, rate)
}

// GoTillStop rotates at rate until stopFunc returns true or ctx is done, then stops. If a
// newer command takes over the motor first, GoTillStop returns and leaves it running.
func (m *Motor) GoTillStop(ctx context.Context, rate int64, stopFunc func(ctx context.Context) bool) error {
	m.mu.Lock()
	if err := m.checkSpeedInLock(); err != nil {
		m.mu.Unlock()
		return err
	}
	ctx, done, err := m.startOpInLock(ctx, func(ctx context.Context) error {
		return m.rotateInLock(ctx, rate)
	})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	defer done()

	defer func() {
		if m.opMgr.Superseded(ctx) {
			return
		}
		if err := m.Stop(context.WithoutCancel(ctx)); err != nil {
			m.logger.Errorw("failed to stop motor", "error", err)
		}
	}()
	for {
		if !goutils.SelectContextOrWait(ctx, stopPollInterval) {
			return errors.Wrap(ctx.Err(), "stopped via context")
		}
		if stopFunc != nil && stopFunc(ctx) {
			return nil
		}
	}
}

// Stop cancels a running move and waits for it to exit, or ends a speed program. The motor
// is left idle in its current mode.
func (m *Motor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.opMgr.CancelRunning(ctx)
	return m.stopInLock(ctx)
}

func (m *Motor) stopInLock(ctx context.Context) error {
	err := m.stopTaskInLock(ctx)
	if m.mode == motor.SpeedMode {
		err = multierr.Combine(err, m.stopSpeedInLock(ctx))
	}
	return multierr.Combine(err, m.enable(ctx, false))
}

// SetDirection drives the direction line directly. While speed running the next refresh
// puts it back to the sign of the target rate.
func (m *Motor) SetDirection(ctx context.Context, forward bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return motor.NewClosedError(m.name)
	}
	if m.task.Load().running() {
		return motor.NewModeConflictError(m.name, "change direction", motor.PositionRunning)
	}
	return m.setDirectionInLock(ctx, forward)
}

// setDirectionInLock writes the direction line only when it changes.
func (m *Motor) setDirectionInLock(ctx context.Context, forward bool) error {
	if m.dirKnown && m.dirForward == forward {
		return nil
	}
	if err := m.dirPin.Set(ctx, forward != m.dirFlip); err != nil {
		return errors.Wrapf(err, "motor %s: failed to set direction", m.name)
	}
	m.dirKnown, m.dirForward = true, forward
	return nil
}

// ResetZeroPosition makes the current position read as offset.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return motor.NewClosedError(m.name)
	}
	if m.task.Load().running() {
		return motor.NewModeConflictError(m.name, "reset its position", motor.PositionRunning)
	}
	m.position.Store(offset)
	return nil
}

// enable energizes or releases the driver if enable pins are wired.
func (m *Motor) enable(ctx context.Context, on bool) error {
	var errs error
	if m.enablePinHigh != nil {
		errs = multierr.Combine(errs, m.enablePinHigh.Set(ctx, on))
	}
	if m.enablePinLow != nil {
		errs = multierr.Combine(errs, m.enablePinLow.Set(ctx, !on))
	}
	return errors.Wrapf(errs, "motor %s: failed to set enable pins", m.name)
}

// Close stops the motor and its background workers. Later commands return motor.ErrClosed.
func (m *Motor) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.opMgr.CancelRunning(ctx)
	err := m.stopInLock(ctx)
	m.closed = true
	m.mu.Unlock()

	m.workers.Stop()
	return err
}
