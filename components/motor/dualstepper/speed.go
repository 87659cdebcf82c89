package dualstepper

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/dualstepper/components/motor"
)

// speedDutyCycle is the oscillator duty cycle while a speed program runs. Drivers step on
// an edge, so 50% gives the widest pulse at any frequency.
const speedDutyCycle = 0.5

// speedProgram is what a signed target rate resolves to on the oscillator.
type speedProgram struct {
	// freqHz is the clamped frequency. 0 means the output is off.
	freqHz uint
	// forward is only meaningful when setDirection is true.
	forward      bool
	setDirection bool
}

func newSpeedProgram(rate int64, minRate, maxRate uint) speedProgram {
	return speedProgram{
		freqHz:       motor.ClampRate(rate, minRate, maxRate),
		forward:      rate > 0,
		setDirection: rate != 0,
	}
}

// applySpeedInLock programs the oscillator for rate. Direction follows the sign of rate even
// when the magnitude is too small to produce output, so the motor starts the right way once
// the rate climbs past the minimum.
func (m *Motor) applySpeedInLock(ctx context.Context, rate int64) error {
	p := newSpeedProgram(rate, m.minRate, m.maxRate)
	if p.setDirection {
		if err := m.setDirectionInLock(ctx, p.forward); err != nil {
			return err
		}
	}
	if p.freqHz == 0 {
		return errors.Wrapf(m.stepPin.SetPWM(ctx, 0), "motor %s: failed to turn off oscillator", m.name)
	}
	if err := m.stepPin.SetPWMFreq(ctx, p.freqHz); err != nil {
		return errors.Wrapf(err, "motor %s: failed to set oscillator to %d Hz", m.name, p.freqHz)
	}
	return errors.Wrapf(m.stepPin.SetPWM(ctx, speedDutyCycle), "motor %s: failed to start oscillator", m.name)
}

// stopSpeedInLock turns the oscillator off and forgets the speed program.
func (m *Motor) stopSpeedInLock(ctx context.Context) error {
	m.speedRunning.Store(false)
	m.targetRate.Store(0)
	return errors.Wrapf(m.stepPin.SetPWM(ctx, 0), "motor %s: failed to turn off oscillator", m.name)
}

// RefreshSpeed re-applies the current target rate while the motor is speed running. If a
// command holds the motor, the refresh is skipped and nil returned; the next one catches up.
func (m *Motor) RefreshSpeed(ctx context.Context) error {
	if !m.mu.TryLock() {
		return nil
	}
	defer m.mu.Unlock()

	if m.closed || !m.speedRunning.Load() {
		return nil
	}
	return m.applySpeedInLock(ctx, m.targetRate.Load())
}

// SetTargetRate changes the speed target without touching hardware. A coordinator applies it
// at its next tick, which lets an outside loop shape speed over time.
func (m *Motor) SetTargetRate(rate int64) {
	m.targetRate.Store(rate)
}

// TargetRate returns the current signed speed target in steps per second.
func (m *Motor) TargetRate() int64 {
	return m.targetRate.Load()
}
