// Package fake implements an in-memory board whose pins record every write.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/dualstepper/components/board"
	"go.viam.com/dualstepper/logging"
)

// ModelName is the board model name used in config files.
const ModelName = "fake"

var _ = board.Board(&Board{})

// A Board lazily creates a fake GPIOPin for every name it is asked for.
type Board struct {
	mu         sync.Mutex
	GPIOPins   map[string]*GPIOPin
	logger     logging.Logger
	CloseCount int
}

// NewBoard returns an empty fake board.
func NewBoard(logger logging.Logger) *Board {
	return &Board{GPIOPins: map[string]*GPIOPin{}, logger: logger}
}

// GPIOPinByName returns the GPIO pin by the given name, creating it on first use.
func (b *Board) GPIOPinByName(name string) (board.GPIOPin, error) {
	return b.Pin(name)
}

// Pin is GPIOPinByName returning the concrete fake, for tests that inspect pin history.
func (b *Board) Pin(name string) (*GPIOPin, error) {
	if name == "" {
		return nil, errors.New("pin name cannot be empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.GPIOPins[name]
	if !ok {
		b.logger.Debugw("creating fake pin", "pin", name)
		p = &GPIOPin{}
		b.GPIOPins[name] = p
	}
	return p, nil
}

// Close counts the close.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCount++
	return nil
}

// A GPIOPin holds the last written level, duty cycle and frequency, and counts writes.
type GPIOPin struct {
	mu      sync.Mutex
	high    bool
	pwm     float64
	pwmFreq uint

	setCalls     int
	risingEdges  int
	pwmCalls     int
	pwmFreqCalls int
	failWith     error
}

// FailWith makes every following write return err. nil restores normal behavior.
func (gp *GPIOPin) FailWith(err error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	gp.failWith = err
}

// Set sets the pin to either low or high and stops PWM output.
func (gp *GPIOPin) Set(ctx context.Context, high bool) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.failWith != nil {
		return gp.failWith
	}
	gp.setCalls++
	if high && !gp.high {
		gp.risingEdges++
	}
	gp.high = high
	gp.pwm = 0
	gp.pwmFreq = 0
	return nil
}

// Get gets the high/low state of the pin.
func (gp *GPIOPin) Get(ctx context.Context) (bool, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.high, nil
}

// PWM gets the pin's given duty cycle.
func (gp *GPIOPin) PWM(ctx context.Context) (float64, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.pwm, nil
}

// SetPWM sets the pin to the given duty cycle.
func (gp *GPIOPin) SetPWM(ctx context.Context, dutyCyclePct float64) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.failWith != nil {
		return gp.failWith
	}
	if dutyCyclePct < 0 || dutyCyclePct > 1 {
		return errors.Errorf("duty cycle %.3f out of range [0, 1]", dutyCyclePct)
	}
	gp.pwmCalls++
	gp.pwm = dutyCyclePct
	return nil
}

// PWMFreq gets the PWM frequency of the pin.
func (gp *GPIOPin) PWMFreq(ctx context.Context) (uint, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.pwmFreq, nil
}

// SetPWMFreq sets the given pin to the given PWM frequency.
func (gp *GPIOPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.failWith != nil {
		return gp.failWith
	}
	gp.pwmFreqCalls++
	gp.pwmFreq = freqHz
	return nil
}

// SetCount returns how many times Set succeeded.
func (gp *GPIOPin) SetCount() int {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.setCalls
}

// RisingEdges returns how many low to high transitions Set produced, i.e. step pulses.
func (gp *GPIOPin) RisingEdges() int {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.risingEdges
}

// PWMCount returns how many times SetPWM succeeded.
func (gp *GPIOPin) PWMCount() int {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.pwmCalls
}

// PWMFreqCount returns how many times SetPWMFreq succeeded.
func (gp *GPIOPin) PWMFreqCount() int {
	gp.mu.Lock()
	defer gp.mu.Unlock()
	return gp.pwmFreqCalls
}
