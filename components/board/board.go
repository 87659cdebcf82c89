// Package board defines the digital output lines a stepper driver is wired to.
package board

import "context"

// A Board hands out GPIO pins by name.
type Board interface {
	// GPIOPinByName returns the pin with the given name. Repeated calls with the same name
	// return the same underlying line.
	GPIOPinByName(name string) (GPIOPin, error)

	// Close releases every line and stops any background PWM generation.
	Close(ctx context.Context) error
}

// A GPIOPin represents an individual GPIO pin on a board. A stepper uses one pin as its
// pulse line (Set) which doubles as its oscillator (SetPWM, SetPWMFreq), and one pin as
// its direction line.
type GPIOPin interface {
	// Set sets the pin to either low or high. Any PWM output on the pin is stopped.
	Set(ctx context.Context, high bool) error

	// Get gets the high/low state of the pin.
	Get(ctx context.Context) (bool, error)

	// PWM gets the pin's duty cycle, between 0 and 1.
	PWM(ctx context.Context) (float64, error)

	// SetPWM sets the pin to the given duty cycle, between 0 and 1. 0 stops the output.
	SetPWM(ctx context.Context, dutyCyclePct float64) error

	// PWMFreq gets the PWM frequency of the pin.
	PWMFreq(ctx context.Context) (uint, error)

	// SetPWMFreq sets the given pin to the given PWM frequency.
	SetPWMFreq(ctx context.Context, freqHz uint) error
}
