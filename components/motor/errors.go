package motor

import "github.com/pkg/errors"

var (
	// ErrModeConflict is returned when a command needs the motor in one mode while the
	// other mode is actively running.
	ErrModeConflict = errors.New("motor is running in the other mode")

	// ErrInvalidRate is returned for a position move requested at zero steps per second.
	ErrInvalidRate = errors.New("cannot move motor at a rate of 0 steps per second")

	// ErrClosed is returned by any command issued after the motor was closed.
	ErrClosed = errors.New("motor is closed")
)

// NewModeConflictError reports that motorName cannot do op while it is in state.
func NewModeConflictError(motorName, op string, state State) error {
	return errors.Wrapf(ErrModeConflict, "motor %s cannot %s while %s", motorName, op, state)
}

// NewInvalidRateError reports a zero rate move request for motorName.
func NewInvalidRateError(motorName string) error {
	return errors.Wrapf(ErrInvalidRate, "motor %s", motorName)
}

// NewClosedError reports a command issued to motorName after Close.
func NewClosedError(motorName string) error {
	return errors.Wrapf(ErrClosed, "motor %s", motorName)
}
