// Package motor defines the vocabulary shared by stepper motor controllers and the
// coordinator that keeps their speed outputs fresh.
package motor

import (
	"context"
	"fmt"
	"math"
)

// ID identifies a motor. It is the name of the motor's step pin, so two controllers can
// never share an ID without sharing hardware.
type ID string

// Mode is the output mode a motor's step pin is configured for.
type Mode int

const (
	// PositionMode drives the step pin one pulse at a time from a step task.
	PositionMode Mode = iota
	// SpeedMode drives the step pin as a continuous 50% duty oscillator.
	SpeedMode
)

func (m Mode) String() string {
	switch m {
	case PositionMode:
		return "position"
	case SpeedMode:
		return "speed"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// State is what a motor is doing right now.
type State int

const (
	// Idle means no step task is active and no speed program is running.
	Idle State = iota
	// PositionRunning means a step task is emitting pulses.
	PositionRunning
	// SpeedRunning means the oscillator is programmed from the motor's target rate.
	SpeedRunning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PositionRunning:
		return "position_running"
	case SpeedRunning:
		return "speed_running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SpeedRefresher is what the coordinator needs from a motor.
type SpeedRefresher interface {
	ID() ID
	State() State
	// RefreshSpeed re-applies the motor's current target rate to its oscillator. It must not
	// block: a motor that is busy with a command may skip the refresh.
	RefreshSpeed(ctx context.Context) error
}

// GetSign returns the sign of x as -1, 0 or 1.
func GetSign(x int64) int64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// Abs returns the magnitude of x. math.MinInt64 has no positive counterpart and saturates
// to math.MaxInt64.
func Abs(x int64) int64 {
	if x == math.MinInt64 {
		return math.MaxInt64
	}
	if x < 0 {
		return -x
	}
	return x
}

// ClampRate clamps a rate magnitude into [0, maxRate]. A magnitude below minRate is
// reported as 0, meaning the output should be off.
func ClampRate(rate int64, minRate, maxRate uint) uint {
	mag := uint64(Abs(rate))
	switch {
	case mag == 0 || mag < uint64(minRate):
		return 0
	case mag > uint64(maxRate):
		return maxRate
	default:
		return uint(mag)
	}
}
