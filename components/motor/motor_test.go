package motor

import (
	"errors"
	"math"
	"testing"

	"go.viam.com/test"
)

func TestGetSign(t *testing.T) {
	test.That(t, GetSign(-5), test.ShouldEqual, int64(-1))
	test.That(t, GetSign(0), test.ShouldEqual, int64(0))
	test.That(t, GetSign(12), test.ShouldEqual, int64(1))
	test.That(t, Abs(-7), test.ShouldEqual, int64(7))
	test.That(t, Abs(7), test.ShouldEqual, int64(7))
	test.That(t, Abs(math.MinInt64), test.ShouldEqual, int64(math.MaxInt64))
}

func TestClampRate(t *testing.T) {
	for _, tc := range []struct {
		rate     int64
		expected uint
	}{
		{0, 0},
		{5, 0},
		{-7, 0},
		{8, 8},
		{-8, 8},
		{300, 300},
		{-150, 150},
		{500, 500},
		{1000, 500},
		{-1000, 500},
		{math.MaxInt64, 500},
		{math.MinInt64, 500},
	} {
		test.That(t, ClampRate(tc.rate, 8, 500), test.ShouldEqual, tc.expected)
	}
}

func TestErrors(t *testing.T) {
	err := NewModeConflictError("x", "move", SpeedRunning)
	test.That(t, errors.Is(err, ErrModeConflict), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "speed_running")

	test.That(t, errors.Is(NewInvalidRateError("x"), ErrInvalidRate), test.ShouldBeTrue)
	test.That(t, errors.Is(NewClosedError("x"), ErrClosed), test.ShouldBeTrue)
	test.That(t, errors.Is(NewClosedError("x"), ErrInvalidRate), test.ShouldBeFalse)
}

func TestStrings(t *testing.T) {
	test.That(t, PositionMode.String(), test.ShouldEqual, "position")
	test.That(t, SpeedMode.String(), test.ShouldEqual, "speed")
	test.That(t, Idle.String(), test.ShouldEqual, "idle")
	test.That(t, PositionRunning.String(), test.ShouldEqual, "position_running")
	test.That(t, State(9).String(), test.ShouldEqual, "State(9)")
}
