package main

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/dualstepper/components/board/fake"
	"go.viam.com/dualstepper/components/motor"
	"go.viam.com/dualstepper/config"
	"go.viam.com/dualstepper/logging"
)

func stepper(name, step, dir string) config.Component {
	return config.Component{
		Name:  name,
		Model: "dualstepper",
		Attributes: config.AttributeMap{
			"pins": map[string]interface{}{"step": step, "dir": dir},
		},
	}
}

func fakeConfig(motors ...config.Component) *config.Config {
	return &config.Config{
		Board:       config.Component{Name: "local", Model: fake.ModelName},
		Motors:      motors,
		Coordinator: config.Coordinator{PeriodMs: 5},
	}
}

func TestNewSystem(t *testing.T) {
	ctx := context.Background()
	s, err := newSystem(ctx, fakeConfig(stepper("x", "8", "0"), stepper("y", "9", "1")), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, s.coord.Motors(), test.ShouldResemble, []motor.ID{"8", "9"})
	test.That(t, s.coord.Period(), test.ShouldEqual, 5*time.Millisecond)
	test.That(t, s.motors["x"].State(), test.ShouldEqual, motor.Idle)
	test.That(t, s.motors["y"].Mode(), test.ShouldEqual, motor.PositionMode)

	test.That(t, s.Close(ctx), test.ShouldBeNil)
	test.That(t, s.board.(*fake.Board).CloseCount, test.ShouldEqual, 1)
	test.That(t, errors.Is(s.motors["x"].Rotate(ctx, 100), motor.ErrClosed), test.ShouldBeTrue)
}

func TestNewSystemRejectsBadConfigs(t *testing.T) {
	logger := logging.NewTestLogger(t)
	badAttrs := stepper("x", "8", "0")
	badAttrs.Attributes["rpm"] = 30
	noDir := stepper("x", "8", "")

	for _, tc := range []struct {
		name   string
		cfg    *config.Config
		errMsg string
	}{
		{
			"unknown board model",
			&config.Config{Board: config.Component{Name: "b", Model: "abacus"}},
			"unknown model",
		},
		{
			"unknown motor model",
			fakeConfig(config.Component{Name: "x", Model: "servo"}),
			"unknown model",
		},
		{"unknown attribute", fakeConfig(badAttrs), "rpm"},
		{"missing direction pin", fakeConfig(noDir), "dir"},
		{"shared step pin", fakeConfig(stepper("x", "8", "0"), stepper("y", "8", "1")), "step pin \"8\""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newSystem(context.Background(), tc.cfg, logger)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errMsg)
		})
	}
}

func TestRunCommands(t *testing.T) {
	ctx := context.Background()
	s, err := newSystem(ctx, fakeConfig(stepper("x", "8", "0"), stepper("y", "9", "1")), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, s.Close(ctx), test.ShouldBeNil)
	}()
	s.coord.Start()

	err = s.runCommands(ctx, []config.Command{
		{Op: config.OpGoFor, Motor: "x", Steps: 20, Rate: 2000},
		{Op: config.OpRotate, Motor: "y", Rate: 300},
		{Op: config.OpSetTargetRate, Motor: "y", Rate: -200},
		{Op: config.OpWait, WaitMs: 20},
	})
	test.That(t, err, test.ShouldBeNil)

	x := s.motors["x"]
	test.That(t, x.Position(), test.ShouldEqual, int64(20))
	test.That(t, x.State(), test.ShouldEqual, motor.Idle)

	b := s.board.(*fake.Board)
	stepX, err := b.Pin("8")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stepX.RisingEdges(), test.ShouldEqual, 20)

	stepY, err := b.Pin("9")
	test.That(t, err, test.ShouldBeNil)
	dirY, err := b.Pin("1")
	test.That(t, err, test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		freq, _ := stepY.PWMFreq(ctx)
		forward, _ := dirY.Get(ctx)
		test.That(tb, freq, test.ShouldEqual, uint(200))
		test.That(tb, forward, test.ShouldBeFalse)
	})
	test.That(t, s.motors["y"].State(), test.ShouldEqual, motor.SpeedRunning)

	test.That(t, s.runCommands(ctx, []config.Command{{Op: config.OpStop, Motor: "y"}}), test.ShouldBeNil)
	test.That(t, s.motors["y"].State(), test.ShouldEqual, motor.Idle)
	duty, _ := stepY.PWM(ctx)
	test.That(t, duty, test.ShouldEqual, 0.0)

	err = s.runCommands(ctx, []config.Command{
		{Op: config.OpMove, Motor: "x", Steps: 10, Rate: 0},
		{Op: config.OpRotate, Motor: "x", Rate: 100},
	})
	test.That(t, errors.Is(err, motor.ErrInvalidRate), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "command 0 (move)")
	test.That(t, x.State(), test.ShouldEqual, motor.Idle)

	err = s.runCommands(ctx, []config.Command{{Op: config.OpStop, Motor: "z"}})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no motor named")
}

func TestRunReturnsWhenCancelled(t *testing.T) {
	cfg := fakeConfig(stepper("x", "8", "0"))
	cfg.Commands = []config.Command{
		{Op: config.OpRotate, Motor: "x", Rate: 120},
		{Op: config.OpWait, WaitMs: 60000},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	test.That(t, run(ctx, cfg, logging.NewTestLogger(t)), test.ShouldBeNil)
	test.That(t, time.Since(start), test.ShouldBeLessThan, 10*time.Second)
}
