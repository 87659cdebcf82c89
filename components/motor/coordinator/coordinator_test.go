package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/dualstepper/components/board/fake"
	"go.viam.com/dualstepper/components/motor"
	"go.viam.com/dualstepper/components/motor/dualstepper"
	"go.viam.com/dualstepper/logging"
)

type recordingMotor struct {
	id        motor.ID
	state     motor.State
	refreshes atomic.Int32
	err       error
	order     *[]motor.ID
	orderMu   *sync.Mutex
}

func (r *recordingMotor) ID() motor.ID       { return r.id }
func (r *recordingMotor) State() motor.State { return r.state }

func (r *recordingMotor) RefreshSpeed(ctx context.Context) error {
	r.refreshes.Inc()
	if r.order != nil {
		r.orderMu.Lock()
		*r.order = append(*r.order, r.id)
		r.orderMu.Unlock()
	}
	return r.err
}

func TestAddMotor(t *testing.T) {
	c := New(0, logging.NewTestLogger(t))
	test.That(t, c.Period(), test.ShouldEqual, DefaultPeriod)

	a := &recordingMotor{id: "a", state: motor.SpeedRunning}
	test.That(t, c.AddMotor(a), test.ShouldBeTrue)
	test.That(t, c.AddMotor(a), test.ShouldBeFalse)
	test.That(t, c.AddMotor(&recordingMotor{id: "a"}), test.ShouldBeFalse)
	test.That(t, c.AddMotor(&recordingMotor{id: "b"}), test.ShouldBeTrue)
	test.That(t, c.Motors(), test.ShouldResemble, []motor.ID{"a", "b"})

	// a motor added twice is refreshed once per tick
	c.Tick(context.Background())
	test.That(t, a.refreshes.Load(), test.ShouldEqual, int32(1))
}

func TestTickRefreshesSpeedRunningMotorsInOrder(t *testing.T) {
	var order []motor.ID
	var orderMu sync.Mutex
	c := New(DefaultPeriod, logging.NewTestLogger(t))

	motors := []*recordingMotor{
		{id: "m1", state: motor.SpeedRunning},
		{id: "m2", state: motor.Idle},
		{id: "m3", state: motor.SpeedRunning},
		{id: "m4", state: motor.PositionRunning},
		{id: "m5", state: motor.SpeedRunning},
	}
	for _, m := range motors {
		m.order, m.orderMu = &order, &orderMu
		c.AddMotor(m)
	}

	c.Tick(context.Background())
	c.Tick(context.Background())
	test.That(t, order, test.ShouldResemble, []motor.ID{"m1", "m3", "m5", "m1", "m3", "m5"})
	test.That(t, motors[1].refreshes.Load(), test.ShouldEqual, int32(0))
	test.That(t, motors[3].refreshes.Load(), test.ShouldEqual, int32(0))
	test.That(t, c.Ticks(), test.ShouldEqual, uint64(2))
}

func TestTickContinuesPastFailures(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	c := New(DefaultPeriod, logger)
	broken := &recordingMotor{id: "broken", state: motor.SpeedRunning, err: errors.New("pin gone")}
	healthy := &recordingMotor{id: "healthy", state: motor.SpeedRunning}
	c.AddMotor(broken)
	c.AddMotor(healthy)

	c.Tick(context.Background())
	test.That(t, healthy.refreshes.Load(), test.ShouldEqual, int32(1))
	test.That(t, logs.FilterMessage("failed to refresh motor speed").Len(), test.ShouldEqual, 1)
}

func TestStartTicksOnClock(t *testing.T) {
	mock := clock.NewMock()
	c := New(20*time.Millisecond, logging.NewTestLogger(t), WithClock(mock))
	m := &recordingMotor{id: "m", state: motor.SpeedRunning}
	c.AddMotor(m)

	c.Start()
	c.Start()
	test.That(t, m.refreshes.Load(), test.ShouldEqual, int32(0))

	for i := 1; i <= 3; i++ {
		mock.Add(20 * time.Millisecond)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, m.refreshes.Load(), test.ShouldEqual, int32(i))
		})
	}

	c.Close()
	mock.Add(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	test.That(t, m.refreshes.Load(), test.ShouldEqual, int32(3))
	c.Close()
}

func TestAddWhileTicking(t *testing.T) {
	c := New(time.Millisecond, logging.NewTestLogger(t))
	c.Start()
	defer c.Close()

	motors := make([]*recordingMotor, 50)
	var wg sync.WaitGroup
	for i := range motors {
		motors[i] = &recordingMotor{id: motor.ID(fmt.Sprintf("m%d", i)), state: motor.SpeedRunning}
		wg.Add(1)
		go func(m *recordingMotor) {
			defer wg.Done()
			c.AddMotor(m)
		}(motors[i])
	}
	wg.Wait()
	test.That(t, c.Motors(), test.ShouldHaveLength, 50)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		for _, m := range motors {
			test.That(tb, m.refreshes.Load(), test.ShouldBeGreaterThan, int32(0))
		}
	})
}

func TestCoordinatesSteppers(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	b := fake.NewBoard(logger)

	newMotor := func(step, dir string) *dualstepper.Motor {
		conf := dualstepper.Config{Pins: dualstepper.PinConfig{Step: step, Direction: dir}}
		m, err := dualstepper.NewMotor(ctx, b, conf, "motor"+step, logger)
		test.That(t, err, test.ShouldBeNil)
		t.Cleanup(func() { test.That(t, m.Close(ctx), test.ShouldBeNil) })
		return m
	}
	m1 := newMotor("8", "0")
	m2 := newMotor("9", "1")
	m3 := newMotor("10", "2")
	step1, _ := b.Pin("8")
	step2, _ := b.Pin("9")
	dir1, _ := b.Pin("0")
	dir2, _ := b.Pin("1")

	mock := clock.NewMock()
	c := New(DefaultPeriod, logger, WithClock(mock))
	for _, m := range []*dualstepper.Motor{m1, m2, m3, m1} {
		c.AddMotor(m)
	}
	test.That(t, c.Motors(), test.ShouldResemble, []motor.ID{"8", "9", "10"})

	test.That(t, m1.Rotate(ctx, 300), test.ShouldBeNil)
	test.That(t, m2.Rotate(ctx, -150), test.ShouldBeNil)
	test.That(t, m3.Move(ctx, 1000, 200), test.ShouldBeNil)

	expect := func(tb testing.TB, pin, dir *fake.GPIOPin, freq uint, forward bool) {
		tb.Helper()
		f, _ := pin.PWMFreq(ctx)
		d, _ := pin.PWM(ctx)
		h, _ := dir.Get(ctx)
		test.That(tb, f, test.ShouldEqual, freq)
		test.That(tb, d, test.ShouldEqual, 0.5)
		test.That(tb, h, test.ShouldEqual, forward)
	}

	c.Start()
	defer c.Close()
	for i := 0; i < 3; i++ {
		mock.Add(DefaultPeriod)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, c.Ticks(), test.ShouldEqual, uint64(i+1))
		})
		expect(t, step1, dir1, 300, true)
		expect(t, step2, dir2, 150, false)
	}

	// an outside loop shaping speed only sets targets; ticks apply them
	m1.SetTargetRate(450)
	m2.SetTargetRate(-900)
	mock.Add(DefaultPeriod)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		expect(tb, step1, dir1, 450, true)
		expect(tb, step2, dir2, 500, false)
	})

	// the position mode motor is never touched by ticks
	test.That(t, m3.State(), test.ShouldEqual, motor.PositionRunning)
	step3, _ := b.Pin("10")
	test.That(t, step3.PWMFreqCount(), test.ShouldEqual, 0)
	test.That(t, m3.Stop(ctx), test.ShouldBeNil)

	// stopped motors stay stopped
	test.That(t, m1.Stop(ctx), test.ShouldBeNil)
	ticks := c.Ticks()
	mock.Add(DefaultPeriod)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, c.Ticks(), test.ShouldEqual, ticks+1)
	})
	d, _ := step1.PWM(ctx)
	test.That(t, d, test.ShouldEqual, 0.0)
}
