// Package coordinator keeps the speed output of many motors current from one shared
// periodic tick, so an outside loop can change a motor's target rate and have it applied
// without issuing a command.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"go.viam.com/dualstepper/components/motor"
	"go.viam.com/dualstepper/logging"
	"go.viam.com/dualstepper/utils"
)

// DefaultPeriod is the tick period used when none is configured.
const DefaultPeriod = 20 * time.Millisecond

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock the tick is driven by. Tests pass a clock.Mock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clk = clk
	}
}

// A Coordinator owns an ordered registry of motors and one ticker. Each tick refreshes the
// motors that are speed running, in registration order.
type Coordinator struct {
	mu     sync.RWMutex
	motors []motor.SpeedRefresher
	ids    map[motor.ID]struct{}

	period time.Duration
	clk    clock.Clock
	logger logging.Logger

	startMu sync.Mutex
	workers utils.StoppableWorkers
	ticks   atomic.Uint64
}

// New returns a coordinator ticking every period, or DefaultPeriod if period is not positive.
// It does not tick until Start is called.
func New(period time.Duration, logger logging.Logger, opts ...Option) *Coordinator {
	if period <= 0 {
		period = DefaultPeriod
	}
	c := &Coordinator{
		ids:    map[motor.ID]struct{}{},
		period: period,
		clk:    clock.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddMotor registers m. Registering a motor whose ID is already present does nothing and
// returns false. Motors can be added while ticks are running.
func (c *Coordinator) AddMotor(m motor.SpeedRefresher) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[m.ID()]; ok {
		return false
	}
	c.ids[m.ID()] = struct{}{}
	c.motors = append(c.motors, m)
	c.logger.Debugw("motor registered", "motor", m.ID(), "count", len(c.motors))
	return true
}

// Motors returns the registered motor IDs in registration order.
func (c *Coordinator) Motors() []motor.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Map(c.motors, func(m motor.SpeedRefresher, _ int) motor.ID {
		return m.ID()
	})
}

// Period returns the tick period.
func (c *Coordinator) Period() time.Duration {
	return c.period
}

// Ticks returns how many ticks have completed.
func (c *Coordinator) Ticks() uint64 {
	return c.ticks.Load()
}

// Start begins ticking in the background. Calling it again does nothing.
func (c *Coordinator) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.workers != nil {
		return
	}
	// the ticker exists before Start returns so a mock clock advanced right after is seen
	ticker := c.clk.Ticker(c.period)
	c.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			c.Tick(ctx)
		}
	})
	c.logger.Debugw("coordinator started", "period", c.period)
}

// Tick refreshes every speed running motor once. A motor whose refresh fails is logged and
// the tick moves on.
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.RLock()
	snapshot := make([]motor.SpeedRefresher, len(c.motors))
	copy(snapshot, c.motors)
	c.mu.RUnlock()

	for _, m := range snapshot {
		if m.State() != motor.SpeedRunning {
			continue
		}
		if err := m.RefreshSpeed(ctx); err != nil {
			c.logger.Warnw("failed to refresh motor speed", "motor", m.ID(), "error", err)
		}
	}
	c.ticks.Inc()
}

// Close stops ticking and waits for an in-progress tick to finish. Motors are left as they
// are.
func (c *Coordinator) Close() {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.workers != nil {
		c.workers.Stop()
	}
}
