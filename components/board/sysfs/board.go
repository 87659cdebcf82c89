// Package sysfs implements a Linux board on top of periph.io GPIO lines. Pins without
// hardware PWM get a software PWM loop, which is good enough for stepper rates of a few
// hundred hertz.
package sysfs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"go.viam.com/dualstepper/components/board"
	"go.viam.com/dualstepper/logging"
	"go.viam.com/dualstepper/utils"
)

// ModelName is the board model name used in config files.
const ModelName = "sysfs"

// idlePoll is how often a software PWM loop with no output checks for a new setting.
const idlePoll = 10 * time.Millisecond

// Config describes how motor-facing pin names map onto the host's GPIO lines.
type Config struct {
	// Pins maps a pin name used in motor configs to a periph line name such as "GPIO17".
	// Names without an entry are looked up as given.
	Pins map[string]string `json:"pins,omitempty"`
	// HardwarePWM lists pin names whose line supports hardware PWM.
	HardwarePWM []string `json:"hardware_pwm,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	for name, line := range conf.Pins {
		if name == "" {
			return errors.Errorf("%s: pin alias cannot be empty", path)
		}
		if line == "" {
			return goutils.NewConfigValidationFieldRequiredError(path, fmt.Sprintf("pins.%s", name))
		}
	}
	for idx, name := range conf.HardwarePWM {
		if name == "" {
			return goutils.NewConfigValidationFieldRequiredError(path, fmt.Sprintf("hardware_pwm.%d", idx))
		}
	}
	return nil
}

type pwmSetting struct {
	dutyCycle gpio.Duty
	frequency physic.Frequency
}

// periods splits one PWM period into its high and low parts. A zero duty or frequency
// means the output is off.
func (s pwmSetting) periods() (on, off time.Duration, active bool) {
	if s.dutyCycle == 0 || s.frequency == 0 {
		return 0, 0, false
	}
	period := s.frequency.Period()
	on = time.Duration(float64(s.dutyCycle) / float64(gpio.DutyMax) * float64(period))
	return on, period - on, true
}

var _ = board.Board(&sysfsBoard{})

type sysfsBoard struct {
	mu     sync.RWMutex
	conf   Config
	hwPWM  map[string]bool
	pins   map[string]*gpioPin
	pwms   map[string]pwmSetting
	logger logging.Logger

	workers utils.StoppableWorkers
	closed  bool
}

// NewBoard initializes periph's host drivers and returns a board over the host's lines.
func NewBoard(conf *Config, logger logging.Logger) (board.Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize periph host drivers")
	}
	return newBoard(conf, logger), nil
}

func newBoard(conf *Config, logger logging.Logger) *sysfsBoard {
	hwPWM := make(map[string]bool, len(conf.HardwarePWM))
	for _, name := range conf.HardwarePWM {
		hwPWM[name] = true
	}
	return &sysfsBoard{
		conf:    *conf,
		hwPWM:   hwPWM,
		pins:    map[string]*gpioPin{},
		pwms:    map[string]pwmSetting{},
		logger:  logger,
		workers: utils.NewStoppableWorkers(),
	}
}

func (b *sysfsBoard) lineName(pinName string) string {
	if line, ok := b.conf.Pins[pinName]; ok {
		return line
	}
	return pinName
}

func (b *sysfsBoard) GPIOPinByName(pinName string) (board.GPIOPin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gp, ok := b.pins[pinName]; ok {
		return gp, nil
	}
	line := b.lineName(pinName)
	pin := gpioreg.ByName(line)
	if pin == nil {
		return nil, errors.Errorf("no global pin found for %q", line)
	}
	gp := &gpioPin{b: b, pin: pin, pinName: pinName, hwPWMSupported: b.hwPWM[pinName]}
	b.pins[pinName] = gp
	return gp, nil
}

func (b *sysfsBoard) Close(ctx context.Context) error {
	// no new software PWM loops start once closed is set, so stopping outside the lock
	// cannot race an Add.
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.workers.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	var errs error
	for _, gp := range b.pins {
		errs = multierr.Combine(errs, errors.Wrapf(gp.pin.Halt(), "failed to halt pin %s", gp.pinName))
	}
	return errs
}

type gpioPin struct {
	b              *sysfsBoard
	pin            gpio.PinIO
	pinName        string
	hwPWMSupported bool
	loopRunning    bool
}

func (gp *gpioPin) Set(ctx context.Context, high bool) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	delete(gp.b.pwms, gp.pinName)

	return gp.set(high)
}

func (gp *gpioPin) set(high bool) error {
	l := gpio.Low
	if high {
		l = gpio.High
	}
	return gp.pin.Out(l)
}

func (gp *gpioPin) Get(ctx context.Context) (bool, error) {
	return gp.pin.Read() == gpio.High, nil
}

func (gp *gpioPin) PWM(ctx context.Context) (float64, error) {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()

	return float64(gp.b.pwms[gp.pinName].dutyCycle) / float64(gpio.DutyMax), nil
}

func (gp *gpioPin) SetPWM(ctx context.Context, dutyCyclePct float64) error {
	if dutyCyclePct < 0 || dutyCyclePct > 1 {
		return errors.Errorf("duty cycle %.3f out of range [0, 1]", dutyCyclePct)
	}
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	setting := gp.b.pwms[gp.pinName]
	setting.dutyCycle = gpio.Duty(dutyCyclePct * float64(gpio.DutyMax))
	if setting.dutyCycle == 0 {
		// off: drop the setting so a software loop exits instead of idling on the line
		delete(gp.b.pwms, gp.pinName)
		return gp.set(false)
	}
	gp.b.pwms[gp.pinName] = setting
	return gp.applyInLock(setting)
}

func (gp *gpioPin) PWMFreq(ctx context.Context) (uint, error) {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()

	return uint(gp.b.pwms[gp.pinName].frequency / physic.Hertz), nil
}

func (gp *gpioPin) SetPWMFreq(ctx context.Context, freqHz uint) error {
	gp.b.mu.Lock()
	defer gp.b.mu.Unlock()

	setting := gp.b.pwms[gp.pinName]
	setting.frequency = physic.Hertz * physic.Frequency(freqHz)
	gp.b.pwms[gp.pinName] = setting
	return gp.applyInLock(setting)
}

// expects the board lock to be held.
func (gp *gpioPin) applyInLock(setting pwmSetting) error {
	if gp.hwPWMSupported {
		if _, _, active := setting.periods(); !active {
			return gp.pin.Out(gpio.Low)
		}
		return errors.Wrapf(gp.pin.PWM(setting.dutyCycle, setting.frequency), "hardware PWM on pin %s", gp.pinName)
	}
	if gp.loopRunning || gp.b.closed {
		return nil
	}
	gp.loopRunning = gp.b.workers.Add(gp.softwarePWMLoop)
	return nil
}

// setIfPWM writes the line only while the pin is still under PWM control, checked under the
// board lock. It reports false, and marks the loop stopped, once the setting is gone, so a
// Set from a caller is never overwritten by a loop iteration that started before it.
func (gp *gpioPin) setIfPWM(ctx context.Context, high bool) bool {
	b := gp.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pwms[gp.pinName]; !ok || ctx.Err() != nil {
		gp.loopRunning = false
		return false
	}
	if err := gp.set(high); err != nil {
		b.logger.Errorw("error setting pin", "pin", gp.pinName, "error", err)
	}
	return true
}

func (gp *gpioPin) currentSetting() pwmSetting {
	gp.b.mu.RLock()
	defer gp.b.mu.RUnlock()
	return gp.b.pwms[gp.pinName]
}

// softwarePWMLoop toggles the line until the pin is driven directly with Set, its duty drops
// to 0 or the board closes. Setting changes are picked up at the next period.
func (gp *gpioPin) softwarePWMLoop(ctx context.Context) {
	defer gp.b.logger.Debugw("pwm setting cleared; stopping software pwm", "pin", gp.pinName)
	for {
		on, off, active := gp.currentSetting().periods()
		if !active {
			// frequency not programmed yet
			if !gp.setIfPWM(ctx, false) {
				return
			}
			goutils.SelectContextOrWait(ctx, idlePoll)
			continue
		}

		if !gp.setIfPWM(ctx, true) {
			return
		}
		if !goutils.SelectContextOrWait(ctx, on) {
			continue
		}
		if !gp.setIfPWM(ctx, false) {
			return
		}
		goutils.SelectContextOrWait(ctx, off)
	}
}
