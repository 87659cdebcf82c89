package dualstepper

import (
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ModelName is the motor model name used in config files.
const ModelName = "dualstepper"

const (
	// DefaultMinRateHz is the slowest rate the oscillator is driven at. Slower speed targets
	// turn the output off.
	DefaultMinRateHz = 8
	// DefaultMaxRateHz is the fastest rate the oscillator is driven at.
	DefaultMaxRateHz = 500
)

// PinConfig defines the mapping of where the motor driver is wired.
type PinConfig struct {
	Step          string `json:"step"`
	Direction     string `json:"dir"`
	EnablePinHigh string `json:"en_high,omitempty"`
	EnablePinLow  string `json:"en_low,omitempty"`
}

// Config describes the configuration of a dual mode stepper.
type Config struct {
	Pins          PinConfig `json:"pins"`
	MinRateHz     uint      `json:"min_rate_hz,omitempty"`
	MaxRateHz     uint      `json:"max_rate_hz,omitempty"`
	DirectionFlip bool      `json:"dir_flip,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.Pins.Step == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "pins.step")
	}
	if conf.Pins.Direction == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "pins.dir")
	}
	if conf.Pins.Step == conf.Pins.Direction {
		return errors.Errorf("%s: step and dir must be different pins, both are %q", path, conf.Pins.Step)
	}
	if minRate, maxRate := conf.rateBounds(); minRate > maxRate {
		return errors.Errorf("%s: min_rate_hz (%d) cannot exceed max_rate_hz (%d)", path, minRate, maxRate)
	}
	return nil
}

// rateBounds returns the configured oscillator bounds, with zero meaning the default.
func (conf *Config) rateBounds() (minRate, maxRate uint) {
	minRate, maxRate = conf.MinRateHz, conf.MaxRateHz
	if minRate == 0 {
		minRate = DefaultMinRateHz
	}
	if maxRate == 0 {
		maxRate = DefaultMaxRateHz
	}
	return minRate, maxRate
}
