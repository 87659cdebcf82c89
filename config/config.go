// Package config defines the stepperd configuration file and how to read it.
package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"
)

// AttributeMap is a model specific attribute block, decoded later into that model's config.
type AttributeMap map[string]interface{}

// A Component is one configured board or motor.
type Component struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	Attributes AttributeMap `json:"attributes,omitempty"`
}

// Validate ensures the component names a model.
func (c *Component) Validate(path string) error {
	if c.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if c.Model == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "model")
	}
	return nil
}

// Coordinator configures the shared speed refresh tick.
type Coordinator struct {
	PeriodMs int `json:"period_ms,omitempty"`
}

// Period returns the tick period, or 0 to use the default.
func (c Coordinator) Period() time.Duration {
	return time.Duration(c.PeriodMs) * time.Millisecond
}

// Command ops.
const (
	OpMove          = "move"
	OpGoFor         = "go_for"
	OpGoTo          = "go_to"
	OpRotate        = "rotate"
	OpSetTargetRate = "set_target_rate"
	OpStop          = "stop"
	OpWait          = "wait"
)

var validOps = []string{OpMove, OpGoFor, OpGoTo, OpRotate, OpSetTargetRate, OpStop, OpWait}

// A Command is one step of the startup script stepperd runs once everything is up.
type Command struct {
	Op       string `json:"op"`
	Motor    string `json:"motor,omitempty"`
	Steps    int64  `json:"steps,omitempty"`
	Position int64  `json:"position,omitempty"`
	Rate     int64  `json:"rate,omitempty"`
	WaitMs   int    `json:"wait_ms,omitempty"`
}

// Validate ensures the command is runnable against the given motor names.
func (c *Command) Validate(path string, motorNames []string) error {
	if !lo.Contains(validOps, c.Op) {
		return errors.Errorf("%s: unknown op %q, expected one of %v", path, c.Op, validOps)
	}
	if c.Op == OpWait {
		if c.WaitMs <= 0 {
			return utils.NewConfigValidationFieldRequiredError(path, "wait_ms")
		}
		return nil
	}
	if c.Motor == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "motor")
	}
	if !lo.Contains(motorNames, c.Motor) {
		return errors.Errorf("%s: no motor named %q", path, c.Motor)
	}
	return nil
}

// Config is the whole stepperd configuration.
type Config struct {
	Board       Component   `json:"board"`
	Motors      []Component `json:"motors"`
	Coordinator Coordinator `json:"coordinator,omitempty"`
	Commands    []Command   `json:"commands,omitempty"`
	Debug       bool        `json:"debug,omitempty"`

	// ConfigFilePath is where the config was read from, if anywhere.
	ConfigFilePath string `json:"-"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if err := c.Board.Validate("board"); err != nil {
		return err
	}
	for idx := range c.Motors {
		if err := c.Motors[idx].Validate(fmt.Sprintf("motors.%d", idx)); err != nil {
			return err
		}
	}
	if dups := lo.FindDuplicatesBy(c.Motors, func(m Component) string { return m.Name }); len(dups) != 0 {
		return errors.Errorf("motor names must be unique, found duplicate %q", dups[0].Name)
	}
	names := lo.Map(c.Motors, func(m Component, _ int) string { return m.Name })
	for idx := range c.Commands {
		if err := c.Commands[idx].Validate(fmt.Sprintf("commands.%d", idx), names); err != nil {
			return err
		}
	}
	if c.Coordinator.PeriodMs < 0 {
		return errors.Errorf("coordinator.period_ms cannot be negative, got %d", c.Coordinator.PeriodMs)
	}
	return nil
}

// TransformAttributeMapToStruct decodes attributes into a new T using its json tags. Keys
// that T has no field for are an error, since a misspelled pin name would otherwise go
// unnoticed.
func TransformAttributeMapToStruct[T any](attributes AttributeMap) (*T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return nil, errors.Wrap(err, "failed to decode attributes")
	}
	return &out, nil
}
