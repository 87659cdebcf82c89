package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/dualstepper/components/board"
	"go.viam.com/dualstepper/components/board/fake"
	"go.viam.com/dualstepper/components/board/sysfs"
	"go.viam.com/dualstepper/components/motor"
	"go.viam.com/dualstepper/components/motor/coordinator"
	"go.viam.com/dualstepper/components/motor/dualstepper"
	"go.viam.com/dualstepper/config"
	"go.viam.com/dualstepper/logging"
)

// A system is one board, the motors wired to it and the coordinator refreshing them.
type system struct {
	board  board.Board
	motors map[string]*dualstepper.Motor
	order  []*dualstepper.Motor
	coord  *coordinator.Coordinator
	logger logging.Logger
}

func newBoard(conf config.Component, logger logging.Logger) (board.Board, error) {
	switch conf.Model {
	case fake.ModelName:
		return fake.NewBoard(logger), nil
	case sysfs.ModelName:
		sysfsConf, err := config.TransformAttributeMapToStruct[sysfs.Config](conf.Attributes)
		if err != nil {
			return nil, errors.Wrapf(err, "board %s", conf.Name)
		}
		if err := sysfsConf.Validate("board"); err != nil {
			return nil, err
		}
		return sysfs.NewBoard(sysfsConf, logger)
	default:
		return nil, errors.Errorf("board %s: unknown model %q", conf.Name, conf.Model)
	}
}

// newSystem builds the board and every motor and registers the motors with a coordinator
// that has not started ticking yet. On error everything built so far is closed.
func newSystem(ctx context.Context, cfg *config.Config, logger logging.Logger) (_ *system, err error) {
	b, err := newBoard(cfg.Board, logger.Sublogger("board"))
	if err != nil {
		return nil, err
	}
	s := &system{
		board:  b,
		motors: map[string]*dualstepper.Motor{},
		coord:  coordinator.New(cfg.Coordinator.Period(), logger.Sublogger("coordinator")),
		logger: logger,
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, s.Close(context.Background()))
		}
	}()

	for _, mc := range cfg.Motors {
		if mc.Model != dualstepper.ModelName {
			return nil, errors.Errorf("motor %s: unknown model %q", mc.Name, mc.Model)
		}
		conf, err := config.TransformAttributeMapToStruct[dualstepper.Config](mc.Attributes)
		if err != nil {
			return nil, errors.Wrapf(err, "motor %s", mc.Name)
		}
		m, err := dualstepper.NewMotor(ctx, b, *conf, mc.Name, logger.Sublogger(mc.Name))
		if err != nil {
			return nil, err
		}
		s.motors[mc.Name] = m
		s.order = append(s.order, m)
	}

	// a motor is identified by its step pin, so two motors cannot share one
	if dups := lo.FindDuplicatesBy(s.order, func(m *dualstepper.Motor) motor.ID { return m.ID() }); len(dups) != 0 {
		return nil, errors.Errorf("more than one motor uses step pin %q", dups[0].ID())
	}
	for _, m := range s.order {
		s.coord.AddMotor(m)
	}
	return s, nil
}

func (s *system) runCommands(ctx context.Context, cmds []config.Command) error {
	for idx, cmd := range cmds {
		if err := s.runCommand(ctx, cmd); err != nil {
			return errors.Wrapf(err, "command %d (%s)", idx, cmd.Op)
		}
	}
	return nil
}

func (s *system) runCommand(ctx context.Context, cmd config.Command) error {
	if cmd.Op == config.OpWait {
		if !goutils.SelectContextOrWait(ctx, time.Duration(cmd.WaitMs)*time.Millisecond) {
			return ctx.Err()
		}
		return nil
	}

	m, ok := s.motors[cmd.Motor]
	if !ok {
		return errors.Errorf("no motor named %q", cmd.Motor)
	}
	s.logger.Debugw("running command", "op", cmd.Op, "motor", cmd.Motor)
	switch cmd.Op {
	case config.OpMove:
		return m.Move(ctx, cmd.Steps, cmd.Rate)
	case config.OpGoFor:
		return m.GoFor(ctx, cmd.Steps, cmd.Rate)
	case config.OpGoTo:
		return m.GoTo(ctx, cmd.Position, cmd.Rate)
	case config.OpRotate:
		return m.Rotate(ctx, cmd.Rate)
	case config.OpSetTargetRate:
		m.SetTargetRate(cmd.Rate)
		return nil
	case config.OpStop:
		return m.Stop(ctx)
	default:
		return errors.Errorf("unknown op %q", cmd.Op)
	}
}

// Close stops ticking, then closes every motor and finally the board.
func (s *system) Close(ctx context.Context) error {
	s.coord.Close()
	var errs error
	for _, m := range s.order {
		errs = multierr.Combine(errs, m.Close(ctx))
	}
	return multierr.Combine(errs, s.board.Close(ctx))
}
