// Package main runs a set of dual mode stepper motors from a config file. Once the board,
// motors and speed coordinator are up it runs the config's startup commands in order and
// then keeps the coordinator ticking until interrupted.
package main

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	goutils "go.viam.com/utils"

	"go.viam.com/dualstepper/config"
	"go.viam.com/dualstepper/logging"
)

var logger = logging.NewDebugLogger("stepperd")

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"0,required,usage=stepperd config file"`
	Debug      bool   `flag:"debug"`
}

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	cfg, err := config.Read(argsParsed.ConfigFile, logger)
	if err != nil {
		return err
	}
	if argsParsed.Debug || cfg.Debug {
		logger.SetLevel(zapcore.DebugLevel)
	} else {
		logger.SetLevel(zapcore.InfoLevel)
	}
	return run(ctx, cfg, logger)
}

// run brings the system up, runs the startup commands and blocks until ctx is done. The
// motors are always stopped and the board released before it returns.
func run(ctx context.Context, cfg *config.Config, logger logging.Logger) (err error) {
	s, err := newSystem(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.Close(context.Background()))
	}()

	s.coord.Start()
	logger.Infow("stepperd running", "motors", s.coord.Motors(), "period", s.coord.Period())

	if err := s.runCommands(ctx, cfg.Commands); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	<-ctx.Done()
	return nil
}
