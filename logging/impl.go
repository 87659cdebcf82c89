package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface handed to every component. It is a superset of
// zap's SugaredLogger method set so it can be passed to go.viam.com/utils helpers.
type Logger interface {
	Desugar() *zap.Logger
	Level() zapcore.Level
	Named(name string) *zap.SugaredLogger
	Sync() error
	With(args ...interface{}) *zap.SugaredLogger
	WithOptions(opts ...zap.Option) *zap.SugaredLogger

	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatal(args ...interface{})
	Fatalf(template string, args ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})

	// Sublogger returns a child logger whose name is this logger's name joined with subname.
	// The child shares its parent's level.
	Sublogger(subname string) Logger
	SetLevel(level zapcore.Level)
}

type impl struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
}

func (imp *impl) Level() zapcore.Level {
	return imp.level.Level()
}

func (imp *impl) SetLevel(level zapcore.Level) {
	imp.level.SetLevel(level)
}

func (imp *impl) Sublogger(subname string) Logger {
	return &impl{SugaredLogger: imp.SugaredLogger.Named(subname), level: imp.level}
}
