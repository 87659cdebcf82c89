// Package logging contains the structured logger shared by the stepper components.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// NewLoggerConfig returns a new default logger config.
func NewLoggerConfig() zap.Config {
	// zap's development config, with stacktraces disabled, prod keys and colored levels.
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stdout.
func NewDebugLogger(name string) Logger {
	cfg := NewLoggerConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	return newFromConfig(name, cfg)
}

func newFromConfig(name string, cfg zap.Config) Logger {
	logger, err := cfg.Build()
	if err != nil {
		// only reachable with a broken output path, which the default config never has.
		logger = zap.NewNop()
	}
	return &impl{SugaredLogger: logger.Sugar().Named(name), level: cfg.Level}
}

// NewTestLogger returns a new logger that outputs Debug+ logs through the test's Log method.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also saves logs to an in memory observer.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	level := zap.NewAtomicLevelAt(zap.DebugLevel)
	observerCore, observedLogs := observer.New(level)
	testCore := zaptest.NewLogger(tb, zaptest.Level(level)).Core()
	logger := zap.New(zapcore.NewTee(testCore, observerCore), zap.AddCaller())
	return &impl{SugaredLogger: logger.Sugar(), level: level}, observedLogs
}
