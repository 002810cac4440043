// Package logging builds the process logger. Components take the returned
// logger (or a Named child) in their constructors.
package logging

import (
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level and encoding.
type Options struct {
	// Level is a zap level name: debug, info, warn, error. Empty means info.
	Level string
	// JSON selects production JSON output instead of the console encoder.
	JSON bool
}

// New builds a sugared logger writing to stderr.
func New(opts Options) (*zap.SugaredLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.JSON {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		l, err := config.Build()
		if err != nil {
			return nil, errors.Wrap(err, "build logger")
		}
		return l.Sugar(), nil
	}
	return zap.New(newConsoleCore(zapcore.Lock(os.Stderr), level)).Sugar(), nil
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return l, errors.Wrapf(err, "log level %q", name)
	}
	return l, nil
}

func newConsoleCore(w zapcore.WriteSyncer, level zapcore.Level) zapcore.Core {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(enc), w, level)
}
