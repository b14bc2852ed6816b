// Package logger builds the zap logger used across rig: a console core for
// the operator and an optional rotating JSON file core.
package logger

import (
	"errors"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options holds configuration for the logger.
type Options struct {
	// Debug lowers the console level from warn to debug.
	Debug bool

	// Color enables ANSI level colors on the console.
	Color bool

	// Console receives console output. Defaults to os.Stderr.
	Console io.Writer

	// File enables JSON logging at debug level to this path.
	File string

	// MaxSizeMB, MaxBackups and MaxAgeDays control log file rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultOptions returns console-only, colored, warn-level options.
func DefaultOptions() Options {
	return Options{
		Color:      true,
		Console:    os.Stderr,
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	if opts.Console == nil {
		opts.Console = os.Stderr
	}

	consoleLevel := zapcore.WarnLevel
	if opts.Debug {
		consoleLevel = zapcore.DebugLevel
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	consoleCfg.CallerKey = ""
	if opts.Color {
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(zapcore.AddSync(opts.Console)), consoleLevel),
	}

	if opts.File != "" {
		core, err := fileCore(opts)
		if err != nil {
			return nil, err
		}
		cores = append(cores, core)
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func fileCore(opts Options) (zapcore.Core, error) {
	if info, err := os.Stat(opts.File); err == nil && info.IsDir() {
		return nil, errors.New("log file path is a directory: " + opts.File)
	}

	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(w), zapcore.DebugLevel), nil
}
