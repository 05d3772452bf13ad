// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, encoding and an optional rotated log file.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	File   string // rotated with lumberjack when set

	// Rotation limits for File. Zero values use the defaults below.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Output receives console/json output. Default: os.Stderr.
	Output io.Writer
}

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 28
)

// New builds a logger from cfg. The returned close function syncs the
// logger and closes the rotated file, if any.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	var encoder zapcore.Encoder
	switch orDefault(cfg.Format, "console") {
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, nil, fmt.Errorf("log format %q: want console or json", cfg.Format)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), level),
	}

	var rotator *lumberjack.Logger
	if cfg.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefaultInt(cfg.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: orDefaultInt(cfg.MaxBackups, defaultMaxBackups),
			MaxAge:     orDefaultInt(cfg.MaxAgeDays, defaultMaxAgeDays),
		}
		// Files are always JSON so they can be shipped as-is.
		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	closeFn := func() error {
		_ = logger.Sync() // stderr sync fails on some platforms
		if rotator != nil {
			return rotator.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
