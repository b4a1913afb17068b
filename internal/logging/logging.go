// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging builds the process-wide zap logger.
//
// Records are handed to a buffered, asynchronously flushed sink so
// that warnings emitted from hot loops never block on I/O.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	bufferSize    = 256 << 10
	flushInterval = time.Second
)

// Config selects the level and destinations of log output.
type Config struct {
	// Level is one of debug, info, warning, error.
	// The empty string means warning.
	Level string

	// File, if set, receives log output in addition to Output.
	File string

	// Output receives log output. Nil means standard error.
	Output io.Writer

	// Quiet disables Output; File is still written.
	Quiet bool
}

// ParseLevel converts a level name to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "", "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.WarnLevel, errors.Errorf("invalid log level: %q (expected: debug|info|warning|error)", s)
}

// New builds a logger from cfg. The returned close function flushes
// pending records and releases the log file; it must be called
// exactly once before the process exits.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		sinks   []zapcore.WriteSyncer
		closers []func() error
	)
	if !cfg.Quiet {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		// Hide Sync: fsync on a terminal or pipe fails with EINVAL.
		sinks = append(sinks, zapcore.AddSync(struct{ io.Writer }{out}))
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening log file")
		}
		sinks = append(sinks, f)
		closers = append(closers, f.Close)
	}
	if len(sinks) == 0 {
		return zap.NewNop(), func() error { return nil }, nil
	}

	ws := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.NewMultiWriteSyncer(sinks...),
		Size:          bufferSize,
		FlushInterval: flushInterval,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), ws, level)
	logger := zap.New(core)

	closeFn := func() error {
		err := ws.Stop()
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
		return err
	}
	return logger, closeFn, nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.ConsoleSeparator = " | "
	return cfg
}
