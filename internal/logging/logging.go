// Package logging builds the shared log output of the cardsync process and
// the per-component loggers that write to it.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cardsync/cardsync/internal/config"
)

// Output is the process-wide log destination.
type Output struct {
	io.Writer
	rotator *lumberjack.Logger
}

// NewOutput returns stderr, a size-rotated file, or both, as configured.
// Quiet drops stderr when a file is configured.
func NewOutput(cfg config.LogConfig) *Output {
	if cfg.File == "" {
		return &Output{Writer: os.Stderr}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	if cfg.Quiet {
		return &Output{Writer: rotator, rotator: rotator}
	}
	return &Output{Writer: io.MultiWriter(os.Stderr, rotator), rotator: rotator}
}

// Logger returns a logger with a bracketed component prefix, e.g. "[sync] ".
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o, "["+component+"] ", log.LstdFlags)
}

// Rotate closes the current log file and starts a new one. It is a no-op
// without a log file.
func (o *Output) Rotate() error {
	if o.rotator == nil {
		return nil
	}
	return o.rotator.Rotate()
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.rotator == nil {
		return nil
	}
	return o.rotator.Close()
}
