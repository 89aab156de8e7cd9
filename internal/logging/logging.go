// Package logging builds the per-component loggers used across tandem.
//
// Output goes to stderr when verbose, to a size-rotated file when a path is
// configured, to both, or nowhere. Every component gets a *log.Logger with a
// "[component] " prefix sharing the same writer.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log output.
type Config struct {
	// File is the log file path; empty disables file output.
	File string

	// MaxSizeMB rotates the file once it reaches this size (default: 10).
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept (default: 3).
	MaxBackups int

	// MaxAgeDays removes rotated files older than this (default: 28).
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool

	// Verbose also writes to Stderr.
	Verbose bool

	// Stderr is the console writer (default: os.Stderr).
	Stderr io.Writer
}

// Logging hands out component loggers over one shared writer.
type Logging struct {
	w    io.Writer
	file *lumberjack.Logger
}

// Setup builds the shared writer. A nil config discards everything.
//
// The caller should call Close() to flush the log file.
func Setup(config *Config) *Logging {
	if config == nil {
		return &Logging{w: io.Discard}
	}
	var writers []io.Writer
	if config.Verbose {
		stderr := config.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		writers = append(writers, stderr)
	}

	l := &Logging{}
	if config.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    orDefault(config.MaxSizeMB, 10),
			MaxBackups: orDefault(config.MaxBackups, 3),
			MaxAge:     orDefault(config.MaxAgeDays, 28),
			Compress:   config.Compress,
		}
		writers = append(writers, l.file)
	}

	switch len(writers) {
	case 0:
		l.w = io.Discard
	case 1:
		l.w = writers[0]
	default:
		l.w = io.MultiWriter(writers...)
	}
	return l
}

// New returns a logger whose lines start with "[component] ".
func (l *Logging) New(component string) *log.Logger {
	return log.New(l.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared writer.
func (l *Logging) Writer() io.Writer {
	return l.w
}

// Close closes the log file, if any.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
