// Package logging builds the loggers handed to every component.
//
// Components take a plain *log.Logger with a "[component] " prefix. The
// loggers share one writer: stderr, or a size-rotated file when a path is
// configured.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared log writer.
type Options struct {
	// File is the log file path. Empty logs to stderr.
	File string
	// MaxSizeMB is the size at which the file is rotated (default: 50).
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept (default: 3).
	MaxBackups int
	// MaxAgeDays is how long rotated files are kept (default: 28).
	MaxAgeDays int
	// Compress gzips rotated files.
	Compress bool
	// Debug enables loggers returned by Debug.
	Debug bool
}

// Logs hands out component loggers over one writer.
type Logs struct {
	w      io.Writer
	closer io.Closer
	debug  bool
}

// Open creates the shared writer described by opts.
func Open(opts Options) *Logs {
	if opts.File == "" {
		return &Logs{w: os.Stderr, debug: opts.Debug}
	}

	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 50
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 28
	}

	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return &Logs{w: lj, closer: lj, debug: opts.Debug}
}

// Writer returns the shared writer.
func (l *Logs) Writer() io.Writer {
	return l.w
}

// New returns a logger prefixed with "[component] ".
func (l *Logs) New(component string) *log.Logger {
	return log.New(l.w, "["+component+"] ", log.LstdFlags)
}

// Debug returns a component logger that only writes when debug logging is on.
func (l *Logs) Debug(component string) *log.Logger {
	if !l.debug {
		return log.New(io.Discard, "", 0)
	}
	return log.New(l.w, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
}

// DebugEnabled reports whether Debug loggers write.
func (l *Logs) DebugEnabled() bool {
	return l.debug
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
