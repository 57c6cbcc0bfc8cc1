// Package logging builds the component loggers used across the
// replication subsystem. Every component logs through a *log.Logger
// with a "[component] " prefix; when a log file is configured the
// output additionally goes through a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared log sink.
type Options struct {
	// File enables rotating file output when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Quiet drops stderr output, keeping only the file (if any).
	Quiet bool
}

// Sink is a process-wide log destination shared by all component
// loggers.
type Sink struct {
	out    io.Writer
	closer io.Closer
}

// NewSink builds the shared destination. With no file and Quiet unset
// it is plain stderr.
func NewSink(opts Options) *Sink {
	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stderr)
	}

	var closer io.Closer
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, lj)
		closer = lj
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	return &Sink{out: out, closer: closer}
}

// Component returns a logger with the given component prefix, e.g.
// "[capture] ".
func (s *Sink) Component(name string) *log.Logger {
	return log.New(s.out, "["+name+"] ", log.LstdFlags)
}

// Close flushes and closes the file sink, if any.
func (s *Sink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
