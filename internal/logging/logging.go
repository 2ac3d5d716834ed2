// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for the optional log file.
const (
	maxSizeMB  = 10
	maxBackups = 5
	maxAgeDays = 30
)

// Options configures Setup.
type Options struct {
	Level  string    // debug, info, warn or error; anything else means info
	File   string    // optional rotating log file, written in addition to Stderr
	Stderr io.Writer // console destination
}

// ParseLevel maps a config level name to a slog.Level.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// New builds a text logger for opts. The returned closer releases the log
// file and is a no-op when no file is configured.
func New(opts Options) (*slog.Logger, io.Closer) {
	var w io.Writer = opts.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		w = io.MultiWriter(opts.Stderr, rotator)
		closer = rotator
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})
	return slog.New(h), closer
}

// Setup builds the logger with New and installs it as the slog default.
func Setup(opts Options) (*slog.Logger, io.Closer) {
	logger, closer := New(opts)
	slog.SetDefault(logger)
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
