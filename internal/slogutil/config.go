package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process-wide logger.
type Options struct {
	// File is the log file path. Empty means console only.
	File string
	// Level is one of debug, info, warn, error.
	Level string
	// MaxSizeMB is the max size in MB before rotation.
	MaxSizeMB int
	// MaxAgeDays is the max age in days to keep rotated files.
	MaxAgeDays int
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int
	// Component is attached to every record when non-empty. Engine child
	// processes set it so parent and child logs interleave legibly.
	Component string
	// Console overrides the console writer. Engine children must log to
	// stderr because stdout carries the command stream.
	Console io.Writer
}

// ParseLevel maps a level string to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds a logger per opts and installs it as slog.Default.
// When a file is configured, records go to both console and the rotated file.
func Setup(opts Options) *slog.Logger {
	var writer io.Writer = os.Stdout
	if opts.Console != nil {
		writer = opts.Console
	}
	console := writer

	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		fileWriter := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxAge:     opts.MaxAgeDays,
			MaxBackups: opts.MaxBackups,
		}
		writer = io.MultiWriter(console, fileWriter)
	}

	base := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	})

	logger := slog.New(WrapHandler(base))
	if opts.Component != "" {
		logger = logger.With("component", opts.Component)
	}

	slog.SetDefault(logger)
	return logger
}
