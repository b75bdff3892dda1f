package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"mdmguard/internal/config"
)

func NewLogger(level string) *slog.Logger {
	return newLogger(level, os.Stdout)
}

// NewFromConfig logs to w and, when logging.file is set, to a rotating file
// as well.
func NewFromConfig(cfg *config.Config, w io.Writer) (*slog.Logger, io.Closer) {
	if cfg.Logging.File == "" {
		return newLogger(cfg.LogLevel, w), nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	return newLogger(cfg.LogLevel, io.MultiWriter(w, rotator)), rotator
}

func newLogger(level string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

// Discard returns a logger that drops everything. Used by tests and one-shot
// commands running with --quiet.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
