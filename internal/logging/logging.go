package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/stellarlinkco/ragclaw/internal/config"
)

// Setup configures the process-wide logger. The returned closer releases the
// log file when one is configured and is always safe to call.
func Setup(cfg config.LogConfig) (func() error, error) {
	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = config.DefaultLogLevel
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return noop, fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(parsed)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return noop, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	path := strings.TrimSpace(cfg.File)
	if path == "" {
		log.SetOutput(os.Stderr)
		return noop, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return noop, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return noop, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() error {
		log.SetOutput(os.Stderr)
		return f.Close()
	}, nil
}

// DefaultFile is where the gateway writes its log when the config leaves the
// path empty and file logging is requested.
func DefaultFile() string {
	return filepath.Join(config.ConfigDir(), "logs", "ragclaw.log")
}

func noop() error { return nil }
